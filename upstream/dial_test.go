package upstream

import "testing"

func TestIsSelfConnectMatchesLoopbackAndOwnPort(t *testing.T) {
	if !IsSelfConnect("localhost", "8080", 8080) {
		t.Fatal("expected localhost:ownPort to be a self-connect")
	}
	if !IsSelfConnect("127.0.0.1", "8080", 8080) {
		t.Fatal("expected 127.0.0.1:ownPort to be a self-connect")
	}
	if !IsSelfConnect("::1", "8080", 8080) {
		t.Fatal("expected ::1:ownPort to be a self-connect")
	}
}

func TestIsSelfConnectRejectsOtherPortOrHost(t *testing.T) {
	if IsSelfConnect("localhost", "9090", 8080) {
		t.Fatal("expected mismatched port to not be a self-connect")
	}
	if IsSelfConnect("example.com", "8080", 8080) {
		t.Fatal("expected a non-loopback host to not be a self-connect")
	}
	if IsSelfConnect("localhost", "not-a-port", 8080) {
		t.Fatal("expected an unparsable port to not be a self-connect")
	}
}
