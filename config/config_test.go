package config

import "testing"

func TestShouldTunnelTLSHonorsStrictAndGlobs(t *testing.T) {
	c := Default()
	c.SSLPassthrough = []string{"*.internal.example.com"}

	if !c.ShouldTunnelTLS("db.internal.example.com", true) {
		t.Fatal("expected glob match to force tunnel even when marked for intercept")
	}
	if c.ShouldTunnelTLS("api.example.com", true) {
		t.Fatal("expected non-matching host marked for intercept to not tunnel")
	}
	if !c.ShouldTunnelTLS("api.example.com", false) {
		t.Fatal("expected a host not marked for intercept to tunnel")
	}

	c2 := Default()
	c2.SSLPassthroughStrict = true
	if !c2.ShouldTunnelTLS("anything.example.com", true) {
		t.Fatal("ssl-passthrough-strict should force tunnel regardless of host")
	}
}

func TestWebSocketShouldInterceptHonorsPassthroughAndDefault(t *testing.T) {
	c := Default()
	c.WSInterceptDefault = true
	if !c.WebSocketShouldIntercept("chat.example.com") {
		t.Fatal("expected interception with default-on and no passthrough rules")
	}

	c.WSPassthrough = []string{"chat.example.com"}
	if c.WebSocketShouldIntercept("chat.example.com") {
		t.Fatal("expected passthrough glob to disable interception")
	}

	c2 := Default()
	c2.WSInterceptDefault = false
	if c2.WebSocketShouldIntercept("other.example.com") {
		t.Fatal("expected ws-intercept-default=false to disable interception")
	}
}

func TestShouldTunnelWebSocketStrict(t *testing.T) {
	c := Default()
	c.WSPassthroughStrict = true
	if !c.ShouldTunnelWebSocket("anything.example.com") {
		t.Fatal("ws-passthrough-strict should force tunnel regardless of host")
	}
}
