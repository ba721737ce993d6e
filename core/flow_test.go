package core

import (
	"net"
	"testing"
	"time"
)

func TestNewFlowAssignsIncreasingIDsAndDefaultInterceptTLS(t *testing.T) {
	a, _ := net.Pipe()
	b, _ := net.Pipe()
	f1 := NewFlow(NewEndpoint(a, DefaultTimeouts()))
	f2 := NewFlow(NewEndpoint(b, DefaultTimeouts()))

	if f2.ID <= f1.ID {
		t.Fatalf("expected increasing flow IDs, got %d then %d", f1.ID, f2.ID)
	}
	if !f1.InterceptTLS {
		t.Fatal("expected InterceptTLS to default true (spec §3)")
	}
	if f1.Server != nil {
		t.Fatal("expected Server to be nil until the target is known")
	}
}

func TestFlowCloseIsIdempotent(t *testing.T) {
	client, _ := net.Pipe()
	server, _ := net.Pipe()
	f := NewFlow(NewEndpoint(client, DefaultTimeouts()))
	f.Server = NewEndpoint(server, DefaultTimeouts())

	f.Close()
	f.Close() // must not panic

	time.Sleep(time.Millisecond)
}
