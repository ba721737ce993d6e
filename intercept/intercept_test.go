package intercept

import (
	"testing"

	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/httpmsg"
)

func TestDispatchWebSocketMessageChainsMutations(t *testing.T) {
	r := New()
	r.OnWebSocketMessage(func(flow *core.Flow, opcode int, payload []byte) []byte {
		return append(payload, '!')
	})
	r.OnWebSocketMessage(func(flow *core.Flow, opcode int, payload []byte) []byte {
		return append([]byte("["), payload...)
	})

	out := r.DispatchWebSocketMessage(nil, 1, []byte("hi"))
	if string(out) != "[hi!" {
		t.Fatalf("expected chained mutation [hi!, got %q", out)
	}
}

func TestOffDetachesFromEveryEventMap(t *testing.T) {
	r := New()
	called := false
	h := r.OnHTTP(EventRequest, func(flow *core.Flow, exchange *httpmsg.Exchange) {})
	_ = h
	r.OnStop(EventTunnelStop, func(flow *core.Flow) { called = true })
	handle := r.OnTLS(EventTLSEstablished, func(flow *core.Flow) { called = true })

	r.Off(handle)
	r.DispatchTLS(EventTLSEstablished, nil)
	if called {
		t.Fatal("expected detached callback to not run")
	}
}

func TestHubAttachRegistersOnlyNonNilHooks(t *testing.T) {
	r := New()
	var stopCalled, tlsCalled bool
	hub := &Hub{
		TunnelStop:     func(flow *core.Flow) { stopCalled = true },
		TLSEstablished: func(flow *core.Flow) { tlsCalled = true },
	}
	handles := hub.Attach(r)
	if len(handles) != 2 {
		t.Fatalf("expected 2 handles for 2 non-nil hooks, got %d", len(handles))
	}

	r.DispatchStop(EventTunnelStop, nil)
	r.DispatchTLS(EventTLSEstablished, nil)
	if !stopCalled || !tlsCalled {
		t.Fatal("expected both attached hub hooks to fire")
	}
}

func TestDispatchWebSocketHandshakeInterceptsIfAnyCallbackReturnsTrue(t *testing.T) {
	r := New()
	r.OnWebSocketHandshake(func(flow *core.Flow, exchange *httpmsg.Exchange) bool { return false })
	intercept := r.DispatchWebSocketHandshake(nil, nil)
	if intercept {
		t.Fatal("expected false when no callback votes to intercept")
	}

	r.OnWebSocketHandshake(func(flow *core.Flow, exchange *httpmsg.Exchange) bool { return true })
	if !r.DispatchWebSocketHandshake(nil, nil) {
		t.Fatal("expected true once one callback votes to intercept")
	}
}
