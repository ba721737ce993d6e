package core

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type stubPhase struct {
	name string
	next PhaseService
	err  error
	ran  *[]string
}

func (s *stubPhase) Run(ctx context.Context, h *ServiceHandler) error {
	*s.ran = append(*s.ran, s.name)
	if s.next != nil {
		h.Switch(s.next)
	}
	return s.err
}

func TestServiceHandlerRunsStagedPhaseChain(t *testing.T) {
	client, _ := net.Pipe()
	f := NewFlow(NewEndpoint(client, DefaultTimeouts()))
	h := NewServiceHandler(f)

	var ran []string
	third := &stubPhase{name: "third", ran: &ran}
	second := &stubPhase{name: "second", next: third, ran: &ran}
	first := &stubPhase{name: "first", next: second, ran: &ran}

	finished := make(chan struct{})
	h.Start(context.Background(), first, func() { close(finished) })

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never finished")
	}

	if len(ran) != 3 || ran[0] != "first" || ran[1] != "second" || ran[2] != "third" {
		t.Fatalf("expected phases to run in chained order, got %v", ran)
	}
	if !h.Stopped() {
		t.Fatal("expected handler to be stopped once the chain ends without a Switch")
	}
}

func TestServiceHandlerStopIsIdempotentAndCallsOnFinishedOnce(t *testing.T) {
	client, _ := net.Pipe()
	f := NewFlow(NewEndpoint(client, DefaultTimeouts()))
	h := NewServiceHandler(f)

	calls := 0
	h.onFinished = func() { calls++ }
	h.Stop()
	h.Stop()
	h.Stop()

	if calls != 1 {
		t.Fatalf("expected onFinished to run exactly once, got %d", calls)
	}
}

func TestServiceHandlerRecordsPhaseErrorOnFlow(t *testing.T) {
	client, _ := net.Pipe()
	f := NewFlow(NewEndpoint(client, DefaultTimeouts()))
	h := NewServiceHandler(f)

	var ran []string
	boom := errors.New("boom")
	phase := &stubPhase{name: "only", err: boom, ran: &ran}

	finished := make(chan struct{})
	h.Start(context.Background(), phase, func() { close(finished) })

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never finished")
	}

	if !f.Errors.HasError() || !errors.Is(f.Errors.Err(), boom) {
		t.Fatalf("expected flow to record the phase error, got %v", f.Errors.Err())
	}
}
