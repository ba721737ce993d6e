package core

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// PhaseService is one state of the per-flow state machine (spec §4.3): HTTP,
// TLS interception, opaque tunnel, or WebSocket. Run owns the flow's I/O for
// the duration of the phase and returns when that phase's work is done,
// having optionally staged the next phase via ServiceHandler.Switch before
// returning.
//
// The source language models phase-services as polymorphic pointers whose
// async completion handlers call back into the owning handler; spec §9
// Design Notes asks implementers in a language with single-ownership to
// model this as the handler holding a tagged union (here: an interface
// value) rather than something phases free their own container with. Run
// being an ordinary blocking call (instead of a completion-handler chain) is
// the natural Go rendering of that recommendation: the phase itself is its
// own completion handler, and Switch plays the role of switch_service<P>.
type PhaseService interface {
	Run(ctx context.Context, h *ServiceHandler) error
}

// ServiceHandler owns exactly one active PhaseService per flow and drives it
// through phase transitions until a phase declines to stage a next one
// (spec §4.3).
type ServiceHandler struct {
	flow *Flow

	mu      sync.Mutex
	current PhaseService
	next    PhaseService

	stopped    atomic.Bool
	onFinished func()
}

// NewServiceHandler binds a handler to a flow.
func NewServiceHandler(f *Flow) *ServiceHandler {
	return &ServiceHandler{flow: f}
}

// Flow returns the handler's bound flow.
func (h *ServiceHandler) Flow() *Flow { return h.flow }

// Switch stages the next phase-service. Must be called from within the
// current phase's own Run before it returns (spec §4.3: "must be called
// from within a completion handler of the current service").
func (h *ServiceHandler) Switch(p PhaseService) {
	h.mu.Lock()
	h.next = p
	h.mu.Unlock()
}

// Current returns the currently active phase-service, primarily for tests.
func (h *ServiceHandler) Current() PhaseService {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Start initialises the HTTP phase-service (or whatever initial phase the
// caller supplies) and runs the flow to completion, invoking onFinished
// exactly once when the flow stops.
func (h *ServiceHandler) Start(ctx context.Context, initial PhaseService, onFinished func()) {
	h.onFinished = onFinished
	h.loop(ctx, initial)
}

func (h *ServiceHandler) loop(ctx context.Context, p PhaseService) {
	for p != nil {
		if h.stopped.Load() {
			return
		}
		h.mu.Lock()
		h.current = p
		h.next = nil
		h.mu.Unlock()

		err := p.Run(ctx, h)
		if err != nil {
			h.flow.Errors.Set(err)
		}

		h.mu.Lock()
		n := h.next
		h.mu.Unlock()
		p = n
	}
	h.Stop()
}

// Stop disconnects both endpoints and invokes the finished callback exactly
// once. Idempotent (spec §4.3).
func (h *ServiceHandler) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	h.flow.Close()
	if h.onFinished != nil {
		h.onFinished()
	}
}

// Stopped reports whether Stop has already run.
func (h *ServiceHandler) Stopped() bool { return h.stopped.Load() }
