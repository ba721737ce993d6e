package core

import (
	"sync/atomic"

	"github.com/jnestelroad/aether-go/internal/perror"
)

var nextFlowID uint64

// Flow is the pair of (client endpoint, server endpoint) through a single
// client's session with the proxy (spec §3 ConnectionFlow).
//
// Invariant: a flow's id is stable for its lifetime; endpoint ordering
// (client, server) never swaps. A Flow is never copied — always passed by
// pointer.
type Flow struct {
	ID uint64

	Client *Endpoint
	Server *Endpoint // created lazily once the target is known

	TargetHost string
	TargetPort string

	// Interception overrides an addon may set before the TLS/WebSocket
	// phase begins (spec §3).
	InterceptTLS       bool
	InterceptWebSocket bool

	Errors perror.ErrorState
}

// NewFlow allocates a Flow bound to a freshly accepted client endpoint.
func NewFlow(client *Endpoint) *Flow {
	return &Flow{
		ID:           atomic.AddUint64(&nextFlowID, 1),
		Client:       client,
		InterceptTLS: true,
	}
}

// Close tears down both endpoints. Safe to call multiple times.
func (f *Flow) Close() {
	if f.Client != nil {
		_ = f.Client.Close()
	}
	if f.Server != nil {
		_ = f.Server.Close()
	}
}
