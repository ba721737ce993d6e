// Package phasetunnel implements the opaque tunnel phase-service (spec
// §4.8): two concurrent pump loops, client→server and server→client, each a
// write-then-read cycle using the untimed write variant since the
// concurrent read on the same endpoint already owns the deadline timer.
//
// Grounded on the teacher's proxy/internal/conn-based CONNECT tunnel
// relay loop, generalized to the Endpoint buffered-residual contract
// spec §4.2/§4.8 describe (flush source.input into destination.output
// before each read).
package phasetunnel

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/intercept"
)

const pumpChunkSize = 32 * 1024

// Phase implements core.PhaseService by relaying bytes verbatim between the
// flow's client and server endpoints until either side errors.
type Phase struct {
	Registry *intercept.Registry
}

// New constructs a tunnel phase instance.
func New(reg *intercept.Registry) *Phase {
	return &Phase{Registry: reg}
}

// Run drives both pump loops to completion (spec §4.8: "the service stops
// once both loops are finished"). Neither loop ever stages a next phase:
// Run returning without a Switch call ends the flow.
func (p *Phase) Run(ctx context.Context, h *core.ServiceHandler) error {
	f := h.Flow()
	if f.Server == nil {
		return nil
	}
	f.Client.SetMode(core.ModeTunnel)
	f.Server.SetMode(core.ModeTunnel)

	var wg sync.WaitGroup
	var clientErr, serverErr error
	wg.Add(2)
	go func() { defer wg.Done(); clientErr = pump(f.Client, f.Server) }()
	go func() { defer wg.Done(); serverErr = pump(f.Server, f.Client) }()
	wg.Wait()

	p.Registry.DispatchStop(intercept.EventTunnelStop, f)

	if isRealError(clientErr) {
		return clientErr
	}
	if isRealError(serverErr) {
		return serverErr
	}
	return nil
}

func isRealError(err error) bool {
	return err != nil && !errors.Is(err, io.EOF)
}

// pump implements one TunnelLoop direction (spec §4.8): first flush any
// residual bytes already sitting in source's input buffer (left over from
// an earlier phase, e.g. the ClientHello reader's peek) to dst using the
// untimed write variant, then alternate timed reads from src with untimed
// writes to dst — untimed because the read already owns the endpoint's
// deadline timer.
func pump(src, dst *core.Endpoint) error {
	if residual, err := src.ReadAvailable(); err == nil && len(residual) > 0 {
		if err := dst.WriteUntimed(residual); err != nil {
			return err
		}
	}
	for {
		chunk, err := src.ReadSome(pumpChunkSize)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return io.EOF
		}
		if err := dst.WriteUntimed(chunk); err != nil {
			return err
		}
	}
}
