// Package phasews implements the WebSocket phase-service (spec §4.10): two
// per-direction connection loops over a shared pipeline, frame parsing via
// wsframe, ping/pong/close handling, message-boundary interception with
// re-chunking, and coordinated closure.
//
// Grounded on the teacher's gorilla/websocket-based addon (mitm/websocket)
// for the ping/pong/close control flow, generalized from "delegate framing
// to gorilla" to the hand-rolled wsframe decoder/encoder spec §4.9 mandates,
// since message-level interception with re-chunked re-emission needs direct
// control over frame boundaries that gorilla's Conn API does not expose
// (see DESIGN.md).
package phasews

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/intercept"
	"github.com/jnestelroad/aether-go/wsframe"
)

const (
	clientChunkSize = 4088
	serverChunkSize = 4092
)

// CloseState records the negotiated close frame (spec §3 WebSocketPipeline).
type CloseState struct {
	Code   uint16
	Reason string
}

// Pipeline is the shared state between a flow's two WebSocketConnections
// (spec §3 WebSocketPipeline): injected-frame/message queues per direction,
// an intercept-messages flag, and closure bookkeeping.
type Pipeline struct {
	InterceptMessages bool

	mu           sync.Mutex
	closed       bool
	closingSide  string // "client" or "server"
	closeState   CloseState
	clientInject [][]byte // frames queued by interceptors, destined for the client
	serverInject [][]byte // frames queued by interceptors, destined for the server
}

// NewPipeline constructs a pipeline with interception enabled or disabled.
func NewPipeline(interceptMessages bool) *Pipeline {
	return &Pipeline{InterceptMessages: interceptMessages}
}

// MarkClosed records the closing side and close frame exactly once.
func (pl *Pipeline) MarkClosed(side string, code uint16, reason string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.closed {
		return
	}
	pl.closed = true
	pl.closingSide = side
	pl.closeState = CloseState{Code: code, Reason: reason}
}

// Closed reports whether the pipeline has already recorded a close.
func (pl *Pipeline) Closed() (CloseState, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.closeState, pl.closed
}

// InjectToClient enqueues a raw frame to be written to the client on its
// next loop iteration; rejected once the pipeline is closed (spec §3:
// "once closed, frame/message enqueue is rejected").
func (pl *Pipeline) InjectToClient(frame []byte) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.closed {
		return false
	}
	pl.clientInject = append(pl.clientInject, frame)
	return true
}

// InjectToServer mirrors InjectToClient for the server direction.
func (pl *Pipeline) InjectToServer(frame []byte) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.closed {
		return false
	}
	pl.serverInject = append(pl.serverInject, frame)
	return true
}

func (pl *Pipeline) drainClientInject() [][]byte {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	out := pl.clientInject
	pl.clientInject = nil
	return out
}

func (pl *Pipeline) drainServerInject() [][]byte {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	out := pl.serverInject
	pl.serverInject = nil
	return out
}

// Phase implements core.PhaseService for the WebSocket control sequence.
type Phase struct {
	Registry *intercept.Registry
	Pipeline *Pipeline
}

// New constructs a WebSocket phase instance bound to a fresh pipeline.
func New(reg *intercept.Registry, interceptMessages bool) *Phase {
	return &Phase{Registry: reg, Pipeline: NewPipeline(interceptMessages)}
}

// Run drives both per-direction connection loops concurrently until each
// finishes, then runs websocket:stop (spec §4.10).
func (p *Phase) Run(ctx context.Context, h *core.ServiceHandler) error {
	f := h.Flow()
	if f.Server == nil {
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// dest is the server, so this loop drains frames queued for the
		// server (e.g. a pong the server-loop injected in reply to a ping
		// it read from the server).
		runDirection(f, f.Client, f.Server, "client", clientChunkSize, true, p.Registry, p.Pipeline, p.Pipeline.InjectToClient, p.Pipeline.drainServerInject)
	}()
	go func() {
		defer wg.Done()
		// dest is the client, so this loop drains frames queued for the
		// client (e.g. a pong the client-loop injected in reply to a ping
		// it read from the client).
		runDirection(f, f.Server, f.Client, "server", serverChunkSize, false, p.Registry, p.Pipeline, p.Pipeline.InjectToServer, p.Pipeline.drainClientInject)
	}()
	wg.Wait()

	p.Registry.DispatchStop(intercept.EventWebSocketStop, f)
	return nil
}

// runDirection implements one WebSocketConnection loop (spec §4.10 steps
// 1-4). source is read from, dest is written to; selfMask controls whether
// re-emitted frames are masked (true only for the client→server direction,
// per RFC 6455's client-must-mask rule).
func runDirection(
	flow *core.Flow,
	source, dest *core.Endpoint,
	side string,
	chunkSize int,
	selfMask bool,
	reg *intercept.Registry,
	pl *Pipeline,
	injectToSource func([]byte) bool,
	drainForDest func() [][]byte,
) {
	var reassembler wsframe.Reassembler
	maskGen := maskKeyGenerator(selfMask)

	for {
		if state, closed := pl.Closed(); closed {
			frame := wsframe.Encode(&wsframe.Frame{Fin: true, Opcode: wsframe.OpClose, Payload: closePayload(state)}, maskGen)
			_ = dest.WriteUntimed(frame)
			return
		}

		frame, err := wsframe.Decode(source)
		if err != nil {
			pl.MarkClosed(side, 1011, "internal_error")
			return
		}

		switch frame.Opcode {
		case wsframe.OpPing:
			_ = injectToSource(wsframe.Encode(&wsframe.Frame{Fin: true, Opcode: wsframe.OpPong, Payload: frame.Payload}, maskKeyGenerator(!selfMask)))
			queueFrame(dest, wsframe.Encode(frame, oppositeMaskGenerator(selfMask)))
		case wsframe.OpPong:
			// discarded per spec §4.10 step 2.
		case wsframe.OpClose:
			code, reason := parseClosePayload(frame.Payload)
			pl.MarkClosed(side, code, reason)
		default:
			if pl.InterceptMessages {
				msg, opcode, done, rerr := reassembler.Feed(frame)
				if rerr != nil {
					pl.MarkClosed(side, 1002, "protocol_error")
					return
				}
				if done {
					mutated := reg.DispatchWebSocketMessage(flow, int(opcode), msg)
					for _, out := range wsframe.Chunk(opcode, mutated, chunkSize) {
						queueFrame(dest, wsframe.Encode(out, oppositeMaskGenerator(selfMask)))
					}
				}
			} else {
				queueFrame(dest, wsframe.Encode(frame, oppositeMaskGenerator(selfMask)))
			}
		}

		for _, injected := range drainForDest() {
			queueFrame(dest, injected)
		}
		if err := dest.FlushOutput(); err != nil {
			pl.MarkClosed(side, 1011, "internal_error")
			return
		}
	}
}

func queueFrame(dest *core.Endpoint, frame []byte) {
	dest.QueueOutput(frame)
}

func maskKeyGenerator(enabled bool) func() [4]byte {
	if !enabled {
		return nil
	}
	return randomMaskKey
}

// oppositeMaskGenerator decides the mask for a *forwarded* frame: frames
// forwarded toward the server must be masked (client role); frames
// forwarded toward the client must not be (server role). selfMask is true
// for the client->server direction.
func oppositeMaskGenerator(selfMask bool) func() [4]byte {
	if selfMask {
		return randomMaskKey
	}
	return nil
}

func closePayload(state CloseState) []byte {
	payload := make([]byte, 2+len(state.Reason))
	payload[0] = byte(state.Code >> 8)
	payload[1] = byte(state.Code)
	copy(payload[2:], state.Reason)
	return payload
}

func parseClosePayload(payload []byte) (uint16, string) {
	if len(payload) < 2 {
		return 1005, ""
	}
	code := uint16(payload[0])<<8 | uint16(payload[1])
	return code, string(payload[2:])
}

func randomMaskKey() [4]byte {
	var key [4]byte
	_, _ = rand.Read(key[:])
	return key
}
