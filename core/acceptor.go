package core

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"syscall"
)

// ListenOptions configures the listening socket (spec §6).
type ListenOptions struct {
	Addr         string
	IPv6         bool
	SendBufBytes int // applied when IPv6 is true; spec default 64 KiB
}

const defaultDualStackSendBuf = 64 * 1024

// Listen opens the proxy's listening socket with SO_REUSEADDR set and, for
// dual-stack IPv6 listeners, an enlarged send buffer (spec §6).
func Listen(opts ListenOptions) (net.Listener, error) {
	sendBuf := opts.SendBufBytes
	if sendBuf <= 0 {
		sendBuf = defaultDualStackSendBuf
	}
	network := "tcp4"
	if opts.IPv6 {
		network = "tcp"
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if opts.IPv6 {
					_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, sendBuf)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	return lc.Listen(context.Background(), network, opts.Addr)
}

// Backpressure enforces spec §5's connection_service_limit: when the active
// service count reaches the limit, newly accepted flows are parked in a
// FIFO queue of flow ids (in the order their Acquire calls arrive) and
// released as in-flight flows complete.
type Backpressure struct {
	limit int

	mu     sync.Mutex
	cond   *sync.Cond
	active int
	queue  []uint64
}

// NewBackpressure creates a Backpressure gate admitting up to limit
// concurrently-serviced flows. limit <= 0 means unbounded.
func NewBackpressure(limit int) *Backpressure {
	b := &Backpressure{limit: limit}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Acquire blocks until flowID is both at the front of the FIFO queue and a
// service slot is free, then admits it.
func (b *Backpressure) Acquire(flowID uint64) {
	if b.limit <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, flowID)
	for b.active >= b.limit || b.queue[0] != flowID {
		b.cond.Wait()
	}
	b.queue = b.queue[1:]
	b.active++
}

// Release frees the slot held by a previously-acquired flow and wakes any
// waiters so the next queued flow (if now eligible) can proceed.
func (b *Backpressure) Release() {
	if b.limit <= 0 {
		return
	}
	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Acceptor accepts inbound TCP connections and, for each, constructs a Flow
// and hands it to the supplied handler under the configured backpressure
// gate (spec §2 "Acceptor produces a connection flow").
type Acceptor struct {
	listener     net.Listener
	timeouts     Timeouts
	backpressure *Backpressure
	handle       func(f *Flow)
}

// NewAcceptor wires a listener to a per-flow handler.
func NewAcceptor(ln net.Listener, timeouts Timeouts, serviceLimit int, handle func(f *Flow)) *Acceptor {
	return &Acceptor{
		listener:     ln,
		timeouts:     timeouts,
		backpressure: NewBackpressure(serviceLimit),
		handle:       handle,
	}
}

// Serve accepts connections until the listener is closed.
func (a *Acceptor) Serve() error {
	for {
		c, err := a.listener.Accept()
		if err != nil {
			return err
		}
		ep := NewEndpoint(c, a.timeouts)
		f := NewFlow(ep)
		go a.service(f)
	}
}

func (a *Acceptor) service(f *Flow) {
	a.backpressure.Acquire(f.ID)
	defer a.backpressure.Release()

	slog.Debug("flow accepted", "flow_id", f.ID, "remote", f.Client.RawConn().RemoteAddr().String())
	a.handle(f)
}

// Close stops accepting new connections.
func (a *Acceptor) Close() error {
	return a.listener.Close()
}
