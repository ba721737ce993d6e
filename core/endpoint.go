// Package core implements the connection-level primitives spec §3-§5
// describe: the per-socket Endpoint with its timeout discipline, the
// ConnectionFlow pairing client and server endpoints, and the ServiceHandler
// state machine that drives a flow through its phase-services.
//
// Grounded on the teacher's proxy/internal/conn package (ClientConn/
// ServerConn/Context, WrapClientConn/WrapServerConn) for naming and the
// slog/uuid/atomic idiom, generalized to the explicit timeout-mode and
// buffered-read contract spec §4.2 requires.
package core

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/jnestelroad/aether-go/internal/bufseg"
)

// Mode selects which configured duration an Endpoint's deadline timer is
// armed with (spec §4.2).
type Mode int

const (
	ModeRegular Mode = iota
	ModeTunnel
	ModeNoTimeout
)

// Timeouts holds the durations each Mode arms the deadline timer with.
type Timeouts struct {
	Regular time.Duration // default ~120s
	Tunnel  time.Duration // default ~30s
}

// DefaultTimeouts matches spec §4.2's suggested defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{Regular: 120 * time.Second, Tunnel: 30 * time.Second}
}

// Endpoint is one TCP or TLS stream with timeout discipline, staging
// buffers, and TLS metadata (spec §3 ConnectionEndpoint).
//
// Invariant: once SetTLS has been called, all reads and writes traverse the
// TLS stream; plain remains the cancel/close handle (spec §3).
type Endpoint struct {
	ID uuid.UUID

	plain   net.Conn
	tlsConn *tls.Conn

	timeouts Timeouts
	mode     Mode

	input  bytes.Buffer // unconsumed bytes already off the wire
	output bytes.Buffer // bytes queued for write (tunnel residual, spec §4.8)

	mu        sync.Mutex
	cancelErr error
	closed    bool

	// TLS-only fields (spec §3).
	NegotiatedALPN       string
	PeerCertificate      *x509.Certificate
	PeerCertificateChain []*x509.Certificate // server side only
	SNI                  string               // client side only
}

// NewEndpoint wraps a freshly accepted or dialed connection.
func NewEndpoint(conn net.Conn, timeouts Timeouts) *Endpoint {
	return &Endpoint{
		ID:       uuid.NewV4(),
		plain:    conn,
		timeouts: timeouts,
		mode:     ModeRegular,
	}
}

// SetTLS installs a TLS stream wrapping the same socket. From this point on
// all reads/writes traverse tlsConn.
func (e *Endpoint) SetTLS(t *tls.Conn) {
	e.tlsConn = t
}

// IsTLS reports whether a TLS stream has been established.
func (e *Endpoint) IsTLS() bool { return e.tlsConn != nil }

// RawConn returns the plain socket — the cancel/close handle, always valid
// even after SetTLS.
func (e *Endpoint) RawConn() net.Conn { return e.plain }

// active returns the stream that reads/writes actually traverse.
func (e *Endpoint) active() net.Conn {
	if e.tlsConn != nil {
		return e.tlsConn
	}
	return e.plain
}

// SetMode changes which timeout duration future operations are armed with.
func (e *Endpoint) SetMode(m Mode) { e.mode = m }

func (e *Endpoint) currentTimeout() time.Duration {
	switch e.mode {
	case ModeTunnel:
		return e.timeouts.Tunnel
	case ModeNoTimeout:
		return 0
	default:
		return e.timeouts.Regular
	}
}

// arm starts the deadline timer for the next read operation; disarm clears
// it. A timer expiry surfaces as a net.Error with Timeout() == true from the
// subsequent Read call, which callers should translate to a proxy timeout.
func (e *Endpoint) arm() {
	d := e.currentTimeout()
	if d <= 0 {
		_ = e.active().SetReadDeadline(time.Time{})
		return
	}
	_ = e.active().SetReadDeadline(time.Now().Add(d))
}

func (e *Endpoint) disarm() {
	_ = e.active().SetReadDeadline(time.Time{})
}

// socketRead performs exactly one suspension-point Read, arming/disarming
// the deadline timer around it (spec §4.2, §5).
func (e *Endpoint) socketRead(bufSize int) ([]byte, error) {
	e.arm()
	buf := make([]byte, bufSize)
	n, err := e.active().Read(buf)
	e.disarm()
	if err != nil {
		return nil, e.translateErr(err)
	}
	return buf[:n], nil
}

// translateErr substitutes a recorded cancellation error for whatever the
// socket layer reports, so cancellation always looks the same to callers
// regardless of whether it raced a timeout or a read (spec §5 Cancellation).
func (e *Endpoint) translateErr(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelErr != nil {
		return e.cancelErr
	}
	return err
}

const defaultReadChunk = 16 * 1024

// readFramed drains any previously buffered input into seg, then performs
// successive socket reads until seg reports completion, finally pushing any
// over-read remainder back into the endpoint's input queue for the next
// caller (spec §4.1 resumability, §4.2 I/O contract).
func (e *Endpoint) readFramed(seg *bufseg.Segment) ([]byte, error) {
	if e.input.Len() > 0 {
		buffered := e.input.Bytes()
		done := seg.Feed(buffered)
		e.input.Reset()
		if done {
			e.input.Write(seg.Remainder())
			return seg.View(), nil
		}
	}
	for !seg.Complete() {
		chunk, err := e.socketRead(defaultReadChunk)
		if err != nil {
			if errors.Is(err, io.EOF) && seg.Feed(nil) {
				break
			}
			return nil, err
		}
		seg.Feed(chunk)
	}
	e.input.Write(seg.Remainder())
	return seg.View(), nil
}

// ReadUntil reads until delim is seen, stripping it from the returned view
// (spec §4.1/§4.2).
func (e *Endpoint) ReadUntil(delim []byte) ([]byte, error) {
	return e.readFramed(bufseg.NewDelimiter(delim))
}

// ReadExactly reads until exactly n bytes have been committed.
func (e *Endpoint) ReadExactly(n int) ([]byte, error) {
	return e.readFramed(bufseg.NewCount(n))
}

// ReadToEOF reads until the peer closes its write side.
func (e *Endpoint) ReadToEOF() ([]byte, error) {
	return e.readFramed(bufseg.NewAll())
}

// ReadSome performs a single, possibly-partial read of up to bufSize bytes,
// first draining any buffered input before touching the socket.
func (e *Endpoint) ReadSome(bufSize int) ([]byte, error) {
	if e.input.Len() > 0 {
		n := bufSize
		if e.input.Len() < n {
			n = e.input.Len()
		}
		b := make([]byte, n)
		_, _ = e.input.Read(b)
		return b, nil
	}
	return e.socketRead(bufSize)
}

// ReadAvailable performs a non-blocking check: it returns success with zero
// bytes if nothing is immediately available, rather than blocking. Go's
// blocking net.Conn has no native non-blocking read, so this is implemented
// by arming an already-elapsed deadline — a read with data ready still
// completes, and the absence of data surfaces as an immediate timeout, which
// this method treats as "zero bytes available" instead of an error.
func (e *Endpoint) ReadAvailable() ([]byte, error) {
	if e.input.Len() > 0 {
		b := make([]byte, e.input.Len())
		_, _ = e.input.Read(b)
		return b, nil
	}
	_ = e.active().SetReadDeadline(time.Now())
	buf := make([]byte, defaultReadChunk)
	n, err := e.active().Read(buf)
	e.disarm()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, e.translateErr(err)
	}
	return buf[:n], nil
}

// WriteAll writes p in full, arming the deadline timer for the duration of
// the write (spec §4.2).
func (e *Endpoint) WriteAll(p []byte) error {
	d := e.currentTimeout()
	if d > 0 {
		_ = e.active().SetWriteDeadline(time.Now().Add(d))
		defer func() { _ = e.active().SetWriteDeadline(time.Time{}) }()
	}
	return e.writeLoop(p)
}

// WriteUntimed writes p without touching the deadline timer, required when
// a concurrent read already owns the timer on this socket — arming a second
// deadline would cancel both operations (spec §4.2).
func (e *Endpoint) WriteUntimed(p []byte) error {
	return e.writeLoop(p)
}

func (e *Endpoint) writeLoop(p []byte) error {
	for len(p) > 0 {
		n, err := e.active().Write(p)
		if err != nil {
			return e.translateErr(err)
		}
		p = p[n:]
	}
	return nil
}

// QueueOutput appends bytes to the endpoint's pending-write staging buffer
// (used by the tunnel phase-service to flush residual bytes, spec §4.8).
func (e *Endpoint) QueueOutput(p []byte) { e.output.Write(p) }

// FlushOutput writes and clears any queued output bytes.
func (e *Endpoint) FlushOutput() error {
	if e.output.Len() == 0 {
		return nil
	}
	p := e.output.Bytes()
	e.output.Reset()
	return e.WriteUntimed(p)
}

// Shutdown half-closes the write side, if supported.
func (e *Endpoint) Shutdown() error {
	if cw, ok := e.plain.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close idempotently closes the endpoint.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.tlsConn != nil {
		_ = e.tlsConn.Close()
	}
	return e.plain.Close()
}

// Cancel idempotently records err as the cancellation cause and forces all
// pending operations on the socket to complete immediately (spec §5).
func (e *Endpoint) Cancel(err error) {
	e.mu.Lock()
	if e.cancelErr == nil {
		e.cancelErr = err
	}
	e.mu.Unlock()
	past := time.Unix(0, 1)
	_ = e.active().SetDeadline(past)
}
