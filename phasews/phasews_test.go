package phasews

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/frankban/quicktest"

	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/intercept"
	"github.com/jnestelroad/aether-go/wsframe"
)

func pipeEndpoint(t *testing.T) (*core.Endpoint, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return core.NewEndpoint(a, core.Timeouts{Regular: 5 * time.Second}), b
}

func newTestFlow(t *testing.T) (*core.Flow, net.Conn, net.Conn) {
	t.Helper()
	clientEp, clientPeer := pipeEndpoint(t)
	serverEp, serverPeer := pipeEndpoint(t)
	f := core.NewFlow(clientEp)
	f.Server = serverEp
	return f, clientPeer, serverPeer
}

func TestRunForwardsTextMessageWithoutInterception(t *testing.T) {
	c := quicktest.New(t)
	f, clientPeer, serverPeer := newTestFlow(t)

	reg := intercept.New()
	p := New(reg, false)

	h := core.NewServiceHandler(f)
	done := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), h)
		close(done)
	}()

	wire := wsframe.Encode(&wsframe.Frame{Fin: true, Opcode: wsframe.OpText, Payload: []byte("hi")}, func() [4]byte { return [4]byte{9, 8, 7, 6} })
	go func() { _, _ = clientPeer.Write(wire) }()

	buf := make([]byte, 64)
	serverPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := serverPeer.Read(buf)
	c.Assert(err, quicktest.IsNil)

	got, derr := wsframe.Decode(pipeReaderEndpoint(buf[:n]))
	c.Assert(derr, quicktest.IsNil)
	c.Assert(string(got.Payload), quicktest.Equals, "hi")

	_ = clientPeer.Close()
	_ = serverPeer.Close()
	<-done
}

func TestRunInterceptsAndMutatesMessage(t *testing.T) {
	c := quicktest.New(t)
	f, clientPeer, serverPeer := newTestFlow(t)

	reg := intercept.New()
	reg.OnWebSocketMessage(func(flow *core.Flow, opcode int, payload []byte) []byte {
		return []byte("mutated")
	})
	p := New(reg, true)

	h := core.NewServiceHandler(f)
	done := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), h)
		close(done)
	}()

	wire := wsframe.Encode(&wsframe.Frame{Fin: true, Opcode: wsframe.OpText, Payload: []byte("original")}, func() [4]byte { return [4]byte{1, 2, 3, 4} })
	go func() { _, _ = clientPeer.Write(wire) }()

	buf := make([]byte, 64)
	serverPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := serverPeer.Read(buf)
	c.Assert(err, quicktest.IsNil)

	got, derr := wsframe.Decode(pipeReaderEndpoint(buf[:n]))
	c.Assert(derr, quicktest.IsNil)
	c.Assert(string(got.Payload), quicktest.Equals, "mutated")

	_ = clientPeer.Close()
	_ = serverPeer.Close()
	<-done
}

func TestPingIsAnsweredWithPongAndForwarded(t *testing.T) {
	c := quicktest.New(t)
	f, clientPeer, serverPeer := newTestFlow(t)

	reg := intercept.New()
	p := New(reg, false)

	h := core.NewServiceHandler(f)
	done := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), h)
		close(done)
	}()

	wire := wsframe.Encode(&wsframe.Frame{Fin: true, Opcode: wsframe.OpPing, Payload: []byte("p")}, func() [4]byte { return [4]byte{1, 1, 1, 1} })
	go func() { _, _ = clientPeer.Write(wire) }()

	buf := make([]byte, 64)
	clientPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientPeer.Read(buf)
	c.Assert(err, quicktest.IsNil)

	got, derr := wsframe.Decode(pipeReaderEndpoint(buf[:n]))
	c.Assert(derr, quicktest.IsNil)
	c.Assert(got.Opcode, quicktest.Equals, wsframe.OpPong)

	_ = clientPeer.Close()
	_ = serverPeer.Close()
	<-done
}

// pipeReaderEndpoint wraps a pre-read byte slice as an Endpoint so
// wsframe.Decode can parse bytes already drained off a net.Pipe peer.
func pipeReaderEndpoint(b []byte) *core.Endpoint {
	server, client := net.Pipe()
	ep := core.NewEndpoint(client, core.Timeouts{Regular: 5 * time.Second})
	go func() { _, _ = server.Write(b) }()
	return ep
}
