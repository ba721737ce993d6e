package wsframe

import (
	"net"
	"testing"
	"time"

	"github.com/frankban/quicktest"

	"github.com/jnestelroad/aether-go/core"
)

func pipeEndpoint(t *testing.T) (*core.Endpoint, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return core.NewEndpoint(a, core.Timeouts{Regular: 5 * time.Second}), b
}

func TestEncodeDecodeRoundTripUnmasked(t *testing.T) {
	c := quicktest.New(t)
	ep, peer := pipeEndpoint(t)

	f := &Frame{Fin: true, Opcode: OpText, Payload: []byte("hello")}
	wire := Encode(f, nil)
	go func() { _, _ = peer.Write(wire) }()

	got, err := Decode(ep)
	c.Assert(err, quicktest.IsNil)
	c.Assert(got.Fin, quicktest.IsTrue)
	c.Assert(got.Opcode, quicktest.Equals, OpText)
	c.Assert(string(got.Payload), quicktest.Equals, "hello")
}

func TestEncodeDecodeRoundTripMasked(t *testing.T) {
	c := quicktest.New(t)
	ep, peer := pipeEndpoint(t)

	f := &Frame{Fin: true, Opcode: OpBinary, Payload: []byte("binary-data")}
	wire := Encode(f, func() [4]byte { return [4]byte{1, 2, 3, 4} })
	go func() { _, _ = peer.Write(wire) }()

	got, err := Decode(ep)
	c.Assert(err, quicktest.IsNil)
	c.Assert(got.Masked, quicktest.IsTrue)
	c.Assert(string(got.Payload), quicktest.Equals, "binary-data")
}

func TestControlFrameMustNotFragment(t *testing.T) {
	c := quicktest.New(t)
	ep, peer := pipeEndpoint(t)

	wire := []byte{0x09, 0x00} // fin=0, opcode=ping, payload len 0
	go func() { _, _ = peer.Write(wire) }()

	_, err := Decode(ep)
	c.Assert(err, quicktest.ErrorMatches, ".*invalid_frame.*")
}

func TestReassemblerAcrossContinuation(t *testing.T) {
	c := quicktest.New(t)
	var r Reassembler

	_, _, done, err := r.Feed(&Frame{Fin: false, Opcode: OpText, Payload: []byte("hel")})
	c.Assert(err, quicktest.IsNil)
	c.Assert(done, quicktest.IsFalse)

	msg, op, done, err := r.Feed(&Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("lo")})
	c.Assert(err, quicktest.IsNil)
	c.Assert(done, quicktest.IsTrue)
	c.Assert(op, quicktest.Equals, OpText)
	c.Assert(string(msg), quicktest.Equals, "hello")
}

func TestChunkRespectsChunkSize(t *testing.T) {
	c := quicktest.New(t)
	frames := Chunk(OpBinary, []byte("abcdefgh"), 3)
	c.Assert(frames, quicktest.HasLen, 3)
	c.Assert(frames[0].Opcode, quicktest.Equals, OpBinary)
	c.Assert(frames[1].Opcode, quicktest.Equals, OpContinuation)
	c.Assert(frames[2].Fin, quicktest.IsTrue)
}
