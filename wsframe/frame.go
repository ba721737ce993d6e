// Package wsframe implements RFC 6455 frame encoding/decoding (spec §4.9):
// stateful, resumable decoding across multiple socket reads, masking,
// extended payload lengths, and the fin/continuation bookkeeping message
// reassembly needs.
//
// Grounded on the RFC 6455 frame layout the teacher's mitm/websocket addon
// consumes via gorilla/websocket, reimplemented here as a hand-rolled
// decoder: gorilla's Conn type owns framing end-to-end and never exposes a
// raw frame to its caller, which spec §4.10's message-granularity
// interception needs direct access to (see DESIGN.md for why
// gorilla/websocket itself could not be wired in instead).
package wsframe

import (
	"encoding/binary"

	"github.com/jnestelroad/aether-go/core"
	"github.com/jnestelroad/aether-go/internal/perror"
)

// Opcode identifies a frame's payload interpretation (spec §3 WebSocketFrame).
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether opcode marks a control frame (spec §3: "opcode
// >= 0x8").
func (o Opcode) IsControl() bool { return o >= 0x8 }

// Frame is one decoded (or about-to-be-encoded) WebSocket frame.
type Frame struct {
	Fin     bool
	Rsv1    bool
	Rsv2    bool
	Rsv3    bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

const maxControlPayload = 125

// Decode reads exactly one frame from ep, applying unmasking if the frame
// carries a mask key, and validating control-frame invariants (spec §4.9
// steps 1-5).
func Decode(ep *core.Endpoint) (*Frame, error) {
	head, err := ep.ReadExactly(2)
	if err != nil {
		return nil, err
	}
	f := &Frame{
		Fin:    head[0]&0x80 != 0,
		Rsv1:   head[0]&0x40 != 0,
		Rsv2:   head[0]&0x20 != 0,
		Rsv3:   head[0]&0x10 != 0,
		Opcode: Opcode(head[0] & 0x0F),
		Masked: head[1]&0x80 != 0,
	}
	payloadLen7 := int(head[1] & 0x7F)

	var payloadLen uint64
	switch payloadLen7 {
	case 126:
		ext, err := ep.ReadExactly(2)
		if err != nil {
			return nil, err
		}
		payloadLen = uint64(binary.BigEndian.Uint16(ext))
	case 127:
		ext, err := ep.ReadExactly(8)
		if err != nil {
			return nil, err
		}
		payloadLen = binary.BigEndian.Uint64(ext)
	default:
		payloadLen = uint64(payloadLen7)
	}

	if f.Opcode.IsControl() {
		if !f.Fin {
			return nil, perror.New(perror.InvalidFrame, "control frame must not be fragmented")
		}
		if payloadLen > maxControlPayload {
			return nil, perror.New(perror.InvalidFrame, "control frame payload exceeds 125 bytes")
		}
	}

	if f.Masked {
		key, err := ep.ReadExactly(4)
		if err != nil {
			return nil, err
		}
		copy(f.MaskKey[:], key)
	}

	payload, err := ep.ReadExactly(int(payloadLen))
	if err != nil {
		return nil, err
	}
	if f.Masked {
		unmasked := make([]byte, len(payload))
		for i, b := range payload {
			unmasked[i] = b ^ f.MaskKey[i%4]
		}
		f.Payload = unmasked
	} else {
		f.Payload = append([]byte(nil), payload...)
	}
	return f, nil
}

// Encode serialises a frame to wire format. If maskKeyGen is non-nil a
// fresh masking key is taken from it and applied (spec §4.10: "a mask key on the
// client side").
func Encode(f *Frame, maskKeyGen func() [4]byte) []byte {
	var out []byte

	b0 := byte(f.Opcode)
	if f.Fin {
		b0 |= 0x80
	}
	if f.Rsv1 {
		b0 |= 0x40
	}
	if f.Rsv2 {
		b0 |= 0x20
	}
	if f.Rsv3 {
		b0 |= 0x10
	}
	out = append(out, b0)

	n := len(f.Payload)
	maskBit := byte(0)
	if maskKeyGen != nil {
		maskBit = 0x80
	}
	switch {
	case n < 126:
		out = append(out, maskBit|byte(n))
	case n <= 0xFFFF:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(n))
		out = append(out, maskBit|126)
		out = append(out, ext...)
	default:
		ext := make([]byte, 8)
		binary.BigEndian.PutUint64(ext, uint64(n))
		out = append(out, maskBit|127)
		out = append(out, ext...)
	}

	payload := f.Payload
	if maskKeyGen != nil {
		key := maskKeyGen()
		out = append(out, key[:]...)
		masked := make([]byte, n)
		for i, b := range payload {
			masked[i] = b ^ key[i%4]
		}
		payload = masked
	}
	out = append(out, payload...)
	return out
}
