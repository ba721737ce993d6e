package wsframe

import "github.com/jnestelroad/aether-go/internal/perror"

// Reassembler accumulates a text/binary frame plus any continuation frames
// into a complete message (spec §4.9 "the framer reassembles messages").
// Control frames never participate and should not be fed in.
type Reassembler struct {
	active  bool
	opcode  Opcode
	payload []byte
}

// Feed adds one non-control frame to the reassembler. It returns the
// completed message and true once a fin frame closes out the sequence.
func (r *Reassembler) Feed(f *Frame) (message []byte, opcode Opcode, done bool, err error) {
	if f.Opcode.IsControl() {
		return nil, 0, false, perror.New(perror.UnexpectedOpcode, "control frame fed to reassembler")
	}
	if f.Opcode == OpContinuation {
		if !r.active {
			return nil, 0, false, perror.New(perror.UnexpectedOpcode, "continuation without a started message")
		}
	} else {
		if r.active {
			return nil, 0, false, perror.New(perror.UnexpectedOpcode, "new message started before prior one finished")
		}
		r.active = true
		r.opcode = f.Opcode
		r.payload = nil
	}
	r.payload = append(r.payload, f.Payload...)
	if !f.Fin {
		return nil, 0, false, nil
	}
	out := r.payload
	op := r.opcode
	r.active = false
	r.payload = nil
	return out, op, true, nil
}

// Chunk splits payload into frames of at most chunkSize bytes each, the
// first carrying opcode and the rest OpContinuation, the last marked fin
// (spec §4.10: "re-emit as frames up to a chunk size").
func Chunk(opcode Opcode, payload []byte, chunkSize int) []*Frame {
	if chunkSize <= 0 {
		chunkSize = len(payload)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	if len(payload) == 0 {
		return []*Frame{{Fin: true, Opcode: opcode}}
	}
	var frames []*Frame
	for i := 0; i < len(payload); i += chunkSize {
		end := i + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		op := OpContinuation
		if i == 0 {
			op = opcode
		}
		frames = append(frames, &Frame{
			Fin:     end == len(payload),
			Opcode:  op,
			Payload: payload[i:end],
		})
	}
	return frames
}
