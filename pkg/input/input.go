// Package input holds the per-player, frame-indexed input queues that feed
// the rollback engine. Queues never contain gaps: every frame between the
// oldest retained frame and the newest has an entry, predicted entries being
// repeats of the last confirmed input.
package input

import "bytes"

// Frame counts simulation steps. Frames start at 0 and only grow.
type Frame = int32

// NullFrame marks an unset frame value.
const NullFrame Frame = -1

// Input is one player's payload for one frame. The payload is opaque to the
// engine; it only needs a fixed size and byte equality.
type Input struct {
	Frame Frame
	Size  int
	Bits  []byte
}

// New copies bits into a fresh Input for the given frame.
func New(frame Frame, bits []byte) Input {
	b := make([]byte, len(bits))
	copy(b, bits)
	return Input{Frame: frame, Size: len(bits), Bits: b}
}

// Blank returns a zeroed input of the given size for the given frame.
func Blank(frame Frame, size int) Input {
	return Input{Frame: frame, Size: size, Bits: make([]byte, size)}
}

// Equal compares two inputs. With bitsOnly the frame tags are ignored,
// which is what misprediction checks want.
func (i Input) Equal(other Input, bitsOnly bool) bool {
	if !bitsOnly && i.Frame != other.Frame {
		return false
	}
	return i.Size == other.Size && bytes.Equal(i.Bits, other.Bits)
}

func (i Input) clone() Input {
	b := make([]byte, len(i.Bits))
	copy(b, i.Bits)
	return Input{Frame: i.Frame, Size: i.Size, Bits: b}
}
