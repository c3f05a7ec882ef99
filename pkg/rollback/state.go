package rollback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/donedgardo/rollback/pkg/input"
)

// StateCapability is one registered piece of rollback-managed simulation
// state: an identifier plus its serializer and deserializer. The set is
// closed at session construction; snapshots save and restore every entry in
// registration order.
type StateCapability struct {
	ID   string
	Save func() ([]byte, error)
	Load func([]byte) error
}

// StateCell is one retained snapshot. Frame is the frame about to be
// simulated when the snapshot was taken, i.e. the state after every earlier
// frame ran.
type StateCell struct {
	Frame    input.Frame
	Buffer   []byte
	Checksum uint64
}

// savedStates is the bounded ring of snapshot cells. Anything older than the
// prediction window can never be rolled back to and gets overwritten.
type savedStates struct {
	cells []StateCell
	head  int
}

func newSavedStates(n int) *savedStates {
	s := &savedStates{cells: make([]StateCell, n)}
	for i := range s.cells {
		s.cells[i].Frame = input.NullFrame
	}
	return s
}

func (s *savedStates) push(cell StateCell) {
	s.cells[s.head] = cell
	s.head = (s.head + 1) % len(s.cells)
}

func (s *savedStates) byFrame(frame input.Frame) (StateCell, bool) {
	for _, c := range s.cells {
		if c.Frame == frame {
			return c, true
		}
	}
	return StateCell{}, false
}

// snapshot serializes every capability into one length-prefixed buffer.
func snapshot(caps []StateCapability) ([]byte, error) {
	var buf []byte
	var tmp [4]byte
	for _, c := range caps {
		b, err := c.Save()
		if err != nil {
			return nil, fmt.Errorf("save %s: %w", c.ID, err)
		}
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(b)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, b...)
	}
	return buf, nil
}

// restore replays a snapshot buffer through every capability, in the same
// registration order it was written.
func restore(caps []StateCapability, buf []byte) error {
	for _, c := range caps {
		if len(buf) < 4 {
			return errors.New("snapshot buffer truncated")
		}
		n := int(binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
		if len(buf) < n {
			return errors.New("snapshot buffer truncated")
		}
		if err := c.Load(buf[:n]); err != nil {
			return fmt.Errorf("load %s: %w", c.ID, err)
		}
		buf = buf[n:]
	}
	return nil
}

func checksum(buf []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(buf)
	return h.Sum64()
}
