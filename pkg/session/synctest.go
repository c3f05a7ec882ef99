package session

import (
	"fmt"

	"github.com/donedgardo/rollback/pkg/input"
	"github.com/donedgardo/rollback/pkg/logger"
	"github.com/donedgardo/rollback/pkg/messages"
	"github.com/donedgardo/rollback/pkg/rollback"
)

// SyncTestSession exercises the rollback machinery without a network: every
// player is local, and each frame the session rolls back checkDistance frames
// and resimulates, comparing snapshot checksums against the original pass. A
// mismatch means the simulation or its save/load is not deterministic.
type SyncTestSession struct {
	numPlayers    int
	inputSize     int
	checkDistance input.Frame

	sync *rollback.SyncLayer
	sim  rollback.Simulation

	staged    map[int][]byte
	checksums map[input.Frame]uint64

	events []Event
	log    *logger.Logger
}

func (s *SyncTestSession) CurrentFrame() input.Frame { return s.sync.CurrentFrame() }
func (s *SyncTestSession) NumPlayers() int           { return s.numPlayers }

// Events drains everything that happened since the last call.
func (s *SyncTestSession) Events() []Event {
	out := s.events
	s.events = nil
	return out
}

// AddLocalInput stages a player's input for the next AdvanceFrame. All
// handles are local in a synctest.
func (s *SyncTestSession) AddLocalInput(handle int, bits []byte) error {
	if handle < 0 || handle >= s.numPlayers {
		return fmt.Errorf("%w: handle %d out of range [0,%d)", ErrInvalidRequest, handle, s.numPlayers)
	}
	if len(bits) != s.inputSize {
		return fmt.Errorf("%w: input is %d bytes, want %d", ErrInvalidRequest, len(bits), s.inputSize)
	}
	s.staged[handle] = append(s.staged[handle][:0], bits...)
	return nil
}

// AdvanceFrame simulates one frame, then replays the last checkDistance
// frames from a snapshot and verifies every revisited frame hashes the same.
// ErrDesync means the simulation diverged on replay.
func (s *SyncTestSession) AdvanceFrame() ([]input.Input, error) {
	for h := 0; h < s.numPlayers; h++ {
		if _, ok := s.staged[h]; !ok {
			return nil, fmt.Errorf("%w: no input staged for player %d", ErrInvalidRequest, h)
		}
	}

	frame := s.sync.CurrentFrame()
	// Inputs are authoritative immediately; lift the confirmed frontier but
	// keep checkDistance frames of history for the replay below.
	if frame > s.checkDistance {
		s.sync.SetLastConfirmedFrame(frame - s.checkDistance)
	}
	for h := 0; h < s.numPlayers; h++ {
		if _, err := s.sync.AddLocalInput(h, input.New(frame, s.staged[h])); err != nil {
			return nil, err
		}
	}

	status := make([]messages.ConnectStatus, s.numPlayers)
	inputs, err := s.sync.SynchronizedInputs(status)
	if err != nil {
		return nil, err
	}
	cell, err := s.sync.SaveCurrentState()
	if err != nil {
		return nil, err
	}
	s.checksums[frame] = cell.Checksum
	s.sim.Step(inputs)
	s.sync.AdvanceFrame()
	for h := range s.staged {
		delete(s.staged, h)
	}

	if s.sync.CurrentFrame() > s.checkDistance {
		if err := s.replayCheck(status); err != nil {
			return nil, err
		}
	}
	return inputs, nil
}

func (s *SyncTestSession) replayCheck(status []messages.ConnectStatus) error {
	current := s.sync.CurrentFrame()
	from := current - s.checkDistance
	if err := s.sync.LoadFrame(from); err != nil {
		return err
	}
	for f := from; f < current; f++ {
		inputs, err := s.sync.SynchronizedInputs(status)
		if err != nil {
			return err
		}
		cell, err := s.sync.SaveCurrentState()
		if err != nil {
			return err
		}
		if want, ok := s.checksums[f]; ok && cell.Checksum != want {
			s.events = append(s.events, Event{Kind: EventDesync, Frame: f})
			s.log.Error().Int32("frame", f).Msg("replay produced a different state")
			return fmt.Errorf("%w: frame %d diverged on replay", ErrDesync, f)
		}
		s.sim.Step(inputs)
		s.sync.AdvanceFrame()
	}
	delete(s.checksums, from-1)
	return nil
}
