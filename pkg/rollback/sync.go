// Package rollback owns the sync layer: the input queues for every player,
// the ring of state snapshots, and the rollback/resimulation driver that
// repairs mispredicted frames once authoritative inputs arrive.
package rollback

import (
	"errors"
	"fmt"

	"github.com/donedgardo/rollback/pkg/input"
	"github.com/donedgardo/rollback/pkg/logger"
	"github.com/donedgardo/rollback/pkg/messages"
)

// ErrPredictionThreshold reports that the local simulation is the full
// prediction window ahead of the last confirmed frame. It is a stall, not a
// failure: the caller retries once confirmations arrive.
var ErrPredictionThreshold = errors.New("prediction window exhausted")

// ErrStateEvicted reports that a rollback needs a snapshot that is no longer
// retained. The affected participant cannot recover by resimulation.
var ErrStateEvicted = errors.New("needed state snapshot already evicted")

// Simulation is the caller's deterministic step function. It must be a pure
// function of the registered state and the given inputs: no external
// randomness, no time reads. The engine cannot enforce this; breaking it
// makes rollback correctness undefined.
type Simulation interface {
	Step(inputs []input.Input)
}

// SyncLayer tracks the simulated and confirmed frontier of the simulation
// and owns all per-player input queues and state cells. It is mutated only
// from the session's single advance call.
type SyncLayer struct {
	numPlayers    int
	inputSize     int
	maxPrediction int

	saved  *savedStates
	queues []*input.Queue
	caps   []StateCapability

	currentFrame       input.Frame
	lastConfirmedFrame input.Frame
	lastSavedFrame     input.Frame

	log *logger.Logger
}

// New creates a sync layer for numPlayers players. defaultInput seeds
// predictions before any real input arrived; nil means zeroes.
func New(numPlayers, inputSize, maxPrediction int, defaultInput []byte, caps []StateCapability, log *logger.Logger) *SyncLayer {
	queues := make([]*input.Queue, numPlayers)
	for i := range queues {
		queues[i] = input.NewQueue(inputSize, defaultInput)
	}
	return &SyncLayer{
		numPlayers:         numPlayers,
		inputSize:          inputSize,
		maxPrediction:      maxPrediction,
		saved:              newSavedStates(maxPrediction + 2),
		queues:             queues,
		caps:               caps,
		lastConfirmedFrame: input.NullFrame,
		lastSavedFrame:     input.NullFrame,
		log:                log,
	}
}

func (s *SyncLayer) CurrentFrame() input.Frame       { return s.currentFrame }
func (s *SyncLayer) LastConfirmedFrame() input.Frame { return s.lastConfirmedFrame }
func (s *SyncLayer) MaxPrediction() int              { return s.maxPrediction }

// SetFrameDelay configures the intentional local input delay for a player.
func (s *SyncLayer) SetFrameDelay(handle, delay int) {
	s.queues[handle].SetFrameDelay(delay)
}

// AdvanceFrame moves the simulated frontier forward by one.
func (s *SyncLayer) AdvanceFrame() { s.currentFrame++ }

// SaveCurrentState snapshots all registered state into the cell for the
// frame about to be simulated.
func (s *SyncLayer) SaveCurrentState() (StateCell, error) {
	buf, err := snapshot(s.caps)
	if err != nil {
		return StateCell{}, err
	}
	cell := StateCell{Frame: s.currentFrame, Buffer: buf, Checksum: checksum(buf)}
	s.saved.push(cell)
	s.lastSavedFrame = s.currentFrame
	return cell, nil
}

// SavedCell returns the retained snapshot for a frame, if any.
func (s *SyncLayer) SavedCell(frame input.Frame) (StateCell, bool) {
	return s.saved.byFrame(frame)
}

// LoadFrame restores the snapshot taken when frame was about to be
// simulated and rewinds the frontier to it.
func (s *SyncLayer) LoadFrame(frame input.Frame) error {
	cell, ok := s.saved.byFrame(frame)
	if !ok {
		return fmt.Errorf("%w: frame %d", ErrStateEvicted, frame)
	}
	if err := restore(s.caps, cell.Buffer); err != nil {
		return err
	}
	s.currentFrame = frame
	return nil
}

// AddLocalInput stages the local player's input for the current frame. It
// returns the frame the input landed on after input delay, or
// ErrPredictionThreshold when the simulation must stall for confirmations.
func (s *SyncLayer) AddLocalInput(handle int, in input.Input) (input.Frame, error) {
	if s.currentFrame > s.lastConfirmedFrame+input.Frame(s.maxPrediction) {
		return input.NullFrame, ErrPredictionThreshold
	}
	return s.queues[handle].AddInput(in)
}

// AddRemoteInput records a confirmed remote input. Mispredictions it exposes
// are picked up by CheckSimulationConsistency.
func (s *SyncLayer) AddRemoteInput(handle int, in input.Input) error {
	_, err := s.queues[handle].AddInput(in)
	return err
}

// SynchronizedInputs collects the best-known input of every player for the
// current frame, predicted or confirmed. Players marked disconnected past
// their last known frame contribute a blank input.
func (s *SyncLayer) SynchronizedInputs(connectStatus []messages.ConnectStatus) ([]input.Input, error) {
	inputs := make([]input.Input, s.numPlayers)
	for h := 0; h < s.numPlayers; h++ {
		if connectStatus[h].Disconnected && s.currentFrame > connectStatus[h].LastFrame {
			inputs[h] = input.Blank(s.currentFrame, s.inputSize)
			continue
		}
		in, err := s.queues[h].Input(s.currentFrame)
		if err != nil {
			return nil, err
		}
		inputs[h] = in
	}
	return inputs, nil
}

// ConfirmedInputs collects every player's authoritative input for an already
// confirmed frame, for relaying to spectators.
func (s *SyncLayer) ConfirmedInputs(frame input.Frame, connectStatus []messages.ConnectStatus) ([]input.Input, error) {
	inputs := make([]input.Input, s.numPlayers)
	for h := 0; h < s.numPlayers; h++ {
		if connectStatus[h].Disconnected && frame > connectStatus[h].LastFrame {
			inputs[h] = input.Blank(frame, s.inputSize)
			continue
		}
		in, err := s.queues[h].ConfirmedInput(frame)
		if err != nil {
			return nil, err
		}
		inputs[h] = in
	}
	return inputs, nil
}

// SetLastConfirmedFrame advances the confirmed frontier and discards input
// history that can never be rolled back to again.
func (s *SyncLayer) SetLastConfirmedFrame(frame input.Frame) {
	s.lastConfirmedFrame = frame
	if frame > 0 {
		for _, q := range s.queues {
			q.DiscardConfirmedFrames(frame - 1)
		}
	}
}

// CheckSimulationConsistency returns the earliest mispredicted frame across
// all players, or NullFrame when every simulated frame used correct inputs.
func (s *SyncLayer) CheckSimulationConsistency() input.Frame {
	first := input.NullFrame
	for _, q := range s.queues {
		incorrect := q.FirstIncorrectFrame()
		if incorrect == input.NullFrame {
			continue
		}
		if first == input.NullFrame || incorrect < first {
			first = incorrect
		}
	}
	return first
}

// AdjustGamestate rolls the simulation back to the first incorrect frame and
// resimulates forward to the present with corrected inputs, refreshing the
// snapshot of every revisited frame.
func (s *SyncLayer) AdjustGamestate(firstIncorrect input.Frame, connectStatus []messages.ConnectStatus, sim Simulation) error {
	target := s.currentFrame
	count := target - firstIncorrect

	if err := s.LoadFrame(firstIncorrect); err != nil {
		return err
	}
	for _, q := range s.queues {
		q.ResetPrediction()
	}

	s.log.Debug().
		Int32("from", firstIncorrect).
		Int32("to", target).
		Msg("rollback")

	for i := input.Frame(0); i < count; i++ {
		inputs, err := s.SynchronizedInputs(connectStatus)
		if err != nil {
			return err
		}
		if _, err := s.SaveCurrentState(); err != nil {
			return err
		}
		sim.Step(inputs)
		s.AdvanceFrame()
	}
	if s.currentFrame != target {
		return fmt.Errorf("resimulation ended on frame %d, expected %d", s.currentFrame, target)
	}
	return nil
}
