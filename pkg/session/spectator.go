package session

import (
	"fmt"

	"github.com/donedgardo/rollback/pkg/input"
	"github.com/donedgardo/rollback/pkg/logger"
	"github.com/donedgardo/rollback/pkg/messages"
	"github.com/donedgardo/rollback/pkg/protocol"
	"github.com/donedgardo/rollback/pkg/rollback"
	"github.com/donedgardo/rollback/pkg/transport"
)

// SpectatorSession follows the confirmed input stream published by a host.
// It never predicts: a frame whose inputs have not arrived stalls until they
// do, so the spectated simulation can never diverge.
type SpectatorSession struct {
	numPlayers int
	inputSize  int
	state      sessionState
	hostGone   bool

	sock transport.Socket
	host *protocol.Peer
	sim  rollback.Simulation

	// buffer is a ring of combined per-frame inputs indexed by frame number.
	// The host keeps sending regardless of consumption, so a slow spectator
	// can be lapped; AdvanceFrame detects that and fails permanently.
	buffer        [SpectatorBufferFrames]input.Input
	currentFrame  input.Frame
	lastRecvFrame input.Frame

	events []Event
	log    *logger.Logger
}

func (s *SpectatorSession) CurrentFrame() input.Frame { return s.currentFrame }

// HostFrame is the newest confirmed frame received from the host.
func (s *SpectatorSession) HostFrame() input.Frame { return s.lastRecvFrame }

// FramesBehind is how far the spectated simulation trails the host's
// confirmed frontier.
func (s *SpectatorSession) FramesBehind() input.Frame {
	if s.lastRecvFrame == input.NullFrame {
		return 0
	}
	return s.lastRecvFrame - s.currentFrame + 1
}

// Events drains everything that happened since the last call.
func (s *SpectatorSession) Events() []Event {
	out := s.events
	s.events = nil
	return out
}

// NetworkStats reports link quality towards the host.
func (s *SpectatorSession) NetworkStats() (protocol.NetworkStats, error) {
	return s.host.NetworkStats()
}

// AdvanceFrame steps the simulation with the next confirmed frame from the
// host. ErrPredictionThreshold means that frame has not arrived yet; poll
// again and retry. ErrSpectatorTooFarBehind is permanent: the host overwrote
// input history this session never consumed.
func (s *SpectatorSession) AdvanceFrame() ([]input.Input, error) {
	s.PollRemoteClients()
	if s.hostGone {
		return nil, fmt.Errorf("%w: host is gone", ErrNotConnected)
	}
	if s.state != stateRunning {
		return nil, ErrNotSynchronized
	}
	if s.lastRecvFrame != input.NullFrame && s.lastRecvFrame-s.currentFrame >= SpectatorBufferFrames {
		s.events = append(s.events, Event{Kind: EventDesync, Frame: s.currentFrame})
		s.log.Error().
			Int32("frame", s.currentFrame).
			Int32("host", s.lastRecvFrame).
			Msg("host overwrote unconsumed input history")
		return nil, ErrSpectatorTooFarBehind
	}

	in := s.buffer[s.currentFrame%SpectatorBufferFrames]
	if in.Frame != s.currentFrame {
		// Inputs for this frame have not arrived. Stall; gaps are never
		// skipped over.
		return nil, ErrPredictionThreshold
	}
	if len(in.Bits) != s.numPlayers*s.inputSize {
		return nil, fmt.Errorf("%w: frame %d carries %d input bytes, want %d",
			ErrInvalidRequest, in.Frame, len(in.Bits), s.numPlayers*s.inputSize)
	}

	inputs := make([]input.Input, s.numPlayers)
	for h := 0; h < s.numPlayers; h++ {
		inputs[h] = input.New(s.currentFrame, in.Bits[h*s.inputSize:(h+1)*s.inputSize])
	}
	s.sim.Step(inputs)
	s.currentFrame++
	return inputs, nil
}

// PollRemoteClients drains the socket, advances the host link's timers and
// flushes outgoing traffic.
func (s *SpectatorSession) PollRemoteClients() {
	for _, d := range s.sock.Receive() {
		if d.From != s.host.Addr() {
			s.log.Debug().Str("from", d.From).Msg("datagram from unknown address")
			continue
		}
		msg, err := messages.Decode(d.Payload)
		if err != nil {
			s.log.Debug().Msg("dropped malformed datagram")
			continue
		}
		s.handleHostEvents(s.host.HandleMessage(msg))
	}
	s.handleHostEvents(s.host.Poll())
	s.host.SendAllMessages(s.sock)
}

func (s *SpectatorSession) handleHostEvents(events []protocol.Event) {
	for _, e := range events {
		switch e.Kind {
		case protocol.EventSynchronizing:
			s.events = append(s.events, Event{
				Kind: EventSynchronizing, Addr: s.host.Addr(),
				Total: e.Total, Count: e.Count,
			})
		case protocol.EventSynchronized:
			s.state = stateRunning
			s.events = append(s.events,
				Event{Kind: EventSynchronized, Addr: s.host.Addr()},
				Event{Kind: EventRunning})
		case protocol.EventInput:
			s.buffer[e.Input.Frame%SpectatorBufferFrames] = e.Input
			s.lastRecvFrame = e.Input.Frame
		case protocol.EventDisconnected:
			s.hostGone = true
			s.events = append(s.events, Event{Kind: EventDisconnected, Addr: s.host.Addr()})
		case protocol.EventNetworkInterrupted:
			s.events = append(s.events, Event{
				Kind: EventNetworkInterrupted, Addr: s.host.Addr(),
				DisconnectTimeout: e.DisconnectTimeout,
			})
		case protocol.EventNetworkResumed:
			s.events = append(s.events, Event{Kind: EventNetworkResumed, Addr: s.host.Addr()})
		}
	}
}
