// Package session assembles the input queues, peer protocol and rollback
// machinery into the three session flavors: peer-to-peer, spectator and the
// determinism checker. A session is single-threaded; all methods must be
// called from the same goroutine that steps the simulation.
package session

import (
	"errors"
	"fmt"
	"math"

	"github.com/donedgardo/rollback/pkg/input"
	"github.com/donedgardo/rollback/pkg/logger"
	"github.com/donedgardo/rollback/pkg/messages"
	"github.com/donedgardo/rollback/pkg/protocol"
	"github.com/donedgardo/rollback/pkg/rollback"
	"github.com/donedgardo/rollback/pkg/transport"
)

type sessionState int

const (
	stateSynchronizing sessionState = iota
	stateRunning
)

// P2P is a peer-to-peer session: every participant simulates locally,
// exchanges inputs with all remotes and repairs mispredictions by rollback.
type P2P struct {
	numPlayers int
	inputSize  int
	state      sessionState
	desynced   bool

	sock transport.Socket
	sync *rollback.SyncLayer
	sim  rollback.Simulation

	localHandles []int
	peers        []*protocol.Peer
	spectators   []*protocol.Peer
	byAddr       map[string]*protocol.Peer

	// localConnectStatus[h] is this node's view of player h: the newest
	// frame an authoritative input exists for, and whether h was given up
	// on. It is relayed inside every outgoing input message.
	localConnectStatus []messages.ConnectStatus

	staged map[int][]byte
	events []Event

	// forcedRollback queues a resimulation that no misprediction triggered:
	// a disconnect rewrites a player's inputs to blanks from their last
	// confirmed frame on.
	forcedRollback input.Frame

	nextSpectatorFrame     input.Frame
	nextRecommendation     input.Frame
	recommendationInterval input.Frame

	log *logger.Logger
}

func (s *P2P) NumPlayers() int             { return s.numPlayers }
func (s *P2P) CurrentFrame() input.Frame   { return s.sync.CurrentFrame() }
func (s *P2P) ConfirmedFrame() input.Frame { return s.sync.LastConfirmedFrame() }
func (s *P2P) LocalPlayerHandles() []int   { return append([]int(nil), s.localHandles...) }

// Events drains everything that happened since the last call.
func (s *P2P) Events() []Event {
	out := s.events
	s.events = nil
	return out
}

// AddLocalInput stages the local player's input for the next AdvanceFrame.
// Staged inputs survive a stalled frame, so the caller may simply stage and
// retry.
func (s *P2P) AddLocalInput(handle int, bits []byte) error {
	if !s.isLocal(handle) {
		return fmt.Errorf("%w: handle %d is not a local player", ErrInvalidRequest, handle)
	}
	if len(bits) != s.inputSize {
		return fmt.Errorf("%w: input is %d bytes, want %d", ErrInvalidRequest, len(bits), s.inputSize)
	}
	if s.state != stateRunning {
		return ErrNotSynchronized
	}
	s.staged[handle] = append(s.staged[handle][:0], bits...)
	return nil
}

// AdvanceFrame runs one simulation frame: it polls the network, repairs
// mispredictions by rollback, distributes the staged local inputs and steps
// the registered simulation. It returns the inputs the frame was simulated
// with. ErrPredictionThreshold means the frame was not simulated; poll again
// and retry.
func (s *P2P) AdvanceFrame() ([]input.Input, error) {
	s.PollRemoteClients()
	if s.desynced {
		return nil, ErrDesync
	}
	if s.state != stateRunning {
		return nil, ErrNotSynchronized
	}
	for _, h := range s.localHandles {
		if _, ok := s.staged[h]; !ok {
			return nil, fmt.Errorf("%w: no input staged for local player %d", ErrInvalidRequest, h)
		}
	}

	minConfirmed := s.minConfirmedFrame()

	// Repair mispredicted frames before anything consumes confirmed inputs.
	first := s.sync.CheckSimulationConsistency()
	if s.forcedRollback != input.NullFrame && (first == input.NullFrame || s.forcedRollback < first) {
		first = s.forcedRollback
	}
	s.forcedRollback = input.NullFrame
	if first != input.NullFrame {
		s.events = append(s.events, Event{Kind: EventMisprediction, Frame: first})
		if err := s.sync.AdjustGamestate(first, s.localConnectStatus, s.sim); err != nil {
			if errors.Is(err, rollback.ErrStateEvicted) {
				s.desynced = true
				s.events = append(s.events, Event{Kind: EventDesync, Frame: first})
				s.log.Error().Int32("frame", first).Msg("rollback target evicted, session desynced")
				return nil, fmt.Errorf("%w: %v", ErrDesync, err)
			}
			return nil, err
		}
	}

	// Spectators consume confirmed inputs before they are discarded below.
	if len(s.spectators) > 0 && minConfirmed != input.NullFrame {
		if err := s.relayToSpectators(minConfirmed); err != nil {
			return nil, err
		}
	}
	if minConfirmed != input.NullFrame {
		s.sync.SetLastConfirmedFrame(minConfirmed)
	}

	for _, p := range s.peers {
		p.SetLocalFrameAdvantage(s.sync.CurrentFrame())
	}

	for _, h := range s.localHandles {
		landed, err := s.sync.AddLocalInput(h, input.New(s.sync.CurrentFrame(), s.staged[h]))
		if err != nil {
			// Staged inputs stay put so a stalled frame retries cleanly.
			return nil, err
		}
		if landed == input.NullFrame {
			continue
		}
		if landed > s.localConnectStatus[h].LastFrame {
			s.localConnectStatus[h].LastFrame = landed
		}
		for _, p := range s.peers {
			p.SendInput(input.New(landed, s.staged[h]), s.localConnectStatus)
		}
	}

	if s.sync.CurrentFrame() >= s.nextRecommendation {
		var skip int32
		for _, p := range s.peers {
			if r := p.RecommendFrameDelay(); r > skip {
				skip = r
			}
		}
		if skip > 0 {
			s.events = append(s.events, Event{Kind: EventWaitRecommendation, SkipFrames: skip})
		}
		s.nextRecommendation = s.sync.CurrentFrame() + s.recommendationInterval
	}

	inputs, err := s.sync.SynchronizedInputs(s.localConnectStatus)
	if err != nil {
		return nil, err
	}
	if _, err := s.sync.SaveCurrentState(); err != nil {
		return nil, err
	}
	s.sim.Step(inputs)
	s.sync.AdvanceFrame()
	for h := range s.staged {
		delete(s.staged, h)
	}

	for _, p := range s.allPeers() {
		p.SendAllMessages(s.sock)
	}
	return inputs, nil
}

// PollRemoteClients drains the socket, feeds every datagram through its
// peer's state machine, advances protocol timers and flushes outgoing
// traffic. AdvanceFrame calls it; callers waiting out a stall or a slow tick
// should call it themselves to keep the link alive.
func (s *P2P) PollRemoteClients() {
	for _, d := range s.sock.Receive() {
		peer, ok := s.byAddr[d.From]
		if !ok {
			s.log.Debug().Str("from", d.From).Msg("datagram from unknown address")
			continue
		}
		msg, err := messages.Decode(d.Payload)
		if err != nil {
			s.log.Debug().Str("from", d.From).Msg("dropped malformed datagram")
			continue
		}
		s.handlePeerEvents(peer, peer.HandleMessage(msg))
	}
	for _, p := range s.allPeers() {
		s.handlePeerEvents(p, p.Poll())
	}
	for _, p := range s.peers {
		s.adoptReportedDisconnects(p)
	}
	if s.state == stateSynchronizing && s.allPeersResolved() {
		s.state = stateRunning
		s.events = append(s.events, Event{Kind: EventRunning})
		s.log.Info().Msg("all peers synchronized")
	}
	for _, p := range s.allPeers() {
		p.SendAllMessages(s.sock)
	}
}

// NetworkStats reports link quality towards the endpoint serving a handle.
func (s *P2P) NetworkStats(handle int) (protocol.NetworkStats, error) {
	for _, p := range s.allPeers() {
		if p.Handle() == handle {
			return p.NetworkStats()
		}
	}
	return protocol.NetworkStats{}, fmt.Errorf("%w: no endpoint for handle %d", ErrInvalidRequest, handle)
}

// DisconnectPlayer gives up on a remote participant immediately. Their future
// inputs are treated as blank.
func (s *P2P) DisconnectPlayer(handle int) error {
	if s.isLocal(handle) {
		return fmt.Errorf("%w: cannot disconnect the local player", ErrInvalidRequest)
	}
	for _, p := range s.allPeers() {
		if p.Handle() != handle {
			continue
		}
		if p.State() == protocol.StateDisconnected {
			return fmt.Errorf("%w: handle %d", ErrNotConnected, handle)
		}
		p.Disconnect()
		if handle < s.numPlayers {
			s.markDisconnected(handle)
		}
		s.events = append(s.events, Event{Kind: EventDisconnected, Player: handle, Addr: p.Addr()})
		s.log.Info().Int("player", handle).Msg("player disconnected by request")
		return nil
	}
	return fmt.Errorf("%w: unknown handle %d", ErrInvalidRequest, handle)
}

// markDisconnected flags a player as gone. Frames already simulated with
// predictions of their inputs must be replayed with blanks instead, so every
// peer converges on the same post-disconnect state.
func (s *P2P) markDisconnected(handle int) {
	s.localConnectStatus[handle].Disconnected = true
	if from := s.localConnectStatus[handle].LastFrame + 1; from < s.sync.CurrentFrame() {
		if s.forcedRollback == input.NullFrame || from < s.forcedRollback {
			s.forcedRollback = from
		}
	}
}

// adoptReportedDisconnects picks up disconnects other peers already detected,
// at the cutoff frame they chose, so this node converges on the same blank
// inputs without waiting for its own silence timeout.
func (s *P2P) adoptReportedDisconnects(p *protocol.Peer) {
	for h, cs := range p.RemoteConnectStatus() {
		if !cs.Disconnected || h >= s.numPlayers || s.isLocal(h) || s.localConnectStatus[h].Disconnected {
			continue
		}
		// The reporter froze the player at cs.LastFrame; inputs this node
		// received beyond it are replayed as blanks like everywhere else.
		if cs.LastFrame < s.localConnectStatus[h].LastFrame {
			s.localConnectStatus[h].LastFrame = cs.LastFrame
		}
		addr := ""
		if ep := s.peerFor(h); ep != nil {
			addr = ep.Addr()
			if ep.State() != protocol.StateDisconnected {
				ep.Disconnect()
			}
		}
		s.markDisconnected(h)
		s.events = append(s.events, Event{Kind: EventDisconnected, Player: h, Addr: addr})
		s.log.Info().Int("player", h).Int("reporter", p.Handle()).Msg("disconnect learned from peer report")
	}
}

func (s *P2P) peerFor(handle int) *protocol.Peer {
	for _, p := range s.peers {
		if p.Handle() == handle {
			return p
		}
	}
	return nil
}

func (s *P2P) isLocal(handle int) bool {
	for _, h := range s.localHandles {
		if h == handle {
			return true
		}
	}
	return false
}

func (s *P2P) allPeers() []*protocol.Peer {
	all := make([]*protocol.Peer, 0, len(s.peers)+len(s.spectators))
	all = append(all, s.peers...)
	return append(all, s.spectators...)
}

func (s *P2P) allPeersResolved() bool {
	for _, p := range s.allPeers() {
		if st := p.State(); st != protocol.StateRunning && st != protocol.StateDisconnected {
			return false
		}
	}
	return true
}

// minConfirmedFrame is the newest frame every still-connected player has an
// authoritative input for. Disconnected players no longer hold progress back.
func (s *P2P) minConfirmedFrame() input.Frame {
	min := input.Frame(math.MaxInt32)
	counted := false
	for h := 0; h < s.numPlayers; h++ {
		cs := s.localConnectStatus[h]
		if cs.Disconnected {
			continue
		}
		counted = true
		if cs.LastFrame < min {
			min = cs.LastFrame
		}
	}
	if !counted {
		return s.sync.CurrentFrame()
	}
	return min
}

func (s *P2P) relayToSpectators(minConfirmed input.Frame) error {
	for ; s.nextSpectatorFrame <= minConfirmed; s.nextSpectatorFrame++ {
		inputs, err := s.sync.ConfirmedInputs(s.nextSpectatorFrame, s.localConnectStatus)
		if err != nil {
			return err
		}
		combined := make([]byte, 0, s.numPlayers*s.inputSize)
		for _, in := range inputs {
			combined = append(combined, in.Bits...)
		}
		for _, sp := range s.spectators {
			sp.SendInput(input.New(s.nextSpectatorFrame, combined), s.localConnectStatus)
		}
	}
	return nil
}

func (s *P2P) handlePeerEvents(p *protocol.Peer, events []protocol.Event) {
	isSpectator := p.Handle() >= s.numPlayers
	for _, e := range events {
		switch e.Kind {
		case protocol.EventSynchronizing:
			s.events = append(s.events, Event{
				Kind: EventSynchronizing, Player: p.Handle(), Addr: p.Addr(),
				Total: e.Total, Count: e.Count,
			})
		case protocol.EventSynchronized:
			s.events = append(s.events, Event{Kind: EventSynchronized, Player: p.Handle(), Addr: p.Addr()})
		case protocol.EventInput:
			if isSpectator {
				continue
			}
			if err := s.sync.AddRemoteInput(p.Handle(), e.Input); err != nil {
				s.log.Warn().Err(err).Int("player", p.Handle()).Msg("dropped remote input")
				continue
			}
			if e.Input.Frame > s.localConnectStatus[p.Handle()].LastFrame {
				s.localConnectStatus[p.Handle()].LastFrame = e.Input.Frame
			}
		case protocol.EventDisconnected:
			if !isSpectator {
				s.markDisconnected(p.Handle())
			}
			s.events = append(s.events, Event{Kind: EventDisconnected, Player: p.Handle(), Addr: p.Addr()})
		case protocol.EventNetworkInterrupted:
			s.events = append(s.events, Event{
				Kind: EventNetworkInterrupted, Player: p.Handle(), Addr: p.Addr(),
				DisconnectTimeout: e.DisconnectTimeout,
			})
		case protocol.EventNetworkResumed:
			s.events = append(s.events, Event{Kind: EventNetworkResumed, Player: p.Handle(), Addr: p.Addr()})
		}
	}
}
