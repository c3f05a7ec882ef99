// Package protocol implements the per-peer connection state machine: nonce
// handshake with bounded retries, redundant input exchange with ack
// tracking, RTT/jitter measurement, keep-alives and silence-based disconnect
// detection. A Peer owns no socket; the session hands it incoming messages
// and flushes its outbox, so the whole machine stays single-threaded.
package protocol

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/donedgardo/rollback/pkg/input"
	"github.com/donedgardo/rollback/pkg/logger"
	"github.com/donedgardo/rollback/pkg/messages"
	"github.com/donedgardo/rollback/pkg/timesync"
	"github.com/donedgardo/rollback/pkg/transport"
)

// ErrNotConnected is returned when stats are requested for a peer that has
// not reached (or has left) the running state.
var ErrNotConnected = errors.New("peer not connected")

// Sequence numbers further apart than this are stale or wildly reordered
// and get dropped.
const maxSeqDistance = 1 << 15

// State is the lifecycle of a peer connection.
type State int

const (
	StateInitial State = iota
	StateSyncRequestSent
	StateSynchronizing
	StateRunning
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateSyncRequestSent:
		return "sync-request-sent"
	case StateSynchronizing:
		return "synchronizing"
	case StateRunning:
		return "running"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// EventKind tags occurrences a Peer reports to its session.
type EventKind int

const (
	// EventSynchronizing reports handshake progress (Count of Total).
	EventSynchronizing EventKind = iota + 1
	// EventSynchronized fires once when the handshake completes.
	EventSynchronized
	// EventInput delivers one confirmed remote input, in frame order.
	EventInput
	// EventDisconnected fires exactly once when the peer is given up on.
	EventDisconnected
	// EventNetworkInterrupted warns that the peer has gone quiet.
	EventNetworkInterrupted
	// EventNetworkResumed clears a previous interruption.
	EventNetworkResumed
)

// Event is a tagged occurrence; only the fields for its kind are set.
type Event struct {
	Kind              EventKind
	Input             input.Input
	Total, Count      int
	DisconnectTimeout time.Duration
}

// NetworkStats is the continuously recomputed link quality estimate.
type NetworkStats struct {
	Ping               time.Duration
	Jitter             time.Duration
	SendQueueLen       int
	KbpsSent           int
	LocalFramesBehind  int32
	RemoteFramesBehind int32
}

// Config tunes the protocol timers and bounds. Zero values select the
// defaults from DefaultConfig.
type Config struct {
	SyncRoundtrips        int
	SyncRetryInterval     time.Duration
	MaxSyncRetries        int
	QualityReportInterval time.Duration
	KeepAliveInterval     time.Duration
	DisconnectTimeout     time.Duration
	DisconnectNotifyStart time.Duration
	FPS                   int
	TimeSyncWindow        int
	MaxPendingInputs      int
}

func DefaultConfig() Config {
	return Config{
		SyncRoundtrips:        5,
		SyncRetryInterval:     200 * time.Millisecond,
		MaxSyncRetries:        10,
		QualityReportInterval: 200 * time.Millisecond,
		KeepAliveInterval:     200 * time.Millisecond,
		DisconnectTimeout:     5000 * time.Millisecond,
		DisconnectNotifyStart: 1500 * time.Millisecond,
		FPS:                   60,
		TimeSyncWindow:        timesync.DefaultWindowSize,
		MaxPendingInputs:      input.QueueLength,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SyncRoundtrips <= 0 {
		c.SyncRoundtrips = d.SyncRoundtrips
	}
	if c.SyncRetryInterval <= 0 {
		c.SyncRetryInterval = d.SyncRetryInterval
	}
	if c.MaxSyncRetries <= 0 {
		c.MaxSyncRetries = d.MaxSyncRetries
	}
	if c.QualityReportInterval <= 0 {
		c.QualityReportInterval = d.QualityReportInterval
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	if c.DisconnectNotifyStart <= 0 {
		c.DisconnectNotifyStart = d.DisconnectNotifyStart
	}
	if c.FPS <= 0 {
		c.FPS = d.FPS
	}
	if c.TimeSyncWindow <= 0 {
		c.TimeSyncWindow = d.TimeSyncWindow
	}
	if c.MaxPendingInputs <= 0 {
		c.MaxPendingInputs = d.MaxPendingInputs
	}
	return c
}

// Peer drives the connection to one remote endpoint.
type Peer struct {
	conf       Config
	addr       string
	handle     int
	numPlayers int
	inputSize  int

	state       State
	magic       uint16
	remoteMagic uint16
	sendSeq     uint16
	recvSeq     uint16

	syncRandom    uint32
	syncRemaining int
	syncRetries   int
	lastSyncSent  time.Time

	pending           []input.Input
	lastReceivedInput input.Input

	peerConnectStatus []messages.ConnectStatus

	localFrameAdvantage  int32
	remoteFrameAdvantage int32
	ts                   *timesync.TimeSync

	rtt    time.Duration
	jitter time.Duration

	lastSendTime      time.Time
	lastRecvTime      time.Time
	lastQualityReport time.Time

	disconnectNotified bool
	disconnectEmitted  bool

	statsStart time.Time
	bytesSent  int

	outbox        []messages.Message
	pendingEvents []Event

	now func() time.Time
	log *logger.Logger
}

// NewPeer creates the endpoint for one remote player or spectator. The
// handle is the player slot served by addr; inputSize is the payload size of
// one input message frame (numPlayers*inputSize for a spectator feed).
func NewPeer(addr string, handle, numPlayers, inputSize int, conf Config, log *logger.Logger) *Peer {
	magic := uint16(rand.Uint32())
	if magic == 0 {
		magic = 1
	}
	p := &Peer{
		conf:              conf.withDefaults(),
		addr:              addr,
		handle:            handle,
		numPlayers:        numPlayers,
		inputSize:         inputSize,
		magic:             magic,
		lastReceivedInput: input.Input{Frame: input.NullFrame, Size: inputSize, Bits: make([]byte, inputSize)},
		peerConnectStatus: make([]messages.ConnectStatus, numPlayers),
		ts:                timesync.New(conf.TimeSyncWindow),
		now:               time.Now,
		log:               log.Extend(log.With().Str("peer", addr)),
	}
	for i := range p.peerConnectStatus {
		p.peerConnectStatus[i].LastFrame = input.NullFrame
	}
	return p
}

func (p *Peer) Addr() string    { return p.addr }
func (p *Peer) Handle() int     { return p.handle }
func (p *Peer) State() State    { return p.state }
func (p *Peer) IsRunning() bool { return p.state == StateRunning }

// LastReceivedFrame is the newest remote frame an input arrived for.
func (p *Peer) LastReceivedFrame() input.Frame { return p.lastReceivedInput.Frame }

// RemoteConnectStatus is the sender's newest reported view of every player's
// connection, relayed inside each input message. Callers must not mutate it.
func (p *Peer) RemoteConnectStatus() []messages.ConnectStatus { return p.peerConnectStatus }

// Synchronize starts the handshake.
func (p *Peer) Synchronize() {
	p.state = StateSyncRequestSent
	p.syncRemaining = p.conf.SyncRoundtrips
	now := p.now()
	p.lastRecvTime = now
	p.statsStart = now
	p.sendSyncRequest()
	p.log.Debug().Msg("handshake started")
}

// Disconnect forces the terminal state without emitting an event; callers
// that force it report the disconnect themselves.
func (p *Peer) Disconnect() {
	p.state = StateDisconnected
	p.disconnectEmitted = true
}

// SetLocalFrameAdvantage records how far this peer's simulation runs ahead
// of the local one, from the local point of view.
func (p *Peer) SetLocalFrameAdvantage(localFrame input.Frame) {
	if p.lastReceivedInput.Frame == input.NullFrame {
		return
	}
	p.localFrameAdvantage = p.lastReceivedInput.Frame - localFrame
}

// RecommendFrameDelay is the pacing advice for this link.
func (p *Peer) RecommendFrameDelay() int32 {
	if p.state != StateRunning {
		return 0
	}
	return p.ts.RecommendFrameDelay()
}

// SendInput queues one local input for transmission. The outgoing message
// repeats every not-yet-acknowledged input, so earlier losses heal on the
// next send.
func (p *Peer) SendInput(in input.Input, localConnectStatus []messages.ConnectStatus) {
	if p.state != StateRunning {
		return
	}
	p.ts.AdvanceFrame(p.localFrameAdvantage, p.remoteFrameAdvantage)
	p.pending = append(p.pending, in)
	if len(p.pending) > p.conf.MaxPendingInputs {
		// The peer stopped acknowledging; give up before the window grows
		// without bound.
		p.log.Warn().Int("pending", len(p.pending)).Msg("peer stopped acking inputs")
		p.disconnect()
		return
	}
	p.queueInputMessage(localConnectStatus)
}

func (p *Peer) queueInputMessage(localConnectStatus []messages.ConnectStatus) {
	if len(p.pending) == 0 {
		return
	}
	window := len(p.pending)
	if window > messages.MaxInputFrames {
		window = messages.MaxInputFrames
	}
	body := messages.Input{
		PeerConnectStatus: append([]messages.ConnectStatus(nil), localConnectStatus...),
		StartFrame:        p.pending[0].Frame,
		AckFrame:          p.lastReceivedInput.Frame,
		InputSize:         uint16(p.inputSize),
	}
	for i := 0; i < window; i++ {
		body.Bits = append(body.Bits, p.pending[i].Bits)
	}
	p.queue(body)
}

// HandleMessage feeds one decoded datagram through the state machine and
// returns the events it produced.
func (p *Peer) HandleMessage(msg messages.Message) []Event {
	events := p.takePendingEvents()
	if p.state == StateDisconnected {
		return events
	}
	if !p.acceptHeader(msg) {
		return events
	}

	switch body := msg.Body.(type) {
	case messages.SyncRequest:
		p.queue(messages.SyncReply{Random: body.Random})
	case messages.SyncReply:
		events = p.onSyncReply(msg.Header, body, events)
	case messages.Input:
		events = p.onInput(body, events)
	case messages.InputAck:
		p.trimPending(body.AckFrame)
	case messages.QualityReport:
		p.remoteFrameAdvantage = body.FrameAdvantage
		p.queue(messages.QualityReply{Pong: body.Ping})
	case messages.QualityReply:
		p.onQualityReply(body)
	case messages.KeepAlive:
	}

	p.lastRecvTime = p.now()
	if p.disconnectNotified && p.state == StateRunning {
		p.disconnectNotified = false
		events = append(events, Event{Kind: EventNetworkResumed})
	}
	return events
}

// Poll advances the timers: handshake retries, quality reports, keep-alives
// and the silence-based disconnect detection.
func (p *Peer) Poll() []Event {
	events := p.takePendingEvents()
	now := p.now()

	switch p.state {
	case StateSyncRequestSent, StateSynchronizing:
		if now.Sub(p.lastSyncSent) >= p.conf.SyncRetryInterval {
			p.syncRetries++
			if p.syncRetries > p.conf.MaxSyncRetries {
				p.log.Warn().Int("retries", p.syncRetries-1).Msg("handshake timed out")
				events = p.emitDisconnect(events)
			} else {
				p.sendSyncRequest()
			}
		}
	case StateRunning:
		if now.Sub(p.lastQualityReport) >= p.conf.QualityReportInterval {
			p.queue(messages.QualityReport{
				FrameAdvantage: p.localFrameAdvantage,
				Ping:           uint64(now.UnixMilli()),
			})
			p.lastQualityReport = now
		}
		if len(p.outbox) == 0 && now.Sub(p.lastSendTime) >= p.conf.KeepAliveInterval {
			p.queue(messages.KeepAlive{})
		}
		quiet := now.Sub(p.lastRecvTime)
		if !p.disconnectNotified && quiet >= p.conf.DisconnectNotifyStart {
			p.disconnectNotified = true
			events = append(events, Event{
				Kind:              EventNetworkInterrupted,
				DisconnectTimeout: p.conf.DisconnectTimeout - quiet,
			})
		}
		if quiet >= p.conf.DisconnectTimeout {
			p.log.Warn().Dur("quiet", quiet).Msg("peer timed out")
			events = p.emitDisconnect(events)
		}
	}
	return events
}

// SendAllMessages encodes and flushes the outbox.
func (p *Peer) SendAllMessages(sock transport.Socket) {
	if p.state == StateDisconnected {
		p.outbox = p.outbox[:0]
		return
	}
	for _, msg := range p.outbox {
		b := messages.Encode(msg)
		p.bytesSent += len(b)
		sock.Send(b, p.addr)
	}
	p.outbox = p.outbox[:0]
}

// NetworkStats reports link quality; it fails until the peer is running.
func (p *Peer) NetworkStats() (NetworkStats, error) {
	if p.state != StateRunning {
		return NetworkStats{}, fmt.Errorf("%w: %s is %s", ErrNotConnected, p.addr, p.state)
	}
	seconds := p.now().Sub(p.statsStart).Seconds()
	kbps := 0
	if seconds > 0 {
		kbps = int(float64(p.bytesSent) * 8 / 1000 / seconds)
	}
	return NetworkStats{
		Ping:               p.rtt,
		Jitter:             p.jitter,
		SendQueueLen:       len(p.pending),
		KbpsSent:           kbps,
		LocalFramesBehind:  p.localFrameAdvantage,
		RemoteFramesBehind: p.remoteFrameAdvantage,
	}, nil
}

func (p *Peer) acceptHeader(msg messages.Message) bool {
	switch msg.Body.(type) {
	case messages.SyncRequest, messages.SyncReply:
		// Handshake traffic establishes the remote magic.
	default:
		if p.remoteMagic == 0 || msg.Header.Magic != p.remoteMagic {
			p.log.Debug().Uint16("magic", msg.Header.Magic).Msg("dropped message with foreign magic")
			return false
		}
	}
	skipped := msg.Header.Sequence - p.recvSeq
	if skipped > maxSeqDistance {
		p.log.Debug().Uint16("seq", msg.Header.Sequence).Msg("dropped stale message")
		return false
	}
	p.recvSeq = msg.Header.Sequence
	return true
}

func (p *Peer) onSyncReply(header messages.Header, body messages.SyncReply, events []Event) []Event {
	if p.state != StateSyncRequestSent && p.state != StateSynchronizing {
		return events
	}
	if body.Random != p.syncRandom {
		p.log.Debug().Msg("sync reply with wrong nonce")
		return events
	}
	p.remoteMagic = header.Magic
	p.syncRetries = 0
	p.syncRemaining--
	done := p.conf.SyncRoundtrips - p.syncRemaining
	if p.syncRemaining <= 0 {
		p.state = StateRunning
		p.lastQualityReport = p.now()
		p.log.Info().Msg("peer synchronized")
		return append(events, Event{Kind: EventSynchronized})
	}
	p.state = StateSynchronizing
	events = append(events, Event{Kind: EventSynchronizing, Total: p.conf.SyncRoundtrips, Count: done})
	p.sendSyncRequest()
	return events
}

func (p *Peer) onInput(body messages.Input, events []Event) []Event {
	if p.state != StateRunning {
		return events
	}
	if int(body.InputSize) != p.inputSize {
		p.log.Debug().Uint16("size", body.InputSize).Msg("dropped input with wrong payload size")
		return events
	}
	for i, cs := range body.PeerConnectStatus {
		if i >= len(p.peerConnectStatus) {
			break
		}
		if cs.Disconnected {
			p.peerConnectStatus[i].Disconnected = true
		}
		if cs.LastFrame > p.peerConnectStatus[i].LastFrame {
			p.peerConnectStatus[i].LastFrame = cs.LastFrame
		}
	}
	p.trimPending(body.AckFrame)

	frame := body.StartFrame
	for _, bits := range body.Bits {
		if frame > p.lastReceivedInput.Frame {
			in := input.New(frame, bits)
			p.lastReceivedInput = in
			events = append(events, Event{Kind: EventInput, Input: in})
		}
		frame++
	}
	p.queue(messages.InputAck{AckFrame: p.lastReceivedInput.Frame})
	return events
}

func (p *Peer) onQualityReply(body messages.QualityReply) {
	sample := time.Duration(p.now().UnixMilli()-int64(body.Pong)) * time.Millisecond
	if sample < 0 {
		return
	}
	if p.rtt == 0 {
		p.rtt = sample
	}
	diff := sample - p.rtt
	if diff < 0 {
		diff = -diff
	}
	p.jitter = (3*p.jitter + diff) / 4
	p.rtt = (7*p.rtt + sample) / 8
}

func (p *Peer) sendSyncRequest() {
	p.syncRandom = rand.Uint32()
	if p.syncRandom == 0 {
		p.syncRandom = 1
	}
	p.lastSyncSent = p.now()
	p.queue(messages.SyncRequest{Random: p.syncRandom})
}

func (p *Peer) queue(body messages.Body) {
	p.sendSeq++
	p.outbox = append(p.outbox, messages.Message{
		Header: messages.Header{Magic: p.magic, Sequence: p.sendSeq},
		Body:   body,
	})
	p.lastSendTime = p.now()
}

func (p *Peer) trimPending(ack input.Frame) {
	n := 0
	for _, in := range p.pending {
		if in.Frame > ack {
			p.pending[n] = in
			n++
		}
	}
	p.pending = p.pending[:n]
}

func (p *Peer) disconnect() {
	p.state = StateDisconnected
	if !p.disconnectEmitted {
		p.disconnectEmitted = true
		p.pendingEvents = append(p.pendingEvents, Event{Kind: EventDisconnected})
	}
}

func (p *Peer) emitDisconnect(events []Event) []Event {
	if p.disconnectEmitted {
		return events
	}
	p.state = StateDisconnected
	p.disconnectEmitted = true
	return append(events, Event{Kind: EventDisconnected})
}

func (p *Peer) takePendingEvents() []Event {
	if len(p.pendingEvents) == 0 {
		return nil
	}
	out := p.pendingEvents
	p.pendingEvents = nil
	return out
}
