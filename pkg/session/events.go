package session

import (
	"time"

	"github.com/donedgardo/rollback/pkg/input"
)

// EventKind tags session occurrences drained through Events().
type EventKind int

const (
	// EventSynchronizing reports handshake progress with a peer.
	EventSynchronizing EventKind = iota + 1
	// EventSynchronized fires once per peer when its handshake completes.
	EventSynchronized
	// EventRunning fires once when every peer finished synchronizing.
	EventRunning
	// EventDisconnected fires exactly once per peer that was given up on.
	EventDisconnected
	// EventNetworkInterrupted warns that a peer went quiet; the link is
	// still given DisconnectTimeout to recover.
	EventNetworkInterrupted
	// EventNetworkResumed clears a previous interruption.
	EventNetworkResumed
	// EventWaitRecommendation advises the caller to skip SkipFrames
	// simulation steps so lagging peers can catch up.
	EventWaitRecommendation
	// EventMisprediction reports a rollback triggered at Frame.
	EventMisprediction
	// EventDesync reports an unrecoverable divergence: a rollback needed a
	// snapshot that was already evicted. The affected participation is over.
	EventDesync
)

func (k EventKind) String() string {
	switch k {
	case EventSynchronizing:
		return "synchronizing"
	case EventSynchronized:
		return "synchronized"
	case EventRunning:
		return "running"
	case EventDisconnected:
		return "disconnected"
	case EventNetworkInterrupted:
		return "network-interrupted"
	case EventNetworkResumed:
		return "network-resumed"
	case EventWaitRecommendation:
		return "wait-recommendation"
	case EventMisprediction:
		return "misprediction"
	case EventDesync:
		return "desync"
	}
	return "unknown"
}

// Event is a tagged occurrence; only the fields for its kind are set.
type Event struct {
	Kind              EventKind
	Player            int
	Addr              string
	Total, Count      int
	DisconnectTimeout time.Duration
	SkipFrames        int32
	Frame             input.Frame
}
