// Package messages defines the datagram-level wire format spoken between
// session peers: a small header carrying a session magic and a sequence
// number, followed by one tagged message body.
package messages

import (
	"github.com/donedgardo/rollback/pkg/input"
)

// Kind tags a message body on the wire.
type Kind byte

const (
	KindSyncRequest Kind = iota + 1
	KindSyncReply
	KindInput
	KindInputAck
	KindQualityReport
	KindQualityReply
	KindKeepAlive
)

func (k Kind) String() string {
	switch k {
	case KindSyncRequest:
		return "sync-request"
	case KindSyncReply:
		return "sync-reply"
	case KindInput:
		return "input"
	case KindInputAck:
		return "input-ack"
	case KindQualityReport:
		return "quality-report"
	case KindQualityReply:
		return "quality-reply"
	case KindKeepAlive:
		return "keep-alive"
	}
	return "unknown"
}

// Header precedes every body. Magic is a random per-endpoint value chosen at
// handshake time so strays from other sessions are dropped; Sequence grows
// by one per sent message and exposes duplicates and stale reordering.
type Header struct {
	Magic    uint16
	Sequence uint16
}

// Body is one of the message variants below.
type Body interface {
	Kind() Kind
}

// Message is a decoded datagram.
type Message struct {
	Header Header
	Body   Body
}

// SyncRequest opens (or continues) the handshake. The receiver must echo
// Random in a SyncReply; a matching echo counts one completed roundtrip.
type SyncRequest struct {
	Random uint32
}

func (SyncRequest) Kind() Kind { return KindSyncRequest }

// SyncReply answers a SyncRequest.
type SyncReply struct {
	Random uint32
}

func (SyncReply) Kind() Kind { return KindSyncReply }

// ConnectStatus is one peer's view of one player: whether that player is
// disconnected and the last frame an input was seen for.
type ConnectStatus struct {
	Disconnected bool
	LastFrame    input.Frame
}

// Input carries a redundant window of the sender's inputs, from StartFrame
// upward, one fixed-size payload per frame. AckFrame acknowledges the highest
// frame received from the addressee, and PeerConnectStatus relays the
// sender's view of every player in the session.
type Input struct {
	PeerConnectStatus []ConnectStatus
	StartFrame        input.Frame
	AckFrame          input.Frame
	InputSize         uint16
	Bits              [][]byte
}

func (Input) Kind() Kind { return KindInput }

// InputAck acknowledges received inputs without sending any back; used by
// spectators and otherwise idle endpoints so the sender can trim its
// pending-output window.
type InputAck struct {
	AckFrame input.Frame
}

func (InputAck) Kind() Kind { return KindInputAck }

// QualityReport carries a millisecond timestamp for RTT measurement and the
// sender's current frame advantage over the addressee.
type QualityReport struct {
	FrameAdvantage int32
	Ping           uint64
}

func (QualityReport) Kind() Kind { return KindQualityReport }

// QualityReply echoes the timestamp of a QualityReport.
type QualityReply struct {
	Pong uint64
}

func (QualityReply) Kind() Kind { return KindQualityReply }

// KeepAlive keeps the link warm when no input traffic is flowing.
type KeepAlive struct{}

func (KeepAlive) Kind() Kind { return KindKeepAlive }
