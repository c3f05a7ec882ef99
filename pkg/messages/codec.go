package messages

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/donedgardo/rollback/pkg/input"
)

// ErrMalformed wraps every decode failure. Callers treat such datagrams as
// packet loss and drop them.
var ErrMalformed = errors.New("malformed message")

const headerSize = 5 // magic(2) + sequence(2) + kind(1)

// MaxInputFrames bounds the redundant input window a single datagram may
// carry, keeping encoded messages well under a typical MTU.
const MaxInputFrames = 64

var endian = binary.LittleEndian

// Encode serializes a message into a fresh byte slice.
func Encode(m Message) []byte {
	buf := make([]byte, headerSize, headerSize+32)
	endian.PutUint16(buf[0:], m.Header.Magic)
	endian.PutUint16(buf[2:], m.Header.Sequence)
	buf[4] = byte(m.Body.Kind())

	switch b := m.Body.(type) {
	case SyncRequest:
		buf = appendUint32(buf, b.Random)
	case SyncReply:
		buf = appendUint32(buf, b.Random)
	case Input:
		buf = append(buf, byte(len(b.PeerConnectStatus)))
		for _, cs := range b.PeerConnectStatus {
			if cs.Disconnected {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
			buf = appendUint32(buf, uint32(cs.LastFrame))
		}
		buf = appendUint32(buf, uint32(b.StartFrame))
		buf = appendUint32(buf, uint32(b.AckFrame))
		buf = appendUint16(buf, b.InputSize)
		buf = appendUint16(buf, uint16(len(b.Bits)))
		for _, bits := range b.Bits {
			buf = append(buf, bits...)
		}
	case InputAck:
		buf = appendUint32(buf, uint32(b.AckFrame))
	case QualityReport:
		buf = appendUint32(buf, uint32(b.FrameAdvantage))
		buf = appendUint64(buf, b.Ping)
	case QualityReply:
		buf = appendUint64(buf, b.Pong)
	case KeepAlive:
	}
	return buf
}

// Decode parses a datagram. Any length or tag violation yields an error
// wrapping ErrMalformed.
func Decode(data []byte) (Message, error) {
	var m Message
	if len(data) < headerSize {
		return m, fmt.Errorf("%w: %d bytes, want header of %d", ErrMalformed, len(data), headerSize)
	}
	m.Header.Magic = endian.Uint16(data[0:])
	m.Header.Sequence = endian.Uint16(data[2:])
	kind := Kind(data[4])
	r := reader{data: data[headerSize:]}

	switch kind {
	case KindSyncRequest:
		m.Body = SyncRequest{Random: r.uint32()}
	case KindSyncReply:
		m.Body = SyncReply{Random: r.uint32()}
	case KindInput:
		body := Input{}
		n := int(r.byte())
		for i := 0; i < n && r.err == nil; i++ {
			body.PeerConnectStatus = append(body.PeerConnectStatus, ConnectStatus{
				Disconnected: r.byte() != 0,
				LastFrame:    input.Frame(r.uint32()),
			})
		}
		body.StartFrame = input.Frame(r.uint32())
		body.AckFrame = input.Frame(r.uint32())
		body.InputSize = r.uint16()
		numFrames := int(r.uint16())
		if r.err == nil && numFrames > MaxInputFrames {
			return m, fmt.Errorf("%w: input window of %d frames", ErrMalformed, numFrames)
		}
		for i := 0; i < numFrames && r.err == nil; i++ {
			body.Bits = append(body.Bits, r.bytes(int(body.InputSize)))
		}
		m.Body = body
	case KindInputAck:
		m.Body = InputAck{AckFrame: input.Frame(r.uint32())}
	case KindQualityReport:
		m.Body = QualityReport{FrameAdvantage: int32(r.uint32()), Ping: r.uint64()}
	case KindQualityReply:
		m.Body = QualityReply{Pong: r.uint64()}
	case KindKeepAlive:
		m.Body = KeepAlive{}
	default:
		return m, fmt.Errorf("%w: unknown kind %d", ErrMalformed, byte(kind))
	}
	if r.err != nil {
		return m, fmt.Errorf("%w: truncated %s", ErrMalformed, kind)
	}
	return m, nil
}

type reader struct {
	data []byte
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < n {
		r.err = errors.New("short read")
		return nil
	}
	out := r.data[:n]
	r.data = r.data[n:]
	return out
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return endian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return endian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return endian.Uint64(b)
}

func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	endian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	endian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	endian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
