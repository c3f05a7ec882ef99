package protocol

import (
	"testing"
	"time"

	"github.com/donedgardo/rollback/pkg/input"
	"github.com/donedgardo/rollback/pkg/logger"
	"github.com/donedgardo/rollback/pkg/messages"
	"github.com/donedgardo/rollback/pkg/transport"
)

type testLink struct {
	hub    *transport.Hub
	sockA  *transport.Loopback
	sockB  *transport.Loopback
	peerA  *Peer // a's view of b
	peerB  *Peer // b's view of a
	clockA *fakeClock
	clockB *fakeClock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLink(t *testing.T, conf Config) *testLink {
	t.Helper()
	log := logger.Default()
	l := &testLink{hub: transport.NewHub()}
	l.sockA = l.hub.Endpoint("a:1")
	l.sockB = l.hub.Endpoint("b:1")
	l.peerA = NewPeer("b:1", 1, 2, 1, conf, log)
	l.peerB = NewPeer("a:1", 0, 2, 1, conf, log)
	l.clockA = &fakeClock{t: time.Unix(1000, 0)}
	l.clockB = &fakeClock{t: time.Unix(1000, 0)}
	l.peerA.now = l.clockA.now
	l.peerB.now = l.clockB.now
	return l
}

// exchange flushes both outboxes through the hub and feeds arrivals to the
// opposite peer, collecting events per side.
func (l *testLink) exchange(t *testing.T) (eventsA, eventsB []Event) {
	t.Helper()
	for i := 0; i < 16; i++ {
		l.peerA.SendAllMessages(l.sockA)
		l.peerB.SendAllMessages(l.sockB)
		moved := false
		for _, d := range l.sockB.Receive() {
			msg, err := messages.Decode(d.Payload)
			if err != nil {
				t.Fatal(err)
			}
			eventsB = append(eventsB, l.peerB.HandleMessage(msg)...)
			moved = true
		}
		for _, d := range l.sockA.Receive() {
			msg, err := messages.Decode(d.Payload)
			if err != nil {
				t.Fatal(err)
			}
			eventsA = append(eventsA, l.peerA.HandleMessage(msg)...)
			moved = true
		}
		if !moved {
			break
		}
	}
	return eventsA, eventsB
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestHandshakeCompletes(t *testing.T) {
	l := newTestLink(t, Config{SyncRoundtrips: 3})
	l.peerA.Synchronize()
	l.peerB.Synchronize()

	eventsA, eventsB := l.exchange(t)

	if !l.peerA.IsRunning() || !l.peerB.IsRunning() {
		t.Fatalf("states after handshake: %s / %s", l.peerA.State(), l.peerB.State())
	}
	if countKind(eventsA, EventSynchronized) != 1 || countKind(eventsB, EventSynchronized) != 1 {
		t.Errorf("want exactly one synchronized event per side, got %d/%d",
			countKind(eventsA, EventSynchronized), countKind(eventsB, EventSynchronized))
	}
	if countKind(eventsA, EventSynchronizing) != 2 {
		t.Errorf("want 2 progress events for 3 roundtrips, got %d", countKind(eventsA, EventSynchronizing))
	}
}

func TestHandshakeTimeoutEmitsSingleDisconnect(t *testing.T) {
	conf := Config{SyncRetryInterval: 100 * time.Millisecond, MaxSyncRetries: 4}
	l := newTestLink(t, conf)
	l.peerA.Synchronize() // b never answers

	var events []Event
	for i := 0; i < 20; i++ {
		l.clockA.advance(150 * time.Millisecond)
		events = append(events, l.peerA.Poll()...)
	}

	if l.peerA.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", l.peerA.State())
	}
	if got := countKind(events, EventDisconnected); got != 1 {
		t.Errorf("disconnect events = %d, want exactly 1", got)
	}
}

func TestInputRedundancyHealsLoss(t *testing.T) {
	l := newTestLink(t, Config{SyncRoundtrips: 2})
	l.peerA.Synchronize()
	l.peerB.Synchronize()
	l.exchange(t)

	status := []messages.ConnectStatus{
		{LastFrame: input.NullFrame}, {LastFrame: input.NullFrame},
	}

	// The first two sends are lost entirely.
	l.hub.Block("a:1", "b:1")
	l.peerA.SendInput(input.New(0, []byte{10}), status)
	l.peerA.SendInput(input.New(1, []byte{11}), status)
	l.exchange(t)
	l.hub.Unblock("a:1", "b:1")

	// The third message still carries frames 0..2.
	l.peerA.SendInput(input.New(2, []byte{12}), status)
	_, eventsB := l.exchange(t)

	if got := countKind(eventsB, EventInput); got != 3 {
		t.Fatalf("input events = %d, want 3", got)
	}
	want := []byte{10, 11, 12}
	i := 0
	for _, e := range eventsB {
		if e.Kind != EventInput {
			continue
		}
		if e.Input.Frame != input.Frame(i) || e.Input.Bits[0] != want[i] {
			t.Errorf("input %d = frame %d bits %v", i, e.Input.Frame, e.Input.Bits)
		}
		i++
	}

	// The ack flowing back trims a's pending window.
	if n := len(l.peerA.pending); n != 0 {
		t.Errorf("pending after ack = %d, want 0", n)
	}
}

func TestDuplicateInputsIgnored(t *testing.T) {
	l := newTestLink(t, Config{SyncRoundtrips: 2})
	l.peerA.Synchronize()
	l.peerB.Synchronize()
	l.exchange(t)

	status := []messages.ConnectStatus{
		{LastFrame: input.NullFrame}, {LastFrame: input.NullFrame},
	}
	// Suppress the ack so frame 0 stays in a's pending window.
	l.hub.Block("b:1", "a:1")
	l.peerA.SendInput(input.New(0, []byte{5}), status)
	_, eventsB := l.exchange(t)
	if got := countKind(eventsB, EventInput); got != 1 {
		t.Fatalf("input events = %d, want 1", got)
	}

	// Resending the same window (redundancy) must not re-deliver frame 0.
	l.peerA.queueInputMessage(status)
	_, eventsB = l.exchange(t)
	if got := countKind(eventsB, EventInput); got != 0 {
		t.Errorf("duplicate window produced %d input events", got)
	}
}

func TestQuietLinkInterruptsThenDisconnects(t *testing.T) {
	conf := Config{
		SyncRoundtrips:        2,
		DisconnectNotifyStart: 1 * time.Second,
		DisconnectTimeout:     3 * time.Second,
	}
	l := newTestLink(t, conf)
	l.peerA.Synchronize()
	l.peerB.Synchronize()
	l.exchange(t)

	var events []Event
	l.clockA.advance(1500 * time.Millisecond)
	events = append(events, l.peerA.Poll()...)
	if got := countKind(events, EventNetworkInterrupted); got != 1 {
		t.Fatalf("interrupted events = %d, want 1", got)
	}

	l.clockA.advance(2 * time.Second)
	events = append(events, l.peerA.Poll()...)
	if got := countKind(events, EventDisconnected); got != 1 {
		t.Fatalf("disconnect events = %d, want 1", got)
	}
	// No duplicates on further polling.
	l.clockA.advance(time.Second)
	if extra := l.peerA.Poll(); len(extra) != 0 {
		t.Errorf("events after disconnect: %+v", extra)
	}
}

func TestNetworkStatsRequireRunningPeer(t *testing.T) {
	l := newTestLink(t, Config{})
	if _, err := l.peerA.NetworkStats(); err == nil {
		t.Error("expected stats error before synchronization")
	}
	l.peerA.Synchronize()
	l.peerB.Synchronize()
	l.exchange(t)
	if _, err := l.peerA.NetworkStats(); err != nil {
		t.Errorf("stats on running peer: %v", err)
	}
}
