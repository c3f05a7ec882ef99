package session

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/donedgardo/rollback/pkg/input"
	"github.com/donedgardo/rollback/pkg/protocol"
	"github.com/donedgardo/rollback/pkg/transport"
)

const (
	addrA = "a:7000"
	addrB = "b:7001"
	addrS = "s:7002"
	addrC = "c:7003"
)

// counterGame adds each player's input byte to their counter every frame.
type counterGame struct {
	positions [2]int32
	frame     int32
}

func (g *counterGame) Step(inputs []input.Input) {
	for h, in := range inputs {
		g.positions[h] += int32(in.Bits[0])
	}
	g.frame++
}

func (g *counterGame) save() ([]byte, error) {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], uint32(g.positions[0]))
	binary.LittleEndian.PutUint32(buf[4:], uint32(g.positions[1]))
	binary.LittleEndian.PutUint32(buf[8:], uint32(g.frame))
	return buf, nil
}

func (g *counterGame) load(b []byte) error {
	g.positions[0] = int32(binary.LittleEndian.Uint32(b[0:]))
	g.positions[1] = int32(binary.LittleEndian.Uint32(b[4:]))
	g.frame = int32(binary.LittleEndian.Uint32(b[8:]))
	return nil
}

func (g *counterGame) builder(numPlayers int) *Builder {
	return NewBuilder(numPlayers, 1).
		WithSimulation(g).
		RegisterState("counters", g.save, g.load)
}

// newPair builds two mutually connected two-player sessions on the hub.
func newPair(t *testing.T, hub *transport.Hub, conf protocol.Config) (*P2P, *counterGame, *P2P, *counterGame) {
	t.Helper()
	// Register both endpoints before any session starts so the initial
	// SyncRequest flush has a live receiver on the hub.
	endA := hub.Endpoint(addrA)
	endB := hub.Endpoint(addrB)
	gameA := &counterGame{}
	a, err := gameA.builder(2).
		WithProtocolConfig(conf).
		AddPlayer(Local(), 0).
		AddPlayer(Remote(addrB), 1).
		StartP2P(endA)
	if err != nil {
		t.Fatal(err)
	}
	gameB := &counterGame{}
	b, err := gameB.builder(2).
		WithProtocolConfig(conf).
		AddPlayer(Remote(addrA), 0).
		AddPlayer(Local(), 1).
		StartP2P(endB)
	if err != nil {
		t.Fatal(err)
	}
	return a, gameA, b, gameB
}

func waitRunning(t *testing.T, ss ...*P2P) {
	t.Helper()
	for i := 0; i < 50; i++ {
		running := true
		for _, s := range ss {
			s.PollRemoteClients()
			if s.state != stateRunning {
				running = false
			}
		}
		if running {
			return
		}
	}
	t.Fatal("sessions never finished synchronizing")
}

// advanceBoth runs one frame on each session with fixed input bytes.
func advanceBoth(t *testing.T, a, b *P2P, inA, inB byte) {
	t.Helper()
	if err := a.AddLocalInput(0, []byte{inA}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddLocalInput(1, []byte{inB}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AdvanceFrame(); err != nil {
		t.Fatalf("a frame %d: %v", a.CurrentFrame(), err)
	}
	if _, err := b.AdvanceFrame(); err != nil {
		t.Fatalf("b frame %d: %v", b.CurrentFrame(), err)
	}
}

func countEvents(events []Event, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// reference plays the whole run with perfect information.
func reference(frames int, inA, inB byte) counterGame {
	var g counterGame
	for f := 0; f < frames; f++ {
		g.Step([]input.Input{
			input.New(input.Frame(f), []byte{inA}),
			input.New(input.Frame(f), []byte{inB}),
		})
	}
	return g
}

// triGame is counterGame for three players.
type triGame struct {
	positions [3]int32
	frame     int32
}

func (g *triGame) Step(inputs []input.Input) {
	for h, in := range inputs {
		g.positions[h] += int32(in.Bits[0])
	}
	g.frame++
}

func (g *triGame) save() ([]byte, error) {
	buf := make([]byte, 16)
	for i, p := range g.positions {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(p))
	}
	binary.LittleEndian.PutUint32(buf[12:], uint32(g.frame))
	return buf, nil
}

func (g *triGame) load(b []byte) error {
	for i := range g.positions {
		g.positions[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	g.frame = int32(binary.LittleEndian.Uint32(b[12:]))
	return nil
}

// newTrio builds three mutually connected three-player sessions on the hub.
func newTrio(t *testing.T, hub *transport.Hub) ([3]*P2P, [3]*triGame) {
	t.Helper()
	addrs := []string{addrA, addrB, addrC}
	// Register all endpoints before any session starts so the initial
	// SyncRequest flush has a live receiver on the hub.
	var ends [3]*transport.Loopback
	for i, addr := range addrs {
		ends[i] = hub.Endpoint(addr)
	}
	var sessions [3]*P2P
	var games [3]*triGame
	for local := range sessions {
		g := &triGame{}
		b := NewBuilder(3, 1).
			WithSimulation(g).
			RegisterState("counters", g.save, g.load)
		for h, addr := range addrs {
			if h == local {
				b.AddPlayer(Local(), h)
			} else {
				b.AddPlayer(Remote(addr), h)
			}
		}
		s, err := b.StartP2P(ends[local])
		if err != nil {
			t.Fatal(err)
		}
		sessions[local] = s
		games[local] = g
	}
	return sessions, games
}

// advanceTrio runs one frame on each of the three sessions; player h always
// presses h+1.
func advanceTrio(t *testing.T, sessions [3]*P2P) {
	t.Helper()
	for h, s := range sessions {
		if err := s.AddLocalInput(h, []byte{byte(h + 1)}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AdvanceFrame(); err != nil {
			t.Fatalf("player %d frame %d: %v", h, s.CurrentFrame(), err)
		}
	}
}

func TestP2PSessionsConverge(t *testing.T) {
	hub := transport.NewHub()
	a, gameA, b, gameB := newPair(t, hub, protocol.Config{})
	waitRunning(t, a, b)

	for f := 0; f < 20; f++ {
		advanceBoth(t, a, b, 1, 2)
	}

	want := reference(20, 1, 2)
	if *gameA != want {
		t.Errorf("a ended on %+v, want %+v", *gameA, want)
	}
	if *gameB != want {
		t.Errorf("b ended on %+v, want %+v", *gameB, want)
	}

	eventsA := a.Events()
	if countEvents(eventsA, EventRunning) != 1 {
		t.Error("a never reported the running transition")
	}
	if countEvents(eventsA, EventSynchronized) != 1 {
		t.Error("a never reported the peer handshake")
	}
	// Frame 0 was simulated with the default prediction for b before b's
	// real input arrived, so at least one rollback must have happened.
	if countEvents(eventsA, EventMisprediction) == 0 {
		t.Error("a never rolled back despite predicting frame 0")
	}
	if a.ConfirmedFrame() < 18 {
		t.Errorf("a confirmed frontier is %d, want at least 18", a.ConfirmedFrame())
	}
}

func TestP2PRollbackRepairsLostInputs(t *testing.T) {
	hub := transport.NewHub()
	a, gameA, b, gameB := newPair(t, hub, protocol.Config{})
	waitRunning(t, a, b)

	// Establish a stable prediction, then cut b's traffic towards a.
	for f := 0; f < 3; f++ {
		advanceBoth(t, a, b, 1, 5)
	}
	hub.Block(addrB, addrA)
	for f := 0; f < 4; f++ {
		advanceBoth(t, a, b, 1, 5)
	}
	hub.Unblock(addrB, addrA)
	// The next message from b repeats all unacknowledged frames, so a heals
	// in one poll.
	for f := 0; f < 3; f++ {
		advanceBoth(t, a, b, 1, 5)
	}

	want := reference(10, 1, 5)
	if *gameA != want {
		t.Errorf("a ended on %+v, want %+v", *gameA, want)
	}
	if *gameB != want {
		t.Errorf("b ended on %+v, want %+v", *gameB, want)
	}
}

func TestP2PStallsAtPredictionWindow(t *testing.T) {
	hub := transport.NewHub()
	a, gameA, b, gameB := newPair(t, hub, protocol.Config{})
	waitRunning(t, a, b)
	hub.Block(addrB, addrA)

	// Without any confirmation from b, a may run the prediction window
	// ahead and no further.
	for f := 0; f < DefaultMaxPrediction; f++ {
		if err := a.AddLocalInput(0, []byte{1}); err != nil {
			t.Fatal(err)
		}
		if _, err := a.AdvanceFrame(); err != nil {
			t.Fatalf("frame %d: %v", f, err)
		}
		if err := b.AddLocalInput(1, []byte{2}); err != nil {
			t.Fatal(err)
		}
		if _, err := b.AdvanceFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.AddLocalInput(0, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AdvanceFrame(); !errors.Is(err, ErrPredictionThreshold) {
		t.Fatalf("err = %v, want ErrPredictionThreshold", err)
	}
	if a.CurrentFrame() != DefaultMaxPrediction {
		t.Fatalf("a advanced to %d during the stall", a.CurrentFrame())
	}

	// Confirmations flow again: the stalled frame retries with the staged
	// input, after rolling back the mispredicted stretch.
	hub.Unblock(addrB, addrA)
	if err := b.AddLocalInput(1, []byte{2}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AdvanceFrame(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AdvanceFrame(); err != nil {
		t.Fatalf("stall did not clear: %v", err)
	}
	if countEvents(a.Events(), EventMisprediction) == 0 {
		t.Error("a never rolled back the frames predicted during the outage")
	}

	advanceBoth(t, a, b, 1, 2)
	want := reference(10, 1, 2)
	if *gameA != want {
		t.Errorf("a ended on %+v, want %+v", *gameA, want)
	}
	if gameB.frame != 10 {
		t.Errorf("b ended on frame %d, want 10", gameB.frame)
	}
}

func TestP2PQuietPeerDisconnectsOnce(t *testing.T) {
	hub := transport.NewHub()
	conf := protocol.Config{
		DisconnectNotifyStart: 10 * time.Millisecond,
		DisconnectTimeout:     40 * time.Millisecond,
	}
	a, _, b, _ := newPair(t, hub, conf)
	waitRunning(t, a, b)
	a.Events()

	hub.Block(addrB, addrA)
	var collected []Event
	for i := 0; i < 20; i++ {
		time.Sleep(5 * time.Millisecond)
		a.PollRemoteClients()
		collected = append(collected, a.Events()...)
	}
	if n := countEvents(collected, EventNetworkInterrupted); n != 1 {
		t.Errorf("interrupted events = %d, want 1", n)
	}
	if n := countEvents(collected, EventDisconnected); n != 1 {
		t.Fatalf("disconnected events = %d, want 1", n)
	}

	// The session keeps running; the lost player contributes blank inputs.
	for f := 0; f < 5; f++ {
		if err := a.AddLocalInput(0, []byte{1}); err != nil {
			t.Fatal(err)
		}
		if _, err := a.AdvanceFrame(); err != nil {
			t.Fatalf("frame %d after disconnect: %v", f, err)
		}
	}
}

func TestP2PDisconnectPlayerByRequest(t *testing.T) {
	hub := transport.NewHub()
	a, _, b, _ := newPair(t, hub, protocol.Config{})
	waitRunning(t, a, b)
	a.Events()

	if err := a.DisconnectPlayer(0); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("disconnecting the local player: err = %v, want ErrInvalidRequest", err)
	}
	if err := a.DisconnectPlayer(1); err != nil {
		t.Fatal(err)
	}
	if err := a.DisconnectPlayer(1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("second disconnect: err = %v, want ErrNotConnected", err)
	}
	if n := countEvents(a.Events(), EventDisconnected); n != 1 {
		t.Errorf("disconnected events = %d, want 1", n)
	}
}

func TestP2PDisconnectSpreadsByPeerReport(t *testing.T) {
	hub := transport.NewHub()
	sessions, games := newTrio(t, hub)
	a, b := sessions[0], sessions[1]
	waitRunning(t, sessions[:]...)

	for f := 0; f < 5; f++ {
		advanceTrio(t, sessions)
	}
	// Let the confirmations settle so a and b agree on player 2's last frame.
	a.PollRemoteClients()
	b.PollRemoteClients()
	a.Events()
	b.Events()

	// a gives up on player 2. Its next input message carries that verdict, so
	// b learns of the disconnect without waiting out its own silence timeout.
	if err := a.DisconnectPlayer(2); err != nil {
		t.Fatal(err)
	}
	if err := a.AddLocalInput(0, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AdvanceFrame(); err != nil {
		t.Fatal(err)
	}
	b.PollRemoteClients()
	if n := countEvents(b.Events(), EventDisconnected); n != 1 {
		t.Fatalf("b disconnected events = %d, want 1", n)
	}
	if err := b.DisconnectPlayer(2); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnect after adoption: err = %v, want ErrNotConnected", err)
	}

	// Both survivors replay the lost player's tail as blanks from the same
	// cutoff and keep converging.
	if err := b.AddLocalInput(1, []byte{2}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AdvanceFrame(); err != nil {
		t.Fatal(err)
	}
	for f := 0; f < 5; f++ {
		advanceBoth3(t, a, b)
	}
	if *games[0] != *games[1] {
		t.Errorf("survivors diverged: a %+v, b %+v", *games[0], *games[1])
	}
	if games[0].positions[2] != 15 {
		t.Errorf("lost player's counter = %d, want 15 (5 confirmed frames of 3)", games[0].positions[2])
	}
}

// advanceBoth3 runs one frame on the two surviving three-player sessions.
func advanceBoth3(t *testing.T, a, b *P2P) {
	t.Helper()
	if err := a.AddLocalInput(0, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AdvanceFrame(); err != nil {
		t.Fatalf("a frame %d: %v", a.CurrentFrame(), err)
	}
	if err := b.AddLocalInput(1, []byte{2}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AdvanceFrame(); err != nil {
		t.Fatalf("b frame %d: %v", b.CurrentFrame(), err)
	}
}

func TestP2PNetworkStats(t *testing.T) {
	hub := transport.NewHub()
	a, _, b, _ := newPair(t, hub, protocol.Config{})

	if _, err := a.NetworkStats(1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("stats before handshake: err = %v, want ErrNotConnected", err)
	}
	if _, err := a.NetworkStats(7); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("stats for unknown handle: err = %v, want ErrInvalidRequest", err)
	}

	waitRunning(t, a, b)
	if _, err := a.NetworkStats(1); err != nil {
		t.Errorf("stats while running: %v", err)
	}
}

func TestBuilderValidation(t *testing.T) {
	hub := transport.NewHub()
	game := &counterGame{}

	tests := []struct {
		name  string
		start func() error
	}{
		{"no simulation", func() error {
			_, err := NewBuilder(2, 1).
				RegisterState("counters", game.save, game.load).
				AddPlayer(Local(), 0).AddPlayer(Remote(addrB), 1).
				StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"no state registered", func() error {
			_, err := NewBuilder(2, 1).WithSimulation(game).
				AddPlayer(Local(), 0).AddPlayer(Remote(addrB), 1).
				StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"zero players", func() error {
			_, err := game.builder(0).StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"zero input size", func() error {
			_, err := NewBuilder(2, 0).WithSimulation(game).
				RegisterState("counters", game.save, game.load).
				AddPlayer(Local(), 0).AddPlayer(Remote(addrB), 1).
				StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"handle out of range", func() error {
			_, err := game.builder(2).
				AddPlayer(Local(), 0).AddPlayer(Remote(addrB), 2).
				StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"handle assigned twice", func() error {
			_, err := game.builder(2).
				AddPlayer(Local(), 0).AddPlayer(Remote(addrB), 0).
				StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"handle missing", func() error {
			_, err := game.builder(2).
				AddPlayer(Local(), 0).
				StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"two local players", func() error {
			_, err := game.builder(2).
				AddPlayer(Local(), 0).AddPlayer(Local(), 1).
				StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"address assigned twice", func() error {
			_, err := game.builder(3).
				AddPlayer(Local(), 0).
				AddPlayer(Remote(addrB), 1).AddPlayer(Remote(addrB), 2).
				StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"remote without port", func() error {
			_, err := game.builder(2).
				AddPlayer(Local(), 0).AddPlayer(Remote("nowhere"), 1).
				StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"spectator handle collides with players", func() error {
			_, err := game.builder(2).
				AddPlayer(Local(), 0).AddPlayer(Remote(addrB), 1).
				AddPlayer(Spectator(addrS), 1).
				StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"default input size mismatch", func() error {
			_, err := game.builder(2).
				WithDefaultInput([]byte{0, 0}).
				AddPlayer(Local(), 0).AddPlayer(Remote(addrB), 1).
				StartP2P(hub.Endpoint(addrA))
			return err
		}},
		{"synctest check distance beyond window", func() error {
			_, err := game.builder(2).WithMaxPrediction(4).StartSyncTest(5)
			return err
		}},
		{"spectator host address invalid", func() error {
			_, err := game.builder(2).StartSpectator(hub.Endpoint(addrS), ":")
			return err
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.start(); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}
