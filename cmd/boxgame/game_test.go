package main

import (
	"testing"

	"github.com/donedgardo/rollback/pkg/input"
	"github.com/donedgardo/rollback/pkg/session"
)

func TestBoxGameSnapshotRoundTrip(t *testing.T) {
	game := newBoxGame(2, 400, 2)
	for f := input.Frame(0); f < 10; f++ {
		game.Step([]input.Input{
			input.New(f, []byte{btnRight}),
			input.New(f, []byte{btnDown}),
		})
	}
	boxes, err := game.saveBoxes()
	if err != nil {
		t.Fatal(err)
	}
	frame, err := game.saveFrame()
	if err != nil {
		t.Fatal(err)
	}
	saved := append([]box(nil), game.boxes...)

	game.Step([]input.Input{
		input.New(10, []byte{btnLeft}),
		input.New(10, []byte{btnUp}),
	})
	if err := game.loadBoxes(boxes); err != nil {
		t.Fatal(err)
	}
	if err := game.loadFrame(frame); err != nil {
		t.Fatal(err)
	}
	if game.frame != 10 {
		t.Errorf("restored frame = %d, want 10", game.frame)
	}
	for i := range saved {
		if game.boxes[i] != saved[i] {
			t.Errorf("box %d restored to %+v, want %+v", i, game.boxes[i], saved[i])
		}
	}
}

func TestBoxesStayInArena(t *testing.T) {
	game := newBoxGame(1, 20, 5)
	for f := input.Frame(0); f < 50; f++ {
		game.Step([]input.Input{input.New(f, []byte{btnLeft | btnUp})})
	}
	if game.boxes[0] != (box{X: 0, Y: 0}) {
		t.Errorf("box escaped the arena: %+v", game.boxes[0])
	}
}

// The demo game must survive the determinism checker, or it is useless as a
// rollback demo.
func TestBoxGameIsDeterministic(t *testing.T) {
	game := newBoxGame(2, 400, 2)
	sess, err := session.NewBuilder(2, 1).
		WithSimulation(game).
		RegisterState("boxes", game.saveBoxes, game.loadBoxes).
		RegisterState("frame", game.saveFrame, game.loadFrame).
		StartSyncTest(3)
	if err != nil {
		t.Fatal(err)
	}
	for f := input.Frame(0); f < 120; f++ {
		if err := sess.AddLocalInput(0, []byte{scriptedInput(f)}); err != nil {
			t.Fatal(err)
		}
		if err := sess.AddLocalInput(1, []byte{scriptedInput(f + 15)}); err != nil {
			t.Fatal(err)
		}
		if _, err := sess.AdvanceFrame(); err != nil {
			t.Fatalf("frame %d: %v", f, err)
		}
	}
	if game.frame != 120 {
		t.Errorf("game ended on frame %d, want 120", game.frame)
	}
}
