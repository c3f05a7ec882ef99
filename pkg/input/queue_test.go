package input

import (
	"bytes"
	"testing"
)

func addSequential(t *testing.T, q *Queue, from, to Frame, bits []byte) {
	t.Helper()
	for f := from; f <= to; f++ {
		if _, err := q.AddInput(New(f, bits)); err != nil {
			t.Fatalf("add frame %d: %v", f, err)
		}
	}
}

func TestQueueConfirmedLookup(t *testing.T) {
	q := NewQueue(2, nil)
	addSequential(t, q, 0, 4, []byte{7, 7})

	in, err := q.Input(3)
	if err != nil {
		t.Fatal(err)
	}
	if in.Frame != 3 || !bytes.Equal(in.Bits, []byte{7, 7}) {
		t.Errorf("got %+v, want frame 3 bits [7 7]", in)
	}
	if _, err := q.ConfirmedInput(4); err != nil {
		t.Errorf("frame 4 should be confirmed: %v", err)
	}
}

func TestQueuePredictionByRepetition(t *testing.T) {
	q := NewQueue(1, nil)
	addSequential(t, q, 0, 2, []byte{9})

	// Frames past the newest confirmed entry repeat it.
	for f := Frame(3); f <= 6; f++ {
		in, err := q.Input(f)
		if err != nil {
			t.Fatal(err)
		}
		if in.Bits[0] != 9 {
			t.Errorf("frame %d predicted %d, want 9", f, in.Bits[0])
		}
	}
}

func TestQueueDefaultPredictionBeforeFirstInput(t *testing.T) {
	q := NewQueue(1, []byte{42})
	in, err := q.Input(0)
	if err != nil {
		t.Fatal(err)
	}
	if in.Bits[0] != 42 {
		t.Errorf("frame 0 predicted %d, want default 42", in.Bits[0])
	}
}

func TestQueueMispredictionDetected(t *testing.T) {
	q := NewQueue(1, nil)
	addSequential(t, q, 0, 1, []byte{5})

	// Predict frames 2..4 off the last input (5).
	for f := Frame(2); f <= 4; f++ {
		if _, err := q.Input(f); err != nil {
			t.Fatal(err)
		}
	}
	// Real data arrives: frame 2 matches, frame 3 does not.
	if _, err := q.AddInput(New(2, []byte{5})); err != nil {
		t.Fatal(err)
	}
	if got := q.FirstIncorrectFrame(); got != NullFrame {
		t.Fatalf("correct guess flagged as misprediction at %d", got)
	}
	if _, err := q.AddInput(New(3, []byte{6})); err != nil {
		t.Fatal(err)
	}
	if got := q.FirstIncorrectFrame(); got != 3 {
		t.Fatalf("first incorrect frame = %d, want 3", got)
	}

	q.ResetPrediction()
	if got := q.FirstIncorrectFrame(); got != NullFrame {
		t.Fatalf("reset left first incorrect frame at %d", got)
	}
	in, err := q.Input(3)
	if err != nil {
		t.Fatal(err)
	}
	if in.Bits[0] != 6 {
		t.Errorf("after reset frame 3 = %d, want confirmed 6", in.Bits[0])
	}
}

func TestQueueFrameDelayShiftsInputs(t *testing.T) {
	q := NewQueue(1, nil)
	q.SetFrameDelay(2)

	landed, err := q.AddInput(New(0, []byte{1}))
	if err != nil {
		t.Fatal(err)
	}
	if landed != 2 {
		t.Fatalf("input landed on frame %d, want 2", landed)
	}
	// The padded frames before it hold the default input.
	for f := Frame(0); f < 2; f++ {
		in, err := q.ConfirmedInput(f)
		if err != nil {
			t.Fatalf("padded frame %d not confirmed: %v", f, err)
		}
		if in.Bits[0] != 0 {
			t.Errorf("padded frame %d = %d, want default 0", f, in.Bits[0])
		}
	}
}

func TestQueueRejectsNonSequentialAdds(t *testing.T) {
	q := NewQueue(1, nil)
	addSequential(t, q, 0, 0, []byte{1})
	if _, err := q.AddInput(New(2, []byte{1})); err == nil {
		t.Error("expected error for skipped frame")
	}
}

func TestQueueDiscardKeepsRequestedFrames(t *testing.T) {
	q := NewQueue(1, nil)
	addSequential(t, q, 0, 10, []byte{3})

	if _, err := q.Input(8); err != nil {
		t.Fatal(err)
	}
	// Asking to discard through frame 10 must keep frame 8 reachable.
	q.DiscardConfirmedFrames(10)
	if _, err := q.Input(8); err != nil {
		t.Errorf("frame 8 discarded although still requested: %v", err)
	}
	if _, err := q.Input(7); err == nil {
		t.Error("frame 7 should have been discarded")
	}
}
