package input

import (
	"fmt"
)

// QueueLength bounds how many frames of history a queue retains. It must be
// larger than any usable prediction window plus input delay, so the ring can
// never wrap onto frames a rollback may still need.
const QueueLength = 128

// Queue is a frame-indexed ring buffer of one player's inputs. Entries added
// through AddInput are confirmed; frames requested past the newest confirmed
// entry are answered with a prediction that repeats the newest input (or the
// default input before anything arrived). When a confirmed input later lands
// on a predicted frame with different bits, the queue records the earliest
// such frame as a misprediction for the sync layer to roll back to.
type Queue struct {
	head, tail, length int
	firstFrame         bool

	lastUserAddedFrame  Frame
	lastAddedFrame      Frame
	firstIncorrectFrame Frame
	lastRequestedFrame  Frame

	frameDelay int
	inputSize  int

	inputs      [QueueLength]Input
	prediction  Input
	defaultBits []byte
}

// NewQueue creates a queue for inputs of the given size. The defaultInput is
// used for predictions before any real input arrived (frame 0 and the padded
// frames of an input delay); nil means all zeroes.
func NewQueue(inputSize int, defaultInput []byte) *Queue {
	def := make([]byte, inputSize)
	copy(def, defaultInput)
	return &Queue{
		firstFrame:          true,
		lastUserAddedFrame:  NullFrame,
		lastAddedFrame:      NullFrame,
		firstIncorrectFrame: NullFrame,
		lastRequestedFrame:  NullFrame,
		inputSize:           inputSize,
		prediction:          Input{Frame: NullFrame},
		defaultBits:         def,
	}
}

// SetFrameDelay sets how many frames a locally added input is shifted into
// the future before it takes effect.
func (q *Queue) SetFrameDelay(delay int) { q.frameDelay = delay }

// FirstIncorrectFrame returns the earliest frame whose predicted input turned
// out wrong, or NullFrame.
func (q *Queue) FirstIncorrectFrame() Frame { return q.firstIncorrectFrame }

// Length returns the number of retained confirmed entries.
func (q *Queue) Length() int { return q.length }

// ResetPrediction clears prediction state after the sync layer rolled back to
// (or before) the mispredicted frame and is about to resimulate with the
// now-confirmed inputs.
func (q *Queue) ResetPrediction() {
	q.prediction.Frame = NullFrame
	q.firstIncorrectFrame = NullFrame
	q.lastRequestedFrame = NullFrame
}

// AddInput appends the next sequential input, applying the configured frame
// delay. It returns the frame the input actually landed on, or NullFrame if
// the input was dropped because a shrinking delay already filled its slot.
func (q *Queue) AddInput(in Input) (Frame, error) {
	if in.Size != q.inputSize {
		return NullFrame, fmt.Errorf("input size %d does not match queue size %d", in.Size, q.inputSize)
	}
	if q.lastUserAddedFrame != NullFrame && in.Frame != q.lastUserAddedFrame+1 {
		return NullFrame, fmt.Errorf("non-sequential input: frame %d after %d", in.Frame, q.lastUserAddedFrame)
	}
	q.lastUserAddedFrame = in.Frame

	newFrame := q.advanceQueueHead(in.Frame)
	if newFrame != NullFrame {
		q.addDelayedInput(in, newFrame)
	}
	return newFrame, nil
}

// Input returns the best-known input for the requested frame: the confirmed
// value if the queue has one, otherwise a prediction repeating the newest
// confirmed input.
func (q *Queue) Input(requestedFrame Frame) (Input, error) {
	if q.firstIncorrectFrame != NullFrame && requestedFrame >= q.firstIncorrectFrame {
		return Input{}, fmt.Errorf("frame %d requested past unhandled misprediction at %d",
			requestedFrame, q.firstIncorrectFrame)
	}
	if q.length > 0 && q.inputs[q.tail].Frame > requestedFrame {
		return Input{}, fmt.Errorf("frame %d already discarded, oldest retained is %d",
			requestedFrame, q.inputs[q.tail].Frame)
	}
	q.lastRequestedFrame = requestedFrame

	if q.prediction.Frame == NullFrame {
		offset := int(requestedFrame - q.inputs[q.tail].Frame)
		if q.length > 0 && offset < q.length {
			pos := (offset + q.tail) % QueueLength
			return q.inputs[pos].clone(), nil
		}
		// No confirmed data for this frame yet. Predict by repeating the
		// newest input, or the default if nothing ever arrived.
		if requestedFrame == 0 || q.lastAddedFrame == NullFrame {
			q.prediction = New(NullFrame, q.defaultBits)
		} else {
			q.prediction = q.inputs[(q.head+QueueLength-1)%QueueLength].clone()
		}
		// prediction.Frame now tracks the next frame expected to arrive.
		q.prediction.Frame++
	}

	out := q.prediction.clone()
	out.Frame = requestedFrame
	return out, nil
}

// ConfirmedInput returns the authoritative input at the frame. It fails if
// the frame is not confirmed yet or sits at or past a pending misprediction.
func (q *Queue) ConfirmedInput(requestedFrame Frame) (Input, error) {
	if q.firstIncorrectFrame != NullFrame && requestedFrame >= q.firstIncorrectFrame {
		return Input{}, fmt.Errorf("confirmed frame %d requested past misprediction at %d",
			requestedFrame, q.firstIncorrectFrame)
	}
	pos := int(requestedFrame) % QueueLength
	if q.inputs[pos].Frame != requestedFrame {
		return Input{}, fmt.Errorf("no confirmed input for frame %d", requestedFrame)
	}
	return q.inputs[pos].clone(), nil
}

// DiscardConfirmedFrames drops entries up to and including the given frame.
// Frames at or after the last requested frame are always kept, since a
// rollback may still need them.
func (q *Queue) DiscardConfirmedFrames(frame Frame) {
	if frame < 0 || q.length == 0 {
		return
	}
	if q.lastRequestedFrame != NullFrame && frame >= q.lastRequestedFrame {
		frame = q.lastRequestedFrame - 1
		if frame < 0 {
			return
		}
	}
	if frame >= q.lastAddedFrame {
		q.tail = q.head
		q.length = 0
		return
	}
	offset := int(frame - q.inputs[q.tail].Frame + 1)
	if offset <= 0 {
		return
	}
	q.tail = (q.tail + offset) % QueueLength
	q.length -= offset
}

// advanceQueueHead maps the user frame to its delayed slot, padding any gap
// produced by a grown frame delay with repeats of the newest input.
func (q *Queue) advanceQueueHead(frame Frame) Frame {
	expected := Frame(0)
	if !q.firstFrame {
		expected = q.inputs[(q.head+QueueLength-1)%QueueLength].Frame + 1
	}
	frame += Frame(q.frameDelay)
	if expected > frame {
		// Delay shrank; the slot is already filled, drop this input.
		return NullFrame
	}
	for expected < frame {
		var repeat Input
		if q.firstFrame {
			repeat = New(NullFrame, q.defaultBits)
		} else {
			repeat = q.inputs[(q.head+QueueLength-1)%QueueLength].clone()
		}
		q.addDelayedInput(repeat, expected)
		expected++
	}
	return frame
}

func (q *Queue) addDelayedInput(in Input, frame Frame) {
	entry := in.clone()
	entry.Frame = frame
	q.inputs[q.head] = entry
	q.head = (q.head + 1) % QueueLength
	if q.length == QueueLength {
		// Ring is full; sacrifice the oldest entry to keep the no-gap
		// invariant. Cannot happen while the prediction window is honored.
		q.tail = (q.tail + 1) % QueueLength
	} else {
		q.length++
	}
	q.firstFrame = false
	q.lastAddedFrame = frame

	if q.prediction.Frame != NullFrame {
		// The frame was handed out as a prediction; check the guess.
		if q.firstIncorrectFrame == NullFrame && !q.prediction.Equal(entry, true) {
			q.firstIncorrectFrame = frame
		}
		if q.prediction.Frame == q.lastRequestedFrame && q.firstIncorrectFrame == NullFrame {
			// Caught up with no wrong guesses; stop predicting.
			q.prediction.Frame = NullFrame
		} else {
			q.prediction.Frame++
		}
	}
}
