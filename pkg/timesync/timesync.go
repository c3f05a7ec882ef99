// Package timesync keeps peers' simulation clocks converged. Each side
// reports how far ahead of the other it believes itself to be (its frame
// advantage); the sliding-window average of both views yields an advisory
// number of frames the faster side should sit out.
package timesync

// DefaultWindowSize is how many per-frame advantage samples are averaged.
// Small enough to react within half a second at 60 fps, large enough to
// ride out jitter spikes.
const DefaultWindowSize = 30

// MaxFrameSkip caps a single recommendation so a noisy advantage reading
// can never stall a client for a noticeable stretch.
const MaxFrameSkip = 9

type TimeSync struct {
	local  []int32
	remote []int32
	idx    int
}

// New creates a TimeSync with the given sample window; windowSize <= 0
// selects DefaultWindowSize.
func New(windowSize int) *TimeSync {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &TimeSync{
		local:  make([]int32, windowSize),
		remote: make([]int32, windowSize),
	}
}

// AdvanceFrame records one frame's advantage pair: localAdvantage is the
// peer's estimated frame minus the local frame (positive while the peer runs
// ahead), remoteAdvantage is the peer's latest report of the inverse.
func (t *TimeSync) AdvanceFrame(localAdvantage, remoteAdvantage int32) {
	t.local[t.idx] = localAdvantage
	t.remote[t.idx] = remoteAdvantage
	t.idx = (t.idx + 1) % len(t.local)
}

// RecommendFrameDelay returns how many frames the local simulation should
// skip to let this peer catch up. Zero means stay on pace.
func (t *TimeSync) RecommendFrameDelay() int32 {
	var localSum, remoteSum int32
	for i := range t.local {
		localSum += t.local[i]
		remoteSum += t.remote[i]
	}
	n := int32(len(t.local))
	localAvg := float64(localSum) / float64(n)
	remoteAvg := float64(remoteSum) / float64(n)

	if localAvg >= remoteAvg {
		// The peer is at least as far ahead as we are; nothing to give back.
		return 0
	}
	// Split the difference: both sides compute this, so each closes half
	// the gap from its own point of view.
	skip := int32((remoteAvg-localAvg)/2.0 + 0.5)
	if skip > MaxFrameSkip {
		skip = MaxFrameSkip
	}
	return skip
}
