// Package transcript accumulates recognition results into ordered segments.
// Each recording take on a session keeps its own segment list; re-recording a
// take replaces its segments without touching earlier takes.
package transcript

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/classnote/backend/internal/audio"
)

// Segment is one confirmed utterance within a session's transcript.
type Segment struct {
	ID             string  `json:"id"`
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	StartMs        int64   `json:"startMs"`
	EndMs          int64   `json:"endMs"`
	SegmentIndex   int     `json:"segmentIndex"`   // recording take this segment belongs to
	SourceSequence uint32  `json:"sourceSequence"` // last audio frame seq when finalized
}

// Accumulator collects final segments for a single recording take while the
// stream is live. It is only touched from the recognition event goroutine.
type Accumulator struct {
	takeIndex   int
	bytesPerSec float64
	segments    []Segment
	partial     string
	lastEndMs   int64
}

// NewAccumulator builds an accumulator for one take. Timing is estimated from
// received audio bytes at the stream's sample rate.
func NewAccumulator(takeIndex, sampleRateHz int) *Accumulator {
	return &Accumulator{
		takeIndex:   takeIndex,
		bytesPerSec: audio.BytesPerSecond(sampleRateHz),
	}
}

// AddFinal appends a confirmed segment. The segment spans from the previous
// segment's end to the position implied by bytesReceived, clamped so ranges
// stay monotonic. Empty text clears the pending partial but adds nothing.
func (a *Accumulator) AddFinal(text string, confidence float64, bytesReceived int64, seq uint32) {
	a.partial = ""
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	endMs := int64(float64(bytesReceived) / a.bytesPerSec * 1000)
	if endMs < a.lastEndMs {
		endMs = a.lastEndMs
	}

	a.segments = append(a.segments, Segment{
		ID:             uuid.NewString(),
		Text:           text,
		Confidence:     confidence,
		StartMs:        a.lastEndMs,
		EndMs:          endMs,
		SegmentIndex:   a.takeIndex,
		SourceSequence: seq,
	})
	a.lastEndMs = endMs
}

// SetPartial replaces the unconfirmed tail. Partials never become segments;
// the next final result supersedes them.
func (a *Accumulator) SetPartial(text string) {
	a.partial = strings.TrimSpace(text)
}

// Partial returns the current unconfirmed tail, which may be empty.
func (a *Accumulator) Partial() string { return a.partial }

// Segments returns the confirmed segments in arrival order.
func (a *Accumulator) Segments() []Segment { return a.segments }

// TakeIndex returns the recording take this accumulator belongs to.
func (a *Accumulator) TakeIndex() int { return a.takeIndex }

// Merge combines previously persisted segments with a fresh take: existing
// segments of takeIndex are dropped, fresh ones appended, and the result
// ordered by take then start time.
func Merge(existing, fresh []Segment, takeIndex int) []Segment {
	merged := make([]Segment, 0, len(existing)+len(fresh))
	for _, s := range existing {
		if s.SegmentIndex != takeIndex {
			merged = append(merged, s)
		}
	}
	merged = append(merged, fresh...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].SegmentIndex != merged[j].SegmentIndex {
			return merged[i].SegmentIndex < merged[j].SegmentIndex
		}
		return merged[i].StartMs < merged[j].StartMs
	})
	return merged
}

// FullText joins segment texts in order. Partials are excluded; they belong
// to the session's draft field only.
func FullText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, "\n")
}
