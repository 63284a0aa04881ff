package quota

import "github.com/classnote/backend/internal/audio"

// Event reports a threshold crossing after accounting a chunk of audio.
type Event int

const (
	EventNone Event = iota
	// EventWarning fires once, when remaining time first drops to the
	// warning threshold or below.
	EventWarning
	// EventExhausted fires once, when the stream has consumed all of the
	// remaining monthly budget.
	EventExhausted
)

// WarningThresholdSeconds is how much remaining time triggers quota_warning.
const WarningThresholdSeconds = 300.0

// Meter converts received audio bytes into consumed seconds and detects the
// warning and exhaustion thresholds against the budget snapshot taken at
// connection start. It is not safe for concurrent use; the socket read loop
// is its only caller.
type Meter struct {
	bytesPerSecond   float64
	remainingSeconds float64

	bytesReceived int64
	warned        bool
	exhausted     bool
}

// NewMeter builds a meter for PCM16LE mono audio at the given sample rate,
// bounded by the remaining seconds reported for the account.
func NewMeter(sampleRateHz int, remainingSeconds float64) *Meter {
	return &Meter{
		bytesPerSecond:   audio.BytesPerSecond(sampleRateHz),
		remainingSeconds: remainingSeconds,
	}
}

// AddBytes accounts a received chunk and returns the threshold event it
// crossed, if any. Exhaustion takes priority over the warning; each event
// fires at most once for the lifetime of the meter.
func (m *Meter) AddBytes(n int) Event {
	m.bytesReceived += int64(n)
	left := m.remainingSeconds - m.ConsumedSeconds()

	if !m.exhausted && left <= 0 {
		m.exhausted = true
		return EventExhausted
	}
	if !m.warned && !m.exhausted && left <= WarningThresholdSeconds {
		m.warned = true
		return EventWarning
	}
	return EventNone
}

// ConsumedSeconds reports how much audio time this stream has received.
func (m *Meter) ConsumedSeconds() float64 {
	return float64(m.bytesReceived) / m.bytesPerSecond
}

// BytesReceived reports the total payload bytes accounted so far.
func (m *Meter) BytesReceived() int64 { return m.bytesReceived }

// Exhausted reports whether the exhaustion threshold has been crossed.
func (m *Meter) Exhausted() bool { return m.exhausted }
