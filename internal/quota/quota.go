// Package quota tracks real-time streaming usage against a monthly budget.
// The authoritative monthly counters live in the store; this package only
// decides, frame by frame, when to warn the client and when to cut the stream.
package quota

// Report is the usage snapshot fetched once at connection start from the
// monthly quota bookkeeping. It is never refreshed mid-stream.
type Report struct {
	Plan             string  `json:"plan"`
	LimitSeconds     float64 `json:"limitSeconds"`
	UsedSeconds      float64 `json:"usedSeconds"`
	RemainingSeconds float64 `json:"remainingSeconds"`
	SessionLimit     int     `json:"sessionLimit"`
	SessionsStarted  int     `json:"sessionsStarted"`
	CanStart         bool    `json:"canStart"`
	ReasonIfBlocked  string  `json:"reasonIfBlocked,omitempty"`
}

// Plan limits per calendar month. Premium has no monthly seconds cap in
// practice; the per-session ticket window bounds individual streams instead.
const (
	FreeLimitSeconds    = 1800.0
	BasicLimitSeconds   = 7200.0
	PremiumLimitSeconds = 7200.0

	FreeSessionLimit  = 10
	BasicSessionLimit = 100
)

// NormalizePlan folds legacy plan aliases onto the three canonical tiers.
func NormalizePlan(plan string) string {
	switch plan {
	case "pro", "premium":
		return "premium"
	case "basic", "standard":
		return "basic"
	default:
		return "free"
	}
}

// PlanLimits returns the monthly seconds budget and session-start limit for a
// plan. A sessionLimit < 0 means unlimited.
func PlanLimits(plan string) (limitSeconds float64, sessionLimit int) {
	switch NormalizePlan(plan) {
	case "premium":
		return PremiumLimitSeconds, -1
	case "basic":
		return BasicLimitSeconds, BasicSessionLimit
	default:
		return FreeLimitSeconds, FreeSessionLimit
	}
}
