package supervisor

import "time"

const (
	DefaultCrashThreshold = 5
	DefaultBackoffBase    = 5 * time.Second
	DefaultBackoffCap     = 5 * time.Minute
	DefaultStableAfter    = 10 * time.Minute
	DefaultResumeFlag     = "--resume"
)

// Policy holds the restart tuning.
type Policy struct {
	// CrashThreshold is the number of consecutive crashes that puts the
	// supervisor in safe mode.
	CrashThreshold int

	// BackoffBase is the cooldown after the first crash; each further crash
	// doubles it up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// StableAfter is the uptime after which a crash no longer counts as part
	// of a crash loop. Zero disables the reset.
	StableAfter time.Duration
}

// DefaultPolicy returns the default restart policy.
func DefaultPolicy() Policy {
	return Policy{
		CrashThreshold: DefaultCrashThreshold,
		BackoffBase:    DefaultBackoffBase,
		BackoffCap:     DefaultBackoffCap,
		StableAfter:    DefaultStableAfter,
	}
}

func (p Policy) threshold() int {
	if p.CrashThreshold < 1 {
		return DefaultCrashThreshold
	}
	return p.CrashThreshold
}

// Delay returns the cooldown before the restart that follows the given
// crash count: BackoffBase * 2^(crashes-1), capped at BackoffCap.
func (p Policy) Delay(crashes int) time.Duration {
	base, limit := p.BackoffBase, p.BackoffCap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit <= 0 {
		limit = DefaultBackoffCap
	}
	if crashes < 1 {
		crashes = 1
	}
	d := base
	for i := 1; i < crashes; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}
