package auth

import (
	"strings"
	"time"
)

const (
	DefaultLockoutThreshold = 3
	DefaultLockoutDuration  = 24 * time.Hour
)

// LockoutPolicy derives lockout state from the failure counter. It has no
// side effects; callers persist the values it returns.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration

	exempt map[string]struct{}
}

func NewLockoutPolicy(threshold int, duration time.Duration, exempt []string) *LockoutPolicy {
	if threshold < 1 {
		threshold = DefaultLockoutThreshold
	}
	if duration <= 0 {
		duration = DefaultLockoutDuration
	}
	p := &LockoutPolicy{Threshold: threshold, Duration: duration, exempt: make(map[string]struct{}, len(exempt))}
	for _, e := range exempt {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			p.exempt[e] = struct{}{}
		}
	}
	return p
}

// IsLockedOut is true only while lockoutEnd lies strictly in the future.
func (p *LockoutPolicy) IsLockedOut(lockoutEnd *time.Time, now time.Time) bool {
	return lockoutEnd != nil && lockoutEnd.After(now)
}

// OnFailedAttempt returns the incremented counter and, once the counter
// reaches the threshold, a lockout end of now+Duration. Below the threshold
// the returned lockout end is nil.
func (p *LockoutPolicy) OnFailedAttempt(count int, now time.Time) (int, *time.Time) {
	count++
	if count >= p.Threshold {
		end := now.Add(p.Duration)
		return count, &end
	}
	return count, nil
}

func (p *LockoutPolicy) OnSuccessfulAttempt() (int, *time.Time) {
	return 0, nil
}

// IsExempt reports whether failures of this principal are never counted.
func (p *LockoutPolicy) IsExempt(identifier string) bool {
	_, ok := p.exempt[strings.ToLower(strings.TrimSpace(identifier))]
	return ok
}
