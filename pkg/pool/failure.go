package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Classification of an upstream outcome reported after a request.
type Classification string

const (
	ClassTransient      Classification = "transient"
	ClassRateLimited    Classification = "rate_limited"
	ClassAuthRejected   Classification = "auth_rejected"
	ClassQuotaExhausted Classification = "quota_exhausted"
	ClassUnknown        Classification = "unknown"
)

// FailureThresholds tunes the automatic cooldown and disable behavior.
type FailureThresholds struct {
	// StreakWindow consecutive failures trigger StreakCooldown.
	StreakWindow int
	// StreakCooldown applied when a failure streak fires.
	StreakCooldown time.Duration
	// DisableThreshold total failures disable the credential outright.
	DisableThreshold int64
	// RateLimitCooldown applied on a rate_limited outcome.
	RateLimitCooldown time.Duration
	// QuotaCooldown applied on a quota_exhausted outcome.
	QuotaCooldown time.Duration
}

// DefaultFailureThresholds returns the stock tuning.
func DefaultFailureThresholds() FailureThresholds {
	return FailureThresholds{
		StreakWindow:      5,
		StreakCooldown:    5 * time.Minute,
		DisableThreshold:  20,
		RateLimitCooldown: time.Minute,
		QuotaCooldown:     30 * time.Minute,
	}
}

func (t FailureThresholds) withDefaults() FailureThresholds {
	d := DefaultFailureThresholds()
	if t.StreakWindow <= 0 {
		t.StreakWindow = d.StreakWindow
	}
	if t.StreakCooldown <= 0 {
		t.StreakCooldown = d.StreakCooldown
	}
	if t.DisableThreshold <= 0 {
		t.DisableThreshold = d.DisableThreshold
	}
	if t.RateLimitCooldown <= 0 {
		t.RateLimitCooldown = d.RateLimitCooldown
	}
	if t.QuotaCooldown <= 0 {
		t.QuotaCooldown = d.QuotaCooldown
	}
	return t
}

// Reporter translates upstream outcomes into counter updates, cooldowns and
// auto-disables. It is a sink: it never returns errors, and reports against
// unknown ids are dropped.
type Reporter struct {
	store  *Store
	logger *zap.Logger
	th     FailureThresholds

	mu      sync.Mutex
	streaks map[int64]int
}

// NewReporter creates a Reporter; zero threshold fields fall back to the
// defaults.
func NewReporter(store *Store, th FailureThresholds, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		store:   store,
		logger:  logger,
		th:      th.withDefaults(),
		streaks: make(map[int64]int),
	}
}

// ReportSuccess records a successful upstream call.
func (r *Reporter) ReportSuccess(id int64) {
	r.mu.Lock()
	delete(r.streaks, id)
	r.mu.Unlock()

	if _, err := r.store.mutate(id, func(c *Credential) error {
		c.SuccessCount++
		return nil
	}); err != nil {
		r.logger.Debug("success report dropped", zap.Int64("id", id), zap.Error(err))
	}
}

// ReportFailure records a failed upstream call and applies the policy for
// its classification.
func (r *Reporter) ReportFailure(id int64, class Classification) {
	r.mu.Lock()
	r.streaks[id]++
	streak := r.streaks[id]
	r.mu.Unlock()

	now := r.store.now()
	var event string

	post, err := r.store.mutate(id, func(c *Credential) error {
		c.FailureCount++

		switch class {
		case ClassAuthRejected:
			if !c.Disabled {
				c.Disabled = true
				c.DisabledReason = ReasonAuthRejected
				event = EventDisabled
			}

		case ClassQuotaExhausted:
			if extendCooldown(c, now.Add(r.th.QuotaCooldown)) {
				event = EventCooldown
			}

		case ClassRateLimited:
			if extendCooldown(c, now.Add(r.th.RateLimitCooldown)) {
				event = EventCooldown
			}

		default: // transient, unknown
			if c.FailureCount >= r.th.DisableThreshold {
				if !c.Disabled {
					c.Disabled = true
					c.DisabledReason = ReasonFailureThreshold
					event = EventDisabled
				}
			} else if c.FailureCount >= int64(r.th.StreakWindow) && streak >= r.th.StreakWindow {
				if extendCooldown(c, now.Add(r.th.StreakCooldown)) {
					event = EventCooldown
				}
				r.mu.Lock()
				delete(r.streaks, id)
				r.mu.Unlock()
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Debug("failure report dropped", zap.Int64("id", id), zap.Error(err))
		return
	}

	if event != "" {
		r.store.emit(event, post)
		r.logger.Warn("credential penalized",
			zap.Int64("id", id),
			zap.String("classification", string(class)),
			zap.Bool("disabled", post.Disabled),
			zap.Int64("failureCount", post.FailureCount))
	}
}

// Reset clears the failure counter, any cooldown, and the in-memory streak.
// It does not re-enable a disabled credential.
func (r *Reporter) Reset(id int64) error {
	r.mu.Lock()
	delete(r.streaks, id)
	r.mu.Unlock()
	return r.store.ResetFailure(id)
}

// extendCooldown pushes cooldownUntil forward to until, never shortening an
// existing window, and never cooling a disabled credential. Reports whether
// the window changed.
func extendCooldown(c *Credential, until time.Time) bool {
	if c.Disabled {
		return false
	}
	if c.CooldownUntil != nil && c.CooldownUntil.After(until) {
		return false
	}
	c.CooldownUntil = &until
	return true
}
