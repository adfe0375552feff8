// Package cloudpass manages the designated cloud-pass credential: the one
// credential that overrides the selector whenever it is eligible. A
// background worker keeps its access token warm and records refresh health
// for the admin status surface.
package cloudpass

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/papercomputeco/switchboard/pkg/pool"
)

const defaultInterval = 15 * time.Minute

// TokenRefresher is the slice of the refresh coordinator the worker needs.
type TokenRefresher interface {
	ForceRefresh(ctx context.Context, id int64) (string, time.Time, error)
}

// Status is the admin projection of the cloud-pass credential and its
// keep-fresh worker.
type Status struct {
	Enabled             bool                   `json:"enabled"`
	CredentialID        int64                  `json:"credentialId,omitempty"`
	Eligible            bool                   `json:"eligible"`
	RefreshIntervalSecs int64                  `json:"refreshIntervalSeconds,omitempty"`
	LastRefreshAt       *time.Time             `json:"lastRefreshAt,omitempty"`
	LastRefreshOK       bool                   `json:"lastRefreshOk"`
	LastRefreshError    string                 `json:"lastRefreshError,omitempty"`
	RefreshSuccessCount int64                  `json:"refreshSuccessCount"`
	RefreshFailureCount int64                  `json:"refreshFailureCount"`
	Credential          *pool.CredentialStatus `json:"credential,omitempty"`
}

// Config configures a Worker.
type Config struct {
	Store     *pool.Store
	Refresher TokenRefresher
	Logger    *zap.Logger

	// CredentialID is the pinned credential. 0 disables cloud pass.
	CredentialID int64

	// Interval between background refreshes. Defaults to 15 minutes.
	Interval time.Duration
}

// Worker keeps the cloud-pass credential's token warm on a schedule and
// serves its status.
type Worker struct {
	store        *pool.Store
	refresher    TokenRefresher
	logger       *zap.Logger
	credentialID int64
	interval     time.Duration
	cron         *cron.Cron

	mu           sync.Mutex
	lastAt       *time.Time
	lastOK       bool
	lastError    string
	successCount int64
	failureCount int64
}

// NewWorker creates a Worker. The schedule does not run until Start.
func NewWorker(cfg *Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Worker{
		store:        cfg.Store,
		refresher:    cfg.Refresher,
		logger:       logger,
		credentialID: cfg.CredentialID,
		interval:     interval,
	}
}

// Enabled reports whether a cloud-pass credential is configured.
func (w *Worker) Enabled() bool {
	return w.credentialID != 0
}

// CredentialID returns the pinned credential id, 0 when disabled.
func (w *Worker) CredentialID() int64 {
	return w.credentialID
}

// Start schedules the background keep-fresh job. No-op when disabled.
func (w *Worker) Start() error {
	if !w.Enabled() {
		return nil
	}

	w.cron = cron.New()
	spec := fmt.Sprintf("@every %s", w.interval)
	if _, err := w.cron.AddFunc(spec, w.tick); err != nil {
		return fmt.Errorf("scheduling cloud pass refresh: %w", err)
	}
	w.cron.Start()

	w.logger.Info("cloud pass worker started",
		zap.Int64("credentialId", w.credentialID),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (w *Worker) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
}

func (w *Worker) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := w.RefreshNow(ctx); err != nil {
		w.logger.Warn("cloud pass refresh failed",
			zap.Int64("credentialId", w.credentialID),
			zap.Error(err))
	}
}

// RefreshNow force-refreshes the pinned credential and records the outcome.
func (w *Worker) RefreshNow(ctx context.Context) error {
	if !w.Enabled() {
		return pool.Precondition("cloud pass is not configured")
	}

	_, _, err := w.refresher.ForceRefresh(ctx, w.credentialID)

	now := time.Now()
	w.mu.Lock()
	w.lastAt = &now
	if err != nil {
		w.lastOK = false
		w.lastError = err.Error()
		w.failureCount++
	} else {
		w.lastOK = true
		w.lastError = ""
		w.successCount++
	}
	w.mu.Unlock()

	return err
}

// Status returns the cloud-pass projection for the admin surface.
func (w *Worker) Status() Status {
	st := Status{
		Enabled:      w.Enabled(),
		CredentialID: w.credentialID,
	}
	if !st.Enabled {
		return st
	}

	st.RefreshIntervalSecs = int64(w.interval / time.Second)

	w.mu.Lock()
	if w.lastAt != nil {
		t := *w.lastAt
		st.LastRefreshAt = &t
	}
	st.LastRefreshOK = w.lastOK
	st.LastRefreshError = w.lastError
	st.RefreshSuccessCount = w.successCount
	st.RefreshFailureCount = w.failureCount
	w.mu.Unlock()

	if cred, err := w.store.Get(w.credentialID); err == nil {
		status := cred.Status()
		st.Credential = &status
		st.Eligible = cred.Eligible(time.Now())
	}

	return st
}
