package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Lifecycle event kinds reported through the store's event hook.
const (
	EventAdded    = "credential.added"
	EventDeleted  = "credential.deleted"
	EventDisabled = "credential.disabled"
	EventEnabled  = "credential.enabled"
	EventCooldown = "credential.cooldown"
)

// Validator checks a new credential against the upstream before the store
// commits it. The refresh coordinator implements this by performing a real
// token refresh; a failed refresh aborts the add with the refresh error.
type Validator interface {
	ValidateNew(ctx context.Context, cred *Credential) error
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path of the persisted pool file.
	Path string

	Logger *zap.Logger

	// DefaultMachineID is stamped on added credentials that carry none.
	// When empty, MachineIDFn derives one from the host.
	DefaultMachineID string

	// MachineIDFn derives a machine id for new credentials. Required when
	// DefaultMachineID is empty.
	MachineIDFn func() (string, error)

	// Clock overrides time.Now, for tests.
	Clock func() time.Time

	// OnEvent, when set, receives a lifecycle event kind and the affected
	// credential after each state change. Called outside the store lock.
	OnEvent func(kind string, cred *Credential)
}

// Store owns the authoritative in-memory credential list. All mutations
// funnel through it; each one re-establishes the pool invariants and
// schedules a persistence write of the post-image.
type Store struct {
	logger           *zap.Logger
	saver            *fileSaver
	path             string
	defaultMachineID string
	machineIDFn      func() (string, error)
	now              func() time.Time
	onEvent          func(kind string, cred *Credential)

	validatorMu sync.Mutex
	validator   Validator

	mu    sync.RWMutex
	creds []*Credential
}

// Open loads the pool file (tolerating the legacy single-object shape and
// backing up unreadable files) and returns a running store.
func Open(cfg *StoreConfig) (*Store, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("pool: store path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	creds, err := LoadFile(cfg.Path, logger)
	if err != nil {
		return nil, err
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	s := &Store{
		logger:           logger,
		saver:            newFileSaver(cfg.Path, logger),
		path:             cfg.Path,
		defaultMachineID: cfg.DefaultMachineID,
		machineIDFn:      cfg.MachineIDFn,
		now:              now,
		onEvent:          cfg.OnEvent,
		creds:            creds,
	}

	logger.Info("credential pool loaded",
		zap.String("path", cfg.Path),
		zap.Int("credentials", len(creds)))

	return s, nil
}

// SetValidator installs the refresh coordinator used to validate adds. Set
// once during wiring; adds fail until it is present.
func (s *Store) SetValidator(v Validator) {
	s.validatorMu.Lock()
	s.validator = v
	s.validatorMu.Unlock()
}

// Close flushes any pending persistence write.
func (s *Store) Close() {
	s.saver.Close()
}

// List returns a copy of every credential.
func (s *Store) List() []*Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Get returns a copy of the credential with the given id.
func (s *Store) Get(id int64) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.findLocked(id)
	if c == nil {
		return nil, NotFound(id)
	}
	return c.Clone(), nil
}

// Add validates and commits a new credential. The refresh token must be
// unique across the pool (disabled credentials included); region and
// machineId are derived when absent; the credential is refreshed against
// the upstream before it is committed, and a refresh failure aborts the add
// with that error unchanged.
func (s *Store) Add(ctx context.Context, cred *Credential) (int64, error) {
	if cred == nil {
		return 0, Conflict("credential is required")
	}

	c := cred.Clone()
	c.RefreshToken = strings.TrimSpace(c.RefreshToken)
	if c.RefreshToken == "" {
		return 0, Conflict("refreshToken is required")
	}

	switch c.AuthMethod {
	case AuthMethodIDC:
		if c.ClientID == "" || c.ClientSecret == "" {
			return 0, Conflict("idc credentials require clientId and clientSecret")
		}
	case AuthMethodBuilderID, AuthMethodSocial:
	default:
		return 0, Conflict(fmt.Sprintf("unknown authMethod %q", c.AuthMethod))
	}

	if s.hasRefreshToken(c.RefreshToken, 0) {
		return 0, Conflict("duplicate refreshToken")
	}

	if c.Region == "" {
		c.Region = c.EffectiveRegion()
	}

	if c.MachineID == "" {
		if s.defaultMachineID != "" {
			c.MachineID = s.defaultMachineID
		} else if s.machineIDFn != nil {
			mid, err := s.machineIDFn()
			if err != nil {
				return 0, fmt.Errorf("deriving machineId: %w", err)
			}
			c.MachineID = mid
		}
	}

	// New credentials start clean regardless of what the caller sent.
	c.ID = 0
	c.Disabled = false
	c.DisabledReason = ""
	c.FailureCount = 0
	c.SuccessCount = 0
	c.LastUsedAt = nil
	c.CooldownUntil = nil

	s.validatorMu.Lock()
	v := s.validator
	s.validatorMu.Unlock()
	if v == nil {
		return 0, fmt.Errorf("pool: no credential validator installed")
	}
	if err := v.ValidateNew(ctx, c); err != nil {
		return 0, err
	}

	s.mu.Lock()
	// Re-check: a racing add may have landed while we were refreshing.
	if s.hasRefreshTokenLocked(c.RefreshToken, 0) {
		s.mu.Unlock()
		return 0, Conflict("duplicate refreshToken")
	}
	c.ID = s.maxIDLocked() + 1
	s.creds = append(s.creds, c)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.saver.Schedule(snapshot)
	s.emit(EventAdded, c)

	s.logger.Info("credential added",
		zap.Int64("id", c.ID),
		zap.String("authMethod", c.AuthMethod),
		zap.String("region", c.Region),
		zap.String("refreshToken", MaskToken(c.RefreshToken)))

	return c.ID, nil
}

// Delete removes a credential. Only disabled credentials may be deleted;
// this is the safety rail against dropping a live identity.
func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	idx := -1
	for i, c := range s.creds {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return NotFound(id)
	}
	if !s.creds[idx].Disabled {
		s.mu.Unlock()
		return Precondition("must disable first")
	}
	removed := s.creds[idx]
	s.creds = append(s.creds[:idx], s.creds[idx+1:]...)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.saver.Schedule(snapshot)
	s.emit(EventDeleted, removed)

	s.logger.Info("credential deleted", zap.Int64("id", id))
	return nil
}

// SetDisabled flips the disabled flag. Disabling clears any cooldown (the
// two mechanisms do not compose) and records the reason; enabling clears
// the recorded reason.
func (s *Store) SetDisabled(id int64, disabled bool, reason string) error {
	var event string
	post, err := s.mutate(id, func(c *Credential) error {
		if c.Disabled == disabled {
			return nil
		}
		c.Disabled = disabled
		if disabled {
			c.CooldownUntil = nil
			c.DisabledReason = reason
			event = EventDisabled
		} else {
			c.DisabledReason = ""
			event = EventEnabled
		}
		return nil
	})
	if err == nil && event != "" {
		s.emit(event, post)
	}
	return err
}

// SetPriority updates the selection priority (lower wins).
func (s *Store) SetPriority(id int64, priority int) error {
	if priority < 0 {
		return Conflict("priority must be non-negative")
	}
	_, err := s.mutate(id, func(c *Credential) error {
		c.Priority = priority
		return nil
	})
	return err
}

// SetProxyURL sets or clears the per-credential outbound proxy.
func (s *Store) SetProxyURL(id int64, proxyURL string) error {
	if proxyURL != "" {
		if _, err := url.Parse(proxyURL); err != nil {
			return Conflict(fmt.Sprintf("invalid proxyUrl: %v", err))
		}
	}
	_, err := s.mutate(id, func(c *Credential) error {
		c.ProxyURL = proxyURL
		return nil
	})
	return err
}

// ResetFailure zeroes the failure counter and clears any cooldown. It does
// not re-enable a disabled credential.
func (s *Store) ResetFailure(id int64) error {
	_, err := s.mutate(id, func(c *Credential) error {
		c.FailureCount = 0
		c.CooldownUntil = nil
		return nil
	})
	return err
}

// ApplyRefresh commits the outcome of a successful token refresh. A rotated
// refresh token replaces the stored one unless it would collide with
// another credential, in which case the rotation is dropped and logged.
func (s *Store) ApplyRefresh(id int64, accessToken string, expiresAt time.Time, rotatedRefreshToken string) error {
	var droppedRotation bool
	_, err := s.mutate(id, func(c *Credential) error {
		c.AccessToken = accessToken
		c.ExpiresAt = &expiresAt
		if rotatedRefreshToken != "" && rotatedRefreshToken != c.RefreshToken {
			if s.hasRefreshTokenLocked(rotatedRefreshToken, id) {
				droppedRotation = true
			} else {
				c.RefreshToken = rotatedRefreshToken
			}
		}
		return nil
	})
	if droppedRotation {
		s.logger.Warn("rotated refreshToken collides with another credential, keeping old token",
			zap.Int64("id", id))
	}
	return err
}

// SetEnrichment stashes opportunistic upstream metadata. Empty values leave
// the existing ones in place.
func (s *Store) SetEnrichment(id int64, subscriptionTitle, email string) error {
	_, err := s.mutate(id, func(c *Credential) error {
		if subscriptionTitle != "" {
			c.SubscriptionTitle = subscriptionTitle
		}
		if email != "" {
			c.Email = email
		}
		return nil
	})
	return err
}

// Snapshot returns a deep copy of the pool.
func (s *Store) Snapshot() []*Credential {
	return s.List()
}

// ReloadFromDisk re-reads the pool file and swaps the in-memory pool when
// the file differs from the current state. The file watcher calls this when
// an outside writer (the license-refresher helper) updates the file; our
// own saves produce identical content and no-op here.
func (s *Store) ReloadFromDisk() error {
	loaded, err := LoadFile(s.path, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if poolEqual(s.creds, loaded) {
		return nil
	}

	s.logger.Info("pool file changed on disk, reloading",
		zap.Int("before", len(s.creds)),
		zap.Int("after", len(loaded)))
	s.creds = loaded
	return nil
}

// mutate applies fn to the stored credential under the exclusive lock,
// re-establishes invariants, and schedules persistence. Returns a clone of
// the post-image for callers that emit events.
func (s *Store) mutate(id int64, fn func(c *Credential) error) (*Credential, error) {
	s.mu.Lock()
	c := s.findLocked(id)
	if c == nil {
		s.mu.Unlock()
		return nil, NotFound(id)
	}
	if err := fn(c); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if c.Disabled {
		c.CooldownUntil = nil
	}
	if c.FailureCount < 0 {
		c.FailureCount = 0
	}
	if c.SuccessCount < 0 {
		c.SuccessCount = 0
	}
	post := c.Clone()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.saver.Schedule(snapshot)
	return post, nil
}

func (s *Store) emit(kind string, c *Credential) {
	if s.onEvent == nil || kind == "" {
		return
	}
	s.onEvent(kind, c.Clone())
}

func (s *Store) findLocked(id int64) *Credential {
	for _, c := range s.creds {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) maxIDLocked() int64 {
	var max int64
	for _, c := range s.creds {
		if c.ID > max {
			max = c.ID
		}
	}
	return max
}

func (s *Store) hasRefreshToken(token string, excludeID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasRefreshTokenLocked(token, excludeID)
}

func (s *Store) hasRefreshTokenLocked(token string, excludeID int64) bool {
	for _, c := range s.creds {
		if c.ID != excludeID && c.RefreshToken == token {
			return true
		}
	}
	return false
}

func (s *Store) snapshotLocked() []*Credential {
	out := make([]*Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c.Clone())
	}
	return out
}

func poolEqual(a, b []*Credential) bool {
	if len(a) != len(b) {
		return false
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
