package refresh

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/papercomputeco/switchboard/pkg/pool"
)

// expiryWindow is the safety margin before expiresAt inside which a cached
// token is treated as stale.
const expiryWindow = 5 * time.Minute

// Config configures a Coordinator.
type Config struct {
	Store    *pool.Store
	Reporter *pool.Reporter
	Logger   *zap.Logger

	// OIDCEndpoint overrides the regional token endpoint (tests, private
	// partitions). Empty uses oidc.<region>.amazonaws.com.
	OIDCEndpoint string

	// UsageEndpoint overrides the regional usage/subscription endpoint.
	UsageEndpoint string

	// DefaultProxyURL routes upstream traffic for credentials without
	// their own proxyUrl.
	DefaultProxyURL string

	// DisableEnrichment turns off the post-refresh subscription fetch.
	DisableEnrichment bool

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

type refreshed struct {
	token     string
	expiresAt time.Time
}

// Coordinator hands out access tokens for pool credentials, refreshing
// through the upstream OIDC endpoint when the cached token is stale. For
// each credential at most one refresh is in flight: concurrent callers
// rendezvous on a single-flight group and all receive the leader's outcome.
type Coordinator struct {
	store    *pool.Store
	reporter *pool.Reporter
	logger   *zap.Logger
	oidc     *oidcClient
	usage    *usageClient
	enrich   bool
	now      func() time.Time

	group singleflight.Group
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg *Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	clients := newClientCache(cfg.DefaultProxyURL)
	return &Coordinator{
		store:    cfg.Store,
		reporter: cfg.Reporter,
		logger:   logger,
		oidc:     &oidcClient{endpoint: cfg.OIDCEndpoint, clients: clients},
		usage:    &usageClient{endpoint: cfg.UsageEndpoint, clients: clients},
		enrich:   !cfg.DisableEnrichment,
		now:      now,
	}
}

// AccessToken returns a usable access token for the credential, refreshing
// when the cached one is expired or inside the safety window.
func (c *Coordinator) AccessToken(ctx context.Context, id int64) (string, time.Time, error) {
	cred, err := c.store.Get(id)
	if err != nil {
		return "", time.Time{}, err
	}
	if cred.Disabled {
		return "", time.Time{}, pool.Precondition("credential is disabled")
	}
	if cred.TokenFresh(c.now(), expiryWindow) {
		return cred.AccessToken, *cred.ExpiresAt, nil
	}
	return c.refresh(ctx, id, false)
}

// ForceRefresh refreshes unconditionally, still deduplicated per credential.
func (c *Coordinator) ForceRefresh(ctx context.Context, id int64) (string, time.Time, error) {
	return c.refresh(ctx, id, true)
}

func (c *Coordinator) refresh(ctx context.Context, id int64, force bool) (string, time.Time, error) {
	// The flight runs on a context detached from the first caller so a
	// cancelled follower cannot poison the result every waiter shares.
	flightCtx := context.WithoutCancel(ctx)

	v, err, _ := c.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		cred, err := c.store.Get(id)
		if err != nil {
			return nil, err
		}
		if cred.Disabled {
			return nil, pool.Precondition("credential is disabled")
		}

		// A follower that raced in just behind a completed refresh reuses
		// the fresh token instead of refreshing again.
		if !force && cred.TokenFresh(c.now(), expiryWindow) {
			return &refreshed{token: cred.AccessToken, expiresAt: *cred.ExpiresAt}, nil
		}

		resp, err := c.oidc.refresh(flightCtx, cred)
		if err != nil {
			return nil, c.recordRefreshFailure(id, err)
		}

		expiresAt := c.now().Add(time.Duration(resp.ExpiresInSeconds) * time.Second)
		if aerr := c.store.ApplyRefresh(id, resp.AccessToken, expiresAt, resp.RefreshToken); aerr != nil {
			return nil, aerr
		}

		c.logger.Info("access token refreshed",
			zap.Int64("id", id),
			zap.Time("expiresAt", expiresAt))

		if c.enrich {
			go c.enrichCredential(id)
		}

		return &refreshed{token: resp.AccessToken, expiresAt: expiresAt}, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}

	r := v.(*refreshed)
	return r.token, r.expiresAt, nil
}

// recordRefreshFailure applies the side effects of a failed refresh and
// returns the error to surface. A permanent refusal disables the credential
// with the invalid_refresh_token tag before the failure count is bumped, so
// the reporter's auth_rejected path leaves that tag in place.
func (c *Coordinator) recordRefreshFailure(id int64, err error) error {
	if IsRejected(err) {
		if derr := c.store.SetDisabled(id, true, pool.ReasonInvalidRefreshToken); derr != nil {
			c.logger.Error("disabling credential after rejected refresh",
				zap.Int64("id", id), zap.Error(derr))
		}
		if c.reporter != nil {
			c.reporter.ReportFailure(id, pool.ClassAuthRejected)
		}
		c.logger.Warn("refresh token rejected by upstream, credential disabled",
			zap.Int64("id", id), zap.Error(err))
		return err
	}

	if c.reporter != nil {
		c.reporter.ReportFailure(id, pool.ClassTransient)
	}
	c.logger.Warn("token refresh failed", zap.Int64("id", id), zap.Error(err))
	return err
}

// ValidateNew refreshes a credential that is not yet in the store, filling
// in the token fields in place. Used by Store.Add: a refusal or transient
// failure aborts the add with this error unchanged.
func (c *Coordinator) ValidateNew(ctx context.Context, cred *pool.Credential) error {
	resp, err := c.oidc.refresh(ctx, cred)
	if err != nil {
		return err
	}

	expiresAt := c.now().Add(time.Duration(resp.ExpiresInSeconds) * time.Second)
	cred.AccessToken = resp.AccessToken
	cred.ExpiresAt = &expiresAt
	if resp.RefreshToken != "" {
		cred.RefreshToken = resp.RefreshToken
	}
	return nil
}

// EnrichAsync fetches subscription metadata for the credential in the
// background. Failures are ignored.
func (c *Coordinator) EnrichAsync(id int64) {
	go c.enrichCredential(id)
}

func (c *Coordinator) enrichCredential(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), usageTimeout)
	defer cancel()

	cred, err := c.store.Get(id)
	if err != nil || cred.AccessToken == "" {
		return
	}

	usage, err := c.usage.fetch(ctx, cred, cred.AccessToken)
	if err != nil {
		c.logger.Debug("subscription fetch skipped", zap.Int64("id", id), zap.Error(err))
		return
	}

	if err := c.store.SetEnrichment(id, usage.SubscriptionTitle, usage.Email); err != nil {
		c.logger.Debug("stashing subscription info", zap.Int64("id", id), zap.Error(err))
	}
}
