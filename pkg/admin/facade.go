// Package admin exposes the credential pool's management operations: a
// transactional facade over the store plus the HTTP surface that serves it.
package admin

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/switchboard/pkg/cloudpass"
	"github.com/papercomputeco/switchboard/pkg/pool"
	"github.com/papercomputeco/switchboard/pkg/refresh"
)

// balanceCacheTTL bounds how often a balance query hits the upstream.
const balanceCacheTTL = 5 * time.Minute

// Coordinator is the slice of the refresh coordinator the facade needs.
type Coordinator interface {
	Balance(ctx context.Context, id int64) (*refresh.Balance, error)
	EnrichAsync(id int64)
}

// Config configures a Facade.
type Config struct {
	Store     *pool.Store
	Selector  *pool.Selector
	Reporter  *pool.Reporter
	Refresher Coordinator
	CloudPass *cloudpass.Worker
	Logger    *zap.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Facade is the management API consumed by the admin HTTP layer. Every
// operation is transactional against the store.
type Facade struct {
	store     *pool.Store
	selector  *pool.Selector
	reporter  *pool.Reporter
	refresher Coordinator
	cloudPass *cloudpass.Worker
	logger    *zap.Logger
	now       func() time.Time

	balanceMu    sync.Mutex
	balanceCache map[int64]cachedBalance
}

type cachedBalance struct {
	at   time.Time
	data *refresh.Balance
}

// NewFacade creates a Facade.
func NewFacade(cfg *Config) *Facade {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Facade{
		store:        cfg.Store,
		selector:     cfg.Selector,
		reporter:     cfg.Reporter,
		refresher:    cfg.Refresher,
		cloudPass:    cfg.CloudPass,
		logger:       logger,
		now:          now,
		balanceCache: make(map[int64]cachedBalance),
	}
}

// PoolStatus is the list response: the pool totals and the public
// projection of every credential, sorted by priority then id.
type PoolStatus struct {
	Total       int                     `json:"total"`
	Available   int                     `json:"available"`
	Credentials []pool.CredentialStatus `json:"credentials"`
}

// List returns the pool status.
func (f *Facade) List() PoolStatus {
	creds := f.store.List()
	now := f.now()

	statuses := make([]pool.CredentialStatus, 0, len(creds))
	available := 0
	for _, c := range creds {
		if c.Eligible(now) {
			available++
		}
		statuses = append(statuses, c.Status())
	}

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Priority != statuses[j].Priority {
			return statuses[i].Priority < statuses[j].Priority
		}
		return statuses[i].ID < statuses[j].ID
	})

	return PoolStatus{
		Total:       len(creds),
		Available:   available,
		Credentials: statuses,
	}
}

// AddCredentialRequest is the add payload.
type AddCredentialRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
	AuthMethod   string `json:"authMethod" validate:"required,oneof=idc builder-id social"`
	ClientID     string `json:"clientId" validate:"required_if=AuthMethod idc"`
	ClientSecret string `json:"clientSecret" validate:"required_if=AuthMethod idc"`
	ProfileARN   string `json:"profileArn"`
	Region       string `json:"region"`
	MachineID    string `json:"machineId"`
	ProxyURL     string `json:"proxyUrl" validate:"omitempty,url"`
	Priority     int    `json:"priority" validate:"gte=0"`
}

// Add validates the credential against the upstream and commits it,
// returning the new id. Subscription metadata is fetched in the background.
func (f *Facade) Add(ctx context.Context, req AddCredentialRequest) (int64, error) {
	id, err := f.store.Add(ctx, &pool.Credential{
		RefreshToken: req.RefreshToken,
		AuthMethod:   req.AuthMethod,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		ProfileARN:   req.ProfileARN,
		Region:       req.Region,
		MachineID:    req.MachineID,
		ProxyURL:     req.ProxyURL,
		Priority:     req.Priority,
	})
	if err != nil {
		return 0, err
	}

	f.refresher.EnrichAsync(id)
	return id, nil
}

// Delete removes a credential; it must be disabled first.
func (f *Facade) Delete(id int64) error {
	return f.store.Delete(id)
}

// SetDisabled flips the disabled flag. Manual disables carry no reason tag.
func (f *Facade) SetDisabled(id int64, disabled bool) error {
	return f.store.SetDisabled(id, disabled, "")
}

// SetPriority updates the selection priority.
func (f *Facade) SetPriority(id int64, priority int) error {
	return f.store.SetPriority(id, priority)
}

// SetProxy sets or clears the per-credential outbound proxy.
func (f *Facade) SetProxy(id int64, proxyURL string) error {
	return f.store.SetProxyURL(id, proxyURL)
}

// ResetFailure zeroes failure accounting for the credential.
func (f *Facade) ResetFailure(id int64) error {
	return f.reporter.Reset(id)
}

// Balance returns the credential's usage headroom, cached for five minutes
// per credential to keep the admin UI from hammering the upstream.
func (f *Facade) Balance(ctx context.Context, id int64) (*refresh.Balance, error) {
	f.balanceMu.Lock()
	if cached, ok := f.balanceCache[id]; ok && f.now().Sub(cached.at) < balanceCacheTTL {
		f.balanceMu.Unlock()
		return cached.data, nil
	}
	f.balanceMu.Unlock()

	balance, err := f.refresher.Balance(ctx, id)
	if err != nil {
		return nil, err
	}

	f.balanceMu.Lock()
	f.balanceCache[id] = cachedBalance{at: f.now(), data: balance}
	f.balanceMu.Unlock()

	return balance, nil
}

// Mode returns the active load-balancing policy.
func (f *Facade) Mode() string {
	return f.selector.Mode()
}

// SetMode switches the load-balancing policy.
func (f *Facade) SetMode(mode string) error {
	if err := f.selector.SetMode(mode); err != nil {
		return err
	}
	f.logger.Info("load balancing mode changed", zap.String("mode", mode))
	return nil
}

// CloudPassStatus returns the cloud-pass projection.
func (f *Facade) CloudPassStatus() cloudpass.Status {
	return f.cloudPass.Status()
}

// RefreshCloudPass force-refreshes the pinned credential and returns the
// updated status.
func (f *Facade) RefreshCloudPass(ctx context.Context) (cloudpass.Status, error) {
	err := f.cloudPass.RefreshNow(ctx)
	return f.cloudPass.Status(), err
}
