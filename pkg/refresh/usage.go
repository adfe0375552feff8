package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/switchboard/pkg/pool"
)

const (
	// usageHostTemplate is the regional usage/subscription endpoint family.
	usageHostTemplate = "https://codewhisperer.%s.amazonaws.com/getUsageLimits"

	usageTimeout = 10 * time.Second
)

type usageResponse struct {
	SubscriptionTitle string     `json:"subscriptionTitle"`
	Email             string     `json:"email"`
	CurrentUsage      float64    `json:"currentUsage"`
	UsageLimit        float64    `json:"usageLimit"`
	NextDateReset     *time.Time `json:"nextDateReset"`
}

// Balance is the usage headroom of one credential, derived from the
// upstream usage limits response.
type Balance struct {
	ID                int64      `json:"id"`
	SubscriptionTitle string     `json:"subscriptionTitle,omitempty"`
	CurrentUsage      float64    `json:"currentUsage"`
	UsageLimit        float64    `json:"usageLimit"`
	Remaining         float64    `json:"remaining"`
	UsagePercentage   float64    `json:"usagePercentage"`
	NextResetAt       *time.Time `json:"nextResetAt,omitempty"`
}

// usageClient fetches usage limits and subscription metadata.
type usageClient struct {
	endpoint string
	clients  *clientCache
}

func (u *usageClient) endpointFor(cred *pool.Credential) string {
	if u.endpoint != "" {
		return u.endpoint
	}
	return fmt.Sprintf(usageHostTemplate, cred.EffectiveRegion())
}

func (u *usageClient) fetch(ctx context.Context, cred *pool.Credential, accessToken string) (*usageResponse, error) {
	payload := map[string]string{}
	if cred.ProfileARN != "" {
		payload["profileArn"] = cred.ProfileARN
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding usage request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, usageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.endpointFor(cred), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if cred.MachineID != "" {
		req.Header.Set("X-Machine-Id", cred.MachineID)
	}

	client, err := u.clients.clientFor(cred.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("building http client: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting usage limits: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading usage response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("usage limits failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed usageResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing usage response: %w", err)
	}

	return &parsed, nil
}

// Balance fetches live usage limits for the credential, refreshing the
// access token first when needed, and stashes the subscription metadata on
// the credential as a side effect.
func (c *Coordinator) Balance(ctx context.Context, id int64) (*Balance, error) {
	token, _, err := c.AccessToken(ctx, id)
	if err != nil {
		return nil, err
	}

	cred, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}

	usage, err := c.usage.fetch(ctx, cred, token)
	if err != nil {
		return nil, pool.RefreshTransient("fetching usage limits", err)
	}

	if serr := c.store.SetEnrichment(id, usage.SubscriptionTitle, usage.Email); serr != nil {
		c.logger.Debug("stashing subscription info", zap.Int64("id", id), zap.Error(serr))
	}

	remaining := usage.UsageLimit - usage.CurrentUsage
	if remaining < 0 {
		remaining = 0
	}
	percentage := 0.0
	if usage.UsageLimit > 0 {
		percentage = usage.CurrentUsage / usage.UsageLimit * 100
		if percentage > 100 {
			percentage = 100
		}
	}

	return &Balance{
		ID:                id,
		SubscriptionTitle: usage.SubscriptionTitle,
		CurrentUsage:      usage.CurrentUsage,
		UsageLimit:        usage.UsageLimit,
		Remaining:         remaining,
		UsagePercentage:   percentage,
		NextResetAt:       usage.NextDateReset,
	}, nil
}
