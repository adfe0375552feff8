// Package refresh obtains and caches upstream access tokens for pool
// credentials, deduplicating concurrent refreshes per credential.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/papercomputeco/switchboard/pkg/pool"
)

const (
	// oidcHostTemplate is the regional token endpoint family. The %s slot
	// takes the credential's effective region.
	oidcHostTemplate = "https://oidc.%s.amazonaws.com/token"

	// Public client identifiers used by the builder-id and social refresh
	// grants. These flows carry no client secret.
	builderIDClientID = "kiro-builder-id-desktop"
	socialClientID    = "kiro-social-desktop"

	refreshTimeout = 30 * time.Second
)

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresInSeconds int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// clientCache builds one HTTP client per outbound path: the process default
// and one per distinct credential proxyUrl.
type clientCache struct {
	defaultProxy string

	mu      sync.Mutex
	clients map[string]*http.Client
}

func newClientCache(defaultProxy string) *clientCache {
	return &clientCache{
		defaultProxy: defaultProxy,
		clients:      make(map[string]*http.Client),
	}
}

func (cc *clientCache) clientFor(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		proxyURL = cc.defaultProxy
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	if c, ok := cc.clients[proxyURL]; ok {
		return c, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	c := &http.Client{Transport: transport}
	cc.clients[proxyURL] = c
	return c, nil
}

// oidcClient performs the refresh grant against the regional token endpoint.
type oidcClient struct {
	endpoint string // override for tests and non-standard partitions; "" uses the regional default
	clients  *clientCache
}

func (o *oidcClient) endpointFor(cred *pool.Credential) string {
	if o.endpoint != "" {
		return o.endpoint
	}
	return fmt.Sprintf(oidcHostTemplate, cred.EffectiveRegion())
}

// refresh exchanges the credential's refresh token for a new access token.
// The returned error is a pool.Error: RefreshRejected when the upstream
// permanently refused the grant, RefreshTransient otherwise.
func (o *oidcClient) refresh(ctx context.Context, cred *pool.Credential) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)

	switch cred.AuthMethod {
	case pool.AuthMethodIDC:
		form.Set("client_id", cred.ClientID)
		form.Set("client_secret", cred.ClientSecret)
	case pool.AuthMethodBuilderID:
		form.Set("client_id", builderIDClientID)
	case pool.AuthMethodSocial:
		form.Set("client_id", socialClientID)
	default:
		return nil, pool.RefreshRejected(fmt.Sprintf("unknown authMethod %q", cred.AuthMethod), nil)
	}

	reqCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	endpoint := o.endpointFor(cred)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, pool.RefreshTransient("creating refresh request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if cred.MachineID != "" {
		req.Header.Set("X-Machine-Id", cred.MachineID)
	}

	client, err := o.clients.clientFor(cred.ProxyURL)
	if err != nil {
		return nil, pool.RefreshTransient("building http client", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, pool.RefreshTransient("requesting token refresh", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pool.RefreshTransient("reading refresh response", err)
	}

	var parsed tokenResponse
	if jerr := json.Unmarshal(body, &parsed); jerr != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil, pool.RefreshTransient("parsing refresh response", jerr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(parsed.ErrorDescription)
		if msg == "" {
			msg = strings.TrimSpace(parsed.Error)
		}
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		reason := fmt.Sprintf("token refresh failed (%d): %s", resp.StatusCode, msg)

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && isInvalidGrant(parsed.Error, string(body)) {
			return nil, pool.RefreshRejected(reason, nil)
		}
		return nil, pool.RefreshTransient(reason, nil)
	}

	if parsed.AccessToken == "" {
		return nil, pool.RefreshTransient("refresh response missing access_token", nil)
	}

	return &parsed, nil
}

// isInvalidGrant recognizes the upstream's permanent-refusal shapes.
func isInvalidGrant(errCode, body string) bool {
	if errCode == "invalid_grant" || errCode == "invalid_client" {
		return true
	}
	return strings.Contains(body, "invalid_grant")
}

// IsRejected reports whether err is a permanent refresh refusal.
func IsRejected(err error) bool {
	return pool.KindOf(err) == pool.KindRefreshRejected
}
