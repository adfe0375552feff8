// Package pool implements the credential pool: the authoritative store,
// selection policies, failure accounting, and the persisted pool file.
package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Auth methods accepted by the upstream token endpoint.
const (
	AuthMethodIDC       = "idc"
	AuthMethodBuilderID = "builder-id"
	AuthMethodSocial    = "social"
)

// DefaultRegion is used when neither profileArn nor an explicit region is set.
const DefaultRegion = "us-east-1"

// Reason tags recorded when a credential is disabled automatically.
const (
	ReasonInvalidRefreshToken = "invalid_refresh_token"
	ReasonAuthRejected        = "upstream_auth_rejected"
	ReasonFailureThreshold    = "auto_disabled_failure_threshold"
)

// Credential is one upstream identity held by the pool. The JSON shape is
// the on-disk interchange format and must stay stable; other tooling reads
// and writes the same file.
type Credential struct {
	ID                int64      `json:"id"`
	RefreshToken      string     `json:"refreshToken"`
	AccessToken       string     `json:"accessToken,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	AuthMethod        string     `json:"authMethod"`
	ClientID          string     `json:"clientId,omitempty"`
	ClientSecret      string     `json:"clientSecret,omitempty"`
	ProfileARN        string     `json:"profileArn,omitempty"`
	Region            string     `json:"region,omitempty"`
	MachineID         string     `json:"machineId,omitempty"`
	ProxyURL          string     `json:"proxyUrl,omitempty"`
	Priority          int        `json:"priority"`
	Disabled          bool       `json:"disabled"`
	DisabledReason    string     `json:"disabledReason,omitempty"`
	FailureCount      int64      `json:"failureCount"`
	SuccessCount      int64      `json:"successCount"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
	CooldownUntil     *time.Time `json:"cooldownUntil,omitempty"`
	SubscriptionTitle string     `json:"subscriptionTitle,omitempty"`
	Email             string     `json:"email,omitempty"`
}

// Clone returns a deep copy safe to hand out without holding the store lock.
func (c *Credential) Clone() *Credential {
	cp := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		cp.ExpiresAt = &t
	}
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		cp.LastUsedAt = &t
	}
	if c.CooldownUntil != nil {
		t := *c.CooldownUntil
		cp.CooldownUntil = &t
	}
	return &cp
}

// Eligible reports whether the credential may be selected at the given
// instant: not disabled and not in an active cooldown window.
func (c *Credential) Eligible(now time.Time) bool {
	if c.Disabled {
		return false
	}
	if c.CooldownUntil != nil && c.CooldownUntil.After(now) {
		return false
	}
	return true
}

// TokenFresh reports whether the cached access token is usable at the given
// instant with the supplied safety window before expiry.
func (c *Credential) TokenFresh(now time.Time, window time.Duration) bool {
	if c.AccessToken == "" || c.ExpiresAt == nil {
		return false
	}
	return now.Add(window).Before(*c.ExpiresAt)
}

// EffectiveRegion resolves the region for upstream calls: the 4th
// colon-separated segment of profileArn when present, else the explicit
// region, else DefaultRegion.
func (c *Credential) EffectiveRegion() string {
	if r := regionFromProfileARN(c.ProfileARN); r != "" {
		return r
	}
	if c.Region != "" {
		return c.Region
	}
	return DefaultRegion
}

func regionFromProfileARN(arn string) string {
	if arn == "" {
		return ""
	}
	parts := strings.Split(arn, ":")
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

// RefreshTokenHash is a short stable digest of the refresh token, safe to
// expose on status surfaces in place of the token itself.
func (c *Credential) RefreshTokenHash() string {
	sum := sha256.Sum256([]byte(c.RefreshToken))
	return hex.EncodeToString(sum[:])[:16]
}

// CredentialStatus is the public projection of a credential: everything an
// operator needs, with the refresh token reduced to a digest and the client
// secret omitted entirely.
type CredentialStatus struct {
	ID                int64      `json:"id"`
	AuthMethod        string     `json:"authMethod"`
	Region            string     `json:"region"`
	HasProfileARN     bool       `json:"hasProfileArn"`
	RefreshTokenHash  string     `json:"refreshTokenHash"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	ProxyURL          string     `json:"proxyUrl,omitempty"`
	Priority          int        `json:"priority"`
	Disabled          bool       `json:"disabled"`
	DisabledReason    string     `json:"disabledReason,omitempty"`
	FailureCount      int64      `json:"failureCount"`
	SuccessCount      int64      `json:"successCount"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
	CooldownUntil     *time.Time `json:"cooldownUntil,omitempty"`
	SubscriptionTitle string     `json:"subscriptionTitle,omitempty"`
	Email             string     `json:"email,omitempty"`
}

// Status returns the public projection of the credential.
func (c *Credential) Status() CredentialStatus {
	cp := c.Clone()
	return CredentialStatus{
		ID:                cp.ID,
		AuthMethod:        cp.AuthMethod,
		Region:            cp.EffectiveRegion(),
		HasProfileARN:     cp.ProfileARN != "",
		RefreshTokenHash:  cp.RefreshTokenHash(),
		ExpiresAt:         cp.ExpiresAt,
		ProxyURL:          cp.ProxyURL,
		Priority:          cp.Priority,
		Disabled:          cp.Disabled,
		DisabledReason:    cp.DisabledReason,
		FailureCount:      cp.FailureCount,
		SuccessCount:      cp.SuccessCount,
		LastUsedAt:        cp.LastUsedAt,
		CooldownUntil:     cp.CooldownUntil,
		SubscriptionTitle: cp.SubscriptionTitle,
		Email:             cp.Email,
	}
}

// MaskToken shortens a token for log output.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "***"
}
