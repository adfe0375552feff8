package refresh_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/switchboard/pkg/pool"
	"github.com/papercomputeco/switchboard/pkg/refresh"
)

// fakeUpstream is a programmable OIDC token endpoint.
type fakeUpstream struct {
	server *httptest.Server

	refreshCount atomic.Int64
	delay        time.Duration

	mu     sync.Mutex
	status int
	body   map[string]any
}

func newFakeUpstream() *fakeUpstream {
	f := &fakeUpstream{
		status: http.StatusOK,
		body: map[string]any{
			"access_token": "A1",
			"expires_in":   3600,
		},
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.refreshCount.Add(1)
		if f.delay > 0 {
			time.Sleep(f.delay)
		}

		f.mu.Lock()
		status, body := f.status, f.body
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	return f
}

func (f *fakeUpstream) respond(status int, body map[string]any) {
	f.mu.Lock()
	f.status = status
	f.body = body
	f.mu.Unlock()
}

func (f *fakeUpstream) Close() { f.server.Close() }

var _ = Describe("Coordinator", func() {
	var (
		tmpDir   string
		path     string
		upstream *fakeUpstream
		store    *pool.Store
		reporter *pool.Reporter
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		path = filepath.Join(tmpDir, "credentials.json")
		upstream = newFakeUpstream()
	})

	AfterEach(func() {
		if store != nil {
			store.Close()
		}
		upstream.Close()
	})

	openStore := func(creds ...*pool.Credential) *pool.Store {
		Expect(pool.WriteFile(path, creds)).To(Succeed())
		s, err := pool.Open(&pool.StoreConfig{Path: path, DefaultMachineID: "machine-test"})
		Expect(err).NotTo(HaveOccurred())
		store = s
		return s
	}

	newCoordinator := func(s *pool.Store) *refresh.Coordinator {
		reporter = pool.NewReporter(s, pool.DefaultFailureThresholds(), nil)
		c := refresh.NewCoordinator(&refresh.Config{
			Store:             s,
			Reporter:          reporter,
			OIDCEndpoint:      upstream.server.URL,
			DisableEnrichment: true,
		})
		s.SetValidator(c)
		return c
	}

	expiredCredential := func() *pool.Credential {
		past := time.Now().Add(-10 * time.Second)
		return &pool.Credential{
			ID:           1,
			RefreshToken: "R1",
			AccessToken:  "stale",
			ExpiresAt:    &past,
			AuthMethod:   pool.AuthMethodIDC,
			ClientID:     "C",
			ClientSecret: "S",
		}
	}

	Describe("adding a credential", func() {
		It("refreshes through the upstream before committing", func() {
			s := openStore()
			newCoordinator(s)

			before := time.Now()
			id, err := s.Add(context.Background(), &pool.Credential{
				RefreshToken: "R1",
				AuthMethod:   pool.AuthMethodIDC,
				ClientID:     "C",
				ClientSecret: "S",
				Region:       "us-east-1",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(int64(1)))
			Expect(upstream.refreshCount.Load()).To(Equal(int64(1)))

			cred, err := s.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.AccessToken).To(Equal("A1"))
			Expect(cred.ExpiresAt).NotTo(BeNil())
			Expect(*cred.ExpiresAt).To(BeTemporally("~", before.Add(time.Hour), 10*time.Second))

			s.Close()
			onDisk, err := pool.LoadFile(path, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(onDisk).To(HaveLen(1))
			Expect(onDisk[0].ID).To(Equal(int64(1)))
		})

		It("aborts the add when the upstream rejects the token", func() {
			s := openStore()
			newCoordinator(s)

			upstream.respond(http.StatusBadRequest, map[string]any{"error": "invalid_grant"})

			_, err := s.Add(context.Background(), &pool.Credential{
				RefreshToken: "bad",
				AuthMethod:   pool.AuthMethodSocial,
			})
			Expect(pool.KindOf(err)).To(Equal(pool.KindRefreshRejected))
			Expect(s.List()).To(BeEmpty())
		})
	})

	Describe("AccessToken", func() {
		It("returns the cached token while it is fresh", func() {
			future := time.Now().Add(time.Hour)
			s := openStore(&pool.Credential{
				ID:           1,
				RefreshToken: "R1",
				AccessToken:  "cached",
				ExpiresAt:    &future,
				AuthMethod:   pool.AuthMethodSocial,
			})
			c := newCoordinator(s)

			token, _, err := c.AccessToken(context.Background(), 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(token).To(Equal("cached"))
			Expect(upstream.refreshCount.Load()).To(BeZero())
		})

		It("refreshes a token inside the expiry safety window", func() {
			soon := time.Now().Add(time.Minute)
			s := openStore(&pool.Credential{
				ID:           1,
				RefreshToken: "R1",
				AccessToken:  "almost-stale",
				ExpiresAt:    &soon,
				AuthMethod:   pool.AuthMethodSocial,
			})
			c := newCoordinator(s)

			token, _, err := c.AccessToken(context.Background(), 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(token).To(Equal("A1"))
			Expect(upstream.refreshCount.Load()).To(Equal(int64(1)))
		})

		It("refuses disabled credentials", func() {
			s := openStore(&pool.Credential{
				ID:           1,
				RefreshToken: "R1",
				AuthMethod:   pool.AuthMethodSocial,
				Disabled:     true,
			})
			c := newCoordinator(s)

			_, _, err := c.AccessToken(context.Background(), 1)
			Expect(pool.KindOf(err)).To(Equal(pool.KindPrecondition))
			Expect(upstream.refreshCount.Load()).To(BeZero())
		})

		It("returns NotFound for unknown ids", func() {
			s := openStore()
			c := newCoordinator(s)

			_, _, err := c.AccessToken(context.Background(), 9)
			Expect(pool.KindOf(err)).To(Equal(pool.KindNotFound))
		})

		It("coalesces concurrent callers into a single upstream refresh", func() {
			upstream.delay = 100 * time.Millisecond
			upstream.respond(http.StatusOK, map[string]any{
				"access_token": "A2",
				"expires_in":   3600,
			})

			s := openStore(expiredCredential())
			c := newCoordinator(s)

			const callers = 50
			tokens := make([]string, callers)
			errs := make([]error, callers)

			var wg sync.WaitGroup
			for i := range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					tokens[i], _, errs[i] = c.AccessToken(context.Background(), 1)
				}()
			}
			wg.Wait()

			Expect(upstream.refreshCount.Load()).To(Equal(int64(1)))
			for i := range callers {
				Expect(errs[i]).NotTo(HaveOccurred())
				Expect(tokens[i]).To(Equal("A2"))
			}
		})
	})

	Describe("refresh failures", func() {
		It("disables the credential when the upstream returns invalid_grant", func() {
			upstream.respond(http.StatusBadRequest, map[string]any{
				"error":             "invalid_grant",
				"error_description": "refresh token revoked",
			})

			s := openStore(expiredCredential())
			c := newCoordinator(s)

			_, _, err := c.AccessToken(context.Background(), 1)
			Expect(pool.KindOf(err)).To(Equal(pool.KindRefreshRejected))

			cred, err := s.Get(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.Disabled).To(BeTrue())
			Expect(cred.DisabledReason).To(Equal(pool.ReasonInvalidRefreshToken))
			Expect(cred.FailureCount).To(BeNumerically(">=", 1))

			sel, err := pool.NewSelector(s, pool.PolicyPriorityFirst, 0)
			Expect(err).NotTo(HaveOccurred())
			_, err = sel.Pick()
			Expect(pool.KindOf(err)).To(Equal(pool.KindNoEligible))
		})

		It("surfaces server errors as transient and bumps the failure count", func() {
			upstream.respond(http.StatusInternalServerError, map[string]any{
				"error": "internal",
			})

			s := openStore(expiredCredential())
			c := newCoordinator(s)

			_, _, err := c.AccessToken(context.Background(), 1)
			Expect(pool.KindOf(err)).To(Equal(pool.KindRefreshTransient))

			cred, err := s.Get(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.Disabled).To(BeFalse())
			Expect(cred.FailureCount).To(Equal(int64(1)))
			Expect(cred.AccessToken).To(Equal("stale"))
		})
	})

	Describe("ForceRefresh", func() {
		It("refreshes even when the cached token is fresh and rotates the refresh token", func() {
			future := time.Now().Add(time.Hour)
			s := openStore(&pool.Credential{
				ID:           1,
				RefreshToken: "R1",
				AccessToken:  "cached",
				ExpiresAt:    &future,
				AuthMethod:   pool.AuthMethodSocial,
			})
			c := newCoordinator(s)

			upstream.respond(http.StatusOK, map[string]any{
				"access_token":  "A3",
				"refresh_token": "R1-rotated",
				"expires_in":    3600,
			})

			token, _, err := c.ForceRefresh(context.Background(), 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(token).To(Equal("A3"))

			cred, err := s.Get(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.AccessToken).To(Equal("A3"))
			Expect(cred.RefreshToken).To(Equal("R1-rotated"))
		})
	})

	Describe("Balance", func() {
		It("derives headroom from the usage response and stashes the subscription", func() {
			usage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.Header.Get("Authorization")).To(Equal("Bearer cached"))
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]any{
					"subscriptionTitle": "Pro Tier",
					"email":             "dev@example.com",
					"currentUsage":      25.0,
					"usageLimit":        100.0,
				})
			}))
			defer usage.Close()

			future := time.Now().Add(time.Hour)
			s := openStore(&pool.Credential{
				ID:           1,
				RefreshToken: "R1",
				AccessToken:  "cached",
				ExpiresAt:    &future,
				AuthMethod:   pool.AuthMethodSocial,
			})

			reporter = pool.NewReporter(s, pool.DefaultFailureThresholds(), nil)
			c := refresh.NewCoordinator(&refresh.Config{
				Store:             s,
				Reporter:          reporter,
				OIDCEndpoint:      upstream.server.URL,
				UsageEndpoint:     usage.URL,
				DisableEnrichment: true,
			})

			balance, err := c.Balance(context.Background(), 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(balance.SubscriptionTitle).To(Equal("Pro Tier"))
			Expect(balance.Remaining).To(Equal(75.0))
			Expect(balance.UsagePercentage).To(Equal(25.0))

			cred, err := s.Get(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.SubscriptionTitle).To(Equal("Pro Tier"))
			Expect(cred.Email).To(Equal("dev@example.com"))
		})

		It("surfaces usage endpoint failures as transient", func() {
			usage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer usage.Close()

			future := time.Now().Add(time.Hour)
			s := openStore(&pool.Credential{
				ID:           1,
				RefreshToken: "R1",
				AccessToken:  "cached",
				ExpiresAt:    &future,
				AuthMethod:   pool.AuthMethodSocial,
			})

			c := refresh.NewCoordinator(&refresh.Config{
				Store:             s,
				OIDCEndpoint:      upstream.server.URL,
				UsageEndpoint:     usage.URL,
				DisableEnrichment: true,
			})

			_, err := c.Balance(context.Background(), 1)
			Expect(pool.KindOf(err)).To(Equal(pool.KindRefreshTransient))
		})
	})
})
