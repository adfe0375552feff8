package pool_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/switchboard/pkg/pool"
)

var _ = Describe("Store", func() {
	var (
		tmpDir    string
		path      string
		clock     *fakeClock
		validator *stubValidator
		store     *pool.Store
	)

	newStore := func() *pool.Store {
		s, err := pool.Open(&pool.StoreConfig{
			Path:             path,
			Clock:            clock.Now,
			DefaultMachineID: "machine-test",
		})
		Expect(err).NotTo(HaveOccurred())
		s.SetValidator(validator)
		return s
	}

	addCredential := func(s *pool.Store, token string) int64 {
		id, err := s.Add(context.Background(), &pool.Credential{
			RefreshToken: token,
			AuthMethod:   pool.AuthMethodIDC,
			ClientID:     "C",
			ClientSecret: "S",
		})
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		path = filepath.Join(tmpDir, "credentials.json")
		clock = newFakeClock()
		validator = &stubValidator{}
		store = newStore()
	})

	AfterEach(func() {
		store.Close()
	})

	Describe("Add", func() {
		It("assigns sequential ids starting at 1 and persists the pool", func() {
			Expect(addCredential(store, "R1")).To(Equal(int64(1)))
			Expect(addCredential(store, "R2")).To(Equal(int64(2)))
			Expect(validator.callCount()).To(Equal(2))

			store.Close()

			loaded, err := pool.LoadFile(path, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(HaveLen(2))
			Expect(loaded[0].ID).To(Equal(int64(1)))
			Expect(loaded[0].AccessToken).To(Equal("validated-token"))
		})

		It("rejects a duplicate refreshToken and leaves the pool unchanged", func() {
			addCredential(store, "R1")

			_, err := store.Add(context.Background(), &pool.Credential{
				RefreshToken: "R1",
				AuthMethod:   pool.AuthMethodIDC,
				ClientID:     "C",
				ClientSecret: "S",
			})
			Expect(pool.KindOf(err)).To(Equal(pool.KindConflict))
			Expect(err.Error()).To(ContainSubstring("duplicate refreshToken"))
			Expect(store.List()).To(HaveLen(1))
		})

		It("rejects duplicates even against disabled credentials", func() {
			id := addCredential(store, "R1")
			Expect(store.SetDisabled(id, true, "")).To(Succeed())

			_, err := store.Add(context.Background(), &pool.Credential{
				RefreshToken: "R1",
				AuthMethod:   pool.AuthMethodSocial,
			})
			Expect(pool.KindOf(err)).To(Equal(pool.KindConflict))
		})

		It("aborts when validation fails, returning the refresh error unchanged", func() {
			validator.err = pool.RefreshTransient("upstream down", nil)

			_, err := store.Add(context.Background(), &pool.Credential{
				RefreshToken: "R1",
				AuthMethod:   pool.AuthMethodSocial,
			})
			Expect(pool.KindOf(err)).To(Equal(pool.KindRefreshTransient))
			Expect(store.List()).To(BeEmpty())
		})

		It("requires clientId and clientSecret for idc credentials", func() {
			_, err := store.Add(context.Background(), &pool.Credential{
				RefreshToken: "R1",
				AuthMethod:   pool.AuthMethodIDC,
			})
			Expect(pool.KindOf(err)).To(Equal(pool.KindConflict))
		})

		It("infers the region from the profileArn", func() {
			id, err := store.Add(context.Background(), &pool.Credential{
				RefreshToken: "R1",
				AuthMethod:   pool.AuthMethodSocial,
				ProfileARN:   "arn:aws:codewhisperer:eu-west-1:123456789012:profile/test",
			})
			Expect(err).NotTo(HaveOccurred())

			cred, err := store.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.Region).To(Equal("eu-west-1"))
		})

		It("stamps the configured machineId on credentials that lack one", func() {
			id := addCredential(store, "R1")
			cred, err := store.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.MachineID).To(Equal("machine-test"))
		})

		It("never reuses a live id and max(id) never decreases", func() {
			addCredential(store, "R1")
			id2 := addCredential(store, "R2")

			Expect(store.SetDisabled(id2, true, "")).To(Succeed())
			Expect(store.Delete(id2)).To(Succeed())

			id3 := addCredential(store, "R3")
			Expect(id3).To(Equal(int64(2)))

			seen := map[int64]bool{}
			for _, c := range store.List() {
				Expect(seen[c.ID]).To(BeFalse())
				seen[c.ID] = true
			}
		})
	})

	Describe("Delete", func() {
		It("refuses to delete an enabled credential", func() {
			id := addCredential(store, "R1")

			err := store.Delete(id)
			Expect(pool.KindOf(err)).To(Equal(pool.KindPrecondition))
			Expect(err.Error()).To(ContainSubstring("must disable first"))
			Expect(store.List()).To(HaveLen(1))
		})

		It("deletes a disabled credential and persists the empty pool", func() {
			id := addCredential(store, "R1")

			Expect(store.SetDisabled(id, true, "")).To(Succeed())
			Expect(store.Delete(id)).To(Succeed())
			Expect(store.List()).To(BeEmpty())

			store.Close()

			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			var arr []json.RawMessage
			Expect(json.Unmarshal(data, &arr)).To(Succeed())
			Expect(arr).To(BeEmpty())
		})

		It("returns NotFound for unknown ids", func() {
			Expect(pool.KindOf(store.Delete(42))).To(Equal(pool.KindNotFound))
		})
	})

	Describe("SetDisabled", func() {
		It("clears an active cooldown when disabling", func() {
			id := addCredential(store, "R1")

			reporter := pool.NewReporter(store, pool.DefaultFailureThresholds(), nil)
			reporter.ReportFailure(id, pool.ClassRateLimited)

			cred, _ := store.Get(id)
			Expect(cred.CooldownUntil).NotTo(BeNil())

			Expect(store.SetDisabled(id, true, "manual")).To(Succeed())
			cred, _ = store.Get(id)
			Expect(cred.Disabled).To(BeTrue())
			Expect(cred.CooldownUntil).To(BeNil())
			Expect(cred.DisabledReason).To(Equal("manual"))
		})

		It("clears the reason on re-enable but keeps the failure count", func() {
			id := addCredential(store, "R1")

			reporter := pool.NewReporter(store, pool.DefaultFailureThresholds(), nil)
			reporter.ReportFailure(id, pool.ClassTransient)

			Expect(store.SetDisabled(id, true, "manual")).To(Succeed())
			Expect(store.SetDisabled(id, false, "")).To(Succeed())

			cred, _ := store.Get(id)
			Expect(cred.Disabled).To(BeFalse())
			Expect(cred.DisabledReason).To(BeEmpty())
			Expect(cred.FailureCount).To(Equal(int64(1)))
		})
	})

	Describe("ApplyRefresh", func() {
		It("rotates the refresh token when the upstream returns a new one", func() {
			id := addCredential(store, "R1")

			Expect(store.ApplyRefresh(id, "A2", clock.Now().Add(time.Hour), "R1-rotated")).To(Succeed())

			cred, _ := store.Get(id)
			Expect(cred.AccessToken).To(Equal("A2"))
			Expect(cred.RefreshToken).To(Equal("R1-rotated"))
		})

		It("drops a rotation that would collide with another credential", func() {
			id1 := addCredential(store, "R1")
			addCredential(store, "R2")

			Expect(store.ApplyRefresh(id1, "A2", clock.Now(), "R2")).To(Succeed())

			cred, _ := store.Get(id1)
			Expect(cred.RefreshToken).To(Equal("R1"))
			Expect(cred.AccessToken).To(Equal("A2"))
		})
	})

	Describe("ReloadFromDisk", func() {
		It("swaps in the file contents when an outside writer changed them", func() {
			addCredential(store, "R1")
			store.Close()
			store = newStore()

			outside := []*pool.Credential{
				{ID: 7, RefreshToken: "R-outside", AuthMethod: pool.AuthMethodSocial},
			}
			Expect(pool.WriteFile(path, outside)).To(Succeed())

			Expect(store.ReloadFromDisk()).To(Succeed())
			creds := store.List()
			Expect(creds).To(HaveLen(1))
			Expect(creds[0].ID).To(Equal(int64(7)))
		})

		It("no-ops when the file matches the in-memory pool", func() {
			id := addCredential(store, "R1")
			store.Close()
			store = newStore()

			Expect(store.ReloadFromDisk()).To(Succeed())
			cred, err := store.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(cred.RefreshToken).To(Equal("R1"))
		})
	})

	Describe("events", func() {
		It("reports lifecycle transitions through the event hook", func() {
			var mu sync.Mutex
			var kinds []string

			s, err := pool.Open(&pool.StoreConfig{
				Path:             filepath.Join(tmpDir, "events.json"),
				Clock:            clock.Now,
				DefaultMachineID: "machine-test",
				OnEvent: func(kind string, _ *pool.Credential) {
					mu.Lock()
					kinds = append(kinds, kind)
					mu.Unlock()
				},
			})
			Expect(err).NotTo(HaveOccurred())
			defer s.Close()
			s.SetValidator(validator)

			id := addCredential(s, "R1")
			Expect(s.SetDisabled(id, true, "")).To(Succeed())
			Expect(s.Delete(id)).To(Succeed())

			mu.Lock()
			defer mu.Unlock()
			Expect(kinds).To(Equal([]string{pool.EventAdded, pool.EventDisabled, pool.EventDeleted}))
		})
	})
})
