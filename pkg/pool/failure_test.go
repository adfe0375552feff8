package pool_test

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/switchboard/pkg/pool"
)

var _ = Describe("Reporter", func() {
	var (
		clock    *fakeClock
		store    *pool.Store
		reporter *pool.Reporter
	)

	BeforeEach(func() {
		clock = newFakeClock()

		path := filepath.Join(GinkgoT().TempDir(), "credentials.json")
		Expect(pool.WriteFile(path, []*pool.Credential{
			{ID: 1, RefreshToken: "R1", AuthMethod: "social"},
		})).To(Succeed())

		var err error
		store, err = pool.Open(&pool.StoreConfig{Path: path, Clock: clock.Now})
		Expect(err).NotTo(HaveOccurred())

		reporter = pool.NewReporter(store, pool.DefaultFailureThresholds(), nil)
	})

	AfterEach(func() {
		store.Close()
	})

	get := func() *pool.Credential {
		cred, err := store.Get(1)
		Expect(err).NotTo(HaveOccurred())
		return cred
	}

	It("counts successes", func() {
		reporter.ReportSuccess(1)
		reporter.ReportSuccess(1)
		Expect(get().SuccessCount).To(Equal(int64(2)))
	})

	It("drops reports for unknown ids", func() {
		reporter.ReportSuccess(99)
		reporter.ReportFailure(99, pool.ClassTransient)
		Expect(store.List()).To(HaveLen(1))
	})

	It("cools down for a minute on rate limiting", func() {
		reporter.ReportFailure(1, pool.ClassRateLimited)

		cred := get()
		Expect(cred.FailureCount).To(Equal(int64(1)))
		Expect(cred.Disabled).To(BeFalse())
		Expect(cred.CooldownUntil).NotTo(BeNil())
		Expect(cred.CooldownUntil.Equal(clock.Now().Add(time.Minute))).To(BeTrue())
	})

	It("does not shorten an existing cooldown on repeated rate limiting", func() {
		reporter.ReportFailure(1, pool.ClassQuotaExhausted)
		long := get().CooldownUntil

		reporter.ReportFailure(1, pool.ClassRateLimited)
		Expect(get().CooldownUntil.Equal(*long)).To(BeTrue())
	})

	It("cools down for thirty minutes on quota exhaustion", func() {
		reporter.ReportFailure(1, pool.ClassQuotaExhausted)

		cred := get()
		Expect(cred.CooldownUntil.Equal(clock.Now().Add(30 * time.Minute))).To(BeTrue())
	})

	It("disables immediately on auth rejection", func() {
		reporter.ReportFailure(1, pool.ClassAuthRejected)

		cred := get()
		Expect(cred.Disabled).To(BeTrue())
		Expect(cred.DisabledReason).To(Equal(pool.ReasonAuthRejected))
		Expect(cred.FailureCount).To(Equal(int64(1)))
		Expect(cred.CooldownUntil).To(BeNil())
	})

	It("keeps an earlier disable reason when a later report also rejects", func() {
		Expect(store.SetDisabled(1, true, pool.ReasonInvalidRefreshToken)).To(Succeed())

		reporter.ReportFailure(1, pool.ClassAuthRejected)

		cred := get()
		Expect(cred.DisabledReason).To(Equal(pool.ReasonInvalidRefreshToken))
		Expect(cred.FailureCount).To(Equal(int64(1)))
	})

	Describe("failure streaks", func() {
		It("cools down after five consecutive transient failures", func() {
			for range 4 {
				reporter.ReportFailure(1, pool.ClassTransient)
			}
			Expect(get().CooldownUntil).To(BeNil())

			reporter.ReportFailure(1, pool.ClassTransient)

			cred := get()
			Expect(cred.FailureCount).To(Equal(int64(5)))
			Expect(cred.CooldownUntil).NotTo(BeNil())
			Expect(cred.CooldownUntil.Equal(clock.Now().Add(5 * time.Minute))).To(BeTrue())
		})

		It("is interrupted by a success", func() {
			for range 4 {
				reporter.ReportFailure(1, pool.ClassUnknown)
			}
			reporter.ReportSuccess(1)
			reporter.ReportFailure(1, pool.ClassUnknown)

			Expect(get().CooldownUntil).To(BeNil())
		})

		It("requires a fresh streak after firing", func() {
			for range 5 {
				reporter.ReportFailure(1, pool.ClassTransient)
			}
			firedAt := get().CooldownUntil
			Expect(firedAt).NotTo(BeNil())

			reporter.ReportFailure(1, pool.ClassTransient)
			Expect(get().CooldownUntil.Equal(*firedAt)).To(BeTrue())
		})
	})

	It("disables outright at the failure threshold", func() {
		for range 20 {
			reporter.ReportFailure(1, pool.ClassTransient)
			// Keep the streak from accumulating so only the hard
			// threshold can fire.
			reporter.ReportSuccess(1)
		}

		cred := get()
		Expect(cred.Disabled).To(BeTrue())
		Expect(cred.DisabledReason).To(Equal(pool.ReasonFailureThreshold))
		Expect(cred.FailureCount).To(Equal(int64(20)))
	})

	It("honors configured thresholds", func() {
		custom := pool.NewReporter(store, pool.FailureThresholds{
			StreakWindow:      2,
			StreakCooldown:    time.Minute,
			DisableThreshold:  50,
			RateLimitCooldown: 5 * time.Second,
			QuotaCooldown:     time.Hour,
		}, nil)

		custom.ReportFailure(1, pool.ClassTransient)
		custom.ReportFailure(1, pool.ClassTransient)

		cred := get()
		Expect(cred.Disabled).To(BeFalse())
		Expect(cred.CooldownUntil).NotTo(BeNil())
		Expect(cred.CooldownUntil.Equal(clock.Now().Add(time.Minute))).To(BeTrue())
	})

	Describe("Reset", func() {
		It("zeroes the counter and clears the cooldown but not the disable", func() {
			for range 5 {
				reporter.ReportFailure(1, pool.ClassTransient)
			}
			Expect(store.SetDisabled(1, true, "manual")).To(Succeed())

			Expect(reporter.Reset(1)).To(Succeed())

			cred := get()
			Expect(cred.FailureCount).To(BeZero())
			Expect(cred.CooldownUntil).To(BeNil())
			Expect(cred.Disabled).To(BeTrue())
		})
	})
})
