package pool_test

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/switchboard/pkg/pool"
)

var _ = Describe("Watcher", func() {
	It("reloads the pool when an outside writer replaces the file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "credentials.json")
		Expect(pool.WriteFile(path, []*pool.Credential{
			{ID: 1, RefreshToken: "R1", AuthMethod: "social"},
		})).To(Succeed())

		store, err := pool.Open(&pool.StoreConfig{Path: path})
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		watcher, err := pool.NewWatcher(store, nil)
		Expect(err).NotTo(HaveOccurred())
		defer watcher.Close()

		Expect(pool.WriteFile(path, []*pool.Credential{
			{ID: 1, RefreshToken: "R1", AuthMethod: "social"},
			{ID: 2, RefreshToken: "R2", AuthMethod: "social"},
		})).To(Succeed())

		Eventually(func() int {
			return len(store.List())
		}, 3*time.Second, 50*time.Millisecond).Should(Equal(2))
	})
})
