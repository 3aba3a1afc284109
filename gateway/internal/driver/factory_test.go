package driver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/huage1994/skein-provisioner/common/configuration"
	"github.com/huage1994/skein-provisioner/common/kvstore"
	"github.com/huage1994/skein-provisioner/common/staging"
	"github.com/huage1994/skein-provisioner/gateway/internal/driver"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NewClientFactory", func() {
	var (
		opts      configuration.ProvisionerOptions
		namespace *kvstore.Namespace
	)

	BeforeEach(func() {
		opts = configuration.DefaultProvisionerOptions()
		namespace = &kvstore.Namespace{Backend: kvstore.BackendMemory, Prefix: "test", Store: kvstore.NewMemoryStore()}
	})

	It("should reject unknown resource managers", func() {
		opts.ResourceManager = "mesos"

		_, err := driver.NewClientFactory(&opts, namespace, staging.NewLocalProvider(GinkgoT().TempDir()))
		Expect(err).To(MatchError(ContainSubstring("mesos")))
	})

	It("should create YARN clients that the Supervisor can restart", func() {
		var pings atomic.Int32
		rm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/ws/v1/cluster/info" {
				w.WriteHeader(http.StatusNotFound)
				return
			}

			pings.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"clusterInfo":{"state":"STARTED","haState":"ACTIVE"}}`))
		}))
		defer rm.Close()

		opts.YarnAddress = rm.URL

		factory, err := driver.NewClientFactory(&opts, namespace, staging.NewLocalProvider(GinkgoT().TempDir()))
		Expect(err).To(BeNil())

		supervisor := driver.NewSupervisor(factory, manualOptions, nil)
		defer func() {
			Expect(supervisor.Close()).To(Succeed())
		}()

		client, err := supervisor.Acquire(context.Background())
		Expect(err).To(BeNil())
		Expect(client.Ping(context.Background())).To(Succeed())

		Expect(supervisor.Restart(context.Background())).To(Succeed())
		Expect(supervisor.Generation()).To(Equal(uint64(2)))
		Expect(pings.Load()).To(Equal(int32(3)))
	})
})
