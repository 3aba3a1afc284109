package configuration_test

import (
	"os"
	"time"

	"github.com/huage1994/skein-provisioner/common/configuration"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ProvisionerOptions", func() {
	var opts configuration.ProvisionerOptions

	BeforeEach(func() {
		opts = configuration.DefaultProvisionerOptions()
	})

	It("should default to 30 connection attempts one second apart", func() {
		Expect(opts.PollAttempts).To(Equal(30))
		Expect(opts.PollInterval()).To(Equal(time.Second))
		Expect(opts.HealthCheckInterval()).To(Equal(10 * time.Second))
		Expect(opts.HealthCheckInitialDelay()).To(Equal(100 * time.Millisecond))
		Expect(opts.SubmitTimeout()).To(BeZero())
		Expect(opts.HandshakeTimeout()).To(BeZero())
		Expect(opts.ValidateProvisionerOptions()).To(Succeed())
	})

	Context("environment overrides", func() {
		AfterEach(func() {
			Expect(os.Unsetenv(configuration.PollTimesEnv)).To(Succeed())
			Expect(os.Unsetenv(configuration.LegacyPollTimesEnv)).To(Succeed())
			Expect(os.Unsetenv(configuration.VenvEnv)).To(Succeed())
			Expect(os.Unsetenv(configuration.ForwardEnvEnv)).To(Succeed())
		})

		It("should apply the kernel environment variables", func() {
			Expect(os.Setenv(configuration.PollTimesEnv, "5")).To(Succeed())
			Expect(os.Setenv(configuration.VenvEnv, "/opt/envs/kernel.tar.gz")).To(Succeed())
			Expect(os.Setenv(configuration.ForwardEnvEnv, "IPYTHON_VENV, HADOOP_CONF_DIR,,")).To(Succeed())

			opts.ApplyEnvironment()

			Expect(opts.PollAttempts).To(Equal(5))
			Expect(opts.VenvArchive).To(Equal("/opt/envs/kernel.tar.gz"))
			Expect(opts.ForwardedEnvironment()).To(Equal([]string{"IPYTHON_VENV", "HADOOP_CONF_DIR"}))
		})

		It("should keep the configured values when the variables are unset", func() {
			opts.VenvArchive = "/srv/venv.tar.gz"
			opts.ApplyEnvironment()

			Expect(opts.PollAttempts).To(Equal(30))
			Expect(opts.VenvArchive).To(Equal("/srv/venv.tar.gz"))
			Expect(opts.ForwardedEnvironment()).To(Equal([]string{configuration.VenvEnv}))
		})

		It("should fall back to SKEIN_POLL_TIMES", func() {
			Expect(os.Setenv(configuration.LegacyPollTimesEnv, "12")).To(Succeed())
			opts.ApplyEnvironment()
			Expect(opts.PollAttempts).To(Equal(12))

			Expect(os.Setenv(configuration.PollTimesEnv, "7")).To(Succeed())
			opts.ApplyEnvironment()
			Expect(opts.PollAttempts).To(Equal(7))
		})

		It("should ignore a non-numeric poll count", func() {
			Expect(os.Setenv(configuration.PollTimesEnv, "many")).To(Succeed())
			opts.ApplyEnvironment()
			Expect(opts.PollAttempts).To(Equal(30))
		})
	})

	It("should reject unusable combinations", func() {
		opts.ResourceManager = "mesos"
		Expect(opts.ValidateProvisionerOptions()).To(MatchError(ContainSubstring("unknown resource manager")))

		opts = configuration.DefaultProvisionerOptions()
		opts.StagingBackend = configuration.StagingS3
		Expect(opts.ValidateProvisionerOptions()).To(MatchError(ContainSubstring("-staging-bucket")))

		opts = configuration.DefaultProvisionerOptions()
		opts.PollAttempts = 0
		Expect(opts.ValidateProvisionerOptions()).To(HaveOccurred())
	})
})
