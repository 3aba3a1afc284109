package provisioner_test

import (
	"github.com/huage1994/skein-provisioner/common/configuration"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/gateway/internal/kernel/provisioner"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BuildApplicationSpec", func() {
	var opts configuration.ProvisionerOptions

	BeforeEach(func() {
		opts = configuration.DefaultProvisionerOptions()
	})

	It("should ship and activate the packaged environment", func() {
		opts.VenvArchive = "/opt/envs/python3.tar.gz"
		environ := []string{"IPYTHON_VENV=/opt/envs/python3.tar.gz", "HOME=/home/jovyan", "AWS_SECRET_ACCESS_KEY=hunter2"}

		spec := provisioner.BuildApplicationSpec(&opts, environ)
		Expect(spec.Validate()).To(Succeed())

		Expect(spec.Name).To(Equal("ipython-kernel"))
		Expect(spec.MaxAttempts).To(Equal(1))
		Expect(spec.Master.Resources).To(Equal(resourcemanager.Resources{MemoryMB: 2048, VCores: 1}))
		Expect(spec.Master.Files).To(Equal(map[string]resourcemanager.File{
			"environment": {Source: "/opt/envs/python3.tar.gz", Type: resourcemanager.ResourceArchive},
		}))
		Expect(spec.Master.Env).To(Equal(map[string]string{"IPYTHON_VENV": "/opt/envs/python3.tar.gz"}))
		Expect(spec.Master.Script).To(Equal("source /etc/profile\nsource environment/bin/activate\nkernel-launcher"))
	})

	It("should rely on the image's Python when there is no packaged environment", func() {
		opts.ForwardEnv = "HOME, SPARK_HOME"
		opts.Queue = "notebooks"

		spec := provisioner.BuildApplicationSpec(&opts, []string{"HOME=/home/jovyan", "PATH=/usr/bin"})

		Expect(spec.Queue).To(Equal("notebooks"))
		Expect(spec.Master.Files).To(BeEmpty())
		Expect(spec.Master.Env).To(Equal(map[string]string{"HOME": "/home/jovyan"}))
		Expect(spec.Master.Script).To(Equal("source /etc/profile\nkernel-launcher"))
	})
})
