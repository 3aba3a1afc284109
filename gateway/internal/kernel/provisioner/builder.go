package provisioner

import (
	"os"

	"github.com/Scusemua/go-utils/config"
	"github.com/huage1994/skein-provisioner/common/configuration"
	"github.com/huage1994/skein-provisioner/common/jupyter"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
)

type Builder struct {
	kernelId        string
	kernelSpec      *jupyter.KernelSpec
	clientProvider  ClientProvider
	metricsProvider metricsProvider
	applicationSpec *resourcemanager.ApplicationSpec
	opts            *configuration.ProvisionerOptions
}

// NewBuilder initializes a new builder instance.
func NewBuilder() *Builder {
	return &Builder{}
}

// SetKernelID sets the ID of the kernel.
func (b *Builder) SetKernelID(kernelId string) *Builder {
	b.kernelId = kernelId
	return b
}

// SetKernelSpec sets the KernelSpec.
func (b *Builder) SetKernelSpec(spec *jupyter.KernelSpec) *Builder {
	b.kernelSpec = spec
	return b
}

// SetClientProvider sets the ClientProvider, usually the process's driver.Supervisor.
func (b *Builder) SetClientProvider(provider ClientProvider) *Builder {
	b.clientProvider = provider
	return b
}

// SetMetricsProvider sets the MetricsProvider.
func (b *Builder) SetMetricsProvider(metricsProvider metricsProvider) *Builder {
	b.metricsProvider = metricsProvider
	return b
}

// SetApplicationSpec overrides the ApplicationSpec that would otherwise be built from the options.
func (b *Builder) SetApplicationSpec(spec *resourcemanager.ApplicationSpec) *Builder {
	b.applicationSpec = spec
	return b
}

// SetOptions sets the ProvisionerOptions.
func (b *Builder) SetOptions(opts *configuration.ProvisionerOptions) *Builder {
	b.opts = opts
	return b
}

// Build constructs the Provisioner.
func (b *Builder) Build() *Provisioner {
	opts := b.opts
	if opts == nil {
		defaults := configuration.DefaultProvisionerOptions()
		opts = &defaults
	}

	spec := b.applicationSpec
	if spec == nil {
		spec = BuildApplicationSpec(opts, os.Environ())
	}

	pollAttempts := opts.PollAttempts
	if pollAttempts < 1 {
		pollAttempts = 1
	}

	provisioner := &Provisioner{
		kernelId:         b.kernelId,
		kernelSpec:       b.kernelSpec,
		spec:             spec.Clone(),
		clients:          b.clientProvider,
		metrics:          b.metricsProvider,
		pollAttempts:     pollAttempts,
		pollInterval:     opts.PollInterval(),
		submitTimeout:    opts.SubmitTimeout(),
		handshakeTimeout: opts.HandshakeTimeout(),
		state:            StateUnsubmitted,
	}

	config.InitLogger(&provisioner.log, provisioner)

	return provisioner
}
