package provisioner

import (
	"strings"

	"github.com/huage1994/skein-provisioner/common/configuration"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/common/utils"
)

const (
	// EnvironmentFile is the name under which the packaged Python environment is localized.
	EnvironmentFile = "environment"

	KernelTag = "jupyter-kernel"
)

// BuildApplicationSpec returns the description of a kernel's application. environ is the provisioner's
// environment, in the form returned by os.Environ; only the variables listed in opts.ForwardEnv are passed
// on to the kernel.
func BuildApplicationSpec(opts *configuration.ProvisionerOptions, environ []string) *resourcemanager.ApplicationSpec {
	script := []string{"source /etc/profile"}

	var files map[string]resourcemanager.File
	if opts.VenvArchive != "" {
		files = map[string]resourcemanager.File{
			EnvironmentFile: {Source: opts.VenvArchive, Type: resourcemanager.ResourceArchive},
		}
		script = append(script, "source "+EnvironmentFile+"/bin/activate")
	}

	script = append(script, opts.LauncherCommand)

	return &resourcemanager.ApplicationSpec{
		Name:        opts.ApplicationName,
		Queue:       opts.Queue,
		Tags:        []string{KernelTag},
		MaxAttempts: opts.MaxAttempts,
		Master: resourcemanager.Master{
			Resources: resourcemanager.Resources{
				MemoryMB: opts.KernelMemoryMB,
				VCores:   opts.KernelVCores,
			},
			Files:  files,
			Env:    utils.FilterEnv(environ, opts.ForwardedEnvironment()),
			Script: strings.Join(script, "\n"),
		},
	}
}
