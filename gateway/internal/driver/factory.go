package driver

import (
	"context"
	"fmt"

	"github.com/huage1994/skein-provisioner/common/configuration"
	"github.com/huage1994/skein-provisioner/common/kvstore"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/common/resourcemanager/docker"
	"github.com/huage1994/skein-provisioner/common/resourcemanager/kubernetes"
	"github.com/huage1994/skein-provisioner/common/resourcemanager/yarn"
	"github.com/huage1994/skein-provisioner/common/staging"
)

// NewClientFactory returns a ClientFactory for the resource manager selected by opts.
//
// The namespace and staging provider are shared by every client the factory creates, so that they
// survive a restart of the Supervisor's client.
func NewClientFactory(opts *configuration.ProvisionerOptions, namespace *kvstore.Namespace, stagingProvider staging.Provider) (ClientFactory, error) {
	switch opts.ResourceManager {
	case configuration.ResourceManagerYarn:
		return func(ctx context.Context) (resourcemanager.Client, error) {
			client, err := yarn.NewClient(ctx, yarn.Options{
				Address:   opts.YarnAddress,
				User:      opts.YarnUser,
				Namespace: namespace,
				Staging:   stagingProvider,
			})
			return wrap(client, err)
		}, nil
	case configuration.ResourceManagerKubernetes:
		return func(ctx context.Context) (resourcemanager.Client, error) {
			client, err := kubernetes.NewClientFromKubeConfig(ctx, opts.KubeConfig, kubernetes.Options{
				KubeNamespace: opts.KubeNamespace,
				Image:         opts.KernelImage,
				Namespace:     namespace,
				Staging:       stagingProvider,
			})
			return wrap(client, err)
		}, nil
	case configuration.ResourceManagerDocker:
		return func(ctx context.Context) (resourcemanager.Client, error) {
			client, err := docker.NewClientFromEnv(ctx, opts.DockerHost, docker.Options{
				Image:     opts.KernelImage,
				Network:   opts.DockerNetwork,
				Namespace: namespace,
				Staging:   stagingProvider,
			})
			return wrap(client, err)
		}, nil
	default:
		return nil, fmt.Errorf("unknown resource manager \"%s\"", opts.ResourceManager)
	}
}

// wrap keeps a failed constructor from returning a non-nil interface holding a nil client.
func wrap[C resourcemanager.Client](client C, err error) (resourcemanager.Client, error) {
	if err != nil {
		return nil, err
	}

	return client, nil
}
