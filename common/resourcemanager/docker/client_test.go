package docker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/huage1994/skein-provisioner/common/kvstore"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/common/resourcemanager/docker"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeContainer struct {
	config     *container.Config
	hostConfig *container.HostConfig
	state      types.ContainerState
}

// fakeDockerAPI keeps containers in memory, keyed by name.
type fakeDockerAPI struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	pingErr    error
	startErr   error
	removed    []string
	closed     bool
}

func newFakeDockerAPI() *fakeDockerAPI {
	return &fakeDockerAPI{containers: make(map[string]*fakeContainer)}
}

func (f *fakeDockerAPI) Ping(_ context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.46"}, f.pingErr
}

func (f *fakeDockerAPI) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.containers[containerName]; ok {
		return container.CreateResponse{}, errdefs.Conflict(fmt.Errorf("container name %s is already in use", containerName))
	}

	f.containers[containerName] = &fakeContainer{
		config:     config,
		hostConfig: hostConfig,
		state:      types.ContainerState{Status: "created"},
	}

	return container.CreateResponse{ID: containerName}, nil
}

func (f *fakeDockerAPI) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return f.startErr
	}

	f.containers[containerID].state.Status = "running"
	f.containers[containerID].state.Running = true
	f.containers[containerID].state.StartedAt = "2024-05-01T10:00:00.000000000Z"
	return nil
}

func (f *fakeDockerAPI) ContainerInspect(_ context.Context, containerID string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[containerID]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(fmt.Errorf("No such container: %s", containerID))
	}

	state := c.state
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{ID: containerID, Name: "/" + containerID, State: &state},
		Config:            c.config,
	}, nil
}

func (f *fakeDockerAPI) ContainerRemove(_ context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.containers[containerID]; !ok {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", containerID))
	}

	if !options.Force {
		return errdefs.Conflict(errors.New("cannot remove a running container without force"))
	}

	delete(f.containers, containerID)
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDockerAPI) Close() error {
	f.closed = true
	return nil
}

func (f *fakeDockerAPI) exit(containerID string, code int, oomKilled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.containers[containerID].state = types.ContainerState{
		Status:     "exited",
		ExitCode:   code,
		OOMKilled:  oomKilled,
		StartedAt:  "2024-05-01T10:00:00.000000000Z",
		FinishedAt: "2024-05-01T10:05:00.000000000Z",
	}
}

var _ = Describe("Docker Client", func() {
	var (
		api    *fakeDockerAPI
		client *docker.Client
		spec   *resourcemanager.ApplicationSpec
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		api = newFakeDockerAPI()

		var err error
		client, err = docker.NewClient(ctx, api, docker.Options{
			Image:     "jupyter/base-notebook:latest",
			Network:   "kernels",
			Namespace: &kvstore.Namespace{Backend: "etcd", Address: "etcd:2379", Prefix: "skein", Store: kvstore.NewMemoryStore()},
		})
		Expect(err).To(BeNil())

		spec = &resourcemanager.ApplicationSpec{
			Name:        "ipython-kernel",
			MaxAttempts: 1,
			Master: resourcemanager.Master{
				Resources: resourcemanager.Resources{MemoryMB: 512, VCores: 2},
				Env:       map[string]string{"PYTHONUNBUFFERED": "1"},
				Script:    "kernel-launcher",
			},
		}
	})

	It("should fail to connect to an unreachable daemon", func() {
		api := newFakeDockerAPI()
		api.pingErr = errors.New("Cannot connect to the Docker daemon")

		_, err := docker.NewClient(ctx, api, docker.Options{Namespace: &kvstore.Namespace{}})
		Expect(err).To(MatchError(ContainSubstring("Cannot connect")))
	})

	It("should run each application in its own container", func() {
		id, err := client.Submit(ctx, spec)
		Expect(err).To(BeNil())
		Expect(id).To(HavePrefix("ipython-kernel-"))

		c := api.containers[id]
		Expect(c.config.Image).To(Equal("jupyter/base-notebook:latest"))
		Expect([]string(c.config.Cmd)).To(Equal([]string{"/bin/bash", "-c", "kernel-launcher"}))
		Expect(c.config.Env).To(ContainElements(
			"PYTHONUNBUFFERED=1",
			"KERNEL_APPLICATION_ID="+id,
			"KERNEL_KV_BACKEND=etcd",
			"KERNEL_KV_ADDRESS=etcd:2379",
			"KERNEL_KV_PREFIX=skein",
		))
		Expect(c.hostConfig.Memory).To(Equal(int64(512 * 1024 * 1024)))
		Expect(c.hostConfig.NanoCPUs).To(Equal(int64(2e9)))
		Expect(string(c.hostConfig.NetworkMode)).To(Equal("kernels"))

		result := client.Connect(ctx, id)
		Expect(result.Status).To(Equal(resourcemanager.ConnectReady))
		Expect(result.Application.ID()).To(Equal(id))
	})

	It("should remove containers that fail to start", func() {
		api.startErr = errors.New("image not found")

		_, err := client.Submit(ctx, spec)
		Expect(err).To(MatchError(ContainSubstring("image not found")))
		Expect(api.containers).To(BeEmpty())
		Expect(api.removed).To(HaveLen(1))
	})

	It("should refuse files when no staging provider is configured", func() {
		spec.Master.Files = map[string]resourcemanager.File{"environment": {Source: "/tmp/env.tar.gz"}}

		_, err := client.Submit(ctx, spec)
		Expect(err).To(MatchError(resourcemanager.ErrInvalidApplicationSpec))
	})

	It("should report exited containers as finished or failed", func() {
		id, err := client.Submit(ctx, spec)
		Expect(err).To(BeNil())

		api.exit(id, 0, false)
		report, err := client.ApplicationReport(ctx, id)
		Expect(err).To(BeNil())
		Expect(report.State).To(Equal(resourcemanager.StateFinished))
		Expect(report.FinalStatus).To(Equal(resourcemanager.FinalStatusSucceeded))
		Expect(report.Name).To(Equal("ipython-kernel"))
		Expect(report.FinishTime.Sub(report.StartTime).Minutes()).To(Equal(5.0))

		api.exit(id, 137, true)
		result := client.Connect(ctx, id)
		Expect(result.Status).To(Equal(resourcemanager.ConnectFailed))
		Expect(result.Err.Error()).To(ContainSubstring("exited with code 137 (OOM killed)"))
	})

	It("should force-remove containers on kill and tolerate missing containers", func() {
		id, err := client.Submit(ctx, spec)
		Expect(err).To(BeNil())

		Expect(client.Kill(ctx, id)).To(Succeed())
		Expect(api.removed).To(Equal([]string{id}))

		_, err = client.ApplicationReport(ctx, id)
		Expect(err).To(MatchError(resourcemanager.ErrApplicationNotFound))

		Expect(client.Kill(ctx, id)).To(Succeed())
	})

	It("should close the underlying API client once", func() {
		Expect(client.Close()).To(Succeed())
		Expect(api.closed).To(BeTrue())
		Expect(client.Close()).To(Succeed())
		Expect(client.Ping(ctx)).To(MatchError(resourcemanager.ErrClientClosed))
	})
})
