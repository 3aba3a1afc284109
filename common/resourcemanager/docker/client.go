// Package docker implements resourcemanager.Client by running each kernel application as a container
// on a single Docker host. It is intended for development and for small, single-node deployments.
package docker

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerClient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/huage1994/skein-provisioner/common/kvstore"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/common/staging"
	"github.com/huage1994/skein-provisioner/common/utils"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelName      = "app.kubernetes.io/name"
	ManagedByValue = "skein-provisioner"
)

// API is the subset of the Docker Engine API used by Client.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Options configures a Client.
type Options struct {
	// Image is the container image that kernels run in.
	Image string

	// Network is the Docker network that kernel containers are attached to. Optional.
	Network string

	Namespace *kvstore.Namespace

	// Staging is optional. When set, files that ship with an application are staged and their URLs
	// are passed to the kernel as KERNEL_RESOURCE_<NAME> environment variables.
	Staging staging.Provider
}

// Client is a resourcemanager.Client for a Docker host.
type Client struct {
	log logger.Logger

	api  API
	opts Options

	closed atomic.Bool
}

// NewClientFromEnv connects to the Docker daemon at host, or to the daemon described by the
// environment (DOCKER_HOST and friends) if host is empty.
func NewClientFromEnv(ctx context.Context, host string, opts Options) (*Client, error) {
	clientOpts := []dockerClient.Opt{dockerClient.FromEnv, dockerClient.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, dockerClient.WithHost(host))
	}

	api, err := dockerClient.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Docker client")
	}

	client, err := NewClient(ctx, api, opts)
	if err != nil {
		_ = api.Close()
		return nil, err
	}

	return client, nil
}

// NewClient creates a Client that uses the given API and verifies that the daemon is reachable.
func NewClient(ctx context.Context, api API, opts Options) (*Client, error) {
	if opts.Namespace == nil {
		return nil, fmt.Errorf("docker client requires a key-value namespace")
	}

	client := &Client{api: api, opts: opts}
	config.InitLogger(&client.log, client)

	if err := client.Ping(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return resourcemanager.ErrClientClosed
	}

	if _, err := c.api.Ping(ctx); err != nil {
		return errors.Wrap(err, "failed to reach the Docker daemon")
	}

	return nil
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	return c.api.Close()
}

func (c *Client) Submit(ctx context.Context, spec *resourcemanager.ApplicationSpec) (string, error) {
	if c.closed.Load() {
		return "", resourcemanager.ErrClientClosed
	}

	if err := spec.Validate(); err != nil {
		return "", err
	}

	applicationId := resourcemanager.UniqueName(spec.Name)

	env, err := c.environment(ctx, applicationId, spec)
	if err != nil {
		return "", err
	}

	containerConfig := &container.Config{
		Image: c.opts.Image,
		Cmd:   []string{"/bin/bash", "-c", spec.Master.Script},
		Env:   env,
		Labels: map[string]string{
			LabelManagedBy: ManagedByValue,
			LabelName:      resourcemanager.DNSLabel(spec.Name),
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   int64(spec.Master.Resources.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(spec.Master.Resources.VCores) * 1e9,
		},
	}
	if c.opts.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(c.opts.Network)
	}

	created, err := c.api.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, applicationId)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create container %s", applicationId)
	}

	for _, warning := range created.Warnings {
		c.log.Warn("Docker warning while creating container %s: %s", applicationId, warning)
	}

	if err := c.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if removeErr := c.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			c.log.Error("Failed to remove container %s after it failed to start: %v", applicationId, removeErr)
		}
		return "", errors.Wrapf(err, "failed to start container %s", applicationId)
	}

	c.log.Info(utils.LightBlueStyle.Render("Started container %s (%s) for application \"%s\"."),
		applicationId, shortID(created.ID), spec.Name)

	return applicationId, nil
}

func (c *Client) environment(ctx context.Context, applicationId string, spec *resourcemanager.ApplicationSpec) ([]string, error) {
	env := make(map[string]string, len(spec.Master.Env)+len(spec.Master.Files)+4)
	for key, value := range spec.Master.Env {
		env[key] = value
	}

	for name, file := range spec.Master.Files {
		if c.opts.Staging == nil {
			return nil, fmt.Errorf("%w: file \"%s\" cannot be shipped without a staging provider",
				resourcemanager.ErrInvalidApplicationSpec, name)
		}

		staged, err := c.opts.Staging.Stage(ctx, file.Source, applicationId+"/"+name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stage file \"%s\"", name)
		}

		env[resourcemanager.ResourceEnvName(name)] = staged.URL
	}

	for key, value := range c.opts.Namespace.Environment(applicationId) {
		env[key] = value
	}

	entries := make([]string, 0, len(env))
	for key, value := range env {
		entries = append(entries, key+"="+value)
	}
	sort.Strings(entries)

	return entries, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}

func (c *Client) Connect(ctx context.Context, applicationId string) resourcemanager.ConnectResult {
	report, err := c.ApplicationReport(ctx, applicationId)
	if err != nil {
		return resourcemanager.Failed(err)
	}

	if report.State != resourcemanager.StateRunning {
		return resourcemanager.NotRunningResult(applicationId, report)
	}

	return resourcemanager.Connected(resourcemanager.NewApplication(applicationId, c.opts.Namespace.For(applicationId)))
}

func (c *Client) Kill(ctx context.Context, applicationId string) error {
	if c.closed.Load() {
		return resourcemanager.ErrClientClosed
	}

	err := c.api.ContainerRemove(ctx, applicationId, container.RemoveOptions{Force: true})
	if errdefs.IsNotFound(err) {
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "failed to remove container %s", applicationId)
	}

	c.log.Info(utils.OrangeStyle.Render("Removed container %s."), applicationId)
	return nil
}

func (c *Client) ApplicationReport(ctx context.Context, applicationId string) (*resourcemanager.ApplicationReport, error) {
	if c.closed.Load() {
		return nil, resourcemanager.ErrClientClosed
	}

	inspect, err := c.api.ContainerInspect(ctx, applicationId)
	if errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("%w: container %s", resourcemanager.ErrApplicationNotFound, applicationId)
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to inspect container %s", applicationId)
	}

	return containerReport(applicationId, inspect), nil
}

// containerReport maps a container's status onto the application lifecycle.
func containerReport(applicationId string, inspect types.ContainerJSON) *resourcemanager.ApplicationReport {
	report := &resourcemanager.ApplicationReport{
		ID:          applicationId,
		FinalStatus: resourcemanager.FinalStatusUndefined,
		State:       resourcemanager.StateAccepted,
	}

	if inspect.Config != nil {
		report.Name = inspect.Config.Labels[LabelName]
	}

	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return report
	}

	state := inspect.State
	report.StartTime = parseDockerTime(state.StartedAt)
	report.FinishTime = parseDockerTime(state.FinishedAt)

	switch state.Status {
	case "created":
		report.State = resourcemanager.StateSubmitted
	case "running":
		report.State = resourcemanager.StateRunning
	case "restarting", "paused":
		report.State = resourcemanager.StateAccepted
	case "removing":
		report.State = resourcemanager.StateKilled
		report.FinalStatus = resourcemanager.FinalStatusKilled
	case "exited", "dead":
		if state.ExitCode == 0 && !state.OOMKilled {
			report.State = resourcemanager.StateFinished
			report.FinalStatus = resourcemanager.FinalStatusSucceeded
		} else {
			report.State = resourcemanager.StateFailed
			report.FinalStatus = resourcemanager.FinalStatusFailed
			report.Diagnostics = fmt.Sprintf("container exited with code %d", state.ExitCode)
			if state.OOMKilled {
				report.Diagnostics += " (OOM killed)"
			}
			if state.Error != "" {
				report.Diagnostics += ": " + state.Error
			}
		}
	}

	return report
}

func parseDockerTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}

	return t
}
