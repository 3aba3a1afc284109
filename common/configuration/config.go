package configuration

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/huage1994/skein-provisioner/common/utils"
)

const (
	ResourceManagerYarn       = "yarn"
	ResourceManagerKubernetes = "kubernetes"
	ResourceManagerDocker     = "docker"

	KVBackendConsul = "consul"
	KVBackendRedis  = "redis"
	KVBackendEtcd   = "etcd"

	StagingLocal = "local"
	StagingHdfs  = "hdfs"
	StagingS3    = "s3"

	// PollTimesEnv overrides the number of connection attempts made while waiting for a kernel's job to start.
	PollTimesEnv = "KERNEL_POLL_TIMES"
	// LegacyPollTimesEnv is read when PollTimesEnv is unset.
	LegacyPollTimesEnv = "SKEIN_POLL_TIMES"
	// VenvEnv is the path to the packaged Python environment shipped with every kernel job.
	VenvEnv = "IPYTHON_VENV"
	// ForwardEnvEnv is a comma-separated list of environment variables copied into the kernel job.
	ForwardEnvEnv = "KERNEL_FORWARD_ENV"
)

// ProvisionerOptions configures how kernels are provisioned on the cluster.
type ProvisionerOptions struct {
	ResourceManager string `name:"resource-manager" json:"resource_manager" yaml:"resource_manager" description:"The cluster resource manager to submit kernels to. Options are 'yarn', 'kubernetes', and 'docker'."`
	YarnAddress     string `name:"yarn-address"     json:"yarn_address"     yaml:"yarn_address"     description:"Base URL of the YARN ResourceManager REST API, e.g. http://localhost:8088."`
	YarnUser        string `name:"yarn-user"        json:"yarn_user"        yaml:"yarn_user"        description:"User name to submit YARN applications as."`
	KubeConfig      string `name:"kubeconfig"       json:"kubeconfig"       yaml:"kubeconfig"       description:"Path to a kubeconfig file. When empty, the in-cluster configuration is used."`
	KubeNamespace   string `name:"kube-namespace"   json:"kube_namespace"   yaml:"kube_namespace"   description:"Kubernetes namespace to create kernel pods in."`
	DockerHost      string `name:"docker-host"      json:"docker_host"      yaml:"docker_host"      description:"Docker daemon address. When empty, the environment's DOCKER_HOST is used."`
	DockerNetwork   string `name:"docker-network"   json:"docker_network"   yaml:"docker_network"   description:"Docker network to attach kernel containers to."`
	KernelImage     string `name:"kernel-image"     json:"kernel_image"     yaml:"kernel_image"     description:"Container image used for kernels when running on Kubernetes or Docker."`

	KVBackend string `name:"kv-backend" json:"kv_backend" yaml:"kv_backend" description:"Key-value store used to exchange connection info with kernels. Options are 'consul', 'redis', and 'etcd'."`
	KVAddress string `name:"kv-address" json:"kv_address" yaml:"kv_address" description:"Address of the key-value store."`
	KVPrefix  string `name:"kv-prefix"  json:"kv_prefix"  yaml:"kv_prefix"  description:"Key prefix under which each application gets its own namespace."`

	StagingBackend   string `name:"staging"           json:"staging"           yaml:"staging"           description:"Where files shipped with kernel jobs are staged. Options are 'local', 'hdfs', and 's3'."`
	StagingEndpoint  string `name:"staging-endpoint"  json:"staging_endpoint"  yaml:"staging_endpoint"  description:"HDFS NameNode address when staging to HDFS."`
	StagingDirectory string `name:"staging-directory" json:"staging_directory" yaml:"staging_directory" description:"Directory (or key prefix for S3) that staged files are written under."`
	StagingBucket    string `name:"staging-bucket"    json:"staging_bucket"    yaml:"staging_bucket"    description:"S3 bucket when staging to S3."`
	HdfsUser         string `name:"hdfs-user"         json:"hdfs_user"         yaml:"hdfs_user"         description:"User name used when connecting to HDFS."`

	ApplicationName string `name:"application-name" json:"application_name" yaml:"application_name" description:"Name given to kernel applications."`
	Queue           string `name:"queue"            json:"queue"            yaml:"queue"            description:"Resource manager queue that kernels are submitted to."`
	KernelMemoryMB  int    `name:"kernel-memory"    json:"kernel_memory"    yaml:"kernel_memory"    description:"Memory, in MB, requested for each kernel."`
	KernelVCores    int    `name:"kernel-vcores"    json:"kernel_vcores"    yaml:"kernel_vcores"    description:"Virtual cores requested for each kernel."`
	MaxAttempts     int    `name:"max-attempts"     json:"max_attempts"     yaml:"max_attempts"     description:"Number of times the resource manager may attempt to run a kernel's job."`
	LauncherCommand string `name:"launcher-command" json:"launcher_command" yaml:"launcher_command" description:"Command run inside the job to start the kernel and publish its connection info."`
	VenvArchive     string `name:"venv"             json:"venv"             yaml:"venv"             description:"Path to the packaged Python environment shipped with each kernel. Overridden by IPYTHON_VENV."`
	ForwardEnv      string `name:"forward-env"      json:"forward_env"      yaml:"forward_env"      description:"Comma-separated environment variables forwarded into kernel jobs. Overridden by KERNEL_FORWARD_ENV."`

	PollAttempts                  int `name:"poll-attempts"                    json:"poll_attempts"                    yaml:"poll_attempts"                    description:"Number of attempts made to connect to a kernel's job. Overridden by KERNEL_POLL_TIMES."`
	PollIntervalMillis            int `name:"poll-interval-ms"                 json:"poll_interval_ms"                 yaml:"poll_interval_ms"                 description:"Delay between connection attempts, in milliseconds."`
	SubmitTimeoutSeconds          int `name:"submit-timeout"                   json:"submit_timeout"                   yaml:"submit_timeout"                   description:"Bound on job submission, in seconds. 0 means unbounded."`
	HandshakeTimeoutSeconds       int `name:"handshake-timeout"                json:"handshake_timeout"                yaml:"handshake_timeout"                description:"Bound on waiting for the kernel's connection info, in seconds. 0 means unbounded."`
	HealthCheckIntervalMillis     int `name:"health-check-interval-ms"         json:"health_check_interval_ms"         yaml:"health_check_interval_ms"         description:"Interval between resource manager connection health checks, in milliseconds."`
	HealthCheckInitialDelayMillis int `name:"health-check-initial-delay-ms"    json:"health_check_initial_delay_ms"    yaml:"health_check_initial_delay_ms"    description:"Delay before the first health check, in milliseconds."`
}

// DefaultProvisionerOptions returns a ProvisionerOptions populated with the default values.
func DefaultProvisionerOptions() ProvisionerOptions {
	return ProvisionerOptions{
		ResourceManager:               ResourceManagerYarn,
		YarnAddress:                   "http://localhost:8088",
		KubeNamespace:                 "default",
		KernelImage:                   "jupyter/base-notebook:latest",
		KVBackend:                     KVBackendConsul,
		KVAddress:                     "localhost:8500",
		KVPrefix:                      "skein-provisioner",
		StagingBackend:                StagingLocal,
		StagingDirectory:              "/tmp/skein-provisioner",
		HdfsUser:                      "jovyan",
		ApplicationName:               "ipython-kernel",
		KernelMemoryMB:                2048,
		KernelVCores:                  1,
		MaxAttempts:                   1,
		LauncherCommand:               "kernel-launcher",
		ForwardEnv:                    VenvEnv,
		PollAttempts:                  30,
		PollIntervalMillis:            1000,
		HealthCheckIntervalMillis:     10000,
		HealthCheckInitialDelayMillis: 100,
	}
}

// ApplyEnvironment overlays the values of KERNEL_POLL_TIMES (or SKEIN_POLL_TIMES), IPYTHON_VENV, and
// KERNEL_FORWARD_ENV.
func (o *ProvisionerOptions) ApplyEnvironment() {
	o.PollAttempts = utils.GetEnvInt(PollTimesEnv, utils.GetEnvInt(LegacyPollTimesEnv, o.PollAttempts))
	o.VenvArchive = utils.GetEnv(VenvEnv, o.VenvArchive)
	o.ForwardEnv = utils.GetEnv(ForwardEnvEnv, o.ForwardEnv)
}

// ValidateProvisionerOptions returns an error if the combination of options cannot be used.
func (o *ProvisionerOptions) ValidateProvisionerOptions() error {
	switch o.ResourceManager {
	case ResourceManagerYarn:
		if o.YarnAddress == "" {
			return fmt.Errorf("the yarn resource manager requires -yarn-address")
		}
	case ResourceManagerKubernetes, ResourceManagerDocker:
		if o.KernelImage == "" {
			return fmt.Errorf("the %s resource manager requires -kernel-image", o.ResourceManager)
		}
	default:
		return fmt.Errorf("unknown resource manager \"%s\"", o.ResourceManager)
	}

	switch o.KVBackend {
	case KVBackendConsul, KVBackendRedis, KVBackendEtcd:
	default:
		return fmt.Errorf("unknown key-value backend \"%s\"", o.KVBackend)
	}

	switch o.StagingBackend {
	case StagingLocal:
	case StagingHdfs:
		if o.StagingEndpoint == "" {
			return fmt.Errorf("staging to hdfs requires -staging-endpoint")
		}
	case StagingS3:
		if o.StagingBucket == "" {
			return fmt.Errorf("staging to s3 requires -staging-bucket")
		}
	default:
		return fmt.Errorf("unknown staging backend \"%s\"", o.StagingBackend)
	}

	if o.PollAttempts < 1 {
		return fmt.Errorf("poll attempts must be at least 1, got %d", o.PollAttempts)
	}

	if o.KernelMemoryMB <= 0 || o.KernelVCores <= 0 {
		return fmt.Errorf("kernel resources must be positive, got %d MB / %d vcores", o.KernelMemoryMB, o.KernelVCores)
	}

	return nil
}

// ForwardedEnvironment returns the names listed in ForwardEnv.
func (o *ProvisionerOptions) ForwardedEnvironment() []string {
	names := make([]string, 0, strings.Count(o.ForwardEnv, ",")+1)
	for _, name := range strings.Split(o.ForwardEnv, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}

	return names
}

func (o *ProvisionerOptions) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMillis) * time.Millisecond
}

func (o *ProvisionerOptions) SubmitTimeout() time.Duration {
	return time.Duration(o.SubmitTimeoutSeconds) * time.Second
}

func (o *ProvisionerOptions) HandshakeTimeout() time.Duration {
	return time.Duration(o.HandshakeTimeoutSeconds) * time.Second
}

func (o *ProvisionerOptions) HealthCheckInterval() time.Duration {
	return time.Duration(o.HealthCheckIntervalMillis) * time.Millisecond
}

func (o *ProvisionerOptions) HealthCheckInitialDelay() time.Duration {
	return time.Duration(o.HealthCheckInitialDelayMillis) * time.Millisecond
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (o *ProvisionerOptions) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(o, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (o *ProvisionerOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}

	return string(m)
}
