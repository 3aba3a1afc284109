// Package kubernetes implements resourcemanager.Client by running each kernel application as a Pod.
package kubernetes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/huage1994/skein-provisioner/common/kvstore"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/common/staging"
	"github.com/huage1994/skein-provisioner/common/utils"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	LabelManagedBy  = "app.kubernetes.io/managed-by"
	LabelName       = "app.kubernetes.io/name"
	LabelQueue      = "skein-provisioner/queue"
	AnnotationTags  = "skein-provisioner/tags"
	ManagedByValue  = "skein-provisioner"
	KernelContainer = "kernel"
)

// Options configures a Client.
type Options struct {
	// KubeNamespace is the namespace that kernel pods are created in.
	KubeNamespace string

	// Image is the container image that kernels run in.
	Image string

	Namespace *kvstore.Namespace

	// Staging is optional. When set, files that ship with an application are staged and their URLs
	// are passed to the kernel as KERNEL_RESOURCE_<NAME> environment variables.
	Staging staging.Provider
}

// Client is a resourcemanager.Client for Kubernetes.
type Client struct {
	log logger.Logger

	clientset kubernetes.Interface
	opts      Options

	closed atomic.Bool
}

// NewClientFromKubeConfig builds a clientset from the given kubeconfig file, or from the in-cluster
// configuration if kubeconfig is empty, and then calls NewClient.
func NewClientFromKubeConfig(ctx context.Context, kubeconfig string, opts Options) (*Client, error) {
	var (
		restConfig *rest.Config
		err        error
	)

	if kubeconfig == "" {
		restConfig, err = rest.InClusterConfig()
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load Kubernetes configuration")
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kubernetes clientset")
	}

	return NewClient(ctx, clientset, opts)
}

// NewClient creates a Client that uses the given clientset and verifies that the API server is reachable.
func NewClient(ctx context.Context, clientset kubernetes.Interface, opts Options) (*Client, error) {
	if opts.Namespace == nil {
		return nil, fmt.Errorf("kubernetes client requires a key-value namespace")
	}

	if opts.KubeNamespace == "" {
		opts.KubeNamespace = corev1.NamespaceDefault
	}

	client := &Client{clientset: clientset, opts: opts}
	config.InitLogger(&client.log, client)

	if err := client.Ping(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

func (c *Client) Ping(_ context.Context) error {
	if c.closed.Load() {
		return resourcemanager.ErrClientClosed
	}

	version, err := c.clientset.Discovery().ServerVersion()
	if err != nil {
		return errors.Wrap(err, "failed to reach the Kubernetes API server")
	}

	c.log.Trace("Kubernetes API server version: %s", version.String())
	return nil
}

func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Client) Submit(ctx context.Context, spec *resourcemanager.ApplicationSpec) (string, error) {
	if c.closed.Load() {
		return "", resourcemanager.ErrClientClosed
	}

	if err := spec.Validate(); err != nil {
		return "", err
	}

	applicationId := resourcemanager.UniqueName(spec.Name)

	pod, err := c.buildPod(ctx, applicationId, spec)
	if err != nil {
		return "", err
	}

	if _, err := c.clientset.CoreV1().Pods(c.opts.KubeNamespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return "", errors.Wrapf(err, "failed to create pod %s", applicationId)
	}

	c.log.Info(utils.LightBlueStyle.Render("Created pod %s/%s for application \"%s\"."), c.opts.KubeNamespace, applicationId, spec.Name)

	return applicationId, nil
}

func (c *Client) buildPod(ctx context.Context, applicationId string, spec *resourcemanager.ApplicationSpec) (*corev1.Pod, error) {
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

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	envVars := make([]corev1.EnvVar, 0, len(keys))
	for _, key := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: env[key]})
	}

	resources := corev1.ResourceList{
		corev1.ResourceMemory: *resource.NewQuantity(int64(spec.Master.Resources.MemoryMB)*1024*1024, resource.BinarySI),
		corev1.ResourceCPU:    *resource.NewQuantity(int64(spec.Master.Resources.VCores), resource.DecimalSI),
	}

	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelName:      resourcemanager.DNSLabel(spec.Name),
	}
	if spec.Queue != "" {
		labels[LabelQueue] = resourcemanager.DNSLabel(spec.Queue)
	}

	annotations := map[string]string{}
	if len(spec.Tags) > 0 {
		annotations[AnnotationTags] = strings.Join(spec.Tags, ",")
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        applicationId,
			Namespace:   c.opts.KubeNamespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    KernelContainer,
					Image:   c.opts.Image,
					Command: []string{"/bin/bash", "-c", spec.Master.Script},
					Env:     envVars,
					Resources: corev1.ResourceRequirements{
						Requests: resources,
						Limits:   resources,
					},
				},
			},
		},
	}, nil
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

	propagation := metav1.DeletePropagationBackground
	gracePeriod := int64(0)

	err := c.clientset.CoreV1().Pods(c.opts.KubeNamespace).Delete(ctx, applicationId, metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriod,
		PropagationPolicy:  &propagation,
	})
	if apierrors.IsNotFound(err) {
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "failed to delete pod %s", applicationId)
	}

	c.log.Info(utils.OrangeStyle.Render("Deleted pod %s/%s."), c.opts.KubeNamespace, applicationId)
	return nil
}

func (c *Client) ApplicationReport(ctx context.Context, applicationId string) (*resourcemanager.ApplicationReport, error) {
	if c.closed.Load() {
		return nil, resourcemanager.ErrClientClosed
	}

	pod, err := c.clientset.CoreV1().Pods(c.opts.KubeNamespace).Get(ctx, applicationId, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("%w: pod %s/%s", resourcemanager.ErrApplicationNotFound, c.opts.KubeNamespace, applicationId)
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to get pod %s", applicationId)
	}

	return podReport(pod), nil
}

// podReport maps a pod's phase onto the application lifecycle.
func podReport(pod *corev1.Pod) *resourcemanager.ApplicationReport {
	report := &resourcemanager.ApplicationReport{
		ID:          pod.Name,
		Name:        pod.Labels[LabelName],
		FinalStatus: resourcemanager.FinalStatusUndefined,
		Host:        pod.Status.HostIP,
		Diagnostics: pod.Status.Message,
	}

	if pod.Status.StartTime != nil {
		report.StartTime = pod.Status.StartTime.Time
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		report.State = resourcemanager.StateRunning
	case corev1.PodSucceeded:
		report.State = resourcemanager.StateFinished
		report.FinalStatus = resourcemanager.FinalStatusSucceeded
	case corev1.PodFailed:
		report.State = resourcemanager.StateFailed
		report.FinalStatus = resourcemanager.FinalStatusFailed
	case corev1.PodPending, "":
		report.State = resourcemanager.StateAccepted
		if !isScheduled(pod) {
			report.State = resourcemanager.StateSubmitted
		}
	default:
		report.State = resourcemanager.StateAccepted
	}

	for _, status := range pod.Status.ContainerStatuses {
		if status.Name != KernelContainer || status.State.Terminated == nil {
			continue
		}

		terminated := status.State.Terminated
		report.FinishTime = terminated.FinishedAt.Time
		if report.Diagnostics == "" {
			report.Diagnostics = fmt.Sprintf("container exited with code %d (%s) %s",
				terminated.ExitCode, terminated.Reason, terminated.Message)
		}
	}

	if pod.DeletionTimestamp != nil && report.State.IsActive() {
		report.State = resourcemanager.StateKilled
		report.FinalStatus = resourcemanager.FinalStatusKilled
		report.FinishTime = pod.DeletionTimestamp.Time
	}

	return report
}

func isScheduled(pod *corev1.Pod) bool {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodScheduled {
			return condition.Status == corev1.ConditionTrue
		}
	}

	return false
}
