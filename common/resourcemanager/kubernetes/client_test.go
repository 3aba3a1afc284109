package kubernetes_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/huage1994/skein-provisioner/common/kvstore"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/common/resourcemanager/kubernetes"
	"github.com/huage1994/skein-provisioner/common/staging"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

var _ = Describe("Kubernetes Client", func() {
	var (
		clientset *fake.Clientset
		client    *kubernetes.Client
		spec      *resourcemanager.ApplicationSpec
		ctx       context.Context
		cancel    context.CancelFunc
	)

	setPhase := func(name string, phase corev1.PodPhase, message string) {
		pod, err := clientset.CoreV1().Pods("kernels").Get(ctx, name, metav1.GetOptions{})
		Expect(err).To(BeNil())

		pod.Status.Phase = phase
		pod.Status.Message = message
		_, err = clientset.CoreV1().Pods("kernels").UpdateStatus(ctx, pod, metav1.UpdateOptions{})
		Expect(err).To(BeNil())
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		clientset = fake.NewSimpleClientset()

		provider := staging.NewLocalProvider("")
		Expect(provider.Connect()).To(Succeed())

		var err error
		client, err = kubernetes.NewClient(ctx, clientset, kubernetes.Options{
			KubeNamespace: "kernels",
			Image:         "jupyter/base-notebook:latest",
			Namespace:     &kvstore.Namespace{Backend: "redis", Address: "redis:6379", Prefix: "skein", Store: kvstore.NewMemoryStore()},
			Staging:       provider,
		})
		Expect(err).To(BeNil())

		spec = &resourcemanager.ApplicationSpec{
			Name:        "ipython-kernel",
			Queue:       "interactive",
			Tags:        []string{"kernel", "python3"},
			MaxAttempts: 1,
			Master: resourcemanager.Master{
				Resources: resourcemanager.Resources{MemoryMB: 2048, VCores: 1},
				Env:       map[string]string{"PYTHONUNBUFFERED": "1"},
				Script:    "source /etc/profile\nkernel-launcher",
			},
		}
	})

	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
		cancel()
	})

	It("should create a pod for each application", func() {
		venv := filepath.Join(GinkgoT().TempDir(), "env.tar.gz")
		Expect(os.WriteFile(venv, []byte("archive"), 0644)).To(Succeed())
		spec.Master.Files = map[string]resourcemanager.File{"environment": {Source: venv, Type: resourcemanager.ResourceArchive}}

		id, err := client.Submit(ctx, spec)
		Expect(err).To(BeNil())
		Expect(id).To(MatchRegexp(`^ipython-kernel-[0-9a-f]{8}$`))

		pod, err := clientset.CoreV1().Pods("kernels").Get(ctx, id, metav1.GetOptions{})
		Expect(err).To(BeNil())
		Expect(pod.Spec.RestartPolicy).To(Equal(corev1.RestartPolicyNever))
		Expect(pod.Labels).To(HaveKeyWithValue(kubernetes.LabelManagedBy, kubernetes.ManagedByValue))
		Expect(pod.Labels).To(HaveKeyWithValue(kubernetes.LabelQueue, "interactive"))
		Expect(pod.Annotations).To(HaveKeyWithValue(kubernetes.AnnotationTags, "kernel,python3"))

		Expect(pod.Spec.Containers).To(HaveLen(1))
		container := pod.Spec.Containers[0]
		Expect(container.Image).To(Equal("jupyter/base-notebook:latest"))
		Expect(container.Command).To(Equal([]string{"/bin/bash", "-c", spec.Master.Script}))
		Expect(container.Resources.Limits.Memory().Value()).To(Equal(int64(2048 * 1024 * 1024)))
		Expect(container.Resources.Limits.Cpu().Value()).To(Equal(int64(1)))

		env := make(map[string]string)
		for _, v := range container.Env {
			env[v.Name] = v.Value
		}
		Expect(env).To(HaveKeyWithValue("PYTHONUNBUFFERED", "1"))
		Expect(env).To(HaveKeyWithValue(kvstore.EnvApplicationID, id))
		Expect(env).To(HaveKeyWithValue(kvstore.EnvBackend, "redis"))
		Expect(env).To(HaveKeyWithValue("KERNEL_RESOURCE_ENVIRONMENT", "file://"+venv))
	})

	It("should map pod phases onto application states", func() {
		id, err := client.Submit(ctx, spec)
		Expect(err).To(BeNil())

		report, err := client.ApplicationReport(ctx, id)
		Expect(err).To(BeNil())
		Expect(report.State).To(Equal(resourcemanager.StateSubmitted))

		result := client.Connect(ctx, id)
		Expect(result.Status).To(Equal(resourcemanager.ConnectPending))

		setPhase(id, corev1.PodRunning, "")
		result = client.Connect(ctx, id)
		Expect(result.Status).To(Equal(resourcemanager.ConnectReady))
		Expect(result.Application.ID()).To(Equal(id))

		setPhase(id, corev1.PodSucceeded, "")
		report, err = client.ApplicationReport(ctx, id)
		Expect(err).To(BeNil())
		Expect(report.State).To(Equal(resourcemanager.StateFinished))
		Expect(report.FinalStatus).To(Equal(resourcemanager.FinalStatusSucceeded))

		setPhase(id, corev1.PodFailed, "OOMKilled")
		result = client.Connect(ctx, id)
		Expect(result.Status).To(Equal(resourcemanager.ConnectFailed))
		Expect(result.Err).To(MatchError(resourcemanager.ErrApplicationTerminated))
		Expect(result.Err.Error()).To(ContainSubstring("OOMKilled"))
	})

	It("should delete pods on kill and tolerate missing pods", func() {
		id, err := client.Submit(ctx, spec)
		Expect(err).To(BeNil())

		Expect(client.Kill(ctx, id)).To(Succeed())

		_, err = client.ApplicationReport(ctx, id)
		Expect(err).To(MatchError(resourcemanager.ErrApplicationNotFound))

		Expect(client.Kill(ctx, id)).To(Succeed())
	})

	It("should refuse to be used after it is closed", func() {
		Expect(client.Ping(ctx)).To(Succeed())
		Expect(client.Close()).To(Succeed())
		Expect(client.Ping(ctx)).To(MatchError(resourcemanager.ErrClientClosed))

		_, err := client.Submit(ctx, spec)
		Expect(err).To(MatchError(resourcemanager.ErrClientClosed))
	})
})
