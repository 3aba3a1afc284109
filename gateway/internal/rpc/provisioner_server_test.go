package rpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/huage1994/skein-provisioner/common/jupyter"
	"github.com/huage1994/skein-provisioner/common/mock_resourcemanager"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/gateway/internal/kernel/provisioner"
	"github.com/huage1994/skein-provisioner/gateway/internal/rpc"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

// fakeKernel records the calls made to it.
type fakeKernel struct {
	mu sync.Mutex

	id    string
	spec  *jupyter.KernelSpec
	calls []string

	launchErr  error
	info       *jupyter.ConnectionInfo
	exitCode   *int
	pollErr    error
	hasProcess bool
	lastCmd    []string
	signum     int
}

func (k *fakeKernel) record(call string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, call)
}

func (k *fakeKernel) Calls() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.calls...)
}

func (k *fakeKernel) PreLaunch(_ context.Context, kwargs map[string]any) (map[string]any, error) {
	k.record("pre-launch")
	out := map[string]any{"cmd": k.spec.Argv}
	for key, value := range kwargs {
		out[key] = value
	}
	return out, nil
}

func (k *fakeKernel) LaunchKernel(_ context.Context, cmd []string, _ map[string]any) (*jupyter.ConnectionInfo, error) {
	k.record("launch")
	k.lastCmd = cmd
	if k.launchErr != nil {
		return nil, k.launchErr
	}
	k.hasProcess = true
	return k.info, nil
}

func (k *fakeKernel) Poll(_ context.Context) (*int, error) {
	k.record("poll")
	return k.exitCode, k.pollErr
}

func (k *fakeKernel) Wait(_ context.Context) (*int, error) {
	k.record("wait")
	return nil, nil
}

func (k *fakeKernel) SendSignal(_ context.Context, signum int) error {
	k.record("signal")
	k.signum = signum
	return nil
}

func (k *fakeKernel) Kill(_ context.Context, restart bool) error {
	k.record(fmt.Sprintf("kill(%v)", restart))
	k.hasProcess = false
	return nil
}

func (k *fakeKernel) Terminate(_ context.Context, restart bool) error {
	k.record(fmt.Sprintf("terminate(%v)", restart))
	k.hasProcess = false
	return nil
}

func (k *fakeKernel) Cleanup(_ context.Context, restart bool) error {
	k.record(fmt.Sprintf("cleanup(%v)", restart))
	return nil
}

func (k *fakeKernel) HasProcess() bool {
	return k.hasProcess
}

func (k *fakeKernel) KernelID() string {
	return k.id
}

func (k *fakeKernel) ApplicationID() string {
	if k.hasProcess {
		return "application_1_0001"
	}
	return ""
}

func (k *fakeKernel) State() provisioner.State {
	if k.hasProcess {
		return provisioner.StateRunning
	}
	return provisioner.StateUnsubmitted
}

func (k *fakeKernel) LastReport() *resourcemanager.ApplicationReport {
	return nil
}

type staticClients struct {
	client resourcemanager.Client
	err    error
}

func (s *staticClients) Acquire(_ context.Context) (resourcemanager.Client, error) {
	return s.client, s.err
}

var _ = Describe("ProvisionerServer", func() {
	var (
		mockCtrl *gomock.Controller
		client   *mock_resourcemanager.MockClient
		clients  *staticClients
		kernels  map[string]*fakeKernel
		server   *rpc.ProvisionerServer
		info     *jupyter.ConnectionInfo
	)

	do := func(method string, path string, body any) *httptest.ResponseRecorder {
		var reader *bytes.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			Expect(err).To(BeNil())
			reader = bytes.NewReader(payload)
		} else {
			reader = bytes.NewReader(nil)
		}

		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")

		recorder := httptest.NewRecorder()
		server.Handler().ServeHTTP(recorder, req)
		return recorder
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		client = mock_resourcemanager.NewMockClient(mockCtrl)
		clients = &staticClients{client: client}
		kernels = make(map[string]*fakeKernel)
		info = &jupyter.ConnectionInfo{
			IP: "10.0.0.7", Transport: "tcp", ShellPort: 1, IOPubPort: 2, StdinPort: 3, ControlPort: 4, HBPort: 5,
			SignatureScheme: "hmac-sha256", Key: "abc",
		}

		factory := func(kernelId string, spec *jupyter.KernelSpec) rpc.Kernel {
			if spec == nil {
				spec = &jupyter.KernelSpec{}
			}
			kernel := &fakeKernel{id: kernelId, spec: spec, info: info}
			kernels[kernelId] = kernel
			return kernel
		}

		server = rpc.NewProvisionerServer(factory, clients, func(c *gin.Context) {
			c.String(http.StatusOK, "# metrics")
		}, true)
	})

	It("should return the connection info exactly as the kernel published it", func() {
		published := `{"ip":"10.0.0.7","transport":"tcp","shell_port":1,"iopub_port":2,"stdin_port":3,"control_port":4,"hb_port":5,"key":"abc","session_id":"s-1"}`

		var err error
		info, err = jupyter.ParseConnectionInfo([]byte(published))
		Expect(err).To(BeNil())

		resp := do(http.MethodPost, "/api/kernels/k1/launch", rpc.LaunchRequest{Cmd: []string{"python"}})
		Expect(resp.Code).To(Equal(http.StatusOK))
		Expect(resp.Body.String()).To(MatchJSON(published))
	})

	It("should drive a kernel through its lifecycle", func() {
		resp := do(http.MethodPost, "/api/kernels/k1/pre-launch", rpc.PreLaunchRequest{
			KernelSpec: &jupyter.KernelSpec{Argv: []string{"python", "-m", "ipykernel_launcher"}},
			Kwargs:     map[string]any{"cwd": "/work"},
		})
		Expect(resp.Code).To(Equal(http.StatusOK))

		var kwargs map[string]any
		Expect(json.Unmarshal(resp.Body.Bytes(), &kwargs)).To(Succeed())
		Expect(kwargs).To(HaveKeyWithValue("cwd", "/work"))
		Expect(kwargs).To(HaveKeyWithValue("cmd", ConsistOf("python", "-m", "ipykernel_launcher")))

		resp = do(http.MethodPost, "/api/kernels/k1/launch", rpc.LaunchRequest{Cmd: []string{"python"}})
		Expect(resp.Code).To(Equal(http.StatusOK))

		var launched jupyter.ConnectionInfo
		Expect(json.Unmarshal(resp.Body.Bytes(), &launched)).To(Succeed())
		Expect(&launched).To(Equal(info))
		Expect(kernels["k1"].lastCmd).To(Equal([]string{"python"}))

		resp = do(http.MethodGet, "/api/kernels/k1/poll", nil)
		Expect(resp.Code).To(Equal(http.StatusOK))
		Expect(resp.Body.String()).To(MatchJSON(`{"exit_code":null}`))

		resp = do(http.MethodGet, "/api/kernels/k1", nil)
		Expect(resp.Code).To(Equal(http.StatusOK))
		Expect(resp.Body.String()).To(MatchJSON(
			`{"kernel_id":"k1","application_id":"application_1_0001","state":"RUNNING","has_process":true}`))

		resp = do(http.MethodPost, "/api/kernels/k1/signal", rpc.SignalRequest{Signum: 2})
		Expect(resp.Code).To(Equal(http.StatusNoContent))
		Expect(kernels["k1"].signum).To(Equal(2))

		resp = do(http.MethodPost, "/api/kernels/k1/kill?restart=true", nil)
		Expect(resp.Code).To(Equal(http.StatusNoContent))

		resp = do(http.MethodPost, "/api/kernels/k1/terminate", nil)
		Expect(resp.Code).To(Equal(http.StatusNoContent))

		resp = do(http.MethodPost, "/api/kernels/k1/wait", nil)
		Expect(resp.Code).To(Equal(http.StatusOK))

		resp = do(http.MethodDelete, "/api/kernels/k1", nil)
		Expect(resp.Code).To(Equal(http.StatusNoContent))
		Expect(server.NumKernels()).To(Equal(0))

		Expect(kernels["k1"].Calls()).To(Equal([]string{
			"pre-launch", "launch", "poll", "signal", "kill(true)", "terminate(false)", "wait", "cleanup(false)",
		}))
	})

	It("should keep a restarting kernel after cleanup", func() {
		Expect(do(http.MethodPost, "/api/kernels/k2/launch", rpc.LaunchRequest{}).Code).To(Equal(http.StatusOK))

		resp := do(http.MethodDelete, "/api/kernels/k2?restart=true", nil)
		Expect(resp.Code).To(Equal(http.StatusNoContent))
		Expect(server.NumKernels()).To(Equal(1))

		resp = do(http.MethodGet, "/api/kernels", nil)
		Expect(resp.Code).To(Equal(http.StatusOK))
		Expect(resp.Body.String()).To(ContainSubstring(`"kernel_id":"k2"`))
	})

	It("should reuse the provisioner of a known kernel", func() {
		do(http.MethodPost, "/api/kernels/k3/pre-launch", rpc.PreLaunchRequest{})
		do(http.MethodPost, "/api/kernels/k3/launch", rpc.LaunchRequest{})

		Expect(kernels).To(HaveLen(1))
		Expect(kernels["k3"].Calls()).To(Equal([]string{"pre-launch", "launch"}))
	})

	It("should return 404 for unknown kernels", func() {
		for _, path := range []string{"/api/kernels/missing", "/api/kernels/missing/poll"} {
			resp := do(http.MethodGet, path, nil)
			Expect(resp.Code).To(Equal(http.StatusNotFound))
			Expect(resp.Body.String()).To(ContainSubstring("unknown kernel"))
		}

		Expect(do(http.MethodPost, "/api/kernels/missing/kill", nil).Code).To(Equal(http.StatusNotFound))
	})

	It("should map launch errors to status codes", func() {
		do(http.MethodPost, "/api/kernels/k4/pre-launch", rpc.PreLaunchRequest{})

		kernels["k4"].launchErr = fmt.Errorf("%w: KernelID: 'k4', ApplicationID: 'app' pending", provisioner.ErrKernelLaunchTimeout)
		resp := do(http.MethodPost, "/api/kernels/k4/launch", rpc.LaunchRequest{})
		Expect(resp.Code).To(Equal(http.StatusGatewayTimeout))
		Expect(resp.Body.String()).To(ContainSubstring("KernelID: 'k4'"))

		kernels["k4"].launchErr = fmt.Errorf("%w: queue is full", provisioner.ErrSubmissionFailed)
		Expect(do(http.MethodPost, "/api/kernels/k4/launch", rpc.LaunchRequest{}).Code).To(Equal(http.StatusBadGateway))

		kernels["k4"].pollErr = jupyter.ErrKernelNotLaunched
		Expect(do(http.MethodGet, "/api/kernels/k4/poll", nil).Code).To(Equal(http.StatusConflict))
	})

	It("should reject malformed requests", func() {
		req := httptest.NewRequest(http.MethodPost, "/api/kernels/k5/launch", bytes.NewBufferString("{"))
		req.Header.Set("Content-Type", "application/json")
		recorder := httptest.NewRecorder()
		server.Handler().ServeHTTP(recorder, req)

		Expect(recorder.Code).To(Equal(http.StatusBadRequest))
		Expect(server.NumKernels()).To(Equal(0))
	})

	Context("health checks", func() {
		It("should report a healthy resource manager connection", func() {
			client.EXPECT().Ping(gomock.Any()).Return(nil)

			resp := do(http.MethodGet, "/healthz", nil)
			Expect(resp.Code).To(Equal(http.StatusOK))
			Expect(resp.Body.String()).To(MatchJSON(`{"status":"ok","kernels":0}`))
		})

		It("should report an unhealthy resource manager connection", func() {
			client.EXPECT().Ping(gomock.Any()).Return(errors.New("connection refused"))
			Expect(do(http.MethodGet, "/healthz", nil).Code).To(Equal(http.StatusServiceUnavailable))

			clients.err = errors.New("no resource manager")
			Expect(do(http.MethodGet, "/healthz", nil).Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	It("should serve on a listener until shut down", func() {
		client.EXPECT().Ping(gomock.Any()).Return(nil)

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(BeNil())

		served := make(chan error, 1)
		go func() {
			served <- server.Serve(listener)
		}()

		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", listener.Addr()))
		Expect(err).To(BeNil())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		Expect(server.Shutdown(context.Background())).To(Succeed())
		Eventually(served).Should(Receive(BeNil()))
	})

	It("should serve metrics", func() {
		resp := do(http.MethodGet, "/metrics", nil)
		Expect(resp.Code).To(Equal(http.StatusOK))
		Expect(resp.Body.String()).To(Equal("# metrics"))
	})
})
