package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/logger"
	"github.com/cenkalti/backoff"
	"github.com/huage1994/skein-provisioner/common/jupyter"
	"github.com/huage1994/skein-provisioner/common/metrics"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/common/utils"
)

var (
	ErrSubmissionFailed    = errors.New("failed to submit kernel application")
	ErrKernelLaunchTimeout = errors.New("timed out waiting for kernel application to start")
	ErrConnectFailed       = errors.New("failed to connect to kernel application")
)

// State is the lifecycle state of the kernel application managed by a Provisioner.
type State string

const (
	StateUnsubmitted State = "UNSUBMITTED"
	StateSubmitted   State = "SUBMITTED"
	StateConnecting  State = "CONNECTING"
	StateReady       State = "READY"
	StateRunning     State = "RUNNING"
	StateTerminated  State = "TERMINATED"
	StateFailed      State = "FAILED"
)

func (s State) String() string {
	return string(s)
}

// KernelProvisioner is the contract through which the notebook framework manages a single kernel.
type KernelProvisioner interface {
	// PreLaunch prepares the arguments of LaunchKernel. It returns a copy of kwargs with "cmd" set to the
	// kernel's argv and "env" extended with the kernel spec's environment.
	PreLaunch(ctx context.Context, kwargs map[string]any) (map[string]any, error)

	// LaunchKernel submits the kernel's application, waits for it to start, and returns the connection
	// info that the kernel publishes.
	LaunchKernel(ctx context.Context, cmd []string, kwargs map[string]any) (*jupyter.ConnectionInfo, error)

	// Poll returns nil while the application is alive, and a pointer to its exit code otherwise.
	Poll(ctx context.Context) (*int, error)

	Wait(ctx context.Context) (*int, error)
	SendSignal(ctx context.Context, signum int) error
	Kill(ctx context.Context, restart bool) error
	Terminate(ctx context.Context, restart bool) error
	Cleanup(ctx context.Context, restart bool) error
	HasProcess() bool
}

// ClientProvider hands out the shared resource manager client.
type ClientProvider interface {
	Acquire(ctx context.Context) (resourcemanager.Client, error)
}

type metricsProvider interface {
	ObserveConnectAttempt()
	ObserveKernelLaunch(outcome string, latency time.Duration)
}

// Provisioner runs one kernel as an application on the cluster resource manager.
//
// The mutex only guards the fields below. Callers are expected to serialize the lifecycle calls of a
// single kernel, as the notebook framework does.
type Provisioner struct {
	log logger.Logger

	kernelId   string
	kernelSpec *jupyter.KernelSpec
	spec       *resourcemanager.ApplicationSpec

	clients ClientProvider
	metrics metricsProvider

	pollAttempts     int
	pollInterval     time.Duration
	submitTimeout    time.Duration
	handshakeTimeout time.Duration

	mu            sync.Mutex
	state         State
	applicationId string
	app           resourcemanager.Application
	lastReport    *resourcemanager.ApplicationReport

	// connectAttempts and connectRetries describe the most recent launch.
	connectAttempts int
	connectRetries  int
}

var _ KernelProvisioner = (*Provisioner)(nil)

func (p *Provisioner) KernelID() string {
	return p.kernelId
}

func (p *Provisioner) ApplicationID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.applicationId
}

func (p *Provisioner) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// LastReport returns the application report retrieved by the most recent call to Poll, or nil.
func (p *Provisioner) LastReport() *resourcemanager.ApplicationReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.lastReport
}

// ConnectAttempts returns the number of connection attempts made by the most recent launch.
func (p *Provisioner) ConnectAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connectAttempts
}

func (p *Provisioner) HasProcess() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.app != nil
}

func (p *Provisioner) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != state {
		p.log.Debug("Kernel %s: %s → %s", p.kernelId, p.state, state)
		p.state = state
	}
}

func (p *Provisioner) PreLaunch(_ context.Context, kwargs map[string]any) (map[string]any, error) {
	launchKwargs := make(map[string]any, len(kwargs)+2)
	for key, value := range kwargs {
		launchKwargs[key] = value
	}

	env, err := envFromKwargs(kwargs)
	if err != nil {
		return nil, err
	}

	var argv []string
	if p.kernelSpec != nil {
		argv = append(argv, p.kernelSpec.Argv...)

		substitutions := make(map[string]string, len(p.kernelSpec.Env))
		for key, value := range p.kernelSpec.Env {
			substitutions[key] = os.Expand(value, func(name string) string {
				if value, ok := env[name]; ok {
					return value
				}
				return "${" + name + "}"
			})
		}

		for key, value := range substitutions {
			env[key] = value
		}
	}

	launchKwargs["cmd"] = argv
	launchKwargs["env"] = env

	return launchKwargs, nil
}

// envFromKwargs copies kwargs["env"], which may have been decoded from JSON.
func envFromKwargs(kwargs map[string]any) (map[string]string, error) {
	env := make(map[string]string)

	switch raw := kwargs["env"].(type) {
	case nil:
	case map[string]string:
		for key, value := range raw {
			env[key] = value
		}
	case map[string]any:
		for key, value := range raw {
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("environment variable \"%s\" has non-string value %v", key, value)
			}
			env[key] = s
		}
	default:
		return nil, fmt.Errorf("unexpected type %T for \"env\"", raw)
	}

	return env, nil
}

func (p *Provisioner) LaunchKernel(ctx context.Context, cmd []string, _ map[string]any) (*jupyter.ConnectionInfo, error) {
	startTime := time.Now()

	p.log.Info(utils.LightBlueStyle.Render("Launching kernel %s."), p.kernelId)

	p.mu.Lock()
	p.app = nil
	p.applicationId = ""
	p.lastReport = nil
	p.connectAttempts = 0
	p.connectRetries = 0
	p.mu.Unlock()

	client, err := p.clients.Acquire(ctx)
	if err != nil {
		return nil, p.launchFailed(metrics.LaunchFailed, startTime, fmt.Errorf("%w: kernel %s: %w", ErrSubmissionFailed, p.kernelId, err))
	}

	applicationId, err := p.submit(ctx, client, cmd)
	if err != nil {
		return nil, p.launchFailed(metrics.LaunchFailed, startTime, fmt.Errorf("%w: kernel %s: %w", ErrSubmissionFailed, p.kernelId, err))
	}

	p.mu.Lock()
	p.applicationId = applicationId
	p.mu.Unlock()
	p.setState(StateSubmitted)

	p.log.Info("Submitted application %s for kernel %s.", applicationId, p.kernelId)

	app, err := p.connect(ctx, client, applicationId)
	if err != nil {
		outcome := metrics.LaunchFailed
		if errors.Is(err, ErrKernelLaunchTimeout) {
			outcome = metrics.LaunchTimedOut
		}

		if ctx.Err() == nil {
			p.killBestEffort(client, applicationId)
		}

		return nil, p.launchFailed(outcome, startTime, err)
	}

	p.mu.Lock()
	p.app = app
	p.mu.Unlock()
	p.setState(StateReady)

	info, err := p.handshake(ctx, app)
	if err != nil {
		if ctx.Err() == nil {
			p.killBestEffort(client, applicationId)
		}

		return nil, p.launchFailed(metrics.LaunchFailed, startTime, err)
	}

	p.setState(StateRunning)
	if p.metrics != nil {
		p.metrics.ObserveKernelLaunch(metrics.LaunchSucceeded, time.Since(startTime))
	}

	p.log.Info(utils.GreenStyle.Render("Kernel %s is running as application %s (launched in %v)."),
		p.kernelId, applicationId, time.Since(startTime))

	return info, nil
}

func (p *Provisioner) submit(ctx context.Context, client resourcemanager.Client, cmd []string) (string, error) {
	spec := p.spec.Clone()

	if len(cmd) > 0 {
		argv, err := json.Marshal(cmd)
		if err != nil {
			return "", err
		}

		if spec.Master.Env == nil {
			spec.Master.Env = make(map[string]string, 1)
		}
		spec.Master.Env[jupyter.ArgvEnv] = string(argv)
	}

	if p.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.submitTimeout)
		defer cancel()
	}

	return client.Submit(ctx, spec)
}

// connect makes up to pollAttempts non-blocking connection attempts, pollInterval apart.
func (p *Provisioner) connect(ctx context.Context, client resourcemanager.Client, applicationId string) (resourcemanager.Application, error) {
	p.setState(StateConnecting)

	var b backoff.BackOff = &backoff.StopBackOff{}
	if p.pollAttempts > 1 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(p.pollInterval), uint64(p.pollAttempts-1))
	}

	var (
		app     resourcemanager.Application
		lastErr error
		attempt int
	)

	operation := func() error {
		attempt += 1
		p.mu.Lock()
		p.connectAttempts = attempt
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.ObserveConnectAttempt()
		}

		p.log.Debug("Connecting to application %s for kernel %s [attempt %d/%d].",
			applicationId, p.kernelId, attempt, p.pollAttempts)

		result := client.Connect(ctx, applicationId)
		switch result.Status {
		case resourcemanager.ConnectReady:
			app = result.Application
			return nil
		case resourcemanager.ConnectPending:
			lastErr = result.Err
			if lastErr == nil {
				lastErr = resourcemanager.ErrApplicationNotRunning
			}
			return lastErr
		default:
			lastErr = result.Err
			if lastErr == nil {
				lastErr = fmt.Errorf("application %s refused the connection", applicationId)
			}
			return backoff.Permanent(lastErr)
		}
	}

	notify := func(err error, next time.Duration) {
		p.mu.Lock()
		p.connectRetries += 1
		p.mu.Unlock()

		p.log.Debug("Application %s is not ready (%v). Retrying in %v.", applicationId, err, next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if err == nil {
		return app, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%w: KernelID: '%s', ApplicationID: '%s': %w", ErrConnectFailed, p.kernelId, applicationId, ctxErr)
	}

	if errors.Is(lastErr, resourcemanager.ErrApplicationNotRunning) {
		return nil, fmt.Errorf("%w: KernelID: '%s', ApplicationID: '%s' %s", ErrKernelLaunchTimeout, p.kernelId, applicationId, lastErr.Error())
	}

	return nil, fmt.Errorf("%w: KernelID: '%s', ApplicationID: '%s' %w", ErrConnectFailed, p.kernelId, applicationId, lastErr)
}

// handshake waits for the kernel to publish its connection info.
func (p *Provisioner) handshake(ctx context.Context, app resourcemanager.Application) (*jupyter.ConnectionInfo, error) {
	if p.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.handshakeTimeout)
		defer cancel()
	}

	p.log.Debug("Waiting for kernel %s to publish its connection info under \"%s\".", p.kernelId, jupyter.KernelInfoKey)

	payload, err := app.KV().Wait(ctx, jupyter.KernelInfoKey)
	if err != nil {
		return nil, fmt.Errorf("%w: KernelID: '%s', ApplicationID: '%s': %w", ErrConnectFailed, p.kernelId, app.ID(), err)
	}

	info, err := jupyter.ParseConnectionInfo(payload)
	if err != nil {
		p.log.Error("Kernel %s published malformed connection info: %s", p.kernelId, string(payload))
		return nil, err
	}

	if err = info.Validate(); err != nil {
		p.log.Warn("Kernel %s published connection info without an address or ports: %s", p.kernelId, string(payload))
	}

	p.log.Debug("Kernel %s connection info: %s", p.kernelId, info.String())
	return info, nil
}

func (p *Provisioner) launchFailed(outcome string, startTime time.Time, err error) error {
	p.setState(StateFailed)

	if p.metrics != nil {
		p.metrics.ObserveKernelLaunch(outcome, time.Since(startTime))
	}

	p.log.Error(utils.RedStyle.Render("Failed to launch kernel %s: %v"), p.kernelId, err)
	return err
}

func (p *Provisioner) killBestEffort(client resourcemanager.Client, applicationId string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Kill(ctx, applicationId); err != nil {
		p.log.Warn("Failed to kill application %s of kernel %s: %v", applicationId, p.kernelId, err)
	}

	p.mu.Lock()
	p.app = nil
	p.mu.Unlock()
}

func (p *Provisioner) Poll(ctx context.Context) (*int, error) {
	applicationId := p.ApplicationID()
	if applicationId == "" {
		return nil, jupyter.ErrKernelNotLaunched
	}

	client, err := p.clients.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	exitCode := 0

	report, err := client.ApplicationReport(ctx, applicationId)
	if errors.Is(err, resourcemanager.ErrApplicationNotFound) {
		p.log.Debug("Application %s of kernel %s no longer exists.", applicationId, p.kernelId)
		return &exitCode, nil
	} else if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.lastReport = report
	p.mu.Unlock()

	p.log.Debug("Application %s of kernel %s is in state %s.", applicationId, p.kernelId, report.State)

	if report.State.IsActive() {
		return nil, nil
	}

	return &exitCode, nil
}

func (p *Provisioner) Wait(_ context.Context) (*int, error) {
	return nil, nil
}

func (p *Provisioner) SendSignal(_ context.Context, _ int) error {
	return nil
}

func (p *Provisioner) Kill(ctx context.Context, restart bool) error {
	p.stop(ctx, "kill", restart)
	return nil
}

func (p *Provisioner) Terminate(ctx context.Context, restart bool) error {
	p.stop(ctx, "terminate", restart)
	return nil
}

func (p *Provisioner) Cleanup(_ context.Context, _ bool) error {
	return nil
}

// stop kills the application. Failures are logged and otherwise ignored.
func (p *Provisioner) stop(ctx context.Context, op string, restart bool) {
	applicationId := p.ApplicationID()
	if applicationId == "" {
		p.log.Debug("Ignoring %s of kernel %s, which has no application.", op, p.kernelId)
		return
	}

	p.log.Info(utils.OrangeStyle.Render("Received %s request for kernel %s (application %s, restart=%v)."),
		op, p.kernelId, applicationId, restart)

	p.mu.Lock()
	p.app = nil
	p.mu.Unlock()
	p.setState(StateTerminated)

	client, err := p.clients.Acquire(ctx)
	if err != nil {
		p.log.Warn("Could not %s application %s of kernel %s: %v", op, applicationId, p.kernelId, err)
		return
	}

	if err = client.Kill(ctx, applicationId); err != nil {
		p.log.Warn("Could not %s application %s of kernel %s: %v", op, applicationId, p.kernelId, err)
	}
}
