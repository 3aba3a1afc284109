package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/huage1994/skein-provisioner/common/jupyter"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/common/utils"
	"github.com/huage1994/skein-provisioner/gateway/internal/kernel/provisioner"
	cmap "github.com/orcaman/concurrent-map/v2"
)

const (
	KernelIdParam = "kernel_id"

	kernelsRoute = "/api/kernels"
	kernelRoute  = kernelsRoute + "/:" + KernelIdParam
	healthRoute  = "/healthz"
	metricsRoute = "/metrics"
)

var ErrUnknownKernel = errors.New("unknown kernel")

// Kernel is a provisioner managed by the server.
type Kernel interface {
	provisioner.KernelProvisioner

	KernelID() string
	ApplicationID() string
	State() provisioner.State
	LastReport() *resourcemanager.ApplicationReport
}

// KernelFactory creates the provisioner of a kernel the first time the server hears of it. spec may be nil.
type KernelFactory func(kernelId string, spec *jupyter.KernelSpec) Kernel

// ClientProvider is used to answer health checks.
type ClientProvider interface {
	Acquire(ctx context.Context) (resourcemanager.Client, error)
}

type PreLaunchRequest struct {
	KernelSpec *jupyter.KernelSpec `json:"kernel_spec,omitempty"`
	Kwargs     map[string]any      `json:"kwargs"`
}

type LaunchRequest struct {
	KernelSpec *jupyter.KernelSpec `json:"kernel_spec,omitempty"`
	Cmd        []string            `json:"cmd"`
	Kwargs     map[string]any      `json:"kwargs"`
}

type SignalRequest struct {
	Signum int `json:"signum"`
}

// ExitCodeResponse is the result of Poll and Wait. ExitCode is null while the kernel is alive.
type ExitCodeResponse struct {
	ExitCode *int `json:"exit_code"`
}

type KernelResponse struct {
	KernelId      string                             `json:"kernel_id"`
	ApplicationId string                             `json:"application_id,omitempty"`
	State         provisioner.State                  `json:"state"`
	HasProcess    bool                               `json:"has_process"`
	Report        *resourcemanager.ApplicationReport `json:"report,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ProvisionerServer exposes the provisioner contract over HTTP, so that the notebook framework can
// drive kernels through a thin client.
type ProvisionerServer struct {
	log logger.Logger

	engine     *gin.Engine
	httpServer *http.Server

	kernels cmap.ConcurrentMap[string, Kernel]
	factory KernelFactory
	clients ClientProvider
}

// NewProvisionerServer creates the server and its routes. metricsHandler may be nil.
func NewProvisionerServer(factory KernelFactory, clients ClientProvider, metricsHandler gin.HandlerFunc, enableCors bool) *ProvisionerServer {
	srv := &ProvisionerServer{
		engine:  gin.New(),
		kernels: cmap.New[Kernel](),
		factory: factory,
		clients: clients,
	}
	config.InitLogger(&srv.log, srv)

	srv.setupRoutes(metricsHandler, enableCors)

	srv.httpServer = &http.Server{
		Handler:           srv.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv
}

func (srv *ProvisionerServer) setupRoutes(metricsHandler gin.HandlerFunc, enableCors bool) {
	srv.engine.Use(gin.Logger())
	srv.engine.Use(gin.Recovery())

	if enableCors {
		srv.engine.Use(cors.Default())
	}

	srv.engine.GET(healthRoute, srv.HandleHealthCheck)
	if metricsHandler != nil {
		srv.engine.GET(metricsRoute, metricsHandler)
	}

	srv.engine.GET(kernelsRoute, srv.HandleListKernels)
	srv.engine.GET(kernelRoute, srv.HandleGetKernel)
	srv.engine.DELETE(kernelRoute, srv.HandleCleanup)
	srv.engine.POST(kernelRoute+"/pre-launch", srv.HandlePreLaunch)
	srv.engine.POST(kernelRoute+"/launch", srv.HandleLaunch)
	srv.engine.GET(kernelRoute+"/poll", srv.HandlePoll)
	srv.engine.POST(kernelRoute+"/wait", srv.HandleWait)
	srv.engine.POST(kernelRoute+"/signal", srv.HandleSignal)
	srv.engine.POST(kernelRoute+"/kill", srv.HandleKill)
	srv.engine.POST(kernelRoute+"/terminate", srv.HandleTerminate)
}

// Handler returns the server's http.Handler.
func (srv *ProvisionerServer) Handler() http.Handler {
	return srv.engine
}

// Serve serves HTTP requests on the listener until Shutdown is called.
func (srv *ProvisionerServer) Serve(listener net.Listener) error {
	srv.log.Info("Serving kernel provisioner API at %v", listener.Addr())

	err := srv.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Shutdown stops accepting requests and waits for in-flight requests until ctx is done.
func (srv *ProvisionerServer) Shutdown(ctx context.Context) error {
	return srv.httpServer.Shutdown(ctx)
}

// NumKernels returns the number of kernels the server is tracking.
func (srv *ProvisionerServer) NumKernels() int {
	return srv.kernels.Count()
}

// getOrCreateKernel returns the provisioner of the kernel, creating it if this is the first request for it.
func (srv *ProvisionerServer) getOrCreateKernel(kernelId string, spec *jupyter.KernelSpec) Kernel {
	return srv.kernels.Upsert(kernelId, nil, func(exist bool, valueInMap Kernel, _ Kernel) Kernel {
		if exist {
			return valueInMap
		}

		srv.log.Debug("Creating provisioner for kernel %s.", kernelId)
		return srv.factory(kernelId, spec)
	})
}

func (srv *ProvisionerServer) getKernel(c *gin.Context) (Kernel, bool) {
	kernelId := c.Param(KernelIdParam)

	kernel, loaded := srv.kernels.Get(kernelId)
	if !loaded {
		srv.log.Warn("Received request for unknown kernel \"%s\".", kernelId)
		c.JSON(http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("%v: %s", ErrUnknownKernel, kernelId)})
		return nil, false
	}

	return kernel, true
}

func restartParam(c *gin.Context) bool {
	restart, _ := strconv.ParseBool(c.DefaultQuery("restart", "false"))
	return restart
}

// statusOf maps launch and poll errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, provisioner.ErrKernelLaunchTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, provisioner.ErrSubmissionFailed),
		errors.Is(err, provisioner.ErrConnectFailed),
		errors.Is(err, jupyter.ErrMalformedConnectionInfo):
		return http.StatusBadGateway
	case errors.Is(err, jupyter.ErrKernelNotLaunched):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (srv *ProvisionerServer) HandleHealthCheck(c *gin.Context) {
	client, err := srv.clients.Acquire(c.Request.Context())
	if err == nil {
		err = client.Ping(c.Request.Context())
	}

	if err != nil {
		srv.log.Warn("Health check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "kernels": srv.kernels.Count()})
}

func kernelResponse(kernel Kernel) KernelResponse {
	return KernelResponse{
		KernelId:      kernel.KernelID(),
		ApplicationId: kernel.ApplicationID(),
		State:         kernel.State(),
		HasProcess:    kernel.HasProcess(),
		Report:        kernel.LastReport(),
	}
}

func (srv *ProvisionerServer) HandleListKernels(c *gin.Context) {
	kernels := make([]KernelResponse, 0, srv.kernels.Count())
	for item := range srv.kernels.IterBuffered() {
		kernels = append(kernels, kernelResponse(item.Val))
	}

	c.JSON(http.StatusOK, kernels)
}

func (srv *ProvisionerServer) HandleGetKernel(c *gin.Context) {
	kernel, ok := srv.getKernel(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, kernelResponse(kernel))
}

func (srv *ProvisionerServer) HandlePreLaunch(c *gin.Context) {
	var req PreLaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	kernel := srv.getOrCreateKernel(c.Param(KernelIdParam), req.KernelSpec)

	kwargs, err := kernel.PreLaunch(c.Request.Context(), req.Kwargs)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, kwargs)
}

func (srv *ProvisionerServer) HandleLaunch(c *gin.Context) {
	var req LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	kernelId := c.Param(KernelIdParam)
	kernel := srv.getOrCreateKernel(kernelId, req.KernelSpec)

	srv.log.Info(utils.LightBlueStyle.Render("Received launch request for kernel %s."), kernelId)

	info, err := kernel.LaunchKernel(c.Request.Context(), req.Cmd, req.Kwargs)
	if err != nil {
		c.JSON(statusOf(err), ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, info)
}

func (srv *ProvisionerServer) HandlePoll(c *gin.Context) {
	kernel, ok := srv.getKernel(c)
	if !ok {
		return
	}

	exitCode, err := kernel.Poll(c.Request.Context())
	if err != nil {
		c.JSON(statusOf(err), ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, ExitCodeResponse{ExitCode: exitCode})
}

func (srv *ProvisionerServer) HandleWait(c *gin.Context) {
	kernel, ok := srv.getKernel(c)
	if !ok {
		return
	}

	exitCode, err := kernel.Wait(c.Request.Context())
	if err != nil {
		c.JSON(statusOf(err), ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, ExitCodeResponse{ExitCode: exitCode})
}

func (srv *ProvisionerServer) HandleSignal(c *gin.Context) {
	kernel, ok := srv.getKernel(c)
	if !ok {
		return
	}

	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if err := kernel.SendSignal(c.Request.Context(), req.Signum); err != nil {
		c.JSON(statusOf(err), ErrorResponse{Error: err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

func (srv *ProvisionerServer) HandleKill(c *gin.Context) {
	kernel, ok := srv.getKernel(c)
	if !ok {
		return
	}

	_ = kernel.Kill(c.Request.Context(), restartParam(c))
	c.Status(http.StatusNoContent)
}

func (srv *ProvisionerServer) HandleTerminate(c *gin.Context) {
	kernel, ok := srv.getKernel(c)
	if !ok {
		return
	}

	_ = kernel.Terminate(c.Request.Context(), restartParam(c))
	c.Status(http.StatusNoContent)
}

// HandleCleanup runs the kernel's cleanup and, unless the kernel is restarting, forgets it.
func (srv *ProvisionerServer) HandleCleanup(c *gin.Context) {
	kernel, ok := srv.getKernel(c)
	if !ok {
		return
	}

	restart := restartParam(c)
	if err := kernel.Cleanup(c.Request.Context(), restart); err != nil {
		srv.log.Warn("Cleanup of kernel %s failed: %v", kernel.KernelID(), err)
	}

	if !restart {
		srv.kernels.Remove(kernel.KernelID())
		srv.log.Debug("Forgot kernel %s.", kernel.KernelID())
	}

	c.Status(http.StatusNoContent)
}
