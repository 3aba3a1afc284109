package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/huage1994/skein-provisioner/common/consul"
	"github.com/huage1994/skein-provisioner/common/jupyter"
	"github.com/huage1994/skein-provisioner/common/kvstore"
	"github.com/huage1994/skein-provisioner/common/metrics"
	"github.com/huage1994/skein-provisioner/common/staging"
	"github.com/huage1994/skein-provisioner/common/utils"
	"github.com/huage1994/skein-provisioner/gateway/domain"
	"github.com/huage1994/skein-provisioner/gateway/internal/driver"
	"github.com/huage1994/skein-provisioner/gateway/internal/kernel/provisioner"
	"github.com/huage1994/skein-provisioner/gateway/internal/rpc"
	"github.com/muesli/termenv"
)

const (
	ServiceName = "kernel-provisioner"
	healthPath  = "/healthz"
)

var (
	options      = domain.DefaultGatewayOptions()
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}

	options.ApplyEnvironment()

	if err = options.ValidateGatewayOptions(); err != nil {
		log.Fatal(err)
	}
}

func createStagingProvider(opts *domain.GatewayOptions) staging.Provider {
	provider, err := staging.New(opts.StagingBackend, staging.Options{
		Endpoint:  opts.StagingEndpoint,
		Directory: opts.StagingDirectory,
		Bucket:    opts.StagingBucket,
		HdfsUser:  opts.HdfsUser,
	})
	if err != nil {
		log.Fatalf("Failed to create staging provider: %v", err)
	}

	if err = provider.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s staging storage: %v", opts.StagingBackend, err)
	}

	return provider
}

func createConsulClient(opts *domain.GatewayOptions) *consul.Client {
	if opts.ConsulAddr == "" {
		return nil
	}

	globalLogger.Info("Initializing consul agent [host: %v]...", opts.ConsulAddr)
	consulClient, err := consul.NewClient(opts.ConsulAddr)
	if err != nil {
		log.Fatalf("Got error while initializing consul agent: %v", err)
	}
	globalLogger.Info("Consul agent initialized")

	return consulClient
}

func main() {
	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the kernel provisioner with the following options:\n%s\n", options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the kernel provisioner.")
	}

	if options.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	nodeName := options.NodeName
	if nodeName == "" {
		hostname, _ := os.Hostname()
		nodeName = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}

	store, err := kvstore.New(options.KVBackend, options.KVAddress)
	if err != nil {
		log.Fatalf("Failed to connect to the %s key-value store: %v", options.KVBackend, err)
	}

	namespace := &kvstore.Namespace{
		Backend: options.KVBackend,
		Address: options.KVAddress,
		Prefix:  options.KVPrefix,
		Store:   store,
	}

	stagingProvider := createStagingProvider(&options)

	clientFactory, err := driver.NewClientFactory(&options.ProvisionerOptions, namespace, stagingProvider)
	if err != nil {
		log.Fatal(err)
	}

	provisionerMetrics, err := metrics.NewProvisionerMetrics(nodeName)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	supervisor := driver.NewSupervisor(clientFactory, driver.Options{
		HealthCheckInterval:     options.HealthCheckInterval(),
		HealthCheckInitialDelay: options.HealthCheckInitialDelay(),
	}, provisionerMetrics)

	kernelFactory := func(kernelId string, spec *jupyter.KernelSpec) rpc.Kernel {
		return provisioner.NewBuilder().
			SetKernelID(kernelId).
			SetKernelSpec(spec).
			SetClientProvider(supervisor).
			SetMetricsProvider(provisionerMetrics).
			SetOptions(&options.ProvisionerOptions).
			Build()
	}

	server := rpc.NewProvisionerServer(kernelFactory, supervisor, provisionerMetrics.HandleRequest, options.EnableCors)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", options.Port))
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	globalLogger.Info("Kernel provisioner listening at %v", listener.Addr())

	consulClient := createConsulClient(&options)
	if consulClient != nil {
		if err = consulClient.Register(ServiceName, nodeName, "", options.Port, healthPath); err != nil {
			log.Fatalf("Failed to register in consul: %v", err)
		}
		globalLogger.Info("Successfully registered in consul")
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	select {
	case s := <-sig:
		globalLogger.Info("Received %v. Shutting down...", s)
	case err = <-serveErr:
		globalLogger.Error(utils.RedStyle.Render("Error while serving kernel provisioner API: %v"), err)
	}

	if consulClient != nil {
		if err := consulClient.Deregister(nodeName); err != nil {
			globalLogger.Warn("Failed to deregister from consul: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(options.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		globalLogger.Warn("Failed to shut down HTTP server cleanly: %v", err)
	}

	if err := supervisor.Close(); err != nil {
		globalLogger.Warn("Failed to close resource manager client: %v", err)
	}

	if err := stagingProvider.Close(); err != nil {
		globalLogger.Warn("Failed to close staging provider: %v", err)
	}

	if err := store.Close(); err != nil {
		globalLogger.Warn("Failed to close key-value store: %v", err)
	}

	globalLogger.Info("Kernel provisioner stopped.")
}
