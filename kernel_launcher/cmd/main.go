package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/huage1994/skein-provisioner/common/kvstore"
	"github.com/huage1994/skein-provisioner/kernel_launcher/domain"
	"github.com/huage1994/skein-provisioner/kernel_launcher/internal/launcher"
	"github.com/muesli/termenv"
)

var (
	options      = domain.DefaultLauncherOptions()
	globalLogger = config.GetLogger("")
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)
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
}

func main() {
	ValidateOptions()

	globalLogger.Debug("Starting kernel launcher with options:\n%s", options.PrettyString(2))

	store, applicationId, err := kvstore.FromEnvironment()
	if err != nil {
		log.Fatalf("Failed to open the application's key-value store: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	exitCode, err := launcher.New(&options, store, applicationId).Run(ctx)
	stop()

	if closeErr := store.Close(); closeErr != nil {
		globalLogger.Warn("Failed to close key-value store: %v", closeErr)
	}

	if err != nil {
		globalLogger.Error("Kernel launcher failed: %v", err)
	}

	os.Exit(exitCode)
}
