// Package launcher starts a Jupyter kernel inside a kernel application and publishes its connection
// info to the application's key-value store, where the provisioner is waiting for it.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/huage1994/skein-provisioner/common/jupyter"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/huage1994/skein-provisioner/common/utils"
	"github.com/huage1994/skein-provisioner/kernel_launcher/domain"
)

// NumPorts is the number of sockets a kernel binds: shell, iopub, stdin, control, and heartbeat.
const NumPorts = 5

type Launcher struct {
	log logger.Logger

	opts          *domain.LauncherOptions
	store         resourcemanager.KeyValueStore
	applicationId string
}

// New creates a Launcher that publishes to store, which must already be scoped to the application.
func New(opts *domain.LauncherOptions, store resourcemanager.KeyValueStore, applicationId string) *Launcher {
	l := &Launcher{
		opts:          opts,
		store:         store,
		applicationId: applicationId,
	}
	config.InitLogger(&l.log, l)

	return l
}

// Run starts the kernel, publishes its connection info, and waits for it to exit. It returns the
// kernel's exit code.
func (l *Launcher) Run(ctx context.Context) (int, error) {
	argv, err := l.opts.KernelArgv()
	if err != nil {
		return 1, err
	}

	info, err := l.ConnectionInfo()
	if err != nil {
		return 1, err
	}

	connectionFile, err := l.WriteConnectionFile(info)
	if err != nil {
		return 1, err
	}

	argv = SubstituteConnectionFile(argv, connectionFile)
	l.log.Info("Starting kernel for application %s: %v", l.applicationId, argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err = cmd.Start(); err != nil {
		return 1, fmt.Errorf("failed to start kernel: %w", err)
	}

	if err = l.store.Put(ctx, jupyter.KernelInfoKey, []byte(info.String())); err != nil {
		l.log.Error(utils.RedStyle.Render("Failed to publish connection info: %v"), err)
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 1, fmt.Errorf("failed to publish connection info: %w", err)
	}

	l.log.Info(utils.GreenStyle.Render("Published connection info of application %s under \"%s\"."),
		l.applicationId, jupyter.KernelInfoKey)

	err = cmd.Wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		l.log.Warn("Kernel exited with code %d.", exitErr.ExitCode())
		return exitErr.ExitCode(), nil
	} else if err != nil {
		return 1, err
	}

	l.log.Info("Kernel exited.")
	return 0, nil
}

// ConnectionInfo builds the connection info of a new kernel, reserving a free port for each socket.
func (l *Launcher) ConnectionInfo() (*jupyter.ConnectionInfo, error) {
	ip := l.opts.IP
	if ip == "" {
		var err error
		if ip, err = localIP(); err != nil {
			return nil, err
		}
	}

	ports, err := ReservePorts(ip, NumPorts)
	if err != nil {
		return nil, err
	}

	return &jupyter.ConnectionInfo{
		IP:              ip,
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		Transport:       l.opts.Transport,
		SignatureScheme: l.opts.SignatureScheme,
		Key:             uuid.NewString(),
		KernelName:      l.opts.KernelName,
	}, nil
}

// WriteConnectionFile writes info to a file that only the current user can read and returns its path.
func (l *Launcher) WriteConnectionFile(info *jupyter.ConnectionInfo) (string, error) {
	if err := os.MkdirAll(l.opts.ConnectionDir, 0o700); err != nil {
		return "", err
	}

	path, err := filepath.Abs(filepath.Join(l.opts.ConnectionDir, fmt.Sprintf("kernel-%s.json", l.applicationId)))
	if err != nil {
		return "", err
	}

	if err = os.WriteFile(path, []byte(info.PrettyString(2)), 0o600); err != nil {
		return "", fmt.Errorf("failed to write connection file: %w", err)
	}

	l.log.Debug("Wrote connection file %s.", path)
	return path, nil
}

// SubstituteConnectionFile replaces the connection file placeholder in each argument.
func SubstituteConnectionFile(argv []string, connectionFile string) []string {
	substituted := make([]string, len(argv))
	for i, arg := range argv {
		substituted[i] = strings.ReplaceAll(arg, jupyter.ConnectionFileVariable, connectionFile)
	}

	return substituted
}

// ReservePorts returns n distinct ports that were free on ip. The ports are released before returning,
// so the kernel can bind them.
func ReservePorts(ip string, n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, listener := range listeners {
			_ = listener.Close()
		}
	}()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			return nil, fmt.Errorf("failed to reserve port on %s: %w", ip, err)
		}

		listeners = append(listeners, listener)
		ports = append(ports, listener.Addr().(*net.TCPAddr).Port)
	}

	return ports, nil
}

// localIP returns the first non-loopback IPv4 address, or the loopback address if there is none.
func localIP() (string, error) {
	ips, err := utils.LocalIPv4Addresses()
	if err != nil {
		return "", err
	}

	if len(ips) == 0 {
		return "127.0.0.1", nil
	}

	return ips[0].String(), nil
}
