// Package staging uploads files that ship with a kernel application (such as the packaged Python
// environment) to storage the cluster's nodes can read from.
package staging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"go.uber.org/zap"
)

const (
	Connected    ConnectionStatus = "CONNECTED"
	Connecting   ConnectionStatus = "CONNECTING"
	Disconnected ConnectionStatus = "DISCONNECTED"

	BackendLocal = "local"
	BackendHdfs  = "hdfs"
	BackendS3    = "s3"
)

var (
	ErrNotConnected   = fmt.Errorf("staging provider is not connected")
	ErrUnknownBackend = fmt.Errorf("unknown staging backend")
)

// ConnectionStatus indicates the status of the connection with the remote storage.
type ConnectionStatus string

// Provider copies local files to storage that is reachable by the resource manager's nodes.
type Provider interface {
	Connect() error

	Close() error

	// ConnectionStatus returns the current ConnectionStatus of the Provider.
	ConnectionStatus() ConnectionStatus

	// Stage uploads the file at localPath under the given name (a relative path within the provider's
	// staging directory) and returns a description of the uploaded copy.
	Stage(ctx context.Context, localPath string, name string) (*resourcemanager.LocalResource, error)
}

// Options configures a Provider.
type Options struct {
	// Endpoint is the HDFS NameNode address. Unused by other backends.
	Endpoint string

	// Directory is the directory (or, for S3, the key prefix) that staged files are written under.
	Directory string

	// Bucket is the S3 bucket. Unused by other backends.
	Bucket string

	// HdfsUser is the user to connect to HDFS as.
	HdfsUser string
}

// New returns an unconnected Provider for the given backend.
func New(backend string, opts Options) (Provider, error) {
	switch strings.ToLower(backend) {
	case BackendLocal, "":
		return NewLocalProvider(opts.Directory), nil
	case BackendHdfs:
		provider := NewHdfsProvider(opts.Endpoint, opts.Directory)
		if opts.HdfsUser != "" {
			provider.SetHdfsUsername(opts.HdfsUser)
		}
		return provider, nil
	case BackendS3:
		return NewS3Provider(opts.Bucket, opts.Directory), nil
	default:
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownBackend, backend)
	}
}

type baseProvider struct {
	logger        *zap.Logger
	sugaredLogger *zap.SugaredLogger

	status ConnectionStatus

	hostname  string
	directory string
}

func newBaseProvider(hostname string, directory string) *baseProvider {
	provider := &baseProvider{
		hostname:  hostname,
		directory: directory,
		status:    Disconnected,
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "[ERROR] Failed to create Zap Development logger because: %v\n", err)
		logger = zap.NewNop()
	}

	provider.logger = logger
	provider.sugaredLogger = logger.Sugar()

	return provider
}

// ConnectionStatus returns the current ConnectionStatus of the Provider.
func (p *baseProvider) ConnectionStatus() ConnectionStatus {
	return p.status
}

// statLocal returns the size of the local file that is about to be staged.
func statLocal(localPath string) (int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}

	if info.IsDir() {
		return 0, fmt.Errorf("cannot stage \"%s\": is a directory", localPath)
	}

	return info.Size(), nil
}
