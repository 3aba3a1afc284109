package staging

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	"github.com/colinmarc/hdfs/v2"
	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultHdfsUsername string = "jovyan"
)

// HdfsProvider implements the Provider API for HDFS.
type HdfsProvider struct {
	*baseProvider

	hdfsUsername string
	hdfsClient   *hdfs.Client
}

func NewHdfsProvider(hostname string, directory string) *HdfsProvider {
	return &HdfsProvider{
		baseProvider: newBaseProvider(hostname, directory),
		hdfsUsername: defaultHdfsUsername,
	}
}

// SetHdfsUsername sets the username to use when connecting to HDFS.
//
// If the HdfsProvider is already connected to HDFS, then changing the username will not have an effect
// unless the HdfsProvider reconnects to HDFS.
func (p *HdfsProvider) SetHdfsUsername(user string) {
	p.hdfsUsername = user
}

func (p *HdfsProvider) Connect() error {
	p.sugaredLogger.Debug("Connecting to remote storage",
		zap.String("remote_storage", "hdfs"),
		zap.String("hostname", p.hostname))

	p.status = Connecting

	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, err := (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext(ctx, network, address)
		if err != nil {
			p.sugaredLogger.Errorf("Failed to dial HDFS node at address '%s' with network '%s' because: %v", address, network, err)
			return nil, err
		}
		return conn, nil
	}

	hdfsClient, err := hdfs.NewClient(hdfs.ClientOptions{
		Addresses:        []string{p.hostname},
		User:             p.hdfsUsername,
		NamenodeDialFunc: dial,
		DatanodeDialFunc: dial,
	})
	if err != nil {
		p.status = Disconnected
		p.logger.Error("Failed to create HDFS client.", zap.String("remote_storage_hostname", p.hostname), zap.Error(err))
		return err
	}

	p.sugaredLogger.Infof("Successfully connected to HDFS at '%s'", p.hostname)
	p.hdfsClient = hdfsClient
	p.status = Connected

	return nil
}

func (p *HdfsProvider) Close() error {
	if p.hdfsClient == nil {
		return nil
	}

	p.status = Disconnected
	err := p.hdfsClient.Close()
	p.hdfsClient = nil
	return err
}

func (p *HdfsProvider) Stage(_ context.Context, localPath string, name string) (*resourcemanager.LocalResource, error) {
	if p.status != Connected || p.hdfsClient == nil {
		return nil, ErrNotConnected
	}

	if _, err := statLocal(localPath); err != nil {
		return nil, err
	}

	remotePath := path.Join("/", p.directory, name)

	if err := p.hdfsClient.MkdirAll(path.Dir(remotePath), os.FileMode(0755)); err != nil {
		p.logger.Error("Failed to create HDFS directory.", zap.String("directory", path.Dir(remotePath)), zap.Error(err))
		return nil, errors.Wrapf(err, "failed to create HDFS directory \"%s\"", path.Dir(remotePath))
	}

	// CopyToRemote refuses to overwrite, so replace any file left over from an earlier attempt.
	if err := p.hdfsClient.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "failed to remove stale HDFS file \"%s\"", remotePath)
	}

	if err := p.hdfsClient.CopyToRemote(localPath, remotePath); err != nil {
		p.logger.Error("Failed to copy local file to HDFS.", zap.String("local_path", localPath),
			zap.String("remote_path", remotePath), zap.Error(err))
		return nil, errors.Wrapf(err, "failed to copy \"%s\" to HDFS", localPath)
	}

	info, err := p.hdfsClient.Stat(remotePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat HDFS file \"%s\"", remotePath)
	}

	p.logger.Debug("Staged file to HDFS.", zap.String("local_path", localPath), zap.String("remote_path", remotePath),
		zap.Int64("size", info.Size()))

	return &resourcemanager.LocalResource{
		URL:       fmt.Sprintf("hdfs://%s%s", p.hostname, remotePath),
		Size:      info.Size(),
		Timestamp: info.ModTime(),
	}, nil
}
