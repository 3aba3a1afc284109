package staging

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/huage1994/skein-provisioner/common/resourcemanager"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LocalProvider stages files to a directory on a file system shared with the cluster's nodes
// (or to the local disk, when the resource manager runs on this host).
//
// If no directory is configured, files are referenced where they are.
type LocalProvider struct {
	*baseProvider
}

func NewLocalProvider(directory string) *LocalProvider {
	return &LocalProvider{
		baseProvider: newBaseProvider("", directory),
	}
}

func (p *LocalProvider) Connect() error {
	if p.directory != "" {
		if err := os.MkdirAll(p.directory, os.FileMode(0755)); err != nil {
			return errors.Wrapf(err, "failed to create staging directory \"%s\"", p.directory)
		}
	}

	p.status = Connected
	return nil
}

func (p *LocalProvider) Close() error {
	p.status = Disconnected
	return nil
}

func (p *LocalProvider) Stage(_ context.Context, localPath string, name string) (*resourcemanager.LocalResource, error) {
	if p.status != Connected {
		return nil, ErrNotConnected
	}

	if _, err := statLocal(localPath); err != nil {
		return nil, err
	}

	target := localPath
	if p.directory != "" {
		target = filepath.Join(p.directory, name)
		if err := copyFile(localPath, target); err != nil {
			p.logger.Error("Failed to copy file into staging directory.",
				zap.String("source", localPath), zap.String("target", target), zap.Error(err))
			return nil, err
		}
	}

	target, err := filepath.Abs(target)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Staged file.", zap.String("source", localPath), zap.String("target", target), zap.Int64("size", info.Size()))

	return &resourcemanager.LocalResource{
		URL:       "file://" + target,
		Size:      info.Size(),
		Timestamp: info.ModTime(),
	}, nil
}

func copyFile(source string, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), os.FileMode(0755)); err != nil {
		return err
	}

	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
