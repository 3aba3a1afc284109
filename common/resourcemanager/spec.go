package resourcemanager

import (
	"fmt"
	"maps"
	"time"
)

// ResourceType is how a staged file is localized into the application's working directory.
type ResourceType string

const (
	// ResourceFile is copied as-is.
	ResourceFile ResourceType = "FILE"
	// ResourceArchive is unpacked into a directory named after the file's key.
	ResourceArchive ResourceType = "ARCHIVE"
)

// Resources is the resource shape requested for the application's master container.
type Resources struct {
	MemoryMB int `json:"memory"`
	VCores   int `json:"vcores"`
}

// File is a local artifact to ship with the application.
type File struct {
	// Source is a path on the provisioner's file system, or an already-staged URL.
	Source string       `json:"source"`
	Type   ResourceType `json:"type"`
}

// LocalResource describes a file after it has been staged to storage reachable by the cluster.
type LocalResource struct {
	URL       string       `json:"url"`
	Type      ResourceType `json:"type"`
	Size      int64        `json:"size"`
	Timestamp time.Time    `json:"timestamp"`
}

// Master describes the single container that runs the kernel.
type Master struct {
	Resources Resources         `json:"resources"`
	Files     map[string]File   `json:"files,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Script    string            `json:"script"`
}

// ApplicationSpec is the job descriptor submitted to the resource manager.
type ApplicationSpec struct {
	Name        string   `json:"name"`
	Queue       string   `json:"queue,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	MaxAttempts int      `json:"max_attempts"`
	Master      Master   `json:"master"`
}

// Validate checks the fields every backend relies on.
func (s *ApplicationSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidApplicationSpec)
	}

	if s.Master.Script == "" {
		return fmt.Errorf("%w: missing master script", ErrInvalidApplicationSpec)
	}

	if s.Master.Resources.MemoryMB <= 0 || s.Master.Resources.VCores <= 0 {
		return fmt.Errorf("%w: master resources must be positive, got %d MB / %d vcores",
			ErrInvalidApplicationSpec, s.Master.Resources.MemoryMB, s.Master.Resources.VCores)
	}

	for name, file := range s.Master.Files {
		if file.Source == "" {
			return fmt.Errorf("%w: file \"%s\" has no source", ErrInvalidApplicationSpec, name)
		}
	}

	return nil
}

// Clone returns a deep copy, so that a spec handed to a backend cannot alter the original.
func (s *ApplicationSpec) Clone() *ApplicationSpec {
	clone := *s
	clone.Tags = append([]string(nil), s.Tags...)
	clone.Master.Files = maps.Clone(s.Master.Files)
	clone.Master.Env = maps.Clone(s.Master.Env)
	return &clone
}
