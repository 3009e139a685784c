package runtime

import (
	"context"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ContainerSpec describes everything needed to launch one run bundle's
// container: command, image, dependency mounts, resource ceilings and the
// cpuset/gpuset pinning assigned by the worker.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     string
	WorkingDir  string
	Env         []string
	Mounts      []specs.Mount
	CPUSet      []string
	GPUSet      []string
	MemoryBytes int64
	Network     bool // true grants external network access
	Runtime     string
	NetworkName string
}

// ContainerStatus is a point-in-time probe of a container.
type ContainerStatus struct {
	Running  bool
	Finished bool
	ExitCode int
	Error    string
}

// ContainerStats is a resource usage sample.
type ContainerStats struct {
	MemoryMaxBytes   int64
	CPUTotalSeconds  int64
	CPUUserSeconds   int64
	CPUSystemSeconds int64
}

// ImageInfo describes a pulled image.
type ImageInfo struct {
	Digest           string
	VirtualSizeBytes int64
}

// ContainerRuntime abstracts the container engine the worker drives. The
// production implementation is containerd; tests substitute a fake.
type ContainerRuntime interface {
	// Images
	PullImage(ctx context.Context, imageRef string) error
	InspectImage(ctx context.Context, imageRef string) (*ImageInfo, error)
	RemoveImage(ctx context.Context, imageRef string) error
	ListImages(ctx context.Context) ([]string, error)

	// Containers
	StartContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	ContainerStatus(ctx context.Context, containerID string) (*ContainerStatus, error)
	ContainerStats(ctx context.Context, containerID string) (*ContainerStats, error)
	ContainerExists(ctx context.Context, containerID string) bool
	KillContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error

	Close() error
}
