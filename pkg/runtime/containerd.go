package runtime

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	v1 "github.com/containerd/cgroups/stats/v1"
)

const (
	// DefaultNamespace is the containerd namespace for Burrow
	DefaultNamespace = "burrow"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements ContainerRuntime using containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls a container image from a registry
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	return nil
}

// InspectImage returns the digest and size of a pulled image
func (r *ContainerdRuntime) InspectImage(ctx context.Context, imageRef string) (*ImageInfo, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("failed to get image %s: %w", imageRef, err)
	}

	size, err := image.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to size image %s: %w", imageRef, err)
	}

	return &ImageInfo{
		Digest:           image.Target().Digest.String(),
		VirtualSizeBytes: size,
	}, nil
}

// RemoveImage deletes an image from the content store
func (r *ContainerdRuntime) RemoveImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if err := r.client.ImageService().Delete(ctx, imageRef); err != nil {
		return fmt.Errorf("failed to remove image %s: %w", imageRef, err)
	}
	return nil
}

// ListImages returns the refs of all images in the Burrow namespace
func (r *ContainerdRuntime) ListImages(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	images, err := r.client.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	refs := make([]string, 0, len(images))
	for _, img := range images {
		refs = append(refs, img.Name())
	}
	return refs, nil
}

// StartContainer creates and starts a container for one run bundle
func (r *ContainerdRuntime) StartContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs("/bin/sh", "-c", spec.Command),
		oci.WithEnv(spec.Env),
	}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}
	if len(spec.CPUSet) > 0 {
		opts = append(opts, oci.WithCPUs(strings.Join(spec.CPUSet, ",")))
	}
	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
	}
	if spec.Network {
		// External network: share the host namespace. Internal runs keep the
		// default isolated namespace with no interfaces.
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace))
	}
	if len(spec.GPUSet) > 0 {
		opts = append(opts, oci.WithEnv([]string{
			"NVIDIA_VISIBLE_DEVICES=" + strings.Join(spec.GPUSet, ","),
		}))
	}

	newOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	}
	if spec.NetworkName != "" {
		// CNI plugins and operators select the run's network by this label.
		newOpts = append(newOpts, containerd.WithContainerLabels(map[string]string{
			"burrow/network": spec.NetworkName,
		}))
	}
	if spec.Runtime != "" {
		newOpts = append(newOpts, containerd.WithRuntime(spec.Runtime, nil))
	}

	container, err := r.client.NewContainer(ctx, spec.Name, newOpts...)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	return container.ID(), nil
}

// ContainerStatus probes the container's task for liveness and exit code
func (r *ContainerdRuntime) ContainerStatus(ctx context.Context, containerID string) (*ContainerStatus, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container never started or already exited and
		// was reaped.
		return &ContainerStatus{Finished: true}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return &ContainerStatus{Running: true}, nil
	case containerd.Stopped:
		return &ContainerStatus{
			Finished: true,
			ExitCode: int(status.ExitStatus),
		}, nil
	default:
		return &ContainerStatus{}, nil
	}
}

// ContainerStats samples cgroup usage for the container
func (r *ContainerdRuntime) ContainerStats(ctx context.Context, containerID string) (*ContainerStats, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	metric, err := task.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}

	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}

	stats := &ContainerStats{}
	if m, ok := data.(*v1.Metrics); ok {
		if m.Memory != nil && m.Memory.Usage != nil {
			stats.MemoryMaxBytes = int64(m.Memory.Usage.Max)
		}
		if m.CPU != nil && m.CPU.Usage != nil {
			stats.CPUTotalSeconds = int64(m.CPU.Usage.Total / 1e9)
			stats.CPUUserSeconds = int64(m.CPU.Usage.User / 1e9)
			stats.CPUSystemSeconds = int64(m.CPU.Usage.Kernel / 1e9)
		}
	}
	return stats, nil
}

// ContainerExists reports whether the container is known to containerd
func (r *ContainerdRuntime) ContainerExists(ctx context.Context, containerID string) bool {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	_, err := r.client.LoadContainer(ctx, containerID)
	return err == nil
}

// KillContainer sends SIGKILL to the container's task
func (r *ContainerdRuntime) KillContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}
	return nil
}

// RemoveContainer deletes a container, its task, and its snapshot
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		// Already gone
		return nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}
