package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/burrow/pkg/imagecache"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
)

// stagePreparing gathers dependencies and the image, lays out the bundle
// directory, assigns cpusets, and starts the container. Safe to re-enter:
// cache requests and directory setup are idempotent, and the container start
// is the last step before the stage flips.
func (m *RunManager) stagePreparing(r *types.RunState) {
	if r.IsKilled {
		r.Stage = types.RunStageCleaningUp
		return
	}
	uuid := r.Bundle.UUID

	var waiting, failures []string
	depStates := make(map[types.DependencyKey]*types.DependencyState, len(r.Bundle.Dependencies))
	for _, dep := range r.Bundle.Dependencies {
		key := types.DependencyKey{ParentUUID: dep.ParentUUID, ParentPath: dep.ParentPath}
		st := m.deps.Get(uuid, key)
		depStates[key] = st
		switch st.Stage {
		case types.DependencyFailed:
			failures = append(failures, st.Message)
		case types.DependencyDownloading:
			waiting = append(waiting, st.Message)
		}
	}

	img := m.images.Get(r.Resources.DockerImage)
	switch img.Stage {
	case types.DependencyFailed:
		failures = append(failures, img.Message)
	case types.DependencyDownloading:
		waiting = append(waiting, img.Message)
	}

	if len(failures) > 0 {
		r.FailureMessage = types.JoinMessages(failures)
		r.Stage = types.RunStageCleaningUp
		return
	}
	if len(waiting) > 0 {
		r.RunStatus = types.JoinMessages(waiting)
		return
	}

	if m.sharedFS {
		// The server creates bundle directories on a shared filesystem.
		if _, err := os.Stat(r.BundlePath); err != nil {
			m.dirWaitTries[uuid]++
			if m.dirWaitTries[uuid] > BundleDirWaitNumTries {
				r.FailureMessage = "Bundle directory was never created on the shared filesystem"
				r.Stage = types.RunStageCleaningUp
				return
			}
			r.RunStatus = "Waiting for bundle directory"
			return
		}
	} else if err := os.MkdirAll(r.BundlePath, 0o755); err != nil {
		r.FailureMessage = fmt.Sprintf("Failed to create bundle directory: %v", err)
		r.Stage = types.RunStageCleaningUp
		return
	}

	// The container sees the whole work dir at its host path, so symlinks
	// into the dependency cache resolve inside the container too.
	mounts := []specs.Mount{{
		Destination: m.workDir,
		Type:        "bind",
		Source:      m.workDir,
		Options:     []string{"rbind", "rw"},
	}}
	for _, dep := range r.Bundle.Dependencies {
		target, err := insideBundle(r.BundlePath, dep.ChildPath)
		if err != nil {
			r.FailureMessage = err.Error()
			r.Stage = types.RunStageCleaningUp
			return
		}
		key := types.DependencyKey{ParentUUID: dep.ParentUUID, ParentPath: dep.ParentPath}
		src := m.deps.Path(depStates[key])
		if m.sharedFS {
			mounts = append(mounts, specs.Mount{
				Destination: target,
				Type:        "bind",
				Source:      src,
				Options:     []string{"rbind", "ro"},
			})
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			r.FailureMessage = fmt.Sprintf("Failed to lay out dependency %s: %v", dep.ChildPath, err)
			r.Stage = types.RunStageCleaningUp
			return
		}
		if err := os.Symlink(src, target); err != nil && !os.IsExist(err) {
			r.FailureMessage = fmt.Sprintf("Failed to link dependency %s: %v", dep.ChildPath, err)
			r.Stage = types.RunStageCleaningUp
			return
		}
	}

	cpuset, err := m.assignCPUSet(r.Resources.CPUs)
	if err != nil {
		r.FailureMessage = fmt.Sprintf("Failed to assign CPUs: %v", err)
		r.Stage = types.RunStageCleaningUp
		return
	}
	gpuset, err := m.assignGPUSet(r.Resources.GPUs)
	if err != nil {
		r.FailureMessage = fmt.Sprintf("Failed to assign GPUs: %v", err)
		r.Stage = types.RunStageCleaningUp
		return
	}
	r.CPUSet = cpuset
	r.GPUSet = gpuset

	networkName := m.networkPrefix + "-internal"
	if r.Resources.Network {
		networkName = m.networkPrefix + "-external"
	}

	containerID, err := m.rt.StartContainer(context.Background(), &runtime.ContainerSpec{
		Name:        uuid,
		Image:       imagecache.NormalizeImageSpec(r.Resources.DockerImage),
		Command:     r.Bundle.Command,
		WorkingDir:  r.BundlePath,
		Env:         []string{"HOME=" + r.BundlePath},
		Mounts:      mounts,
		CPUSet:      setKeys(cpuset),
		GPUSet:      setKeys(gpuset),
		MemoryBytes: r.Resources.Memory,
		Network:     r.Resources.Network,
		Runtime:     m.dockerRuntime,
		NetworkName: networkName,
	})
	if err != nil {
		r.FailureMessage = fmt.Sprintf("Failed to start container: %v", err)
		r.Stage = types.RunStageCleaningUp
		return
	}

	r.ContainerID = containerID
	r.ContainerStartTime = time.Now().Unix()
	r.DockerImage = img.Digest
	r.HasContents = true
	r.RunStatus = "Running"
	r.Stage = types.RunStageRunning
}

// stageRunning probes liveness, enforces resource ceilings, and keeps the
// disk sampler alive.
func (m *RunManager) stageRunning(r *types.RunState) {
	uuid := r.Bundle.UUID
	ctx := context.Background()

	if r.ContainerID == "" {
		r.FailureMessage = "Container disappeared"
		m.stopSampler(uuid)
		r.Stage = types.RunStageCleaningUp
		return
	}
	m.ensureSampler(r)

	status, err := m.rt.ContainerStatus(ctx, r.ContainerID)
	if err != nil {
		m.logger.Warn().Str("bundle_uuid", uuid).Err(err).Msg("failed to probe container")
		return
	}

	if stats, err := m.rt.ContainerStats(ctx, r.ContainerID); err == nil {
		if stats.MemoryMaxBytes > r.MaxMemory {
			r.MaxMemory = stats.MemoryMaxBytes
		}
		r.ContainerTimeTotal = stats.CPUTotalSeconds
		r.ContainerTimeUser = stats.CPUUserSeconds
		r.ContainerTimeSys = stats.CPUSystemSeconds
	}

	kill := func(msg string) {
		if r.KillMessage == "" {
			r.KillMessage = msg
		}
		r.IsKilled = true
	}
	if r.Resources.Time > 0 && r.ContainerTimeTotal > r.Resources.Time {
		kill(fmt.Sprintf("Time limit exceeded: %ds > %ds", r.ContainerTimeTotal, r.Resources.Time))
	}
	if r.MaxMemory > r.Resources.Memory || (status.Finished && status.ExitCode == 137) {
		kill(fmt.Sprintf("Memory limit %d bytes exceeded", r.Resources.Memory))
	}
	if r.Resources.Disk > 0 && r.DiskUtilization > r.Resources.Disk {
		kill(fmt.Sprintf("Disk limit %d bytes exceeded", r.Resources.Disk))
	}

	if r.IsKilled {
		if err := m.rt.KillContainer(ctx, r.ContainerID); err != nil {
			m.logger.Warn().Str("bundle_uuid", uuid).Err(err).Msg("failed to kill container")
		}
		m.stopSampler(uuid)
		r.Stage = types.RunStageCleaningUp
		return
	}
	if status.Finished {
		ec := status.ExitCode
		r.Exitcode = &ec
		if ec != 0 && r.FailureMessage == "" {
			r.FailureMessage = fmt.Sprintf("Command exited with code %d", ec)
		}
		m.stopSampler(uuid)
		r.Stage = types.RunStageCleaningUp
	}
}

// stageCleaningUp tears the container down, releases cache entries and
// removes dependency links. The container removal retries across ticks
// until the runtime confirms it is gone.
func (m *RunManager) stageCleaningUp(r *types.RunState) {
	uuid := r.Bundle.UUID
	ctx := context.Background()

	if r.ContainerID != "" {
		if m.rt.ContainerExists(ctx, r.ContainerID) {
			m.rt.KillContainer(ctx, r.ContainerID)
			if err := m.rt.RemoveContainer(ctx, r.ContainerID); err != nil {
				m.logger.Warn().Str("bundle_uuid", uuid).Err(err).Msg("container removal pending")
				return
			}
		}
		r.ContainerID = ""
	}

	for _, dep := range r.Bundle.Dependencies {
		key := types.DependencyKey{ParentUUID: dep.ParentUUID, ParentPath: dep.ParentPath}
		m.deps.Release(uuid, key)
		if !m.sharedFS {
			if target, err := insideBundle(r.BundlePath, dep.ChildPath); err == nil {
				os.Remove(target)
			}
		}
	}

	if r.HasContents && !m.sharedFS {
		r.RunStatus = "Uploading results"
		r.Stage = types.RunStageUploadingResults
		return
	}
	r.Stage = types.RunStageFinalizing
}

// stageUploadingResults runs at most one background upload per bundle and
// waits for it to finish.
func (m *RunManager) stageUploadingResults(r *types.RunState) {
	uuid := r.Bundle.UUID

	status, ok := m.uploads[uuid]
	if !ok {
		status = &uploadStatus{}
		m.uploads[uuid] = status
		killedAtStart := r.IsKilled
		bundlePath := r.BundlePath
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			progress := func(bytes int64) bool {
				m.mu.Lock()
				defer m.mu.Unlock()
				run, ok := m.runs[uuid]
				if !ok {
					return false
				}
				run.RunStatus = fmt.Sprintf("Uploading results: %d bytes", bytes)
				// A kill that arrives mid-upload aborts it; a run killed
				// before the upload started still ships partial results.
				return !(run.IsKilled && !killedAtStart)
			}
			err := m.uploader.Upload(context.Background(), uuid, bundlePath, progress)
			m.mu.Lock()
			status.done = true
			status.err = err
			m.mu.Unlock()
		}()
		return
	}

	if !status.done {
		return
	}
	delete(m.uploads, uuid)
	if status.err != nil {
		r.FailureMessage = types.JoinMessages([]string{
			r.FailureMessage,
			fmt.Sprintf("Upload failed: %v", status.err),
		})
	}
	r.Stage = types.RunStageFinalizing
}

// stageFinalizing publishes the finished flags and, once the manager has
// acknowledged, removes the bundle directory.
func (m *RunManager) stageFinalizing(r *types.RunState) {
	if r.IsKilled && r.FailureMessage == "" {
		r.FailureMessage = r.KillMessage
	}
	r.Finished = true
	if !r.Finalized {
		return
	}
	if !m.sharedFS {
		os.RemoveAll(r.BundlePath)
	}
	r.Stage = types.RunStageFinished
}

type uploadStatus struct {
	done bool
	err  error
}

func setKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
