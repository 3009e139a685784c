package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/depcache"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/imagecache"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/statecommit"
	"github.com/cuemby/burrow/pkg/types"
)

// BundleDirWaitNumTries bounds how many ticks a shared-filesystem run waits
// for the server to create its bundle directory.
const BundleDirWaitNumTries = 120

// Uploader ships a finished bundle directory back to the bundle store. The
// progress callback is invoked per chunk; returning false aborts the upload.
type Uploader interface {
	Upload(ctx context.Context, bundleUUID, bundlePath string, progress func(bytes int64) bool) error
}

// RunManager owns the worker's run table: every in-flight bundle's RunState,
// the cpuset/gpuset free lists, and the background samplers and uploads tied
// to each run. State survives restarts through the commit file.
type RunManager struct {
	workerID      string
	workDir       string
	sharedFS      bool
	dockerRuntime string
	networkPrefix string

	cpus []string
	gpus []string

	deps      *depcache.Manager
	images    *imagecache.Manager
	rt        runtime.ContainerRuntime
	uploader  Uploader
	events    *events.Broker // nil disables stage telemetry
	committer *statecommit.Committer
	logger    zerolog.Logger

	mu           sync.Mutex
	runs         map[string]*types.RunState
	lastTick     map[string]time.Time
	dirWaitTries map[string]int
	samplers     map[string]*diskSampler
	uploads      map[string]*uploadStatus

	wg sync.WaitGroup
}

// NewRunManager restores the run table from the commit file and reattaches
// containers by ID; containers the runtime no longer knows are cleared so
// the state machine treats the run as finished.
func NewRunManager(cfg config.WorkerSection, cpus, gpus []string, deps *depcache.Manager,
	images *imagecache.Manager, rt runtime.ContainerRuntime, uploader Uploader,
	broker *events.Broker) (*RunManager, error) {

	m := &RunManager{
		workerID:      cfg.ID,
		workDir:       cfg.WorkDir,
		sharedFS:      cfg.SharedFileSystem,
		dockerRuntime: cfg.DockerRuntime,
		networkPrefix: cfg.DockerNetworkPrefix,
		cpus:          cpus,
		gpus:          gpus,
		deps:          deps,
		images:        images,
		rt:            rt,
		uploader:      uploader,
		events:        broker,
		committer:     statecommit.New(cfg.CommitFile),
		logger:        log.WithComponent("runmanager"),
		runs:          make(map[string]*types.RunState),
		lastTick:      make(map[string]time.Time),
		dirWaitTries:  make(map[string]int),
		samplers:      make(map[string]*diskSampler),
		uploads:       make(map[string]*uploadStatus),
	}

	if _, err := m.committer.Load(&m.runs); err != nil {
		return nil, err
	}
	for _, r := range m.runs {
		if r.ContainerID != "" && !rt.ContainerExists(context.Background(), r.ContainerID) {
			r.ContainerID = ""
		}
	}
	return m, nil
}

// commit persists the run table. Callers hold m.mu.
func (m *RunManager) commit() {
	if err := m.committer.Commit(m.runs); err != nil {
		m.logger.Error().Err(err).Msg("failed to commit run state")
	}
}

// StartRun admits a new run from a dispatch message. Duplicate dispatches of
// a bundle already in the table are ignored.
func (m *RunManager) StartRun(bundle *types.Bundle, resources *types.RunResources) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[bundle.UUID]; ok {
		return
	}
	m.runs[bundle.UUID] = &types.RunState{
		Bundle:          bundle,
		Resources:       *resources,
		BundlePath:      filepath.Join(m.workDir, bundle.UUID),
		Stage:           types.RunStagePreparing,
		RunStatus:       "Preparing",
		BundleStartTime: time.Now().Unix(),
	}
	m.lastTick[bundle.UUID] = time.Now()
	m.commit()
	m.logger.Info().Str("bundle_uuid", bundle.UUID).Msg("run admitted")
}

// Kill flags a run for cooperative teardown.
func (m *RunManager) Kill(uuid, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[uuid]
	if !ok {
		return
	}
	r.IsKilled = true
	if r.KillMessage == "" {
		r.KillMessage = message
	}
	m.commit()
}

// MarkFinalized records the manager's acknowledgement of a finished run.
func (m *RunManager) MarkFinalized(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[uuid]
	if !ok {
		return
	}
	r.Finalized = true
	m.commit()
}

// HasRun reports whether uuid is in the run table.
func (m *RunManager) HasRun(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[uuid]
	return ok
}

// RunCount returns the number of non-terminal runs.
func (m *RunManager) RunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.Stage != types.RunStageFinished {
			n++
		}
	}
	return n
}

// Reports builds the per-run checkin slice.
func (m *RunManager) Reports() []types.RunStatusReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	hostname, _ := os.Hostname()
	reports := make([]types.RunStatusReport, 0, len(m.runs))
	for _, r := range m.runs {
		reports = append(reports, types.RunStatusReport{
			UUID:                 r.Bundle.UUID,
			RunStatus:            r.RunStatus,
			Stage:                r.Stage,
			BundleState:          r.Stage.BundleState(),
			DockerImage:          r.DockerImage,
			RemoteHost:           hostname,
			ContainerTimeTotal:   r.ContainerTimeTotal,
			ContainerTimeUser:    r.ContainerTimeUser,
			ContainerTimeSys:     r.ContainerTimeSys,
			MaxMemory:            r.MaxMemory,
			DiskUtilization:      r.DiskUtilization,
			Finished:             r.Finished,
			Finalized:            r.Finalized,
			IsKilled:             r.IsKilled,
			Exitcode:             r.Exitcode,
			FailureMessage:       r.FailureMessage,
			TimePreparing:        r.TimePreparing,
			TimeRunning:          r.TimeRunning,
			TimeCleaningUp:       r.TimeCleaningUp,
			TimeUploadingResults: r.TimeUploadingResults,
		})
	}
	return reports
}

// Process ticks every run through its current stage handler and drops
// FINISHED runs from the table. Handlers are idempotent so a crash between
// any two commits replays safely.
func (m *RunManager) Process() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for uuid, r := range m.runs {
		m.addStageTime(r, uuid, now)

		before := r.Stage
		switch r.Stage {
		case types.RunStagePreparing:
			m.stagePreparing(r)
		case types.RunStageRunning:
			m.stageRunning(r)
		case types.RunStageCleaningUp:
			m.stageCleaningUp(r)
		case types.RunStageUploadingResults:
			m.stageUploadingResults(r)
		case types.RunStageFinalizing:
			m.stageFinalizing(r)
		}
		if r.Stage != before {
			metrics.RunStageTransitions.WithLabelValues(string(r.Stage)).Inc()
			m.logger.Info().Str("bundle_uuid", uuid).
				Str("from", string(before)).Str("to", string(r.Stage)).
				Msg("run stage transition")
			if m.events != nil {
				m.events.StageTransition(uuid, m.workerID, string(before), string(r.Stage))
			}
		}

		if r.Stage == types.RunStageFinished {
			delete(m.runs, uuid)
			delete(m.lastTick, uuid)
			delete(m.dirWaitTries, uuid)
		}
	}
	m.commit()
}

// addStageTime accrues wall time into the run's current stage counter.
// Callers hold m.mu.
func (m *RunManager) addStageTime(r *types.RunState, uuid string, now time.Time) {
	last, ok := m.lastTick[uuid]
	m.lastTick[uuid] = now
	if !ok {
		return
	}
	dt := int64(now.Sub(last).Seconds())
	switch r.Stage {
	case types.RunStagePreparing:
		r.TimePreparing += dt
	case types.RunStageRunning:
		r.TimeRunning += dt
	case types.RunStageCleaningUp:
		r.TimeCleaningUp += dt
	case types.RunStageUploadingResults:
		r.TimeUploadingResults += dt
	}
}

// Shutdown waits for background samplers and uploads to drain.
func (m *RunManager) Shutdown() {
	m.mu.Lock()
	for _, s := range m.samplers {
		s.stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// assignCPUSet picks n entries from the free portion of the host set.
// Callers hold m.mu.
func (m *RunManager) assignCPUSet(n int) (map[string]bool, error) {
	return m.assignFrom(m.cpus, n, func(r *types.RunState) map[string]bool { return r.CPUSet })
}

func (m *RunManager) assignGPUSet(n int) (map[string]bool, error) {
	return m.assignFrom(m.gpus, n, func(r *types.RunState) map[string]bool { return r.GPUSet })
}

func (m *RunManager) assignFrom(all []string, n int, held func(*types.RunState) map[string]bool) (map[string]bool, error) {
	if n == 0 {
		return map[string]bool{}, nil
	}
	used := make(map[string]bool)
	for _, r := range m.runs {
		for k := range held(r) {
			used[k] = true
		}
	}
	assigned := make(map[string]bool, n)
	for _, id := range all {
		if used[id] {
			continue
		}
		assigned[id] = true
		if len(assigned) == n {
			return assigned, nil
		}
	}
	return nil, fmt.Errorf("requested %d but only %d free", n, len(assigned))
}

// Write places contents at a path inside the bundle directory.
func (m *RunManager) Write(uuid, relPath, contents string) error {
	m.mu.Lock()
	r, ok := m.runs[uuid]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no run for bundle %s", uuid)
	}
	target, err := insideBundle(r.BundlePath, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, []byte(contents), 0o644)
}

// Netcat sends a payload to a port served by the run's container and returns
// whatever the service writes back.
func (m *RunManager) Netcat(ctx context.Context, uuid string, port int, payload string) ([]byte, error) {
	m.mu.Lock()
	_, ok := m.runs[uuid]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no run for bundle %s", uuid)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to port %d: %w", port, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte(payload)); err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	return out, nil
}

// insideBundle resolves rel under root and rejects any path that escapes it.
func insideBundle(root, rel string) (string, error) {
	cleanRoot := filepath.Clean(root)
	p := filepath.Clean(filepath.Join(cleanRoot, rel))
	if p != cleanRoot && !strings.HasPrefix(p, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes bundle directory", rel)
	}
	return p, nil
}
