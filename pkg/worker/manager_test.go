package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/depcache"
	"github.com/cuemby/burrow/pkg/imagecache"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
)

// fakeRuntime is an in-memory ContainerRuntime. Containers start in the
// running state; tests finish them explicitly or flip autoFinish so every
// container exits immediately.
type fakeRuntime struct {
	mu             sync.Mutex
	pullErr        error
	startErr       error
	autoFinish     bool
	nextID         int
	started        []*runtime.ContainerSpec
	status         map[string]*runtime.ContainerStatus
	stats           map[string]*runtime.ContainerStats
	exists         map[string]bool
	killed         map[string]bool
	removeFailures int
	removeCalls    int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		status: make(map[string]*runtime.ContainerStatus),
		stats:  make(map[string]*runtime.ContainerStats),
		exists: make(map[string]bool),
		killed: make(map[string]bool),
	}
}

func (f *fakeRuntime) PullImage(ctx context.Context, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pullErr
}

func (f *fakeRuntime) InspectImage(ctx context.Context, imageRef string) (*runtime.ImageInfo, error) {
	return &runtime.ImageInfo{Digest: "sha256:" + imageRef, VirtualSizeBytes: 1 << 20}, nil
}

func (f *fakeRuntime) RemoveImage(ctx context.Context, imageRef string) error { return nil }

func (f *fakeRuntime) ListImages(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeRuntime) StartContainer(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.started = append(f.started, spec)
	f.exists[id] = true
	if f.autoFinish {
		f.status[id] = &runtime.ContainerStatus{Finished: true}
	} else {
		f.status[id] = &runtime.ContainerStatus{Running: true}
	}
	return id, nil
}

func (f *fakeRuntime) ContainerStatus(ctx context.Context, containerID string) (*runtime.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[containerID]
	if !ok {
		return nil, fmt.Errorf("no container %s", containerID)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRuntime) ContainerStats(ctx context.Context, containerID string) (*runtime.ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stats[containerID]; ok {
		cp := *s
		return &cp, nil
	}
	return &runtime.ContainerStats{}, nil
}

func (f *fakeRuntime) ContainerExists(ctx context.Context, containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[containerID]
}

func (f *fakeRuntime) KillContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[containerID] = true
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	if f.removeFailures > 0 {
		f.removeFailures--
		return errors.New("container still has running task")
	}
	delete(f.exists, containerID)
	return nil
}

func (f *fakeRuntime) Close() error { return nil }

// finish flips a container into the exited state.
func (f *fakeRuntime) finish(containerID string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[containerID] = &runtime.ContainerStatus{Finished: true, ExitCode: exitCode}
}

func (f *fakeRuntime) setStats(containerID string, stats runtime.ContainerStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[containerID] = &stats
}

// lastSpec returns the most recently started container's id and spec.
func (f *fakeRuntime) lastSpec(t *testing.T) (string, *runtime.ContainerSpec) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) == 0 {
		t.Fatal("no container was started")
	}
	return fmt.Sprintf("ctr-%d", f.nextID), f.started[len(f.started)-1]
}

type fakeUploader struct {
	mu       sync.Mutex
	err      error
	uploaded []string
}

func (u *fakeUploader) Upload(ctx context.Context, bundleUUID, bundlePath string, progress func(bytes int64) bool) error {
	progress(1024)
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.uploaded = append(u.uploaded, bundleUUID)
	return nil
}

func (u *fakeUploader) uploads() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.uploaded...)
}

type fakeDepFetcher struct {
	mu       sync.Mutex
	contents map[types.DependencyKey]string
	failWith error
}

func (f *fakeDepFetcher) Fetch(ctx context.Context, key types.DependencyKey, dst string, progress func(bytes int64) bool) (int64, error) {
	f.mu.Lock()
	body, ok := f.contents[key]
	err := f.failWith
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("no contents for %s", key)
	}
	if !progress(int64(len(body))) {
		return 0, depcache.ErrDownloadAborted
	}
	if err := os.WriteFile(dst, []byte(body), 0o644); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

type runFixture struct {
	cfg      config.WorkerSection
	rt       *fakeRuntime
	fetcher  *fakeDepFetcher
	deps     *depcache.Manager
	images   *imagecache.Manager
	uploader *fakeUploader
	m        *RunManager
}

func newRunFixture(t *testing.T, mutate ...func(*config.WorkerSection)) *runFixture {
	t.Helper()
	cfg := config.WorkerSection{
		ID:                  "w1",
		WorkDir:             t.TempDir(),
		CommitFile:          filepath.Join(t.TempDir(), "runs.json"),
		DockerNetworkPrefix: "burrow",
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	rt := newFakeRuntime()
	fetcher := &fakeDepFetcher{contents: make(map[types.DependencyKey]string)}
	deps, err := depcache.New(depcache.Config{
		WorkerID:   cfg.ID,
		CacheDir:   t.TempDir(),
		CommitFile: filepath.Join(t.TempDir(), "deps.json"),
	}, fetcher)
	if err != nil {
		t.Fatal(err)
	}
	deps.Start()
	t.Cleanup(deps.Stop)

	images := imagecache.New(rt, 0)
	uploader := &fakeUploader{}
	m, err := NewRunManager(cfg, []string{"0", "1"}, []string{"gpu0"}, deps, images, rt, uploader, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)

	return &runFixture{
		cfg: cfg, rt: rt, fetcher: fetcher,
		deps: deps, images: images, uploader: uploader, m: m,
	}
}

func testResources() *types.RunResources {
	return &types.RunResources{
		CPUs:        1,
		Memory:      2 << 30,
		Disk:        1 << 30,
		Time:        3600,
		DockerImage: "codalab/default-cpu:latest",
	}
}

func runBundle(uuid string, deps ...types.Dependency) *types.Bundle {
	return &types.Bundle{
		UUID:         uuid,
		BundleType:   types.BundleTypeRun,
		OwnerID:      "alice",
		Command:      "echo hello",
		State:        types.BundleStateStarting,
		Dependencies: deps,
	}
}

// snapshot returns a copy of the run's state, or nil once it left the table.
func (f *runFixture) snapshot(uuid string) *types.RunState {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	r, ok := f.m.runs[uuid]
	if !ok {
		return nil
	}
	return r.Clone()
}

// waitForStage ticks the run table until the run reaches the wanted stage.
func (f *runFixture) waitForStage(t *testing.T, uuid string, want types.RunStage) *types.RunState {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		f.m.Process()
		if r := f.snapshot(uuid); r != nil && r.Stage == want {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	r := f.snapshot(uuid)
	t.Fatalf("run %s never reached %s, last state %+v", uuid, want, r)
	return nil
}

// waitForGone ticks until the run drains out of the table entirely.
func (f *runFixture) waitForGone(t *testing.T, uuid string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		f.m.Process()
		if !f.m.HasRun(uuid) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never left the table", uuid)
}

// TestStartRunIgnoresDuplicates tests that a re-dispatched bundle does not
// reset an in-flight run.
func TestStartRunIgnoresDuplicates(t *testing.T) {
	f := newRunFixture(t)
	f.m.StartRun(runBundle("0xaaa"), testResources())

	f.m.mu.Lock()
	f.m.runs["0xaaa"].RunStatus = "already busy"
	f.m.mu.Unlock()

	f.m.StartRun(runBundle("0xaaa"), testResources())

	assert.Equal(t, 1, f.m.RunCount())
	r := f.snapshot("0xaaa")
	assert.Equal(t, "already busy", r.RunStatus)
	assert.Equal(t, types.RunStagePreparing, r.Stage)
	assert.Equal(t, filepath.Join(f.cfg.WorkDir, "0xaaa"), r.BundlePath)
}

// TestKillKeepsFirstMessage tests that only the first kill reason sticks.
func TestKillKeepsFirstMessage(t *testing.T) {
	f := newRunFixture(t)
	f.m.StartRun(runBundle("0xaaa"), testResources())

	f.m.Kill("0xaaa", "Kill requested")
	f.m.Kill("0xaaa", "second reason")
	f.m.Kill("0xmissing", "ignored")

	r := f.snapshot("0xaaa")
	assert.True(t, r.IsKilled)
	assert.Equal(t, "Kill requested", r.KillMessage)
}

// TestMarkFinalized tests the acknowledgement flag, including the no-op for
// unknown bundles.
func TestMarkFinalized(t *testing.T) {
	f := newRunFixture(t)
	f.m.StartRun(runBundle("0xaaa"), testResources())

	f.m.MarkFinalized("0xmissing")
	f.m.MarkFinalized("0xaaa")

	assert.True(t, f.snapshot("0xaaa").Finalized)
}

// TestRunCountExcludesFinished tests that drained runs no longer hold a slot.
func TestRunCountExcludesFinished(t *testing.T) {
	f := newRunFixture(t)
	f.m.StartRun(runBundle("0xaaa"), testResources())
	f.m.StartRun(runBundle("0xbbb"), testResources())

	f.m.mu.Lock()
	f.m.runs["0xbbb"].Stage = types.RunStageFinished
	f.m.mu.Unlock()

	assert.Equal(t, 1, f.m.RunCount())
	assert.True(t, f.m.HasRun("0xbbb"))
}

// TestReports tests the checkin projection of a run's state.
func TestReports(t *testing.T) {
	f := newRunFixture(t)
	f.m.StartRun(runBundle("0xaaa"), testResources())

	exit := 0
	f.m.mu.Lock()
	r := f.m.runs["0xaaa"]
	r.Stage = types.RunStageRunning
	r.RunStatus = "Running"
	r.ContainerTimeTotal = 42
	r.MaxMemory = 1 << 30
	r.DiskUtilization = 512
	r.Exitcode = &exit
	f.m.mu.Unlock()

	reports := f.m.Reports()
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	rep := reports[0]
	assert.Equal(t, "0xaaa", rep.UUID)
	assert.Equal(t, types.RunStageRunning, rep.Stage)
	assert.Equal(t, types.BundleStateRunning, rep.BundleState)
	assert.Equal(t, int64(42), rep.ContainerTimeTotal)
	assert.Equal(t, int64(1<<30), rep.MaxMemory)
	assert.Equal(t, int64(512), rep.DiskUtilization)
	if rep.Exitcode == nil || *rep.Exitcode != 0 {
		t.Errorf("exitcode not carried: %v", rep.Exitcode)
	}
	assert.NotEmpty(t, rep.RemoteHost)
}

// TestRestoreClearsVanishedContainers tests commit-file recovery: runs come
// back, and container ids the runtime no longer knows are dropped.
func TestRestoreClearsVanishedContainers(t *testing.T) {
	f := newRunFixture(t)
	f.m.StartRun(runBundle("0xgone"), testResources())
	f.m.StartRun(runBundle("0xlive"), testResources())

	f.m.mu.Lock()
	f.m.runs["0xgone"].ContainerID = "ctr-gone"
	f.m.runs["0xlive"].ContainerID = "ctr-live"
	f.m.commit()
	f.m.mu.Unlock()

	f.rt.mu.Lock()
	f.rt.exists["ctr-live"] = true
	f.rt.mu.Unlock()

	restored, err := NewRunManager(f.cfg, []string{"0", "1"}, nil, f.deps, f.images, f.rt, f.uploader, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(restored.Shutdown)

	restored.mu.Lock()
	defer restored.mu.Unlock()
	if len(restored.runs) != 2 {
		t.Fatalf("expected both runs restored, got %d", len(restored.runs))
	}
	assert.Empty(t, restored.runs["0xgone"].ContainerID)
	assert.Equal(t, "ctr-live", restored.runs["0xlive"].ContainerID)
}

// TestAssignSets tests cpuset accounting against the runs already holding
// entries.
func TestAssignSets(t *testing.T) {
	f := newRunFixture(t)
	f.m.mu.Lock()
	defer f.m.mu.Unlock()

	empty, err := f.m.assignCPUSet(0)
	assert.NoError(t, err)
	assert.Empty(t, empty)

	set, err := f.m.assignCPUSet(2)
	assert.NoError(t, err)
	assert.Len(t, set, 2)

	// A run holding one cpu leaves only one free.
	f.m.runs["0xaaa"] = &types.RunState{
		Bundle: runBundle("0xaaa"),
		CPUSet: map[string]bool{"0": true},
	}
	_, err = f.m.assignCPUSet(2)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	assert.Contains(t, err.Error(), "requested 2 but only 1 free")

	gpus, err := f.m.assignGPUSet(1)
	assert.NoError(t, err)
	assert.True(t, gpus["gpu0"])
}

// TestWrite tests the write directive, including path containment.
func TestWrite(t *testing.T) {
	f := newRunFixture(t)
	f.m.StartRun(runBundle("0xaaa"), testResources())

	if err := f.m.Write("0xaaa", "out/notes.txt", "hello"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(f.cfg.WorkDir, "0xaaa", "out", "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "hello", string(data))

	err = f.m.Write("0xaaa", "../escape.txt", "nope")
	if err == nil {
		t.Fatal("expected containment error")
	}
	assert.Contains(t, err.Error(), "escapes bundle directory")

	if err := f.m.Write("0xmissing", "a.txt", "x"); err == nil {
		t.Error("expected error for unknown run")
	}
}

// TestNetcat tests the payload round trip against a local listener.
func TestNetcat(t *testing.T) {
	f := newRunFixture(t)
	f.m.StartRun(runBundle("0xaaa"), testResources())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write(append([]byte("echo: "), buf[:n]...))
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	out, err := f.m.Netcat(context.Background(), "0xaaa", port, "ping")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "echo: ping", string(out))

	if _, err := f.m.Netcat(context.Background(), "0xmissing", port, "x"); err == nil {
		t.Error("expected error for unknown run")
	}
}

// TestInsideBundle tests path resolution edge cases directly.
func TestInsideBundle(t *testing.T) {
	root := "/work/0xaaa"

	p, err := insideBundle(root, "sub/file.txt")
	assert.NoError(t, err)
	assert.Equal(t, "/work/0xaaa/sub/file.txt", p)

	// The bundle root itself is inside.
	p, err = insideBundle(root, "")
	assert.NoError(t, err)
	assert.Equal(t, "/work/0xaaa", p)

	for _, rel := range []string{"..", "../sibling", "a/../../b"} {
		if _, err := insideBundle(root, rel); err == nil {
			t.Errorf("path %q should be rejected", rel)
		}
	}

	// A prefix sibling must not pass the containment check.
	if _, err := insideBundle(root, "../0xaaa-evil"); err == nil {
		t.Error("prefix sibling should be rejected")
	}
}
