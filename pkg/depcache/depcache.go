package depcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/fslock"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/statecommit"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// DefaultDownloadTimeout is how stale another worker's download claim
	// must be before this worker takes it over.
	DefaultDownloadTimeout = 5 * time.Minute

	// SharedFSDownloadTimeout replaces the claim timeout on NFS, where
	// large transfers legitimately heartbeat slowly.
	SharedFSDownloadTimeout = time.Hour

	// FailureCooldown is how long a FAILED entry blocks retries.
	FailureCooldown = 10 * time.Minute

	// MaxSerializedLen bounds the committed snapshot size; eviction kicks
	// in when the serialized state grows past it.
	MaxSerializedLen = 60000

	transitionInterval = 1 * time.Second
	cleanupInterval    = 10 * time.Second
)

// ErrDownloadAborted marks a download cancelled because every dependent
// released the entry mid-transfer.
var ErrDownloadAborted = errors.New("download aborted")

// Fetcher streams a parent bundle's contents (or a subpath of them) into a
// local destination. progress is invoked per chunk with the byte count so
// far; returning false aborts the transfer.
type Fetcher interface {
	Fetch(ctx context.Context, key types.DependencyKey, dst string, progress func(bytes int64) bool) (int64, error)
}

// cacheState is the committed snapshot shape.
type cacheState struct {
	Dependencies map[types.DependencyKey]*types.DependencyState `json:"dependencies"`
	Paths        map[string]bool                                `json:"paths"`
}

func newCacheState() cacheState {
	return cacheState{
		Dependencies: make(map[types.DependencyKey]*types.DependencyState),
		Paths:        make(map[string]bool),
	}
}

// Config for a cache Manager.
type Config struct {
	// WorkerID identifies this worker in download claims.
	WorkerID string
	// CacheDir is where dependency contents land.
	CacheDir string
	// CommitFile is the state snapshot location.
	CommitFile string
	// MaxCacheSizeBytes is the eviction ceiling.
	MaxCacheSizeBytes int64
	// MaxRetries bounds transport-error retries per download.
	MaxRetries int
	// SharedFileSystem turns on the cross-process file lock and the longer
	// claim timeout.
	SharedFileSystem bool
	// LockFile backs the advisory lock when SharedFileSystem is set.
	LockFile string
	// Events, when set, receives download and eviction telemetry.
	Events *events.Broker
}

// Manager is the per-worker dependency cache. Entries progress
// DOWNLOADING -> READY | FAILED; at most one worker downloads a key at a
// time, and eviction keeps the cache under its byte ceiling.
type Manager struct {
	id              string
	cacheDir        string
	maxCacheSize    int64
	maxRetries      int
	downloadTimeout time.Duration

	committer *statecommit.Committer
	lock      *fslock.Lock // nil outside shared-FS deployments
	fetcher   Fetcher
	events    *events.Broker
	logger    zerolog.Logger

	mu    sync.Mutex
	st    cacheState
	tasks map[types.DependencyKey]bool // downloads running in this process

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New loads (or initializes) the cache state and returns a manager. A
// corrupted state file is fatal.
func New(cfg Config, fetcher Fetcher) (*Manager, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	m := &Manager{
		id:              cfg.WorkerID,
		cacheDir:        cfg.CacheDir,
		maxCacheSize:    cfg.MaxCacheSizeBytes,
		maxRetries:      cfg.MaxRetries,
		downloadTimeout: DefaultDownloadTimeout,
		committer:       statecommit.New(cfg.CommitFile),
		fetcher:         fetcher,
		events:          cfg.Events,
		logger:          log.WithComponent("depcache"),
		tasks:           make(map[types.DependencyKey]bool),
		stopCh:          make(chan struct{}),
	}
	if cfg.SharedFileSystem {
		m.downloadTimeout = SharedFSDownloadTimeout
		m.lock = fslock.New(cfg.LockFile, 2*time.Minute)
	}

	m.st = newCacheState()
	if err := m.withLock(func() error {
		if _, err := m.committer.Load(&m.st); err != nil {
			return err
		}
		// Claims held by this worker before a restart are orphaned; drop
		// them so the transition loop re-spawns or another worker takes
		// over. The release must land before other workers read the table.
		changed := false
		for _, dep := range m.st.Dependencies {
			if dep.Stage == types.DependencyDownloading && dep.DownloadingBy == m.id {
				dep.DownloadingBy = ""
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return m.committer.Commit(&m.st)
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// Start launches the transition and cleanup loops.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.transitionLoop()
	go m.cleanupLoop()
}

// Stop signals the loops and download tasks, then waits for them.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// withLock wraps fn in the cross-process file lock when configured.
func (m *Manager) withLock(fn func() error) error {
	if m.lock != nil {
		return m.lock.With(fn)
	}
	return fn()
}

// update runs fn against the freshest state table and persists its changes.
// On a shared filesystem the snapshot is re-read inside the cross-process
// lock before fn runs, so claims and entries written by other workers are
// visible to every read-modify-write, and the commit lands before the lock
// is released. fn reports whether it changed anything. Callers hold m.mu.
func (m *Manager) update(fn func() bool) {
	if err := m.withLock(func() error {
		if m.lock != nil {
			// Load into fresh maps: Unmarshal merges into non-nil maps,
			// which would resurrect entries deleted by other workers.
			fresh := newCacheState()
			if _, err := m.committer.Load(&fresh); err != nil {
				return err
			}
			m.st = fresh
		}
		if !fn() {
			return nil
		}
		return m.committer.Commit(&m.st)
	}); err != nil {
		m.logger.Error().Err(err).Msg("failed to update dependency state")
	}

	var total int64
	for _, dep := range m.st.Dependencies {
		total += dep.SizeBytes
	}
	metrics.DependencyCacheBytes.Set(float64(total))
}

// Has reports whether the cache holds an entry for key.
func (m *Manager) Has(key types.DependencyKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.st.Dependencies[key]
	return ok
}

// Get returns the entry for key, creating it in DOWNLOADING when absent, and
// registers childUUID as a dependent. FAILED entries are returned as-is so
// the run can surface the failure.
func (m *Manager) Get(childUUID string, key types.DependencyKey) *types.DependencyState {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out *types.DependencyState
	m.update(func() bool {
		dep, ok := m.st.Dependencies[key]
		if !ok {
			now := time.Now()
			dep = &types.DependencyState{
				Stage:           types.DependencyDownloading,
				Key:             key,
				Path:            m.assignPath(key),
				Dependents:      map[string]bool{childUUID: true},
				LastUsed:        now,
				LastDownloading: now,
				Message:         "Waiting to download",
			}
			m.st.Dependencies[key] = dep
			m.st.Paths[dep.Path] = true
			out = dep.Clone()
			return true
		}

		if dep.Stage == types.DependencyFailed {
			out = dep.Clone()
			return false
		}
		if dep.Dependents == nil {
			dep.Dependents = make(map[string]bool)
		}
		dep.Dependents[childUUID] = true
		dep.LastUsed = time.Now()
		out = dep.Clone()
		return true
	})
	if out == nil {
		// The state reload failed; report the entry as still pending so
		// the run retries on the next tick.
		return &types.DependencyState{
			Stage: types.DependencyDownloading, Key: key, Message: "Waiting to download",
		}
	}
	return out
}

// Release drops childUUID from the entry's dependents. A download left with
// no dependents is marked killed so its task aborts.
func (m *Manager) Release(childUUID string, key types.DependencyKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.update(func() bool {
		dep, ok := m.st.Dependencies[key]
		if !ok {
			return false
		}
		delete(dep.Dependents, childUUID)
		if len(dep.Dependents) == 0 && dep.Stage == types.DependencyDownloading {
			dep.Killed = true
		}
		return true
	})
}

// AllDependencies returns the keys of every cache entry, for checkins.
func (m *Manager) AllDependencies() []types.DependencyKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]types.DependencyKey, 0, len(m.st.Dependencies))
	for key := range m.st.Dependencies {
		keys = append(keys, key)
	}
	return keys
}

// Path returns the absolute on-disk location for a cache entry.
func (m *Manager) Path(dep *types.DependencyState) string {
	return filepath.Join(m.cacheDir, dep.Path)
}

// assignPath derives a filesystem-safe relative path from the key, appending
// underscores until it is unique. Callers hold m.mu.
func (m *Manager) assignPath(key types.DependencyKey) string {
	path := key.ParentUUID
	if key.ParentPath != "" {
		path = key.ParentUUID + "/" + key.ParentPath
	}
	path = strings.ReplaceAll(path, string(os.PathSeparator), "_")
	path = strings.ReplaceAll(path, "/", "_")
	for m.st.Paths[path] {
		path += "_"
	}
	return path
}

func (m *Manager) transitionLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(transitionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.transitionDownloads()
		case <-m.stopCh:
			return
		}
	}
}

// transitionDownloads advances every DOWNLOADING entry one tick: claim it if
// unclaimed or the claimant went stale, and spawn the local download task
// for claims we hold. The claim read and write happen against the reloaded
// table inside the lock, so a claim another worker just committed is never
// overwritten.
func (m *Manager) transitionDownloads() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.update(func() bool {
		now := time.Now()
		changed := false
		for key, dep := range m.st.Dependencies {
			if dep.Stage != types.DependencyDownloading {
				continue
			}
			stale := dep.DownloadingBy != "" && dep.DownloadingBy != m.id &&
				now.Sub(dep.LastDownloading) > m.downloadTimeout
			if dep.DownloadingBy == "" || stale {
				dep.DownloadingBy = m.id
				dep.LastDownloading = now
				changed = true
			}
			if dep.DownloadingBy == m.id && !m.tasks[key] {
				m.tasks[key] = true
				m.wg.Add(1)
				go m.download(key)
			}
		}
		return changed
	})
}

// download runs in its own goroutine and owns the transfer for key while the
// entry's claim names this worker.
func (m *Manager) download(key types.DependencyKey) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.tasks, key)
		m.mu.Unlock()
	}()

	m.mu.Lock()
	var dst string
	claimed := false
	m.update(func() bool {
		dep, ok := m.st.Dependencies[key]
		if !ok || dep.Stage != types.DependencyDownloading || dep.DownloadingBy != m.id {
			return false
		}
		dst = m.Path(dep)
		claimed = true
		return false
	})
	m.mu.Unlock()
	if !claimed {
		return
	}

	// Each progress tick heartbeats the claim so other workers keep seeing
	// it as live. Losing the entry, the claim, or gaining the kill flag
	// aborts the transfer.
	progress := func(bytes int64) bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		alive := false
		m.update(func() bool {
			dep, ok := m.st.Dependencies[key]
			if !ok || dep.Killed || dep.DownloadingBy != m.id {
				return false
			}
			dep.SizeBytes = bytes
			dep.LastDownloading = time.Now()
			dep.Message = fmt.Sprintf("Downloading dependency: %d bytes", bytes)
			alive = true
			return true
		})
		return alive
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var size int64
	var err error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		size, err = m.fetcher.Fetch(ctx, key, dst, progress)
		if err == nil || errors.Is(err, ErrDownloadAborted) {
			break
		}
		m.logger.Warn().Err(err).Str("key", key.String()).Int("attempt", attempt+1).
			Msg("dependency download failed, retrying")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.update(func() bool {
		dep, ok := m.st.Dependencies[key]
		if !ok {
			os.RemoveAll(dst)
			return false
		}
		if dep.Stage == types.DependencyDownloading && dep.DownloadingBy != m.id {
			// Another worker took the claim over; the destination now
			// belongs to its transfer.
			return false
		}

		switch {
		case errors.Is(err, ErrDownloadAborted) || dep.Killed:
			os.RemoveAll(dst)
			delete(m.st.Dependencies, key)
			delete(m.st.Paths, dep.Path)
			metrics.DependencyDownloads.WithLabelValues("aborted").Inc()
		case err != nil:
			os.RemoveAll(dst)
			dep.Stage = types.DependencyFailed
			dep.DownloadingBy = ""
			dep.Message = fmt.Sprintf("Dependency download failed: %v", err)
			dep.LastUsed = time.Now()
			// Free the path now so the retry after cooldown can re-assign it.
			delete(m.st.Paths, dep.Path)
			metrics.DependencyDownloads.WithLabelValues("failed").Inc()
		default:
			dep.Stage = types.DependencyReady
			dep.DownloadingBy = ""
			dep.SizeBytes = size
			dep.Message = "Download complete"
			dep.LastUsed = time.Now()
			metrics.DependencyDownloads.WithLabelValues("success").Inc()
			if m.events != nil {
				m.events.Publish(&events.Event{
					Type:     events.EventDepDownloaded,
					WorkerID: m.id,
					Message:  key.String(),
				})
			}
		}
		return true
	})
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// Cleanup prunes aged FAILED entries, then evicts until the cache fits both
// the byte ceiling and the serialized-state bound. Entries with dependents
// are never evicted; if only DOWNLOADING entries remain, eviction stops and
// lets the downloads finish.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.update(func() bool {
		changed := false
		now := time.Now()
		for key, dep := range m.st.Dependencies {
			if dep.Stage == types.DependencyFailed && now.Sub(dep.LastUsed) > FailureCooldown {
				m.removeEntry(key, dep)
				changed = true
			}
		}

		for m.overBudget() {
			victim := m.pickVictim()
			if victim == nil {
				break
			}
			m.removeEntry(victim.Key, victim)
			metrics.DependencyEvictions.Inc()
			if m.events != nil {
				m.events.Publish(&events.Event{
					Type:     events.EventDepEvicted,
					WorkerID: m.id,
					Message:  victim.Key.String(),
				})
			}
			changed = true
		}
		return changed
	})
}

// overBudget reports whether size or serialized length exceeds the bounds.
// Callers hold m.mu.
func (m *Manager) overBudget() bool {
	var total int64
	for _, dep := range m.st.Dependencies {
		total += dep.SizeBytes
	}
	if total > m.maxCacheSize {
		return true
	}
	n, err := statecommit.SerializedLen(&m.st)
	if err != nil {
		return false
	}
	return n > MaxSerializedLen
}

// pickVictim chooses the oldest FAILED entry, else the oldest READY entry
// with no dependents. Callers hold m.mu.
func (m *Manager) pickVictim() *types.DependencyState {
	var failed, ready []*types.DependencyState
	for _, dep := range m.st.Dependencies {
		switch dep.Stage {
		case types.DependencyFailed:
			failed = append(failed, dep)
		case types.DependencyReady:
			if len(dep.Dependents) == 0 {
				ready = append(ready, dep)
			}
		}
	}
	byLastUsed := func(deps []*types.DependencyState) *types.DependencyState {
		sort.Slice(deps, func(i, j int) bool {
			return deps[i].LastUsed.Before(deps[j].LastUsed)
		})
		return deps[0]
	}
	if len(failed) > 0 {
		return byLastUsed(failed)
	}
	if len(ready) > 0 {
		return byLastUsed(ready)
	}
	return nil
}

// removeEntry deletes an entry from disk, the path set and the table.
// Callers hold m.mu.
func (m *Manager) removeEntry(key types.DependencyKey, dep *types.DependencyState) {
	if err := os.RemoveAll(m.Path(dep)); err != nil {
		m.logger.Warn().Err(err).Str("path", dep.Path).Msg("failed to remove cached dependency")
	}
	delete(m.st.Paths, dep.Path)
	delete(m.st.Dependencies, key)
}
