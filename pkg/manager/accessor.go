package manager

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// WorkerInfoAccessor is a read-through cache over the authoritative worker
// table. Every public call refreshes the three indexes when the cache is
// older than the TTL; reverse updates keep the indexes consistent between
// refreshes as the scheduler dispatches.
type WorkerInfoAccessor struct {
	store  storage.Store
	ttl    time.Duration
	logger zerolog.Logger

	mu          sync.Mutex
	lastRefresh time.Time
	workers     map[string]*types.Worker
	uuidTo      map[string]*types.Worker
	userTo      map[string][]*types.Worker
}

// NewWorkerInfoAccessor builds an accessor with the given refresh TTL,
// conventionally the worker timeout minus a small margin.
func NewWorkerInfoAccessor(store storage.Store, ttl time.Duration) *WorkerInfoAccessor {
	return &WorkerInfoAccessor{
		store:   store,
		ttl:     ttl,
		logger:  log.WithComponent("workerinfo"),
		workers: make(map[string]*types.Worker),
		uuidTo:  make(map[string]*types.Worker),
		userTo:  make(map[string][]*types.Worker),
	}
}

// refreshIfStale rebuilds the indexes from the store. Callers hold a.mu.
func (a *WorkerInfoAccessor) refreshIfStale() {
	if time.Since(a.lastRefresh) < a.ttl {
		return
	}
	rows, err := a.store.GetWorkers()
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to refresh worker table")
		return
	}
	a.workers = make(map[string]*types.Worker, len(rows))
	a.uuidTo = make(map[string]*types.Worker)
	a.userTo = make(map[string][]*types.Worker)
	for _, w := range rows {
		a.workers[w.WorkerID] = w
		a.userTo[w.UserID] = append(a.userTo[w.UserID], w)
		for uuid := range w.RunUUIDs {
			a.uuidTo[uuid] = w
		}
	}
	a.lastRefresh = time.Now()
}

// Invalidate forces the next call to hit the store.
func (a *WorkerInfoAccessor) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastRefresh = time.Time{}
}

// Workers returns the current worker index keyed by worker id.
func (a *WorkerInfoAccessor) Workers() map[string]*types.Worker {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshIfStale()

	out := make(map[string]*types.Worker, len(a.workers))
	for id, w := range a.workers {
		out[id] = w
	}
	return out
}

// GetUserWorkers returns the workers owned by userID.
func (a *WorkerInfoAccessor) GetUserWorkers(userID string) []*types.Worker {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshIfStale()
	return append([]*types.Worker{}, a.userTo[userID]...)
}

// GetBundleWorker returns the worker currently claiming bundleUUID, or nil.
func (a *WorkerInfoAccessor) GetBundleWorker(bundleUUID string) *types.Worker {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshIfStale()
	return a.uuidTo[bundleUUID]
}

// IsRunning reports whether any worker claims bundleUUID.
func (a *WorkerInfoAccessor) IsRunning(bundleUUID string) bool {
	return a.GetBundleWorker(bundleUUID) != nil
}

// SetStarting records a fresh dispatch in both indexes.
func (a *WorkerInfoAccessor) SetStarting(bundleUUID, workerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.workers[workerID]
	if !ok {
		return
	}
	if w.RunUUIDs == nil {
		w.RunUUIDs = make(map[string]bool)
	}
	w.RunUUIDs[bundleUUID] = true
	a.uuidTo[bundleUUID] = w
}

// Restage drops a bundle from the reverse index after a reverted dispatch.
func (a *WorkerInfoAccessor) Restage(bundleUUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if w, ok := a.uuidTo[bundleUUID]; ok {
		delete(w.RunUUIDs, bundleUUID)
	}
	delete(a.uuidTo, bundleUUID)
}

// Remove forgets a dead worker and every reverse entry pointing at it.
func (a *WorkerInfoAccessor) Remove(workerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.workers[workerID]
	if !ok {
		return
	}
	delete(a.workers, workerID)
	for uuid := range w.RunUUIDs {
		delete(a.uuidTo, uuid)
	}
	peers := a.userTo[w.UserID]
	for i, p := range peers {
		if p.WorkerID == workerID {
			a.userTo[w.UserID] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
}
