package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

func newAccessorStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), "codalab", storage.NewHub())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func checkinWorker(t *testing.T, store *storage.BoltStore, id string, runs ...string) {
	t.Helper()
	reports := make([]types.RunStatusReport, len(runs))
	for i, uuid := range runs {
		reports[i] = types.RunStatusReport{UUID: uuid, Stage: types.RunStageRunning}
	}
	err := store.WorkerCheckin(&types.WorkerCheckin{
		WorkerID: id, CPUs: 4, MemoryBytes: 8 << 30, Runs: reports,
	}, "sock-"+id)
	if err != nil {
		t.Fatal(err)
	}
}

// TestAccessorIndexes tests the three indexes built from the worker table.
func TestAccessorIndexes(t *testing.T) {
	store := newAccessorStore(t)
	checkinWorker(t, store, "w1", "0xaaa")
	checkinWorker(t, store, "w2")

	a := NewWorkerInfoAccessor(store, time.Minute)

	workers := a.Workers()
	assert.Len(t, workers, 2)

	byUser := a.GetUserWorkers("codalab")
	assert.Len(t, byUser, 2)
	assert.Empty(t, a.GetUserWorkers("alice"))

	w := a.GetBundleWorker("0xaaa")
	if w == nil || w.WorkerID != "w1" {
		t.Fatalf("reverse index should resolve 0xaaa to w1, got %v", w)
	}
	assert.True(t, a.IsRunning("0xaaa"))
	assert.False(t, a.IsRunning("0xbbb"))
}

// TestAccessorCachesUntilTTL tests that reads within the TTL skip the store.
func TestAccessorCachesUntilTTL(t *testing.T) {
	store := newAccessorStore(t)
	checkinWorker(t, store, "w1")

	a := NewWorkerInfoAccessor(store, time.Hour)
	assert.Len(t, a.Workers(), 1)

	// A new worker appears, but the cache is still fresh.
	checkinWorker(t, store, "w2")
	assert.Len(t, a.Workers(), 1)

	a.Invalidate()
	assert.Len(t, a.Workers(), 2)
}

// TestAccessorSetStartingAndRestage tests the reverse-index updates the
// scheduler performs mid-tick.
func TestAccessorSetStartingAndRestage(t *testing.T) {
	store := newAccessorStore(t)
	checkinWorker(t, store, "w1")

	a := NewWorkerInfoAccessor(store, time.Hour)
	a.Workers() // prime the cache

	a.SetStarting("0xaaa", "w1")
	w := a.GetBundleWorker("0xaaa")
	if w == nil || w.WorkerID != "w1" {
		t.Fatalf("SetStarting should bind the bundle to w1, got %v", w)
	}
	assert.True(t, a.Workers()["w1"].RunUUIDs["0xaaa"])

	a.Restage("0xaaa")
	assert.Nil(t, a.GetBundleWorker("0xaaa"))
	assert.False(t, a.Workers()["w1"].RunUUIDs["0xaaa"])
}

// TestAccessorRemove tests forgetting a dead worker and its claims.
func TestAccessorRemove(t *testing.T) {
	store := newAccessorStore(t)
	checkinWorker(t, store, "w1", "0xaaa")
	checkinWorker(t, store, "w2")

	a := NewWorkerInfoAccessor(store, time.Hour)
	a.Workers()

	a.Remove("w1")
	assert.Len(t, a.Workers(), 1)
	assert.Nil(t, a.GetBundleWorker("0xaaa"))
	assert.Len(t, a.GetUserWorkers("codalab"), 1)
}
