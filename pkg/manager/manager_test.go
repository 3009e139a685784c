package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/burrow/pkg/auth"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

type managerFixture struct {
	store  *storage.BoltStore
	hub    *storage.Hub
	broker *events.Broker
	bm     *BundleManager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	hub := storage.NewHub()
	store, err := storage.NewBoltStore(t.TempDir(), "codalab", hub)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	settings := config.Default()
	settings.Manager.DataDir = t.TempDir()

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return &managerFixture{
		store:  store,
		hub:    hub,
		broker: broker,
		bm:     New(store, auth.AllowAll{}, settings, broker),
	}
}

func (f *managerFixture) addBundle(t *testing.T, b *types.Bundle) {
	t.Helper()
	if b.BundleType == "" {
		b.BundleType = types.BundleTypeRun
	}
	if b.OwnerID == "" {
		b.OwnerID = "alice"
	}
	if err := f.store.CreateBundle(b); err != nil {
		t.Fatal(err)
	}
}

func (f *managerFixture) state(t *testing.T, uuid string) types.BundleState {
	t.Helper()
	b, err := f.store.GetBundle(uuid)
	if err != nil {
		t.Fatal(err)
	}
	return b.State
}

// TestStageBundlesReadyParents tests staging when every parent is ready.
func TestStageBundlesReadyParents(t *testing.T) {
	f := newManagerFixture(t)
	f.addBundle(t, &types.Bundle{UUID: "0xparent", State: types.BundleStateReady})
	f.addBundle(t, &types.Bundle{
		UUID: "0xchild", State: types.BundleStateCreated,
		Dependencies: []types.Dependency{{ParentUUID: "0xparent", ChildPath: "dep"}},
	})

	f.bm.StageBundles()

	assert.Equal(t, types.BundleStateStaged, f.state(t, "0xchild"))
	b, _ := f.store.GetBundle("0xchild")
	assert.Equal(t, "All dependencies are ready", b.MetaString(types.MetaStagedStatus))
}

// TestStageBundlesMissingParent tests the missing-parent failure message.
func TestStageBundlesMissingParent(t *testing.T) {
	f := newManagerFixture(t)
	f.addBundle(t, &types.Bundle{
		UUID: "0xchild", State: types.BundleStateCreated,
		Dependencies: []types.Dependency{{ParentUUID: "0xghost", ChildPath: "dep"}},
	})

	f.bm.StageBundles()

	assert.Equal(t, types.BundleStateFailed, f.state(t, "0xchild"))
	b, _ := f.store.GetBundle("0xchild")
	assert.Contains(t, b.MetaString(types.MetaFailureMessage), "Missing parent bundles: 0xghost")
}

// TestStageBundlesFailedParent tests both sides of allow_failed_dependencies.
func TestStageBundlesFailedParent(t *testing.T) {
	f := newManagerFixture(t)
	f.addBundle(t, &types.Bundle{UUID: "0xbad", State: types.BundleStateFailed})

	f.addBundle(t, &types.Bundle{
		UUID: "0xstrict", State: types.BundleStateCreated,
		Dependencies: []types.Dependency{{ParentUUID: "0xbad", ChildPath: "dep"}},
	})
	lenient := &types.Bundle{
		UUID: "0xlenient", State: types.BundleStateCreated,
		Dependencies: []types.Dependency{{ParentUUID: "0xbad", ChildPath: "dep"}},
	}
	lenient.SetMeta(types.MetaAllowFailedDeps, true)
	f.addBundle(t, lenient)

	f.bm.StageBundles()

	assert.Equal(t, types.BundleStateFailed, f.state(t, "0xstrict"))
	b, _ := f.store.GetBundle("0xstrict")
	assert.Contains(t, b.MetaString(types.MetaFailureMessage), "allow_failed_dependencies")

	assert.Equal(t, types.BundleStateStaged, f.state(t, "0xlenient"))
}

// TestStageBundlesWaitsForInFlightParents tests that a child stays CREATED
// while a parent is still running.
func TestStageBundlesWaitsForInFlightParents(t *testing.T) {
	f := newManagerFixture(t)
	f.addBundle(t, &types.Bundle{UUID: "0xparent", State: types.BundleStateRunning})
	f.addBundle(t, &types.Bundle{
		UUID: "0xchild", State: types.BundleStateCreated,
		Dependencies: []types.Dependency{{ParentUUID: "0xparent", ChildPath: "dep"}},
	})

	f.bm.StageBundles()

	assert.Equal(t, types.BundleStateCreated, f.state(t, "0xchild"))
}

// TestScheduleCleansDeadWorkers tests worker reaping from the supervision
// pass.
func TestScheduleCleansDeadWorkers(t *testing.T) {
	f := newManagerFixture(t)
	err := f.store.WorkerCheckin(&types.WorkerCheckin{WorkerID: "w1"}, "sock-1")
	if err != nil {
		t.Fatal(err)
	}
	// Age the checkin past the worker timeout.
	workers, _ := f.store.GetWorkers()
	w := workers[0]
	w.CheckinTime = time.Now().Add(-2 * f.bm.settings.Manager.WorkerTimeout.Std())
	if err := f.store.UpdateWorkers(w); err != nil {
		t.Fatal(err)
	}

	f.bm.ScheduleRunBundles()

	workers, _ = f.store.GetWorkers()
	assert.Empty(t, workers)
	assert.Empty(t, f.bm.Accessor().Workers())
}

// TestScheduleRestagesUnclaimedStarting tests that a STARTING bundle with no
// claim row goes back to STAGED.
func TestScheduleRestagesUnclaimedStarting(t *testing.T) {
	f := newManagerFixture(t)
	f.addBundle(t, &types.Bundle{UUID: "0xaaa", State: types.BundleStateStarting})

	f.bm.ScheduleRunBundles()

	assert.Equal(t, types.BundleStateStaged, f.state(t, "0xaaa"))
}

// TestScheduleKeepsFreshStarting tests that a claimed, recently updated
// STARTING bundle is left alone.
func TestScheduleKeepsFreshStarting(t *testing.T) {
	f := newManagerFixture(t)
	err := f.store.WorkerCheckin(&types.WorkerCheckin{WorkerID: "w1"}, "sock-1")
	if err != nil {
		t.Fatal(err)
	}
	f.addBundle(t, &types.Bundle{UUID: "0xaaa", State: types.BundleStateStaged})
	if _, err := f.store.TransitionBundleStarting("0xaaa", "w1", "codalab"); err != nil {
		t.Fatal(err)
	}

	f.bm.ScheduleRunBundles()

	assert.Equal(t, types.BundleStateStarting, f.state(t, "0xaaa"))
}

// TestScheduleBringsLostRunningOffline tests RUNNING bundles whose worker
// vanished.
func TestScheduleBringsLostRunningOffline(t *testing.T) {
	f := newManagerFixture(t)
	f.addBundle(t, &types.Bundle{UUID: "0xaaa", State: types.BundleStateRunning})

	f.bm.ScheduleRunBundles()

	assert.Equal(t, types.BundleStateWorkerOffline, f.state(t, "0xaaa"))
}

// TestScheduleRequeuesPreemptible tests that a preemptible bundle with remote
// history is restaged rather than taken offline.
func TestScheduleRequeuesPreemptible(t *testing.T) {
	f := newManagerFixture(t)
	b := &types.Bundle{UUID: "0xaaa", State: types.BundleStateRunning}
	b.SetMeta(types.MetaPreemptible, true)
	b.SetMeta(types.MetaRemoteHistory, "worker-old")
	f.addBundle(t, b)

	f.bm.ScheduleRunBundles()

	assert.Equal(t, types.BundleStateStaged, f.state(t, "0xaaa"))
	got, _ := f.store.GetBundle("0xaaa")
	assert.Equal(t, "Worker lost; bundle requeued", got.MetaString(types.MetaStagedStatus))
}

// TestScheduleAcknowledgesFinalizing tests the mark_finalized handshake and
// the derived terminal state.
func TestScheduleAcknowledgesFinalizing(t *testing.T) {
	f := newManagerFixture(t)
	err := f.store.WorkerCheckin(&types.WorkerCheckin{WorkerID: "w1"}, "sock-1")
	if err != nil {
		t.Fatal(err)
	}
	ch := f.hub.Register("sock-1")

	cases := []struct {
		uuid string
		meta map[string]any
		want types.BundleState
	}{
		{"0xok", nil, types.BundleStateReady},
		{"0xkilled", map[string]any{types.MetaKilled: true}, types.BundleStateKilled},
		{"0xfailed", map[string]any{types.MetaExitcode: 1}, types.BundleStateFailed},
	}
	for _, c := range cases {
		f.addBundle(t, &types.Bundle{UUID: c.uuid, State: types.BundleStateStaged})
		if _, err := f.store.TransitionBundleStarting(c.uuid, "w1", "codalab"); err != nil {
			t.Fatal(err)
		}
		if err := f.store.UpdateBundle(c.uuid, storage.Delta{
			State: types.BundleStateFinalizing, Metadata: c.meta,
		}); err != nil {
			t.Fatal(err)
		}

		f.bm.ScheduleRunBundles()

		assert.Equal(t, c.want, f.state(t, c.uuid), c.uuid)
		select {
		case msg := <-ch:
			assert.Equal(t, types.MessageMarkFinalized, msg.Type)
			assert.Equal(t, c.uuid, msg.UUID)
		default:
			t.Fatalf("%s: mark_finalized should be queued", c.uuid)
		}
	}
}

// TestScheduleFinalizingWithoutClaimantGoesOffline tests the orphaned
// FINALIZING path.
func TestScheduleFinalizingWithoutClaimantGoesOffline(t *testing.T) {
	f := newManagerFixture(t)
	f.addBundle(t, &types.Bundle{UUID: "0xaaa", State: types.BundleStateFinalizing})

	f.bm.ScheduleRunBundles()

	assert.Equal(t, types.BundleStateWorkerOffline, f.state(t, "0xaaa"))
}

// TestFailUnresponsiveBundles tests the bundle timeout sweep and its daily
// rate limit.
func TestFailUnresponsiveBundles(t *testing.T) {
	f := newManagerFixture(t)
	days := f.bm.settings.Manager.BundleTimeoutDays

	old := &types.Bundle{
		UUID: "0xold", State: types.BundleStateStaged,
		Created: time.Now().Add(-time.Duration(days+1) * 24 * time.Hour),
	}
	f.addBundle(t, old)
	f.addBundle(t, &types.Bundle{UUID: "0xfresh", State: types.BundleStateStaged})

	f.bm.FailUnresponsiveBundles()

	assert.Equal(t, types.BundleStateFailed, f.state(t, "0xold"))
	b, _ := f.store.GetBundle("0xold")
	assert.Contains(t, b.MetaString(types.MetaFailureMessage), "stuck in staged state")
	assert.Equal(t, types.BundleStateStaged, f.state(t, "0xfresh"))

	// Within the rate-limit window a second sweep is a no-op even for newly
	// aged bundles.
	aged := &types.Bundle{
		UUID: "0xaged-later", State: types.BundleStateRunning,
		Created: time.Now().Add(-time.Duration(days+1) * 24 * time.Hour),
	}
	f.addBundle(t, aged)
	f.bm.FailUnresponsiveBundles()
	assert.Equal(t, types.BundleStateRunning, f.state(t, "0xaged-later"))
}

// TestTickSurvivesPanic tests that a panicking subsystem does not kill the
// loop.
func TestTickSurvivesPanic(t *testing.T) {
	f := newManagerFixture(t)
	// A nil store field would panic; instead drive a full tick on a healthy
	// fixture and then on one with the store closed underneath it.
	f.bm.Tick()

	f.store.Close()
	f.bm.Tick() // must not panic the test
}

// TestEventPublication tests that staging emits a bundle.staged event.
func TestEventPublication(t *testing.T) {
	f := newManagerFixture(t)
	sub := f.broker.Subscribe()

	f.addBundle(t, &types.Bundle{UUID: "0xchild", State: types.BundleStateCreated})
	f.bm.StageBundles()

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventBundleStaged, ev.Type)
		assert.Equal(t, "0xchild", ev.BundleUUID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a bundle.staged event")
	}
}
