package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/auth"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// startingStuckAfter is how long a STARTING bundle may sit unclaimed
	// before it is restaged.
	startingStuckAfter = 5 * time.Minute

	// unresponsiveScanInterval rate-limits the stuck-bundle sweep.
	unresponsiveScanInterval = 24 * time.Hour

	// ackTimeout bounds the mark_finalized delivery per bundle.
	ackTimeout = 200 * time.Millisecond
)

// BundleManager drives the central loop: stage created bundles, assemble
// make bundles, schedule and supervise run bundles, and reap bundles stuck
// past the timeout. A tick never aborts the loop; panics are logged with a
// stack and the next interval proceeds.
type BundleManager struct {
	store    storage.Store
	authz    auth.Predicate
	settings *config.Settings
	accessor *WorkerInfoAccessor
	sched    *scheduler.Scheduler
	maker    *Maker
	broker   *events.Broker
	logger   zerolog.Logger

	lastUnresponsiveScan time.Time
	stopCh               chan struct{}
}

// New assembles the manager and its subsystems.
func New(store storage.Store, authz auth.Predicate, settings *config.Settings, broker *events.Broker) *BundleManager {
	ttl := settings.Manager.WorkerTimeout.Std() - 5*time.Second
	if ttl <= 0 {
		ttl = time.Second
	}
	return &BundleManager{
		store:    store,
		authz:    authz,
		settings: settings,
		accessor: NewWorkerInfoAccessor(store, ttl),
		sched:    scheduler.New(store, authz, settings.Workers, settings.Manager.SystemUserID, broker),
		maker:    NewMaker(store, settings.Manager.DataDir, settings.Manager.MakeWorkers),
		broker:   broker,
		logger:   log.WithComponent("manager"),
		stopCh:   make(chan struct{}),
	}
}

// Accessor exposes the worker info cache, mainly for the checkin path and
// tests.
func (m *BundleManager) Accessor() *WorkerInfoAccessor {
	return m.accessor
}

// Run ticks every sleep_time until the context is cancelled or Stop is
// called, then waits for in-flight make tasks.
func (m *BundleManager) Run(ctx context.Context) error {
	m.logger.Info().Dur("interval", m.settings.Manager.SleepTime.Std()).Msg("bundle manager starting")

	for {
		m.Tick()
		select {
		case <-ctx.Done():
			m.maker.Wait()
			return ctx.Err()
		case <-m.stopCh:
			m.maker.Wait()
			return nil
		case <-time.After(m.settings.Manager.SleepTime.Std()):
		}
	}
}

// Stop makes Run return after the current tick.
func (m *BundleManager) Stop() {
	close(m.stopCh)
}

// Tick runs one full pass. Exported so tests can drive the loop directly.
func (m *BundleManager) Tick() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Any("panic", r).Str("stack", string(debug.Stack())).Msg("tick panicked")
		}
	}()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

	m.StageBundles()
	m.maker.MakeBundles()
	m.ScheduleRunBundles()
	m.FailUnresponsiveBundles()
	m.updateBundleGauges()
}

// updateBundleGauges refreshes the per-state bundle counts.
func (m *BundleManager) updateBundleGauges() {
	bundles, err := m.store.BatchGetBundles(storage.BundleFilter{})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to snapshot bundles for metrics")
		return
	}
	counts := make(map[types.BundleState]int)
	for _, b := range bundles {
		counts[b.State]++
	}
	for _, state := range types.AllBundleStates {
		metrics.BundlesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// StageBundles moves CREATED bundles whose parents are all in acceptable
// states to STAGED, and fails the ones whose parents are missing, denied, or
// failed without the allow flag.
func (m *BundleManager) StageBundles() {
	created, err := m.store.BatchGetBundles(storage.BundleFilter{State: types.BundleStateCreated})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list created bundles")
		return
	}
	if len(created) == 0 {
		return
	}

	parentSet := make(map[string]bool)
	for _, b := range created {
		for _, uuid := range b.ParentUUIDs() {
			parentSet[uuid] = true
		}
	}
	parentUUIDs := make([]string, 0, len(parentSet))
	for uuid := range parentSet {
		parentUUIDs = append(parentUUIDs, uuid)
	}
	parents := make(map[string]*types.Bundle)
	if len(parentUUIDs) > 0 {
		rows, err := m.store.BatchGetBundles(storage.BundleFilter{UUIDs: parentUUIDs})
		if err != nil {
			m.logger.Error().Err(err).Msg("failed to load parent bundles")
			return
		}
		for _, p := range rows {
			parents[p.UUID] = p
		}
	}

	for _, b := range created {
		wanted := b.ParentUUIDs()

		var missing []string
		for _, uuid := range wanted {
			if _, ok := parents[uuid]; !ok {
				missing = append(missing, uuid)
			}
		}
		if len(missing) > 0 {
			m.failBundle(b.UUID, fmt.Sprintf("Missing parent bundles: %s", strings.Join(missing, ", ")), "staging")
			continue
		}

		if denial := m.authz.CanRead(b.OwnerID, wanted); denial != nil {
			m.failBundle(b.UUID, denial.Message, "permission")
			continue
		}

		var failedParents []string
		allAcceptable := true
		for _, uuid := range wanted {
			switch parents[uuid].State {
			case types.BundleStateReady:
			case types.BundleStateFailed, types.BundleStateKilled:
				if !b.AllowFailedDependencies() {
					failedParents = append(failedParents, uuid)
				}
			default:
				allAcceptable = false
			}
		}
		if len(failedParents) > 0 {
			m.failBundle(b.UUID, fmt.Sprintf(
				"Parent bundles failed: %s (set allow_failed_dependencies to depend on failed bundles)",
				strings.Join(failedParents, ", ")), "failed_dependency")
			continue
		}
		if !allAcceptable {
			// Some parent is still in flight; stay in CREATED.
			continue
		}

		won, err := m.store.TransitionBundleStaged(b.UUID, types.BundleStateCreated,
			map[string]any{types.MetaStagedStatus: "All dependencies are ready"})
		if err != nil {
			m.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to stage bundle")
			continue
		}
		if won {
			metrics.BundlesStaged.Inc()
			m.broker.Publish(&events.Event{Type: events.EventBundleStaged, BundleUUID: b.UUID})
		}
	}
}

func (m *BundleManager) failBundle(uuid, message, reason string) {
	if err := m.store.UpdateBundle(uuid, storage.Delta{
		State:    types.BundleStateFailed,
		Metadata: map[string]any{types.MetaFailureMessage: message},
	}); err != nil {
		m.logger.Error().Err(err).Str("bundle_uuid", uuid).Msg("failed to fail bundle")
		return
	}
	metrics.BundlesFailed.WithLabelValues(reason).Inc()
	m.broker.Publish(&events.Event{Type: events.EventBundleFailed, BundleUUID: uuid, Message: message})
}

// ScheduleRunBundles supervises the claimed states and dispatches staged run
// bundles, in the order the tick contract requires.
func (m *BundleManager) ScheduleRunBundles() {
	workers := m.accessor.Workers()
	now := time.Now()
	timeout := m.settings.Manager.WorkerTimeout.Std()

	// Dead workers first, so nothing below dispatches to them.
	alive := 0
	for id, w := range workers {
		if w.Alive(now, timeout) {
			alive++
			continue
		}
		if err := m.store.WorkerCleanup(id); err != nil {
			m.logger.Error().Err(err).Str("worker_id", id).Msg("failed to clean up worker")
			continue
		}
		m.accessor.Remove(id)
		delete(workers, id)
		metrics.WorkersCleaned.Inc()
		m.broker.Publish(&events.Event{Type: events.EventWorkerCleaned, WorkerID: id})
	}
	metrics.WorkersAlive.Set(float64(alive))

	m.restageStuckStartingBundles(now)
	m.bringOfflineStuckRunningBundles(now, timeout)
	m.acknowledgeRecentlyFinishedBundles()

	staged, err := m.store.BatchGetBundles(storage.BundleFilter{
		State: types.BundleStateStaged, BundleType: types.BundleTypeRun,
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list staged run bundles")
		return
	}
	var schedulable []*types.Bundle
	for _, b := range staged {
		if !b.Frozen {
			schedulable = append(schedulable, b)
		}
	}

	cands := m.sched.ValidateStagedBundles(schedulable)
	list := make([]*types.Worker, 0, len(workers))
	for _, w := range workers {
		list = append(list, w)
	}
	m.sched.Schedule(cands, list, m.aliveWorkers, m.accessor)
}

// aliveWorkers is the mid-tick liveness probe the scheduler polls between
// dispatches.
func (m *BundleManager) aliveWorkers() map[string]*types.Worker {
	now := time.Now()
	timeout := m.settings.Manager.WorkerTimeout.Std()
	out := make(map[string]*types.Worker)
	for id, w := range m.accessor.Workers() {
		if w.Alive(now, timeout) {
			out[id] = w
		}
	}
	return out
}

func (m *BundleManager) restageStuckStartingBundles(now time.Time) {
	starting, err := m.store.BatchGetBundles(storage.BundleFilter{State: types.BundleStateStarting})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list starting bundles")
		return
	}
	for _, b := range starting {
		claimant, err := m.store.GetBundleWorker(b.UUID)
		if err != nil {
			m.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to look up claimant")
			continue
		}
		if claimant != nil && now.Sub(b.LastUpdated) <= startingStuckAfter {
			continue
		}
		if _, err := m.store.TransitionBundleStaged(b.UUID, types.BundleStateStarting, nil); err != nil {
			m.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to restage starting bundle")
			continue
		}
		m.accessor.Restage(b.UUID)
		m.broker.Publish(&events.Event{Type: events.EventBundleRestaged, BundleUUID: b.UUID})
	}
}

// bringOfflineStuckRunningBundles moves PREPARING and RUNNING bundles whose
// worker has vanished to WORKER_OFFLINE. Preemptible bundles that have run
// remotely before go back to STAGED instead, keeping their history.
func (m *BundleManager) bringOfflineStuckRunningBundles(now time.Time, timeout time.Duration) {
	for _, state := range []types.BundleState{types.BundleStatePreparing, types.BundleStateRunning} {
		bundles, err := m.store.BatchGetBundles(storage.BundleFilter{State: state})
		if err != nil {
			m.logger.Error().Err(err).Str("state", string(state)).Msg("failed to list claimed bundles")
			continue
		}
		for _, b := range bundles {
			claimant, err := m.store.GetBundleWorker(b.UUID)
			if err != nil {
				m.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to look up claimant")
				continue
			}
			if claimant != nil && now.Sub(b.LastUpdated) <= timeout {
				continue
			}

			if b.MetaBool(types.MetaPreemptible) && b.MetaString(types.MetaRemoteHistory) != "" {
				if _, err := m.store.TransitionBundleStaged(b.UUID, state,
					map[string]any{types.MetaStagedStatus: "Worker lost; bundle requeued"}); err != nil {
					m.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to requeue preemptible bundle")
					continue
				}
				m.accessor.Restage(b.UUID)
				m.broker.Publish(&events.Event{Type: events.EventBundleRestaged, BundleUUID: b.UUID})
				continue
			}

			if _, err := m.store.TransitionBundleWorkerOffline(b.UUID, state); err != nil {
				m.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to mark bundle worker_offline")
				continue
			}
			m.broker.Publish(&events.Event{Type: events.EventWorkerOffline, BundleUUID: b.UUID})
		}
	}
}

// acknowledgeRecentlyFinishedBundles tells each FINALIZING bundle's worker to
// finalize, and on delivery persists the terminal state the run reported.
func (m *BundleManager) acknowledgeRecentlyFinishedBundles() {
	finalizing, err := m.store.BatchGetBundles(storage.BundleFilter{State: types.BundleStateFinalizing})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list finalizing bundles")
		return
	}
	for _, b := range finalizing {
		claimant, err := m.store.GetBundleWorker(b.UUID)
		if err != nil {
			m.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to look up claimant")
			continue
		}
		if claimant == nil {
			if _, err := m.store.TransitionBundleWorkerOffline(b.UUID, types.BundleStateFinalizing); err != nil {
				m.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to mark bundle worker_offline")
			}
			continue
		}

		ok := m.store.SendJSONMessage(claimant.SocketID, &types.Message{
			Type: types.MessageMarkFinalized,
			UUID: b.UUID,
		}, ackTimeout)
		if !ok {
			continue
		}

		state := types.BundleStateReady
		exitcode, _ := b.MetaInt(types.MetaExitcode)
		switch {
		case b.MetaBool(types.MetaKilled):
			state = types.BundleStateKilled
		case b.MetaString(types.MetaFailureMessage) != "" || exitcode != 0:
			state = types.BundleStateFailed
		}
		if _, err := m.store.TransitionBundleFinished(b.UUID, state, nil); err != nil {
			m.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to finish bundle")
			continue
		}
		m.broker.Publish(&events.Event{Type: events.EventBundleFinished, BundleUUID: b.UUID,
			Metadata: map[string]string{"state": string(state)}})
		m.logger.Info().Str("bundle_uuid", b.UUID).Str("state", string(state)).Msg("bundle finished")
	}
}

// FailUnresponsiveBundles fails bundles stuck in UPLOADING, STAGED or
// RUNNING for longer than the bundle timeout. The scan runs at most once a
// day.
func (m *BundleManager) FailUnresponsiveBundles() {
	if time.Since(m.lastUnresponsiveScan) < unresponsiveScanInterval {
		return
	}
	m.lastUnresponsiveScan = time.Now()

	days := m.settings.Manager.BundleTimeoutDays
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	for _, state := range []types.BundleState{
		types.BundleStateUploading, types.BundleStateStaged, types.BundleStateRunning,
	} {
		bundles, err := m.store.BatchGetBundles(storage.BundleFilter{State: state})
		if err != nil {
			m.logger.Error().Err(err).Str("state", string(state)).Msg("failed to list bundles for timeout scan")
			continue
		}
		for _, b := range bundles {
			if b.Created.After(cutoff) {
				continue
			}
			m.failBundle(b.UUID, fmt.Sprintf(
				"Bundle has been stuck in %s state for more than %d days", b.State, days), "timeout")
		}
	}
}
