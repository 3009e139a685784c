package scheduler

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/auth"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// runMessageTimeout is how long dispatch waits for a worker to accept a run
// directive before reverting the transition.
const runMessageTimeout = 200 * time.Millisecond

// WorkerIndex is the slice of the worker info accessor the scheduler updates
// as it dispatches.
type WorkerIndex interface {
	SetStarting(bundleUUID, workerID string)
	Restage(bundleUUID string)
}

// Scheduler assigns staged run bundles to eligible workers, one bundle per
// worker per tick, in per-owner priority order.
type Scheduler struct {
	store        storage.Store
	authz        auth.Predicate
	cfg          config.WorkersSection
	systemUserID string
	events       *events.Broker // nil disables dispatch telemetry
	logger       zerolog.Logger
	rng          *rand.Rand
}

// New builds a scheduler. systemUserID names the owner of the shared worker
// pool that parallel-run quotas meter.
func New(store storage.Store, authz auth.Predicate, cfg config.WorkersSection,
	systemUserID string, broker *events.Broker) *Scheduler {

	return &Scheduler{
		store:        store,
		authz:        authz,
		cfg:          cfg,
		systemUserID: systemUserID,
		events:       broker,
		logger:       log.WithComponent("scheduler"),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ValidateStagedBundles resolves resources for every staged run bundle,
// failing the ones whose requests violate limits or quotas. It returns the
// survivors paired with their resources, in store order.
func (s *Scheduler) ValidateStagedBundles(bundles []*types.Bundle) []*Candidate {
	var out []*Candidate
	for _, b := range bundles {
		diskLeft, err := s.store.GetUserDiskQuotaLeft(b.OwnerID)
		if err != nil {
			s.logger.Error().Err(err).Str("owner", b.OwnerID).Msg("failed to read disk quota")
			continue
		}
		timeLeft, err := s.store.GetUserTimeQuotaLeft(b.OwnerID)
		if err != nil {
			s.logger.Error().Err(err).Str("owner", b.OwnerID).Msg("failed to read time quota")
			continue
		}

		resources, failures := ComputeResources(b, diskLeft, timeLeft, s.cfg)
		if len(failures) > 0 {
			msg := types.JoinMessages(failures)
			if err := s.store.UpdateBundle(b.UUID, storage.Delta{
				State:    types.BundleStateFailed,
				Metadata: map[string]any{types.MetaFailureMessage: msg},
			}); err != nil {
				s.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to fail bundle")
			}
			metrics.BundlesFailed.WithLabelValues("validation").Inc()
			continue
		}
		out = append(out, &Candidate{Bundle: b, Resources: resources})
	}
	return out
}

// Candidate is a staged run bundle that passed validation.
type Candidate struct {
	Bundle    *types.Bundle
	Resources *types.RunResources
}

// OrderBundles sorts each owner's bundles by scheduling priority while
// preserving every other owner's relative queue positions: an owner's
// bundles are permuted only among the slots they already occupy.
func OrderBundles(cands []*Candidate) []*Candidate {
	slots := make(map[string][]int)
	for i, c := range cands {
		slots[c.Bundle.OwnerID] = append(slots[c.Bundle.OwnerID], i)
	}

	out := make([]*Candidate, len(cands))
	for _, idxs := range slots {
		group := make([]*Candidate, 0, len(idxs))
		for _, i := range idxs {
			group = append(group, cands[i])
		}
		sort.SliceStable(group, func(a, b int) bool {
			return priorityKeyLess(group[b], group[a]) // descending
		})
		for j, i := range idxs {
			out[i] = group[j]
		}
	}
	return out
}

// priorityKeyLess compares the ascending form of the per-owner ordering
// tuple (priority_is_nonneg, priority_is_null, priority, has_request_queue).
func priorityKeyLess(a, b *Candidate) bool {
	ap, aok := a.Bundle.MetaInt(types.MetaRequestPriority)
	bp, bok := b.Bundle.MetaInt(types.MetaRequestPriority)

	aNonneg := aok && ap >= 0
	bNonneg := bok && bp >= 0
	if aNonneg != bNonneg {
		return !aNonneg
	}
	if aok != bok {
		return aok // null sorts above negative priority
	}
	if aok && bok && ap != bp {
		return ap < bp
	}
	aTag := a.Bundle.MetaString(types.MetaRequestQueue) != ""
	bTag := b.Bundle.MetaString(types.MetaRequestQueue) != ""
	if aTag != bTag {
		return !aTag
	}
	return false
}

// workerView is a deep-copied worker with resources pre-deducted by the runs
// already on it. The scheduler mutates views freely during a tick.
type workerView struct {
	*types.Worker
	cpusFree   int
	gpusFree   int
	memoryFree int64
}

func (v *workerView) dominates(r *types.RunResources) bool {
	if r.Tag != "" && v.Tag != r.Tag {
		return false
	}
	return v.cpusFree >= r.CPUs && v.gpusFree >= r.GPUs &&
		v.memoryFree >= r.Memory && v.FreeDiskBytes >= r.Disk
}

func (v *workerView) deduct(r *types.RunResources) {
	v.cpusFree -= r.CPUs
	v.gpusFree -= r.GPUs
	v.memoryFree -= r.Memory
	v.FreeDiskBytes -= r.Disk
}

// buildViews deep-copies workers and deducts the requests of bundles already
// running on them, grouped by owning user.
func (s *Scheduler) buildViews(workers []*types.Worker) (map[string][]*workerView, []*workerView) {
	uuidSet := make(map[string]bool)
	for _, w := range workers {
		for uuid := range w.RunUUIDs {
			uuidSet[uuid] = true
		}
	}
	uuids := make([]string, 0, len(uuidSet))
	for uuid := range uuidSet {
		uuids = append(uuids, uuid)
	}

	running := make(map[string]*types.Bundle)
	if len(uuids) > 0 {
		bundles, err := s.store.BatchGetBundles(storage.BundleFilter{UUIDs: uuids})
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to load running bundles for deduction")
		}
		for _, b := range bundles {
			running[b.UUID] = b
		}
	}

	byOwner := make(map[string][]*workerView)
	var systemPool []*workerView
	for _, w := range workers {
		v := &workerView{
			Worker:     w.Clone(),
			cpusFree:   w.CPUs,
			gpusFree:   w.GPUs,
			memoryFree: w.MemoryBytes,
		}
		for uuid := range w.RunUUIDs {
			b, ok := running[uuid]
			if !ok {
				continue
			}
			v.cpusFree -= int(metaInt(b, types.MetaRequestCPUs, 1))
			v.gpusFree -= int(metaInt(b, types.MetaRequestGPUs, 0))
			v.memoryFree -= metaSize(b, types.MetaRequestMemory, 2<<30)
		}
		if w.UserID == s.systemUserID {
			systemPool = append(systemPool, v)
		} else {
			byOwner[w.UserID] = append(byOwner[w.UserID], v)
		}
	}
	return byOwner, systemPool
}

// Schedule runs the ordered dispatch loop over one tick's snapshot.
// freshWorkers re-reads the accessor so workers that die mid-tick drop out;
// workers once seen dead stay excluded even if they come back.
func (s *Scheduler) Schedule(cands []*Candidate, workers []*types.Worker,
	freshWorkers func() map[string]*types.Worker, index WorkerIndex) {

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	byOwner, systemPool := s.buildViews(workers)

	quotaLeft := make(map[string]int)
	dead := make(map[string]bool)
	dispatched := make(map[string]bool)

	for _, c := range OrderBundles(cands) {
		owner := c.Bundle.OwnerID

		if _, ok := quotaLeft[owner]; !ok {
			n, err := s.store.GetUserParallelRunQuotaLeft(owner)
			if err != nil {
				s.logger.Error().Err(err).Str("owner", owner).Msg("failed to read parallel quota")
				continue
			}
			quotaLeft[owner] = n
		}

		candidates := append([]*workerView{}, byOwner[owner]...)
		if quotaLeft[owner] > 0 {
			candidates = append(candidates, systemPool...)
		}

		alive := freshWorkers()
		var live []*workerView
		for _, v := range candidates {
			if dead[v.WorkerID] {
				continue
			}
			if _, ok := alive[v.WorkerID]; !ok {
				dead[v.WorkerID] = true
				continue
			}
			if dispatched[v.WorkerID] || v.IsTerminating {
				continue
			}
			live = append(live, v)
		}

		var fits []*workerView
		for _, v := range live {
			if v.dominates(c.Resources) {
				fits = append(fits, v)
			}
		}
		if len(fits) == 0 {
			status := recommendation(c.Resources, live)
			if err := s.store.UpdateBundle(c.Bundle.UUID, storage.Delta{
				Metadata: map[string]any{types.MetaStagedStatus: status},
			}); err != nil {
				s.logger.Error().Err(err).Str("bundle_uuid", c.Bundle.UUID).Msg("failed to record staged status")
			}
			continue
		}

		s.sortCandidates(fits, c)

		for _, v := range fits {
			if denial := s.authz.CanRun(v.UserID, c.Bundle); denial != nil {
				continue
			}
			if s.dispatch(c, v, index) {
				v.deduct(c.Resources)
				v.RunUUIDs[c.Bundle.UUID] = true
				dispatched[v.WorkerID] = true
				if v.UserID == s.systemUserID {
					quotaLeft[owner]--
				}
				break
			}
		}
	}
}

// dispatch atomically claims the bundle, then offers it to the worker. A
// refused or timed-out run message reverts the claim.
func (s *Scheduler) dispatch(c *Candidate, v *workerView, index WorkerIndex) bool {
	uuid := c.Bundle.UUID

	won, err := s.store.TransitionBundleStarting(uuid, v.WorkerID, c.Bundle.OwnerID)
	if err != nil || !won {
		return false
	}
	index.SetStarting(uuid, v.WorkerID)

	ok := s.store.SendJSONMessage(v.SocketID, &types.Message{
		Type:      types.MessageRun,
		Bundle:    c.Bundle,
		Resources: c.Resources,
	}, runMessageTimeout)
	if !ok {
		if _, err := s.store.TransitionBundleStaged(uuid, types.BundleStateStarting, nil); err != nil {
			s.logger.Error().Err(err).Str("bundle_uuid", uuid).Msg("failed to revert dispatch")
		}
		index.Restage(uuid)
		metrics.DispatchReverted.Inc()
		return false
	}

	if v.ExitAfterNumRuns > 0 {
		v.ExitAfterNumRuns--
		if err := s.store.UpdateWorkers(v.Worker); err != nil {
			s.logger.Error().Err(err).Str("worker_id", v.WorkerID).Msg("failed to write run budget")
		}
	}

	metrics.BundlesDispatched.Inc()
	if s.events != nil {
		s.events.Publish(&events.Event{
			Type:       events.EventBundleStarting,
			BundleUUID: uuid,
			WorkerID:   v.WorkerID,
		})
	}
	s.logger.Info().Str("bundle_uuid", uuid).Str("worker_id", v.WorkerID).Msg("bundle dispatched")
	return true
}

// sortCandidates orders dominating workers: tag-exclusive first, fewer GPUs
// first so CPU jobs avoid GPU workers, more cached dependencies first, then
// smaller and less busy workers, with a random tie-break to spread the
// dependency cache.
func (s *Scheduler) sortCandidates(fits []*workerView, c *Candidate) {
	depMatches := func(v *workerView) int {
		n := 0
		for _, dep := range c.Bundle.Dependencies {
			if v.Dependencies[dep.Key()] {
				n++
			}
		}
		return n
	}
	jitter := make(map[string]int, len(fits))
	for _, v := range fits {
		jitter[v.WorkerID] = s.rng.Int()
	}

	sort.SliceStable(fits, func(i, j int) bool {
		a, b := fits[i], fits[j]
		if a.TagExclusive != b.TagExclusive {
			return a.TagExclusive
		}
		ag := a.GPUs
		if !a.HasGPUs {
			ag = 0
		}
		bg := b.GPUs
		if !b.HasGPUs {
			bg = 0
		}
		if ag != bg {
			return ag < bg
		}
		if da, db := depMatches(a), depMatches(b); da != db {
			return da > db
		}
		if a.CPUs != b.CPUs {
			return a.CPUs < b.CPUs
		}
		if la, lb := len(a.RunUUIDs), len(b.RunUUIDs); la != lb {
			return la < lb
		}
		return jitter[a.WorkerID] < jitter[b.WorkerID]
	})
}

// recommendation explains, per worker, which dimensions fell short of the
// request. It lands in metadata.staged_status for the user to read.
func recommendation(r *types.RunResources, views []*workerView) string {
	if len(views) == 0 {
		return "No workers available to run this bundle"
	}
	var parts []string
	for _, v := range views {
		var lack []string
		if r.Tag != "" && v.Tag != r.Tag {
			lack = append(lack, fmt.Sprintf("tag %q", v.Tag))
		}
		if v.cpusFree < r.CPUs {
			lack = append(lack, fmt.Sprintf("%d free CPUs (need %d)", v.cpusFree, r.CPUs))
		}
		if v.gpusFree < r.GPUs {
			lack = append(lack, fmt.Sprintf("%d free GPUs (need %d)", v.gpusFree, r.GPUs))
		}
		if v.memoryFree < r.Memory {
			lack = append(lack, fmt.Sprintf("%s free memory (need %s)",
				humanize.IBytes(uint64(max64(v.memoryFree, 0))), humanize.IBytes(uint64(r.Memory))))
		}
		if v.FreeDiskBytes < r.Disk {
			lack = append(lack, fmt.Sprintf("%s free disk (need %s)",
				humanize.IBytes(uint64(max64(v.FreeDiskBytes, 0))), humanize.IBytes(uint64(r.Disk))))
		}
		if len(lack) > 0 {
			parts = append(parts, fmt.Sprintf("worker %s has %s", v.WorkerID, strings.Join(lack, ", ")))
		}
	}
	return "No worker can run this bundle yet: " + strings.Join(parts, "; ")
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
