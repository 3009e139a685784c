package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// CheckinHandler is the manager side of the worker checkin exchange: persist
// the checkin, fold every run report into its bundle, and hand back at most
// one queued directive. It also routes read and netcat replies to whoever is
// waiting on them.
type CheckinHandler struct {
	store  storage.Store
	hub    *storage.Hub
	logger zerolog.Logger

	mu        sync.Mutex
	sockets   map[string]<-chan *types.Message // worker id -> directive channel
	socketIDs map[string]string                // worker id -> socket id
	replies   map[string]chan *types.Reply     // bundle uuid -> reply waiter
}

// NewCheckinHandler wires the handler to the store and directive hub.
func NewCheckinHandler(store storage.Store, hub *storage.Hub) *CheckinHandler {
	return &CheckinHandler{
		store:     store,
		hub:       hub,
		logger:    log.WithComponent("checkin"),
		sockets:   make(map[string]<-chan *types.Message),
		socketIDs: make(map[string]string),
		replies:   make(map[string]chan *types.Reply),
	}
}

// Checkin processes one worker checkin and returns the next directive for
// that worker, or nil when none is queued.
func (h *CheckinHandler) Checkin(ctx context.Context, payload *types.WorkerCheckin) (*types.Message, error) {
	h.mu.Lock()
	socketID, ok := h.socketIDs[payload.WorkerID]
	if !ok {
		socketID = uuid.New().String()
		h.socketIDs[payload.WorkerID] = socketID
		h.sockets[payload.WorkerID] = h.hub.Register(socketID)
	}
	ch := h.sockets[payload.WorkerID]
	h.mu.Unlock()

	if err := h.store.WorkerCheckin(payload, socketID); err != nil {
		return nil, fmt.Errorf("failed to persist checkin: %w", err)
	}
	h.applyRunReports(payload)

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

// applyRunReports folds each run report into its bundle row: progress
// metadata always, plus the state implied by the worker's stage while the
// bundle is in a claimed state. Terminal states are only ever reached
// through the finalization acknowledgement, never straight from a report.
func (h *CheckinHandler) applyRunReports(payload *types.WorkerCheckin) {
	for _, report := range payload.Runs {
		bundle, err := h.store.GetBundle(report.UUID)
		if err != nil {
			h.logger.Warn().Err(err).Str("bundle_uuid", report.UUID).Msg("checkin for unknown bundle")
			continue
		}
		if bundle.State.IsTerminal() {
			continue
		}

		meta := map[string]any{
			types.MetaRunStatus:      report.RunStatus,
			types.MetaRemote:         report.RemoteHost,
			types.MetaTime:           report.ContainerTimeTotal,
			types.MetaTimeUser:       report.ContainerTimeUser,
			types.MetaTimeSystem:     report.ContainerTimeSys,
			types.MetaMemoryMax:      report.MaxMemory,
			types.MetaDataSize:       report.DiskUtilization,
			types.MetaTimePreparing:  report.TimePreparing,
			types.MetaTimeRunning:    report.TimeRunning,
			types.MetaTimeCleaningUp: report.TimeCleaningUp,
			types.MetaTimeUploading:  report.TimeUploadingResults,
		}
		if report.IsKilled {
			meta[types.MetaKilled] = true
		}
		if report.Exitcode != nil {
			meta[types.MetaExitcode] = *report.Exitcode
		}
		if report.FailureMessage != "" {
			meta[types.MetaFailureMessage] = report.FailureMessage
		}

		var newState types.BundleState
		switch {
		case report.Finished && !report.Finalized:
			newState = types.BundleStateFinalizing
		case bundle.State == types.BundleStateStarting,
			bundle.State == types.BundleStatePreparing,
			bundle.State == types.BundleStateRunning,
			bundle.State == types.BundleStateWorkerOffline:
			if s := report.Stage.BundleState(); s == types.BundleStatePreparing || s == types.BundleStateRunning {
				newState = s
			}
		}

		if err := h.store.UpdateBundle(report.UUID, storage.Delta{State: newState, Metadata: meta}); err != nil {
			h.logger.Error().Err(err).Str("bundle_uuid", report.UUID).Msg("failed to apply run report")
		}
	}
}

// Reply delivers a worker's answer to whoever called AwaitReply for the
// bundle. An unawaited reply is dropped.
func (h *CheckinHandler) Reply(ctx context.Context, bundleUUID string, reply *types.Reply) error {
	h.mu.Lock()
	waiter, ok := h.replies[bundleUUID]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug().Str("bundle_uuid", bundleUUID).Msg("reply with no waiter")
		return nil
	}
	select {
	case waiter <- reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitReply blocks until a worker replies for bundleUUID or the timeout
// elapses. Callers send the read or netcat directive first.
func (h *CheckinHandler) AwaitReply(bundleUUID string, timeout time.Duration) (*types.Reply, error) {
	waiter := make(chan *types.Reply, 1)
	h.mu.Lock()
	h.replies[bundleUUID] = waiter
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.replies, bundleUUID)
		h.mu.Unlock()
	}()

	select {
	case reply := <-waiter:
		return reply, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for reply for bundle %s", bundleUUID)
	}
}
