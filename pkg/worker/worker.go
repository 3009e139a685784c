package worker

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/depcache"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// errorSleep is how long the checkin loop backs off after a failure, so
	// a broken configuration does not hot-loop against the manager.
	errorSleep = time.Hour

	// readTimeout bounds each read/netcat fan-out goroutine.
	readTimeout = 5 * time.Minute
)

// ServerClient is the worker's channel back to the bundle manager: one
// checkin per interval, plus replies to read and netcat directives.
type ServerClient interface {
	Checkin(ctx context.Context, payload *types.WorkerCheckin) (*types.Message, error)
	Reply(ctx context.Context, bundleUUID string, reply *types.Reply) error
}

// HostResources is what the worker advertises at checkin.
type HostResources struct {
	CPUs        []string
	GPUs        []string
	MemoryBytes int64
}

// Worker drives the checkin loop: tick the run state machines, post a
// checkin, and dispatch the single directive the response may carry.
type Worker struct {
	cfg       config.WorkerSection
	version   string
	resources HostResources

	client ServerClient
	runs   *RunManager
	deps   *depcache.Manager
	logger zerolog.Logger

	runsStarted   int
	isTerminating bool
	stopCh        chan struct{}
}

// New assembles a worker around an already-restored run manager.
func New(cfg config.WorkerSection, version string, resources HostResources,
	client ServerClient, runs *RunManager, deps *depcache.Manager) *Worker {
	return &Worker{
		cfg:       cfg,
		version:   version,
		resources: resources,
		client:    client,
		runs:      runs,
		deps:      deps,
		logger:    log.WithWorkerID(cfg.ID).With().Str("component", "worker").Logger(),
		stopCh:    make(chan struct{}),
	}
}

// Run loops until Stop is called or, with exit_after_num_runs set, until the
// final run drains. It returns only after the run manager has shut down.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Str("version", w.version).Msg("worker starting")
	defer w.runs.Shutdown()

	for {
		w.runs.Process()

		if w.cfg.ExitAfterNumRuns >= 0 && w.runsStarted >= w.cfg.ExitAfterNumRuns {
			w.isTerminating = true
			if w.runs.RunCount() == 0 {
				w.logger.Info().Int("runs", w.runsStarted).Msg("run budget exhausted, exiting")
				return nil
			}
		}

		sleep := w.cfg.CheckinInterval.Std()
		if err := w.checkin(ctx); err != nil {
			w.logger.Error().Err(err).Dur("backoff", errorSleep).Msg("checkin failed")
			sleep = errorSleep
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-time.After(sleep):
		}
	}
}

// Stop makes Run return after the current iteration.
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) checkin(ctx context.Context) error {
	hostname, _ := os.Hostname()
	payload := &types.WorkerCheckin{
		WorkerID:         w.cfg.ID,
		Version:          w.version,
		Tag:              w.cfg.Tag,
		TagExclusive:     w.cfg.TagExclusive,
		CPUs:             len(w.resources.CPUs),
		GPUs:             len(w.resources.GPUs),
		MemoryBytes:      w.resources.MemoryBytes,
		FreeDiskBytes:    freeDisk(w.cfg.WorkDir),
		Dependencies:     w.deps.AllDependencies(),
		Hostname:         hostname,
		SharedFileSystem: w.cfg.SharedFileSystem,
		ExitAfterNumRuns: w.cfg.ExitAfterNumRuns,
		IsTerminating:    w.isTerminating,
		Runs:             w.runs.Reports(),
	}

	msg, err := w.client.Checkin(ctx, payload)
	if err != nil {
		return err
	}
	if msg != nil {
		w.dispatch(msg)
	}
	return nil
}

// dispatch routes the single directive a checkin response may carry. Reads
// and netcats fan out to their own bounded goroutines so a slow stream does
// not stall the loop.
func (w *Worker) dispatch(msg *types.Message) {
	switch msg.Type {
	case types.MessageRun:
		if w.isTerminating {
			return
		}
		w.runsStarted++
		w.runs.StartRun(msg.Bundle, msg.Resources)
	case types.MessageRead:
		go w.serveRead(msg)
	case types.MessageNetcat:
		go w.serveNetcat(msg)
	case types.MessageWrite:
		if err := w.runs.Write(msg.UUID, msg.Path, msg.Contents); err != nil {
			w.logger.Error().Str("bundle_uuid", msg.UUID).Err(err).Msg("write directive failed")
		}
	case types.MessageKill:
		w.runs.Kill(msg.UUID, "Kill requested")
	case types.MessageMarkFinalized:
		w.runs.MarkFinalized(msg.UUID)
	default:
		w.logger.Warn().Str("type", msg.Type).Msg("unknown directive")
	}
}

func (w *Worker) serveRead(msg *types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	reply := w.runs.Read(msg)
	if err := w.client.Reply(ctx, msg.UUID, reply); err != nil {
		w.logger.Error().Str("bundle_uuid", msg.UUID).Err(err).Msg("failed to send read reply")
	}
}

func (w *Worker) serveNetcat(msg *types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	data, err := w.runs.Netcat(ctx, msg.UUID, msg.Port, msg.Payload)
	reply := &types.Reply{Data: data}
	if err != nil {
		reply = replyError(500, err.Error())
	}
	if err := w.client.Reply(ctx, msg.UUID, reply); err != nil {
		w.logger.Error().Str("bundle_uuid", msg.UUID).Err(err).Msg("failed to send netcat reply")
	}
}

// freeDisk reports the free bytes on the filesystem holding path.
func freeDisk(path string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0
	}
	return int64(st.Bavail) * int64(st.Bsize)
}
