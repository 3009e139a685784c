package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/auth"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/depcache"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/imagecache"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/worker"
)

func newRunCmd() *cobra.Command {
	var (
		metricsAddr  string
		localWorkers int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bundle manager, optionally with local workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.Default()
			if configPath != "" {
				var err error
				settings, err = config.Load(configPath)
				if err != nil {
					return err
				}
			}
			return run(settings, metricsAddr, localWorkers)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "metrics listen address, empty to disable")
	cmd.Flags().IntVar(&localWorkers, "local-workers", 1, "number of in-process workers")
	return cmd
}

func run(settings *config.Settings, metricsAddr string, localWorkers int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := storage.NewHub()
	store, err := storage.NewBoltStore(settings.Manager.DataDir, settings.Manager.SystemUserID, hub)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	bm := manager.New(store, auth.AllowAll{}, settings, broker)
	checkin := manager.NewCheckinHandler(store, hub)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Errorf("metrics server stopped", err)
			}
		}()
	}

	for i := 0; i < localWorkers; i++ {
		w, err := buildWorker(settings, store, checkin, broker, i)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil && err != context.Canceled {
				log.Errorf("worker stopped", err)
			}
		}()
	}

	err = bm.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// buildWorker wires one in-process worker: containerd runtime, dependency
// and image caches, run manager, and the checkin client.
func buildWorker(settings *config.Settings, store storage.Store, client worker.ServerClient,
	broker *events.Broker, index int) (*worker.Worker, error) {
	cfg := settings.Worker
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	} else if index > 0 {
		cfg.ID = fmt.Sprintf("%s-%d", cfg.ID, index)
	}
	cfg.WorkDir = filepath.Join(cfg.WorkDir, cfg.ID)
	cfg.CommitFile = filepath.Join(cfg.WorkDir, filepath.Base(cfg.CommitFile))
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	rt, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect container runtime: %w", err)
	}

	deps, err := depcache.New(depcache.Config{
		WorkerID:          cfg.ID,
		CacheDir:          filepath.Join(cfg.WorkDir, cfg.DependenciesDir),
		CommitFile:        filepath.Join(cfg.WorkDir, "dependencies-state.json"),
		MaxCacheSizeBytes: int64(cfg.MaxCacheSizeBytes),
		MaxRetries:        cfg.DownloadMaxRetries,
		SharedFileSystem:  cfg.SharedFileSystem,
		LockFile:          filepath.Join(cfg.WorkDir, "dependencies.lock"),
		Events:            broker,
	}, &storeFetcher{store: store, dataDir: settings.Manager.DataDir})
	if err != nil {
		return nil, err
	}
	deps.Start()

	images := imagecache.New(rt, int64(cfg.MaxImageCacheSize))
	images.Start()

	runs, err := worker.NewRunManager(cfg, hostCPUs(), nil, deps, images, rt,
		&storeUploader{store: store, dataDir: settings.Manager.DataDir}, broker)
	if err != nil {
		return nil, err
	}

	return worker.New(cfg, Version, worker.HostResources{
		CPUs:        hostCPUs(),
		MemoryBytes: hostMemoryBytes(),
	}, client, runs, deps), nil
}

func hostCPUs() []string {
	n := goruntime.NumCPU()
	cpus := make([]string, n)
	for i := range cpus {
		cpus[i] = strconv.Itoa(i)
	}
	return cpus
}

func hostMemoryBytes() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return int64(info.Totalram) * int64(info.Unit)
}
