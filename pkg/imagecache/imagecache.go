package imagecache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
)

const cleanupInterval = 30 * time.Second

// Manager caches container images on the worker. Entries follow the same
// DOWNLOADING -> READY | FAILED progression as dependency cache rows, and a
// cleanup loop evicts least-recently-used images when the total virtual size
// exceeds the ceiling.
type Manager struct {
	rt           runtime.ContainerRuntime
	maxCacheSize int64
	logger       zerolog.Logger

	mu     sync.Mutex
	images map[string]*types.ImageState
	pulls  map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a manager backed by the given container runtime. maxCacheSize
// of zero disables eviction.
func New(rt runtime.ContainerRuntime, maxCacheSize int64) *Manager {
	return &Manager{
		rt:           rt,
		maxCacheSize: maxCacheSize,
		logger:       log.WithComponent("imagecache"),
		images:       make(map[string]*types.ImageState),
		pulls:        make(map[string]bool),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the eviction loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.cleanupLoop()
}

// Stop signals the loops and waits for in-flight pulls.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// NormalizeImageSpec appends :latest to an untagged image reference.
func NormalizeImageSpec(spec string) string {
	if !strings.Contains(spec, ":") {
		return spec + ":latest"
	}
	return spec
}

// Get returns the cache row for an image spec, starting an asynchronous pull
// when the image is absent. Callers poll until the row leaves DOWNLOADING.
func (m *Manager) Get(spec string) *types.ImageState {
	spec = NormalizeImageSpec(spec)

	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[spec]
	if !ok {
		img = &types.ImageState{
			Stage:    types.DependencyDownloading,
			Spec:     spec,
			LastUsed: time.Now(),
			Message:  "Starting image pull",
		}
		m.images[spec] = img
	} else {
		img.LastUsed = time.Now()
		// A FAILED row retries on the next request.
		if img.Stage == types.DependencyFailed {
			img.Stage = types.DependencyDownloading
			img.Message = "Retrying image pull"
		}
	}

	if img.Stage == types.DependencyDownloading && !m.pulls[spec] {
		m.pulls[spec] = true
		m.wg.Add(1)
		go m.pull(spec)
	}

	cp := *img
	return &cp
}

// pull fetches the image and records digest and virtual size.
func (m *Manager) pull(spec string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.pulls, spec)
		m.mu.Unlock()
	}()

	ctx := context.Background()
	err := m.rt.PullImage(ctx, spec)
	var info *runtime.ImageInfo
	if err == nil {
		info, err = m.rt.InspectImage(ctx, spec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[spec]
	if !ok {
		return
	}
	if err != nil {
		img.Stage = types.DependencyFailed
		img.Message = fmt.Sprintf("Image pull failed: %v", err)
		return
	}
	img.Stage = types.DependencyReady
	img.Digest = info.Digest
	img.SizeBytes = info.VirtualSizeBytes
	img.Message = "Image ready"
	m.updateSizeGauge()
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

// Cleanup evicts least-recently-used READY images until the total virtual
// size fits under the ceiling.
func (m *Manager) Cleanup() {
	if m.maxCacheSize <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.totalSize() > m.maxCacheSize {
		var ready []*types.ImageState
		for _, img := range m.images {
			if img.Stage == types.DependencyReady {
				ready = append(ready, img)
			}
		}
		if len(ready) == 0 {
			return
		}
		sort.Slice(ready, func(i, j int) bool {
			return ready[i].LastUsed.Before(ready[j].LastUsed)
		})
		victim := ready[0]
		if err := m.rt.RemoveImage(context.Background(), victim.Spec); err != nil {
			m.logger.Warn().Err(err).Str("image", victim.Spec).Msg("failed to remove image")
			return
		}
		delete(m.images, victim.Spec)
		m.logger.Info().Str("image", victim.Spec).Msg("evicted image")
	}
	m.updateSizeGauge()
}

// totalSize sums the virtual size of tracked images. Callers hold m.mu.
func (m *Manager) totalSize() int64 {
	var total int64
	for _, img := range m.images {
		total += img.SizeBytes
	}
	return total
}

func (m *Manager) updateSizeGauge() {
	metrics.ImageCacheBytes.Set(float64(m.totalSize()))
}
