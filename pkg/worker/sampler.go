package worker

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// diskSampler measures a bundle directory's size in the background. Each
// pass sleeps for at least ten times its own scan duration so sampling stays
// under a tenth of disk load on large directories.
type diskSampler struct {
	path   string
	stopCh chan struct{}
}

const minSampleInterval = time.Second

// ensureSampler starts the disk sampler for a running bundle if it is not
// already up. Callers hold m.mu.
func (m *RunManager) ensureSampler(r *types.RunState) {
	uuid := r.Bundle.UUID
	if _, ok := m.samplers[uuid]; ok {
		return
	}
	s := &diskSampler{path: r.BundlePath, stopCh: make(chan struct{})}
	m.samplers[uuid] = s
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(func(bytes int64) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if run, ok := m.runs[uuid]; ok {
				run.DiskUtilization = bytes
			}
		})
	}()
}

// stopSampler stops and forgets the sampler for uuid. Callers hold m.mu.
func (m *RunManager) stopSampler(uuid string) {
	if s, ok := m.samplers[uuid]; ok {
		s.stop()
		delete(m.samplers, uuid)
	}
}

func (s *diskSampler) stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *diskSampler) run(report func(bytes int64)) {
	for {
		start := time.Now()
		size := dirSize(s.path)
		report(size)

		sleep := 10 * time.Since(start)
		if sleep < minSampleInterval {
			sleep = minSampleInterval
		}
		select {
		case <-time.After(sleep):
		case <-s.stopCh:
			return
		}
	}
}

// dirSize walks the tree without following symlinks, so linked dependencies
// do not count against the run's disk usage.
func dirSize(path string) int64 {
	var total int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}
