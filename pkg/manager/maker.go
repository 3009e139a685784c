package manager

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// Maker assembles make-bundles: the symlink-free union of a bundle's
// dependencies copied to their declared child paths. Copies run on a bounded
// pool; the making set lets a restarted manager restage MAKING bundles whose
// task died with the old process.
type Maker struct {
	store   storage.Store
	dataDir string
	logger  zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	making map[string]bool
}

// NewMaker builds a maker with poolSize concurrent copy tasks.
func NewMaker(store storage.Store, dataDir string, poolSize int) *Maker {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Maker{
		store:   store,
		dataDir: dataDir,
		logger:  log.WithComponent("maker"),
		sem:     make(chan struct{}, poolSize),
		making:  make(map[string]bool),
	}
}

// MakeBundles runs one tick: restage orphaned MAKING bundles, then move
// STAGED make-bundles to MAKING and hand each to the pool.
func (mk *Maker) MakeBundles() {
	// A MAKING bundle with no in-process task is a leftover from a crash.
	orphans, err := mk.store.BatchGetBundles(storage.BundleFilter{
		State: types.BundleStateMaking, BundleType: types.BundleTypeMake,
	})
	if err != nil {
		mk.logger.Error().Err(err).Msg("failed to list making bundles")
		return
	}
	for _, b := range orphans {
		mk.mu.Lock()
		active := mk.making[b.UUID]
		mk.mu.Unlock()
		if active {
			continue
		}
		if _, err := mk.store.TransitionBundleStaged(b.UUID, types.BundleStateMaking, nil); err != nil {
			mk.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to restage orphaned make bundle")
		}
	}

	staged, err := mk.store.BatchGetBundles(storage.BundleFilter{
		State: types.BundleStateStaged, BundleType: types.BundleTypeMake,
	})
	if err != nil {
		mk.logger.Error().Err(err).Msg("failed to list staged make bundles")
		return
	}
	for _, b := range staged {
		if err := mk.store.UpdateBundle(b.UUID, storage.Delta{State: types.BundleStateMaking}); err != nil {
			mk.logger.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to mark bundle making")
			continue
		}
		mk.mu.Lock()
		mk.making[b.UUID] = true
		mk.mu.Unlock()

		bundle := b
		mk.wg.Add(1)
		go func() {
			defer mk.wg.Done()
			mk.sem <- struct{}{}
			defer func() { <-mk.sem }()
			defer func() {
				mk.mu.Lock()
				delete(mk.making, bundle.UUID)
				mk.mu.Unlock()
			}()
			mk.assemble(bundle)
		}()
	}
}

// Wait blocks until every in-flight copy task has finished.
func (mk *Maker) Wait() {
	mk.wg.Wait()
}

// assemble materializes one make-bundle and records the terminal state.
func (mk *Maker) assemble(bundle *types.Bundle) {
	logger := log.WithBundleUUID(bundle.UUID)

	size, err := mk.copyContents(bundle)
	if err != nil {
		meta := map[string]any{
			types.MetaFailureMessage: err.Error(),
			types.MetaErrorTraceback: string(debug.Stack()),
		}
		if _, terr := mk.store.TransitionBundleFinished(bundle.UUID, types.BundleStateFailed, meta); terr != nil {
			logger.Error().Err(terr).Msg("failed to record make failure")
		}
		metrics.BundlesFailed.WithLabelValues("make").Inc()
		return
	}

	if _, err := mk.store.TransitionBundleFinished(bundle.UUID, types.BundleStateReady,
		map[string]any{types.MetaDataSize: size}); err != nil {
		logger.Error().Err(err).Msg("failed to record make success")
		return
	}
	logger.Info().Int64("size", size).Msg("make bundle assembled")
}

// copyContents performs the copy and returns the assembled size in bytes.
func (mk *Maker) copyContents(bundle *types.Bundle) (int64, error) {
	target := bundle.MetaString(types.MetaLinkURL)
	if target == "" {
		loc, err := mk.store.GetBundleLocation(bundle.UUID)
		if err != nil || loc == "" {
			target = filepath.Join(mk.dataDir, bundle.UUID)
			if err := mk.store.AddBundleLocation(bundle.UUID, target); err != nil {
				return 0, fmt.Errorf("failed to record bundle location: %w", err)
			}
		} else {
			target = loc
		}
	}

	if err := os.RemoveAll(target); err != nil {
		return 0, fmt.Errorf("failed to clear target: %w", err)
	}

	// Single dependency mounted at the root copies directly; anything else
	// gets a directory with each dependency under its child path.
	if len(bundle.Dependencies) == 1 && isRootPath(bundle.Dependencies[0].ChildPath) {
		dep := bundle.Dependencies[0]
		src, err := mk.resolveSource(dep)
		if err != nil {
			return 0, err
		}
		if err := copyTree(src, target); err != nil {
			return 0, err
		}
	} else {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create bundle directory: %w", err)
		}
		for _, dep := range bundle.Dependencies {
			src, err := mk.resolveSource(dep)
			if err != nil {
				return 0, err
			}
			dst, err := containedJoin(target, dep.ChildPath)
			if err != nil {
				return 0, err
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return 0, err
			}
			if err := copyTree(src, dst); err != nil {
				return 0, err
			}
		}
	}

	size := treeSize(target)
	quotaLeft, err := mk.store.GetUserDiskQuotaLeft(bundle.OwnerID)
	if err == nil && size > quotaLeft {
		os.RemoveAll(target)
		return 0, fmt.Errorf("bundle size %d exceeds remaining disk quota %d", size, quotaLeft)
	}
	return size, nil
}

// resolveSource locates a dependency's contents and asserts the subpath
// stays inside the parent's root.
func (mk *Maker) resolveSource(dep types.Dependency) (string, error) {
	root, err := mk.store.GetBundleLocation(dep.ParentUUID)
	if err != nil || root == "" {
		root = filepath.Join(mk.dataDir, dep.ParentUUID)
	}
	if dep.ParentPath == "" {
		return root, nil
	}
	return containedJoin(root, dep.ParentPath)
}

func isRootPath(p string) bool {
	return p == "" || p == "." || p == "/"
}

// containedJoin joins rel under root and rejects escapes.
func containedJoin(root, rel string) (string, error) {
	cleanRoot := filepath.Clean(root)
	p := filepath.Clean(filepath.Join(cleanRoot, rel))
	if p != cleanRoot && !strings.HasPrefix(p, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes %q", rel, root)
	}
	return p, nil
}

// copyTree copies src to dst without following symlinks; links are recreated
// as links.
func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(link, dst)
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		return copyFile(src, dst, info.Mode().Perm())
	}
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func treeSize(path string) int64 {
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
