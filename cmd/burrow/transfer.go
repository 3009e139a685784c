package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/burrow/pkg/depcache"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

const transferChunk = 1 << 20

// storeFetcher streams a parent bundle's contents out of the bundle store's
// on-disk locations into a worker's dependency cache.
type storeFetcher struct {
	store   storage.Store
	dataDir string
}

func (f *storeFetcher) Fetch(ctx context.Context, key types.DependencyKey, dst string,
	progress func(bytes int64) bool) (int64, error) {

	root, err := f.store.GetBundleLocation(key.ParentUUID)
	if err != nil || root == "" {
		root = filepath.Join(f.dataDir, key.ParentUUID)
	}
	src := root
	if key.ParentPath != "" {
		src, err = containedJoin(root, key.ParentPath)
		if err != nil {
			return 0, err
		}
	}
	if _, err := os.Lstat(src); err != nil {
		return 0, fmt.Errorf("dependency contents not found: %w", err)
	}

	var total int64
	err = copyWithProgress(ctx, src, dst, &total, progress)
	if err != nil {
		os.RemoveAll(dst)
		return 0, err
	}
	return total, nil
}

// storeUploader copies a finished bundle directory into the bundle store and
// records its location.
type storeUploader struct {
	store   storage.Store
	dataDir string
}

func (u *storeUploader) Upload(ctx context.Context, bundleUUID, bundlePath string,
	progress func(bytes int64) bool) error {

	target, err := u.store.GetBundleLocation(bundleUUID)
	if err != nil || target == "" {
		target = filepath.Join(u.dataDir, bundleUUID)
		if err := u.store.AddBundleLocation(bundleUUID, target); err != nil {
			return fmt.Errorf("failed to record bundle location: %w", err)
		}
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to clear upload target: %w", err)
	}

	var total int64
	return copyWithProgress(ctx, bundlePath, target, &total, progress)
}

// copyWithProgress mirrors src at dst without following symlinks, invoking
// progress after every chunk. A false return aborts the transfer.
func copyWithProgress(ctx context.Context, src, dst string, total *int64,
	progress func(bytes int64) bool) error {

	info, err := os.Lstat(src)
	if err != nil {
		return err
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
			if err := copyWithProgress(ctx, filepath.Join(src, e.Name()),
				filepath.Join(dst, e.Name()), total, progress); err != nil {
				return err
			}
		}
		return nil
	default:
		return copyFileWithProgress(ctx, src, dst, info.Mode().Perm(), total, progress)
	}
}

func copyFileWithProgress(ctx context.Context, src, dst string, perm os.FileMode,
	total *int64, progress func(bytes int64) bool) error {

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, transferChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			*total += int64(n)
			if !progress(*total) {
				return depcache.ErrDownloadAborted
			}
		}
		if rerr == io.EOF {
			return out.Close()
		}
		if rerr != nil {
			return rerr
		}
	}
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
