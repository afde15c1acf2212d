// Package fileutil holds the file copy primitives shared by the media store
// and the backup, restore, and export engines.
package fileutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrSizeMismatch means a copy finished but the destination size differs
// from the source.
var ErrSizeMismatch = errors.New("copied size does not match source")

// copyFile is replaced in tests to simulate short copies.
var copyFile = CopyFile

// CopyFile copies src to dst, truncating dst if it exists, and fsyncs the
// result. It returns the number of bytes written.
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}

// CopyVerified copies src to dst and compares the destination size with the
// source. On a mismatch or copy error it retries exactly once.
func CopyVerified(src, dst string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		n, err := copyAndCompare(src, dst)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

func copyAndCompare(src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if _, err := copyFile(src, dst); err != nil {
		return 0, err
	}
	out, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	if out.Size() != info.Size() {
		return 0, fmt.Errorf("%w: %s is %d bytes, %s is %d bytes",
			ErrSizeMismatch, src, info.Size(), dst, out.Size())
	}
	return out.Size(), nil
}

// DefaultWorkers is the CopyDir concurrency used when workers <= 0.
const DefaultWorkers = 4

// CopyDir copies every regular file directly inside src into dst using up
// to workers concurrent copies. Individual failures do not stop the copy;
// they are returned keyed by file name. Cancelling ctx stops scheduling new
// files.
func CopyDir(ctx context.Context, src, dst string, workers int) (copied int, failed map[string]error, err error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, nil, err
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return 0, nil, err
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	failed = make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		name := entry.Name()
		g.Go(func() error {
			_, err := CopyVerified(filepath.Join(src, name), filepath.Join(dst, name))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[name] = err
				return nil
			}
			copied++
			return nil
		})
	}
	g.Wait()

	return copied, failed, ctx.Err()
}

// ClearDir removes every regular file directly inside dir, creating dir if
// it does not exist.
func ClearDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
