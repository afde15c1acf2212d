package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/fileutil"
)

// mediaName builds "<timestamp>_<unique id><ext>" for an imported file.
func (r *Repository) mediaName(source string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s_%s%s", r.now().Format("20060102150405"), id, strings.ToLower(filepath.Ext(source)))
}

// ImportImageToMedia copies sourcePath into the media directory under a
// generated unique name and returns the value to store in media_path.
func (r *Repository) ImportImageToMedia(ctx context.Context, sourcePath string) (string, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return "", invalidf("media source path is empty")
	}
	info, err := os.Stat(sourcePath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", notFoundf("media file %s", sourcePath)
	}
	if err != nil {
		return "", storageErr("stat media file", err)
	}
	if !info.Mode().IsRegular() {
		return "", invalidf("%s is not a regular file", sourcePath)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := r.mediaName(sourcePath)
	if _, err := fileutil.CopyVerified(sourcePath, filepath.Join(r.mediaDir, name)); err != nil {
		return "", storageErr("copy media file", err)
	}

	r.log.Info("media imported", zap.String("source", sourcePath), zap.String("media_path", name))
	return name, nil
}

// CleanUnusedMediaFiles deletes every file in the media directory that no
// content block references and returns how many were removed.
func (r *Repository) CleanUnusedMediaFiles(ctx context.Context) (int, error) {
	referenced := make(map[string]bool)
	err := r.db.Read(ctx, func(q Querier) error {
		rows, err := q.QueryContext(ctx, `SELECT DISTINCT media_path FROM ContentBlocks WHERE media_path != ''`)
		if err != nil {
			return storageErr("list media references", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return storageErr("scan media reference", err)
			}
			referenced[filepath.Base(filepath.FromSlash(p))] = true
		}
		if err := rows.Err(); err != nil {
			return storageErr("list media references", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(r.mediaDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("read media directory", err)
	}

	var removed int
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() || referenced[entry.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(r.mediaDir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		r.log.Debug("unused media removed", zap.String("file", entry.Name()))
	}

	r.log.Info("media cleanup finished", zap.Int("removed", removed), zap.Int("referenced", len(referenced)))
	if len(errs) > 0 {
		return removed, storageErr("remove unused media", errors.Join(errs...))
	}
	return removed, nil
}
