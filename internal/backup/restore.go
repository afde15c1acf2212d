package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/config"
	"github.com/renderinc/notevault/internal/fileutil"
	"github.com/renderinc/notevault/internal/storage"
)

// EmergencyPrefix starts the name of the safety snapshot taken before a
// restore overwrites the live store.
const EmergencyPrefix = "emergency_backup_"

// RestoreReport describes one restore attempt.
type RestoreReport struct {
	Snapshot     string           `json:"snapshot"`
	StartedAt    time.Time        `json:"started_at"`
	EmergencyDir string           `json:"emergency_dir,omitempty"`
	EmergencyErr error            `json:"-"`
	Database     bool             `json:"database"`
	RolledBack   bool             `json:"rolled_back"`
	MediaCopied  int              `json:"media_copied"`
	MediaFailed  map[string]error `json:"-"`
	MediaErr     error            `json:"-"`
	LogPath      string           `json:"log_path,omitempty"`

	lines []string
}

func (r *RestoreReport) logf(format string, args ...any) {
	r.lines = append(r.lines, time.Now().Format(manifestTimeLayout)+" "+fmt.Sprintf(format, args...))
}

// Restore replaces the live database and media directory with the contents
// of snapshotPath.
//
// Before anything is overwritten, an emergency snapshot of the live store
// is taken next to the database (best effort). The snapshot database is
// staged and integrity-checked before the live file is replaced, and checked
// again once reopened; when the second check fails the emergency copy is put
// back. Either failure is reported as ErrIntegrity. Media problems are
// logged and never fail the restore.
func (e *Engine) Restore(ctx context.Context, snapshotPath string) (*RestoreReport, error) {
	report := &RestoreReport{Snapshot: snapshotPath, StartedAt: e.now()}

	info, err := os.Stat(snapshotPath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: snapshot %s", storage.ErrNotFound, snapshotPath)
	}
	snapDB := filepath.Join(snapshotPath, config.DatabaseFile)
	if !fileutil.Exists(snapDB) {
		return nil, fmt.Errorf("%w: snapshot %s has no %s", storage.ErrInvalidArgument, snapshotPath, config.DatabaseFile)
	}

	e.log.Info("restore started", zap.String("snapshot", snapshotPath))
	report.logf("restore from %s", snapshotPath)

	livePath := e.db.Path()
	var copied bool
	err = e.db.WithClosed(func() error {
		dir, err := e.emergencySnapshot(ctx)
		if err != nil {
			report.EmergencyErr = err
			report.logf("emergency snapshot FAILED: %v", err)
			e.log.Warn("emergency snapshot failed, continuing", zap.Error(err))
		} else {
			report.EmergencyDir = dir
			report.logf("emergency snapshot: %s", dir)
			e.log.Info("emergency snapshot taken", zap.String("dir", dir))
		}

		// stage next to the live file so a failed copy leaves it untouched
		staged := livePath + ".restore"
		if _, err := fileutil.CopyVerified(snapDB, staged); err != nil {
			os.Remove(staged)
			report.logf("database copy FAILED: %v", err)
			return fmt.Errorf("copy snapshot database: %w: %w", storage.ErrStorage, err)
		}
		if err := storage.CheckFile(ctx, staged); err != nil {
			os.Remove(staged)
			report.logf("staged database failed integrity check: %v", err)
			e.log.Error("snapshot database failed integrity check", zap.String("snapshot", snapshotPath), zap.Error(err))
			return err
		}
		report.logf("staged database integrity check ok")
		if err := removeDatabaseFiles(livePath); err != nil {
			os.Remove(staged)
			report.logf("remove live database FAILED: %v", err)
			return fmt.Errorf("remove live database: %w: %w", storage.ErrStorage, err)
		}
		if err := os.Rename(staged, livePath); err != nil {
			report.logf("database swap FAILED: %v", err)
			if report.EmergencyDir != "" {
				e.putBack(report)
			}
			return fmt.Errorf("swap in snapshot database: %w: %w", storage.ErrStorage, err)
		}
		copied = true
		report.logf("database copied")
		return nil
	})

	switch {
	case err != nil && !copied:
		e.finish(report)
		return report, err
	case err != nil:
		// the restored file would not even open
		err = fmt.Errorf("%w: reopen restored database: %w", storage.ErrIntegrity, err)
	default:
		err = e.db.IntegrityCheck(ctx)
	}

	if err != nil {
		report.logf("integrity check FAILED: %v", err)
		e.log.Error("restored database failed integrity check", zap.Error(err))
		if report.EmergencyDir != "" {
			if rbErr := e.db.WithClosed(func() error { return e.putBack(report) }); rbErr != nil {
				e.log.Error("rollback to emergency snapshot failed", zap.Error(rbErr))
			}
		}
		e.invalidate()
		e.finish(report)
		if !errors.Is(err, storage.ErrIntegrity) {
			err = fmt.Errorf("%w: %w", storage.ErrIntegrity, err)
		}
		return report, err
	}
	report.logf("integrity check ok")

	if err := e.db.EnsureSchema(ctx); err != nil {
		report.logf("schema upgrade FAILED: %v", err)
		e.log.Warn("schema check after restore failed", zap.Error(err))
	}
	report.Database = true
	e.invalidate()

	e.restoreMedia(ctx, filepath.Join(snapshotPath, config.MediaDirName), report)
	e.finish(report)

	e.log.Info("restore finished",
		zap.String("snapshot", snapshotPath),
		zap.Int("media_copied", report.MediaCopied),
		zap.Int("media_failed", len(report.MediaFailed)))
	return report, nil
}

// emergencySnapshot copies the live database and media into a new sibling
// directory of the database. It runs with the database closed.
func (e *Engine) emergencySnapshot(ctx context.Context) (string, error) {
	name := fmt.Sprintf("%s%s_%s", EmergencyPrefix, e.now().Format(TimestampLayout), uuid.NewString()[:8])
	dir := filepath.Join(e.dataDir(), name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if fileutil.Exists(e.db.Path()) {
		if _, err := fileutil.CopyVerified(e.db.Path(), filepath.Join(dir, config.DatabaseFile)); err != nil {
			return "", err
		}
	}
	if _, failed, err := e.copyMedia(ctx, e.mediaDir, filepath.Join(dir, config.MediaDirName)); err != nil {
		return dir, err
	} else if len(failed) > 0 {
		e.log.Warn("emergency snapshot is missing media files", zap.Int("failed", len(failed)))
	}
	return dir, nil
}

// putBack copies the emergency database over the live one. The caller
// holds the database closed.
func (e *Engine) putBack(report *RestoreReport) error {
	src := filepath.Join(report.EmergencyDir, config.DatabaseFile)
	if !fileutil.Exists(src) {
		report.logf("rollback skipped: emergency snapshot has no database")
		return fmt.Errorf("%w: emergency snapshot has no database", storage.ErrStorage)
	}
	if err := removeDatabaseFiles(e.db.Path()); err != nil {
		report.logf("rollback FAILED: %v", err)
		return err
	}
	if _, err := fileutil.CopyVerified(src, e.db.Path()); err != nil {
		report.logf("rollback FAILED: %v", err)
		return err
	}
	report.RolledBack = true
	report.logf("rolled back to %s", report.EmergencyDir)
	e.log.Info("live database rolled back", zap.String("from", report.EmergencyDir))
	return nil
}

func (e *Engine) restoreMedia(ctx context.Context, src string, report *RestoreReport) {
	if err := fileutil.ClearDir(e.mediaDir); err != nil {
		report.MediaErr = err
		report.logf("clear media FAILED: %v", err)
		e.log.Warn("media directory not fully cleared", zap.Error(err))
	}
	if !fileutil.Exists(src) {
		report.logf("snapshot has no media")
		return
	}

	copied, failed, err := fileutil.CopyDir(ctx, src, e.mediaDir, e.opts.Workers)
	report.MediaCopied = copied
	report.MediaFailed = failed
	if err != nil {
		report.MediaErr = err
	}
	report.logf("media copied: %d, failed: %d", copied, len(failed))
	for _, name := range sortedKeys(failed) {
		report.logf("  media %s FAILED: %v", name, failed[name])
		e.log.Warn("media restore failed", zap.String("file", name), zap.Error(failed[name]))
	}
}

// finish writes the restore log into the data directory.
func (e *Engine) finish(report *RestoreReport) {
	if report.Database {
		report.logf("result: SUCCESS")
	} else {
		report.logf("result: FAILED")
	}
	path := filepath.Join(e.dataDir(), "restore_"+report.StartedAt.Format(TimestampLayout)+".log")
	if err := os.WriteFile(path, []byte(strings.Join(report.lines, "\n")+"\n"), 0644); err != nil {
		e.log.Warn("restore log not written", zap.Error(err))
		return
	}
	report.LogPath = path
}

func (e *Engine) invalidate() {
	for _, fn := range e.onRestore {
		fn()
	}
}

// removeDatabaseFiles deletes the database and any journal left next to
// it, so a stale journal is never replayed onto the restored file.
func removeDatabaseFiles(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
