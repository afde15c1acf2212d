// Package backup snapshots the note store (database file plus media
// directory) into timestamped directories and restores it from them.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/config"
	"github.com/renderinc/notevault/internal/fileutil"
	"github.com/renderinc/notevault/internal/logging"
	"github.com/renderinc/notevault/internal/storage"
)

const (
	// DirPrefix starts the name of every snapshot directory.
	DirPrefix = "backup_"
	// ManifestName is the plain-text manifest inside a snapshot.
	ManifestName = "backup_info.txt"
	// TimestampLayout formats snapshot and log names.
	TimestampLayout = "20060102_150405"

	manifestTimeLayout = "2006-01-02 15:04:05"
)

// Options configures an Engine.
type Options struct {
	Root       string // default destination for Backup
	Retention  int    // snapshots kept after a successful backup; <= 0 keeps all
	AppVersion string
	Workers    int // concurrent media copies
}

// Engine runs backups and restores for one store.
type Engine struct {
	db        *storage.DB
	mediaDir  string
	opts      Options
	log       *zap.Logger
	now       func() time.Time
	onRestore []func()
}

// New creates an engine for the database handle db and its media directory.
func New(db *storage.DB, mediaDir string, opts Options, log *zap.Logger) *Engine {
	if opts.AppVersion == "" {
		opts.AppVersion = config.AppVersion
	}
	return &Engine{
		db:       db,
		mediaDir: mediaDir,
		opts:     opts,
		log:      logging.OrNop(log).Named("backup"),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for directory names and manifests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// OnRestore registers fn to run after the database file has been replaced.
func (e *Engine) OnRestore(fn func()) {
	e.onRestore = append(e.onRestore, fn)
}

// Root returns the default backup root.
func (e *Engine) Root() string {
	return e.opts.Root
}

func (e *Engine) dataDir() string {
	return filepath.Dir(e.db.Path())
}

// Report describes one backup. A backup succeeds when the database or at
// least one media file was copied.
type Report struct {
	Dir         string           `json:"dir"`
	CreatedAt   time.Time        `json:"created_at"`
	Database    bool             `json:"database"`
	DatabaseErr error            `json:"-"`
	DBBytes     int64            `json:"db_bytes"`
	MediaCopied int              `json:"media_copied"`
	MediaFailed map[string]error `json:"-"`
	MediaErr    error            `json:"-"`
	Pruned      []string         `json:"pruned,omitempty"`
}

// MediaOK reports whether any media file made it into the snapshot.
func (r *Report) MediaOK() bool {
	return r.MediaCopied > 0
}

// Success reports whether the snapshot holds any usable data.
func (r *Report) Success() bool {
	return r.Database || r.MediaOK()
}

// Caveats lists the parts that did not make it into a successful backup.
func (r *Report) Caveats() []string {
	var out []string
	if r.DatabaseErr != nil {
		out = append(out, fmt.Sprintf("database: %v", r.DatabaseErr))
	}
	if r.MediaErr != nil {
		out = append(out, fmt.Sprintf("media: %v", r.MediaErr))
	}
	for _, name := range sortedKeys(r.MediaFailed) {
		out = append(out, fmt.Sprintf("media file %s: %v", name, r.MediaFailed[name]))
	}
	return out
}

// Backup writes a new snapshot under destRoot (the configured root when
// empty). Every connection is closed while files are copied. Old snapshots
// beyond the retention count are pruned after a successful backup.
func (e *Engine) Backup(ctx context.Context, destRoot string) (*Report, error) {
	if destRoot == "" {
		destRoot = e.opts.Root
	}
	if destRoot == "" {
		return nil, fmt.Errorf("%w: no backup destination", storage.ErrInvalidArgument)
	}
	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return nil, fmt.Errorf("create backup root: %w: %w", storage.ErrStorage, err)
	}

	report := &Report{CreatedAt: e.now()}
	dir, err := uniqueDir(destRoot, DirPrefix+report.CreatedAt.Format(TimestampLayout))
	if err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w: %w", storage.ErrStorage, err)
	}
	report.Dir = dir

	e.log.Info("backup started", zap.String("dir", dir))

	err = e.db.WithClosed(func() error {
		n, err := fileutil.CopyVerified(e.db.Path(), filepath.Join(dir, config.DatabaseFile))
		if err != nil {
			report.DatabaseErr = err
			e.log.Error("database copy failed", zap.Error(err))
		} else {
			report.Database = true
			report.DBBytes = n
			e.log.Info("database copied", zap.Int64("bytes", n))
		}

		report.MediaCopied, report.MediaFailed, report.MediaErr = e.copyMedia(ctx, e.mediaDir, filepath.Join(dir, config.MediaDirName))
		return nil
	})
	if err != nil {
		// copies may be fine, but the live store could not be reopened
		return report, err
	}

	if err := writeManifest(dir, report, e.opts.AppVersion); err != nil {
		e.log.Warn("manifest not written", zap.Error(err))
	}

	if !report.Success() {
		e.log.Error("backup failed", zap.String("dir", dir), zap.Strings("caveats", report.Caveats()))
		return report, fmt.Errorf("%w: backup produced no usable data: %s",
			storage.ErrStorage, strings.Join(report.Caveats(), "; "))
	}

	pruned, err := Prune(destRoot, e.opts.Retention)
	if err != nil {
		e.log.Warn("prune failed", zap.Error(err))
	}
	report.Pruned = pruned
	for _, p := range pruned {
		e.log.Info("old backup pruned", zap.String("dir", p))
	}

	e.log.Info("backup finished",
		zap.String("dir", dir),
		zap.Bool("database", report.Database),
		zap.Int("media_copied", report.MediaCopied),
		zap.Int("media_failed", len(report.MediaFailed)))
	return report, nil
}

// copyMedia copies src into dst. A missing src is not an error; there is
// simply nothing to copy.
func (e *Engine) copyMedia(ctx context.Context, src, dst string) (int, map[string]error, error) {
	if !fileutil.Exists(src) {
		return 0, nil, nil
	}
	copied, failed, err := fileutil.CopyDir(ctx, src, dst, e.opts.Workers)
	for name, ferr := range failed {
		e.log.Warn("media copy failed", zap.String("file", name), zap.Error(ferr))
	}
	return copied, failed, err
}

func writeManifest(dir string, r *Report, version string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Backup created: %s\n", r.CreatedAt.Format(manifestTimeLayout))
	fmt.Fprintf(&b, "App version: %s\n", version)
	if r.Database {
		fmt.Fprintf(&b, "Database: OK (%s, %d bytes)\n", config.DatabaseFile, r.DBBytes)
	} else {
		fmt.Fprintf(&b, "Database: FAILED (%v)\n", r.DatabaseErr)
	}
	switch {
	case r.MediaErr != nil:
		fmt.Fprintf(&b, "Media: FAILED (%v)\n", r.MediaErr)
	case len(r.MediaFailed) > 0:
		fmt.Fprintf(&b, "Media: PARTIAL (%d copied, %d failed)\n", r.MediaCopied, len(r.MediaFailed))
	default:
		fmt.Fprintf(&b, "Media: OK (%d files)\n", r.MediaCopied)
	}
	for _, name := range sortedKeys(r.MediaFailed) {
		fmt.Fprintf(&b, "  failed: %s: %v\n", name, r.MediaFailed[name])
	}
	return os.WriteFile(filepath.Join(dir, ManifestName), []byte(b.String()), 0644)
}

// uniqueDir creates root/name, or root/name_2, root/name_3 and so on when
// it already exists.
func uniqueDir(root, name string) (string, error) {
	for i := 1; ; i++ {
		candidate := name
		if i > 1 {
			candidate = fmt.Sprintf("%s_%d", name, i)
		}
		dir := filepath.Join(root, candidate)
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
}

// Snapshot is one backup directory found under a root.
type Snapshot struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
	HasDatabase bool      `json:"has_database"`
	MediaFiles  int       `json:"media_files"`
	seq         int
}

// List returns the snapshots under root, newest first. A missing root
// yields an empty list.
func List(root string) ([]Snapshot, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w: %w", storage.ErrStorage, err)
	}

	snaps := []Snapshot{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		created, seq, ok := parseDirName(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(root, entry.Name())
		s := Snapshot{
			Name:        entry.Name(),
			Path:        path,
			CreatedAt:   created,
			HasDatabase: fileutil.Exists(filepath.Join(path, config.DatabaseFile)),
			seq:         seq,
		}
		if media, err := os.ReadDir(filepath.Join(path, config.MediaDirName)); err == nil {
			s.MediaFiles = len(media)
		}
		snaps = append(snaps, s)
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].seq > snaps[j].seq
	})
	return snaps, nil
}

// Prune deletes the oldest snapshots under root so that at most keep
// remain, and returns the removed paths. keep <= 0 disables pruning.
func Prune(root string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	snaps, err := List(root)
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs []error
	for _, s := range snaps[min(keep, len(snaps)):] {
		if err := os.RemoveAll(s.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, s.Path)
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("prune backups: %w: %w", storage.ErrStorage, errors.Join(errs...))
	}
	return removed, nil
}

// parseDirName accepts backup_<timestamp> and backup_<timestamp>_<n>.
func parseDirName(name string) (time.Time, int, bool) {
	rest, ok := strings.CutPrefix(name, DirPrefix)
	if !ok || len(rest) < len(TimestampLayout) {
		return time.Time{}, 0, false
	}
	t, err := time.ParseInLocation(TimestampLayout, rest[:len(TimestampLayout)], time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}
	suffix := rest[len(TimestampLayout):]
	if suffix == "" {
		return t, 1, true
	}
	n, err := strconv.Atoi(strings.TrimPrefix(suffix, "_"))
	if err != nil || !strings.HasPrefix(suffix, "_") {
		return time.Time{}, 0, false
	}
	return t, n, true
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
