// Package export writes every non-trashed note to a Markdown or HTML file.
// The note layout is discovered at runtime, so older or drifted databases
// export too.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/config"
	"github.com/renderinc/notevault/internal/fileutil"
	"github.com/renderinc/notevault/internal/introspect"
	"github.com/renderinc/notevault/internal/logging"
	"github.com/renderinc/notevault/internal/storage"
)

const (
	// DirPrefix starts the name of every export directory.
	DirPrefix = "notes_export_"
	// ManifestName is the plain-text manifest inside an export.
	ManifestName = "export_info.txt"
	// MediaDirName holds copies of images referenced by exported notes.
	MediaDirName = "media"

	timestampLayout = "20060102_150405"
	// FooterTimeLayout formats the created/updated footer.
	FooterTimeLayout = "2006-01-02 15:04:05"
)

// Format is an export file format.
type Format string

const (
	Markdown Format = "markdown"
	HTML     Format = "html"
)

// ParseFormat accepts markdown, md, html, and htm.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "markdown", "md":
		return Markdown, nil
	case "html", "htm":
		return HTML, nil
	}
	return "", fmt.Errorf("%w: unknown export format %q", storage.ErrInvalidArgument, s)
}

// Ext returns the file extension, dot included.
func (f Format) Ext() string {
	if f == HTML {
		return ".html"
	}
	return ".md"
}

// Report describes one export.
type Report struct {
	Dir         string           `json:"dir"`
	Format      Format           `json:"format"`
	CreatedAt   time.Time        `json:"created_at"`
	Count       int              `json:"count"`
	Files       []string         `json:"files"`
	Failed      map[string]error `json:"-"`
	MediaCopied int              `json:"media_copied"`
}

// Engine exports notes from one database.
type Engine struct {
	db       *storage.DB
	in       *introspect.Introspector
	mediaDir string
	version  string
	log      *zap.Logger
	now      func() time.Time
}

// New creates an export engine. mediaDir is where image blocks point.
func New(db *storage.DB, in *introspect.Introspector, mediaDir string, log *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		in:       in,
		mediaDir: mediaDir,
		version:  config.AppVersion,
		log:      logging.OrNop(log).Named("export"),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for directory names.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Export writes one file per non-trashed note into a new
// notes_export_<timestamp> directory under destRoot. It fails unless at
// least one note was written.
func (e *Engine) Export(ctx context.Context, destRoot string, format Format) (*Report, error) {
	if format != Markdown && format != HTML {
		return nil, fmt.Errorf("%w: unknown export format %q", storage.ErrInvalidArgument, format)
	}
	if strings.TrimSpace(destRoot) == "" {
		return nil, fmt.Errorf("%w: no export destination", storage.ErrInvalidArgument)
	}

	layout, err := e.in.Layout(ctx)
	if err != nil {
		return nil, err
	}
	if !layout.HasContent() {
		e.log.Error("no content source found", zap.String("table", layout.NotesTable))
		return nil, introspect.ErrNoContentSource
	}

	now := e.now()
	var notes []introspect.NoteRecord
	err = e.db.Read(ctx, func(q storage.Querier) error {
		var err error
		notes, err = layout.ReadNotes(ctx, q, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return nil, fmt.Errorf("%w: no notes to export", storage.ErrNotFound)
	}

	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return nil, fmt.Errorf("create export root: %w: %w", storage.ErrStorage, err)
	}
	dir, err := uniqueDir(destRoot, DirPrefix+now.Format(timestampLayout))
	if err != nil {
		return nil, fmt.Errorf("create export directory: %w: %w", storage.ErrStorage, err)
	}

	report := &Report{Dir: dir, Format: format, CreatedAt: now, Failed: make(map[string]error)}
	e.log.Info("export started", zap.String("dir", dir), zap.String("format", string(format)), zap.Int("notes", len(notes)))

	used := make(map[string]bool)
	media := make(map[string]bool)
	for _, n := range notes {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		name := uniqueName(used, FileName(n.Title, n.ID), n.ID) + format.Ext()
		body, err := render(n, format)
		if err == nil {
			err = os.WriteFile(filepath.Join(dir, name), []byte(body), 0644)
		}
		if err != nil {
			report.Failed[name] = err
			e.log.Warn("note not exported", zap.Int64("note_id", n.ID), zap.String("file", name), zap.Error(err))
			continue
		}

		report.Files = append(report.Files, name)
		report.Count++
		for _, b := range n.Blocks {
			if b.MediaPath != "" {
				media[filepath.Base(filepath.FromSlash(b.MediaPath))] = true
			}
		}
	}

	report.MediaCopied = e.copyMedia(dir, media)

	if err := e.writeManifest(report); err != nil {
		e.log.Warn("manifest not written", zap.Error(err))
	}

	if report.Count == 0 {
		return report, fmt.Errorf("%w: no note could be exported: %w", storage.ErrStorage, joinFailures(report.Failed))
	}
	e.log.Info("export finished",
		zap.String("dir", dir),
		zap.Int("count", report.Count),
		zap.Int("failed", len(report.Failed)),
		zap.Int("media", report.MediaCopied))
	return report, nil
}

func (e *Engine) copyMedia(dir string, files map[string]bool) int {
	if len(files) == 0 || e.mediaDir == "" {
		return 0
	}
	var copied int
	for name := range files {
		src := filepath.Join(e.mediaDir, name)
		if !fileutil.Exists(src) {
			e.log.Warn("referenced media missing", zap.String("file", name))
			continue
		}
		if _, err := fileutil.CopyVerified(src, filepath.Join(dir, MediaDirName, name)); err != nil {
			e.log.Warn("media not exported", zap.String("file", name), zap.Error(err))
			continue
		}
		copied++
	}
	return copied
}

func (e *Engine) writeManifest(r *Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Export created: %s\n", r.CreatedAt.Format(FooterTimeLayout))
	fmt.Fprintf(&b, "App version: %s\n", e.version)
	fmt.Fprintf(&b, "Format: %s\n", r.Format)
	fmt.Fprintf(&b, "Notes exported: %d\n", r.Count)
	if len(r.Failed) > 0 {
		fmt.Fprintf(&b, "Notes failed: %d\n", len(r.Failed))
	}
	if r.MediaCopied > 0 {
		fmt.Fprintf(&b, "Media files: %d\n", r.MediaCopied)
	}
	return os.WriteFile(filepath.Join(r.Dir, ManifestName), []byte(b.String()), 0644)
}

// uniqueName returns name, or name_<id> when name is taken. Names compare
// case-insensitively so exports survive case-insensitive filesystems.
func uniqueName(used map[string]bool, name string, id int64) string {
	if used[strings.ToLower(name)] {
		name = fmt.Sprintf("%s_%d", name, id)
	}
	used[strings.ToLower(name)] = true
	return name
}

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

func joinFailures(m map[string]error) error {
	errs := make([]error, 0, len(m))
	for name, err := range m {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}
