// Package importer creates notes from Markdown, HTML, and plain-text files,
// including files produced by the export package.
package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/backup"
	"github.com/renderinc/notevault/internal/export"
	"github.com/renderinc/notevault/internal/introspect"
	"github.com/renderinc/notevault/internal/logging"
	"github.com/renderinc/notevault/internal/storage"
)

// Options controls one import.
type Options struct {
	// FolderID receives the new notes. Zero means the root folder.
	FolderID int64
	// Progress, when set, is called after each file.
	Progress func(done, total int)
}

// Report describes one import.
type Report struct {
	Source   string           `json:"source"`
	Found    int              `json:"found"`
	Imported int              `json:"imported"`
	NoteIDs  []int64          `json:"note_ids"`
	Failed   map[string]error `json:"-"`
}

// Engine imports files into one database.
type Engine struct {
	db  *storage.DB
	in  *introspect.Introspector
	log *zap.Logger
	now func() time.Time
}

func New(db *storage.DB, in *introspect.Introspector, log *zap.Logger) *Engine {
	return &Engine{
		db:  db,
		in:  in,
		log: logging.OrNop(log).Named("import"),
		now: time.Now,
	}
}

// SetClock replaces the time source used for created/updated stamps.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Import creates one note per supported file under source, which may be a
// single file or a directory walked recursively. All notes are written in
// one transaction; a file that fails is rolled back on its own, and the
// whole import is rolled back when no file succeeds.
func (e *Engine) Import(ctx context.Context, source string, opts Options) (*Report, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%w: no import source", storage.ErrInvalidArgument)
	}
	files, err := collect(source)
	if err != nil {
		return nil, err
	}
	report := &Report{Source: source, Found: len(files), Failed: make(map[string]error)}
	if len(files) == 0 {
		return report, fmt.Errorf("%w: no importable files in %s", storage.ErrNotFound, source)
	}

	layout, err := e.in.Layout(ctx)
	if err != nil {
		return nil, err
	}
	if !layout.HasContent() {
		e.log.Error("no content destination found", zap.String("table", layout.NotesTable))
		return nil, introspect.ErrNoContentSource
	}

	docs := make([]*Document, 0, len(files))
	for _, path := range files {
		doc, err := ParseFile(path)
		if err != nil {
			report.Failed[rel(source, path)] = err
			e.log.Warn("file not parsed", zap.String("file", path), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}

	now := e.now()
	e.log.Info("import started", zap.String("source", source), zap.Int("files", len(files)))

	err = e.db.Tx(ctx, func(tx *sql.Tx) error {
		if err := requireFolder(ctx, tx, layout, opts.FolderID); err != nil {
			return err
		}
		for i, doc := range docs {
			if opts.Progress != nil && i > 0 {
				opts.Progress(i, len(docs))
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := insertOne(ctx, tx, layout, introspect.NewNote{
				Title:    doc.Title,
				Content:  doc.Content,
				FolderID: opts.FolderID,
				Time:     now,
			})
			if err != nil {
				report.Failed[rel(source, doc.Path)] = err
				e.log.Warn("file not imported", zap.String("file", doc.Path), zap.Error(err))
				continue
			}
			report.NoteIDs = append(report.NoteIDs, id)
		}
		if opts.Progress != nil {
			opts.Progress(len(docs), len(docs))
		}
		if len(report.NoteIDs) == 0 {
			return fmt.Errorf("%w: no file could be imported: %w", storage.ErrStorage, joinFailures(report.Failed))
		}
		return nil
	})
	if err != nil {
		report.NoteIDs = nil
		e.log.Error("import rolled back", zap.String("source", source), zap.Error(err))
		return report, err
	}

	report.Imported = len(report.NoteIDs)
	e.log.Info("import finished",
		zap.String("source", source),
		zap.Int("imported", report.Imported),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// insertOne wraps a single note in a savepoint so a failed content insert
// also removes its note row.
func insertOne(ctx context.Context, tx *sql.Tx, layout *introspect.Layout, n introspect.NewNote) (int64, error) {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT import_note`); err != nil {
		return 0, fmt.Errorf("savepoint: %w: %w", storage.ErrStorage, err)
	}
	id, err := layout.InsertNote(ctx, tx, n)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO import_note`); rbErr != nil {
			return 0, errors.Join(err, rbErr)
		}
	}
	if _, relErr := tx.ExecContext(ctx, `RELEASE import_note`); relErr != nil && err == nil {
		return 0, fmt.Errorf("release savepoint: %w: %w", storage.ErrStorage, relErr)
	}
	return id, err
}

func requireFolder(ctx context.Context, tx *sql.Tx, layout *introspect.Layout, id int64) error {
	if id <= 0 || id == storage.RootFolderID {
		return nil
	}
	if layout.FolderColumn == "" {
		return fmt.Errorf("%w: notes have no folder column", storage.ErrInvalidArgument)
	}
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM Folders WHERE folder_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: folder %d", storage.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("look up folder %d: %w: %w", id, storage.ErrStorage, err)
	}
	return nil
}

// collect lists importable files under source in a stable order. Export
// and backup manifests are skipped.
func collect(source string) ([]string, error) {
	info, err := os.Stat(source)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, source)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrStorage, err)
	}
	if !info.IsDir() {
		if kind(source) == kindNone {
			return nil, fmt.Errorf("%w: unsupported file type %s", storage.ErrInvalidArgument, filepath.Ext(source))
		}
		return []string{source}, nil
	}

	var files []string
	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || kind(path) == kindNone || d.Name() == export.ManifestName || d.Name() == backup.ManifestName {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w: %w", source, storage.ErrStorage, err)
	}
	sort.Strings(files)
	return files, nil
}

func rel(root, path string) string {
	if r, err := filepath.Rel(root, path); err == nil && r != "." {
		return r
	}
	return filepath.Base(path)
}

func joinFailures(m map[string]error) error {
	errs := make([]error, 0, len(m))
	for name, err := range m {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}
