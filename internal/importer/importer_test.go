package importer

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/renderinc/notevault/internal/export"
	"github.com/renderinc/notevault/internal/introspect"
	"github.com/renderinc/notevault/internal/storage"
)

type fixture struct {
	db     *storage.DB
	repo   *storage.Repository
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	db, err := storage.Open(context.Background(), filepath.Join(dir, "notes.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &fixture{
		db:     db,
		repo:   storage.NewRepository(db, filepath.Join(dir, "notes_media"), log),
		engine: New(db, introspect.New(db, log), log),
	}
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	err := f.db.Read(context.Background(), func(q storage.Querier) error {
		return q.QueryRowContext(context.Background(), query, args...).Scan(&n)
	})
	require.NoError(t, err)
	return n
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestImport_Directory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	src := t.TempDir()
	writeFile(t, src, "a.md", "# Groceries\n\n- milk\n- eggs\n")
	writeFile(t, src, "nested/b.txt", "just text\n")
	writeFile(t, src, "c.html", "<html><head><title>Web</title></head><body><h1>Web</h1><p>hello<br>world</p></body></html>")
	writeFile(t, src, "picture.png", "png")
	writeFile(t, src, export.ManifestName, "Format: markdown\n")

	report, err := f.engine.Import(ctx, src, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Found)
	assert.Equal(t, 3, report.Imported)
	assert.Empty(t, report.Failed)

	notes, err := f.repo.ListNotes(ctx, 0)
	require.NoError(t, err)
	titles := make(map[string]int64)
	for _, n := range notes {
		titles[n.Title] = n.ID
	}
	assert.Len(t, titles, 3)
	require.Contains(t, titles, "Groceries")
	require.Contains(t, titles, "b")
	require.Contains(t, titles, "Web")

	blocks, err := f.repo.GetNoteContent(ctx, titles["Groceries"])
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "- milk\n- eggs", blocks[0].ContentText)

	blocks, err = f.repo.GetNoteContent(ctx, titles["Web"])
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "hello\nworld", blocks[0].ContentText)
}

func TestImport_IntoFolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	folder, err := f.repo.CreateFolder(ctx, "Inbox", 0)
	require.NoError(t, err)

	path := writeFile(t, t.TempDir(), "one.txt", "body")
	report, err := f.engine.Import(ctx, path, Options{FolderID: folder})
	require.NoError(t, err)
	require.Len(t, report.NoteIDs, 1)

	note, err := f.repo.GetNote(ctx, report.NoteIDs[0])
	require.NoError(t, err)
	assert.Equal(t, folder, note.FolderID)

	_, err = f.engine.Import(ctx, path, Options{FolderID: 999})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestImport_FailedContentRollsBackItsNote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.db.Read(ctx, func(q storage.Querier) error {
		_, err := q.ExecContext(ctx, `
			CREATE TRIGGER reject_poison BEFORE INSERT ON ContentBlocks
			WHEN NEW.content_text LIKE '%poison%'
			BEGIN SELECT RAISE(ABORT, 'poisoned'); END`)
		return err
	}))

	src := t.TempDir()
	writeFile(t, src, "good.txt", "fine")
	writeFile(t, src, "bad.txt", "poison")

	report, err := f.engine.Import(ctx, src, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	assert.Contains(t, report.Failed, "bad.txt")
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM Notes`))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM Notes WHERE title = 'bad'`))
}

func TestImport_NothingSucceedsRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.db.Read(ctx, func(q storage.Querier) error {
		_, err := q.ExecContext(ctx, `
			CREATE TRIGGER reject_all BEFORE INSERT ON ContentBlocks
			BEGIN SELECT RAISE(ABORT, 'read only'); END`)
		return err
	}))

	src := t.TempDir()
	writeFile(t, src, "a.txt", "a")
	writeFile(t, src, "b.txt", "b")

	report, err := f.engine.Import(ctx, src, Options{})
	assert.ErrorIs(t, err, storage.ErrStorage)
	assert.Len(t, report.Failed, 2)
	assert.Empty(t, report.NoteIDs)
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM Notes`))
}

func TestImport_SourceErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Import(ctx, "", Options{})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	_, err = f.engine.Import(ctx, filepath.Join(t.TempDir(), "missing"), Options{})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.engine.Import(ctx, writeFile(t, t.TempDir(), "x.pdf", "%PDF"), Options{})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	_, err = f.engine.Import(ctx, t.TempDir(), Options{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestImport_ExportRoundTrip(t *testing.T) {
	for _, format := range []export.Format{export.Markdown, export.HTML} {
		t.Run(string(format), func(t *testing.T) {
			ctx := context.Background()
			from := newFixture(t)
			for title, text := range map[string]string{
				"Tom & Jerry": "line one\nline two & more",
				"Plan":        "alpha\n\nbeta",
			} {
				id, err := from.repo.CreateNote(ctx, title, 0)
				require.NoError(t, err)
				require.NoError(t, from.repo.SaveNoteContent(ctx, id, []storage.ContentBlock{{ContentText: text}}))
			}

			exp := export.New(from.db, introspect.New(from.db, nil), from.repo.MediaDir(), nil)
			out, err := exp.Export(ctx, t.TempDir(), format)
			require.NoError(t, err)

			to := newFixture(t)
			report, err := to.engine.Import(ctx, out.Dir, Options{})
			require.NoError(t, err)
			assert.Equal(t, 2, report.Imported)

			got := make(map[string]string)
			for _, id := range report.NoteIDs {
				note, err := to.repo.GetNote(ctx, id)
				require.NoError(t, err)
				blocks, err := to.repo.GetNoteContent(ctx, id)
				require.NoError(t, err)
				require.Len(t, blocks, 1)
				got[note.Title] = blocks[0].ContentText
			}
			assert.Equal(t, map[string]string{
				"Tom & Jerry": "line one\nline two & more",
				"Plan":        "alpha\n\nbeta",
			}, got)
		})
	}
}

func TestImport_DriftedSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE Notes (id INTEGER PRIMARY KEY, name TEXT NOT NULL, body TEXT, modified_at TEXT NOT NULL)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db, err := storage.Open(ctx, path, nil)
	require.NoError(t, err)
	defer db.Close()

	engine := New(db, introspect.New(db, nil), nil)
	report, err := engine.Import(ctx, writeFile(t, t.TempDir(), "Old Note.md", "kept body\n"), Options{})
	require.NoError(t, err)
	require.Len(t, report.NoteIDs, 1)

	var name, text string
	require.NoError(t, db.Read(ctx, func(q storage.Querier) error {
		return q.QueryRowContext(ctx, `
			SELECT n.name, b.content_text FROM Notes n JOIN ContentBlocks b ON b.note_id = n.id
			WHERE n.id = ?`, report.NoteIDs[0]).Scan(&name, &text)
	}))
	assert.Equal(t, "Old Note", name)
	assert.Equal(t, "kept body", text)
}

func TestParseMarkdown(t *testing.T) {
	title, body := parseMarkdown("# Title\n\nbody\n\n---\n*Created: 2024-01-02 03:04:05*  \n*Updated: 2024-01-02 03:04:05*\n")
	assert.Equal(t, "Title", title)
	assert.Equal(t, "body", body)

	title, body = parseMarkdown("no heading\n\n---\nnot a footer")
	assert.Empty(t, title)
	assert.Equal(t, "no heading\n\n---\nnot a footer", body)
}

func TestParseHTML(t *testing.T) {
	title, body := parseHTML(`<html><head><title>A &amp; B</title></head><body>
<h1>A &amp; B</h1>
<div class="note-content">
<p>first</p>
<div>inner</div>
</div>
<div class="note-meta">
<p>Created: 2024-01-02 03:04:05</p>
</div>
</body></html>`)
	assert.Equal(t, "A & B", title)
	assert.Equal(t, "first\n\ninner", body)

	title, body = parseHTML(`<body><h1>Heading</h1><p>text</p></body>`)
	assert.Equal(t, "Heading", title)
	assert.Equal(t, "text", body)
}
