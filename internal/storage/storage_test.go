package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	db, err := Open(context.Background(), filepath.Join(dir, "notes.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewRepository(db, filepath.Join(dir, "notes_media"), log)
}

func execSQL(t *testing.T, r *Repository, query string, args ...any) {
	t.Helper()
	err := r.DB().Read(context.Background(), func(q Querier) error {
		_, err := q.ExecContext(context.Background(), query, args...)
		return err
	})
	require.NoError(t, err)
}

func countRows(t *testing.T, r *Repository, query string, args ...any) int {
	t.Helper()
	var n int
	err := r.DB().Read(context.Background(), func(q Querier) error {
		return q.QueryRowContext(context.Background(), query, args...).Scan(&n)
	})
	require.NoError(t, err)
	return n
}

func TestCheckFile(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	require.NoError(t, CheckFile(ctx, repo.DB().Path()))

	bad := filepath.Join(t.TempDir(), "notes.db")
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(bad, garbage, 0644))
	assert.ErrorIs(t, CheckFile(ctx, bad), ErrIntegrity)
}

func TestOpen_SchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "notes.db")

	db, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))
	require.NoError(t, db.Close())

	db, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db, t.TempDir(), nil)
	folders, err := repo.ListAllFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, RootFolderID, folders[0].ID)
	assert.Equal(t, RootPath, folders[0].Path)
	assert.Equal(t, int64(0), folders[0].ParentID)

	require.NoError(t, db.IntegrityCheck(ctx))
}

func TestCreateFolder_Paths(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	work, err := repo.CreateFolder(ctx, "Work", 0)
	require.NoError(t, err)
	projects, err := repo.CreateFolder(ctx, "Projects", work)
	require.NoError(t, err)

	f, err := repo.GetFolder(ctx, projects)
	require.NoError(t, err)
	assert.Equal(t, "/root/Work/Projects", f.Path)
	assert.Equal(t, work, f.ParentID)
	require.NoError(t, repo.VerifyTree(ctx))

	children, err := repo.ListFolders(ctx, 0)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "Work", children[0].Name)
}

func TestCreateFolder_Errors(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	_, err := repo.CreateFolder(ctx, "  ", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = repo.CreateFolder(ctx, "a/b", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = repo.CreateFolder(ctx, "Orphan", 999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.CreateFolder(ctx, "Work", 0)
	require.NoError(t, err)
	_, err = repo.CreateFolder(ctx, "Work", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRenameFolder_CascadeAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a, err := repo.CreateFolder(ctx, "A", 0)
	require.NoError(t, err)
	b, err := repo.CreateFolder(ctx, "B", a)
	require.NoError(t, err)
	c, err := repo.CreateFolder(ctx, "C", b)
	require.NoError(t, err)
	other, err := repo.CreateFolder(ctx, "AB", 0)
	require.NoError(t, err)

	before, err := repo.ListAllFolders(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.RenameFolder(ctx, a, "Renamed"))
	require.NoError(t, repo.VerifyTree(ctx))

	fc, err := repo.GetFolder(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "/root/Renamed/B/C", fc.Path)

	fo, err := repo.GetFolder(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, "/root/AB", fo.Path, "unrelated folder with a shared prefix must not change")

	require.NoError(t, repo.RenameFolder(ctx, a, "A"))
	after, err := repo.ListAllFolders(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRenameFolder_Errors(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	assert.ErrorIs(t, repo.RenameFolder(ctx, RootFolderID, "x"), ErrInvalidArgument)
	assert.ErrorIs(t, repo.RenameFolder(ctx, 42, "x"), ErrNotFound)

	id, err := repo.CreateFolder(ctx, "A", 0)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.RenameFolder(ctx, id, ""), ErrInvalidArgument)
}

func TestRenameFolder_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a, err := repo.CreateFolder(ctx, "A", 0)
	require.NoError(t, err)
	b, err := repo.CreateFolder(ctx, "B", a)
	require.NoError(t, err)
	_, err = repo.CreateFolder(ctx, "C", b)
	require.NoError(t, err)

	execSQL(t, repo, `CREATE TRIGGER fail_rewrite BEFORE UPDATE OF path ON Folders
		WHEN OLD.name = 'C' BEGIN SELECT RAISE(ABORT, 'injected'); END`)

	err = repo.RenameFolder(ctx, a, "Z")
	require.ErrorIs(t, err, ErrStorage)

	fa, err := repo.GetFolder(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "A", fa.Name)
	assert.Equal(t, "/root/A", fa.Path)
	require.NoError(t, repo.VerifyTree(ctx))
}

func TestMoveFolder(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a, err := repo.CreateFolder(ctx, "A", 0)
	require.NoError(t, err)
	b, err := repo.CreateFolder(ctx, "B", a)
	require.NoError(t, err)
	c, err := repo.CreateFolder(ctx, "C", 0)
	require.NoError(t, err)

	require.NoError(t, repo.MoveFolder(ctx, a, c))
	fb, err := repo.GetFolder(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "/root/C/A/B", fb.Path)
	require.NoError(t, repo.VerifyTree(ctx))

	assert.ErrorIs(t, repo.MoveFolder(ctx, a, b), ErrInvalidArgument)
	assert.ErrorIs(t, repo.MoveFolder(ctx, a, a), ErrInvalidArgument)
	assert.ErrorIs(t, repo.MoveFolder(ctx, RootFolderID, c), ErrInvalidArgument)
	assert.ErrorIs(t, repo.MoveFolder(ctx, a, 999), ErrNotFound)

	require.NoError(t, repo.MoveFolder(ctx, a, 0))
	fb, err = repo.GetFolder(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "/root/A/B", fb.Path)
}

func TestUpdateFolder_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a, err := repo.CreateFolder(ctx, "A", 0)
	require.NoError(t, err)
	child, err := repo.CreateFolder(ctx, "Child", a)
	require.NoError(t, err)
	c, err := repo.CreateFolder(ctx, "C", 0)
	require.NoError(t, err)

	name, missing := "B", int64(999)
	assert.ErrorIs(t, repo.UpdateFolder(ctx, a, &name, &missing), ErrNotFound)
	fa, err := repo.GetFolder(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "A", fa.Name)

	require.NoError(t, repo.UpdateFolder(ctx, a, &name, &c))
	fc, err := repo.GetFolder(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, "/root/C/B/Child", fc.Path)
	require.NoError(t, repo.VerifyTree(ctx))

	require.NoError(t, repo.UpdateFolder(ctx, a, nil, nil))
	root := int64(RootFolderID)
	assert.ErrorIs(t, repo.UpdateFolder(ctx, RootFolderID, nil, &root), ErrInvalidArgument)
}

func TestUpdateNote_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	work, err := repo.CreateFolder(ctx, "Work", 0)
	require.NoError(t, err)
	id, err := repo.CreateNote(ctx, "Draft", 0)
	require.NoError(t, err)

	title, tags, missing := "Final", "q1", int64(999)
	assert.ErrorIs(t, repo.UpdateNote(ctx, id, &title, &tags, &missing), ErrNotFound)
	n, err := repo.GetNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Draft", n.Title)
	assert.Empty(t, n.Tags)
	assert.Equal(t, int64(RootFolderID), n.FolderID)

	require.NoError(t, repo.UpdateNote(ctx, id, &title, &tags, &work))
	n, err = repo.GetNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Final", n.Title)
	assert.Equal(t, "q1", n.Tags)
	assert.Equal(t, work, n.FolderID)

	blank := "  "
	assert.ErrorIs(t, repo.UpdateNote(ctx, id, &blank, nil, nil), ErrInvalidArgument)
	assert.ErrorIs(t, repo.UpdateNote(ctx, 999, nil, &tags, nil), ErrNotFound)
}

func TestVerifyTree_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a, err := repo.CreateFolder(ctx, "A", 0)
	require.NoError(t, err)
	b, err := repo.CreateFolder(ctx, "B", a)
	require.NoError(t, err)

	execSQL(t, repo, `UPDATE Folders SET parent_id = ? WHERE folder_id = ?`, b, a)
	assert.ErrorIs(t, repo.VerifyTree(ctx), ErrIntegrity)
	assert.ErrorIs(t, repo.RenameFolder(ctx, b, "X"), ErrIntegrity)
}

// buildTree creates Work/{Sub/{Deep}} with a note and content in each folder.
func buildTree(t *testing.T, repo *Repository) (work int64, notes []int64) {
	t.Helper()
	ctx := context.Background()

	work, err := repo.CreateFolder(ctx, "Work", 0)
	require.NoError(t, err)
	sub, err := repo.CreateFolder(ctx, "Sub", work)
	require.NoError(t, err)
	deep, err := repo.CreateFolder(ctx, "Deep", sub)
	require.NoError(t, err)

	for i, folder := range []int64{work, sub, deep} {
		id, err := repo.CreateNote(ctx, []string{"plan", "poison", "deep"}[i], folder)
		require.NoError(t, err)
		require.NoError(t, repo.SaveNoteContent(ctx, id, []ContentBlock{
			{Type: BlockText, ContentText: "text"},
			{Type: BlockImage, MediaPath: "img.png"},
		}))
		blocks, err := repo.GetNoteContent(ctx, id)
		require.NoError(t, err)
		require.NoError(t, repo.SaveImageAnnotations(ctx, blocks[1].ID, []Annotation{{Type: "rect", Data: "{}"}}))
		notes = append(notes, id)
	}
	return work, notes
}

func TestDeleteFolder_Cascade(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	keep, err := repo.CreateNote(ctx, "keep", 0)
	require.NoError(t, err)
	work, _ := buildTree(t, repo)

	require.NoError(t, repo.DeleteFolder(ctx, work))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Folders)
	assert.Equal(t, 1, stats.Notes)
	assert.Equal(t, 0, stats.Blocks)
	assert.Equal(t, 0, stats.Annotations)

	_, err = repo.GetNote(ctx, keep)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.DeleteFolder(ctx, work), ErrNotFound)
	assert.ErrorIs(t, repo.DeleteFolder(ctx, RootFolderID), ErrInvalidArgument)
}

func TestDeleteFolder_FailureLeavesTreeUnchanged(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	work, _ := buildTree(t, repo)

	before, err := repo.Stats(ctx)
	require.NoError(t, err)

	execSQL(t, repo, `CREATE TRIGGER fail_delete BEFORE DELETE ON Notes
		WHEN OLD.title = 'poison' BEGIN SELECT RAISE(ABORT, 'injected'); END`)

	err = repo.DeleteFolder(ctx, work)
	require.ErrorIs(t, err, ErrStorage)

	after, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	require.NoError(t, repo.VerifyTree(ctx))
}

func TestNotes_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return clock })

	folder, err := repo.CreateFolder(ctx, "Work", 0)
	require.NoError(t, err)
	id, err := repo.CreateNote(ctx, "Plan", folder)
	require.NoError(t, err)

	n, err := repo.GetNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Plan", n.Title)
	assert.Equal(t, clock, n.CreatedAt)
	assert.Equal(t, clock, n.UpdatedAt)

	clock = clock.Add(time.Hour)
	require.NoError(t, repo.RenameNote(ctx, id, "Plan B"))
	n, err = repo.GetNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Plan B", n.Title)
	assert.Equal(t, clock, n.UpdatedAt)
	assert.NotEqual(t, n.CreatedAt, n.UpdatedAt)

	require.NoError(t, repo.MoveNote(ctx, id, 0))
	n, err = repo.GetNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RootFolderID, n.FolderID)

	assert.ErrorIs(t, repo.MoveNote(ctx, id, 999), ErrNotFound)
	assert.ErrorIs(t, repo.MoveNote(ctx, 999, 0), ErrNotFound)
	assert.ErrorIs(t, repo.RenameNote(ctx, id, ""), ErrInvalidArgument)
	assert.ErrorIs(t, repo.RenameNote(ctx, 999, "x"), ErrNotFound)

	_, err = repo.CreateNote(ctx, "", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = repo.CreateNote(ctx, "x", 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotes_Trash(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	folder, err := repo.CreateFolder(ctx, "Work", 0)
	require.NoError(t, err)
	a, err := repo.CreateNote(ctx, "a", folder)
	require.NoError(t, err)
	b, err := repo.CreateNote(ctx, "b", folder)
	require.NoError(t, err)

	require.NoError(t, repo.MoveNoteToTrash(ctx, a))
	listed, err := repo.ListNotes(ctx, folder)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, b, listed[0].ID)

	trashed, err := repo.ListTrashedNotes(ctx)
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	assert.True(t, trashed[0].IsTrashed)

	require.NoError(t, repo.RestoreNoteFromTrash(ctx, a))
	listed, err = repo.ListNotes(ctx, folder)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, repo.MoveNoteToTrash(ctx, a))
	require.NoError(t, repo.MoveNoteToTrash(ctx, b))
	require.NoError(t, repo.SaveNoteContent(ctx, a, []ContentBlock{{ContentText: "x"}}))

	n, err := repo.EmptyTrash(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Notes+stats.TrashedNotes+stats.Blocks)
	assert.ErrorIs(t, repo.MoveNoteToTrash(ctx, a), ErrNotFound)
}

func TestRestoreNoteFromTrash_DeletedFolderFallsBackToRoot(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	folder, err := repo.CreateFolder(ctx, "Gone", 0)
	require.NoError(t, err)
	id, err := repo.CreateNote(ctx, "n", folder)
	require.NoError(t, err)
	require.NoError(t, repo.MoveNoteToTrash(ctx, id))

	execSQL(t, repo, `DELETE FROM Folders WHERE folder_id = ?`, folder)

	require.NoError(t, repo.RestoreNoteFromTrash(ctx, id))
	n, err := repo.GetNote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RootFolderID, n.FolderID)
	assert.False(t, n.IsTrashed)
}

func TestDeleteNote_Cascade(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	_, notes := buildTree(t, repo)

	require.NoError(t, repo.DeleteNote(ctx, notes[0]))

	assert.Equal(t, 0, countRows(t, repo, `SELECT COUNT(*) FROM ContentBlocks WHERE note_id = ?`, notes[0]))
	assert.Equal(t, 0, countRows(t, repo, `
		SELECT COUNT(*) FROM Annotations a
		LEFT JOIN ContentBlocks b ON b.block_id = a.block_id WHERE b.block_id IS NULL`))
	assert.Equal(t, 2, countRows(t, repo, `SELECT COUNT(*) FROM Annotations`))

	assert.ErrorIs(t, repo.DeleteNote(ctx, notes[0]), ErrNotFound)
}

func TestSaveNoteContent_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	id, err := repo.CreateNote(ctx, "n", 0)
	require.NoError(t, err)

	blocks := []ContentBlock{
		{Type: BlockText, ContentText: "first"},
		{Type: BlockList, ContentText: "- a\n- b", Properties: `{"ordered":false}`},
		{Type: BlockImage, MediaPath: "pic.png"},
	}

	require.NoError(t, repo.SaveNoteContent(ctx, id, blocks))
	first, err := repo.GetNoteContent(ctx, id)
	require.NoError(t, err)

	require.NoError(t, repo.SaveNoteContent(ctx, id, blocks))
	second, err := repo.GetNoteContent(ctx, id)
	require.NoError(t, err)

	require.Len(t, second, 3)
	for i := range first {
		assert.Equal(t, first[i].Type, second[i].Type)
		assert.Equal(t, first[i].ContentText, second[i].ContentText)
		assert.Equal(t, first[i].MediaPath, second[i].MediaPath)
		assert.Equal(t, first[i].Properties, second[i].Properties)
		assert.Equal(t, i, second[i].Position)
	}
	assert.Equal(t, "{}", second[0].Properties)

	require.NoError(t, repo.SaveNoteContent(ctx, id, nil))
	empty, err := repo.GetNoteContent(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, empty)

	assert.ErrorIs(t, repo.SaveNoteContent(ctx, 999, blocks), ErrNotFound)
	_, err = repo.GetNoteContent(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveNoteContent_DropsOldAnnotations(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	_, notes := buildTree(t, repo)

	require.NoError(t, repo.SaveNoteContent(ctx, notes[0], []ContentBlock{{ContentText: "only"}}))
	assert.Equal(t, 2, countRows(t, repo, `SELECT COUNT(*) FROM Annotations`))
}

func TestImageAnnotations(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	id, err := repo.CreateNote(ctx, "n", 0)
	require.NoError(t, err)
	require.NoError(t, repo.SaveNoteContent(ctx, id, []ContentBlock{{Type: BlockImage, MediaPath: "a.png"}}))
	blocks, err := repo.GetNoteContent(ctx, id)
	require.NoError(t, err)
	blockID := blocks[0].ID

	require.NoError(t, repo.SaveImageAnnotations(ctx, blockID, []Annotation{
		{Type: "rect", Data: `{"x":1}`},
		{Type: "arrow", Data: `{"x":2}`},
	}))
	require.NoError(t, repo.SaveImageAnnotations(ctx, blockID, []Annotation{{Type: "text", Data: "hi"}}))

	anns, err := repo.GetImageAnnotations(ctx, blockID)
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.Equal(t, "text", anns[0].Type)
	assert.Equal(t, "hi", anns[0].Data)

	assert.ErrorIs(t, repo.SaveImageAnnotations(ctx, 999, nil), ErrNotFound)
	assert.ErrorIs(t, repo.SaveImageAnnotations(ctx, blockID, []Annotation{{Data: "x"}}), ErrInvalidArgument)

	anns, err = repo.GetImageAnnotations(ctx, blockID)
	require.NoError(t, err)
	assert.Len(t, anns, 1, "failed save must roll back")
}
