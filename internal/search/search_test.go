package search

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/renderinc/notevault/internal/storage"
)

func setup(t *testing.T) (*storage.Repository, *Engine) {
	t.Helper()
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	db, err := storage.Open(context.Background(), filepath.Join(dir, "notes.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return storage.NewRepository(db, filepath.Join(dir, "notes_media"), log), New(db, log)
}

func createNote(t *testing.T, repo *storage.Repository, title string, folder int64, blocks ...storage.ContentBlock) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := repo.CreateNote(ctx, title, folder)
	require.NoError(t, err)
	if len(blocks) > 0 {
		require.NoError(t, repo.SaveNoteContent(ctx, id, blocks))
	}
	return id
}

func text(s string) storage.ContentBlock {
	return storage.ContentBlock{Type: storage.BlockText, ContentText: s}
}

func TestSearch_ExampleScenario(t *testing.T) {
	ctx := context.Background()
	repo, engine := setup(t)

	work, err := repo.CreateFolder(ctx, "Work", 0)
	require.NoError(t, err)
	id := createNote(t, repo, "Plan", work, text("Q1 goals"))

	results, err := engine.Search(ctx, Query{Keyword: "Q1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].NoteID)
	assert.Equal(t, fmt.Sprintf("/root/Work/note_%d", id), results[0].Path)
	assert.Equal(t, "/root/Work", results[0].FolderPath)
	assert.Contains(t, results[0].Preview, "Q1 goals")

	require.NoError(t, repo.DeleteFolder(ctx, work))

	results, err = engine.Search(ctx, Query{Keyword: "Q1"})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearch_EmptyKeywordNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo, engine := setup(t)

	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return clock })

	var ids []int64
	for _, title := range []string{"one", "two", "three"} {
		ids = append(ids, createNote(t, repo, title, 0))
		clock = clock.Add(time.Minute)
	}
	trashed := createNote(t, repo, "trashed", 0)
	require.NoError(t, repo.MoveNoteToTrash(ctx, trashed))

	results, err := engine.Search(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ids[2], results[0].NoteID)
	assert.Equal(t, ids[1], results[1].NoteID)
	assert.Equal(t, ids[0], results[2].NoteID)

	// touching the oldest note moves it to the front
	clock = clock.Add(time.Hour)
	require.NoError(t, repo.RenameNote(ctx, ids[0], "one again"))
	results, err = engine.Search(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, ids[0], results[0].NoteID)

	results, err = engine.Search(ctx, Query{Sort: SortCreated})
	require.NoError(t, err)
	assert.Equal(t, ids[2], results[0].NoteID)

	results, err = engine.Search(ctx, Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearch_Keyword(t *testing.T) {
	ctx := context.Background()
	repo, engine := setup(t)

	byTitle := createNote(t, repo, "Budget review", 0)
	byContent := createNote(t, repo, "Misc", 0, text("intro"), text("the budget is tight"))
	createNote(t, repo, "100% done", 0, text("literal_underscore"))
	createNote(t, repo, "Unrelated", 0, text("nothing here"))

	tests := []struct {
		keyword string
		want    []int64
	}{
		{"Budget", []int64{byTitle}},
		{"budget", []int64{byContent}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.keyword, func(t *testing.T) {
			results, err := engine.Search(ctx, Query{Keyword: tt.keyword})
			require.NoError(t, err)
			var got []int64
			for _, r := range results {
				got = append(got, r.NoteID)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}

	results, err := engine.Search(ctx, Query{Keyword: "%"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "100% done", results[0].Title)

	// unescaped, "_" would match the "e" in "Budget"
	results, err = engine.Search(ctx, Query{Keyword: "g_t"})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = engine.Search(ctx, Query{Keyword: "l_underscore"})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_Preview(t *testing.T) {
	ctx := context.Background()
	repo, engine := setup(t)

	long := strings.Repeat("é", PreviewLength+20)
	createNote(t, repo, "long", 0, text(long), text("second"))
	createNote(t, repo, "empty", 0)

	results, err := engine.Search(ctx, Query{Sort: SortTitle})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "empty", results[0].Title)
	assert.Equal(t, "", results[0].Preview)
	assert.Equal(t, strings.Repeat("é", PreviewLength)+"...", results[1].Preview)
}

func TestSearch_DateFilter(t *testing.T) {
	ctx := context.Background()
	repo, engine := setup(t)

	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	engine.SetClock(func() time.Time { return now })

	ages := map[string]time.Duration{
		"this morning": 2 * time.Hour,
		"three days":   3 * 24 * time.Hour,
		"two weeks":    14 * 24 * time.Hour,
		"two months":   60 * 24 * time.Hour,
	}
	for title, age := range ages {
		stamp := now.Add(-age)
		repo.SetClock(func() time.Time { return stamp })
		createNote(t, repo, title, 0)
	}

	tests := []struct {
		filter DateFilter
		want   int
	}{
		{DateAll, 4},
		{DateToday, 1},
		{DateWeek, 2},
		{DateMonth, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.filter), func(t *testing.T) {
			results, err := engine.Search(ctx, Query{Date: tt.filter})
			require.NoError(t, err)
			assert.Len(t, results, tt.want)
		})
	}
}

func TestSearch_ContentTypeAndTitleSort(t *testing.T) {
	ctx := context.Background()
	repo, engine := setup(t)

	createNote(t, repo, "beta", 0, text("t"))
	createNote(t, repo, "Alpha", 0, storage.ContentBlock{Type: storage.BlockImage, MediaPath: "a.png"})
	createNote(t, repo, "gamma", 0, text("t"), storage.ContentBlock{Type: storage.BlockList, ContentText: "- x"})

	results, err := engine.Search(ctx, Query{ContentType: ContentText, Sort: SortTitle})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "beta", results[0].Title)
	assert.Equal(t, "gamma", results[1].Title)

	results, err = engine.Search(ctx, Query{ContentType: ContentImage})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Alpha", results[0].Title)

	results, err = engine.Search(ctx, Query{Sort: SortTitle})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "Alpha", results[0].Title)
}

func TestSearch_InvalidQuery(t *testing.T) {
	_, engine := setup(t)
	ctx := context.Background()

	for _, q := range []Query{
		{Date: "yesterday"},
		{ContentType: "video"},
		{Sort: "random"},
	} {
		_, err := engine.Search(ctx, q)
		assert.ErrorIs(t, err, storage.ErrInvalidArgument)
	}
}

func TestSearch_KeywordIsCaseSensitive(t *testing.T) {
	ctx := context.Background()
	repo, engine := setup(t)

	id := createNote(t, repo, "Plan", 0, text("Q1 goals"))
	createNote(t, repo, "PLAN B", 0)

	tests := []struct {
		keyword string
		want    []int64
	}{
		{"Q1", []int64{id}},
		{"q1", nil},
		{"GOALS", nil},
		{"Plan", []int64{id}},
	}
	for _, tt := range tests {
		t.Run(tt.keyword, func(t *testing.T) {
			results, err := engine.Search(ctx, Query{Keyword: tt.keyword})
			require.NoError(t, err)
			var got []int64
			for _, r := range results {
				got = append(got, r.NoteID)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}
