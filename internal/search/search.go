// Package search builds filtered, sorted read queries over the note store.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/logging"
	"github.com/renderinc/notevault/internal/storage"
)

// PreviewLength is the maximum preview size in characters, before the
// ellipsis.
const PreviewLength = 150

// DateFilter restricts results by updated_at relative to the call time.
type DateFilter string

const (
	DateAll   DateFilter = "all"
	DateToday DateFilter = "today"
	DateWeek  DateFilter = "week"
	DateMonth DateFilter = "month"
)

// ContentType restricts results to notes having at least one block of a type.
type ContentType string

const (
	ContentAll   ContentType = "all"
	ContentText  ContentType = ContentType(storage.BlockText)
	ContentImage ContentType = ContentType(storage.BlockImage)
	ContentList  ContentType = ContentType(storage.BlockList)
)

// SortOrder selects the result ordering.
type SortOrder string

const (
	SortUpdated SortOrder = "updated"
	SortCreated SortOrder = "created"
	SortTitle   SortOrder = "title"
)

// Query describes one search. Zero values mean no filter and the default
// order.
type Query struct {
	Keyword     string
	Date        DateFilter
	ContentType ContentType
	Sort        SortOrder
	Limit       int
}

// Result is a note projected with its folder path and a preview of its
// first block.
type Result struct {
	NoteID     int64     `json:"note_id"`
	Title      string    `json:"title"`
	FolderID   int64     `json:"folder_id"`
	FolderPath string    `json:"folder_path"`
	Path       string    `json:"path"`
	Preview    string    `json:"preview"`
	Tags       string    `json:"tags"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Engine runs searches. It never writes.
type Engine struct {
	db  *storage.DB
	log *zap.Logger
	now func() time.Time
}

// New creates a search engine over db.
func New(db *storage.DB, log *zap.Logger) *Engine {
	return &Engine{
		db:  db,
		log: logging.OrNop(log).Named("search"),
		now: time.Now,
	}
}

// SetClock replaces the wall clock used for date filters.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Search returns matching non-trashed notes. No match is an empty slice,
// not an error.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	query, args, err := e.build(q)
	if err != nil {
		return nil, err
	}

	results := []Result{}
	err = e.db.Read(ctx, func(conn storage.Querier) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("search: %w: %w", storage.ErrStorage, err)
		}
		defer rows.Close()

		for rows.Next() {
			var r Result
			if err := rows.Scan(&r.NoteID, &r.Title, &r.FolderID, &r.FolderPath, &r.Tags,
				storage.ScanTime(&r.CreatedAt), storage.ScanTime(&r.UpdatedAt), &r.Preview); err != nil {
				return fmt.Errorf("scan result: %w: %w", storage.ErrStorage, err)
			}
			r.Path = fmt.Sprintf("%s/note_%d", r.FolderPath, r.NoteID)
			r.Preview = truncate(r.Preview, PreviewLength)
			results = append(results, r)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("search: %w: %w", storage.ErrStorage, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("search finished",
		zap.String("keyword", q.Keyword),
		zap.String("date", string(q.Date)),
		zap.String("content_type", string(q.ContentType)),
		zap.String("sort", string(q.Sort)),
		zap.Int("results", len(results)))
	return results, nil
}

// build assembles the SQL for q. The keyword pattern is bound once as @kw
// and reused for the title and block text conditions.
func (e *Engine) build(q Query) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT n.note_id, n.title, n.folder_id, COALESCE(f.path, '` + storage.RootPath + `'), n.tags,
			n.created_at, n.updated_at,
			COALESCE((SELECT cb.content_text FROM ContentBlocks cb
				WHERE cb.note_id = n.note_id ORDER BY cb.position LIMIT 1), '')
		FROM Notes n
		LEFT JOIN Folders f ON f.folder_id = n.folder_id
		WHERE n.is_trashed = 0`)

	var args []any

	if kw := q.Keyword; kw != "" {
		b.WriteString(`
		AND (n.title LIKE @kw ESCAPE '\'
			OR EXISTS (SELECT 1 FROM ContentBlocks cb
				WHERE cb.note_id = n.note_id AND cb.content_text LIKE @kw ESCAPE '\'))`)
		args = append(args, sql.Named("kw", "%"+escapeLike(kw)+"%"))
	}

	since, err := e.cutoff(q.Date)
	if err != nil {
		return "", nil, err
	}
	if !since.IsZero() {
		b.WriteString(`
		AND n.updated_at >= @since`)
		args = append(args, sql.Named("since", storage.FormatTime(since)))
	}

	switch q.ContentType {
	case "", ContentAll:
	case ContentText, ContentImage, ContentList:
		b.WriteString(`
		AND EXISTS (SELECT 1 FROM ContentBlocks cb
			WHERE cb.note_id = n.note_id AND cb.block_type = @block_type)`)
		args = append(args, sql.Named("block_type", string(q.ContentType)))
	default:
		return "", nil, fmt.Errorf("%w: unknown content type %q", storage.ErrInvalidArgument, q.ContentType)
	}

	switch q.Sort {
	case "", SortUpdated:
		b.WriteString(`
		ORDER BY n.updated_at DESC, n.note_id DESC`)
	case SortCreated:
		b.WriteString(`
		ORDER BY n.created_at DESC, n.note_id DESC`)
	case SortTitle:
		b.WriteString(`
		ORDER BY n.title COLLATE NOCASE, n.note_id DESC`)
	default:
		return "", nil, fmt.Errorf("%w: unknown sort order %q", storage.ErrInvalidArgument, q.Sort)
	}

	if q.Limit > 0 {
		b.WriteString(`
		LIMIT @limit`)
		args = append(args, sql.Named("limit", q.Limit))
	}

	return b.String(), args, nil
}

// cutoff returns the earliest updated_at a result may have, or the zero time
// for no limit. "today" starts at local midnight.
func (e *Engine) cutoff(f DateFilter) (time.Time, error) {
	now := e.now()
	switch f {
	case "", DateAll:
		return time.Time{}, nil
	case DateToday:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	case DateWeek:
		return now.AddDate(0, 0, -7), nil
	case DateMonth:
		return now.AddDate(0, 0, -30), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown date filter %q", storage.ErrInvalidArgument, f)
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
