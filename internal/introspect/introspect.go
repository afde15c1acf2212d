// Package introspect discovers, at runtime, where a note store keeps note
// content and metadata so export and import keep working on databases whose
// columns were renamed or whose content lives in a side table.
//
// Fallback order, first match wins (names compare case-insensitively):
//
//	notes table      Notes
//	primary key      declared pk, note_id, id
//	title            title, name, subject
//	content column   content, body, text, note_content, markdown_content
//	created          created_at, created, date_created
//	updated          updated_at, modified_at, updated, date_modified
//	trashed flag     is_trashed, trashed, deleted
//	folder           folder_id
//	side table       ContentBlocks, then any table with a note_id column
//	                 and one of content_text, content, text, body
//
// Within a side table the order column is position, order, sort_order, idx;
// the type column is block_type, type; the media column is media_path.
package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/logging"
	"github.com/renderinc/notevault/internal/storage"
)

// ErrNoContentSource means neither a content column on the notes table nor
// a content side table could be found.
var ErrNoContentSource = fmt.Errorf("%w: no note content column or content table found", storage.ErrIntegrity)

var (
	idNames      = []string{"note_id", "id"}
	titleNames   = []string{"title", "name", "subject"}
	contentNames = []string{"content", "body", "text", "note_content", "markdown_content"}
	createdNames = []string{"created_at", "created", "date_created"}
	updatedNames = []string{"updated_at", "modified_at", "updated", "date_modified"}
	trashedNames = []string{"is_trashed", "trashed", "deleted"}
	folderNames  = []string{"folder_id"}

	sideTextNames  = []string{"content_text", "content", "text", "body"}
	sideOrderNames = []string{"position", "order", "sort_order", "idx"}
	sideTypeNames  = []string{"block_type", "type"}
	sideMediaNames = []string{"media_path"}
)

const (
	notesTable      = "Notes"
	preferredSide   = "ContentBlocks"
	sideForeignKey  = "note_id"
	layoutCacheKey  = "layout"
	layoutCacheTTL  = 5 * time.Minute
	cleanupInterval = 10 * time.Minute
)

// Column is one row of PRAGMA table_info.
type Column struct {
	Name       string
	Type       string
	NotNull    bool
	HasDefault bool
	PrimaryKey bool
}

// SideTable is a table holding note content in rows keyed by note id.
type SideTable struct {
	Name        string
	NoteColumn  string
	TextColumn  string
	OrderColumn string // empty when the table has no ordering column
	TypeColumn  string
	MediaColumn string
	Columns     []Column
}

// Layout is the resolved shape of a note store. Column fields are empty
// when the store has no such column.
type Layout struct {
	NotesTable    string
	Columns       []Column
	IDColumn      string
	TitleColumn   string
	ContentColumn string
	CreatedColumn string
	UpdatedColumn string
	TrashedColumn string
	FolderColumn  string
	Side          *SideTable
}

// HasContent reports whether the layout has any content source.
func (l *Layout) HasContent() bool {
	return l.ContentColumn != "" || l.Side != nil
}

// Introspector caches the layout of one database.
type Introspector struct {
	db    *storage.DB
	cache *cache.Cache
	log   *zap.Logger
}

// New creates an introspector for db.
func New(db *storage.DB, log *zap.Logger) *Introspector {
	return &Introspector{
		db:    db,
		cache: cache.New(layoutCacheTTL, cleanupInterval),
		log:   logging.OrNop(log).Named("introspect"),
	}
}

// Layout returns the cached layout, inspecting the database on a miss.
func (i *Introspector) Layout(ctx context.Context) (*Layout, error) {
	if x, found := i.cache.Get(layoutCacheKey); found {
		return x.(*Layout), nil
	}

	var layout *Layout
	err := i.db.Read(ctx, func(q storage.Querier) error {
		var err error
		layout, err = Inspect(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}

	i.cache.Set(layoutCacheKey, layout, cache.DefaultExpiration)
	fields := []zap.Field{
		zap.String("id", layout.IDColumn),
		zap.String("title", layout.TitleColumn),
		zap.String("content", layout.ContentColumn),
	}
	if layout.Side != nil {
		fields = append(fields, zap.String("side_table", layout.Side.Name), zap.String("side_text", layout.Side.TextColumn))
	}
	i.log.Info("schema inspected", fields...)
	return layout, nil
}

// Invalidate drops the cached layout. Call it after the database file is
// replaced.
func (i *Introspector) Invalidate() {
	i.cache.Delete(layoutCacheKey)
}

// Inspect resolves the layout without caching.
func Inspect(ctx context.Context, q storage.Querier) (*Layout, error) {
	tables, err := listTables(ctx, q)
	if err != nil {
		return nil, err
	}

	notes := findName(tables, notesTable)
	if notes == "" {
		return nil, fmt.Errorf("%w: no %s table", storage.ErrIntegrity, notesTable)
	}
	cols, err := tableInfo(ctx, q, notes)
	if err != nil {
		return nil, err
	}

	l := &Layout{
		NotesTable:    notes,
		Columns:       cols,
		TitleColumn:   pick(cols, titleNames),
		ContentColumn: pick(cols, contentNames),
		CreatedColumn: pick(cols, createdNames),
		UpdatedColumn: pick(cols, updatedNames),
		TrashedColumn: pick(cols, trashedNames),
		FolderColumn:  pick(cols, folderNames),
	}
	for _, c := range cols {
		if c.PrimaryKey {
			l.IDColumn = c.Name
			break
		}
	}
	if l.IDColumn == "" {
		l.IDColumn = pick(cols, idNames)
	}
	if l.IDColumn == "" {
		// every SQLite table without WITHOUT ROWID has one
		l.IDColumn = "rowid"
	}
	if l.TitleColumn == "" {
		return nil, fmt.Errorf("%w: %s has no title column", storage.ErrIntegrity, notes)
	}

	candidates := tables
	if side := findName(tables, preferredSide); side != "" {
		candidates = append([]string{side}, tables...)
	}
	for _, name := range candidates {
		if strings.EqualFold(name, notes) {
			continue
		}
		side, err := inspectSide(ctx, q, name)
		if err != nil {
			return nil, err
		}
		if side != nil {
			l.Side = side
			break
		}
	}
	return l, nil
}

func inspectSide(ctx context.Context, q storage.Querier, table string) (*SideTable, error) {
	cols, err := tableInfo(ctx, q, table)
	if err != nil {
		return nil, err
	}
	noteCol := pick(cols, []string{sideForeignKey})
	textCol := pick(cols, sideTextNames)
	if noteCol == "" || textCol == "" {
		return nil, nil
	}
	return &SideTable{
		Name:        table,
		NoteColumn:  noteCol,
		TextColumn:  textCol,
		OrderColumn: pick(cols, sideOrderNames),
		TypeColumn:  pick(cols, sideTypeNames),
		MediaColumn: pick(cols, sideMediaNames),
		Columns:     cols,
	}, nil
}

func listTables(ctx context.Context, q storage.Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w: %w", storage.ErrStorage, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list tables: %w: %w", storage.ErrStorage, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func tableInfo(ctx context.Context, q storage.Querier, table string) ([]Column, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w: %w", table, storage.ErrStorage, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("inspect %s: %w: %w", table, storage.ErrStorage, err)
		}
		c.NotNull = notNull != 0
		c.HasDefault = dflt.Valid
		c.PrimaryKey = pk > 0
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inspect %s: %w: %w", table, storage.ErrStorage, err)
	}
	return cols, nil
}

// pick returns the first of names present in cols, spelled as declared.
func pick(cols []Column, names []string) string {
	for _, want := range names {
		for _, c := range cols {
			if strings.EqualFold(c.Name, want) {
				return c.Name
			}
		}
	}
	return ""
}

func findName(names []string, want string) string {
	for _, n := range names {
		if strings.EqualFold(n, want) {
			return n
		}
	}
	return ""
}

// Quote returns name as a quoted SQL identifier.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
