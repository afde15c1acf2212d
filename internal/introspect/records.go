package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/renderinc/notevault/internal/storage"
)

// NoteRecord is a note read through a Layout. Blocks is set only when the
// content came from a side table.
type NoteRecord struct {
	ID        int64
	Title     string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
	Blocks    []BlockRecord
}

// BlockRecord is one side-table content row.
type BlockRecord struct {
	Type      string
	Text      string
	MediaPath string
}

// NewNote is what the importer writes through a Layout.
type NewNote struct {
	Title    string
	Content  string
	FolderID int64
	Time     time.Time
}

// ReadNotes returns every non-trashed note ordered by id. A content column
// on the notes table wins over a side table. Missing timestamps are
// replaced by now.
func (l *Layout) ReadNotes(ctx context.Context, q storage.Querier, now time.Time) ([]NoteRecord, error) {
	if !l.HasContent() {
		return nil, ErrNoContentSource
	}

	content := "''"
	if l.ContentColumn != "" {
		content = textExpr(l.ContentColumn)
	}
	query := fmt.Sprintf(`SELECT %s, %s, %s, %s, %s FROM %s`,
		Quote(l.IDColumn), textExpr(l.TitleColumn),
		orNull(l.CreatedColumn), orNull(l.UpdatedColumn), content, Quote(l.NotesTable))
	if l.TrashedColumn != "" {
		query += fmt.Sprintf(` WHERE COALESCE(%s, 0) = 0`, Quote(l.TrashedColumn))
	}
	query += fmt.Sprintf(` ORDER BY %s`, Quote(l.IDColumn))

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read notes: %w: %w", storage.ErrStorage, err)
	}
	var notes []NoteRecord
	for rows.Next() {
		var n NoteRecord
		var created, updated any
		if err := rows.Scan(&n.ID, &n.Title, &created, &updated, &n.Content); err != nil {
			rows.Close()
			return nil, fmt.Errorf("read notes: %w: %w", storage.ErrStorage, err)
		}
		n.CreatedAt = timeOr(created, now)
		n.UpdatedAt = timeOr(updated, n.CreatedAt)
		notes = append(notes, n)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("read notes: %w: %w", storage.ErrStorage, err)
	}

	// the pool has a single connection, so side rows are read only after
	// the notes cursor is closed
	if l.ContentColumn == "" {
		for i := range notes {
			blocks, err := l.readBlocks(ctx, q, notes[i].ID)
			if err != nil {
				return nil, err
			}
			notes[i].Blocks = blocks
			notes[i].Content = joinBlocks(blocks)
		}
	}
	return notes, nil
}

func (l *Layout) readBlocks(ctx context.Context, q storage.Querier, noteID int64) ([]BlockRecord, error) {
	s := l.Side
	typ, media, order := "'text'", "''", "rowid"
	if s.TypeColumn != "" {
		typ = textExpr(s.TypeColumn)
	}
	if s.MediaColumn != "" {
		media = textExpr(s.MediaColumn)
	}
	if s.OrderColumn != "" {
		order = Quote(s.OrderColumn) + ", rowid"
	}
	query := fmt.Sprintf(`SELECT %s, %s, %s FROM %s WHERE %s = ? ORDER BY %s`,
		typ, textExpr(s.TextColumn), media, Quote(s.Name), Quote(s.NoteColumn), order)

	rows, err := q.QueryContext(ctx, query, noteID)
	if err != nil {
		return nil, fmt.Errorf("read content of note %d: %w: %w", noteID, storage.ErrStorage, err)
	}
	defer rows.Close()

	var blocks []BlockRecord
	for rows.Next() {
		var b BlockRecord
		if err := rows.Scan(&b.Type, &b.Text, &b.MediaPath); err != nil {
			return nil, fmt.Errorf("read content of note %d: %w: %w", noteID, storage.ErrStorage, err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read content of note %d: %w: %w", noteID, storage.ErrStorage, err)
	}
	return blocks, nil
}

// InsertNote writes n inside tx and returns the new note id. A side table
// wins over a content column here: the note row goes in first, then one
// content row referencing it. Every NOT NULL column without a default gets
// a value chosen by its name.
func (l *Layout) InsertNote(ctx context.Context, tx *sql.Tx, n NewNote) (int64, error) {
	if !l.HasContent() {
		return 0, ErrNoContentSource
	}
	stamp := storage.FormatTime(n.Time)
	folder := n.FolderID
	if folder <= 0 {
		folder = storage.RootFolderID
	}

	values := map[string]any{l.TitleColumn: n.Title}
	for col, v := range map[string]any{
		l.CreatedColumn: stamp,
		l.UpdatedColumn: stamp,
		l.FolderColumn:  folder,
		l.TrashedColumn: 0,
	} {
		if col != "" {
			values[col] = v
		}
	}
	if l.Side == nil {
		values[l.ContentColumn] = n.Content
	}

	res, err := insertRow(ctx, tx, l.NotesTable, l.Columns, values, stamp)
	if err != nil {
		return 0, fmt.Errorf("insert note: %w: %w", storage.ErrStorage, err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert note: %w: %w", storage.ErrStorage, err)
	}

	noteID := rowID
	if !strings.EqualFold(l.IDColumn, "rowid") {
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE rowid = ?`, Quote(l.IDColumn), Quote(l.NotesTable)), rowID,
		).Scan(&noteID)
		if err != nil {
			return 0, fmt.Errorf("read back note id: %w: %w", storage.ErrStorage, err)
		}
	}

	if s := l.Side; s != nil {
		side := map[string]any{s.NoteColumn: noteID, s.TextColumn: n.Content}
		if s.OrderColumn != "" {
			side[s.OrderColumn] = 0
		}
		if s.TypeColumn != "" {
			side[s.TypeColumn] = string(storage.BlockText)
		}
		if _, err := insertRow(ctx, tx, s.Name, s.Columns, side, stamp); err != nil {
			return 0, fmt.Errorf("insert content of note %d: %w: %w", noteID, storage.ErrStorage, err)
		}
	}
	return noteID, nil
}

func insertRow(ctx context.Context, tx *sql.Tx, table string, cols []Column, values map[string]any, stamp string) (sql.Result, error) {
	for _, c := range cols {
		if _, ok := values[c.Name]; ok || !c.NotNull || c.HasDefault || c.PrimaryKey {
			continue
		}
		values[c.Name] = DefaultFor(c, stamp)
	}

	names := make([]string, 0, len(values))
	marks := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for _, c := range cols {
		v, ok := values[c.Name]
		if !ok {
			continue
		}
		names = append(names, Quote(c.Name))
		marks = append(marks, "?")
		args = append(args, v)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		Quote(table), strings.Join(names, ", "), strings.Join(marks, ", "))
	return tx.ExecContext(ctx, query, args...)
}

// DefaultFor picks a value for a required column the importer knows
// nothing about, judging by its name and then its declared type.
func DefaultFor(c Column, stamp string) any {
	name := strings.ToLower(c.Name)
	has := func(parts ...string) bool {
		for _, p := range parts {
			if strings.Contains(name, p) {
				return true
			}
		}
		return false
	}

	switch {
	case has("position", "order", "idx", "index", "sort"):
		return 0
	case has("type", "kind"):
		return string(storage.BlockText)
	case has("path"):
		return ""
	case has("propert", "meta", "json"):
		return "{}"
	case has("created", "updated", "modified", "date", "time") || strings.HasSuffix(name, "_at"):
		return stamp
	case has("folder"):
		return storage.RootFolderID
	case has("trash", "deleted", "flag") || strings.HasPrefix(name, "is_"):
		return 0
	}

	typ := strings.ToUpper(c.Type)
	if strings.Contains(typ, "INT") || strings.Contains(typ, "REAL") ||
		strings.Contains(typ, "NUM") || strings.Contains(typ, "FLOA") || strings.Contains(typ, "DOUB") {
		return 0
	}
	return ""
}

func textExpr(col string) string {
	return fmt.Sprintf(`COALESCE(CAST(%s AS TEXT), '')`, Quote(col))
}

func orNull(col string) string {
	if col == "" {
		return "NULL"
	}
	return Quote(col)
}

func timeOr(v any, fallback time.Time) time.Time {
	t, err := storage.ParseTime(v)
	if err != nil || t.IsZero() {
		return fallback
	}
	return t
}

func joinBlocks(blocks []BlockRecord) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}
