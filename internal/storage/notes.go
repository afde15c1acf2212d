package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const noteColumns = `note_id, title, created_at, updated_at, folder_id, tags, is_trashed`

func scanNote(row interface{ Scan(...any) error }) (*Note, error) {
	var n Note
	var trashed int
	if err := row.Scan(&n.ID, &n.Title, ScanTime(&n.CreatedAt), ScanTime(&n.UpdatedAt),
		&n.FolderID, &n.Tags, &trashed); err != nil {
		return nil, err
	}
	n.IsTrashed = trashed != 0
	return &n, nil
}

func getNote(ctx context.Context, q Querier, id int64) (*Note, error) {
	n, err := scanNote(q.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM Notes WHERE note_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFoundf("note %d", id)
	}
	if err != nil {
		return nil, storageErr("get note", err)
	}
	return n, nil
}

func requireNote(ctx context.Context, q Querier, id int64) error {
	ok, err := exists(ctx, q, `SELECT 1 FROM Notes WHERE note_id = ?`, id)
	if err != nil {
		return storageErr("check note", err)
	}
	if !ok {
		return notFoundf("note %d", id)
	}
	return nil
}

func requireFolder(ctx context.Context, q Querier, id int64) error {
	ok, err := exists(ctx, q, `SELECT 1 FROM Folders WHERE folder_id = ?`, id)
	if err != nil {
		return storageErr("check folder", err)
	}
	if !ok {
		return notFoundf("folder %d", id)
	}
	return nil
}

// deleteNoteTx removes a note's annotations, then its blocks, then the row.
func deleteNoteTx(ctx context.Context, tx *sql.Tx, id int64) error {
	stmts := []string{
		`DELETE FROM Annotations WHERE block_id IN (SELECT block_id FROM ContentBlocks WHERE note_id = ?)`,
		`DELETE FROM ContentBlocks WHERE note_id = ?`,
		`DELETE FROM Notes WHERE note_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return storageErr(fmt.Sprintf("delete note %d", id), err)
		}
	}
	return nil
}

// CreateNote inserts an empty note in folderID (0 means the root) and
// returns its id.
func (r *Repository) CreateNote(ctx context.Context, title string, folderID int64) (int64, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return 0, invalidf("note title is empty")
	}
	if folderID <= 0 {
		folderID = RootFolderID
	}

	var id int64
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		if err := requireFolder(ctx, tx, folderID); err != nil {
			return err
		}
		now := r.timestamp()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO Notes (title, created_at, updated_at, folder_id, tags, is_trashed) VALUES (?, ?, ?, ?, '', 0)`,
			title, now, now, folderID)
		if err != nil {
			return storageErr("insert note", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return storageErr("insert note", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Info("note created", zap.Int64("note_id", id), zap.Int64("folder_id", folderID))
	return id, nil
}

// GetNote returns one note, trashed or not.
func (r *Repository) GetNote(ctx context.Context, id int64) (*Note, error) {
	var n *Note
	err := r.db.Read(ctx, func(q Querier) error {
		var err error
		n, err = getNote(ctx, q, id)
		return err
	})
	return n, err
}

// ListNotes returns the non-trashed notes of a folder, newest first.
func (r *Repository) ListNotes(ctx context.Context, folderID int64) ([]*Note, error) {
	if folderID <= 0 {
		folderID = RootFolderID
	}
	return r.queryNotes(ctx,
		`SELECT `+noteColumns+` FROM Notes WHERE folder_id = ? AND is_trashed = 0 ORDER BY updated_at DESC, note_id DESC`,
		folderID)
}

// ListTrashedNotes returns every note in the trash, newest first.
func (r *Repository) ListTrashedNotes(ctx context.Context) ([]*Note, error) {
	return r.queryNotes(ctx,
		`SELECT `+noteColumns+` FROM Notes WHERE is_trashed = 1 ORDER BY updated_at DESC, note_id DESC`)
}

func (r *Repository) queryNotes(ctx context.Context, query string, args ...any) ([]*Note, error) {
	var notes []*Note
	err := r.db.Read(ctx, func(q Querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return storageErr("list notes", err)
		}
		defer rows.Close()
		for rows.Next() {
			n, err := scanNote(rows)
			if err != nil {
				return storageErr("scan note", err)
			}
			notes = append(notes, n)
		}
		if err := rows.Err(); err != nil {
			return storageErr("list notes", err)
		}
		return nil
	})
	return notes, err
}

// updateNote runs a single-row UPDATE and maps "no row" to ErrNotFound.
func (r *Repository) updateNote(ctx context.Context, op string, id int64, query string, args ...any) error {
	return r.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return storageErr(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr(op, err)
		}
		if n == 0 {
			return notFoundf("note %d", id)
		}
		return nil
	})
}

// RenameNote changes the title and bumps updated_at.
func (r *Repository) RenameNote(ctx context.Context, id int64, newTitle string) error {
	newTitle = strings.TrimSpace(newTitle)
	if newTitle == "" {
		return invalidf("note title is empty")
	}
	return r.updateNote(ctx, "rename note", id,
		`UPDATE Notes SET title = ?, updated_at = ? WHERE note_id = ?`, newTitle, r.timestamp(), id)
}

// SetNoteTags replaces the free-text tags.
func (r *Repository) SetNoteTags(ctx context.Context, id int64, tags string) error {
	return r.updateNote(ctx, "set note tags", id,
		`UPDATE Notes SET tags = ?, updated_at = ? WHERE note_id = ?`, strings.TrimSpace(tags), r.timestamp(), id)
}

// MoveNote moves a note into folderID (0 means the root).
func (r *Repository) MoveNote(ctx context.Context, id, folderID int64) error {
	if folderID <= 0 {
		folderID = RootFolderID
	}
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		if err := requireFolder(ctx, tx, folderID); err != nil {
			return err
		}
		if err := requireNote(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE Notes SET folder_id = ?, updated_at = ? WHERE note_id = ?`, folderID, r.timestamp(), id); err != nil {
			return storageErr("move note", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.log.Info("note moved", zap.Int64("note_id", id), zap.Int64("folder_id", folderID))
	return nil
}

// UpdateNote changes any of title, tags, and folder in one transaction.
// Nil fields are left alone; a failing field discards the others.
func (r *Repository) UpdateNote(ctx context.Context, id int64, title, tags *string, folderID *int64) error {
	var newTitle string
	if title != nil {
		newTitle = strings.TrimSpace(*title)
		if newTitle == "" {
			return invalidf("note title is empty")
		}
	}
	stamp := r.timestamp()

	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		if err := requireNote(ctx, tx, id); err != nil {
			return err
		}
		if title != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE Notes SET title = ?, updated_at = ? WHERE note_id = ?`, newTitle, stamp, id); err != nil {
				return storageErr("rename note", err)
			}
		}
		if tags != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE Notes SET tags = ?, updated_at = ? WHERE note_id = ?`, strings.TrimSpace(*tags), stamp, id); err != nil {
				return storageErr("set note tags", err)
			}
		}
		if folderID != nil {
			target := *folderID
			if target <= 0 {
				target = RootFolderID
			}
			if err := requireFolder(ctx, tx, target); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE Notes SET folder_id = ?, updated_at = ? WHERE note_id = ?`, target, stamp, id); err != nil {
				return storageErr("move note", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.log.Info("note updated", zap.Int64("note_id", id))
	return nil
}

// MoveNoteToTrash soft-deletes a note.
func (r *Repository) MoveNoteToTrash(ctx context.Context, id int64) error {
	return r.updateNote(ctx, "trash note", id,
		`UPDATE Notes SET is_trashed = 1, updated_at = ? WHERE note_id = ?`, r.timestamp(), id)
}

// RestoreNoteFromTrash clears the trash flag. A note whose folder was
// deleted meanwhile goes back to the root.
func (r *Repository) RestoreNoteFromTrash(ctx context.Context, id int64) error {
	return r.updateNote(ctx, "restore note", id, `
		UPDATE Notes SET is_trashed = 0, updated_at = ?,
			folder_id = CASE WHEN EXISTS (SELECT 1 FROM Folders WHERE folder_id = Notes.folder_id)
				THEN folder_id ELSE ? END
		WHERE note_id = ?`, r.timestamp(), RootFolderID, id)
}

// DeleteNote permanently deletes a note with its blocks and annotations.
func (r *Repository) DeleteNote(ctx context.Context, id int64) error {
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		if err := requireNote(ctx, tx, id); err != nil {
			return err
		}
		return deleteNoteTx(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	r.log.Info("note deleted", zap.Int64("note_id", id))
	return nil
}

// EmptyTrash permanently deletes every trashed note and returns the count.
func (r *Repository) EmptyTrash(ctx context.Context) (int, error) {
	var count int
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, tx, `SELECT note_id FROM Notes WHERE is_trashed = 1`)
		if err != nil {
			return storageErr("list trash", err)
		}
		for _, id := range ids {
			if err := deleteNoteTx(ctx, tx, id); err != nil {
				return err
			}
		}
		count = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.log.Info("trash emptied", zap.Int("notes", count))
	return count, nil
}
