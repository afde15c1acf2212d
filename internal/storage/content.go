package storage

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// GetNoteContent returns a note's blocks ordered by position.
func (r *Repository) GetNoteContent(ctx context.Context, noteID int64) ([]ContentBlock, error) {
	var blocks []ContentBlock
	err := r.db.Read(ctx, func(q Querier) error {
		if err := requireNote(ctx, q, noteID); err != nil {
			return err
		}

		rows, err := q.QueryContext(ctx, `
			SELECT block_id, note_id, block_type, position, content_text, media_path, properties
			FROM ContentBlocks WHERE note_id = ? ORDER BY position`, noteID)
		if err != nil {
			return storageErr("load content", err)
		}
		defer rows.Close()

		for rows.Next() {
			var b ContentBlock
			var blockType string
			if err := rows.Scan(&b.ID, &b.NoteID, &blockType, &b.Position,
				&b.ContentText, &b.MediaPath, &b.Properties); err != nil {
				return storageErr("scan block", err)
			}
			b.Type = BlockType(blockType)
			blocks = append(blocks, b)
		}
		if err := rows.Err(); err != nil {
			return storageErr("load content", err)
		}
		return nil
	})
	return blocks, err
}

// SaveNoteContent replaces every block of a note with blocks, in order.
// Existing blocks and their annotations are deleted first, so block ids
// change on every save. Positions are reassigned from the slice order.
func (r *Repository) SaveNoteContent(ctx context.Context, noteID int64, blocks []ContentBlock) error {
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		if err := requireNote(ctx, tx, noteID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM Annotations WHERE block_id IN (SELECT block_id FROM ContentBlocks WHERE note_id = ?)`,
			noteID); err != nil {
			return storageErr("clear annotations", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ContentBlocks WHERE note_id = ?`, noteID); err != nil {
			return storageErr("clear blocks", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO ContentBlocks (note_id, block_type, position, content_text, media_path, properties)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return storageErr("prepare block insert", err)
		}
		defer stmt.Close()

		for i, b := range blocks {
			blockType := b.Type
			if blockType == "" {
				blockType = BlockText
			}
			props := b.Properties
			if props == "" {
				props = "{}"
			}
			if _, err := stmt.ExecContext(ctx, noteID, string(blockType), i,
				b.ContentText, b.MediaPath, props); err != nil {
				return storageErr("insert block", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE Notes SET updated_at = ? WHERE note_id = ?`, r.timestamp(), noteID); err != nil {
			return storageErr("touch note", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug("note content saved", zap.Int64("note_id", noteID), zap.Int("blocks", len(blocks)))
	return nil
}

func blockNoteID(ctx context.Context, q Querier, blockID int64) (int64, error) {
	var noteID int64
	err := q.QueryRowContext(ctx, `SELECT note_id FROM ContentBlocks WHERE block_id = ?`, blockID).Scan(&noteID)
	if err == sql.ErrNoRows {
		return 0, notFoundf("block %d", blockID)
	}
	if err != nil {
		return 0, storageErr("get block", err)
	}
	return noteID, nil
}

// GetImageAnnotations returns the annotations of one block in insertion order.
func (r *Repository) GetImageAnnotations(ctx context.Context, blockID int64) ([]Annotation, error) {
	var anns []Annotation
	err := r.db.Read(ctx, func(q Querier) error {
		if _, err := blockNoteID(ctx, q, blockID); err != nil {
			return err
		}

		rows, err := q.QueryContext(ctx, `
			SELECT annotation_id, block_id, annotation_type, data, created_at
			FROM Annotations WHERE block_id = ? ORDER BY annotation_id`, blockID)
		if err != nil {
			return storageErr("load annotations", err)
		}
		defer rows.Close()

		for rows.Next() {
			var a Annotation
			if err := rows.Scan(&a.ID, &a.BlockID, &a.Type, &a.Data, ScanTime(&a.CreatedAt)); err != nil {
				return storageErr("scan annotation", err)
			}
			anns = append(anns, a)
		}
		if err := rows.Err(); err != nil {
			return storageErr("load annotations", err)
		}
		return nil
	})
	return anns, err
}

// SaveImageAnnotations replaces every annotation of a block and bumps the
// owning note's updated_at.
func (r *Repository) SaveImageAnnotations(ctx context.Context, blockID int64, anns []Annotation) error {
	return r.db.Tx(ctx, func(tx *sql.Tx) error {
		noteID, err := blockNoteID(ctx, tx, blockID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM Annotations WHERE block_id = ?`, blockID); err != nil {
			return storageErr("clear annotations", err)
		}

		now := r.timestamp()
		for _, a := range anns {
			if a.Type == "" {
				return invalidf("annotation type is empty")
			}
			created := now
			if !a.CreatedAt.IsZero() {
				created = FormatTime(a.CreatedAt)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO Annotations (block_id, annotation_type, data, created_at) VALUES (?, ?, ?, ?)`,
				blockID, a.Type, a.Data, created); err != nil {
				return storageErr("insert annotation", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE Notes SET updated_at = ? WHERE note_id = ?`, now, noteID); err != nil {
			return storageErr("touch note", err)
		}
		return nil
	})
}
