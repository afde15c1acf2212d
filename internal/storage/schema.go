package storage

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// RootFolderID is the fixed id of the root folder.
const RootFolderID int64 = 1

// RootPath is the fixed path of the root folder.
const RootPath = "/root"

type tableDef struct {
	name    string
	ddl     string
	indexes []string
}

// Tables are created in this order; existence is checked by name first.
var tables = []tableDef{
	{"Folders", `
	CREATE TABLE Folders (
		folder_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		parent_id INTEGER NOT NULL DEFAULT 0,
		path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`, []string{
		`CREATE INDEX IF NOT EXISTS idx_folders_parent ON Folders(parent_id)`,
	}},
	{"Notes", `
	CREATE TABLE Notes (
		note_id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		folder_id INTEGER NOT NULL DEFAULT 1,
		tags TEXT NOT NULL DEFAULT '',
		is_trashed INTEGER NOT NULL DEFAULT 0
	)`, []string{
		`CREATE INDEX IF NOT EXISTS idx_notes_folder ON Notes(folder_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_updated ON Notes(updated_at)`,
	}},
	{"ContentBlocks", `
	CREATE TABLE ContentBlocks (
		block_id INTEGER PRIMARY KEY AUTOINCREMENT,
		note_id INTEGER NOT NULL,
		block_type TEXT NOT NULL DEFAULT 'text',
		position INTEGER NOT NULL,
		content_text TEXT NOT NULL DEFAULT '',
		media_path TEXT NOT NULL DEFAULT '',
		properties TEXT NOT NULL DEFAULT '{}'
	)`, []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_blocks_note_position ON ContentBlocks(note_id, position)`,
	}},
	{"Annotations", `
	CREATE TABLE Annotations (
		annotation_id INTEGER PRIMARY KEY AUTOINCREMENT,
		block_id INTEGER NOT NULL,
		annotation_type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`, []string{
		`CREATE INDEX IF NOT EXISTS idx_annotations_block ON Annotations(block_id)`,
	}},
}

// ensureSchema is idempotent. It runs in one transaction so a failure leaves
// no partial schema behind. Indexes are created together with their table;
// a table that already exists is left as it is, whatever its columns.
func ensureSchema(ctx context.Context, db *sql.DB, log *zap.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin schema", err)
	}
	defer tx.Rollback()

	for _, t := range tables {
		exists, err := tableExists(ctx, tx, t.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		if _, err := tx.ExecContext(ctx, t.ddl); err != nil {
			return storageErr("create table "+t.name, err)
		}
		for _, ddl := range t.indexes {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return storageErr("create index on "+t.name, err)
			}
		}
		log.Info("created table", zap.String("table", t.name))

		if t.name == "Folders" {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO Folders (folder_id, name, parent_id, path, created_at) VALUES (?, 'root', 0, ?, ?)`,
				RootFolderID, RootPath, FormatTime(nowUTC()))
			if err != nil {
				return storageErr("create root folder", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit schema", err)
	}
	return nil
}

func tableExists(ctx context.Context, q Querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE`, name).Scan(&n)
	if err != nil {
		return false, storageErr(fmt.Sprintf("check table %s", name), err)
	}
	return n > 0, nil
}
