package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

func validateFolderName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalidf("folder name is empty")
	}
	if strings.Contains(name, "/") {
		return "", invalidf("folder name %q contains '/'", name)
	}
	return name, nil
}

func getFolder(ctx context.Context, q Querier, id int64) (*Folder, error) {
	var f Folder
	err := q.QueryRowContext(ctx,
		`SELECT folder_id, name, parent_id, path, created_at FROM Folders WHERE folder_id = ?`, id,
	).Scan(&f.ID, &f.Name, &f.ParentID, &f.Path, ScanTime(&f.CreatedAt))
	if err == sql.ErrNoRows {
		return nil, notFoundf("folder %d", id)
	}
	if err != nil {
		return nil, storageErr("get folder", err)
	}
	return &f, nil
}

func checkSiblingName(ctx context.Context, q Querier, parentID int64, name string, exclude int64) error {
	taken, err := exists(ctx, q,
		`SELECT 1 FROM Folders WHERE parent_id = ? AND name = ? AND folder_id != ?`, parentID, name, exclude)
	if err != nil {
		return storageErr("check sibling names", err)
	}
	if taken {
		return invalidf("folder %q already exists here", name)
	}
	return nil
}

// GetFolder returns one folder.
func (r *Repository) GetFolder(ctx context.Context, id int64) (*Folder, error) {
	var f *Folder
	err := r.db.Read(ctx, func(q Querier) error {
		var err error
		f, err = getFolder(ctx, q, id)
		return err
	})
	return f, err
}

// ListFolders returns the direct children of parentID ordered by name.
// parentID 0 means the root.
func (r *Repository) ListFolders(ctx context.Context, parentID int64) ([]*Folder, error) {
	if parentID <= 0 {
		parentID = RootFolderID
	}
	return r.queryFolders(ctx,
		`SELECT folder_id, name, parent_id, path, created_at FROM Folders
		 WHERE parent_id = ? AND folder_id != ? ORDER BY name COLLATE NOCASE`, parentID, RootFolderID)
}

// ListAllFolders returns every folder, root included, ordered by path.
func (r *Repository) ListAllFolders(ctx context.Context) ([]*Folder, error) {
	return r.queryFolders(ctx,
		`SELECT folder_id, name, parent_id, path, created_at FROM Folders ORDER BY path`)
}

func (r *Repository) queryFolders(ctx context.Context, query string, args ...any) ([]*Folder, error) {
	var folders []*Folder
	err := r.db.Read(ctx, func(q Querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return storageErr("list folders", err)
		}
		defer rows.Close()
		for rows.Next() {
			var f Folder
			if err := rows.Scan(&f.ID, &f.Name, &f.ParentID, &f.Path, ScanTime(&f.CreatedAt)); err != nil {
				return storageErr("scan folder", err)
			}
			folders = append(folders, &f)
		}
		if err := rows.Err(); err != nil {
			return storageErr("list folders", err)
		}
		return nil
	})
	return folders, err
}

// CreateFolder inserts a folder under parentID (0 means the root) and
// returns its id.
func (r *Repository) CreateFolder(ctx context.Context, name string, parentID int64) (int64, error) {
	name, err := validateFolderName(name)
	if err != nil {
		return 0, err
	}
	if parentID <= 0 {
		parentID = RootFolderID
	}

	var id int64
	err = r.db.Tx(ctx, func(tx *sql.Tx) error {
		parent, err := getFolder(ctx, tx, parentID)
		if err != nil {
			return err
		}
		if err := checkSiblingName(ctx, tx, parentID, name, 0); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO Folders (name, parent_id, path, created_at) VALUES (?, ?, ?, ?)`,
			name, parentID, parent.Path+"/"+name, r.timestamp())
		if err != nil {
			return storageErr("insert folder", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return storageErr("insert folder", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.log.Info("folder created", zap.Int64("folder_id", id), zap.String("name", name), zap.Int64("parent_id", parentID))
	return id, nil
}

// RenameFolder renames a folder and rewrites the path of every descendant,
// all in one transaction. The root cannot be renamed.
func (r *Repository) RenameFolder(ctx context.Context, id int64, newName string) error {
	newName, err := checkRename(id, newName)
	if err != nil {
		return err
	}

	var updated int
	err = r.db.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		updated, err = renameFolderTx(ctx, tx, id, newName)
		return err
	})
	if err != nil {
		return err
	}

	r.log.Info("folder renamed", zap.Int64("folder_id", id), zap.String("name", newName), zap.Int("descendants", updated))
	return nil
}

// MoveFolder reparents a folder. Moving the root, or moving a folder into
// itself or one of its descendants, is rejected.
func (r *Repository) MoveFolder(ctx context.Context, id, newParentID int64) error {
	newParentID, err := checkMove(id, newParentID)
	if err != nil {
		return err
	}

	err = r.db.Tx(ctx, func(tx *sql.Tx) error {
		return moveFolderTx(ctx, tx, id, newParentID)
	})
	if err != nil {
		return err
	}

	r.log.Info("folder moved", zap.Int64("folder_id", id), zap.Int64("parent_id", newParentID))
	return nil
}

// UpdateFolder applies a rename and a move together. Nil fields are left
// alone; if either step fails neither is kept.
func (r *Repository) UpdateFolder(ctx context.Context, id int64, name *string, parentID *int64) error {
	var newName string
	var newParentID int64
	var err error
	if name != nil {
		if newName, err = checkRename(id, *name); err != nil {
			return err
		}
	}
	if parentID != nil {
		if newParentID, err = checkMove(id, *parentID); err != nil {
			return err
		}
	}

	err = r.db.Tx(ctx, func(tx *sql.Tx) error {
		if name != nil {
			if _, err := renameFolderTx(ctx, tx, id, newName); err != nil {
				return err
			}
		}
		if parentID != nil {
			return moveFolderTx(ctx, tx, id, newParentID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info("folder updated", zap.Int64("folder_id", id), zap.Bool("renamed", name != nil), zap.Bool("moved", parentID != nil))
	return nil
}

func checkRename(id int64, newName string) (string, error) {
	if id <= RootFolderID {
		return "", invalidf("the root folder cannot be renamed")
	}
	return validateFolderName(newName)
}

// checkMove returns the normalized parent id.
func checkMove(id, newParentID int64) (int64, error) {
	if id <= RootFolderID {
		return 0, invalidf("the root folder cannot be moved")
	}
	if newParentID <= 0 {
		newParentID = RootFolderID
	}
	if newParentID == id {
		return 0, invalidf("folder %d cannot be its own parent", id)
	}
	return newParentID, nil
}

// renameFolderTx returns the number of descendant paths rewritten.
func renameFolderTx(ctx context.Context, tx *sql.Tx, id int64, newName string) (int, error) {
	folder, err := getFolder(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if folder.Name == newName {
		return 0, nil
	}
	if err := checkSiblingName(ctx, tx, folder.ParentID, newName, id); err != nil {
		return 0, err
	}
	if _, err := ancestorChain(ctx, tx, id); err != nil {
		return 0, err
	}

	// replace the trailing segment
	newPath := folder.Path[:strings.LastIndex(folder.Path, "/")+1] + newName
	if _, err := tx.ExecContext(ctx,
		`UPDATE Folders SET name = ?, path = ? WHERE folder_id = ?`, newName, newPath, id); err != nil {
		return 0, storageErr("rename folder", err)
	}
	return rewriteSubtreePaths(ctx, tx, id, newPath)
}

func moveFolderTx(ctx context.Context, tx *sql.Tx, id, newParentID int64) error {
	folder, err := getFolder(ctx, tx, id)
	if err != nil {
		return err
	}
	parent, err := getFolder(ctx, tx, newParentID)
	if err != nil {
		return err
	}

	chain, err := ancestorChain(ctx, tx, newParentID)
	if err != nil {
		return err
	}
	for _, ancestor := range chain {
		if ancestor == id {
			return invalidf("folder %d cannot be moved into its own subtree", id)
		}
	}
	if err := checkSiblingName(ctx, tx, newParentID, folder.Name, id); err != nil {
		return err
	}

	newPath := parent.Path + "/" + folder.Name
	if _, err := tx.ExecContext(ctx,
		`UPDATE Folders SET parent_id = ?, path = ? WHERE folder_id = ?`, newParentID, newPath, id); err != nil {
		return storageErr("move folder", err)
	}
	_, err = rewriteSubtreePaths(ctx, tx, id, newPath)
	return err
}

// DeleteFolder removes a folder, all of its descendant folders, and every
// note they own (with content blocks and annotations) in one transaction.
// Any failure leaves the tree untouched.
func (r *Repository) DeleteFolder(ctx context.Context, id int64) error {
	if id <= RootFolderID {
		return invalidf("the root folder cannot be deleted")
	}

	var folders, notes int
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := getFolder(ctx, tx, id); err != nil {
			return err
		}
		subtree, err := collectSubtree(ctx, tx, id)
		if err != nil {
			return err
		}

		// collectSubtree is breadth-first, so walking it backwards deletes
		// every child before its parent.
		for i := len(subtree) - 1; i >= 0; i-- {
			folderID := subtree[i]

			noteIDs, err := queryIDs(ctx, tx, `SELECT note_id FROM Notes WHERE folder_id = ?`, folderID)
			if err != nil {
				return storageErr("list folder notes", err)
			}
			for _, noteID := range noteIDs {
				if err := deleteNoteTx(ctx, tx, noteID); err != nil {
					return err
				}
			}
			notes += len(noteIDs)

			if _, err := tx.ExecContext(ctx, `DELETE FROM Folders WHERE folder_id = ?`, folderID); err != nil {
				return storageErr(fmt.Sprintf("delete folder %d", folderID), err)
			}
			folders++
		}
		return nil
	})
	if err != nil {
		r.log.Warn("folder delete rolled back", zap.Int64("folder_id", id), zap.Error(err))
		return err
	}

	r.log.Info("folder deleted", zap.Int64("folder_id", id), zap.Int("folders", folders), zap.Int("notes", notes))
	return nil
}

func queryIDs(ctx context.Context, q Querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
