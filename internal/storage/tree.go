package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type folderRef struct {
	id   int64
	name string
}

func childFolders(ctx context.Context, q Querier, parentID int64) ([]folderRef, error) {
	rows, err := q.QueryContext(ctx, `SELECT folder_id, name FROM Folders WHERE parent_id = ?`, parentID)
	if err != nil {
		return nil, storageErr("list child folders", err)
	}
	defer rows.Close()

	var refs []folderRef
	for rows.Next() {
		var ref folderRef
		if err := rows.Scan(&ref.id, &ref.name); err != nil {
			return nil, storageErr("scan child folder", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list child folders", err)
	}
	return refs, nil
}

// ancestorChain walks parent links from id up to the root and returns the
// ids visited, id first. A cycle or a dangling parent is an integrity error.
func ancestorChain(ctx context.Context, q Querier, id int64) ([]int64, error) {
	var chain []int64
	seen := make(map[int64]bool)

	for cur := id; ; {
		if seen[cur] {
			return nil, fmt.Errorf("%w: folder cycle through %d", ErrIntegrity, cur)
		}
		seen[cur] = true
		chain = append(chain, cur)
		if cur == RootFolderID {
			return chain, nil
		}

		var parent int64
		err := q.QueryRowContext(ctx, `SELECT parent_id FROM Folders WHERE folder_id = ?`, cur).Scan(&parent)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: folder %d does not exist", ErrIntegrity, cur)
		}
		if err != nil {
			return nil, storageErr("walk ancestors", err)
		}
		if parent <= 0 {
			return nil, fmt.Errorf("%w: folder %d is detached from the root", ErrIntegrity, cur)
		}
		cur = parent
	}
}

// collectSubtree returns rootID and all of its descendants, breadth-first.
func collectSubtree(ctx context.Context, q Querier, rootID int64) ([]int64, error) {
	ids := []int64{rootID}
	seen := map[int64]bool{rootID: true}

	for i := 0; i < len(ids); i++ {
		children, err := childFolders(ctx, q, ids[i])
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if seen[child.id] {
				return nil, fmt.Errorf("%w: folder cycle through %d", ErrIntegrity, child.id)
			}
			seen[child.id] = true
			ids = append(ids, child.id)
		}
	}
	return ids, nil
}

// rewriteSubtreePaths recomputes the path of every descendant of rootID,
// given rootID's new path, and returns how many rows changed.
func rewriteSubtreePaths(ctx context.Context, tx *sql.Tx, rootID int64, rootPath string) (int, error) {
	type item struct {
		id   int64
		path string
	}

	queue := []item{{rootID, rootPath}}
	seen := map[int64]bool{rootID: true}
	updated := 0

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		children, err := childFolders(ctx, tx, cur.id)
		if err != nil {
			return 0, err
		}
		for _, child := range children {
			if seen[child.id] {
				return 0, fmt.Errorf("%w: folder cycle through %d", ErrIntegrity, child.id)
			}
			seen[child.id] = true

			path := cur.path + "/" + child.name
			if _, err := tx.ExecContext(ctx, `UPDATE Folders SET path = ? WHERE folder_id = ?`, path, child.id); err != nil {
				return 0, storageErr(fmt.Sprintf("rewrite path of folder %d", child.id), err)
			}
			updated++
			queue = append(queue, item{child.id, path})
		}
	}
	return updated, nil
}

// VerifyTree checks the folder invariants: the root exists with the fixed
// path, every other folder has an existing parent, paths match the name
// chain, and there are no cycles.
func (r *Repository) VerifyTree(ctx context.Context) error {
	folders, err := r.ListAllFolders(ctx)
	if err != nil {
		return err
	}

	byID := make(map[int64]*Folder, len(folders))
	for _, f := range folders {
		byID[f.ID] = f
	}

	var problems []string
	root, ok := byID[RootFolderID]
	switch {
	case !ok:
		problems = append(problems, "root folder is missing")
	case root.Path != RootPath:
		problems = append(problems, fmt.Sprintf("root path is %q", root.Path))
	}

	for _, f := range folders {
		if f.ID == RootFolderID {
			continue
		}
		parent, ok := byID[f.ParentID]
		if !ok {
			problems = append(problems, fmt.Sprintf("folder %d has missing parent %d", f.ID, f.ParentID))
			continue
		}
		if want := parent.Path + "/" + f.Name; f.Path != want {
			problems = append(problems, fmt.Sprintf("folder %d path is %q, want %q", f.ID, f.Path, want))
		}

		// walk up; more steps than folders means a cycle
		cur, steps := f, 0
		for cur.ID != RootFolderID && steps <= len(folders) {
			next, ok := byID[cur.ParentID]
			if !ok {
				break
			}
			cur = next
			steps++
		}
		if steps > len(folders) {
			problems = append(problems, fmt.Sprintf("folder %d is part of a cycle", f.ID))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrIntegrity, strings.Join(problems, "; "))
	}
	return nil
}
