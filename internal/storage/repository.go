package storage

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/logging"
)

func nowUTC() time.Time { return time.Now().UTC() }

// Repository implements folder, note, content, annotation, and media
// operations on top of an explicit DB handle.
type Repository struct {
	db       *DB
	mediaDir string
	log      *zap.Logger
	now      func() time.Time
}

// NewRepository creates a repository. mediaDir holds files referenced by
// ContentBlocks.media_path.
func NewRepository(db *DB, mediaDir string, log *zap.Logger) *Repository {
	return &Repository{
		db:       db,
		mediaDir: mediaDir,
		log:      logging.OrNop(log).Named("repository"),
		now:      nowUTC,
	}
}

// SetClock replaces the time source used for created_at/updated_at.
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// DB returns the handle the repository writes through.
func (r *Repository) DB() *DB {
	return r.db
}

// MediaDir returns the media directory.
func (r *Repository) MediaDir() string {
	return r.mediaDir
}

func (r *Repository) timestamp() string {
	return FormatTime(r.now())
}

// Stats counts rows in every table.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := r.db.Read(ctx, func(q Querier) error {
		row := q.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM Folders),
				(SELECT COUNT(*) FROM Notes WHERE is_trashed = 0),
				(SELECT COUNT(*) FROM Notes WHERE is_trashed = 1),
				(SELECT COUNT(*) FROM ContentBlocks),
				(SELECT COUNT(*) FROM Annotations)`)
		if err := row.Scan(&s.Folders, &s.Notes, &s.TrashedNotes, &s.Blocks, &s.Annotations); err != nil {
			return storageErr("stats", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func exists(ctx context.Context, q Querier, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
