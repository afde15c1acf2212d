// Package web serves the note store to a local UI as a JSON API.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/backup"
	"github.com/renderinc/notevault/internal/export"
	"github.com/renderinc/notevault/internal/importer"
	"github.com/renderinc/notevault/internal/jobs"
	"github.com/renderinc/notevault/internal/logging"
	"github.com/renderinc/notevault/internal/search"
	"github.com/renderinc/notevault/internal/storage"
)

// DefaultRetryDelay is how long a failed folder delete waits before its
// single retry.
const DefaultRetryDelay = 500 * time.Millisecond

// Deps are the engines the server exposes.
type Deps struct {
	Repo     *storage.Repository
	Search   *search.Engine
	Backup   *backup.Engine
	Export   *export.Engine
	Import   *importer.Engine
	Jobs     *jobs.Runner
	Log      *zap.Logger
	Version  string
	ExportTo string // default export root
}

type Server struct {
	repo       *storage.Repository
	search     *search.Engine
	backup     *backup.Engine
	export     *export.Engine
	importer   *importer.Engine
	jobs       *jobs.Runner
	log        *zap.Logger
	validate   *validator.Validate
	version    string
	exportTo   string
	retryDelay time.Duration

	deleteFolder func(ctx context.Context, id int64) error
}

func NewServer(d Deps) *Server {
	return &Server{
		repo:       d.Repo,
		search:     d.Search,
		backup:     d.Backup,
		export:     d.Export,
		importer:   d.Import,
		jobs:       d.Jobs,
		log:        logging.OrNop(d.Log).Named("web"),
		validate:   validator.New(),
		version:    d.Version,
		exportTo:   d.ExportTo,
		retryDelay: DefaultRetryDelay,

		deleteFolder: d.Repo.DeleteFolder,
	}
}

// SetRetryDelay changes the pause before a folder delete is retried.
func (s *Server) SetRetryDelay(d time.Duration) {
	s.retryDelay = d
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)

		r.Route("/folders", func(r chi.Router) {
			r.Get("/", s.handleListFolders)
			r.Post("/", s.handleCreateFolder)
			r.Get("/tree", s.handleFolderTree)
			r.Get("/{id}", s.handleGetFolder)
			r.Patch("/{id}", s.handleUpdateFolder)
			r.Delete("/{id}", s.handleDeleteFolder)
			r.Get("/{id}/notes", s.handleListNotes)
		})

		r.Route("/notes", func(r chi.Router) {
			r.Post("/", s.handleCreateNote)
			r.Get("/{id}", s.handleGetNote)
			r.Patch("/{id}", s.handleUpdateNote)
			r.Delete("/{id}", s.handleDeleteNote)
			r.Post("/{id}/trash", s.handleTrashNote)
			r.Post("/{id}/restore", s.handleRestoreNote)
			r.Get("/{id}/content", s.handleGetContent)
			r.Put("/{id}/content", s.handleSaveContent)
		})

		r.Get("/trash", s.handleListTrash)
		r.Delete("/trash", s.handleEmptyTrash)

		r.Get("/blocks/{id}/annotations", s.handleGetAnnotations)
		r.Put("/blocks/{id}/annotations", s.handleSaveAnnotations)

		r.Get("/search", s.handleSearch)

		r.Post("/media", s.handleImportMedia)
		r.Post("/media/cleanup", s.handleCleanMedia)

		r.Get("/backups", s.handleListBackups)
		r.Post("/backup", s.handleBackup)
		r.Post("/restore", s.handleRestore)
		r.Post("/export", s.handleExport)
		r.Post("/import", s.handleImport)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := s.repo.DB().Read(r.Context(), func(q storage.Querier) error {
		_, err := q.ExecContext(r.Context(), `SELECT 1`)
		return err
	}); err != nil {
		status = "unavailable"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": s.version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
