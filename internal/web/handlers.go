package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/backup"
	"github.com/renderinc/notevault/internal/export"
	"github.com/renderinc/notevault/internal/importer"
	"github.com/renderinc/notevault/internal/jobs"
	"github.com/renderinc/notevault/internal/search"
	"github.com/renderinc/notevault/internal/storage"
)

// Folders

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.repo.ListFolders(r.Context(), queryInt(r, "parent", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, folders)
}

func (s *Server) handleFolderTree(w http.ResponseWriter, r *http.Request) {
	folders, err := s.repo.ListAllFolders(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, folders)
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	folder, err := s.repo.GetFolder(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

type createFolderRequest struct {
	Name     string `json:"name" validate:"required"`
	ParentID int64  `json:"parent_id" validate:"gte=0"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.repo.CreateFolder(r.Context(), req.Name, req.ParentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	folder, err := s.repo.GetFolder(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

type updateFolderRequest struct {
	Name     *string `json:"name" validate:"omitempty,min=1"`
	ParentID *int64  `json:"parent_id" validate:"omitempty,gte=0"`
}

func (s *Server) handleUpdateFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req updateFolderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.repo.UpdateFolder(r.Context(), id, req.Name, req.ParentID); err != nil {
		s.fail(w, r, err)
		return
	}
	folder, err := s.repo.GetFolder(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

// handleDeleteFolder retries a failed storage-level delete exactly once
// after a short pause before reporting the error.
func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	err := s.deleteFolder(r.Context(), id)
	if err != nil && statusFor(err) == http.StatusInternalServerError {
		s.log.Warn("folder delete failed, retrying", zap.Int64("folder_id", id), zap.Error(err))
		select {
		case <-time.After(s.retryDelay):
			err = s.deleteFolder(r.Context(), id)
		case <-r.Context().Done():
			err = errors.Join(err, r.Context().Err())
		}
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	notes, err := s.repo.ListNotes(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// Notes

type createNoteRequest struct {
	Title    string `json:"title" validate:"required"`
	FolderID int64  `json:"folder_id" validate:"gte=0"`
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var req createNoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.repo.CreateNote(r.Context(), req.Title, req.FolderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	note, err := s.repo.GetNote(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	note, err := s.repo.GetNote(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

type updateNoteRequest struct {
	Title    *string `json:"title" validate:"omitempty,min=1"`
	Tags     *string `json:"tags"`
	FolderID *int64  `json:"folder_id" validate:"omitempty,gte=0"`
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req updateNoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := s.repo.UpdateNote(ctx, id, req.Title, req.Tags, req.FolderID); err != nil {
		s.fail(w, r, err)
		return
	}
	note, err := s.repo.GetNote(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.repo.DeleteNote(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrashNote(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.repo.MoveNoteToTrash(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestoreNote(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.repo.RestoreNoteFromTrash(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	note, err := s.repo.GetNote(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleListTrash(w http.ResponseWriter, r *http.Request) {
	notes, err := s.repo.ListTrashedNotes(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) handleEmptyTrash(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.EmptyTrash(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// Content

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	blocks, err := s.repo.GetNoteContent(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if blocks == nil {
		blocks = []storage.ContentBlock{}
	}
	writeJSON(w, http.StatusOK, blocks)
}

type saveContentRequest struct {
	Blocks []storage.ContentBlock `json:"blocks"`
}

func (s *Server) handleSaveContent(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req saveContentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.repo.SaveNoteContent(r.Context(), id, req.Blocks); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleGetContent(w, r)
}

func (s *Server) handleGetAnnotations(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	anns, err := s.repo.GetImageAnnotations(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if anns == nil {
		anns = []storage.Annotation{}
	}
	writeJSON(w, http.StatusOK, anns)
}

type saveAnnotationsRequest struct {
	Annotations []storage.Annotation `json:"annotations"`
}

func (s *Server) handleSaveAnnotations(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var req saveAnnotationsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.repo.SaveImageAnnotations(r.Context(), id, req.Annotations); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleGetAnnotations(w, r)
}

// Search

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := search.Query{
		Keyword:     q.Get("q"),
		Date:        search.DateFilter(q.Get("date")),
		ContentType: search.ContentType(q.Get("type")),
		Sort:        search.SortOrder(q.Get("sort")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		query.Limit = limit
	}

	results, err := s.search.Search(r.Context(), query)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query.Keyword,
		"count":   len(results),
		"results": results,
	})
}

// Media

type importMediaRequest struct {
	Path string `json:"path" validate:"required"`
}

func (s *Server) handleImportMedia(w http.ResponseWriter, r *http.Request) {
	var req importMediaRequest
	if !s.decode(w, r, &req) {
		return
	}
	name, err := s.repo.ImportImageToMedia(r.Context(), req.Path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"media_path": name})
}

func (s *Server) handleCleanMedia(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.CleanUnusedMediaFiles(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// Backup, restore, export, import

// BackupResult is the result of a finished backup job.
type BackupResult struct {
	*backup.Report
	Success bool     `json:"success"`
	Caveats []string `json:"caveats,omitempty"`
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	snaps, err := backup.List(s.backup.Root())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []backup.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

type backupRequest struct {
	Dest string `json:"dest"`
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "backup", func(ctx context.Context, progress jobs.Progress) (any, error) {
		progress(0, 1, "copying database and media")
		report, err := s.backup.Backup(ctx, req.Dest)
		if report == nil {
			return nil, err
		}
		progress(1, 1, report.Dir)
		return BackupResult{Report: report, Success: report.Success(), Caveats: report.Caveats()}, err
	})
}

type restoreRequest struct {
	Snapshot string `json:"snapshot" validate:"required"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "restore", func(ctx context.Context, progress jobs.Progress) (any, error) {
		progress(0, 1, "restoring "+req.Snapshot)
		report, err := s.backup.Restore(ctx, req.Snapshot)
		if report == nil {
			return nil, err
		}
		progress(1, 1, "restore finished")
		return report, err
	})
}

type exportRequest struct {
	Dest   string `json:"dest"`
	Format string `json:"format" validate:"required,oneof=markdown md html htm"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !s.decode(w, r, &req) {
		return
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	dest := req.Dest
	if dest == "" {
		dest = s.exportTo
	}
	s.submit(w, r, "export", func(ctx context.Context, progress jobs.Progress) (any, error) {
		progress(0, 1, "exporting to "+dest)
		report, err := s.export.Export(ctx, dest, format)
		if report == nil {
			return nil, err
		}
		progress(report.Count, report.Count+len(report.Failed), report.Dir)
		return report, err
	})
}

type importRequest struct {
	Source   string `json:"source" validate:"required"`
	FolderID int64  `json:"folder_id" validate:"gte=0"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, "import", func(ctx context.Context, progress jobs.Progress) (any, error) {
		report, err := s.importer.Import(ctx, req.Source, importer.Options{
			FolderID: req.FolderID,
			Progress: func(done, total int) { progress(done, total, "importing files") },
		})
		if report == nil {
			return nil, err
		}
		return report, err
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind string, fn jobs.Func) {
	id, err := s.jobs.Submit(kind, fn)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	job, _ := s.jobs.Get(id)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.List())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
