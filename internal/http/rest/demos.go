package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"

	"github.com/italolelis/cs2_demo_downloader/internal/demos"
	"github.com/italolelis/cs2_demo_downloader/internal/logctx"
	"github.com/italolelis/cs2_demo_downloader/internal/storage"
)

const maxRequestBody = 64 * 1024

// DemoService is what the API needs from the demos package.
type DemoService interface {
	Submit(ctx context.Context, sharecode string) (*storage.Job, error)
	Get(ctx context.Context, id string) (*storage.Job, error)
	List(ctx context.Context, f demos.Filter) ([]*storage.Job, error)
	Stats(ctx context.Context) (demos.Stats, error)
	Open(ctx context.Context, id string) (afero.File, *storage.Job, error)
	Delete(ctx context.Context, id string) error
}

// Demo is the API representation of a job. FileSize is a string so 64-bit
// sizes survive JSON consumers that only have doubles.
type Demo struct {
	ID           string           `json:"id"`
	Sharecode    string           `json:"sharecode"`
	Status       storage.Status   `json:"status"`
	MatchID      *string          `json:"matchId"`
	MatchDate    *time.Time       `json:"matchDate"`
	DemoURL      *string          `json:"demoUrl"`
	Duration     *int32           `json:"duration"`
	Score        *string          `json:"score"`
	GameType     *uint32          `json:"gameType"`
	Players      []storage.Player `json:"players"`
	FilePath     *string          `json:"filePath"`
	FileSize     *string          `json:"fileSize"`
	Error        *string          `json:"error"`
	DownloadedAt *time.Time       `json:"downloadedAt"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

func NewDemo(job *storage.Job) Demo {
	d := Demo{
		ID:           job.ID,
		Sharecode:    job.Sharecode,
		Status:       job.Status,
		MatchID:      optional(job.MatchID),
		MatchDate:    job.MatchDate,
		DemoURL:      optional(job.DemoURL),
		Score:        optional(job.Score),
		Players:      job.Players,
		FilePath:     optional(job.FilePath),
		Error:        optional(job.Error),
		DownloadedAt: job.DownloadedAt,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}

	if job.MatchID != "" {
		d.Duration = &job.Duration
		d.GameType = &job.GameType
	}

	if job.FilePath != "" {
		size := strconv.FormatInt(job.FileSize, 10)
		d.FileSize = &size
	}

	return d
}

type DemoHandler struct {
	svc DemoService
}

func NewDemoHandler(svc DemoService) *DemoHandler {
	return &DemoHandler{svc: svc}
}

func (h *DemoHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/", h.HandleCreate)
	r.Get("/", h.HandleList)
	r.Get("/stats", h.HandleStats)
	r.Get("/{id}", h.HandleGet)
	r.Get("/{id}/file", h.HandleFile)
	r.Delete("/{id}", h.HandleDelete)

	return r
}

type createRequest struct {
	Sharecode string `json:"sharecode"`
}

func (h *DemoHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, r, &demos.ValidationError{Message: "invalid request body"})

		return
	}

	if req.Sharecode == "" {
		writeError(w, r, &demos.ValidationError{Message: "sharecode is required"})

		return
	}

	job, err := h.svc.Submit(r.Context(), req.Sharecode)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusCreated, NewDemo(job))
}

type listResponse struct {
	Demos []Demo `json:"demos"`
	Count int    `json:"count"`
}

func (h *DemoHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// Unparseable numbers fall back to the defaults.
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	jobs, err := h.svc.List(r.Context(), demos.Filter{
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, r, err)

		return
	}

	resp := listResponse{Demos: make([]Demo, 0, len(jobs)), Count: len(jobs)}
	for _, job := range jobs {
		resp.Demos = append(resp.Demos, NewDemo(job))
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *DemoHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, stats)
}

func (h *DemoHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, NewDemo(job))
}

func (h *DemoHandler) HandleFile(w http.ResponseWriter, r *http.Request) {
	f, job, err := h.svc.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}
	defer f.Close()

	name := "demo.dem.bz2"
	if job.MatchID != "" {
		name = job.MatchID + ".dem.bz2"
	}

	var modTime time.Time
	if job.DownloadedAt != nil {
		modTime = *job.DownloadedAt
	}

	w.Header().Set("Content-Type", "application/x-bzip2")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)

	http.ServeContent(w, r, name, modTime, f)
}

func (h *DemoHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]bool{"success": true})
}

// HandleHealth reports liveness.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleNotFound answers unknown routes with a JSON body.
func HandleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "not found"})
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps client errors to their status codes. Anything else is logged
// and hidden behind a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *demos.ValidationError
		conflictErr   *demos.ConflictError
		notFoundErr   *demos.NotFoundError
	)

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &conflictErr):
		writeJSON(w, r, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &notFoundErr):
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		logctx.LoggerFromContext(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
