package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mkarlsson/budgetsync/internal/api/middleware"
	"github.com/mkarlsson/budgetsync/internal/domain"
	"github.com/mkarlsson/budgetsync/internal/ingest"
	"github.com/mkarlsson/budgetsync/internal/jobs"
	"github.com/mkarlsson/budgetsync/internal/storage"
	"github.com/mkarlsson/budgetsync/internal/syncer"
)

// maxSIEUpload bounds the accepted SIE payload. Real exports are a few
// megabytes at most.
const maxSIEUpload = 32 << 20

// SIEImporter runs the file import pipeline. Satisfied by ingest.Importer.
type SIEImporter interface {
	Import(ctx context.Context, company string, raw []byte) (*ingest.Result, error)
}

// SyncEngine runs voucher syncs. Satisfied by syncer.Engine.
type SyncEngine interface {
	SyncRange(ctx context.Context, req syncer.Request) (*syncer.Result, error)
}

// Connector handles the OAuth consent flow. Satisfied by fortnox.Manager.
type Connector interface {
	AuthorizeURL(state string) string
	Exchange(ctx context.Context, code, company, userID string) error
}

// SIEHandler handles SIE file imports.
type SIEHandler struct {
	importer SIEImporter
	log      zerolog.Logger
}

// NewSIEHandler creates a new SIE import handler.
func NewSIEHandler(importer SIEImporter, log zerolog.Logger) *SIEHandler {
	return &SIEHandler{importer: importer, log: log}
}

// Import handles POST /api/sie/import
func (h *SIEHandler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSIEUpload)

	var req struct {
		Company    string `json:"company"`
		SIEContent string `json:"sie_content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Company == "" {
		middleware.WriteError(w, http.StatusBadRequest, "company is required")
		return
	}
	if req.SIEContent == "" {
		middleware.WriteError(w, http.StatusBadRequest, "sie_content is required")
		return
	}

	res, err := h.importer.Import(r.Context(), req.Company, []byte(req.SIEContent))
	if err != nil {
		h.log.Error().Err(err).Str("company", req.Company).Msg("SIE import failed")
		middleware.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, res)
}

// SyncHandler handles Fortnox sync requests.
type SyncHandler struct {
	engine    SyncEngine
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(engine SyncEngine, publisher jobs.Publisher, log zerolog.Logger) *SyncHandler {
	return &SyncHandler{engine: engine, publisher: publisher, log: log}
}

// Sync handles POST /api/sync. A single year runs synchronously; a year
// range is enqueued as an import job.
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Company   string `json:"company"`
		UserID    string `json:"user_id"`
		Year      int    `json:"year"`
		StartYear int    `json:"start_year"`
		EndYear   int    `json:"end_year"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Company == "" {
		middleware.WriteError(w, http.StatusBadRequest, "company is required")
		return
	}
	if req.UserID == "" {
		req.UserID = "default"
	}

	switch {
	case req.Year != 0:
		h.syncYear(w, r, req.Company, req.UserID, req.Year)
	case req.StartYear != 0 && req.EndYear != 0:
		h.enqueueRange(w, r, req.Company, req.UserID, req.StartYear, req.EndYear)
	default:
		middleware.WriteError(w, http.StatusBadRequest, "year or start_year/end_year is required")
	}
}

func (h *SyncHandler) syncYear(w http.ResponseWriter, r *http.Request, company, userID string, year int) {
	if !validYear(year) {
		middleware.WriteError(w, http.StatusBadRequest, "year is out of range")
		return
	}

	res, err := h.engine.SyncRange(r.Context(), syncer.Request{
		UserID:    userID,
		Company:   company,
		StartYear: year,
		EndYear:   year,
	})
	if err != nil {
		h.log.Error().Err(err).Str("company", company).Int("year", year).Msg("Sync failed")
		middleware.WriteError(w, syncStatus(err), err.Error())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"company":        company,
		"year":           year,
		"stats":          res.Stats,
		"months_skipped": res.MonthsSkipped,
	})
}

func (h *SyncHandler) enqueueRange(w http.ResponseWriter, r *http.Request, company, userID string, startYear, endYear int) {
	if !validYear(startYear) || !validYear(endYear) || startYear > endYear {
		middleware.WriteError(w, http.StatusBadRequest, "invalid year range")
		return
	}

	job := &jobs.ImportJob{
		UserID:    userID,
		Company:   company,
		StartYear: startYear,
		EndYear:   endYear,
	}
	if err := h.publisher.Publish(r.Context(), job); err != nil {
		h.log.Error().Err(err).Str("company", company).Msg("Failed to enqueue sync job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue sync job")
		return
	}

	h.log.Info().
		Str("job_id", job.ID).
		Str("company", company).
		Int("start_year", startYear).
		Int("end_year", endYear).
		Msg("Sync job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(jobs.StatusQueued),
	})
}

// syncStatus maps sync failures onto HTTP statuses. Connection problems are
// the caller's to fix; everything else is a server-side failure.
func syncStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionExpired), errors.Is(err, domain.ErrRefreshFailed):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func validYear(year int) bool {
	return year >= 2000 && year <= 2100
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.Store
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.Store, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{store: store, log: log}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.Filter{
		Company: query.Get("company"),
		Status:  jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// SummariesHandler serves stored monthly summaries.
type SummariesHandler struct {
	repo storage.SummaryRepository
	log  zerolog.Logger
}

// NewSummariesHandler creates a new summaries handler.
func NewSummariesHandler(repo storage.SummaryRepository, log zerolog.Logger) *SummariesHandler {
	return &SummariesHandler{repo: repo, log: log}
}

// ListSummaries handles GET /api/summaries?company=&year=
func (h *SummariesHandler) ListSummaries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	company := query.Get("company")
	if company == "" {
		middleware.WriteError(w, http.StatusBadRequest, "company is required")
		return
	}
	year, err := strconv.Atoi(query.Get("year"))
	if err != nil || !validYear(year) {
		middleware.WriteError(w, http.StatusBadRequest, "year is required")
		return
	}

	summaries, err := h.repo.ListSummaries(r.Context(), company, year)
	if err != nil {
		h.log.Error().Err(err).Str("company", company).Int("year", year).Msg("Failed to list summaries")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list summaries")
		return
	}

	if summaries == nil {
		summaries = []*domain.MonthlySummary{}
	}
	middleware.WriteJSON(w, http.StatusOK, summaries)
}

// FortnoxHandler completes the OAuth connection flow.
type FortnoxHandler struct {
	connector Connector
	log       zerolog.Logger
}

// NewFortnoxHandler creates a new Fortnox connection handler.
func NewFortnoxHandler(connector Connector, log zerolog.Logger) *FortnoxHandler {
	return &FortnoxHandler{connector: connector, log: log}
}

// Connect handles GET /api/fortnox/connect?company=&user_id=
func (h *FortnoxHandler) Connect(w http.ResponseWriter, r *http.Request) {
	company := r.URL.Query().Get("company")
	userID := r.URL.Query().Get("user_id")
	if company == "" || userID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "company and user_id are required")
		return
	}

	state := encodeState(company, userID)
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"authorize_url": h.connector.AuthorizeURL(state),
	})
}

// Callback handles GET /api/fortnox/callback?code=&state=
func (h *FortnoxHandler) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" {
		middleware.WriteError(w, http.StatusBadRequest, "code is required")
		return
	}

	company, userID, err := decodeState(state)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid state")
		return
	}

	if err := h.connector.Exchange(r.Context(), code, company, userID); err != nil {
		h.log.Error().Err(err).Str("company", company).Msg("Code exchange failed")
		middleware.WriteError(w, http.StatusBadGateway, "Code exchange failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "connected",
		"company": company,
		"user_id": userID,
	})
}

// encodeState round-trips (company, userID) through the OAuth state
// parameter. The separator cannot occur in the escaped fields.
func encodeState(company, userID string) string {
	return url.QueryEscape(company) + "|" + url.QueryEscape(userID)
}

func decodeState(state string) (company, userID string, err error) {
	parts := strings.SplitN(state, "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed state %q", state)
	}
	company, err = url.QueryUnescape(parts[0])
	if err != nil {
		return "", "", err
	}
	userID, err = url.QueryUnescape(parts[1])
	if err != nil {
		return "", "", err
	}
	if company == "" || userID == "" {
		return "", "", fmt.Errorf("empty state fields")
	}
	return company, userID, nil
}
