package chiware

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	audit "github.com/lexledger/auditchain"
)

const (
	defaultListLimit    = 50
	maxListLimit        = 500
	defaultVerifyWindow = 24 * time.Hour
	maxEventBodyBytes   = 1 << 20
)

// Error codes returned in ErrorResponse.
const (
	ErrCodeValidation  = "validation_error"
	ErrCodeNotFound    = "not_found"
	ErrCodeImmutable   = "immutable"
	ErrCodeUnavailable = "storage_unavailable"
	ErrCodeInternal    = "internal_error"
)

// ErrorResponse is the JSON body of every error reply:
// {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListResponse is one page of audit entries.
type ListResponse struct {
	Items  []audit.Entry `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// Handlers serves the audit ingestion, query and compliance endpoints.
type Handlers struct {
	repo     audit.Repository
	verifier *audit.Verifier
	rec      audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandlers creates Handlers reading from repo and recording through rec.
func NewHandlers(repo audit.Repository, verifier *audit.Verifier, rec audit.Recorder, logger *slog.Logger) *Handlers {
	return &Handlers{
		repo:     repo,
		verifier: verifier,
		rec:      rec,
		logger:   logger,
		now:      time.Now,
	}
}

// Routes returns a router meant to be mounted at /v1/audit.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/events", h.Create)
	r.Get("/verify", h.Verify)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Mutate)
	r.Patch("/{id}", h.Mutate)
	r.Delete("/{id}", h.Mutate)
	return r
}

// List handles GET /v1/audit.
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	f, err := ParseFilters(r.URL.Query())
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	items, total, err := h.repo.List(r.Context(), f)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "listing audit entries", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to list audit entries")
		return
	}
	if items == nil {
		items = []audit.Entry{}
	}

	h.writeJSON(w, r, http.StatusOK, ListResponse{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// Create handles POST /v1/audit/events. Fields the body leaves empty are
// filled from the request's audit.Info.
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var ev audit.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodyBytes)).Decode(&ev); err != nil {
		h.writeError(w, r, http.StatusBadRequest, ErrCodeValidation, "request body must be a JSON audit event")
		return
	}

	e, err := h.rec.Record(r.Context(), ev)
	switch {
	case err == nil:
		h.writeJSON(w, r, http.StatusCreated, e)
	case errors.Is(err, audit.ErrValidation):
		h.writeError(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, audit.ErrStorage):
		h.logger.ErrorContext(r.Context(), "recording audit event", "error", err)
		h.writeError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit storage is unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "recording audit event", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to record audit event")
	}
}

// Verify handles GET /v1/audit/verify.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := h.now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, ErrCodeValidation, "to must be an RFC3339 timestamp")
			return
		}
		to = t
	}
	from := to.Add(-defaultVerifyWindow)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, ErrCodeValidation, "from must be an RFC3339 timestamp")
			return
		}
		from = t
	}
	if from.After(to) {
		h.writeError(w, r, http.StatusBadRequest, ErrCodeValidation, "from must not be after to")
		return
	}

	sum, err := h.verifier.Summarize(r.Context(), from, to)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "verifying audit chain", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to verify audit chain")
		return
	}

	h.writeJSON(w, r, http.StatusOK, sum)
}

// Get handles GET /v1/audit/{id}.
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.repo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, audit.ErrNotFound) {
		h.writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "audit entry not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "fetching audit entry", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to fetch audit entry")
		return
	}

	h.writeJSON(w, r, http.StatusOK, e)
}

// Mutate handles PUT, PATCH and DELETE on /v1/audit/{id}. The repository
// always refuses, so the reply is always 405.
func (h *Handlers) Mutate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var err error
	if r.Method == http.MethodDelete {
		err = h.repo.Delete(r.Context(), id)
	} else {
		err = h.repo.Update(r.Context(), id, nil)
	}

	h.logger.WarnContext(r.Context(), "audit entry mutation rejected", "log_id", id, "method", r.Method)
	if err == nil || errors.Is(err, audit.ErrImmutable) {
		h.writeError(w, r, http.StatusMethodNotAllowed, ErrCodeImmutable, "audit logs are immutable and cannot be modified or deleted")
		return
	}
	h.writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "unexpected mutation result")
}

// ParseFilters reads list filters from query parameters.
func ParseFilters(q url.Values) (audit.Filters, error) {
	f := audit.Filters{
		EventType:     audit.EventType(q.Get("event_type")),
		EventCategory: audit.Category(q.Get("event_category")),
		UserID:        q.Get("user_id"),
		Severity:      audit.Severity(q.Get("severity")),
		Resource:      q.Get("resource"),
		Limit:         defaultListLimit,
	}

	if f.EventType != "" && !f.EventType.IsValid() {
		return f, fmt.Errorf("unknown event_type %q", f.EventType)
	}
	if f.EventCategory != "" && !f.EventCategory.IsValid() {
		return f, fmt.Errorf("unknown event_category %q", f.EventCategory)
	}
	if f.Severity != "" && !f.Severity.IsValid() {
		return f, fmt.Errorf("unknown severity %q", f.Severity)
	}

	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("success must be a boolean")
		}
		f.Success = &b
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s must be an RFC3339 timestamp", name)
			}
			*dst = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("offset must be a non-negative integer")
		}
		f.Offset = n
	}

	return f, nil
}

func (h *Handlers) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, r, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}
