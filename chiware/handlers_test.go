package chiware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	audit "github.com/lexledger/auditchain"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// seededHandlers writes n entries one minute apart starting at base.
func seededHandlers(t *testing.T, n int) (*Handlers, *audit.MemoryRepository, []*audit.Entry) {
	t.Helper()
	repo := audit.NewMemoryRepository()
	now := base
	w := audit.NewWriter(repo, discardLogger(), audit.WithClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	}))

	var entries []*audit.Entry
	for i := range n {
		ev := audit.Event{
			EventType:     audit.EventDataRead,
			EventCategory: audit.CategoryDataAccess,
			Actor:         &audit.Actor{UserID: "u1"},
			Action:        "GET /v1/matters",
			Resource:      "matters",
			Network:       audit.NetworkContext{IPAddress: "10.0.0.1"},
		}
		if i%2 == 1 {
			ev.Actor = &audit.Actor{UserID: "u2"}
			ev.Success = audit.Bool(false)
		}
		e, err := w.Record(context.Background(), ev)
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		entries = append(entries, e)
	}

	h := NewHandlers(repo, audit.NewVerifier(repo, discardLogger(), nil), w, discardLogger())
	h.now = func() time.Time { return base.Add(time.Hour) }
	return h, repo, entries
}

func serve(h *Handlers, method, target string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp.Error
}

func TestHandlers_List(t *testing.T) {
	h, _, _ := seededHandlers(t, 5)

	rec := serve(h, http.MethodGet, "/?user_id=u1&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp ListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || len(resp.Items) != 2 || resp.Limit != 2 {
		t.Errorf("page = total %d, items %d, limit %d", resp.Total, len(resp.Items), resp.Limit)
	}
	for _, e := range resp.Items {
		if e.UserID() != "u1" {
			t.Errorf("unexpected user %q", e.UserID())
		}
	}
}

func TestHandlers_ListEmpty(t *testing.T) {
	h, _, _ := seededHandlers(t, 0)

	rec := serve(h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Errorf("expected empty items array, got %s", rec.Body)
	}
}

func TestHandlers_ListRejectsBadFilters(t *testing.T) {
	h, _, _ := seededHandlers(t, 1)

	for _, q := range []string{
		"event_type=Nope",
		"event_category=Other",
		"severity=Extreme",
		"success=maybe",
		"from=yesterday",
		"limit=0",
		"offset=-1",
	} {
		t.Run(q, func(t *testing.T) {
			rec := serve(h, http.MethodGet, "/?"+q, "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := decodeError(t, rec); got.Code != ErrCodeValidation {
				t.Errorf("code = %q", got.Code)
			}
		})
	}
}

func TestParseFilters(t *testing.T) {
	q := url.Values{
		"event_type": {"Login Failed"},
		"success":    {"false"},
		"from":       {"2025-03-01T00:00:00Z"},
		"limit":      {"10000"},
		"offset":     {"20"},
	}

	f, err := ParseFilters(q)
	if err != nil {
		t.Fatalf("ParseFilters: %v", err)
	}
	if f.EventType != audit.EventLoginFailed {
		t.Errorf("EventType = %q", f.EventType)
	}
	if f.Success == nil || *f.Success {
		t.Errorf("Success = %v", f.Success)
	}
	if f.From == nil || !f.From.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("From = %v", f.From)
	}
	if f.To != nil {
		t.Errorf("To = %v, want nil", f.To)
	}
	if f.Limit != maxListLimit || f.Offset != 20 {
		t.Errorf("Limit/Offset = %d/%d", f.Limit, f.Offset)
	}
}

func TestHandlers_Get(t *testing.T) {
	h, _, entries := seededHandlers(t, 2)

	rec := serve(h, http.MethodGet, "/"+entries[1].ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got audit.Entry
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != entries[1].ID || got.Checksum != entries[1].Checksum || got.PreviousChecksum != entries[0].Checksum {
		t.Errorf("entry = %+v", got)
	}

	rec = serve(h, http.MethodGet, "/does-not-exist", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != ErrCodeNotFound {
		t.Errorf("code = %q", got.Code)
	}
}

func TestHandlers_MutationsRejected(t *testing.T) {
	h, repo, entries := seededHandlers(t, 1)
	id := entries[0].ID

	for _, method := range []string{http.MethodPut, http.MethodPatch, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			rec := serve(h, method, "/"+id, `{"action":"edited"}`)
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("status = %d, want 405", rec.Code)
			}
			if got := decodeError(t, rec); got.Code != ErrCodeImmutable || !strings.Contains(got.Message, "immutable") {
				t.Errorf("error = %+v", got)
			}
		})
	}

	got, err := repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Action != entries[0].Action || repo.Len() != 1 {
		t.Error("entry changed after rejected mutations")
	}
}

func TestHandlers_Verify(t *testing.T) {
	h, _, entries := seededHandlers(t, 4)

	rec := serve(h, http.MethodGet, "/verify", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var sum audit.Summary
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Total != 4 || sum.Invalid != 0 || sum.Percentage != 100 {
		t.Errorf("summary = %+v", sum)
	}

	// Explicit window covering only the last two entries.
	from := entries[2].Timestamp.Format(time.RFC3339)
	to := entries[3].Timestamp.Format(time.RFC3339)
	rec = serve(h, http.MethodGet, "/verify?from="+from+"&to="+to, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	sum = audit.Summary{}
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Total != 2 {
		t.Errorf("Total = %d, want 2", sum.Total)
	}
}

func TestHandlers_VerifyBadWindow(t *testing.T) {
	h, _, _ := seededHandlers(t, 1)

	tests := []struct {
		name  string
		query string
	}{
		{"bad from", "from=nope"},
		{"bad to", "to=nope"},
		{"inverted", "from=2025-03-02T00:00:00Z&to=2025-03-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, http.MethodGet, "/verify?"+tt.query, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

type brokenRepo struct{ audit.Repository }

func (brokenRepo) List(context.Context, audit.Filters) ([]audit.Entry, int, error) {
	return nil, 0, errors.New("connection refused")
}

func (brokenRepo) GetByID(context.Context, string) (*audit.Entry, error) {
	return nil, errors.New("connection refused")
}

func (brokenRepo) Range(context.Context, time.Time, time.Time) iter.Seq2[audit.Entry, error] {
	return func(yield func(audit.Entry, error) bool) {
		yield(audit.Entry{}, errors.New("connection refused"))
	}
}

func TestHandlers_StorageErrors(t *testing.T) {
	repo := brokenRepo{}
	h := NewHandlers(repo, audit.NewVerifier(repo, discardLogger(), nil), &mockRecorder{}, discardLogger())

	for _, target := range []string{"/", "/some-id", "/verify"} {
		t.Run(target, func(t *testing.T) {
			rec := serve(h, http.MethodGet, target, "")
			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if got := decodeError(t, rec); got.Code != ErrCodeInternal {
				t.Errorf("code = %q", got.Code)
			}
		})
	}
}

func TestHandlers_Create(t *testing.T) {
	h, repo, entries := seededHandlers(t, 2)

	body := `{
		"eventType": "Data Update",
		"eventCategory": "Data Access",
		"actor": {"userId": "u7", "username": "dana", "userRole": "associate"},
		"action": "update matter status",
		"resource": "matters",
		"resourceId": "m-42",
		"changes": {"before": {"status": "open"}, "after": {"status": "closed"}, "fields": ["status"]},
		"networkContext": {"ipAddress": "10.0.0.7"}
	}`
	rec := serve(h, http.MethodPost, "/events", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var e audit.Entry
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.ID == "" || e.UserID() != "u7" || e.ResourceID != "m-42" || !e.Success {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.PreviousChecksum != entries[1].Checksum {
		t.Errorf("previous checksum = %q, want tail %q", e.PreviousChecksum, entries[1].Checksum)
	}
	if repo.Len() != 3 {
		t.Errorf("repository has %d entries, want 3", repo.Len())
	}

	sum, err := h.verifier.Summarize(context.Background(), base, e.Timestamp)
	if err != nil || sum.Total != 3 || sum.Invalid != 0 {
		t.Errorf("Summarize = %+v, %v", sum, err)
	}
}

func TestHandlers_CreateFillsRequestInfo(t *testing.T) {
	h, _, _ := seededHandlers(t, 0)

	body := `{"eventType": "Login", "eventCategory": "Authentication", "actor": {"userId": "u1"}, "action": "login"}`
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req = req.WithContext(audit.WithInfo(req.Context(), audit.Info{IP: "192.0.2.10", CorrelationID: "corr-1"}))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var e audit.Entry
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Network.IPAddress != "192.0.2.10" || e.CorrelationID != "corr-1" {
		t.Errorf("request info not applied: ip %q, correlation %q", e.Network.IPAddress, e.CorrelationID)
	}
}

func TestHandlers_CreateRejected(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		recErr     error
		wantStatus int
		wantCode   string
	}{
		{"malformed json", `{"action":`, nil, http.StatusBadRequest, ErrCodeValidation},
		{"missing ip", `{"eventType": "Login", "eventCategory": "Authentication", "action": "login"}`, nil, http.StatusBadRequest, ErrCodeValidation},
		{"unknown event type", `{"eventType": "Teleport", "eventCategory": "Authentication", "action": "x", "networkContext": {"ipAddress": "10.0.0.1"}}`, nil, http.StatusBadRequest, ErrCodeValidation},
		{"storage down", `{"eventType": "Login", "eventCategory": "Authentication", "action": "login", "networkContext": {"ipAddress": "10.0.0.1"}}`, fmt.Errorf("%w: connection refused", audit.ErrStorage), http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"unexpected failure", `{"eventType": "Login", "eventCategory": "Authentication", "action": "login", "networkContext": {"ipAddress": "10.0.0.1"}}`, errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, repo, _ := seededHandlers(t, 0)
			if tt.recErr != nil {
				h.rec = &mockRecorder{err: tt.recErr}
			}

			rec := serve(h, http.MethodPost, "/events", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if got := decodeError(t, rec); got.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", got.Code, tt.wantCode)
			}
			if repo.Len() != 0 {
				t.Errorf("repository has %d entries, want 0", repo.Len())
			}
		})
	}
}
