// Package chiware provides chi-compatible audit middleware, with a
// fixed-size worker pool for asynchronous recording, and the HTTP handlers
// of the audit query and compliance surface.
package chiware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	audit "github.com/lexledger/auditchain"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	recordTimeout    = 5 * time.Second
)

// UserInfo carries the authenticated user identity extracted by the host application.
type UserInfo struct {
	UserID   string
	Username string
	UserRole string
}

// UserExtractor is a function that retrieves the current user from the
// request context. Each host application injects its own implementation.
type UserExtractor func(context.Context) *UserInfo

// AuditMiddleware attaches audit.Info to every request context and records a
// Data Access event for every authenticated request.
//
// Recording is asynchronous: the request never waits for the audit write.
// Write failures and queue overflow are reported on the logger and the
// request completes normally.
type AuditMiddleware struct {
	rec       audit.Recorder
	logger    *slog.Logger
	extractor UserExtractor
	jobs      chan audit.Event
	wg        sync.WaitGroup

	// mu guards closed; senders hold it for reading so Shutdown never
	// closes jobs under an in-flight send.
	mu     sync.RWMutex
	closed bool
}

// NewAuditMiddleware creates an AuditMiddleware recording through rec.
// The extractor function is called on each request to obtain the current user;
// if it returns nil the request is not audited.
func NewAuditMiddleware(rec audit.Recorder, logger *slog.Logger, extractor UserExtractor) *AuditMiddleware {
	m := &AuditMiddleware{
		rec:       rec,
		logger:    logger,
		extractor: extractor,
		jobs:      make(chan audit.Event, defaultQueueSize),
	}

	m.wg.Add(defaultWorkers)
	for range defaultWorkers {
		go m.worker()
	}

	return m
}

// worker reads events from the channel until it is closed.
func (m *AuditMiddleware) worker() {
	defer m.wg.Done()

	for ev := range m.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if _, err := m.rec.Record(ctx, ev); err != nil {
			m.logger.Error("failed to record audit entry",
				"error", err,
				"user_id", actorID(ev.Actor),
				"resource", ev.Resource,
				"event_type", ev.EventType,
			)
		}
		cancel()
	}
}

// Shutdown closes the job channel and waits for all workers to finish.
// Call this after http.Server.Shutdown to avoid losing in-flight entries;
// requests completing later are not audited. Calling it twice is safe.
func (m *AuditMiddleware) Shutdown() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.jobs)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// enqueue hands ev to the workers without blocking. It reports false when
// the queue is full or the middleware has shut down.
func (m *AuditMiddleware) enqueue(ev audit.Event) (queued, closed bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, true
	}
	select {
	case m.jobs <- ev:
		return true, false
	default:
		return false, false
	}
}

// Handler returns the chi-compatible middleware function.
func (m *AuditMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := m.extractor(r.Context())

			info := audit.Info{
				CorrelationID: ExtractCorrelationID(r),
				IP:            ExtractIP(r.RemoteAddr),
				UserAgent:     r.UserAgent(),
			}
			if user != nil {
				info.UserID = user.UserID
				info.Username = user.Username
				info.UserRole = user.UserRole
			}
			r = r.WithContext(audit.WithInfo(r.Context(), info))

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if user == nil {
				return
			}

			resource, resourceID := ExtractResource(r)

			// Skip auditing the audit endpoints themselves.
			if resource == "audit" || strings.HasPrefix(resource, "audit/") {
				return
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			ev := audit.Event{
				EventType:     MethodToEventType(r.Method),
				EventCategory: audit.CategoryDataAccess,
				Actor:         &audit.Actor{UserID: user.UserID, Username: user.Username, UserRole: user.UserRole},
				Action:        fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				Resource:      resource,
				ResourceID:    resourceID,
				Success:       audit.Bool(status < http.StatusBadRequest),
				StatusCode:    status,
				Network: audit.NetworkContext{
					IPAddress: info.IP,
					UserAgent: info.UserAgent,
				},
				CorrelationID: info.CorrelationID,
			}
			if status >= http.StatusBadRequest {
				ev.ErrorMessage = http.StatusText(status)
			}

			queued, closed := m.enqueue(ev)
			switch {
			case closed:
				m.logger.Warn("audit middleware shut down, discarding entry",
					"user_id", user.UserID,
					"resource", ev.Resource,
					"event_type", ev.EventType,
				)
			case !queued:
				m.logger.Warn("audit queue full, discarding entry",
					"user_id", user.UserID,
					"resource", ev.Resource,
					"event_type", ev.EventType,
				)
			}
		})
	}
}

func actorID(a *audit.Actor) string {
	if a == nil {
		return ""
	}
	return a.UserID
}

// MethodToEventType maps HTTP methods to data-access event types.
func MethodToEventType(method string) audit.EventType {
	switch method {
	case http.MethodPost:
		return audit.EventDataCreate
	case http.MethodPut, http.MethodPatch:
		return audit.EventDataUpdate
	case http.MethodDelete:
		return audit.EventDataDelete
	default:
		return audit.EventDataRead
	}
}

// ExtractResource derives the resource name and resource ID from the request.
// It uses chi's matched route pattern (e.g. /v1/matters/{id}/documents/{docID})
// so the value is stable regardless of the actual IDs in the URL.
func ExtractResource(r *http.Request) (resource, resourceID string) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return strings.TrimPrefix(r.URL.Path, "/v1/"), ""
	}

	// Extract last URL param value as resource_id (convention: /{id}).
	params := rctx.URLParams
	if len(params.Values) > 0 {
		resourceID = params.Values[len(params.Values)-1]
	}

	// Build resource from the route pattern, dropping param segments.
	// /v1/matters/{id}/documents/{docID} → matters/documents
	pattern := strings.TrimPrefix(rctx.RoutePattern(), "/v1/")
	parts := strings.Split(pattern, "/")
	clean := parts[:0]
	for _, p := range parts {
		if !strings.HasPrefix(p, "{") && p != "" && p != "*" {
			clean = append(clean, p)
		}
	}
	resource = strings.Join(clean, "/")

	return resource, resourceID
}

// ExtractCorrelationID returns request correlation id from common headers.
func ExtractCorrelationID(r *http.Request) string {
	if v := r.Header.Get("X-Correlation-ID"); v != "" {
		return v
	}
	if v := r.Header.Get("X-Request-ID"); v != "" {
		return v
	}
	return chiMiddleware.GetReqID(r.Context())
}

// ExtractIP strips the port from a host:port address.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
