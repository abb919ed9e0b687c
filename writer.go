package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds how often Record retries after ErrChainConflict.
const DefaultMaxAttempts = 3

// Recorder is what feature modules depend on to report events.
type Recorder interface {
	Record(ctx context.Context, ev Event) (*Entry, error)
}

// Writer appends chained entries to a Repository. All Record calls on one
// Writer are serialized; the repository's compare-and-append catches writers
// in other processes.
type Writer struct {
	repo        Repository
	logger      *slog.Logger
	metrics     *Metrics
	retention   RetentionPolicies
	policy      string
	maxAttempts int
	now         func() time.Time

	mu sync.Mutex
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithMetrics records write outcomes in m.
func WithMetrics(m *Metrics) WriterOption {
	return func(w *Writer) { w.metrics = m }
}

// WithRetention sets the policy table and the policy name applied to new
// entries ("" selects the table's default).
func WithRetention(p RetentionPolicies, name string) WriterOption {
	return func(w *Writer) {
		w.retention = p
		w.policy = name
	}
}

// WithMaxAttempts bounds the retries after a chain conflict.
func WithMaxAttempts(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWriter creates a Writer backed by repo.
func NewWriter(repo Repository, logger *slog.Logger, opts ...WriterOption) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		repo:        repo,
		logger:      logger,
		retention:   DefaultRetentionPolicies(),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Record validates ev, chains it to the current tail and persists it.
// Errors are returned to the caller, which decides whether an audit outage
// fails its own operation.
func (w *Writer) Record(ctx context.Context, ev Event) (*Entry, error) {
	start := time.Now()

	ev, err := ev.withInfo(InfoFrom(ctx)).validate()
	if err != nil {
		// Unvalidated categories are not used as label values.
		w.metrics.observeRecord("", StatusFailure, time.Since(start).Seconds())
		return nil, err
	}

	w.mu.Lock()
	entry, err := w.appendLocked(ctx, ev)
	w.mu.Unlock()

	if err != nil {
		w.metrics.observeRecord(ev.EventCategory, StatusFailure, time.Since(start).Seconds())
		w.logger.Error("failed to record audit entry",
			"error", err,
			"event_type", ev.EventType,
			"action", ev.Action,
		)
		return nil, err
	}

	w.metrics.observeRecord(ev.EventCategory, StatusSuccess, time.Since(start).Seconds())
	w.logger.Debug("audit entry recorded",
		"log_id", entry.ID,
		"event_type", entry.EventType,
		"checksum", entry.Checksum,
	)
	return entry, nil
}

func (w *Writer) appendLocked(ctx context.Context, ev Event) (*Entry, error) {
	for attempt := 1; ; attempt++ {
		latest, err := w.repo.Latest(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: reading chain tail: %w", ErrStorage, err)
		}

		entry, err := w.build(ev, latest)
		if err != nil {
			return nil, err
		}

		stored, err := w.repo.Append(ctx, entry)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, ErrChainConflict) {
			if errors.Is(err, ErrStorage) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}

		w.metrics.incConflict()
		if attempt >= w.maxAttempts {
			return nil, fmt.Errorf("%w: giving up after %d attempts: %w", ErrStorage, attempt, err)
		}
		w.logger.Warn("audit chain tail moved, retrying", "attempt", attempt)
	}
}

// build assembles the entry chained to latest (nil on an empty log).
func (w *Writer) build(ev Event, latest *Entry) (*Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating log id: %w", err)
	}

	ts := w.now().UTC().Truncate(time.Microsecond)
	prev := ""
	if latest != nil {
		prev = latest.Checksum
		if !ts.After(latest.Timestamp) {
			ts = latest.Timestamp.UTC().Add(time.Microsecond)
		}
	}

	retention, err := w.retention.ComputeExpiration(ts, w.policy)
	if err != nil {
		return nil, err
	}

	success := true
	if ev.Success != nil {
		success = *ev.Success
	}

	e := &Entry{
		ID:               id.String(),
		EventType:        ev.EventType,
		EventCategory:    ev.EventCategory,
		Actor:            ev.Actor,
		Action:           ev.Action,
		Resource:         ev.Resource,
		ResourceID:       ev.ResourceID,
		Success:          success,
		StatusCode:       ev.StatusCode,
		ErrorMessage:     ev.ErrorMessage,
		Changes:          ev.Changes,
		Network:          ev.Network,
		SessionID:        ev.SessionID,
		CorrelationID:    ev.CorrelationID,
		Severity:         ev.Severity,
		Timestamp:        ts,
		PreviousChecksum: prev,
		RetentionDate:    retention,
	}
	e.Checksum = EntryChecksum(e, prev)
	return e.Clone(), nil
}
