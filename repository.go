package audit

import (
	"context"
	"iter"
	"time"
)

// Filters defines the search criteria for listing audit entries.
// Zero values mean "no filter".
type Filters struct {
	EventType     EventType
	EventCategory Category
	UserID        string
	Severity      Severity
	Resource      string
	Success       *bool
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

// Repository is the append-only store of audit entries.
type Repository interface {
	// Append persists a fully formed entry. It fails with ErrChainConflict
	// when the stored tail checksum ("" for an empty log) differs from
	// entry.PreviousChecksum.
	Append(ctx context.Context, entry *Entry) (*Entry, error)

	// Latest returns the entry with the greatest timestamp, or nil when the
	// log is empty.
	Latest(ctx context.Context) (*Entry, error)

	// Range yields entries with from <= timestamp <= to in ascending
	// timestamp order, ties in insertion order. Each iteration re-reads.
	Range(ctx context.Context, from, to time.Time) iter.Seq2[Entry, error]

	GetByID(ctx context.Context, id string) (*Entry, error)

	// List returns a page of entries, newest first, and the total match count.
	List(ctx context.Context, filters Filters) ([]Entry, int, error)

	// Update and Delete always fail with ErrImmutable.
	Update(ctx context.Context, id string, changes map[string]any) error
	Delete(ctx context.Context, id string) error
}

// Match reports whether e satisfies f, ignoring paging. Stores without a
// query language use it to filter.
func (f Filters) Match(e *Entry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.EventCategory != "" && e.EventCategory != f.EventCategory {
		return false
	}
	if f.UserID != "" && e.UserID() != f.UserID {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}
