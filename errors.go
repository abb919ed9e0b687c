package audit

import "errors"

var (
	// ErrValidation is returned when event attributes are malformed.
	// Nothing is written when it occurs.
	ErrValidation = errors.New("invalid audit event")

	// ErrStorage wraps failures of the underlying store.
	ErrStorage = errors.New("audit storage failure")

	// ErrImmutable is returned by every attempt to update or delete an entry.
	ErrImmutable = errors.New("audit entries are immutable")

	// ErrChainConflict is returned by Repository.Append when the stored
	// chain tail no longer matches the entry's PreviousChecksum.
	ErrChainConflict = errors.New("audit chain tail changed")

	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("audit entry not found")
)
