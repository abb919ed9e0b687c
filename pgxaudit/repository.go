package pgxaudit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"

	audit "github.com/lexledger/auditchain"
)

// chainLockKey is the advisory lock serializing appends across processes.
const chainLockKey int64 = 0x617564697463 // "auditc"

const entryColumns = `log_id, event_type, event_category, actor_user_id, actor_username, actor_role,
	action, resource, resource_id, success, status_code, error_message, changes,
	ip_address, user_agent, device_info, geolocation, session_id, correlation_id,
	severity, ts, checksum, previous_checksum, retention_date, archived`

// PostgresRepo implements audit.Repository on PostgreSQL.
type PostgresRepo struct {
	pool DB
}

var _ audit.Repository = (*PostgresRepo)(nil)

// NewPostgresRepo creates a new PostgresRepo.
// It accepts any DB implementation (*pgxpool.Pool or a test mock).
func NewPostgresRepo(pool DB) *PostgresRepo {
	return &PostgresRepo{pool: pool}
}

// Append inserts b only if the stored tail checksum still equals
// b.PreviousChecksum. The check and insert run under a transaction-scoped
// advisory lock.
func (r *PostgresRepo) Append(ctx context.Context, b *audit.Entry) (*audit.Entry, error) {
	args, err := insertArgs(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", audit.ErrStorage, err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning append: %w", audit.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("%w: acquiring chain lock: %w", audit.ErrStorage, err)
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO audit.audit_entry (`+entryColumns+`)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::text,
			$7::text, $8::text, $9::text, $10::boolean, $11::integer, $12::text, $13::jsonb,
			$14::text, $15::text, $16::text, $17::jsonb, $18::text, $19::text,
			$20::text, $21::timestamptz, $22::text, $23::text, $24::timestamptz, $25::boolean
		WHERE COALESCE(
			(SELECT checksum FROM audit.audit_entry ORDER BY ts DESC, seq DESC LIMIT 1), ''
		) = $23::text
		RETURNING seq`,
		args...,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, audit.ErrChainConflict
	}
	if err != nil {
		return nil, fmt.Errorf("%w: inserting audit entry: %w", audit.ErrStorage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: committing audit entry: %w", audit.ErrStorage, err)
	}

	return b.Clone(), nil
}

func (r *PostgresRepo) Latest(ctx context.Context) (*audit.Entry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit.audit_entry ORDER BY ts DESC, seq DESC LIMIT 1`,
	)
	b, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetching latest audit entry: %w", audit.ErrStorage, err)
	}
	return b, nil
}

func (r *PostgresRepo) Range(ctx context.Context, from, to time.Time) iter.Seq2[audit.Entry, error] {
	return func(yield func(audit.Entry, error) bool) {
		rows, err := r.pool.Query(ctx,
			`SELECT `+entryColumns+` FROM audit.audit_entry
				WHERE ts >= $1 AND ts <= $2
				ORDER BY ts ASC, seq ASC`,
			from, to,
		)
		if err != nil {
			yield(audit.Entry{}, fmt.Errorf("%w: querying audit range: %w", audit.ErrStorage, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			b, err := scanEntry(rows)
			if err != nil {
				yield(audit.Entry{}, fmt.Errorf("%w: scanning audit entry: %w", audit.ErrStorage, err))
				return
			}
			if !yield(*b, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(audit.Entry{}, fmt.Errorf("%w: iterating rows: %w", audit.ErrStorage, err))
		}
	}
}

func (r *PostgresRepo) GetByID(ctx context.Context, id string) (*audit.Entry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit.audit_entry WHERE log_id = $1`, id,
	)

	b, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, audit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetching audit entry by ID: %w", audit.ErrStorage, err)
	}
	return b, nil
}

func (r *PostgresRepo) List(ctx context.Context, f audit.Filters) ([]audit.Entry, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+entryColumns+`, count(*) OVER()::INT AS total
			FROM audit.audit_entry
			WHERE ($1::TEXT IS NULL OR event_type = $1)
				AND ($2::TEXT IS NULL OR event_category = $2)
				AND ($3::TEXT IS NULL OR actor_user_id = $3)
				AND ($4::TEXT IS NULL OR severity = $4)
				AND ($5::TEXT IS NULL OR resource = $5)
				AND ($6::BOOLEAN IS NULL OR success = $6)
				AND ($7::TIMESTAMPTZ IS NULL OR ts >= $7)
				AND ($8::TIMESTAMPTZ IS NULL OR ts <= $8)
			ORDER BY ts DESC, seq DESC
			LIMIT $9 OFFSET $10`,
		nullString(string(f.EventType)), nullString(string(f.EventCategory)), nullString(f.UserID),
		nullString(string(f.Severity)), nullString(f.Resource), f.Success,
		f.From, f.To,
		limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listing audit entries: %w", audit.ErrStorage, err)
	}
	defer rows.Close()

	var items []audit.Entry
	var total int
	for rows.Next() {
		b, err := scanEntry(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: scanning audit entry: %w", audit.ErrStorage, err)
		}
		items = append(items, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: iterating rows: %w", audit.ErrStorage, err)
	}

	return items, total, nil
}

// Update never reaches the database; the table's triggers reject it too.
func (r *PostgresRepo) Update(_ context.Context, id string, _ map[string]any) error {
	return fmt.Errorf("%w: update of %s rejected", audit.ErrImmutable, id)
}

// Delete never reaches the database; the table's triggers reject it too.
func (r *PostgresRepo) Delete(_ context.Context, id string) error {
	return fmt.Errorf("%w: delete of %s rejected", audit.ErrImmutable, id)
}

func insertArgs(b *audit.Entry) ([]any, error) {
	changes, err := marshalOptional(b.Changes)
	if err != nil {
		return nil, fmt.Errorf("serializing changes: %w", err)
	}
	geo, err := marshalOptional(b.Network.Geo)
	if err != nil {
		return nil, fmt.Errorf("serializing geolocation: %w", err)
	}

	var userID, username, role *string
	if b.Actor != nil {
		userID, username, role = &b.Actor.UserID, &b.Actor.Username, &b.Actor.UserRole
	}

	return []any{
		b.ID, string(b.EventType), string(b.EventCategory), userID, username, role,
		b.Action, b.Resource, b.ResourceID, b.Success, b.StatusCode, b.ErrorMessage, changes,
		b.Network.IPAddress, b.Network.UserAgent, b.Network.DeviceInfo, geo, b.SessionID, b.CorrelationID,
		string(b.Severity), b.Timestamp, b.Checksum, b.PreviousChecksum, b.RetentionDate, b.Archived,
	}, nil
}

// marshalOptional returns nil for nil pointers so the column stays NULL.
func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// scanner abstracts pgx.Row and pgx.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

// scanEntry reads one row in entryColumns order, plus any extra trailing
// columns into extra.
func scanEntry(s scanner, extra ...any) (*audit.Entry, error) {
	var b audit.Entry
	var eventType, category, severity string
	var userID, username, role *string
	var changesJSON, geoJSON []byte

	dest := []any{
		&b.ID, &eventType, &category, &userID, &username, &role,
		&b.Action, &b.Resource, &b.ResourceID, &b.Success, &b.StatusCode, &b.ErrorMessage, &changesJSON,
		&b.Network.IPAddress, &b.Network.UserAgent, &b.Network.DeviceInfo, &geoJSON, &b.SessionID, &b.CorrelationID,
		&severity, &b.Timestamp, &b.Checksum, &b.PreviousChecksum, &b.RetentionDate, &b.Archived,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	b.EventType = audit.EventType(eventType)
	b.EventCategory = audit.Category(category)
	b.Severity = audit.Severity(severity)
	b.Timestamp = b.Timestamp.UTC()
	b.RetentionDate = b.RetentionDate.UTC()

	if userID != nil {
		b.Actor = &audit.Actor{UserID: *userID}
		if username != nil {
			b.Actor.Username = *username
		}
		if role != nil {
			b.Actor.UserRole = *role
		}
	}
	if len(changesJSON) > 0 {
		b.Changes = &audit.Changes{}
		if err := json.Unmarshal(changesJSON, b.Changes); err != nil {
			return nil, fmt.Errorf("deserializing changes: %w", err)
		}
	}
	if len(geoJSON) > 0 {
		b.Network.Geo = &audit.Geolocation{}
		if err := json.Unmarshal(geoJSON, b.Network.Geo); err != nil {
			return nil, fmt.Errorf("deserializing geolocation: %w", err)
		}
	}

	return &b, nil
}

// nullString returns nil for empty strings, used for optional SQL filters.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
