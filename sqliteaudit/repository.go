// Package sqliteaudit stores the audit chain in a single SQLite file, for
// single-node deployments and local tooling.
package sqliteaudit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	audit "github.com/lexledger/auditchain"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entry (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	log_id            TEXT    NOT NULL UNIQUE,
	event_type        TEXT    NOT NULL,
	event_category    TEXT    NOT NULL,
	actor_user_id     TEXT,
	actor_username    TEXT,
	actor_role        TEXT,
	action            TEXT    NOT NULL,
	resource          TEXT    NOT NULL DEFAULT '',
	resource_id       TEXT    NOT NULL DEFAULT '',
	success           INTEGER NOT NULL DEFAULT 1,
	status_code       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT    NOT NULL DEFAULT '',
	changes           TEXT,
	ip_address        TEXT    NOT NULL,
	user_agent        TEXT    NOT NULL DEFAULT '',
	device_info       TEXT    NOT NULL DEFAULT '',
	geolocation       TEXT,
	session_id        TEXT    NOT NULL DEFAULT '',
	correlation_id    TEXT    NOT NULL DEFAULT '',
	severity          TEXT    NOT NULL DEFAULT 'Low',
	ts_ns             INTEGER NOT NULL,
	checksum          TEXT    NOT NULL,
	previous_checksum TEXT    NOT NULL DEFAULT '',
	retention_ns      INTEGER NOT NULL,
	archived          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_entry_ts ON audit_entry(ts_ns, seq);
CREATE INDEX IF NOT EXISTS idx_audit_entry_actor ON audit_entry(actor_user_id);
CREATE INDEX IF NOT EXISTS idx_audit_entry_event_type ON audit_entry(event_type);

CREATE TRIGGER IF NOT EXISTS audit_entry_no_update BEFORE UPDATE ON audit_entry
BEGIN
	SELECT RAISE(ABORT, 'audit entries are immutable');
END;
CREATE TRIGGER IF NOT EXISTS audit_entry_no_delete BEFORE DELETE ON audit_entry
BEGIN
	SELECT RAISE(ABORT, 'audit entries are immutable');
END;
`

const entryColumns = `log_id, event_type, event_category, actor_user_id, actor_username, actor_role,
	action, resource, resource_id, success, status_code, error_message, changes,
	ip_address, user_agent, device_info, geolocation, session_id, correlation_id,
	severity, ts_ns, checksum, previous_checksum, retention_ns, archived`

// Times are stored as int64 unix nanoseconds, which cover 1677 to 2262.
var (
	minStorable = time.Unix(0, math.MinInt64).UTC()
	maxStorable = time.Unix(0, math.MaxInt64).UTC()
)

// clampNanos converts a query bound, saturating outside the storable range.
func clampNanos(t time.Time) int64 {
	if t.Before(minStorable) {
		return math.MinInt64
	}
	if t.After(maxStorable) {
		return math.MaxInt64
	}
	return t.UnixNano()
}

func storable(t time.Time) bool {
	return !t.Before(minStorable) && !t.After(maxStorable)
}

// Repo implements audit.Repository on SQLite.
type Repo struct {
	db *sql.DB
}

var _ audit.Repository = (*Repo)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Repo, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite audit store %s: %w", path, err)
	}
	// One connection serializes every statement; SQLite allows a single
	// writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return &Repo{db: db}, nil
}

// Close closes the underlying database.
func (r *Repo) Close() error {
	return r.db.Close()
}

// Append inserts e only if the stored tail checksum still equals
// e.PreviousChecksum. The check is part of the INSERT statement.
func (r *Repo) Append(ctx context.Context, e *audit.Entry) (*audit.Entry, error) {
	if !storable(e.Timestamp) {
		return nil, fmt.Errorf("%w: timestamp %s outside storable range", audit.ErrStorage, e.Timestamp)
	}
	if !storable(e.RetentionDate) {
		return nil, fmt.Errorf("%w: retention date %s outside storable range", audit.ErrStorage, e.RetentionDate)
	}

	changes, err := marshalOptional(e.Changes)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing changes: %w", audit.ErrStorage, err)
	}
	geo, err := marshalOptional(e.Network.Geo)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing geolocation: %w", audit.ErrStorage, err)
	}

	var userID, username, role sql.NullString
	if e.Actor != nil {
		userID = sql.NullString{String: e.Actor.UserID, Valid: true}
		username = sql.NullString{String: e.Actor.Username, Valid: true}
		role = sql.NullString{String: e.Actor.UserRole, Valid: true}
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_entry (`+entryColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE COALESCE(
			(SELECT checksum FROM audit_entry ORDER BY ts_ns DESC, seq DESC LIMIT 1), ''
		) = ?`,
		e.ID, string(e.EventType), string(e.EventCategory), userID, username, role,
		e.Action, e.Resource, e.ResourceID, e.Success, e.StatusCode, e.ErrorMessage, changes,
		e.Network.IPAddress, e.Network.UserAgent, e.Network.DeviceInfo, geo, e.SessionID, e.CorrelationID,
		string(e.Severity), e.Timestamp.UnixNano(), e.Checksum, e.PreviousChecksum, e.RetentionDate.UnixNano(), e.Archived,
		e.PreviousChecksum,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: inserting audit entry: %w", audit.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: reading affected rows: %w", audit.ErrStorage, err)
	}
	if n == 0 {
		return nil, audit.ErrChainConflict
	}

	return e.Clone(), nil
}

func (r *Repo) Latest(ctx context.Context) (*audit.Entry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entry ORDER BY ts_ns DESC, seq DESC LIMIT 1`,
	)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetching latest audit entry: %w", audit.ErrStorage, err)
	}
	return e, nil
}

// Range reads the window before yielding so the single connection is not
// held while the caller processes entries.
func (r *Repo) Range(ctx context.Context, from, to time.Time) iter.Seq2[audit.Entry, error] {
	return func(yield func(audit.Entry, error) bool) {
		entries, err := r.query(ctx,
			`SELECT `+entryColumns+` FROM audit_entry
				WHERE ts_ns >= ? AND ts_ns <= ?
				ORDER BY ts_ns ASC, seq ASC`,
			clampNanos(from), clampNanos(to),
		)
		if err != nil {
			yield(audit.Entry{}, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (r *Repo) GetByID(ctx context.Context, id string) (*audit.Entry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entry WHERE log_id = ?`, id,
	)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, audit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetching audit entry by ID: %w", audit.ErrStorage, err)
	}
	return e, nil
}

func (r *Repo) List(ctx context.Context, f audit.Filters) ([]audit.Entry, int, error) {
	where := []string{"1=1"}
	var args []any

	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.EventCategory != "" {
		where = append(where, "event_category = ?")
		args = append(args, string(f.EventCategory))
	}
	if f.UserID != "" {
		where = append(where, "actor_user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, f.Resource)
	}
	if f.Success != nil {
		where = append(where, "success = ?")
		args = append(args, *f.Success)
	}
	if f.From != nil {
		where = append(where, "ts_ns >= ?")
		args = append(args, clampNanos(*f.From))
	}
	if f.To != nil {
		where = append(where, "ts_ns <= ?")
		args = append(args, clampNanos(*f.To))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entry WHERE `+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: counting audit entries: %w", audit.ErrStorage, err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	items, err := r.query(ctx,
		`SELECT `+entryColumns+` FROM audit_entry WHERE `+cond+`
			ORDER BY ts_ns DESC, seq DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *Repo) Update(_ context.Context, id string, _ map[string]any) error {
	return fmt.Errorf("%w: update of %s rejected", audit.ErrImmutable, id)
}

func (r *Repo) Delete(_ context.Context, id string) error {
	return fmt.Errorf("%w: delete of %s rejected", audit.ErrImmutable, id)
}

func (r *Repo) query(ctx context.Context, query string, args ...any) ([]audit.Entry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying audit entries: %w", audit.ErrStorage, err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning audit entry: %w", audit.ErrStorage, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating rows: %w", audit.ErrStorage, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*audit.Entry, error) {
	var e audit.Entry
	var eventType, category, severity string
	var userID, username, role, changes, geo sql.NullString
	var tsNS, retentionNS int64

	err := s.Scan(
		&e.ID, &eventType, &category, &userID, &username, &role,
		&e.Action, &e.Resource, &e.ResourceID, &e.Success, &e.StatusCode, &e.ErrorMessage, &changes,
		&e.Network.IPAddress, &e.Network.UserAgent, &e.Network.DeviceInfo, &geo, &e.SessionID, &e.CorrelationID,
		&severity, &tsNS, &e.Checksum, &e.PreviousChecksum, &retentionNS, &e.Archived,
	)
	if err != nil {
		return nil, err
	}

	e.EventType = audit.EventType(eventType)
	e.EventCategory = audit.Category(category)
	e.Severity = audit.Severity(severity)
	e.Timestamp = time.Unix(0, tsNS).UTC()
	e.RetentionDate = time.Unix(0, retentionNS).UTC()

	if userID.Valid {
		e.Actor = &audit.Actor{UserID: userID.String, Username: username.String, UserRole: role.String}
	}
	if changes.Valid {
		e.Changes = &audit.Changes{}
		if err := json.Unmarshal([]byte(changes.String), e.Changes); err != nil {
			return nil, fmt.Errorf("deserializing changes: %w", err)
		}
	}
	if geo.Valid {
		e.Network.Geo = &audit.Geolocation{}
		if err := json.Unmarshal([]byte(geo.String), e.Network.Geo); err != nil {
			return nil, fmt.Errorf("deserializing geolocation: %w", err)
		}
	}
	return &e, nil
}

// marshalOptional returns a NULL for nil pointers.
func marshalOptional[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
