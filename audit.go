// Package audit provides a tamper-evident audit log: entries are chained by
// SHA-256 checksums, persisted append-only through a Repository, and can be
// re-verified over any time window.
package audit

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"
	"unicode/utf8"
)

// ---------- Context propagation ----------

type contextKey struct{ name string }

var infoKey = contextKey{"audit-info"}

// Info holds the request-scoped audit context. Collaborators that call
// Writer.Record with an empty network context get it filled from here.
type Info struct {
	UserID        string
	Username      string
	UserRole      string
	CorrelationID string
	SessionID     string
	IP            string
	UserAgent     string
}

// WithInfo attaches audit info to the context.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// InfoFrom extracts audit info from context. Returns nil if absent.
func InfoFrom(ctx context.Context) *Info {
	i, ok := ctx.Value(infoKey).(Info)
	if !ok {
		return nil
	}
	return &i
}

// ---------- Enumerations ----------

// EventType is the closed set of recorded event kinds.
type EventType string

const (
	EventLogin               EventType = "Login"
	EventLogout              EventType = "Logout"
	EventLoginFailed         EventType = "Login Failed"
	EventPasswordChange      EventType = "Password Change"
	EventDataCreate          EventType = "Data Create"
	EventDataRead            EventType = "Data Read"
	EventDataUpdate          EventType = "Data Update"
	EventDataDelete          EventType = "Data Delete"
	EventPermissionChange    EventType = "Permission Change"
	EventRoleChange          EventType = "Role Change"
	EventConfigurationChange EventType = "Configuration Change"
	EventSecurityAlert       EventType = "Security Alert"
	EventBackupCreated       EventType = "Backup Created"
	EventBackupRestored      EventType = "Backup Restored"
	EventSessionCreated      EventType = "Session Created"
	EventSessionTerminated   EventType = "Session Terminated"
	EventIPWhitelistChange   EventType = "IP Whitelist Change"
	EventDataExport          EventType = "Data Export"
)

// IsValid reports whether t is a known event type.
func (t EventType) IsValid() bool {
	switch t {
	case EventLogin, EventLogout, EventLoginFailed, EventPasswordChange,
		EventDataCreate, EventDataRead, EventDataUpdate, EventDataDelete,
		EventPermissionChange, EventRoleChange, EventConfigurationChange,
		EventSecurityAlert, EventBackupCreated, EventBackupRestored,
		EventSessionCreated, EventSessionTerminated, EventIPWhitelistChange,
		EventDataExport:
		return true
	}
	return false
}

// Category is the coarse grouping of an event.
type Category string

const (
	CategoryAuthentication Category = "Authentication"
	CategoryAuthorization  Category = "Authorization"
	CategoryDataAccess     Category = "Data Access"
	CategoryConfiguration  Category = "Configuration"
	CategorySecurity       Category = "Security"
	CategorySystem         Category = "System"
)

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryAuthentication, CategoryAuthorization, CategoryDataAccess,
		CategoryConfiguration, CategorySecurity, CategorySystem:
		return true
	}
	return false
}

// Severity ranks how important an event is.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ---------- Entry ----------

// Actor identifies who performed an action. Nil for system events.
type Actor struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	UserRole string `json:"userRole,omitempty"`
}

// Geolocation is the optional resolved location of the client.
type Geolocation struct {
	Country   string  `json:"country,omitempty"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// NetworkContext describes where a request came from.
type NetworkContext struct {
	IPAddress  string       `json:"ipAddress"`
	UserAgent  string       `json:"userAgent,omitempty"`
	DeviceInfo string       `json:"deviceInfo,omitempty"`
	Geo        *Geolocation `json:"geolocation,omitempty"`
}

// Changes is the structured diff of a data-mutation event.
// It is stored but never hashed.
type Changes struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
	Fields []string       `json:"fields,omitempty"`
}

// Entry is one persisted, immutable audit record.
type Entry struct {
	ID            string         `json:"logId"`
	EventType     EventType      `json:"eventType"`
	EventCategory Category       `json:"eventCategory"`
	Actor         *Actor         `json:"actor,omitempty"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource,omitempty"`
	ResourceID    string         `json:"resourceId,omitempty"`
	Success       bool           `json:"success"`
	StatusCode    int            `json:"statusCode,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	Changes       *Changes       `json:"changes,omitempty"`
	Network       NetworkContext `json:"networkContext"`
	SessionID     string         `json:"sessionId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Severity      Severity       `json:"severity"`
	Timestamp     time.Time      `json:"timestamp"`

	Checksum         string `json:"checksum"`
	PreviousChecksum string `json:"previousChecksum"`

	RetentionDate time.Time `json:"retentionDate"`
	Archived      bool      `json:"archived"`
}

// UserID returns the actor's user id, or "" for system events.
func (e *Entry) UserID() string {
	if e.Actor == nil {
		return ""
	}
	return e.Actor.UserID
}

// Archivable reports whether the entry's retention period has elapsed.
func (e *Entry) Archivable(now time.Time) bool {
	return !e.Archived && !now.Before(e.RetentionDate)
}

// Clone returns a copy that shares no mutable state with e.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Actor != nil {
		a := *e.Actor
		c.Actor = &a
	}
	if e.Network.Geo != nil {
		g := *e.Network.Geo
		c.Network.Geo = &g
	}
	if e.Changes != nil {
		c.Changes = &Changes{
			Before: maps.Clone(e.Changes.Before),
			After:  maps.Clone(e.Changes.After),
			Fields: slices.Clone(e.Changes.Fields),
		}
	}
	return &c
}

// ---------- Event ----------

// Event carries the attributes a collaborator reports. Identifiers,
// checksums, timestamps and retention are filled in by the Writer.
type Event struct {
	EventType     EventType `json:"eventType"`
	EventCategory Category  `json:"eventCategory"`
	Actor         *Actor    `json:"actor,omitempty"`
	Action        string    `json:"action"`
	Resource      string    `json:"resource,omitempty"`
	ResourceID    string    `json:"resourceId,omitempty"`

	// Success defaults to true when nil.
	Success      *bool  `json:"success,omitempty"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	Changes       *Changes       `json:"changes,omitempty"`
	Network       NetworkContext `json:"networkContext"`
	SessionID     string         `json:"sessionId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`

	// Severity defaults to SeverityLow when empty.
	Severity Severity `json:"severity,omitempty"`
}

// Bool returns a pointer to b, for Event.Success.
func Bool(b bool) *bool { return &b }

// withInfo fills unset fields from request-scoped info.
func (ev Event) withInfo(info *Info) Event {
	if info == nil {
		return ev
	}
	if ev.Network.IPAddress == "" {
		ev.Network.IPAddress = info.IP
	}
	if ev.Network.UserAgent == "" {
		ev.Network.UserAgent = info.UserAgent
	}
	if ev.SessionID == "" {
		ev.SessionID = info.SessionID
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = info.CorrelationID
	}
	if ev.Actor == nil && info.UserID != "" {
		ev.Actor = &Actor{UserID: info.UserID, Username: info.Username, UserRole: info.UserRole}
	}
	return ev
}

// validate checks the required attributes and applies defaults.
func (ev Event) validate() (Event, error) {
	if !ev.EventType.IsValid() {
		return ev, fmt.Errorf("%w: unknown event type %q", ErrValidation, ev.EventType)
	}
	if !ev.EventCategory.IsValid() {
		return ev, fmt.Errorf("%w: unknown event category %q", ErrValidation, ev.EventCategory)
	}
	if ev.Action == "" {
		return ev, fmt.Errorf("%w: action is required", ErrValidation)
	}
	if ev.Network.IPAddress == "" {
		return ev, fmt.Errorf("%w: ip address is required", ErrValidation)
	}
	if ev.Actor != nil && ev.Actor.UserID == "" {
		return ev, fmt.Errorf("%w: actor user id is required when actor is set", ErrValidation)
	}
	// Checksummed strings must be valid UTF-8; JSON encoding would otherwise
	// map distinct invalid bytes to the same replacement character.
	hashed := []struct{ name, value string }{
		{"action", ev.Action},
		{"resource", ev.Resource},
		{"ip address", ev.Network.IPAddress},
	}
	if ev.Actor != nil {
		hashed = append(hashed, struct{ name, value string }{"actor user id", ev.Actor.UserID})
	}
	for _, f := range hashed {
		if !utf8.ValidString(f.value) {
			return ev, fmt.Errorf("%w: %s is not valid UTF-8", ErrValidation, f.name)
		}
	}
	if ev.Severity == "" {
		ev.Severity = SeverityLow
	}
	if !ev.Severity.IsValid() {
		return ev, fmt.Errorf("%w: unknown severity %q", ErrValidation, ev.Severity)
	}
	return ev, nil
}
