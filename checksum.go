package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// TimestampLayout is the canonical rendering of Entry.Timestamp inside the
// checksum input. Timestamps are always UTC with microsecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// ChecksumFields is the subset of an entry covered by its checksum.
// Field order here is the serialization order and must never change.
type ChecksumFields struct {
	EventType EventType `json:"eventType"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Timestamp string    `json:"timestamp"`
	IPAddress string    `json:"ipAddress"`
}

// ChecksumFieldsOf extracts the hashed fields of e. Both the writer and the
// verifier go through here.
func ChecksumFieldsOf(e *Entry) ChecksumFields {
	return ChecksumFields{
		EventType: e.EventType,
		UserID:    e.UserID(),
		Action:    e.Action,
		Resource:  e.Resource,
		Timestamp: FormatTimestamp(e.Timestamp),
		IPAddress: e.Network.IPAddress,
	}
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimestampLayout)
}

// ComputeChecksum returns the lowercase hex SHA-256 of the canonical JSON
// of f followed by previousChecksum.
func ComputeChecksum(f ChecksumFields, previousChecksum string) string {
	// Marshalling a struct of strings cannot fail.
	canonical, _ := json.Marshal(f)

	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(previousChecksum))
	return hex.EncodeToString(h.Sum(nil))
}

// EntryChecksum recomputes the checksum of e chained to previousChecksum.
func EntryChecksum(e *Entry, previousChecksum string) string {
	return ComputeChecksum(ChecksumFieldsOf(e), previousChecksum)
}
