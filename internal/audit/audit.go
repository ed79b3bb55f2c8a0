// Package audit records admin actions to a tamper-evident activity
// log. Every admin mutation writes exactly one entry; entries are
// signed at write time and never updated.
package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Admin actions recorded in the activity log.
const (
	ActionTenantBlock        = "tenant.block"
	ActionTenantUnblock      = "tenant.unblock"
	ActionSubscriptionRevoke = "subscription.revoke"
	ActionAdminLogin         = "admin.login"
	ActionAdminCreate        = "admin_user.create"
	ActionAdminDelete        = "admin_user.delete"
	ActionAdminResetPassword = "admin_user.reset_password"
)

// Entry is a single activity log record.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Details    string    `json:"details,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Signature  string    `json:"signature,omitempty"`
}

// NewEntry stamps an entry with an ID and timestamp.
func NewEntry(actor, action, targetType, targetID, details, ip string) Entry {
	return Entry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		IP:         ip,
	}
}

// QueryFilter selects activity log entries. Action supports the
// wildcards * and ? (e.g. "tenant.*").
type QueryFilter struct {
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
	Offset     int
}

func (f QueryFilter) actionHasWildcard() bool {
	return strings.ContainsAny(f.Action, "*?")
}

// Recorder is implemented by activity log backends.
type Recorder interface {
	// Record appends a signed entry. Entries are immutable once written.
	Record(entry Entry) error

	// Query retrieves entries matching the filter, newest first.
	Query(filter QueryFilter) ([]Entry, error)

	// Count returns the number of entries matching the filter.
	Count(filter QueryFilter) (int, error)

	// Close releases backend resources.
	Close() error
}

// ConsoleRecorder writes entries to zerolog only. Fallback for setups
// without a data directory; not queryable.
type ConsoleRecorder struct{}

// NewConsoleRecorder creates the log-only recorder.
func NewConsoleRecorder() *ConsoleRecorder {
	return &ConsoleRecorder{}
}

// Record writes the entry to zerolog.
func (c *ConsoleRecorder) Record(entry Entry) error {
	logEntry(entry)
	return nil
}

// Query returns an empty slice; console entries are not retrievable.
func (c *ConsoleRecorder) Query(QueryFilter) ([]Entry, error) {
	return []Entry{}, nil
}

// Count returns zero for the console recorder.
func (c *ConsoleRecorder) Count(QueryFilter) (int, error) {
	return 0, nil
}

// Close is a no-op for the console recorder.
func (c *ConsoleRecorder) Close() error {
	return nil
}

func logEntry(entry Entry) {
	log.Info().
		Str("audit_id", entry.ID).
		Str("actor", entry.Actor).
		Str("action", entry.Action).
		Str("target_type", entry.TargetType).
		Str("target_id", entry.TargetID).
		Str("ip", entry.IP).
		Time("timestamp", entry.Timestamp).
		Str("details", entry.Details).
		Msg("Admin activity")
}
