package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrCursorRegression is returned when a cursor update would move a
	// target's watermark backwards. Callers treat it as a bug, not a retry.
	ErrCursorRegression = errors.New("cursor would regress")
)

// Target is a tracked platform account.
//
// Cursor is the newest item identifier already processed (the watermark).
// It never decreases.
type Target struct {
	ID           string
	Handle       string
	Schedule     string // optional poll schedule override; empty means the global interval
	AuthToken    string
	CSRFToken    string
	Cursor       string
	NextPollAt   time.Time
	LastPolledAt time.Time
	CreatedAt    time.Time
}

// Subscription is a registered delivery endpoint for a target's new items.
// Immutable after creation.
type Subscription struct {
	ID        string
	TargetID  string
	Endpoint  string
	Secret    string
	CreatedAt time.Time
}

// SeenItem marks an item as processed for a target.
type SeenItem struct {
	TargetID    string
	ItemID      string
	FirstSeenAt time.Time
}

// Event delivery states.
const (
	EventPending   = "pending"
	EventDelivered = "delivered"
	EventFailed    = "failed"
)

// Event is one pending or settled delivery of an item to a subscription.
type Event struct {
	ID             string
	SubscriptionID string
	TargetID       string
	ItemID         string
	Payload        []byte
	Status         string
	Attempts       int
	NextRetryAt    time.Time
	LastError      string
	CreatedAt      time.Time
}

// EventCounts aggregates delivery states for /status.
type EventCounts struct {
	Pending   int64 `json:"pending"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// CompareItemID orders two platform item identifiers.
//
// Item identifiers are decimal digit strings without leading zeros (snowflake
// sort indexes), so the longer string is always the larger value and
// same-length strings compare lexically. Returns -1, 0 or 1.
func CompareItemID(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
