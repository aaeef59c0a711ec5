package storage

import "fmt"

// Status is the delivery state of an outbox record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// ParseStatus validates a raw status read from the database.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid outbox status %q", raw)
	}
	return status, nil
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
// PROCESSED is terminal; FAILED only goes back to PENDING through an explicit reset.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessed || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	case StatusProcessed:
		return false
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}
