package admin

import (
	"encoding/json"
	"time"

	"github.com/overtonx/relay/account"
	"github.com/overtonx/relay/storage"
)

type recordView struct {
	ID            string            `json:"id"`
	AggregateID   string            `json:"aggregateId"`
	AggregateType string            `json:"aggregateType"`
	EventType     string            `json:"eventType"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
	ProcessedAt   *time.Time        `json:"processedAt,omitempty"`
	Status        string            `json:"status"`
	RetryCount    int               `json:"retryCount"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
}

func newRecordView(r storage.Record) recordView {
	return recordView{
		ID:            r.ID,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		EventType:     r.EventType,
		Payload:       r.Payload,
		Headers:       r.Headers,
		OccurredAt:    r.OccurredAt,
		ProcessedAt:   r.ProcessedAt,
		Status:        r.Status.String(),
		RetryCount:    r.RetryCount,
		ErrorMessage:  r.ErrorMessage,
	}
}

type userView struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

func newUserView(u *account.User) userView {
	return userView{ID: u.ID, Email: u.Email, Name: u.Name, Roles: u.Roles}
}
