package events

import (
	"errors"
	"time"
)

const (
	UserCreatedType   = "UserCreated"
	UserAggregateType = "User"
)

// UserCreated is emitted once per registered user.
type UserCreated struct {
	UserID     string    `json:"userId"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Roles      []string  `json:"roles"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (e UserCreated) EventType() string     { return UserCreatedType }
func (e UserCreated) AggregateType() string { return UserAggregateType }
func (e UserCreated) AggregateID() string   { return e.UserID }

func (e UserCreated) Validate() error {
	switch {
	case e.UserID == "":
		return errors.New("userId is required")
	case e.Email == "":
		return errors.New("email is required")
	case e.OccurredAt.IsZero():
		return errors.New("occurredAt is required")
	}
	return nil
}
