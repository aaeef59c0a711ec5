package account

import "time"

// DefaultRole is granted to every registered user.
const DefaultRole = "ROLE_USER"

type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}
