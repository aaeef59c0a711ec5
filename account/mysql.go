package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/go-sql-driver/mysql"
)

const tableUsers = "users"

const (
	saveUserQuery = `
		INSERT INTO users (id, email, password, name, roles, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	findUserByEmailQuery = `
		SELECT id, email, password, name, roles, created_at, updated_at, deleted_at
		FROM users
		WHERE email = ?`

	existsByEmailQuery = `SELECT COUNT(*) FROM users WHERE email = ?`

	createUsersTableQuery = `
		CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			email VARCHAR(255) NOT NULL,
			password VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			roles JSON NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			deleted_at TIMESTAMP(6) NULL DEFAULT NULL,
			UNIQUE KEY uniq_users_email (email),
			KEY idx_users_created_at (created_at)
		)`
)

const mysqlDuplicateEntry = 1062

// MySQLUserRepository stores users in MySQL. Queries join the transaction carried by ctx.
type MySQLUserRepository struct {
	db     *sql.DB
	getter *trmsql.CtxGetter
}

func NewMySQLUserRepository(db *sql.DB) *MySQLUserRepository {
	return &MySQLUserRepository{db: db, getter: trmsql.DefaultCtxGetter}
}

func (r *MySQLUserRepository) conn(ctx context.Context) trmsql.Tr {
	return r.getter.DefaultTrOrDB(ctx, r.db)
}

func (r *MySQLUserRepository) Save(ctx context.Context, user *User) error {
	roles, err := json.Marshal(user.Roles)
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}

	_, err = r.conn(ctx).ExecContext(ctx, saveUserQuery,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Name,
		roles,
		user.CreatedAt.UTC(),
		user.UpdatedAt.UTC(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (r *MySQLUserRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	var (
		user      User
		roles     []byte
		deletedAt sql.NullTime
	)
	err := r.conn(ctx).QueryRowContext(ctx, findUserByEmailQuery, email).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&roles,
		&user.CreatedAt,
		&user.UpdatedAt,
		&deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if err := json.Unmarshal(roles, &user.Roles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roles of user %s: %w", user.ID, err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		user.DeletedAt = &t
	}
	return &user, nil
}

func (r *MySQLUserRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var count int
	if err := r.conn(ctx).QueryRowContext(ctx, existsByEmailQuery, email).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count users: %w", err)
	}
	return count > 0, nil
}

// EnsureTables creates the users table if it does not exist.
func (r *MySQLUserRepository) EnsureTables(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createUsersTableQuery); err != nil {
		return fmt.Errorf("failed to create %s table: %w", tableUsers, err)
	}
	return nil
}
