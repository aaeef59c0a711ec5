// Package account registers users and authenticates them. Registration writes the
// UserCreated outbox record in the same transaction as the user row.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/relay"
	"github.com/overtonx/relay/events"
	"github.com/overtonx/relay/ratelimit"
	"github.com/overtonx/relay/storage"
)

// UserRepository persists users.
type UserRepository interface {
	Save(ctx context.Context, user *User) error
	FindByEmail(ctx context.Context, email string) (*User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

// EventSaver appends events to the outbox. *relay.Carrier implements it.
type EventSaver interface {
	SaveEvent(ctx context.Context, event relay.Event) (*storage.Record, error)
}

// TxManager runs fn in one transaction. *manager.Manager from go-transaction-manager implements it.
type TxManager interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type RegisterInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8,strongpassword"`
	Name     string `validate:"required,min=2,max=255"`
}

type AuthenticateInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

type Service struct {
	users    UserRepository
	outbox   EventSaver
	tx       TxManager
	hasher   PasswordHasher
	limiter  *ratelimit.Limiter
	validate *validator.Validate
	clock    clockwork.Clock
	logger   *zap.Logger
}

type Option func(*Service)

func WithHasher(hasher PasswordHasher) Option {
	return func(s *Service) {
		s.hasher = hasher
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService wires the service. limiter guards Authenticate and is required.
func NewService(users UserRepository, outbox EventSaver, tx TxManager, limiter *ratelimit.Limiter, opts ...Option) *Service {
	s := &Service{
		users:    users,
		outbox:   outbox,
		tx:       tx,
		hasher:   NewBcryptHasher(),
		limiter:  limiter,
		validate: newValidator(),
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates the user and its UserCreated event atomically.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.StructCtx(ctx, in); err != nil {
		return nil, validationError(err)
	}

	exists, err := s.users.ExistsByEmail(ctx, in.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		s.logger.Warn("Registration attempt with existing email", zap.String("email", in.Email))
		return nil, ErrEmailTaken
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		PasswordHash: hash,
		Name:         in.Name,
		Roles:        []string{DefaultRole},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.tx.Do(ctx, func(ctx context.Context) error {
		if err := s.users.Save(ctx, user); err != nil {
			return err
		}

		event, err := relay.EventFrom(events.UserCreated{
			UserID:     user.ID,
			Email:      user.Email,
			Name:       user.Name,
			Roles:      user.Roles,
			OccurredAt: now,
		})
		if err != nil {
			return err
		}
		_, err = s.outbox.SaveEvent(ctx, event)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to register user", zap.String("email", in.Email), zap.Error(err))
		return nil, err
	}

	s.logger.Info("User registered successfully", zap.String("user_id", user.ID), zap.String("email", user.Email))
	return user, nil
}

// LoginKey is the rate limit key of login attempts for email.
func LoginKey(email string) string {
	return "login:" + normalizeEmail(email)
}

// Authenticate checks the credentials. Every call counts as one attempt of the login
// window for the email; a successful login clears the window.
func (s *Service) Authenticate(ctx context.Context, in AuthenticateInput) (*User, error) {
	in.Email = normalizeEmail(in.Email)
	key := LoginKey(in.Email)

	if err := s.limiter.Check(ctx, key); err != nil {
		return nil, err
	}
	if err := s.validate.StructCtx(ctx, in); err != nil {
		return nil, validationError(err)
	}

	user, err := s.users.FindByEmail(ctx, in.Email)
	if errors.Is(err, ErrUserNotFound) {
		s.logger.Warn("Authentication attempt with non-existent email", zap.String("email", in.Email))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if !s.hasher.Verify(user.PasswordHash, in.Password) {
		s.logger.Warn("Authentication attempt with invalid password",
			zap.String("user_id", user.ID),
			zap.String("email", in.Email),
		)
		return nil, ErrInvalidCredentials
	}
	if user.IsDeleted() {
		s.logger.Warn("Authentication attempt for deleted user", zap.String("user_id", user.ID))
		return nil, ErrAccountDisabled
	}

	s.limiter.Clear(ctx, key)
	s.logger.Info("User authenticated successfully", zap.String("user_id", user.ID))
	return user, nil
}
