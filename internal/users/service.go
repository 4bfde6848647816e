// Package users manages the sync server's account registry. Accounts are a
// username plus the client-derived secret; the server never sees plaintext
// passwords.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxUsernameLength = 190

var (
	// ErrInvalidUsername indicates an empty username or one containing ':'.
	ErrInvalidUsername = errors.New("users: invalid username")
	// ErrInvalidSecret indicates an empty account secret.
	ErrInvalidSecret = errors.New("users: invalid secret")
	// ErrUserExists indicates the username is already registered.
	ErrUserExists = errors.New("users: user already exists")

	errMissingDatabase = errors.New("users: database connection required")
)

// Account is one registered sync user.
type Account struct {
	Username         string `gorm:"column:username;primaryKey;size:190;not null"`
	Secret           string `gorm:"column:secret;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// ServiceConfig describes the dependencies for the account registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service registers and verifies accounts.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Register creates an account. The username must be non-empty, at most 190
// characters and free of ':' (the storage key separator).
func (s *Service) Register(ctx context.Context, username, secret string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	if secret == "" {
		return ErrInvalidSecret
	}

	account := Account{
		Username:         username,
		Secret:           secret,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Create(&account).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrUserExists
	}
	if err != nil {
		// SQLite reports the unique violation as a generic error; detect
		// it by re-checking existence so the caller sees a stable error.
		var existing Account
		lookupErr := s.db.WithContext(ctx).
			Where("username = ?", username).
			Take(&existing).Error
		if lookupErr == nil {
			return ErrUserExists
		}
		return err
	}

	s.logger.Info("account registered", zap.String("username", username))
	return nil
}

// Verify reports whether the username and secret match a stored account.
func (s *Service) Verify(ctx context.Context, username, secret string) (bool, error) {
	if validateUsername(username) != nil || secret == "" {
		return false, nil
	}

	var account Account
	err := s.db.WithContext(ctx).
		Where("username = ?", username).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return account.Secret == secret, nil
}

func validateUsername(username string) error {
	if username == "" || strings.Contains(username, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	if len(username) > maxUsernameLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidUsername, maxUsernameLength)
	}
	return nil
}
