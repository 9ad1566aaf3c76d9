// Package directory implements the server-side user directory: account
// creation, login verification, public-key lookups, screen-name changes
// and tombstoning deletes.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/cipherchat/internal/common"
	"github.com/dmitrijs2005/cipherchat/internal/cryptox"
	"github.com/dmitrijs2005/cipherchat/internal/dbx"
	"github.com/dmitrijs2005/cipherchat/internal/server/models"
)

// Details is the directory's answer to a friend-detail or full-export
// lookup.
type Details struct {
	UserID     string
	ScreenName string
	PublicKey  []byte
}

// Service provides directory operations on top of a Repository. The pepper
// is mixed into every password verifier and never leaves the server.
type Service struct {
	db      *sql.DB
	repoFor func(dbx.DBTX) Repository
	pepper  []byte
}

// NewService builds a Service backed by Postgres repositories on db.
func NewService(db *sql.DB, pepper []byte) *Service {
	return &Service{
		db:      db,
		repoFor: func(tx dbx.DBTX) Repository { return NewPostgresRepository(tx) },
		pepper:  pepper,
	}
}

// NewServiceWithRepository builds a Service with a custom repository
// factory. Used by tests.
func NewServiceWithRepository(db *sql.DB, repoFor func(dbx.DBTX) Repository, pepper []byte) *Service {
	return &Service{db: db, repoFor: repoFor, pepper: pepper}
}

// AddUser creates a directory record for a new account. The password is
// salted, hashed and peppered before storage; the write is all-or-nothing,
// so a failure never leaves a half-created row.
func (s *Service) AddUser(ctx context.Context, userID, screenName, password string, publicKey []byte) error {
	salt := common.GenerateRandByteArray(16)
	user := &models.User{
		UserID:       userID,
		ScreenName:   screenName,
		PasswordHash: cryptox.HashPassword([]byte(password), salt, s.pepper),
		Salt:         salt,
		PublicKey:    publicKey,
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repoFor(tx)
		taken, err := repo.Exists(ctx, userID)
		if err != nil {
			return err
		}
		if taken {
			return common.ErrUserIDTaken
		}
		return repo.Create(ctx, user)
	})
	if err != nil {
		if errors.Is(err, common.ErrUserIDTaken) {
			return err
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// VerifyLogin checks the password for userID against the stored verifier.
// An unknown user and a wrong password are both common.ErrorUnauthorized;
// existence is not leaked through the error.
func (s *Service) VerifyLogin(ctx context.Context, userID, password string) error {
	user, err := s.repoFor(s.db).GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrorUnauthorized
		}
		return common.ErrorInternal
	}
	if !cryptox.CheckPassword(user.PasswordHash, []byte(password), user.Salt, s.pepper) {
		return common.ErrorUnauthorized
	}
	return nil
}

// Exists reports whether userID is registered.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	return s.repoFor(s.db).Exists(ctx, userID)
}

// PublicKey returns the stored public key for userID.
func (s *Service) PublicKey(ctx context.Context, userID string) ([]byte, error) {
	user, err := s.repoFor(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.PublicKey, nil
}

// ScreenName returns the display label for userID.
func (s *Service) ScreenName(ctx context.Context, userID string) (string, error) {
	user, err := s.repoFor(s.db).GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.ScreenName, nil
}

// FriendDetails returns the screen name and public key a client needs to
// record a friendship.
func (s *Service) FriendDetails(ctx context.Context, userID string) (*Details, error) {
	user, err := s.repoFor(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Details{UserID: user.UserID, ScreenName: user.ScreenName, PublicKey: user.PublicKey}, nil
}

// ChangeScreenName rewrites the account's display label. Notifying friends
// of the change is the caller's responsibility.
func (s *Service) ChangeScreenName(ctx context.Context, userID, screenName string) error {
	return s.repoFor(s.db).UpdateScreenName(ctx, userID, screenName)
}

// DeleteAccount tombstones the record: user_id and screen_name are
// rewritten to a randomized "deleted account(N)" marker instead of removing
// the row. The marker is returned so the caller can broadcast it to the
// account's friends.
func (s *Service) DeleteAccount(ctx context.Context, userID string) (string, error) {
	suffix, err := common.MakeRandHexString(4)
	if err != nil {
		return "", fmt.Errorf("marker generation: %w", err)
	}
	marker := fmt.Sprintf("deleted account(%s)", suffix)
	if err := s.repoFor(s.db).Tombstone(ctx, userID, marker); err != nil {
		return "", err
	}
	return marker, nil
}
