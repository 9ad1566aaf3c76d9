// Package services implements the client's application logic on top of the
// protocol client and the local sqlite repositories: the friendship state
// machine, the encrypted message history and account maintenance.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/cipherchat/internal/client/client"
	"github.com/dmitrijs2005/cipherchat/internal/client/models"
	"github.com/dmitrijs2005/cipherchat/internal/client/repositories/friendships"
	"github.com/dmitrijs2005/cipherchat/internal/client/repositories/messages"
	"github.com/dmitrijs2005/cipherchat/internal/common"
	"github.com/dmitrijs2005/cipherchat/internal/cryptox"
	"github.com/dmitrijs2005/cipherchat/internal/envelope"
	"github.com/dmitrijs2005/cipherchat/internal/logging"
)

var ErrNotFriends = errors.New("not an accepted friend")

// FriendshipService keeps the local friend list in sync with the peers'
// view of it. Status transitions are always initiated by one side and
// mirrored on the other through relayed notifications.
type FriendshipService struct {
	api    client.API
	repo   friendships.Repository
	msgs   messages.Repository
	logger logging.Logger
}

func NewFriendshipService(api client.API, repo friendships.Repository, msgs messages.Repository, logger logging.Logger) *FriendshipService {
	return &FriendshipService{
		api:    api,
		repo:   repo,
		msgs:   msgs,
		logger: logger.With("module", "friendship"),
	}
}

// List returns the local friend list.
func (s *FriendshipService) List(ctx context.Context) ([]models.Friendship, error) {
	return s.repo.GetAll(ctx)
}

// Get returns one friendship row.
func (s *FriendshipService) Get(ctx context.Context, friendUserID string) (*models.Friendship, error) {
	return s.repo.GetByID(ctx, friendUserID)
}

// SendRequest resolves the friend code with the server, records a
// `requested` row with ourselves as specifier and notifies the peer.
func (s *FriendshipService) SendRequest(ctx context.Context, friendUserID string) error {
	exists, err := s.api.UserIDExists(ctx, friendUserID)
	if err != nil {
		return err
	}
	if !exists {
		return common.ErrorNotFound
	}

	screenName, pubDER, err := s.api.FriendDetails(ctx, friendUserID)
	if err != nil {
		return err
	}

	if err := s.repo.Upsert(ctx, &models.Friendship{
		FriendUserID: friendUserID,
		ScreenName:   screenName,
		PublicKey:    pubDER,
		Status:       models.StatusRequested,
		SpecifierID:  s.api.UserID(),
	}); err != nil {
		return err
	}

	return s.notify(friendUserID, &envelope.Payload{
		Type:   envelope.TypeFriendRequest,
		Sender: s.api.UserID(),
	})
}

// Accept confirms a pending request from friendUserID.
func (s *FriendshipService) Accept(ctx context.Context, friendUserID string) error {
	f, err := s.repo.GetByID(ctx, friendUserID)
	if err != nil {
		return err
	}
	if f.Status != models.StatusRequested || f.SpecifierID == s.api.UserID() {
		return fmt.Errorf("no incoming request from %s", friendUserID)
	}
	if err := s.repo.UpdateStatus(ctx, friendUserID, models.StatusAccepted, s.api.UserID()); err != nil {
		return err
	}
	return s.notify(friendUserID, &envelope.Payload{
		Type:   envelope.TypeFriendAccepted,
		Sender: s.api.UserID(),
	})
}

// Reject declines a pending request and removes the row.
func (s *FriendshipService) Reject(ctx context.Context, friendUserID string) error {
	if err := s.notify(friendUserID, &envelope.Payload{
		Type:   envelope.TypeFriendRejected,
		Sender: s.api.UserID(),
	}); err != nil {
		return err
	}
	return s.repo.Delete(ctx, friendUserID)
}

// Block marks the friendship blocked with ourselves as specifier.
func (s *FriendshipService) Block(ctx context.Context, friendUserID string) error {
	if err := s.repo.UpdateStatus(ctx, friendUserID, models.StatusBlocked, s.api.UserID()); err != nil {
		return err
	}
	return s.notify(friendUserID, &envelope.Payload{
		Type:   envelope.TypeBlocked,
		Sender: s.api.UserID(),
	})
}

// Unblock lifts a block we set; the friendship returns to accepted.
func (s *FriendshipService) Unblock(ctx context.Context, friendUserID string) error {
	f, err := s.repo.GetByID(ctx, friendUserID)
	if err != nil {
		return err
	}
	if f.Status != models.StatusBlocked || f.SpecifierID != s.api.UserID() {
		return fmt.Errorf("%s is not blocked by us", friendUserID)
	}
	if err := s.repo.UpdateStatus(ctx, friendUserID, models.StatusAccepted, s.api.UserID()); err != nil {
		return err
	}
	return s.notify(friendUserID, &envelope.Payload{
		Type:   envelope.TypeUnblocked,
		Sender: s.api.UserID(),
	})
}

// notify seals a payload for the friend and routes it through the relay.
func (s *FriendshipService) notify(friendUserID string, p *envelope.Payload) error {
	return sendPeerNotification(s.api, s.repo, friendUserID, p)
}

func sendPeerNotification(api client.API, repo friendships.Repository, friendUserID string, p *envelope.Payload) error {
	f, err := repo.GetByID(context.Background(), friendUserID)
	if err != nil {
		return err
	}
	pub, err := cryptox.ParsePublicKey(f.PublicKey)
	if err != nil {
		return fmt.Errorf("stored key for %s: %w", friendUserID, err)
	}
	_, err = api.SendToPeer(p, pub, friendUserID)
	return err
}

// HandleNotification applies a peer-initiated friendship event to the local
// store. Unknown or inapplicable events are logged and ignored so a
// malicious peer cannot corrupt the list.
func (s *FriendshipService) HandleNotification(ctx context.Context, p *envelope.Payload) {
	var err error
	switch p.Type {
	case envelope.TypeFriendRequest:
		err = s.recordIncomingRequest(ctx, p.Sender)
	case envelope.TypeFriendAccepted:
		err = s.repo.UpdateStatus(ctx, p.Sender, models.StatusAccepted, p.Sender)
	case envelope.TypeFriendRejected:
		err = s.repo.Delete(ctx, p.Sender)
	case envelope.TypeBlocked:
		err = s.repo.UpdateStatus(ctx, p.Sender, models.StatusBlocked, p.Sender)
	case envelope.TypeUnblocked:
		err = s.repo.UpdateStatus(ctx, p.Sender, models.StatusAccepted, p.Sender)
	case envelope.TypeSyncScreenName:
		err = s.repo.UpdateScreenName(ctx, p.Sender, p.NewScreenName)
	case envelope.TypeSyncAccountDeletion:
		err = s.applyAccountDeletion(ctx, p.Sender, p.AccountDeletionName)
	default:
		s.logger.Warn(ctx, "unknown friendship notification", "type", p.Type)
		return
	}
	if err != nil {
		s.logger.Warn(ctx, "friendship notification not applied",
			"type", p.Type, "sender", p.Sender, "error", err)
	}
}

func (s *FriendshipService) recordIncomingRequest(ctx context.Context, sender string) error {
	screenName, pubDER, err := s.api.FriendDetails(ctx, sender)
	if err != nil {
		return err
	}
	return s.repo.Upsert(ctx, &models.Friendship{
		FriendUserID: sender,
		ScreenName:   screenName,
		PublicKey:    pubDER,
		Status:       models.StatusRequested,
		SpecifierID:  sender,
	})
}

// applyAccountDeletion rewrites the friendship and its history to the
// tombstone name a deleted peer now goes by.
func (s *FriendshipService) applyAccountDeletion(ctx context.Context, sender, marker string) error {
	if err := s.repo.Rename(ctx, sender, marker, marker); err != nil {
		return err
	}
	return s.msgs.Reassign(ctx, sender, marker)
}
