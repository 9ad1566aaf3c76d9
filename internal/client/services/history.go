package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/cipherchat/internal/blockcipher"
	"github.com/dmitrijs2005/cipherchat/internal/client/client"
	"github.com/dmitrijs2005/cipherchat/internal/client/models"
	"github.com/dmitrijs2005/cipherchat/internal/client/repositories/friendships"
	"github.com/dmitrijs2005/cipherchat/internal/client/repositories/messages"
	"github.com/dmitrijs2005/cipherchat/internal/cryptox"
	"github.com/dmitrijs2005/cipherchat/internal/envelope"
	"github.com/dmitrijs2005/cipherchat/internal/logging"
)

// ChatLine is one decrypted history entry.
type ChatLine struct {
	Sender  string
	Text    string
	Date    string
	Time    string
	IsImage bool
}

// MessageService sends chat messages and keeps the sealed local history.
// Bodies rest encrypted under their per-message ephemeral key; the key is
// stored re-sealed under the account master key, so the history is
// unreadable without a successful login.
type MessageService struct {
	api     client.API
	friends friendships.Repository
	repo    messages.Repository
	logger  logging.Logger
}

func NewMessageService(api client.API, friends friendships.Repository, repo messages.Repository, logger logging.Logger) *MessageService {
	return &MessageService{
		api:     api,
		friends: friends,
		repo:    repo,
		logger:  logger.With("module", "history"),
	}
}

// Send delivers text to an accepted friend and archives it locally.
func (s *MessageService) Send(ctx context.Context, friendUserID, text string, isImage bool) error {
	f, err := s.friends.GetByID(ctx, friendUserID)
	if err != nil {
		return err
	}
	if f.Status != models.StatusAccepted {
		return ErrNotFriends
	}
	pub, err := cryptox.ParsePublicKey(f.PublicKey)
	if err != nil {
		return fmt.Errorf("stored key for %s: %w", friendUserID, err)
	}

	now := time.Now()
	date, clock := now.Format("2006-01-02"), now.Format("15:04")

	epk, err := s.api.SendToPeer(&envelope.Payload{
		Type:    envelope.TypeMessage,
		Sender:  s.api.UserID(),
		Message: text,
		Date:    date,
		Time:    clock,
		IsImage: isImage,
	}, pub, friendUserID)
	if err != nil {
		return err
	}

	return s.archive(ctx, friendUserID, s.api.UserID(), text, epk, date, clock, isImage)
}

// Record archives a message received from a peer, reusing the ephemeral key
// it arrived under.
func (s *MessageService) Record(ctx context.Context, opened *envelope.Opened) error {
	p := opened.Payload
	return s.archive(ctx, p.Sender, p.Sender, p.Message, opened.EphemeralKey, p.Date, p.Time, p.IsImage)
}

func (s *MessageService) archive(ctx context.Context, friendUserID, sender, text string, epk []byte, date, clock string, isImage bool) error {
	body, err := blockcipher.Encrypt([]byte(text), epk)
	if err != nil {
		return fmt.Errorf("seal message body: %w", err)
	}
	sealedEpk, err := blockcipher.Encrypt(epk, s.api.MasterKey())
	if err != nil {
		return fmt.Errorf("seal message key: %w", err)
	}

	_, err = s.repo.Add(ctx, &models.Message{
		FriendUserID:  friendUserID,
		Sender:        sender,
		EncryptedBody: body,
		EncryptedEpk:  sealedEpk,
		Date:          date,
		Time:          clock,
		IsImage:       isImage,
	})
	return err
}

// History decrypts the conversation with friendUserID in insertion order.
func (s *MessageService) History(ctx context.Context, friendUserID string) ([]ChatLine, error) {
	stored, err := s.repo.GetConversation(ctx, friendUserID)
	if err != nil {
		return nil, err
	}

	masterKey := s.api.MasterKey()
	lines := make([]ChatLine, 0, len(stored))
	for _, m := range stored {
		epk, err := blockcipher.Decrypt(m.EncryptedEpk, masterKey)
		if err != nil {
			return nil, fmt.Errorf("unseal message key: %w", err)
		}
		body, err := blockcipher.Decrypt(m.EncryptedBody, epk)
		if err != nil {
			return nil, fmt.Errorf("unseal message %d: %w", m.Id, err)
		}
		lines = append(lines, ChatLine{
			Sender:  m.Sender,
			Text:    string(body),
			Date:    m.Date,
			Time:    m.Time,
			IsImage: m.IsImage,
		})
	}
	return lines, nil
}
