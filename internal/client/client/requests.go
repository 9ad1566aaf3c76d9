package client

import (
	"context"

	"github.com/dmitrijs2005/cipherchat/internal/envelope"
)

// UserIDExists asks the server whether a friend code resolves to an account.
func (c *Client) UserIDExists(ctx context.Context, userID string) (bool, error) {
	if err := c.sendToServer(&envelope.Payload{Type: envelope.TypeFriendCodeExists, FriendCode: userID}); err != nil {
		return false, err
	}
	reply, err := c.recvFromServer()
	if err != nil {
		return false, err
	}
	return reply.Exists, nil
}

// RecipientPublicKey fetches the stored public key for userID. A nil result
// means the account is unknown.
func (c *Client) RecipientPublicKey(ctx context.Context, userID string) ([]byte, error) {
	if err := c.sendToServer(&envelope.Payload{Type: envelope.TypeRecipientKey, RecipientUserID: userID}); err != nil {
		return nil, err
	}
	reply, err := c.recvFromServer()
	if err != nil {
		return nil, err
	}
	return reply.RecipientPublicKey, nil
}

// FriendDetails fetches the screen name and public key for userID.
func (c *Client) FriendDetails(ctx context.Context, userID string) (string, []byte, error) {
	if err := c.sendToServer(&envelope.Payload{Type: envelope.TypeFriendDetails, FriendUserID: userID}); err != nil {
		return "", nil, err
	}
	reply, err := c.recvFromServer()
	if err != nil {
		return "", nil, err
	}
	return reply.ScreenName, reply.PublicKey, nil
}

// AllUserData fetches the server's record of the authenticated account.
func (c *Client) AllUserData(ctx context.Context) (*envelope.UserDetails, error) {
	if err := c.sendToServer(&envelope.Payload{Type: envelope.TypeAllUserData}); err != nil {
		return nil, err
	}
	reply, err := c.recvFromServer()
	if err != nil {
		return nil, err
	}
	return reply.UserDetails, nil
}

// ChangeScreenName updates the account's display label on the server. The
// server sends no reply; the local screen name is updated optimistically.
func (c *Client) ChangeScreenName(ctx context.Context, newName string) error {
	if err := c.sendToServer(&envelope.Payload{Type: envelope.TypeChangeScreenName, NewScreenName: newName}); err != nil {
		return err
	}
	c.mu.Lock()
	c.screenName = newName
	c.mu.Unlock()
	return nil
}

// DeleteAccount tombstones the account server-side and returns the marker
// name the row was rewritten to.
func (c *Client) DeleteAccount(ctx context.Context) (string, error) {
	if err := c.sendToServer(&envelope.Payload{Type: envelope.TypeDeletingAccount}); err != nil {
		return "", err
	}
	reply, err := c.recvFromServer()
	if err != nil {
		return "", err
	}
	if !reply.AccountDeleted {
		return "", errDeletionRefused
	}
	return reply.AccountDeletionName, nil
}
