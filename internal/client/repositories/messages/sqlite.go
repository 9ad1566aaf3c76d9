package messages

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/cipherchat/internal/client/models"
	"github.com/dmitrijs2005/cipherchat/internal/dbx"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Add(ctx context.Context, m *models.Message) (int64, error) {
	query := `INSERT INTO messages (friend_user_id, sender, encrypted_body, encrypted_epk, date, time, is_image)
			VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		m.FriendUserID, m.Sender, m.EncryptedBody, m.EncryptedEpk, m.Date, m.Time, m.IsImage)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get message id: %w", err)
	}
	return id, nil
}

func (r *SQLiteRepository) GetConversation(ctx context.Context, friendUserID string) ([]models.Message, error) {
	query := `SELECT id, friend_user_id, sender, encrypted_body, encrypted_epk, date, time, is_image
			FROM messages WHERE friend_user_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, friendUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages: %w", err)
	}
	defer rows.Close()

	var result []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Id, &m.FriendUserID, &m.Sender, &m.EncryptedBody,
			&m.EncryptedEpk, &m.Date, &m.Time, &m.IsImage); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) DeleteConversation(ctx context.Context, friendUserID string) error {
	query := `DELETE FROM messages WHERE friend_user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, friendUserID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Reassign(ctx context.Context, friendUserID, newUserID string) error {
	query := `UPDATE messages SET friend_user_id = ? WHERE friend_user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, newUserID, friendUserID); err != nil {
		return fmt.Errorf("failed to reassign conversation: %w", err)
	}
	return nil
}
