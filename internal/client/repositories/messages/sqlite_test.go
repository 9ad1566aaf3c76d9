package messages

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/dmitrijs2005/cipherchat/internal/client/migrations"
	"github.com/dmitrijs2005/cipherchat/internal/client/models"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	goose.SetBaseFS(migrations.Migrations)
	require.NoError(t, goose.SetDialect("sqlite3"))
	require.NoError(t, goose.Up(db, "."))
	return db
}

func TestSQLiteRepository_AddAndReplayInOrder(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Add(ctx, &models.Message{
			FriendUserID:  "bob",
			Sender:        "alice",
			EncryptedBody: []byte(fmt.Sprintf("body-%d", i)),
			EncryptedEpk:  []byte("epk"),
			Date:          "2026-09-01",
			Time:          "10:0" + fmt.Sprint(i),
		})
		require.NoError(t, err)
	}
	// unrelated conversation
	_, err := repo.Add(ctx, &models.Message{
		FriendUserID: "carol", Sender: "carol",
		EncryptedBody: []byte("x"), EncryptedEpk: []byte("y"),
		Date: "2026-09-01", Time: "11:00",
	})
	require.NoError(t, err)

	conv, err := repo.GetConversation(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, conv, 5)
	for i, m := range conv {
		assert.Equal(t, []byte(fmt.Sprintf("body-%d", i)), m.EncryptedBody)
		if i > 0 {
			assert.Greater(t, m.Id, conv[i-1].Id)
		}
	}
}

func TestSQLiteRepository_DeleteConversation(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repo.Add(ctx, &models.Message{
		FriendUserID: "bob", Sender: "bob",
		EncryptedBody: []byte("x"), EncryptedEpk: []byte("y"),
		Date: "2026-09-01", Time: "10:00",
	})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteConversation(ctx, "bob"))
	conv, err := repo.GetConversation(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, conv)
}

func TestSQLiteRepository_Reassign(t *testing.T) {
	repo := NewSQLiteRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repo.Add(ctx, &models.Message{
		FriendUserID: "bob", Sender: "bob",
		EncryptedBody: []byte("x"), EncryptedEpk: []byte("y"),
		Date: "2026-09-01", Time: "10:00", IsImage: true,
	})
	require.NoError(t, err)

	require.NoError(t, repo.Reassign(ctx, "bob", "deleted account(1)"))

	conv, err := repo.GetConversation(ctx, "deleted account(1)")
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.True(t, conv[0].IsImage)
}
