package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cautionlist/cautionbot/internal/db"
)

func (c *sqliteClient) GetChat(ctx context.Context, chatID int64) (*db.Chat, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var chat db.Chat
	err := c.db.GetContext(ctx, &chat, `
		SELECT id, type, private, ads_disabled, last_ad_at, last_scrape_at
		FROM chats WHERE id = ?
	`, chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chat %d: %w", chatID, err)
	}
	return &chat, nil
}

func (c *sqliteClient) UpsertChat(ctx context.Context, chatID int64, chatType string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO chats (id, type) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET type = excluded.type
	`
	_, err := c.db.ExecContext(ctx, query, chatID, chatType)
	if err != nil {
		return fmt.Errorf("failed to upsert chat %d: %w", chatID, err)
	}
	return nil
}

func (c *sqliteClient) SetChatPrivate(ctx context.Context, chatID int64, private bool) error {
	return c.upsertChatField(ctx, chatID, "private", private)
}

func (c *sqliteClient) SetAdsDisabled(ctx context.Context, chatID int64, disabled bool) error {
	return c.upsertChatField(ctx, chatID, "ads_disabled", disabled)
}

func (c *sqliteClient) TouchScrape(ctx context.Context, chatID int64, at time.Time) error {
	return c.upsertChatField(ctx, chatID, "last_scrape_at", at.Unix())
}

func (c *sqliteClient) upsertChatField(ctx context.Context, chatID int64, column string, value interface{}) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := fmt.Sprintf(`
		INSERT INTO chats (id, %[1]s) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET %[1]s = excluded.%[1]s
	`, column)
	_, err := c.db.ExecContext(ctx, query, chatID, value)
	if err != nil {
		return fmt.Errorf("failed to set %s for chat %d: %w", column, chatID, err)
	}
	return nil
}

func (c *sqliteClient) TouchAd(ctx context.Context, chatIDs []int64, at time.Time) error {
	if len(chatIDs) == 0 {
		return nil
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query, args, err := sqlx.In(`UPDATE chats SET last_ad_at = ? WHERE id IN (?)`, at.Unix(), chatIDs)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to touch ad timestamps: %w", err)
	}
	return nil
}

func (c *sqliteClient) ChatsNeedingScrape(ctx context.Context, olderThan time.Time) ([]db.Chat, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var chats []db.Chat
	err := c.db.SelectContext(ctx, &chats, `
		SELECT id, type, private, ads_disabled, last_ad_at, last_scrape_at
		FROM chats
		WHERE private = 0 AND type NOT IN (?, ?) AND last_scrape_at < ?
	`, db.ChatTypeChannel, db.ChatTypePrivate, olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to select chats needing scrape: %w", err)
	}
	return chats, nil
}

func (c *sqliteClient) ChatsForBroadcast(ctx context.Context, olderThan time.Time) ([]db.Chat, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var chats []db.Chat
	err := c.db.SelectContext(ctx, &chats, `
		SELECT id, type, private, ads_disabled, last_ad_at, last_scrape_at
		FROM chats
		WHERE private = 0 AND ads_disabled = 0 AND type NOT IN (?, ?) AND last_ad_at < ?
	`, db.ChatTypeChannel, db.ChatTypePrivate, olderThan.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to select chats for broadcast: %w", err)
	}
	return chats, nil
}

func (c *sqliteClient) AddMember(ctx context.Context, chatID int64, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO chat_members (chat_id, user_id) VALUES (?, ?)
		ON CONFLICT(chat_id, user_id) DO NOTHING
	`, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to add member %d to chat %d: %w", userID, chatID, err)
	}
	return nil
}

func (c *sqliteClient) RemoveMember(ctx context.Context, chatID int64, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `DELETE FROM chat_members WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member %d from chat %d: %w", userID, chatID, err)
	}
	return nil
}

// ReplaceMembers swaps the entire member set of a chat. The delete and the
// reinsert happen in one transaction so concurrent readers never observe a
// half-emptied chat.
func (c *sqliteClient) ReplaceMembers(ctx context.Context, chatID int64, userIDs []int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_members WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to clear members of chat %d: %w", chatID, err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO chat_members (chat_id, user_id) VALUES (?, ?)
		ON CONFLICT(chat_id, user_id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, userID := range userIDs {
		if _, err := stmt.ExecContext(ctx, chatID, userID); err != nil {
			return fmt.Errorf("failed to insert member %d into chat %d: %w", userID, chatID, err)
		}
	}
	return tx.Commit()
}

// ChatsSharedWith lists groupish chats the user is currently a member of and
// not already banned from. Private and inaccessible chats are excluded.
func (c *sqliteClient) ChatsSharedWith(ctx context.Context, userID int64) ([]db.Chat, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var chats []db.Chat
	err := c.db.SelectContext(ctx, &chats, `
		SELECT ch.id, ch.type, ch.private, ch.ads_disabled, ch.last_ad_at, ch.last_scrape_at
		FROM chats ch
		JOIN chat_members m ON m.chat_id = ch.id
		WHERE m.user_id = ?
			AND ch.private = 0
			AND NOT EXISTS (
				SELECT 1 FROM chat_banned_members b
				WHERE b.chat_id = ch.id AND b.user_id = m.user_id
			)
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select chats shared with %d: %w", userID, err)
	}
	return chats, nil
}

func (c *sqliteClient) AddBannedMember(ctx context.Context, chatID int64, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO chat_banned_members (chat_id, user_id) VALUES (?, ?)
		ON CONFLICT(chat_id, user_id) DO NOTHING
	`, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to record ban of %d in chat %d: %w", userID, chatID, err)
	}
	return nil
}

func (c *sqliteClient) RemoveBannedMember(ctx context.Context, chatID int64, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `DELETE FROM chat_banned_members WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove ban record of %d in chat %d: %w", userID, chatID, err)
	}
	return nil
}

func (c *sqliteClient) ChatsWhereBanned(ctx context.Context, userID int64) ([]int64, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var chatIDs []int64
	err := c.db.SelectContext(ctx, &chatIDs, `SELECT chat_id FROM chat_banned_members WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select chats where %d is banned: %w", userID, err)
	}
	return chatIDs, nil
}
