package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cautionlist/cautionbot/internal/db"
)

func (c *sqliteClient) GetStaffState(ctx context.Context, userID int64) (*db.StaffState, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var state db.StaffState
	err := c.db.GetContext(ctx, &state, `
		SELECT user_id, state, channel, reason_id FROM staff_states WHERE user_id = ?
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get staff state for %d: %w", userID, err)
	}
	return &state, nil
}

func (c *sqliteClient) SetStaffState(ctx context.Context, state *db.StaffState) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO staff_states (user_id, state, channel, reason_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			state = excluded.state,
			channel = excluded.channel,
			reason_id = excluded.reason_id
	`
	_, err := c.db.ExecContext(ctx, query, state.UserID, state.State, state.Channel, state.ReasonID)
	if err != nil {
		return fmt.Errorf("failed to set staff state for %d: %w", state.UserID, err)
	}
	return nil
}

func (c *sqliteClient) ClearStaffState(ctx context.Context, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `DELETE FROM staff_states WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear staff state for %d: %w", userID, err)
	}
	return nil
}
