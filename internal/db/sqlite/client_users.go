package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cautionlist/cautionbot/internal/db"
	moderr "github.com/cautionlist/cautionbot/internal/errors"
)

const userColumns = `
	id, name, username, access_hash, banned, dwc, dwc_reason, appealing,
	last_report_at, last_appeal_at, dwc_msg_chat, dwc_msg_id,
	conv_state, conv_reporting_id, conv_summary, conv_amount, conv_evidence
`

func (c *sqliteClient) GetUser(ctx context.Context, userID int64) (*db.User, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var user db.User
	err := c.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user %d: %w", userID, err)
	}
	return &user, nil
}

func (c *sqliteClient) GetUserByUsername(ctx context.Context, username string) (*db.User, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	username = strings.TrimPrefix(username, "@")
	var user db.User
	err := c.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE username = ? COLLATE NOCASE LIMIT 1`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by username %q: %w", username, err)
	}
	return &user, nil
}

// UpsertIdentity refreshes cached display data without clobbering known
// values with blanks: an empty field in the incoming identity leaves the
// stored one untouched.
func (c *sqliteClient) UpsertIdentity(ctx context.Context, identity db.Identity) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.upsertIdentityTx(ctx, c.db, identity)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (c *sqliteClient) upsertIdentityTx(ctx context.Context, tx execer, identity db.Identity) error {
	query := `
		INSERT INTO users (id, name, username, access_hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE username END,
			access_hash = CASE WHEN excluded.access_hash != '' THEN excluded.access_hash ELSE access_hash END
	`
	_, err := tx.ExecContext(ctx, query, identity.ID, identity.Name, identity.Username, identity.AccessHash)
	if err != nil {
		return fmt.Errorf("failed to upsert identity %d: %w", identity.ID, err)
	}
	return nil
}

func (c *sqliteClient) BulkUpsertIdentities(ctx context.Context, identities []db.Identity) error {
	if len(identities) == 0 {
		return nil
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, identity := range identities {
		if err := c.upsertIdentityTx(ctx, tx, identity); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *sqliteClient) SetBanned(ctx context.Context, userID int64, reason string) error {
	return c.upsertUserField(ctx, userID, "banned", reason)
}

func (c *sqliteClient) SetAppealing(ctx context.Context, userID int64, appealing bool) error {
	return c.upsertUserField(ctx, userID, "appealing", appealing)
}

func (c *sqliteClient) TouchLastReport(ctx context.Context, userID int64, at time.Time) error {
	return c.upsertUserField(ctx, userID, "last_report_at", at.Unix())
}

func (c *sqliteClient) TouchLastAppeal(ctx context.Context, userID int64, at time.Time) error {
	return c.upsertUserField(ctx, userID, "last_appeal_at", at.Unix())
}

func (c *sqliteClient) upsertUserField(ctx context.Context, userID int64, column string, value interface{}) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := fmt.Sprintf(`
		INSERT INTO users (id, %[1]s) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET %[1]s = excluded.%[1]s
	`, column)
	_, err := c.db.ExecContext(ctx, query, userID, value)
	if err != nil {
		return fmt.Errorf("failed to set %s for user %d: %w", column, userID, err)
	}
	return nil
}

func (c *sqliteClient) SetConversation(ctx context.Context, userID int64, conv *db.Conversation) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	evidence := conv.Evidence
	if evidence == nil {
		evidence = db.Int64List{}
	}
	query := `
		INSERT INTO users (id, conv_state, conv_reporting_id, conv_summary, conv_amount, conv_evidence)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conv_state = excluded.conv_state,
			conv_reporting_id = excluded.conv_reporting_id,
			conv_summary = excluded.conv_summary,
			conv_amount = excluded.conv_amount,
			conv_evidence = excluded.conv_evidence
	`
	_, err := c.db.ExecContext(ctx, query, userID, conv.State, conv.ReportingID, conv.Summary, conv.Amount, evidence)
	if err != nil {
		return fmt.Errorf("failed to set conversation for user %d: %w", userID, err)
	}
	return nil
}

func (c *sqliteClient) ClearConversation(ctx context.Context, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		UPDATE users SET
			conv_state = 'none',
			conv_reporting_id = 0,
			conv_summary = '',
			conv_amount = 0,
			conv_evidence = '[]'
		WHERE id = ?
	`
	_, err := c.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to clear conversation for user %d: %w", userID, err)
	}
	return nil
}

// AppendApprovedReport records the report and raises the denylist flag in one
// transaction. A proof location already present on the user yields
// ErrDuplicateReport and leaves the record untouched.
func (c *sqliteClient) AppendApprovedReport(ctx context.Context, report *db.ApprovedReport) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO approved_reports (user_id, proof_chat, proof_topic, summary, amount_usd, reporter, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, proof_chat, proof_topic) DO NOTHING
	`, report.UserID, report.ProofChat, report.ProofTopic, report.Summary, report.AmountUSD, report.Reporter, report.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert approved report: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		return moderr.ErrDuplicateReport
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, dwc) VALUES (?, 1)
		ON CONFLICT(id) DO UPDATE SET dwc = 1
	`, report.UserID)
	if err != nil {
		return fmt.Errorf("failed to set dwc flag: %w", err)
	}
	return tx.Commit()
}

func (c *sqliteClient) GetApprovedReports(ctx context.Context, userID int64) ([]db.ApprovedReport, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var reports []db.ApprovedReport
	err := c.db.SelectContext(ctx, &reports, `
		SELECT user_id, proof_chat, proof_topic, summary, amount_usd, reporter, created_at
		FROM approved_reports WHERE user_id = ? ORDER BY created_at, proof_topic
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get approved reports for %d: %w", userID, err)
	}
	return reports, nil
}

func (c *sqliteClient) SetDWCFlag(ctx context.Context, userID int64, reason string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO users (id, dwc, dwc_reason) VALUES (?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET dwc = 1, dwc_reason = excluded.dwc_reason
	`
	_, err := c.db.ExecContext(ctx, query, userID, reason)
	if err != nil {
		return fmt.Errorf("failed to set dwc flag for user %d: %w", userID, err)
	}
	return nil
}

func (c *sqliteClient) SetDWCMessage(ctx context.Context, userID int64, chatID int64, messageID int) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO users (id, dwc_msg_chat, dwc_msg_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET dwc_msg_chat = excluded.dwc_msg_chat, dwc_msg_id = excluded.dwc_msg_id
	`
	_, err := c.db.ExecContext(ctx, query, userID, chatID, messageID)
	if err != nil {
		return fmt.Errorf("failed to set dwc message for user %d: %w", userID, err)
	}
	return nil
}

func (c *sqliteClient) UnsetDWCMessage(ctx context.Context, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `UPDATE users SET dwc_msg_chat = 0, dwc_msg_id = 0 WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to unset dwc message for user %d: %w", userID, err)
	}
	return nil
}

// ClearDWC removes the denylist flag, the report list and the listing
// reference as one atomic group. The appeal bookkeeping fields survive.
func (c *sqliteClient) ClearDWC(ctx context.Context, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET dwc = 0, dwc_msg_chat = 0, dwc_msg_id = 0
		WHERE id = ? AND dwc = 1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear dwc for user %d: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return moderr.ErrNotListed
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM approved_reports WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete approved reports for %d: %w", userID, err)
	}
	return tx.Commit()
}
