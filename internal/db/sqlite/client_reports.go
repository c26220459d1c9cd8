package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cautionlist/cautionbot/internal/db"
)

func (c *sqliteClient) CreateUnapprovedReport(ctx context.Context, report *db.UnapprovedReport) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO unapproved_reports
			(id, reported, reporter, summary, amount_usd, evidence_chat, evidence_msgs, queue_chat, queue_msg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	evidence := report.EvidenceMsgs
	if evidence == nil {
		evidence = db.Int64List{}
	}
	_, err := c.db.ExecContext(ctx, query,
		report.ID,
		report.Reported,
		report.Reporter,
		report.Summary,
		report.AmountUSD,
		report.EvidenceChat,
		evidence,
		report.QueueChat,
		report.QueueMsg,
		report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create unapproved report %s: %w", report.ID, err)
	}
	return nil
}

func (c *sqliteClient) GetUnapprovedReport(ctx context.Context, id string) (*db.UnapprovedReport, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var report db.UnapprovedReport
	err := c.db.GetContext(ctx, &report, `
		SELECT id, reported, reporter, summary, amount_usd, evidence_chat, evidence_msgs, queue_chat, queue_msg, created_at
		FROM unapproved_reports WHERE id = ?
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get unapproved report %s: %w", id, err)
	}
	return &report, nil
}

func (c *sqliteClient) DeleteUnapprovedReport(ctx context.Context, id string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `DELETE FROM unapproved_reports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete unapproved report %s: %w", id, err)
	}
	return nil
}
