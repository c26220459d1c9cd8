package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

type (
	// User is the per-user moderation record. Identity fields are cached
	// best-effort copies of what the platform last showed us; DWCReason is a
	// staff-only annotation and is never read back into logic.
	User struct {
		ID         int64  `db:"id"`
		Name       string `db:"name"`
		Username   string `db:"username"`
		AccessHash string `db:"access_hash"`

		// Banned holds the ban-from-bot reason, empty means not banned.
		Banned    string `db:"banned"`
		DWC       bool   `db:"dwc"`
		DWCReason string `db:"dwc_reason"`
		Appealing bool   `db:"appealing"`

		// Unix seconds, zero means never.
		LastReportAt int64 `db:"last_report_at"`
		LastAppealAt int64 `db:"last_appeal_at"`

		// Reference to the public listing message, zero means none.
		DWCMsgChat int64 `db:"dwc_msg_chat"`
		DWCMsgID   int   `db:"dwc_msg_id"`

		Conversation
	}

	// Conversation is the persisted intake-flow state with its draft fields.
	// The draft fields are only meaningful for the states that set them:
	// ReportingID from report_getsummary on, Summary from report_getamount
	// on, Amount and Evidence while awaiting proof.
	Conversation struct {
		State       ConversationState `db:"conv_state"`
		ReportingID int64             `db:"conv_reporting_id"`
		Summary     string            `db:"conv_summary"`
		Amount      float64           `db:"conv_amount"`
		Evidence    Int64List         `db:"conv_evidence"`
	}

	// ApprovedReport is immutable once created. The (ProofChat, ProofTopic)
	// pair is unique per reported user.
	ApprovedReport struct {
		UserID     int64   `db:"user_id"`
		ProofChat  int64   `db:"proof_chat"`
		ProofTopic int     `db:"proof_topic"`
		Summary    string  `db:"summary"`
		AmountUSD  float64 `db:"amount_usd"` // <= 0 means not specified
		Reporter   int64   `db:"reporter"`
		CreatedAt  int64   `db:"created_at"`
	}

	// UnapprovedReport is the staging entity a completed report flow creates.
	// It is deleted, not archived, once staff approve or deny it.
	UnapprovedReport struct {
		ID           string    `db:"id"`
		Reported     int64     `db:"reported"`
		Reporter     int64     `db:"reporter"`
		Summary      string    `db:"summary"`
		AmountUSD    float64   `db:"amount_usd"`
		EvidenceChat int64     `db:"evidence_chat"`
		EvidenceMsgs Int64List `db:"evidence_msgs"`
		QueueChat    int64     `db:"queue_chat"`
		QueueMsg     int       `db:"queue_msg"`
		CreatedAt    int64     `db:"created_at"`
	}

	Chat struct {
		ID   int64  `db:"id"`
		Type string `db:"type"`

		// Private marks a chat the bot can no longer reach; propagation and
		// broadcasts skip it.
		Private     bool  `db:"private"`
		AdsDisabled bool  `db:"ads_disabled"`
		LastAdAt    int64 `db:"last_ad_at"`
		LastScrapeAt int64 `db:"last_scrape_at"`
	}

	// StaffState is the persisted review-flow position of one staff member,
	// used for denial flows that await a free-text reason.
	StaffState struct {
		UserID   int64       `db:"user_id"`
		State    ReviewState `db:"state"`
		Channel  int64       `db:"channel"`
		ReasonID string      `db:"reason_id"`
	}

	// Identity is the normalized user reference produced at the boundary;
	// internal logic never handles raw platform user objects.
	Identity struct {
		ID         int64
		Name       string
		Username   string
		AccessHash string
	}

	Int64List []int64
)

const (
	ChatTypeChannel = "channel"
	ChatTypePrivate = "private"
)

// Groupish reports whether in-chat ban notices may be posted to the chat.
func (c *Chat) Groupish() bool {
	return c.Type != ChatTypeChannel && c.Type != ChatTypePrivate
}

func (u *User) IsBanned() bool {
	return u != nil && u.Banned != ""
}

// DisplayName returns the best human-readable handle we have on record.
func (u *User) DisplayName() string {
	if u == nil {
		return "N/A"
	}
	if u.Name != "" {
		return u.Name
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return fmt.Sprintf("%d", u.ID)
}

func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		l = Int64List{}
	}
	return json.Marshal(l)
}

func (l *Int64List) Scan(v interface{}) error {
	if v == nil {
		return nil
	}
	switch data := v.(type) {
	case string:
		if strings.TrimSpace(data) == "" {
			return nil
		}
		return json.Unmarshal([]byte(data), l)
	case []byte:
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, l)
	default:
		return fmt.Errorf("cannot scan type %T into Int64List", v)
	}
}

func (l Int64List) Contains(id int64) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}
