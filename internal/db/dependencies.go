package db

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Client is the persistence surface the moderation core runs against. Lookup
// methods return (nil, nil) when the entity does not exist; mutation methods
// upsert lazily so records materialize on first interaction.
type Client interface {
	Close() error

	// Users.
	GetUser(ctx context.Context, userID int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpsertIdentity(ctx context.Context, identity Identity) error
	BulkUpsertIdentities(ctx context.Context, identities []Identity) error
	SetBanned(ctx context.Context, userID int64, reason string) error
	SetAppealing(ctx context.Context, userID int64, appealing bool) error
	TouchLastReport(ctx context.Context, userID int64, at time.Time) error
	TouchLastAppeal(ctx context.Context, userID int64, at time.Time) error

	// Conversation flow state.
	SetConversation(ctx context.Context, userID int64, conv *Conversation) error
	ClearConversation(ctx context.Context, userID int64) error

	// Denylist lifecycle. AppendApprovedReport sets the dwc flag together
	// with the report row; it returns ErrDuplicateReport from the errors
	// package mapping when the proof location is already recorded.
	// ClearDWC removes dwc, reports and the listing reference atomically.
	AppendApprovedReport(ctx context.Context, report *ApprovedReport) error
	GetApprovedReports(ctx context.Context, userID int64) ([]ApprovedReport, error)
	SetDWCFlag(ctx context.Context, userID int64, reason string) error
	SetDWCMessage(ctx context.Context, userID int64, chatID int64, messageID int) error
	UnsetDWCMessage(ctx context.Context, userID int64) error
	ClearDWC(ctx context.Context, userID int64) error

	// Unapproved reports.
	CreateUnapprovedReport(ctx context.Context, report *UnapprovedReport) error
	GetUnapprovedReport(ctx context.Context, id string) (*UnapprovedReport, error)
	DeleteUnapprovedReport(ctx context.Context, id string) error

	// Chats and membership.
	GetChat(ctx context.Context, chatID int64) (*Chat, error)
	UpsertChat(ctx context.Context, chatID int64, chatType string) error
	SetChatPrivate(ctx context.Context, chatID int64, private bool) error
	SetAdsDisabled(ctx context.Context, chatID int64, disabled bool) error
	TouchScrape(ctx context.Context, chatID int64, at time.Time) error
	TouchAd(ctx context.Context, chatIDs []int64, at time.Time) error
	ChatsNeedingScrape(ctx context.Context, olderThan time.Time) ([]Chat, error)
	ChatsForBroadcast(ctx context.Context, olderThan time.Time) ([]Chat, error)

	AddMember(ctx context.Context, chatID, userID int64) error
	RemoveMember(ctx context.Context, chatID, userID int64) error
	ReplaceMembers(ctx context.Context, chatID int64, userIDs []int64) error
	ChatsSharedWith(ctx context.Context, userID int64) ([]Chat, error)

	AddBannedMember(ctx context.Context, chatID, userID int64) error
	RemoveBannedMember(ctx context.Context, chatID, userID int64) error
	ChatsWhereBanned(ctx context.Context, userID int64) ([]int64, error)

	// Staff review flow state.
	GetStaffState(ctx context.Context, staffID int64) (*StaffState, error)
	SetStaffState(ctx context.Context, state *StaffState) error
	ClearStaffState(ctx context.Context, staffID int64) error
}
