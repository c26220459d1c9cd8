package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cautionlist/cautionbot/internal/db"
	moderr "github.com/cautionlist/cautionbot/internal/errors"
)

func newTestClient(t *testing.T) *sqliteClient {
	t.Helper()
	client, err := NewSQLiteClient(context.Background(), t.TempDir(), "test.db")
	if err != nil {
		t.Fatalf("new sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestUpsertIdentityPreservesKnownFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	if err := client.UpsertIdentity(ctx, db.Identity{ID: 111, Name: "Alice", Username: "alice", AccessHash: "h1"}); err != nil {
		t.Fatalf("upsert identity: %v", err)
	}
	if err := client.UpsertIdentity(ctx, db.Identity{ID: 111, Name: "Alice B"}); err != nil {
		t.Fatalf("upsert identity again: %v", err)
	}

	user, err := client.GetUser(ctx, 111)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user == nil {
		t.Fatal("expected user, got nil")
	}
	if user.Name != "Alice B" {
		t.Fatalf("expected updated name, got %q", user.Name)
	}
	if user.Username != "alice" || user.AccessHash != "h1" {
		t.Fatalf("blank fields clobbered stored values: %#v", user)
	}
}

func TestGetUserByUsernameIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	if err := client.UpsertIdentity(ctx, db.Identity{ID: 222, Name: "Bob", Username: "BobTheSeller"}); err != nil {
		t.Fatalf("upsert identity: %v", err)
	}

	user, err := client.GetUserByUsername(ctx, "@bobtheseller")
	if err != nil {
		t.Fatalf("get by username: %v", err)
	}
	if user == nil || user.ID != 222 {
		t.Fatalf("unexpected lookup result: %#v", user)
	}

	missing, err := client.GetUserByUsername(ctx, "nobody")
	if err != nil {
		t.Fatalf("get missing username: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown username, got %#v", missing)
	}
}

func TestAppendApprovedReportRejectsDuplicateProofLocation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	report := &db.ApprovedReport{
		UserID:     222,
		ProofChat:  -100500,
		ProofTopic: 42,
		Summary:    "Took payment, never delivered",
		AmountUSD:  150,
		Reporter:   111,
		CreatedAt:  time.Now().Unix(),
	}
	if err := client.AppendApprovedReport(ctx, report); err != nil {
		t.Fatalf("append report: %v", err)
	}

	err := client.AppendApprovedReport(ctx, report)
	if !errors.Is(err, moderr.ErrDuplicateReport) {
		t.Fatalf("expected duplicate report error, got %v", err)
	}

	user, err := client.GetUser(ctx, 222)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user == nil || !user.DWC {
		t.Fatalf("expected dwc flag set, got %#v", user)
	}

	reports, err := client.GetApprovedReports(ctx, 222)
	if err != nil {
		t.Fatalf("get approved reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected single report, got %d", len(reports))
	}
}

func TestClearDWCRemovesFlagAndReports(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	report := &db.ApprovedReport{
		UserID:     333,
		ProofChat:  -100500,
		ProofTopic: 7,
		Summary:    "Vanished after deposit",
		Reporter:   111,
		CreatedAt:  time.Now().Unix(),
	}
	if err := client.AppendApprovedReport(ctx, report); err != nil {
		t.Fatalf("append report: %v", err)
	}
	if err := client.SetDWCMessage(ctx, 333, -100600, 99); err != nil {
		t.Fatalf("set dwc message: %v", err)
	}

	if err := client.ClearDWC(ctx, 333); err != nil {
		t.Fatalf("clear dwc: %v", err)
	}

	user, err := client.GetUser(ctx, 333)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.DWC || user.DWCMsgChat != 0 || user.DWCMsgID != 0 {
		t.Fatalf("expected cleared listing state, got %#v", user)
	}

	reports, err := client.GetApprovedReports(ctx, 333)
	if err != nil {
		t.Fatalf("get approved reports: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected no reports after clear, got %d", len(reports))
	}

	if err := client.ClearDWC(ctx, 333); !errors.Is(err, moderr.ErrNotListed) {
		t.Fatalf("expected not listed error on second clear, got %v", err)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	conv := &db.Conversation{
		State:       db.StateReportAwaitingProof,
		ReportingID: 555,
		Summary:     "Ghosted after payment",
		Amount:      42.5,
		Evidence:    db.Int64List{10, 11, 12},
	}
	if err := client.SetConversation(ctx, 444, conv); err != nil {
		t.Fatalf("set conversation: %v", err)
	}

	user, err := client.GetUser(ctx, 444)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.State != db.StateReportAwaitingProof || user.ReportingID != 555 {
		t.Fatalf("conversation not persisted: %#v", user.Conversation)
	}
	if len(user.Evidence) != 3 || !user.Evidence.Contains(11) {
		t.Fatalf("evidence list not persisted: %#v", user.Evidence)
	}

	if err := client.ClearConversation(ctx, 444); err != nil {
		t.Fatalf("clear conversation: %v", err)
	}
	user, err = client.GetUser(ctx, 444)
	if err != nil {
		t.Fatalf("get user after clear: %v", err)
	}
	if user.State != db.StateNone || user.ReportingID != 0 || len(user.Evidence) != 0 {
		t.Fatalf("conversation not cleared: %#v", user.Conversation)
	}
}
