package handlers

import (
	"context"
	"testing"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/cautionlist/cautionbot/internal/bot"
	"github.com/cautionlist/cautionbot/internal/db"
	"github.com/cautionlist/cautionbot/internal/db/sqlite"
)

type fakeDenylist struct {
	listed map[int64]bool
	banned []int64
}

func (d *fakeDenylist) IsListed(_ context.Context, userID int64) (bool, error) {
	return d.listed[userID], nil
}

func (d *fakeDenylist) BanFromChat(_ context.Context, _ *db.Chat, userID int64) error {
	d.banned = append(d.banned, userID)
	return nil
}

func newMembershipHarness(t *testing.T) (*Membership, db.Client, *fakeDenylist) {
	t.Helper()
	client, err := sqlite.NewSQLiteClient(context.Background(), t.TempDir(), "test.db")
	if err != nil {
		t.Fatalf("new sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	denylist := &fakeDenylist{listed: map[int64]bool{}}
	svc := bot.NewService(nil, client, newFakeTransport())
	return NewMembership(svc, denylist), client, denylist
}

func joinUpdate(chatID int64, users ...api.User) *api.Update {
	return &api.Update{Message: &api.Message{
		Chat:           api.Chat{ID: chatID, Type: "supergroup"},
		NewChatMembers: users,
	}}
}

func TestJoinRecordsMembershipAndBansListedUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, client, denylist := newMembershipHarness(t)
	denylist.listed[222] = true

	u := joinUpdate(-100500,
		api.User{ID: 111, FirstName: "Clean"},
		api.User{ID: 222, FirstName: "Listed"},
	)
	proceed, err := h.Handle(ctx, u, &u.Message.Chat, nil)
	if err != nil || !proceed {
		t.Fatalf("handle joins: proceed=%v err=%v", proceed, err)
	}

	chats, err := client.ChatsSharedWith(ctx, 111)
	if err != nil || len(chats) != 1 {
		t.Fatalf("expected membership recorded, got %v %v", chats, err)
	}
	if len(denylist.banned) != 1 || denylist.banned[0] != 222 {
		t.Fatalf("expected listed joiner banned, got %v", denylist.banned)
	}
}

func TestLeaveRemovesMembership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, client, _ := newMembershipHarness(t)

	u := joinUpdate(-100500, api.User{ID: 111, FirstName: "Clean"})
	if _, err := h.Handle(ctx, u, &u.Message.Chat, nil); err != nil {
		t.Fatalf("handle join: %v", err)
	}

	leave := &api.Update{Message: &api.Message{
		Chat:           api.Chat{ID: -100500, Type: "supergroup"},
		LeftChatMember: &api.User{ID: 111},
	}}
	if _, err := h.Handle(ctx, leave, &leave.Message.Chat, nil); err != nil {
		t.Fatalf("handle leave: %v", err)
	}

	chats, err := client.ChatsSharedWith(ctx, 111)
	if err != nil || len(chats) != 0 {
		t.Fatalf("expected membership gone, got %v %v", chats, err)
	}
}

func TestBotRemovalMarksChatUnreachable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, client, _ := newMembershipHarness(t)

	join := joinUpdate(-100500, api.User{ID: 111})
	if _, err := h.Handle(ctx, join, &join.Message.Chat, nil); err != nil {
		t.Fatalf("handle join: %v", err)
	}

	upd := &api.Update{MyChatMember: &api.ChatMemberUpdated{
		Chat: api.Chat{ID: -100500, Type: "supergroup"},
		NewChatMember: api.ChatMember{
			User:   &api.User{UserName: "cautionbot"},
			Status: "kicked",
		},
	}}
	if _, err := h.Handle(ctx, upd, &upd.MyChatMember.Chat, nil); err != nil {
		t.Fatalf("handle own status: %v", err)
	}

	chat, err := client.GetChat(ctx, -100500)
	if err != nil || chat == nil {
		t.Fatalf("get chat: %v %v", chat, err)
	}
	if !chat.Private {
		t.Fatal("expected chat marked unreachable")
	}
}
