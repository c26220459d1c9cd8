package scraper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/cautionlist/cautionbot/internal/db"
	"github.com/cautionlist/cautionbot/internal/tg"
)

type fakeStore struct {
	mu       sync.Mutex
	pending  []db.Chat
	members  map[int64][]int64
	scraped  map[int64]bool
	privated map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members:  map[int64][]int64{},
		scraped:  map[int64]bool{},
		privated: map[int64]bool{},
	}
}

func (s *fakeStore) ChatsNeedingScrape(_ context.Context, _ time.Time) ([]db.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.Chat(nil), s.pending...), nil
}

func (s *fakeStore) ReplaceMembers(_ context.Context, chatID int64, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[chatID] = append([]int64(nil), userIDs...)
	return nil
}

func (s *fakeStore) BulkUpsertIdentities(_ context.Context, _ []db.Identity) error {
	return nil
}

func (s *fakeStore) TouchScrape(_ context.Context, chatID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scraped[chatID] = true
	return nil
}

func (s *fakeStore) SetChatPrivate(_ context.Context, chatID int64, private bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privated[chatID] = private
	return nil
}

type fakeTransport struct {
	participants map[int64][]tg.Member
	fail         map[int64]bool
}

func (t *fakeTransport) Self() *api.User { return &api.User{UserName: "cautionbot"} }

func (t *fakeTransport) SendMessage(_ context.Context, _ int64, _ string, _ *tg.SendOpts) (*api.Message, error) {
	return nil, nil
}

func (t *fakeTransport) EditMessageText(_ context.Context, _ int64, _ int, _ string) error {
	return nil
}

func (t *fakeTransport) EditReplyMarkup(_ context.Context, _ int64, _ int, _ api.InlineKeyboardMarkup) error {
	return nil
}

func (t *fakeTransport) AnswerCallback(_ context.Context, _, _ string) error           { return nil }
func (t *fakeTransport) DeleteMessage(_ context.Context, _ int64, _ int) error         { return nil }
func (t *fakeTransport) BanMember(_ context.Context, _, _ int64) error                 { return nil }
func (t *fakeTransport) UnbanMember(_ context.Context, _, _ int64) error               { return nil }
func (t *fakeTransport) CreateForumTopic(_ context.Context, _ int64, _ string) (int, error) {
	return 0, nil
}
func (t *fakeTransport) DeleteForumTopic(_ context.Context, _ int64, _ int) error { return nil }

func (t *fakeTransport) ForwardMessages(_ context.Context, _ int64, _ int, _ int64, ids []int) ([]int, error) {
	return ids, nil
}

func (t *fakeTransport) Participants(_ context.Context, chatID int64) ([]tg.Member, error) {
	if t.fail[chatID] {
		return nil, errors.New("chat not accessible")
	}
	return t.participants[chatID], nil
}

func (t *fakeTransport) ResolveUsername(_ context.Context, _ string) (*tg.Member, error) {
	return nil, nil
}

func (t *fakeTransport) ChatLink(_ context.Context, _ int64) (string, error) { return "c/1", nil }
func (t *fakeTransport) ChatType(_ context.Context, _ int64) (string, error) {
	return "supergroup", nil
}
func (t *fakeTransport) IsChatAdmin(_ context.Context, _, _ int64) (bool, error) {
	return false, nil
}

func TestRunOnceReplacesMembersAndStampsScrape(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.pending = []db.Chat{{ID: -1001, Type: "supergroup"}}
	tpt := &fakeTransport{
		participants: map[int64][]tg.Member{
			-1001: {{ID: 1, Name: "A"}, {ID: 2, Name: "B"}},
		},
		fail: map[int64]bool{},
	}

	s := New(store, tpt)
	s.RunOnce(context.Background())

	if got := store.members[-1001]; len(got) != 2 {
		t.Fatalf("expected member set replaced, got %v", got)
	}
	if !store.scraped[-1001] {
		t.Fatal("expected scrape stamped")
	}
}

func TestRunOnceMarksInaccessibleChatPrivate(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.pending = []db.Chat{{ID: -1001, Type: "supergroup"}}
	tpt := &fakeTransport{fail: map[int64]bool{-1001: true}}

	s := New(store, tpt)
	s.RunOnce(context.Background())

	if !store.privated[-1001] {
		t.Fatal("expected inaccessible chat marked private")
	}
	if store.scraped[-1001] {
		t.Fatal("inaccessible chat must not be stamped as scraped")
	}
}
