package staff

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/cautionlist/cautionbot/internal/db"
	moderr "github.com/cautionlist/cautionbot/internal/errors"
	"github.com/cautionlist/cautionbot/internal/tg"
)

type fakeStore struct {
	mu          sync.Mutex
	users       map[int64]*db.User
	reports     map[int64][]db.ApprovedReport
	unapproved  map[string]*db.UnapprovedReport
	staffStates map[int64]*db.StaffState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[int64]*db.User{},
		reports:     map[int64][]db.ApprovedReport{},
		unapproved:  map[string]*db.UnapprovedReport{},
		staffStates: map[int64]*db.StaffState{},
	}
}

func (s *fakeStore) user(userID int64) *db.User {
	user, ok := s.users[userID]
	if !ok {
		user = &db.User{ID: userID}
		s.users[userID] = user
	}
	return user
}

func (s *fakeStore) GetUser(_ context.Context, userID int64) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (s *fakeStore) UpsertIdentity(_ context.Context, identity db.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.user(identity.ID)
	if identity.Name != "" {
		user.Name = identity.Name
	}
	if identity.Username != "" {
		user.Username = identity.Username
	}
	return nil
}

func (s *fakeStore) SetBanned(_ context.Context, userID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).Banned = reason
	return nil
}

func (s *fakeStore) SetAppealing(_ context.Context, userID int64, appealing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).Appealing = appealing
	return nil
}

func (s *fakeStore) TouchLastAppeal(_ context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).LastAppealAt = at.Unix()
	return nil
}

func (s *fakeStore) SetDWCFlag(_ context.Context, userID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.user(userID)
	user.DWC = true
	user.DWCReason = reason
	return nil
}

func (s *fakeStore) GetApprovedReports(_ context.Context, userID int64) ([]db.ApprovedReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.ApprovedReport(nil), s.reports[userID]...), nil
}

func (s *fakeStore) CreateUnapprovedReport(_ context.Context, report *db.UnapprovedReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *report
	s.unapproved[report.ID] = &copied
	return nil
}

func (s *fakeStore) GetUnapprovedReport(_ context.Context, id string) (*db.UnapprovedReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.unapproved[id]
	if !ok {
		return nil, nil
	}
	copied := *report
	return &copied, nil
}

func (s *fakeStore) DeleteUnapprovedReport(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unapproved, id)
	return nil
}

func (s *fakeStore) GetStaffState(_ context.Context, staffID int64) (*db.StaffState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.staffStates[staffID]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (s *fakeStore) SetStaffState(_ context.Context, state *db.StaffState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *state
	s.staffStates[state.UserID] = &copied
	return nil
}

func (s *fakeStore) ClearStaffState(_ context.Context, staffID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staffStates, staffID)
	return nil
}

type executedCall struct {
	userID int64
	silent bool
}

type fakeLister struct {
	mu        sync.Mutex
	applied   []db.ApprovedReport
	removed   []int64
	executed  []executedCall
	started   chan struct{}
	block     chan struct{}
	startOnce sync.Once
}

func (l *fakeLister) Apply(_ context.Context, _ db.Identity, report *db.ApprovedReport) error {
	if l.started != nil {
		l.startOnce.Do(func() { close(l.started) })
	}
	if l.block != nil {
		<-l.block
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied = append(l.applied, *report)
	return nil
}

func (l *fakeLister) Execute(_ context.Context, userID int64, silent bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executed = append(l.executed, executedCall{userID: userID, silent: silent})
	return nil
}

func (l *fakeLister) Remove(_ context.Context, userID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, userID)
	return nil
}

type fakeTransport struct {
	mu        sync.Mutex
	nextMsgID int
	nextTopic int
	sent      []sentMessage
	deleted   []int
}

type sentMessage struct {
	chatID int64
	text   string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nextMsgID: 100, nextTopic: 10}
}

func (t *fakeTransport) Self() *api.User { return &api.User{UserName: "cautionbot"} }

func (t *fakeTransport) SendMessage(_ context.Context, chatID int64, text string, _ *tg.SendOpts) (*api.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextMsgID++
	t.sent = append(t.sent, sentMessage{chatID: chatID, text: text})
	return &api.Message{MessageID: t.nextMsgID, Chat: api.Chat{ID: chatID}}, nil
}

func (t *fakeTransport) EditMessageText(_ context.Context, _ int64, _ int, _ string) error {
	return nil
}

func (t *fakeTransport) EditReplyMarkup(_ context.Context, _ int64, _ int, _ api.InlineKeyboardMarkup) error {
	return nil
}

func (t *fakeTransport) AnswerCallback(_ context.Context, _, _ string) error { return nil }

func (t *fakeTransport) DeleteMessage(_ context.Context, _ int64, messageID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = append(t.deleted, messageID)
	return nil
}

func (t *fakeTransport) BanMember(_ context.Context, _, _ int64) error   { return nil }
func (t *fakeTransport) UnbanMember(_ context.Context, _, _ int64) error { return nil }

func (t *fakeTransport) CreateForumTopic(_ context.Context, _ int64, _ string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextTopic++
	return t.nextTopic, nil
}

func (t *fakeTransport) DeleteForumTopic(_ context.Context, _ int64, _ int) error { return nil }

func (t *fakeTransport) ForwardMessages(_ context.Context, _ int64, _ int, _ int64, messageIDs []int) ([]int, error) {
	return messageIDs, nil
}

func (t *fakeTransport) Participants(_ context.Context, _ int64) ([]tg.Member, error) {
	return nil, nil
}

func (t *fakeTransport) ResolveUsername(_ context.Context, _ string) (*tg.Member, error) {
	return nil, nil
}

func (t *fakeTransport) ChatLink(_ context.Context, _ int64) (string, error) {
	return "c/123", nil
}

func (t *fakeTransport) ChatType(_ context.Context, _ int64) (string, error) {
	return "supergroup", nil
}

func (t *fakeTransport) IsChatAdmin(_ context.Context, _, _ int64) (bool, error) {
	return false, nil
}

func (t *fakeTransport) sentTo(chatID int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, m := range t.sent {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

func TestApproveReportAppliesAndNotifiesReporter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	tpt := newFakeTransport()
	lister := &fakeLister{}
	reviewer := NewReviewer(store, tpt, lister)

	store.users[222] = &db.User{ID: 222, Name: "Seller", Username: "seller"}
	store.unapproved["rid-1"] = &db.UnapprovedReport{
		ID:           "rid-1",
		Reported:     222,
		Reporter:     111,
		Summary:      "Took payment, never delivered",
		AmountUSD:    150,
		EvidenceChat: -100700,
		EvidenceMsgs: db.Int64List{5, 6},
		QueueChat:    -100800,
		QueueMsg:     50,
	}

	if err := reviewer.ApproveReport(ctx, 900, "rid-1"); err != nil {
		t.Fatalf("approve report: %v", err)
	}

	if len(lister.applied) != 1 {
		t.Fatalf("expected one application, got %d", len(lister.applied))
	}
	applied := lister.applied[0]
	if applied.UserID != 222 || applied.Reporter != 111 || applied.AmountUSD != 150 {
		t.Fatalf("unexpected applied report: %#v", applied)
	}
	if applied.ProofTopic == 0 {
		t.Fatal("expected a proof topic assigned")
	}

	if report, _ := store.GetUnapprovedReport(ctx, "rid-1"); report != nil {
		t.Fatal("expected queued report deleted")
	}
	if msgs := tpt.sentTo(111); len(msgs) != 1 {
		t.Fatalf("expected reporter notified once, got %d", len(msgs))
	}
}

func TestApproveReportGuardRejectsConcurrentPress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	tpt := newFakeTransport()
	lister := &fakeLister{started: make(chan struct{}), block: make(chan struct{})}
	reviewer := NewReviewer(store, tpt, lister)

	store.users[222] = &db.User{ID: 222}
	store.unapproved["rid-1"] = &db.UnapprovedReport{ID: "rid-1", Reported: 222, Reporter: 111}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- reviewer.ApproveReport(ctx, 900, "rid-1")
	}()

	select {
	case <-lister.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first approval never reached the engine")
	}

	if err := reviewer.ApproveReport(ctx, 900, "rid-1"); !errors.Is(err, moderr.ErrAlreadyInProgress) {
		t.Fatalf("expected already in progress, got %v", err)
	}

	close(lister.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if len(lister.applied) != 1 {
		t.Fatalf("expected single application, got %d", len(lister.applied))
	}
}

func TestApproveAppealRejectsAlreadyProcessed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	reviewer := NewReviewer(store, newFakeTransport(), &fakeLister{})

	store.users[222] = &db.User{ID: 222, DWC: true, Appealing: false}
	if err := reviewer.ApproveAppeal(ctx, 900, 222); !errors.Is(err, moderr.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
}

func TestApproveAppealDelistsAndClearsFlag(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	tpt := newFakeTransport()
	lister := &fakeLister{}
	reviewer := NewReviewer(store, tpt, lister)

	store.users[222] = &db.User{ID: 222, DWC: true, Appealing: true}
	if err := reviewer.ApproveAppeal(ctx, 900, 222); err != nil {
		t.Fatalf("approve appeal: %v", err)
	}

	user, _ := store.GetUser(ctx, 222)
	if user.Appealing {
		t.Fatal("expected appealing flag cleared")
	}
	if len(lister.removed) != 1 || lister.removed[0] != 222 {
		t.Fatalf("expected delisting, got %v", lister.removed)
	}
	if msgs := tpt.sentTo(222); len(msgs) != 1 {
		t.Fatalf("expected appellant notified, got %d messages", len(msgs))
	}
}

func TestDenyReportAwaitsReason(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	tpt := newFakeTransport()
	reviewer := NewReviewer(store, tpt, &fakeLister{})

	store.users[222] = &db.User{ID: 222, Username: "seller"}
	store.unapproved["rid-1"] = &db.UnapprovedReport{
		ID: "rid-1", Reported: 222, Reporter: 111, QueueChat: -100800, QueueMsg: 50,
	}

	if err := reviewer.DenyReport(ctx, 900, "rid-1"); err != nil {
		t.Fatalf("deny report: %v", err)
	}

	handled, err := reviewer.ProvideReason(ctx, 900, "x")
	if !handled || !errors.Is(err, moderr.ErrValidation) {
		t.Fatalf("expected validation rejection, got handled=%v err=%v", handled, err)
	}

	handled, err = reviewer.ProvideReason(ctx, 900, "fake evidence")
	if !handled || err != nil {
		t.Fatalf("provide reason: handled=%v err=%v", handled, err)
	}

	if report, _ := store.GetUnapprovedReport(ctx, "rid-1"); report != nil {
		t.Fatal("expected report deleted after denial")
	}
	msgs := tpt.sentTo(111)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "fake evidence") {
		t.Fatalf("expected reporter notified with reason, got %v", msgs)
	}
	if state, _ := store.GetStaffState(ctx, 900); state != nil {
		t.Fatal("expected staff state cleared")
	}
}

func TestProvideReasonWithoutPendingDenial(t *testing.T) {
	t.Parallel()

	reviewer := NewReviewer(newFakeStore(), newFakeTransport(), &fakeLister{})
	handled, err := reviewer.ProvideReason(context.Background(), 900, "just chatting")
	if handled || err != nil {
		t.Fatalf("expected pass-through, got handled=%v err=%v", handled, err)
	}
}

func TestDenyAppealThenReason(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	tpt := newFakeTransport()
	reviewer := NewReviewer(store, tpt, &fakeLister{})

	store.users[222] = &db.User{ID: 222, DWC: true, Appealing: true}
	if err := reviewer.DenyAppeal(ctx, 900, 222); err != nil {
		t.Fatalf("deny appeal: %v", err)
	}

	handled, err := reviewer.ProvideReason(ctx, 900, "proof does not hold up")
	if !handled || err != nil {
		t.Fatalf("provide reason: handled=%v err=%v", handled, err)
	}

	user, _ := store.GetUser(ctx, 222)
	if user.Appealing {
		t.Fatal("expected appealing flag cleared")
	}
	if !user.DWC {
		t.Fatal("denied appeal must not delist the user")
	}
	msgs := tpt.sentTo(222)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "proof does not hold up") {
		t.Fatalf("expected appellant notified with reason, got %v", msgs)
	}
}

func TestListManuallyExecutesSilently(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	lister := &fakeLister{}
	reviewer := NewReviewer(store, newFakeTransport(), lister)

	if err := reviewer.ListManually(ctx, db.Identity{ID: 222, Username: "seller"}, "staff override"); err != nil {
		t.Fatalf("list manually: %v", err)
	}

	user, _ := store.GetUser(ctx, 222)
	if !user.DWC || user.DWCReason != "staff override" {
		t.Fatalf("expected user listed with reason, got %#v", user)
	}
	if len(lister.executed) != 1 {
		t.Fatalf("expected one execution, got %d", len(lister.executed))
	}
	if !lister.executed[0].silent {
		t.Fatal("manual listing must execute silently")
	}
}

func TestDenyReportBlockedWhileApprovalInFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	tpt := newFakeTransport()
	lister := &fakeLister{started: make(chan struct{}), block: make(chan struct{})}
	reviewer := NewReviewer(store, tpt, lister)

	store.users[222] = &db.User{ID: 222}
	store.unapproved["rid-1"] = &db.UnapprovedReport{ID: "rid-1", Reported: 222, Reporter: 111}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- reviewer.ApproveReport(ctx, 900, "rid-1")
	}()

	select {
	case <-lister.started:
	case <-time.After(2 * time.Second):
		t.Fatal("approval never reached the engine")
	}

	if err := reviewer.DenyReport(ctx, 900, "rid-1"); !errors.Is(err, moderr.ErrAlreadyInProgress) {
		t.Fatalf("expected denial refused during approval, got %v", err)
	}
	if state, _ := store.GetStaffState(ctx, 900); state != nil {
		t.Fatalf("refused denial must not park a reason state, got %#v", state)
	}

	close(lister.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("approval: %v", err)
	}
}

func TestReasonForVanishedReportClearsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore()
	reviewer := NewReviewer(store, newFakeTransport(), &fakeLister{})

	store.users[222] = &db.User{ID: 222}
	store.unapproved["rid-1"] = &db.UnapprovedReport{ID: "rid-1", Reported: 222, Reporter: 111}

	if err := reviewer.DenyReport(ctx, 900, "rid-1"); err != nil {
		t.Fatalf("deny report: %v", err)
	}

	// Another staff member resolves the report before the reason arrives.
	if err := store.DeleteUnapprovedReport(ctx, "rid-1"); err != nil {
		t.Fatalf("delete report: %v", err)
	}

	handled, err := reviewer.ProvideReason(ctx, 900, "fake evidence")
	if !handled || !errors.Is(err, moderr.ErrNotFound) {
		t.Fatalf("expected not found, got handled=%v err=%v", handled, err)
	}
	if state, _ := store.GetStaffState(ctx, 900); state != nil {
		t.Fatal("expected stale reason state consumed")
	}

	handled, err = reviewer.ProvideReason(ctx, 900, "still here?")
	if handled || err != nil {
		t.Fatalf("expected pass-through after the state was consumed, got handled=%v err=%v", handled, err)
	}
}
