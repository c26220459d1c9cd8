package staff

import (
	"context"
	"fmt"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cautionlist/cautionbot/internal/config"
	"github.com/cautionlist/cautionbot/internal/db"
	moderr "github.com/cautionlist/cautionbot/internal/errors"
	"github.com/cautionlist/cautionbot/internal/keyed"
	"github.com/cautionlist/cautionbot/internal/observability"
	"github.com/cautionlist/cautionbot/internal/texts"
	"github.com/cautionlist/cautionbot/internal/tg"
)

const minReasonLength = 3

// Callback data prefixes understood by the staff area handler.
const (
	CallbackApproveReport = "staff_approvereport"
	CallbackDenyReport    = "staff_denyreport"
	CallbackApproveAppeal = "staff_approveappeal"
	CallbackDenyAppeal    = "staff_denyappeal"
)

// Store is the persistence slice the review flow needs.
type Store interface {
	GetUser(ctx context.Context, userID int64) (*db.User, error)
	UpsertIdentity(ctx context.Context, identity db.Identity) error
	SetBanned(ctx context.Context, userID int64, reason string) error
	SetAppealing(ctx context.Context, userID int64, appealing bool) error
	TouchLastAppeal(ctx context.Context, userID int64, at time.Time) error
	SetDWCFlag(ctx context.Context, userID int64, reason string) error
	GetApprovedReports(ctx context.Context, userID int64) ([]db.ApprovedReport, error)
	CreateUnapprovedReport(ctx context.Context, report *db.UnapprovedReport) error
	GetUnapprovedReport(ctx context.Context, id string) (*db.UnapprovedReport, error)
	DeleteUnapprovedReport(ctx context.Context, id string) error
	GetStaffState(ctx context.Context, staffID int64) (*db.StaffState, error)
	SetStaffState(ctx context.Context, state *db.StaffState) error
	ClearStaffState(ctx context.Context, staffID int64) error
}

// Lister is the denylist engine slice the review flow drives.
type Lister interface {
	Apply(ctx context.Context, identity db.Identity, report *db.ApprovedReport) error
	Execute(ctx context.Context, userID int64, silent bool) error
	Remove(ctx context.Context, userID int64) error
}

// Reviewer implements the staff side of the moderation queue: accepting
// submissions into the queue channels and resolving them with the
// double-approval guard.
type Reviewer struct {
	store  Store
	tpt    tg.Transport
	engine Lister
	guards *keyed.Group
}

func NewReviewer(store Store, transport tg.Transport, engine Lister) *Reviewer {
	return &Reviewer{
		store:  store,
		tpt:    transport,
		engine: engine,
		guards: keyed.NewGroup(),
	}
}

func guardKey(staffID int64) string {
	return fmt.Sprintf("staff:%d", staffID)
}

// SubmitReport stages a completed report flow for review. Evidence is
// forwarded into the proof dump first so the copies survive the reporter
// deleting the originals.
func (r *Reviewer) SubmitReport(ctx context.Context, reporterID int64, draft *db.Conversation) error {
	cfg := config.Get()

	msgIDs := make([]int, 0, len(draft.Evidence))
	for _, id := range draft.Evidence {
		msgIDs = append(msgIDs, int(id))
	}
	forwarded, err := r.tpt.ForwardMessages(ctx, cfg.Channels.PrivateProofDump, 0, reporterID, msgIDs)
	if err != nil {
		return errors.WithMessage(err, "cant forward evidence")
	}

	reported, err := r.store.GetUser(ctx, draft.ReportingID)
	if err != nil {
		return err
	}

	id := uuid.New()
	markup := api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("Approve", CallbackApproveReport+"_"+id),
			api.NewInlineKeyboardButtonData("Deny", CallbackDenyReport+"_"+id),
		),
	)
	queueMsg, err := r.tpt.SendMessage(ctx, cfg.Channels.PrivateReports, texts.Render("private_report", map[string]any{
		"reporter":  tg.Mention(reporterID, fmt.Sprintf("%d", reporterID)),
		"reported":  tg.Mention(draft.ReportingID, reported.DisplayName()),
		"usernames": usernamesOf(reported),
		"summary":   draft.Summary,
		"amount":    amountText(draft.Amount),
		"proofs":    r.proofLinks(ctx, cfg.Channels.PrivateProofDump, forwarded),
	}), &tg.SendOpts{Markup: &markup, DisablePreview: true})
	if err != nil {
		return errors.WithMessage(err, "cant post report to queue")
	}
	if queueMsg == nil {
		return errors.New("queue post was dropped")
	}

	evidence := make(db.Int64List, 0, len(forwarded))
	for _, id := range forwarded {
		evidence = append(evidence, int64(id))
	}
	return r.store.CreateUnapprovedReport(ctx, &db.UnapprovedReport{
		ID:           id,
		Reported:     draft.ReportingID,
		Reporter:     reporterID,
		Summary:      draft.Summary,
		AmountUSD:    draft.Amount,
		EvidenceChat: cfg.Channels.PrivateProofDump,
		EvidenceMsgs: evidence,
		QueueChat:    cfg.Channels.PrivateReports,
		QueueMsg:     queueMsg.MessageID,
		CreatedAt:    time.Now().Unix(),
	})
}

// SubmitAppeal stages an appeal for review and marks the user appealing.
func (r *Reviewer) SubmitAppeal(ctx context.Context, user *db.User, evidence db.Int64List) error {
	cfg := config.Get()

	msgIDs := make([]int, 0, len(evidence))
	for _, id := range evidence {
		msgIDs = append(msgIDs, int(id))
	}
	forwarded, err := r.tpt.ForwardMessages(ctx, cfg.Channels.PrivateProofDump, 0, user.ID, msgIDs)
	if err != nil {
		return errors.WithMessage(err, "cant forward appeal evidence")
	}

	uid := fmt.Sprintf("%d", user.ID)
	markup := api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("Approve", CallbackApproveAppeal+"_"+uid),
			api.NewInlineKeyboardButtonData("Deny", CallbackDenyAppeal+"_"+uid),
		),
	)
	if _, err := r.tpt.SendMessage(ctx, cfg.Channels.PrivateAppeals, texts.Render("private_appeal", map[string]any{
		"mention":   tg.Mention(user.ID, user.DisplayName()),
		"usernames": usernamesOf(user),
		"proofs":    r.proofLinks(ctx, cfg.Channels.PrivateProofDump, forwarded),
	}), &tg.SendOpts{Markup: &markup, DisablePreview: true}); err != nil {
		return errors.WithMessage(err, "cant post appeal to queue")
	}

	if err := r.store.SetAppealing(ctx, user.ID, true); err != nil {
		return err
	}
	return r.store.TouchLastAppeal(ctx, user.ID, time.Now())
}

// ApproveReport resolves a queued report: evidence moves into the proof
// topic, the report is applied and the reporter is notified. The per-staff
// guard turns a second press while one approval is running into
// ErrAlreadyInProgress instead of a double application.
func (r *Reviewer) ApproveReport(ctx context.Context, staffID int64, reportID string) error {
	release, ok := r.guards.TryAcquire(guardKey(staffID))
	if !ok {
		return moderr.ErrAlreadyInProgress
	}
	defer release()

	report, err := r.store.GetUnapprovedReport(ctx, reportID)
	if err != nil {
		return err
	}
	if report == nil {
		return moderr.ErrNotFound
	}

	reported, err := r.store.GetUser(ctx, report.Reported)
	if err != nil {
		return err
	}
	if reported == nil {
		reported = &db.User{ID: report.Reported}
	}

	cfg := config.Get()
	topicID, err := r.proofTopicFor(ctx, reported)
	if err != nil {
		return errors.WithMessage(err, "cant get proof topic")
	}

	msgIDs := make([]int, 0, len(report.EvidenceMsgs))
	for _, id := range report.EvidenceMsgs {
		msgIDs = append(msgIDs, int(id))
	}
	if _, err := r.tpt.ForwardMessages(ctx, cfg.Channels.ProofTopics, topicID, report.EvidenceChat, msgIDs); err != nil {
		return errors.WithMessage(err, "cant forward evidence into proof topic")
	}

	err = r.engine.Apply(ctx, db.Identity{
		ID:         reported.ID,
		Name:       reported.Name,
		Username:   reported.Username,
		AccessHash: reported.AccessHash,
	}, &db.ApprovedReport{
		UserID:     report.Reported,
		ProofChat:  cfg.Channels.ProofTopics,
		ProofTopic: topicID,
		Summary:    report.Summary,
		AmountUSD:  report.AmountUSD,
		Reporter:   report.Reporter,
		CreatedAt:  time.Now().Unix(),
	})
	if err != nil {
		return errors.WithMessage(err, "cant apply report")
	}

	if err := r.store.DeleteUnapprovedReport(ctx, reportID); err != nil {
		log.WithError(err).Warn("cant delete resolved report")
	}
	observability.ReportsApproved.Inc()

	r.notify(ctx, report.Reporter, texts.Render("reporter_notify_approved", map[string]any{
		"mention": tg.Mention(report.Reported, reported.DisplayName()),
	}))
	return nil
}

// DenyReport parks the staff member in a reason-awaiting state; the denial
// completes in ProvideReason. It is refused while the same staff member has
// an approval in flight.
func (r *Reviewer) DenyReport(ctx context.Context, staffID int64, reportID string) error {
	release, ok := r.guards.TryAcquire(guardKey(staffID))
	if !ok {
		return moderr.ErrAlreadyInProgress
	}
	release()

	report, err := r.store.GetUnapprovedReport(ctx, reportID)
	if err != nil {
		return err
	}
	if report == nil {
		return moderr.ErrNotFound
	}
	return r.store.SetStaffState(ctx, &db.StaffState{
		UserID:   staffID,
		State:    db.ReviewReportReason,
		Channel:  report.QueueChat,
		ReasonID: reportID,
	})
}

// ApproveAppeal delists the user. Resolving an appeal another staff member
// already handled yields ErrAlreadyProcessed.
func (r *Reviewer) ApproveAppeal(ctx context.Context, staffID int64, userID int64) error {
	release, ok := r.guards.TryAcquire(guardKey(staffID))
	if !ok {
		return moderr.ErrAlreadyInProgress
	}
	defer release()

	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return moderr.ErrNotFound
	}
	if !user.Appealing {
		return moderr.ErrAlreadyProcessed
	}

	if err := r.store.SetAppealing(ctx, userID, false); err != nil {
		return err
	}
	if err := r.engine.Remove(ctx, userID); err != nil && !errors.Is(err, moderr.ErrNotListed) {
		return errors.WithMessage(err, "cant delist user")
	}
	observability.AppealsResolved.Inc()

	r.notify(ctx, userID, texts.Get("appeal_approved"))
	return nil
}

func (r *Reviewer) DenyAppeal(ctx context.Context, staffID int64, userID int64) error {
	release, ok := r.guards.TryAcquire(guardKey(staffID))
	if !ok {
		return moderr.ErrAlreadyInProgress
	}
	release()

	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return moderr.ErrNotFound
	}
	if !user.Appealing {
		return moderr.ErrAlreadyProcessed
	}
	return r.store.SetStaffState(ctx, &db.StaffState{
		UserID:   staffID,
		State:    db.ReviewAppealReason,
		ReasonID: fmt.Sprintf("%d", userID),
	})
}

// ProvideReason completes a pending denial with the free-text reason the
// staff member sends next. It reports (false, nil) when the staff member has
// no denial pending, so unrelated staff messages pass through.
func (r *Reviewer) ProvideReason(ctx context.Context, staffID int64, reason string) (bool, error) {
	state, err := r.store.GetStaffState(ctx, staffID)
	if err != nil {
		return false, err
	}
	if state == nil || state.State == db.ReviewNone {
		return false, nil
	}
	reason = strings.TrimSpace(reason)
	if len(reason) < minReasonLength {
		return true, moderr.ErrValidation
	}

	var finishErr error
	switch state.State {
	case db.ReviewReportReason:
		finishErr = r.finishReportDenial(ctx, state.ReasonID, reason)
	case db.ReviewAppealReason:
		finishErr = r.finishAppealDenial(ctx, state.ReasonID, reason)
	default:
		return false, nil
	}
	// A vanished target still consumes the pending state, otherwise the staff
	// member would re-trigger the same failure on every message.
	if finishErr == nil || errors.Is(finishErr, moderr.ErrNotFound) || errors.Is(finishErr, moderr.ErrAlreadyProcessed) {
		if err := r.store.ClearStaffState(ctx, staffID); err != nil {
			log.WithError(err).Warn("cant clear staff state")
		}
	}
	return true, finishErr
}

func (r *Reviewer) finishReportDenial(ctx context.Context, reportID, reason string) error {
	report, err := r.store.GetUnapprovedReport(ctx, reportID)
	if err != nil {
		return err
	}
	if report == nil {
		return moderr.ErrNotFound
	}
	reported, err := r.store.GetUser(ctx, report.Reported)
	if err != nil {
		return err
	}
	if err := r.store.DeleteUnapprovedReport(ctx, reportID); err != nil {
		return err
	}
	if err := r.tpt.DeleteMessage(ctx, report.QueueChat, report.QueueMsg); err != nil {
		log.WithError(err).Warn("cant delete queue message")
	}
	observability.ReportsDenied.Inc()

	r.notify(ctx, report.Reporter, texts.Render("reporter_notify_denied", map[string]any{
		"mention": tg.Mention(report.Reported, reported.DisplayName()),
		"reason":  reason,
	}))
	return nil
}

func (r *Reviewer) finishAppealDenial(ctx context.Context, reasonID, reason string) error {
	var userID int64
	if _, err := fmt.Sscanf(reasonID, "%d", &userID); err != nil {
		return errors.WithMessage(err, "bad appeal reference")
	}
	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return moderr.ErrNotFound
	}
	if !user.Appealing {
		return moderr.ErrAlreadyProcessed
	}
	if err := r.store.SetAppealing(ctx, userID, false); err != nil {
		return err
	}
	observability.AppealsResolved.Inc()

	r.notify(ctx, userID, texts.Render("appeal_denied", map[string]any{
		"reason": reason,
	}))
	return nil
}

// Blacklist bans a user from interacting with the bot entirely.
func (r *Reviewer) Blacklist(ctx context.Context, userID int64, reason string) error {
	if reason == "" {
		reason = "blacklisted by staff"
	}
	return r.store.SetBanned(ctx, userID, reason)
}

// ListManually puts a user on the denylist without a queued report, used by
// the staff /dwc command.
func (r *Reviewer) ListManually(ctx context.Context, identity db.Identity, reason string) error {
	if err := r.store.UpsertIdentity(ctx, identity); err != nil {
		return err
	}
	if err := r.store.SetDWCFlag(ctx, identity.ID, reason); err != nil {
		return err
	}
	return r.engine.Execute(ctx, identity.ID, true)
}

// Delist removes a user from the denylist, used by the staff /undwc command.
func (r *Reviewer) Delist(ctx context.Context, userID int64) error {
	return r.engine.Remove(ctx, userID)
}

// proofTopicFor reuses the existing proof topic of a listed user or creates
// a fresh one, so all reports against one user share a single topic.
func (r *Reviewer) proofTopicFor(ctx context.Context, reported *db.User) (int, error) {
	cfg := config.Get()
	existing, err := r.store.GetApprovedReports(ctx, reported.ID)
	if err != nil {
		return 0, err
	}
	for _, report := range existing {
		if report.ProofChat == cfg.Channels.ProofTopics && report.ProofTopic != 0 {
			return report.ProofTopic, nil
		}
	}
	name := fmt.Sprintf("Proof of %s (%d)", usernamesOf(reported), reported.ID)
	return r.tpt.CreateForumTopic(ctx, cfg.Channels.ProofTopics, name)
}

func (r *Reviewer) proofLinks(ctx context.Context, chatID int64, messageIDs []int) string {
	if len(messageIDs) == 0 {
		return "N/A"
	}
	link, err := r.tpt.ChatLink(ctx, chatID)
	if err != nil {
		return fmt.Sprintf("%d messages in proof dump", len(messageIDs))
	}
	parts := make([]string, 0, len(messageIDs))
	for i, id := range messageIDs {
		parts = append(parts, fmt.Sprintf(`<a href="%s">#%d</a>`, tg.MessageLink(link, id), i+1))
	}
	return strings.Join(parts, ", ")
}

func (r *Reviewer) notify(ctx context.Context, userID int64, text string) {
	if _, err := r.tpt.SendMessage(ctx, userID, text, nil); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("cant notify user")
	}
}

func usernamesOf(user *db.User) string {
	if user == nil || user.Username == "" {
		return "N/A"
	}
	return "@" + user.Username
}

func amountText(amount float64) string {
	if amount <= 0 {
		return "N/A"
	}
	return fmt.Sprintf("$%.2f", amount)
}
