package handlers

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cautionlist/cautionbot/internal/bot"
	"github.com/cautionlist/cautionbot/internal/cache"
	"github.com/cautionlist/cautionbot/internal/config"
	"github.com/cautionlist/cautionbot/internal/db"
	"github.com/cautionlist/cautionbot/internal/keyed"
	"github.com/cautionlist/cautionbot/internal/staff"
	"github.com/cautionlist/cautionbot/internal/texts"
	"github.com/cautionlist/cautionbot/internal/tg"
)

const (
	summaryMinLength = 20
	summaryMaxLength = 200
	evidenceCap      = 100

	bannedNoticeInterval = 3 * time.Second
	promptInterval       = time.Second
	lookupInterval       = 5 * time.Second
)

// Callback data understood by the report flow.
const (
	callbackSend          = "reporting_send"
	callbackConfirmPrefix = "reporting_confirm"
	callbackDeny          = "reporting_deny"
)

var usernamePattern = regexp.MustCompile(`^@?[A-Za-z0-9_]{4,32}$`)

// Conversation drives the private-chat intake flows: /report and /appeal.
// Each user walks a persisted state machine, so a half-finished report
// survives restarts. Updates for one user are serialized to keep the state
// transitions race-free.
type Conversation struct {
	s        bot.Service
	reviewer *staff.Reviewer
	locks    *keyed.Group
	resolved *cache.Names
	banned   *cache.Status[string]
	lookups  *cache.Status[struct{}]
}

func NewConversation(s bot.Service, reviewer *staff.Reviewer) *Conversation {
	return &Conversation{
		s:        s,
		reviewer: reviewer,
		locks:    keyed.NewGroup(),
		resolved: cache.NewNames(),
		banned:   cache.NewStatus[string](cache.BanStatusTTL),
		lookups:  cache.NewStatus[struct{}](lookupInterval),
	}
}

func (h *Conversation) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (proceed bool, err error) {
	if chat == nil || user == nil || user.IsBot {
		return true, nil
	}
	if !chat.IsPrivate() {
		return true, nil
	}
	if u.CallbackQuery == nil && u.Message == nil {
		return true, nil
	}
	if u.CallbackQuery != nil && !strings.HasPrefix(u.CallbackQuery.Data, "reporting_") {
		return true, nil
	}

	release, err := h.locks.Acquire(ctx, fmt.Sprintf("conv:%d", user.ID))
	if err != nil {
		return false, err
	}
	defer release()

	// A cached ban verdict absorbs message bursts from banned users without
	// a store read per message.
	if _, ok := h.banned.Get(user.ID); ok {
		h.send(ctx, chat.ID, texts.Get("banned"), &tg.SendOpts{RateLimit: bannedNoticeInterval})
		return false, nil
	}

	record, err := h.s.GetDB().GetUser(ctx, user.ID)
	if err != nil {
		return false, err
	}
	if record == nil {
		record = &db.User{ID: user.ID, Conversation: db.Conversation{State: db.StateNone}}
	}
	if record.IsBanned() {
		h.banned.Set(user.ID, record.Banned)
		h.send(ctx, chat.ID, texts.Get("banned"), &tg.SendOpts{RateLimit: bannedNoticeInterval})
		return false, nil
	}

	if err := h.s.GetDB().UpsertIdentity(ctx, db.Identity{
		ID:       user.ID,
		Name:     tg.GetFullName(user),
		Username: user.UserName,
	}); err != nil {
		log.WithError(err).Warn("cant refresh identity")
	}

	if u.CallbackQuery != nil {
		return false, h.handleCallback(ctx, u.CallbackQuery, record)
	}

	m := u.Message
	if m.IsCommand() {
		return false, h.handleCommand(ctx, m, record)
	}
	return false, h.handleState(ctx, m, record)
}

func (h *Conversation) handleCommand(ctx context.Context, m *api.Message, record *db.User) error {
	cfg := config.Get()
	switch m.Command() {
	case "start", "report":
		if h.reportOnCooldown(record, cfg) {
			h.send(ctx, m.Chat.ID, texts.Get("report_cooldown"), nil)
			return nil
		}
		if err := h.setState(ctx, record, &db.Conversation{State: db.StateReportGetUser}); err != nil {
			return err
		}
		h.send(ctx, m.Chat.ID, texts.Get("report_getuser"), &tg.SendOpts{RateLimit: promptInterval})
		return nil

	case "cancel":
		if err := h.s.GetDB().ClearConversation(ctx, record.ID); err != nil {
			return err
		}
		h.send(ctx, m.Chat.ID, texts.Get("state_cancel"), nil)
		return nil

	case "appeal":
		if !record.DWC {
			h.send(ctx, m.Chat.ID, texts.Get("appeal_notdwc"), nil)
			return nil
		}
		if !h.canAppeal(record, cfg) {
			h.send(ctx, m.Chat.ID, texts.Get("appeal_cannot"), nil)
			return nil
		}
		if err := h.setState(ctx, record, &db.Conversation{State: db.StateAppealAwaitingProof}); err != nil {
			return err
		}
		h.send(ctx, m.Chat.ID, texts.Get("appeal_sendproof"), &tg.SendOpts{Markup: sendMarkup()})
		return nil

	case "send":
		return h.finishSubmission(ctx, m.Chat.ID, record)
	}

	// Unknown commands restart nothing and prompt nothing.
	return nil
}

func (h *Conversation) handleState(ctx context.Context, m *api.Message, record *db.User) error {
	switch record.State {
	case db.StateReportGetUser:
		return h.stateGetUser(ctx, m, record)
	case db.StateReportGetSummary:
		return h.stateGetSummary(ctx, m, record)
	case db.StateReportGetAmount:
		return h.stateGetAmount(ctx, m, record)
	case db.StateReportAwaitingProof, db.StateAppealAwaitingProof:
		return h.stateCollectEvidence(ctx, m, record)
	}
	return nil
}

// stateGetUser resolves the reported user from a forwarded message, an
// @username or a numeric id of someone already on record.
func (h *Conversation) stateGetUser(ctx context.Context, m *api.Message, record *db.User) error {
	// Text inputs trigger lookups; one per user per interval. Forwarded
	// messages carry the identity and skip the throttle.
	if m.ForwardOrigin == nil {
		if _, throttled := h.lookups.Get(record.ID); throttled {
			h.send(ctx, m.Chat.ID, texts.Get("lookup_throttle"), &tg.SendOpts{RateLimit: promptInterval})
			return nil
		}
		h.lookups.Set(record.ID, struct{}{})
	}

	target, err := h.resolveReported(ctx, m)
	if err != nil {
		return err
	}
	if target == nil {
		h.send(ctx, m.Chat.ID, texts.Get("report_badusername"), &tg.SendOpts{RateLimit: promptInterval})
		return nil
	}

	if err := h.s.GetDB().UpsertIdentity(ctx, *target); err != nil {
		log.WithError(err).Warn("cant upsert reported identity")
	}

	known, err := h.s.GetDB().GetUser(ctx, target.ID)
	if err != nil {
		return err
	}
	if known != nil && known.DWC {
		markup := api.NewInlineKeyboardMarkup(
			api.NewInlineKeyboardRow(
				api.NewInlineKeyboardButtonData("Add my report", fmt.Sprintf("%s_%d", callbackConfirmPrefix, target.ID)),
				api.NewInlineKeyboardButtonData("Never mind", callbackDeny),
			),
		)
		h.send(ctx, m.Chat.ID, texts.Get("report_already_listed"), &tg.SendOpts{Markup: &markup})
		return nil
	}

	return h.advanceToSummary(ctx, m.Chat.ID, record, target.ID)
}

func (h *Conversation) advanceToSummary(ctx context.Context, chatID int64, record *db.User, reportedID int64) error {
	if err := h.setState(ctx, record, &db.Conversation{
		State:       db.StateReportGetSummary,
		ReportingID: reportedID,
	}); err != nil {
		return err
	}
	h.send(ctx, chatID, texts.Get("report_getsummary"), nil)
	return nil
}

func (h *Conversation) stateGetSummary(ctx context.Context, m *api.Message, record *db.User) error {
	summary := strings.TrimSpace(m.Text)
	if length := utf8.RuneCountInString(summary); length < summaryMinLength || length > summaryMaxLength {
		h.send(ctx, m.Chat.ID, texts.Get("report_getsummary"), &tg.SendOpts{RateLimit: promptInterval})
		return nil
	}
	conv := record.Conversation
	conv.State = db.StateReportGetAmount
	conv.Summary = summary
	if err := h.setState(ctx, record, &conv); err != nil {
		return err
	}
	h.send(ctx, m.Chat.ID, texts.Get("report_getamount"), nil)
	return nil
}

func (h *Conversation) stateGetAmount(ctx context.Context, m *api.Message, record *db.User) error {
	amount, ok := parseAmount(m.Text)
	if !ok {
		h.send(ctx, m.Chat.ID, texts.Get("report_getamount"), &tg.SendOpts{RateLimit: promptInterval})
		return nil
	}
	conv := record.Conversation
	conv.State = db.StateReportAwaitingProof
	conv.Amount = amount
	conv.Evidence = db.Int64List{}
	if err := h.setState(ctx, record, &conv); err != nil {
		return err
	}

	reported, err := h.s.GetDB().GetUser(ctx, conv.ReportingID)
	if err != nil {
		return err
	}
	usernames := "N/A"
	if reported != nil && reported.Username != "" {
		usernames = "@" + reported.Username
	}
	amountText := "N/A"
	if amount > 0 {
		amountText = fmt.Sprintf("$%.2f", amount)
	}
	h.send(ctx, m.Chat.ID, texts.Render("report_sendproof", map[string]any{
		"mention":   tg.Mention(conv.ReportingID, reported.DisplayName()),
		"uid":       conv.ReportingID,
		"usernames": usernames,
		"amount":    amountText,
	}), &tg.SendOpts{Markup: sendMarkup()})
	return nil
}

// stateCollectEvidence appends forwarded proof silently; messages beyond the
// cap are dropped without feedback so a flood cannot grow the draft.
func (h *Conversation) stateCollectEvidence(ctx context.Context, m *api.Message, record *db.User) error {
	conv := record.Conversation
	if len(conv.Evidence) >= evidenceCap {
		return nil
	}
	conv.Evidence = append(conv.Evidence, int64(m.MessageID))
	return h.setState(ctx, record, &conv)
}

func (h *Conversation) handleCallback(ctx context.Context, cb *api.CallbackQuery, record *db.User) error {
	defer h.answerCallback(ctx, cb.ID)

	data := cb.Data
	chatID := record.ID
	if cb.Message != nil {
		chatID = cb.Message.Chat.ID
	}

	switch {
	case data == callbackSend:
		return h.finishSubmission(ctx, chatID, record)

	case strings.HasPrefix(data, callbackConfirmPrefix+"_"):
		if record.State != db.StateReportGetUser {
			return nil
		}
		reportedID, err := strconv.ParseInt(strings.TrimPrefix(data, callbackConfirmPrefix+"_"), 10, 64)
		if err != nil {
			return nil
		}
		return h.advanceToSummary(ctx, chatID, record, reportedID)

	case data == callbackDeny:
		if err := h.s.GetDB().ClearConversation(ctx, record.ID); err != nil {
			return err
		}
		h.send(ctx, chatID, texts.Get("state_cancel"), nil)
		return nil
	}
	return nil
}

// finishSubmission hands the collected draft to review, covering both the
// Send button and the /send command.
func (h *Conversation) finishSubmission(ctx context.Context, chatID int64, record *db.User) error {
	conv := record.Conversation
	if !conv.State.AwaitingProof() {
		return nil
	}
	if len(conv.Evidence) == 0 {
		h.send(ctx, chatID, texts.Get("send_nomsgs"), &tg.SendOpts{RateLimit: promptInterval})
		return nil
	}

	cfg := config.Get()
	switch conv.State {
	case db.StateReportAwaitingProof:
		// The cooldown is re-checked here: a draft parked across the
		// boundary must not submit early.
		if h.reportOnCooldown(record, cfg) {
			h.send(ctx, chatID, texts.Get("report_cooldown"), nil)
			return nil
		}
		if err := h.reviewer.SubmitReport(ctx, record.ID, &conv); err != nil {
			return errors.WithMessage(err, "cant submit report")
		}
		if err := h.s.GetDB().TouchLastReport(ctx, record.ID, time.Now()); err != nil {
			log.WithError(err).Warn("cant touch report cooldown")
		}
		if err := h.s.GetDB().ClearConversation(ctx, record.ID); err != nil {
			return err
		}
		h.send(ctx, chatID, texts.Get("report_success"), nil)

	case db.StateAppealAwaitingProof:
		if !record.DWC || !h.canAppeal(record, cfg) {
			h.send(ctx, chatID, texts.Get("appeal_cannot"), nil)
			return nil
		}
		if err := h.reviewer.SubmitAppeal(ctx, record, conv.Evidence); err != nil {
			return errors.WithMessage(err, "cant submit appeal")
		}
		if err := h.s.GetDB().ClearConversation(ctx, record.ID); err != nil {
			return err
		}
		h.send(ctx, chatID, texts.Get("appeal_success"), nil)
	}
	return nil
}

// resolveReported returns nil without error when the input does not resolve
// to a reportable user.
func (h *Conversation) resolveReported(ctx context.Context, m *api.Message) (*db.Identity, error) {
	if m.ForwardOrigin != nil && m.ForwardOrigin.SenderUser != nil {
		origin := m.ForwardOrigin.SenderUser
		return &db.Identity{
			ID:       origin.ID,
			Name:     tg.GetFullName(origin),
			Username: origin.UserName,
		}, nil
	}

	input := strings.TrimSpace(m.Text)
	if input == "" {
		return nil, nil
	}

	// Numeric ids resolve against stored records only; the platform offers
	// no id-to-user lookup for arbitrary strangers.
	if id, err := strconv.ParseInt(input, 10, 64); err == nil {
		known, err := h.s.GetDB().GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if known == nil {
			return nil, nil
		}
		return &db.Identity{ID: known.ID, Name: known.Name, Username: known.Username, AccessHash: known.AccessHash}, nil
	}

	if !usernamePattern.MatchString(input) {
		return nil, nil
	}
	username := strings.TrimPrefix(input, "@")

	known, err := h.s.GetDB().GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if known != nil {
		return &db.Identity{ID: known.ID, Name: known.Name, Username: known.Username, AccessHash: known.AccessHash}, nil
	}

	if hit, ok := h.resolved.Get(username); ok {
		return &db.Identity{ID: hit.ID, Name: hit.Name, Username: hit.Username}, nil
	}
	member, err := h.s.GetTransport().ResolveUsername(ctx, username)
	if err != nil {
		log.WithError(err).WithField("username", username).Debug("username lookup failed")
		return nil, nil
	}
	if member == nil {
		return nil, nil
	}
	h.resolved.Set(username, config.Get().IsStaff(member.ID), cache.Name{ID: member.ID, Name: member.Name, Username: member.Username})
	return &db.Identity{ID: member.ID, Name: member.Name, Username: member.Username, AccessHash: member.AccessHash}, nil
}

func (h *Conversation) reportOnCooldown(record *db.User, cfg config.Config) bool {
	if cfg.IsStaff(record.ID) || record.LastReportAt == 0 {
		return false
	}
	return time.Now().Before(time.Unix(record.LastReportAt, 0).Add(cfg.Cooldowns.Report))
}

func (h *Conversation) canAppeal(record *db.User, cfg config.Config) bool {
	if record.Appealing {
		return false
	}
	if record.LastAppealAt == 0 {
		return true
	}
	return time.Now().After(time.Unix(record.LastAppealAt, 0).Add(cfg.Cooldowns.Appeal))
}

func (h *Conversation) setState(ctx context.Context, record *db.User, conv *db.Conversation) error {
	if conv.State != record.State && !record.State.CanTransition(conv.State) {
		log.WithFields(log.Fields{
			"user_id": record.ID,
			"from":    record.State,
			"to":      conv.State,
		}).Warn("rejected conversation transition")
		return nil
	}
	if err := h.s.GetDB().SetConversation(ctx, record.ID, conv); err != nil {
		return err
	}
	record.Conversation = *conv
	return nil
}

func (h *Conversation) send(ctx context.Context, chatID int64, text string, opts *tg.SendOpts) {
	if _, err := h.s.GetTransport().SendMessage(ctx, chatID, text, opts); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Warn("cant send message")
	}
}

func (h *Conversation) answerCallback(ctx context.Context, callbackID string) {
	if err := h.s.GetTransport().AnswerCallback(ctx, callbackID, ""); err != nil {
		log.WithError(err).Warn("cant answer callback")
	}
}

func sendMarkup() *api.InlineKeyboardMarkup {
	markup := api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("Send", callbackSend),
		),
	)
	return &markup
}

func parseAmount(input string) (float64, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(input))
	if cleaned == "n/a" {
		return 0, true
	}
	cleaned = strings.NewReplacer("$", "", ",", "", " ", "").Replace(cleaned)
	amount, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || amount <= 0 {
		return 0, false
	}
	return amount, true
}
