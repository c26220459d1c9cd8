package handlers

import (
	"context"
	"strconv"
	"strings"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cautionlist/cautionbot/internal/bot"
	"github.com/cautionlist/cautionbot/internal/config"
	"github.com/cautionlist/cautionbot/internal/db"
	moderr "github.com/cautionlist/cautionbot/internal/errors"
	"github.com/cautionlist/cautionbot/internal/staff"
	"github.com/cautionlist/cautionbot/internal/texts"
	"github.com/cautionlist/cautionbot/internal/tg"
)

// StaffArea routes everything staff members do: queue buttons, denial
// reasons and the manual moderation commands. Non-staff traffic passes
// straight through to the public handlers.
type StaffArea struct {
	s        bot.Service
	reviewer *staff.Reviewer
}

func NewStaffArea(s bot.Service, reviewer *staff.Reviewer) *StaffArea {
	return &StaffArea{s: s, reviewer: reviewer}
}

func (h *StaffArea) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (proceed bool, err error) {
	if user == nil {
		return true, nil
	}
	cfg := config.Get()
	if !cfg.IsStaff(user.ID) {
		return true, nil
	}

	if u.CallbackQuery != nil && strings.HasPrefix(u.CallbackQuery.Data, "staff_") {
		return false, h.handleCallback(ctx, u.CallbackQuery, user)
	}

	if u.Message == nil || chat == nil {
		return true, nil
	}
	m := u.Message

	if m.IsCommand() && chat.IsPrivate() {
		handled, err := h.handleCommand(ctx, m, user)
		if handled {
			return false, err
		}
		return true, err
	}

	// Denial reasons arrive as plain messages in the bot's private chat or
	// in the queue channels.
	if m.Text != "" && !m.IsCommand() && h.reasonChat(chat, cfg) {
		handled, err := h.reviewer.ProvideReason(ctx, user.ID, m.Text)
		if !handled {
			return true, nil
		}
		if errors.Is(err, moderr.ErrValidation) {
			h.reply(ctx, chat.ID, m.MessageID, texts.Get("deny_reason_prompt"))
			return false, nil
		}
		if errors.Is(err, moderr.ErrNotFound) || errors.Is(err, moderr.ErrAlreadyProcessed) {
			h.reply(ctx, chat.ID, m.MessageID, "That entry is already gone.")
			return false, nil
		}
		if err != nil {
			return false, errors.WithMessage(err, "cant finish denial")
		}
		h.reply(ctx, chat.ID, m.MessageID, "Done.")
		return false, nil
	}

	return true, nil
}

func (h *StaffArea) reasonChat(chat *api.Chat, cfg config.Config) bool {
	return chat.IsPrivate() ||
		chat.ID == cfg.Channels.PrivateReports ||
		chat.ID == cfg.Channels.PrivateAppeals
}

func (h *StaffArea) handleCallback(ctx context.Context, cb *api.CallbackQuery, user *api.User) error {
	action, arg, ok := splitCallback(cb.Data)
	if !ok {
		h.answerCallback(ctx, cb.ID, "Malformed button data.")
		return nil
	}

	var err error
	switch action {
	case staff.CallbackApproveReport:
		err = h.reviewer.ApproveReport(ctx, user.ID, arg)
	case staff.CallbackDenyReport:
		err = h.reviewer.DenyReport(ctx, user.ID, arg)
	case staff.CallbackApproveAppeal:
		var userID int64
		if userID, err = strconv.ParseInt(arg, 10, 64); err == nil {
			err = h.reviewer.ApproveAppeal(ctx, user.ID, userID)
		}
	case staff.CallbackDenyAppeal:
		var userID int64
		if userID, err = strconv.ParseInt(arg, 10, 64); err == nil {
			err = h.reviewer.DenyAppeal(ctx, user.ID, userID)
		}
	default:
		h.answerCallback(ctx, cb.ID, "Unknown action.")
		return nil
	}

	switch {
	case err == nil:
		switch action {
		case staff.CallbackDenyReport, staff.CallbackDenyAppeal:
			h.answerCallback(ctx, cb.ID, "Send the denial reason.")
			if cb.Message != nil {
				h.reply(ctx, cb.Message.Chat.ID, cb.Message.MessageID, texts.Get("deny_reason_prompt"))
			}
		default:
			h.answerCallback(ctx, cb.ID, "Done.")
			h.stripButtons(ctx, cb)
		}
	case errors.Is(err, moderr.ErrAlreadyInProgress):
		h.answerCallback(ctx, cb.ID, "You already have an approval in flight.")
	case errors.Is(err, moderr.ErrAlreadyProcessed):
		h.answerCallback(ctx, cb.ID, "Already resolved by someone else.")
		h.stripButtons(ctx, cb)
	case errors.Is(err, moderr.ErrNotFound):
		h.answerCallback(ctx, cb.ID, "This entry no longer exists.")
		h.stripButtons(ctx, cb)
	default:
		h.answerCallback(ctx, cb.ID, "Failed, check the logs.")
		return errors.WithMessage(err, "staff callback failed")
	}
	return nil
}

func (h *StaffArea) handleCommand(ctx context.Context, m *api.Message, user *api.User) (bool, error) {
	args := strings.Fields(m.CommandArguments())
	switch m.Command() {
	case "blacklist":
		if len(args) < 1 {
			h.reply(ctx, m.Chat.ID, m.MessageID, "Usage: /blacklist <id|@username> [reason]")
			return true, nil
		}
		target, err := h.resolveTarget(ctx, args[0])
		if err != nil {
			h.reply(ctx, m.Chat.ID, m.MessageID, "Cannot resolve that user.")
			return true, nil
		}
		if err := h.reviewer.Blacklist(ctx, target.ID, strings.Join(args[1:], " ")); err != nil {
			return true, err
		}
		h.reply(ctx, m.Chat.ID, m.MessageID, "Blacklisted.")
		return true, nil

	case "dwc":
		if len(args) < 2 {
			h.reply(ctx, m.Chat.ID, m.MessageID, "Usage: /dwc <id|@username> <reason>")
			return true, nil
		}
		target, err := h.resolveTarget(ctx, args[0])
		if err != nil {
			h.reply(ctx, m.Chat.ID, m.MessageID, "Cannot resolve that user.")
			return true, nil
		}
		if err := h.reviewer.ListManually(ctx, *target, strings.Join(args[1:], " ")); err != nil {
			return true, errors.WithMessage(err, "cant list user")
		}
		h.reply(ctx, m.Chat.ID, m.MessageID, "Listed.")
		return true, nil

	case "undwc":
		if len(args) < 1 {
			h.reply(ctx, m.Chat.ID, m.MessageID, "Usage: /undwc <id|@username>")
			return true, nil
		}
		target, err := h.resolveTarget(ctx, args[0])
		if err != nil {
			h.reply(ctx, m.Chat.ID, m.MessageID, "Cannot resolve that user.")
			return true, nil
		}
		err = h.reviewer.Delist(ctx, target.ID)
		switch {
		case errors.Is(err, moderr.ErrNotListed), errors.Is(err, moderr.ErrNotFound):
			h.reply(ctx, m.Chat.ID, m.MessageID, "That user is not listed.")
			return true, nil
		case err != nil:
			return true, errors.WithMessage(err, "cant delist user")
		}
		h.reply(ctx, m.Chat.ID, m.MessageID, "Delisted.")
		return true, nil
	}
	return false, nil
}

// resolveTarget accepts a numeric id or an @username, preferring known
// records over a live platform lookup.
func (h *StaffArea) resolveTarget(ctx context.Context, arg string) (*db.Identity, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		if user, err := h.s.GetDB().GetUser(ctx, id); err == nil && user != nil {
			return &db.Identity{ID: user.ID, Name: user.Name, Username: user.Username, AccessHash: user.AccessHash}, nil
		}
		return &db.Identity{ID: id}, nil
	}

	username := strings.TrimPrefix(arg, "@")
	if user, err := h.s.GetDB().GetUserByUsername(ctx, username); err == nil && user != nil {
		return &db.Identity{ID: user.ID, Name: user.Name, Username: user.Username, AccessHash: user.AccessHash}, nil
	}
	member, err := h.s.GetTransport().ResolveUsername(ctx, username)
	if err != nil || member == nil {
		return nil, errors.New("unknown user")
	}
	return &db.Identity{ID: member.ID, Name: member.Name, Username: member.Username, AccessHash: member.AccessHash}, nil
}

func (h *StaffArea) stripButtons(ctx context.Context, cb *api.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	empty := api.NewInlineKeyboardMarkup(api.NewInlineKeyboardRow())
	empty.InlineKeyboard = [][]api.InlineKeyboardButton{}
	if err := h.s.GetTransport().EditReplyMarkup(ctx, cb.Message.Chat.ID, cb.Message.MessageID, empty); err != nil {
		log.WithError(err).Warn("cant strip queue buttons")
	}
}

func (h *StaffArea) answerCallback(ctx context.Context, callbackID, text string) {
	if err := h.s.GetTransport().AnswerCallback(ctx, callbackID, text); err != nil {
		log.WithError(err).Warn("cant answer callback")
	}
}

func (h *StaffArea) reply(ctx context.Context, chatID int64, replyTo int, text string) {
	if _, err := h.s.GetTransport().SendMessage(ctx, chatID, text, &tg.SendOpts{ReplyTo: replyTo}); err != nil {
		log.WithError(err).Warn("cant reply")
	}
}

func splitCallback(data string) (action, arg string, ok bool) {
	idx := strings.LastIndex(data, "_")
	if idx <= 0 || idx == len(data)-1 {
		return "", "", false
	}
	return data[:idx], data[idx+1:], true
}
