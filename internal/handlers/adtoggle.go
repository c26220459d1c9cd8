package handlers

import (
	"context"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cautionlist/cautionbot/internal/bot"
	"github.com/cautionlist/cautionbot/internal/texts"
	"github.com/cautionlist/cautionbot/internal/tg"
)

// AdToggle lets group admins switch the periodic notices on and off.
type AdToggle struct {
	s bot.Service
}

func NewAdToggle(s bot.Service) *AdToggle {
	return &AdToggle{s: s}
}

func (h *AdToggle) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (proceed bool, err error) {
	if chat == nil || user == nil || chat.IsPrivate() {
		return true, nil
	}
	if u.Message == nil || !u.Message.IsCommand() {
		return true, nil
	}

	switch u.Message.Command() {
	case "noads", "noadvertisements", "toggleads", "toggleadvertisements":
	default:
		return true, nil
	}

	isAdmin, err := h.s.GetTransport().IsChatAdmin(ctx, chat.ID, user.ID)
	if err != nil {
		return false, errors.WithMessage(err, "cant check admin rights")
	}
	if !isAdmin {
		return false, nil
	}

	stored, err := h.s.GetDB().GetChat(ctx, chat.ID)
	if err != nil {
		return false, err
	}
	disabled := true
	if stored != nil {
		disabled = !stored.AdsDisabled
	}
	if stored == nil {
		if err := h.s.GetDB().UpsertChat(ctx, chat.ID, chat.Type); err != nil {
			return false, err
		}
	}
	if err := h.s.GetDB().SetAdsDisabled(ctx, chat.ID, disabled); err != nil {
		return false, err
	}

	kind := "ads_disabled"
	if !disabled {
		kind = "ads_enabled"
	}
	if _, err := h.s.GetTransport().SendMessage(ctx, chat.ID, texts.Get(kind), &tg.SendOpts{
		ReplyTo: u.Message.MessageID,
	}); err != nil {
		log.WithError(err).Warn("cant confirm notice toggle")
	}
	return false, nil
}
