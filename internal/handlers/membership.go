package handlers

import (
	"context"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cautionlist/cautionbot/internal/bot"
	"github.com/cautionlist/cautionbot/internal/db"
	"github.com/cautionlist/cautionbot/internal/tg"
)

// denylist is the engine slice membership tracking needs.
type denylist interface {
	IsListed(ctx context.Context, userID int64) (bool, error)
	BanFromChat(ctx context.Context, chat *db.Chat, userID int64) error
}

// Membership keeps the chat member sets current from join and leave events
// and catches listed users the moment they join a protected chat.
type Membership struct {
	s      bot.Service
	engine denylist
}

func NewMembership(s bot.Service, engine denylist) *Membership {
	return &Membership{s: s, engine: engine}
}

func (h *Membership) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (proceed bool, err error) {
	if chat == nil || chat.IsPrivate() {
		return true, nil
	}

	if u.MyChatMember != nil {
		return true, h.handleOwnStatus(ctx, u.MyChatMember, chat)
	}

	if u.Message == nil {
		return true, nil
	}
	m := u.Message

	if len(m.NewChatMembers) > 0 {
		return true, h.handleJoins(ctx, chat, m.NewChatMembers)
	}
	if m.LeftChatMember != nil {
		return true, h.handleLeave(ctx, chat, m.LeftChatMember)
	}
	return true, nil
}

func (h *Membership) handleJoins(ctx context.Context, chat *api.Chat, joined []api.User) error {
	store := h.s.GetDB()
	if err := store.UpsertChat(ctx, chat.ID, chat.Type); err != nil {
		return errors.WithMessage(err, "cant upsert chat")
	}
	if err := store.SetChatPrivate(ctx, chat.ID, false); err != nil {
		log.WithError(err).Warn("cant mark chat reachable")
	}

	self := h.s.GetTransport().Self()
	for _, member := range joined {
		if member.ID == self.ID {
			continue
		}
		if member.IsBot {
			continue
		}
		if err := store.UpsertIdentity(ctx, db.Identity{
			ID:       member.ID,
			Name:     tg.GetFullName(&member),
			Username: member.UserName,
		}); err != nil {
			log.WithError(err).Warn("cant store joined identity")
		}
		if err := store.AddMember(ctx, chat.ID, member.ID); err != nil {
			log.WithError(err).Warn("cant record membership")
		}

		listed, err := h.engine.IsListed(ctx, member.ID)
		if err != nil {
			log.WithError(err).WithField("user_id", member.ID).Error("cant check denylist on join")
			continue
		}
		if !listed {
			continue
		}
		if err := h.engine.BanFromChat(ctx, &db.Chat{ID: chat.ID, Type: chat.Type}, member.ID); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"chat_id": chat.ID,
				"user_id": member.ID,
			}).Error("cant ban listed joiner")
		}
	}
	return nil
}

func (h *Membership) handleLeave(ctx context.Context, chat *api.Chat, left *api.User) error {
	if left.ID == h.s.GetTransport().Self().ID {
		return h.s.GetDB().SetChatPrivate(ctx, chat.ID, true)
	}
	return h.s.GetDB().RemoveMember(ctx, chat.ID, left.ID)
}

// handleOwnStatus tracks the bot's own membership so unreachable chats fall
// out of propagation until the bot is re-added.
func (h *Membership) handleOwnStatus(ctx context.Context, upd *api.ChatMemberUpdated, chat *api.Chat) error {
	if upd.NewChatMember.User.ID != h.s.GetTransport().Self().ID {
		return nil
	}
	switch upd.NewChatMember.Status {
	case "left", "kicked":
		return h.s.GetDB().SetChatPrivate(ctx, chat.ID, true)
	case "member", "administrator", "restricted":
		if err := h.s.GetDB().UpsertChat(ctx, chat.ID, chat.Type); err != nil {
			return errors.WithMessage(err, "cant upsert chat")
		}
		return h.s.GetDB().SetChatPrivate(ctx, chat.ID, false)
	}
	return nil
}
