package tg

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type (
	// Transport is the capability surface the moderation core consumes from
	// the chat platform. Every call may fail with a transport error; callers
	// catch and log those instead of letting them crash a handler.
	Transport interface {
		Self() *api.User
		SendMessage(ctx context.Context, chatID int64, text string, opts *SendOpts) (*api.Message, error)
		EditMessageText(ctx context.Context, chatID int64, messageID int, text string) error
		EditReplyMarkup(ctx context.Context, chatID int64, messageID int, markup api.InlineKeyboardMarkup) error
		AnswerCallback(ctx context.Context, callbackID, text string) error
		DeleteMessage(ctx context.Context, chatID int64, messageID int) error
		BanMember(ctx context.Context, chatID, userID int64) error
		UnbanMember(ctx context.Context, chatID, userID int64) error
		CreateForumTopic(ctx context.Context, chatID int64, name string) (int, error)
		DeleteForumTopic(ctx context.Context, chatID int64, threadID int) error
		ForwardMessages(ctx context.Context, toChat int64, threadID int, fromChat int64, messageIDs []int) ([]int, error)
		Participants(ctx context.Context, chatID int64) ([]Member, error)
		ResolveUsername(ctx context.Context, username string) (*Member, error)
		ChatLink(ctx context.Context, chatID int64) (string, error)
		ChatType(ctx context.Context, chatID int64) (string, error)
		IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
	}

	// Member is the normalized user reference the transport produces at the
	// boundary. AccessHash is empty when the platform did not expose one.
	Member struct {
		ID         int64
		Name       string
		Username   string
		AccessHash string
	}

	SendOpts struct {
		ReplyTo int

		// RateLimit drops the send silently when the interval has not
		// elapsed since the last accepted send to the destination.
		RateLimit time.Duration

		Markup         *api.InlineKeyboardMarkup
		DisablePreview bool
	}

	botTransport struct {
		bot         *api.BotAPI
		limiter     *sendLimiter
		links       *linkCache
		revokeOnBan bool
	}
)

func NewBotTransport(bot *api.BotAPI, revokeOnBan bool) Transport {
	return &botTransport{
		bot:         bot,
		limiter:     newSendLimiter(),
		links:       newLinkCache(),
		revokeOnBan: revokeOnBan,
	}
}

func (t *botTransport) Self() *api.User {
	return &t.bot.Self
}

// SendMessage returns (nil, nil) when the send was dropped by the rate limit.
func (t *botTransport) SendMessage(ctx context.Context, chatID int64, text string, opts *SendOpts) (*api.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if opts == nil {
		opts = &SendOpts{}
	}
	if opts.RateLimit > 0 && !t.limiter.Allow(chatID, opts.RateLimit) {
		log.WithField("chat_id", chatID).Trace("send dropped by rate limit")
		return nil, nil
	}

	msg := api.NewMessage(chatID, text)
	msg.ParseMode = api.ModeHTML
	if opts.ReplyTo != 0 {
		msg.ReplyParameters.MessageID = opts.ReplyTo
		msg.ReplyParameters.ChatID = chatID
		msg.ReplyParameters.AllowSendingWithoutReply = true
	}
	if opts.Markup != nil {
		msg.ReplyMarkup = *opts.Markup
	}
	if opts.DisablePreview {
		msg.LinkPreviewOptions.IsDisabled = true
	}

	sent, err := t.bot.Send(msg)
	if err != nil {
		// Blocked-by-user is routine for notification sends.
		if strings.Contains(strings.ToLower(err.Error()), "bot was blocked by the user") {
			return nil, nil
		}
		return nil, errors.WithMessage(err, "cant send message")
	}
	return &sent, nil
}

func (t *botTransport) EditMessageText(ctx context.Context, chatID int64, messageID int, text string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	edit := api.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = api.ModeHTML
	edit.LinkPreviewOptions.IsDisabled = true
	if _, err := t.bot.Request(edit); err != nil {
		return errors.WithMessage(err, "cant edit message")
	}
	return nil
}

func (t *botTransport) EditReplyMarkup(ctx context.Context, chatID int64, messageID int, markup api.InlineKeyboardMarkup) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, err := t.bot.Request(api.NewEditMessageReplyMarkup(chatID, messageID, markup)); err != nil {
		return errors.WithMessage(err, "cant edit reply markup")
	}
	return nil
}

func (t *botTransport) AnswerCallback(ctx context.Context, callbackID, text string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, err := t.bot.Request(api.NewCallback(callbackID, text)); err != nil {
		return errors.WithMessage(err, "cant answer callback")
	}
	return nil
}

func (t *botTransport) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, err := t.bot.Request(api.NewDeleteMessage(chatID, messageID)); err != nil {
		return errors.WithMessage(err, "cant delete message")
	}
	return nil
}

func (t *botTransport) BanMember(ctx context.Context, chatID, userID int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, err := t.bot.Request(api.BanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		RevokeMessages: t.revokeOnBan,
	}); err != nil {
		return errors.WithMessage(err, "cant ban member")
	}
	return nil
}

func (t *botTransport) UnbanMember(ctx context.Context, chatID, userID int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, err := t.bot.Request(api.UnbanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		OnlyIfBanned: true,
	}); err != nil {
		return errors.WithMessage(err, "cant unban member")
	}
	return nil
}

func (t *botTransport) CreateForumTopic(ctx context.Context, chatID int64, name string) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	resp, err := t.bot.Request(api.CreateForumTopicConfig{
		ChatConfig: api.ChatConfig{ChatID: chatID},
		Name:       name,
	})
	if err != nil {
		return 0, errors.WithMessage(err, "cant create forum topic")
	}
	var topic struct {
		MessageThreadID int `json:"message_thread_id"`
	}
	if err := json.Unmarshal(resp.Result, &topic); err != nil {
		return 0, errors.WithMessage(err, "cant decode forum topic")
	}
	if topic.MessageThreadID == 0 {
		return 0, errors.New("forum topic response carries no thread id")
	}
	return topic.MessageThreadID, nil
}

func (t *botTransport) DeleteForumTopic(ctx context.Context, chatID int64, threadID int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if _, err := t.bot.Request(api.DeleteForumTopicConfig{
		BaseForum: api.BaseForum{
			ChatConfig:      api.ChatConfig{ChatID: chatID},
			MessageThreadID: threadID,
		},
	}); err != nil {
		return errors.WithMessage(err, "cant delete forum topic")
	}
	return nil
}

// ForwardMessages forwards the given messages one by one and returns the ids
// of the copies that went through. A partial result is not an error.
func (t *botTransport) ForwardMessages(ctx context.Context, toChat int64, threadID int, fromChat int64, messageIDs []int) ([]int, error) {
	forwarded := make([]int, 0, len(messageIDs))
	for _, id := range messageIDs {
		select {
		case <-ctx.Done():
			return forwarded, ctx.Err()
		default:
		}
		fwd := api.NewForward(toChat, fromChat, id)
		if threadID != 0 {
			fwd.MessageThreadID = threadID
		}
		sent, err := t.bot.Send(fwd)
		if err != nil {
			log.WithFields(log.Fields{"message_id": id, "error": err.Error()}).Warn("cant forward message")
			continue
		}
		forwarded = append(forwarded, sent.MessageID)
	}
	if len(forwarded) == 0 && len(messageIDs) > 0 {
		return nil, errors.New("no messages could be forwarded")
	}
	return forwarded, nil
}

// Participants enumerates the chat members the Bot API exposes. The platform
// only reveals administrators to bots, so the member sets kept by the store
// are additionally maintained from join/leave events.
func (t *botTransport) Participants(ctx context.Context, chatID int64) ([]Member, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	admins, err := t.bot.GetChatAdministrators(api.ChatAdministratorsConfig{
		ChatConfig: api.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "cant enumerate participants")
	}
	members := make([]Member, 0, len(admins))
	for _, admin := range admins {
		if admin.User == nil || admin.User.IsBot {
			continue
		}
		members = append(members, memberFromUser(admin.User))
	}
	return members, nil
}

func (t *botTransport) ResolveUsername(ctx context.Context, username string) (*Member, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	chat, err := t.bot.GetChat(api.ChatInfoConfig{
		ChatConfig: api.ChatConfig{SuperGroupUsername: "@" + strings.TrimPrefix(username, "@")},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "cant resolve username")
	}
	if chat.Type != "private" {
		return nil, errors.New("username does not belong to a user")
	}
	name := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	return &Member{ID: chat.ID, Name: name, Username: chat.UserName}, nil
}

// ChatLink resolves the public t.me path of a chat, falling back to the
// c/<internal id> form for chats without a username. Results are cached for
// the process lifetime.
func (t *botTransport) ChatLink(ctx context.Context, chatID int64) (string, error) {
	if link, ok := t.links.Get(chatID); ok {
		return link, nil
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	chat, err := t.bot.GetChat(api.ChatInfoConfig{ChatConfig: api.ChatConfig{ChatID: chatID}})
	if err != nil {
		return "", errors.WithMessage(err, "cant fetch chat for link")
	}
	link := chat.UserName
	if link == "" {
		link = "c/" + strings.TrimPrefix(strconv.FormatInt(chatID, 10), "-100")
	}
	t.links.Set(chatID, link)
	return link, nil
}

func (t *botTransport) ChatType(ctx context.Context, chatID int64) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	chat, err := t.bot.GetChat(api.ChatInfoConfig{ChatConfig: api.ChatConfig{ChatID: chatID}})
	if err != nil {
		return "", errors.WithMessage(err, "cant fetch chat")
	}
	return chat.Type, nil
}

func (t *botTransport) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	member, err := t.bot.GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
	})
	if err != nil {
		return false, errors.WithMessage(err, "cant get chat member")
	}
	return member.IsCreator() || member.IsAdministrator(), nil
}

func memberFromUser(user *api.User) Member {
	return Member{
		ID:       user.ID,
		Name:     GetFullName(user),
		Username: user.UserName,
	}
}
