package bot

import (
	"context"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cautionlist/cautionbot/internal/config"
)

const (
	UpdateTimeout = 5 * time.Minute
)

type UpdateProcessor struct {
	s              Service
	updateHandlers []Handler
}

var registeredHandlers = make(map[string]Handler)

func RegisterUpdateHandler(title string, handler Handler) {
	registeredHandlers[title] = handler
}

func NewUpdateProcessor(s Service) *UpdateProcessor {
	enabledHandlers := make([]Handler, 0)
	for _, handlerName := range config.Get().EnabledHandlers {
		if _, ok := registeredHandlers[handlerName]; !ok || registeredHandlers[handlerName] == nil {
			log.Warnf("no registered handler: %s", handlerName)
			continue
		}
		enabledHandlers = append(enabledHandlers, registeredHandlers[handlerName])
	}

	return &UpdateProcessor{
		s:              s,
		updateHandlers: enabledHandlers,
	}
}

func (up *UpdateProcessor) Process(ctx context.Context, u *api.Update) error {
	if u == nil {
		return errors.New("update is nil")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		var updateTime time.Time
		switch {
		case u.Message != nil:
			updateTime = time.Unix(int64(u.Message.Date), 0)
		case u.EditedMessage != nil:
			updateTime = time.Unix(int64(u.EditedMessage.Date), 0)
		case u.ChannelPost != nil:
			updateTime = time.Unix(int64(u.ChannelPost.Date), 0)
		default:
			updateTime = time.Now()
		}

		if time.Since(updateTime) > UpdateTimeout {
			log.WithFields(log.Fields{
				"update_time": updateTime,
				"age":         time.Since(updateTime),
			}).Debug("Skipping outdated update")
			return nil
		}

		chat := u.FromChat()
		if chat == nil {
			switch {
			case u.MyChatMember != nil:
				chat = &u.MyChatMember.Chat
			case u.ChatMember != nil:
				chat = &u.ChatMember.Chat
			}
		}

		user := u.SentFrom()
		if user == nil {
			switch {
			case u.MyChatMember != nil:
				user = &u.MyChatMember.From
			case u.ChatMember != nil:
				user = &u.ChatMember.From
			}
		}

		for _, handler := range up.updateHandlers {
			if handler == nil {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				proceed, err := handler.Handle(ctx, u, chat, user)
				if err != nil {
					return errors.WithMessage(err, "handling error")
				}
				if !proceed {
					log.Trace("not proceeding")
					return nil
				}
			}
		}
		return nil
	}
}

func GetUpdatesChans(ctx context.Context, bot *api.BotAPI, config api.UpdateConfig) (api.UpdatesChannel, chan error) {
	ch := make(chan api.Update, bot.Buffer)
	chErr := make(chan error)

	go func() {
		defer close(ch)
		defer close(chErr)
		for {
			select {
			case <-ctx.Done():
				chErr <- ctx.Err()
				return
			default:
				updates, err := bot.GetUpdates(config)
				if err != nil {
					chErr <- err
					return
				}

				for _, update := range updates {
					if update.UpdateID >= config.Offset {
						config.Offset = update.UpdateID + 1
						select {
						case ch <- update:
						case <-ctx.Done():
							chErr <- ctx.Err()
							return
						}
					}
				}
			}
		}
	}()

	return ch, chErr
}
