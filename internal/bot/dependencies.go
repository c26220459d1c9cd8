package bot

import (
	"context"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/cautionlist/cautionbot/internal/db"
	"github.com/cautionlist/cautionbot/internal/tg"
)

// ServiceBot defines bot-specific operations
type ServiceBot interface {
	GetBot() *api.BotAPI
}

// ServiceDB defines database-specific operations
type ServiceDB interface {
	GetDB() db.Client
}

// ServiceTransport exposes the messaging transport built over the bot API.
type ServiceTransport interface {
	GetTransport() tg.Transport
}

// Service defines the core bot service interface
type Service interface {
	ServiceBot
	ServiceDB
	ServiceTransport
}

// Handler defines the interface for all update handlers in the system
type Handler interface {
	Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (proceed bool, err error)
}
