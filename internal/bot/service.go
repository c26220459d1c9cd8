package bot

import (
	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/cautionlist/cautionbot/internal/db"
	"github.com/cautionlist/cautionbot/internal/tg"
)

type service struct {
	bot       *api.BotAPI
	db        db.Client
	transport tg.Transport
}

func NewService(bot *api.BotAPI, dbClient db.Client, transport tg.Transport) *service {
	return &service{
		bot:       bot,
		db:        dbClient,
		transport: transport,
	}
}

func (s *service) GetBot() *api.BotAPI {
	return s.bot
}

func (s *service) GetDB() db.Client {
	return s.db
}

func (s *service) GetTransport() tg.Transport {
	return s.transport
}
