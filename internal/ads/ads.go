package ads

import (
	"context"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/cautionlist/cautionbot/internal/config"
	"github.com/cautionlist/cautionbot/internal/db"
	"github.com/cautionlist/cautionbot/internal/infra"
	"github.com/cautionlist/cautionbot/internal/keyed"
	"github.com/cautionlist/cautionbot/internal/texts"
	"github.com/cautionlist/cautionbot/internal/tg"
)

const interChatDelay = time.Second

// Store is the persistence slice the broadcaster needs.
type Store interface {
	ChatsForBroadcast(ctx context.Context, olderThan time.Time) ([]db.Chat, error)
	TouchAd(ctx context.Context, chatIDs []int64, at time.Time) error
}

// Broadcaster posts the periodic awareness notice into every group that has
// not opted out. Freshly discovered chats are only stamped on their first
// cycle so joining the bot does not immediately trigger a notice.
type Broadcaster struct {
	store Store
	tpt   tg.Transport

	runMutex sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	latch    *keyed.Group
}

func NewBroadcaster(store Store, transport tg.Transport) *Broadcaster {
	return &Broadcaster{
		store: store,
		tpt:   transport,
		latch: keyed.NewGroup(),
	}
}

func (b *Broadcaster) Start(ctx context.Context) error {
	b.runMutex.Lock()
	defer b.runMutex.Unlock()
	if b.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.started = true

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		infra.GoRecoverable(-1, "ad broadcaster", func() {
			b.loop(runCtx)
		})
	}()
	return nil
}

func (b *Broadcaster) Stop(ctx context.Context) error {
	b.runMutex.Lock()
	defer b.runMutex.Unlock()
	if !b.started {
		return nil
	}
	b.cancel()
	b.started = false

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broadcaster) loop(ctx context.Context) {
	ticker := time.NewTicker(config.Get().Cooldowns.AdInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.RunOnce(ctx)
		}
	}
}

// RunOnce sends the notice to every due chat, pacing sends to stay under the
// platform's broadcast limits.
func (b *Broadcaster) RunOnce(ctx context.Context) {
	release, ok := b.latch.TryAcquire("broadcast")
	if !ok {
		return
	}
	defer release()

	cfg := config.Get()
	cutoff := time.Now().Add(-cfg.Cooldowns.Advertisement)
	chats, err := b.store.ChatsForBroadcast(ctx, cutoff)
	if err != nil {
		log.WithError(err).Error("cant list chats for broadcast")
		return
	}

	var fresh []int64
	var notified []int64
	for _, chat := range chats {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// A chat that has never been stamped gets stamped without a send,
		// so the first notice arrives one full cooldown after discovery.
		if chat.LastAdAt == 0 {
			fresh = append(fresh, chat.ID)
			continue
		}

		markup := api.NewInlineKeyboardMarkup(
			api.NewInlineKeyboardRow(
				api.NewInlineKeyboardButtonURL("Check the list", "https://t.me/CAUTION"),
			),
		)
		if _, err := b.tpt.SendMessage(ctx, chat.ID, texts.Get("advertisement"), &tg.SendOpts{
			Markup:         &markup,
			DisablePreview: true,
		}); err != nil {
			log.WithError(err).WithField("chat_id", chat.ID).Warn("cant post notice")
			continue
		}
		notified = append(notified, chat.ID)
		time.Sleep(interChatDelay)
	}

	stamp := append(fresh, notified...)
	if len(stamp) == 0 {
		return
	}
	if err := b.store.TouchAd(ctx, stamp, time.Now()); err != nil {
		log.WithError(err).Error("cant stamp notice times")
	}
}
