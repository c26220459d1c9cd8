package scraper

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cautionlist/cautionbot/internal/config"
	"github.com/cautionlist/cautionbot/internal/db"
	"github.com/cautionlist/cautionbot/internal/infra"
	"github.com/cautionlist/cautionbot/internal/keyed"
	"github.com/cautionlist/cautionbot/internal/tg"
)

// Store is the persistence slice the scraper needs.
type Store interface {
	ChatsNeedingScrape(ctx context.Context, olderThan time.Time) ([]db.Chat, error)
	ReplaceMembers(ctx context.Context, chatID int64, userIDs []int64) error
	BulkUpsertIdentities(ctx context.Context, identities []db.Identity) error
	TouchScrape(ctx context.Context, chatID int64, at time.Time) error
	SetChatPrivate(ctx context.Context, chatID int64, private bool) error
}

// Scraper periodically refreshes the member sets of known chats so ban
// propagation has someone to propagate to. One run at a time; a tick that
// fires mid-run is skipped.
type Scraper struct {
	store Store
	tpt   tg.Transport

	runMutex sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	latch    *keyed.Group
}

func New(store Store, transport tg.Transport) *Scraper {
	return &Scraper{
		store: store,
		tpt:   transport,
		latch: keyed.NewGroup(),
	}
}

func (s *Scraper) Start(ctx context.Context) error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	if s.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		infra.GoRecoverable(-1, "member scraper", func() {
			s.loop(runCtx)
		})
	}()
	return nil
}

func (s *Scraper) Stop(ctx context.Context) error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	if !s.started {
		return nil
	}
	s.cancel()
	s.started = false

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scraper) loop(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(config.Get().Cooldowns.ScrapeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce scrapes every chat whose member set is older than the scrape
// cooldown. Chats the platform refuses to enumerate are marked unreachable.
func (s *Scraper) RunOnce(ctx context.Context) {
	release, ok := s.latch.TryAcquire("scrape")
	if !ok {
		log.Debug("scrape already running, skipping tick")
		return
	}
	defer release()

	cfg := config.Get()
	cutoff := time.Now().Add(-cfg.Cooldowns.MemberScrape)
	chats, err := s.store.ChatsNeedingScrape(ctx, cutoff)
	if err != nil {
		log.WithError(err).Error("cant list chats to scrape")
		return
	}

	for _, chat := range chats {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.scrapeChat(ctx, chat.ID)
	}
}

func (s *Scraper) scrapeChat(ctx context.Context, chatID int64) {
	members, err := s.tpt.Participants(ctx, chatID)
	if err != nil {
		log.WithError(err).WithField("chat_id", chatID).Warn("chat not enumerable, marking unreachable")
		if err := s.store.SetChatPrivate(ctx, chatID, true); err != nil {
			log.WithError(err).Warn("cant mark chat unreachable")
		}
		return
	}

	identities := make([]db.Identity, 0, len(members))
	userIDs := make([]int64, 0, len(members))
	for _, member := range members {
		userIDs = append(userIDs, member.ID)
		identities = append(identities, db.Identity{
			ID:         member.ID,
			Name:       member.Name,
			Username:   member.Username,
			AccessHash: member.AccessHash,
		})
	}

	if err := s.store.BulkUpsertIdentities(ctx, identities); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("cant store scraped identities")
		return
	}
	if err := s.store.ReplaceMembers(ctx, chatID, userIDs); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("cant replace member set")
		return
	}
	if err := s.store.TouchScrape(ctx, chatID, time.Now()); err != nil {
		log.WithError(err).Warn("cant stamp scrape time")
	}
	log.WithFields(log.Fields{"chat_id": chatID, "members": len(userIDs)}).Info("scraped chat members")
}
