package dwc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cautionlist/cautionbot/internal/cache"
	"github.com/cautionlist/cautionbot/internal/config"
	"github.com/cautionlist/cautionbot/internal/db"
	moderr "github.com/cautionlist/cautionbot/internal/errors"
	"github.com/cautionlist/cautionbot/internal/observability"
	"github.com/cautionlist/cautionbot/internal/texts"
	"github.com/cautionlist/cautionbot/internal/tg"
)

// Store is the persistence slice the engine needs.
type Store interface {
	GetUser(ctx context.Context, userID int64) (*db.User, error)
	UpsertIdentity(ctx context.Context, identity db.Identity) error
	AppendApprovedReport(ctx context.Context, report *db.ApprovedReport) error
	GetApprovedReports(ctx context.Context, userID int64) ([]db.ApprovedReport, error)
	SetDWCMessage(ctx context.Context, userID int64, chatID int64, messageID int) error
	UnsetDWCMessage(ctx context.Context, userID int64) error
	ClearDWC(ctx context.Context, userID int64) error
	ChatsSharedWith(ctx context.Context, userID int64) ([]db.Chat, error)
	AddBannedMember(ctx context.Context, chatID, userID int64) error
	RemoveBannedMember(ctx context.Context, chatID, userID int64) error
	ChatsWhereBanned(ctx context.Context, userID int64) ([]int64, error)
}

// Engine owns the denylist lifecycle: putting users on the list, propagating
// bans into every shared chat, and taking users off again after a successful
// appeal. It is the only writer of listing messages and ban fan-outs.
type Engine struct {
	store  Store
	tpt    tg.Transport
	listed *cache.Status[bool]
}

func NewEngine(store Store, transport tg.Transport) *Engine {
	return &Engine{
		store:  store,
		tpt:    transport,
		listed: cache.NewStatus[bool](cache.ListStatusTTL),
	}
}

// IsListed answers the denylist check with a short cache in front, so burst
// lookups from join events do not hammer the store.
func (e *Engine) IsListed(ctx context.Context, userID int64) (bool, error) {
	if listed, ok := e.listed.Get(userID); ok {
		return listed, nil
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	listed := user != nil && user.DWC
	e.listed.Set(userID, listed)
	return listed, nil
}

// Apply records an approved report against the user and triggers execution.
// Re-applying a report whose proof location is already recorded is treated as
// success; the listing is refreshed but nothing is added twice.
func (e *Engine) Apply(ctx context.Context, identity db.Identity, report *db.ApprovedReport) error {
	if err := e.store.UpsertIdentity(ctx, identity); err != nil {
		return errors.WithMessage(err, "cant upsert identity")
	}
	if report.CreatedAt == 0 {
		report.CreatedAt = time.Now().Unix()
	}
	err := e.store.AppendApprovedReport(ctx, report)
	switch {
	case err == nil:
	case errors.Is(err, moderr.ErrDuplicateReport):
		log.WithFields(log.Fields{
			"user_id":     report.UserID,
			"proof_chat":  report.ProofChat,
			"proof_topic": report.ProofTopic,
		}).Warn("report already recorded, refreshing listing only")
	default:
		return errors.WithMessage(err, "cant append report")
	}
	e.listed.Invalidate(report.UserID)

	return e.Execute(ctx, report.UserID, false)
}

// Execute bans the user from every shared chat, publishing or refreshing the
// public listing first unless silent. Per-chat failures are logged and
// reported to staff but never abort the fan-out.
func (e *Engine) Execute(ctx context.Context, userID int64, silent bool) error {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil || !user.DWC {
		return moderr.ErrNotListed
	}
	reports, err := e.store.GetApprovedReports(ctx, userID)
	if err != nil {
		return err
	}

	listingChat, listingMsg := user.DWCMsgChat, user.DWCMsgID
	if !silent {
		listing := e.buildListing(ctx, user, reports)
		listingChat, listingMsg, err = e.publishListing(ctx, user, listing)
		if err != nil {
			return errors.WithMessage(err, "cant publish listing")
		}
	}

	chats, err := e.store.ChatsSharedWith(ctx, userID)
	if err != nil {
		return err
	}
	cfg := config.Get()
	for _, chat := range chats {
		if cfg.IsWhitelistedChat(chat.ID) {
			continue
		}
		if err := e.banInChat(ctx, &chat, user, listingChat, listingMsg, silent); err != nil {
			observability.BanFailures.Inc()
			log.WithError(err).WithFields(log.Fields{
				"chat_id": chat.ID,
				"user_id": userID,
			}).Error("cant ban listed user in chat")
			e.reportExecuteFailure(ctx, chat.ID, user, err)
			continue
		}
		observability.BansPropagated.Inc()
	}
	return nil
}

// BanFromChat handles a single chat, used when a listed user joins a chat the
// fan-out has not covered yet.
func (e *Engine) BanFromChat(ctx context.Context, chat *db.Chat, userID int64) error {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil || !user.DWC {
		return moderr.ErrNotListed
	}
	return e.banInChat(ctx, chat, user, user.DWCMsgChat, user.DWCMsgID, false)
}

// Remove takes the user off the denylist: the public listing and its proof
// topics are deleted best-effort, the record is cleared, and every recorded
// ban is lifted.
func (e *Engine) Remove(ctx context.Context, userID int64) error {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return moderr.ErrNotFound
	}
	if !user.DWC {
		return moderr.ErrNotListed
	}
	reports, err := e.store.GetApprovedReports(ctx, userID)
	if err != nil {
		return err
	}

	if user.DWCMsgChat != 0 {
		if err := e.tpt.DeleteMessage(ctx, user.DWCMsgChat, user.DWCMsgID); err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("cant delete listing message")
		}
	}

	cfg := config.Get()
	seen := map[int]bool{}
	for _, report := range reports {
		if report.ProofChat != cfg.Channels.ProofTopics || seen[report.ProofTopic] {
			continue
		}
		seen[report.ProofTopic] = true
		if err := e.tpt.DeleteForumTopic(ctx, report.ProofChat, report.ProofTopic); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"user_id":  userID,
				"topic_id": report.ProofTopic,
			}).Warn("cant delete proof topic")
		}
	}

	if err := e.store.ClearDWC(ctx, userID); err != nil {
		return errors.WithMessage(err, "cant clear listing record")
	}
	e.listed.Invalidate(userID)

	banned, err := e.store.ChatsWhereBanned(ctx, userID)
	if err != nil {
		return err
	}
	for _, chatID := range banned {
		if err := e.tpt.UnbanMember(ctx, chatID, userID); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"chat_id": chatID,
				"user_id": userID,
			}).Error("cant unban user in chat")
		}
		// The ban record goes regardless of the unban outcome, otherwise a
		// dead chat would pin the user in the banned set forever.
		if err := e.store.RemoveBannedMember(ctx, chatID, userID); err != nil {
			log.WithError(err).Warn("cant remove ban record")
		}
	}
	return nil
}

func (e *Engine) banInChat(ctx context.Context, chat *db.Chat, user *db.User, listingChat int64, listingMsg int, silent bool) error {
	if err := e.tpt.BanMember(ctx, chat.ID, user.ID); err != nil {
		return err
	}
	if err := e.store.AddBannedMember(ctx, chat.ID, user.ID); err != nil {
		log.WithError(err).Warn("cant record ban")
	}
	if silent || !chat.Groupish() || chat.AdsDisabled {
		return nil
	}
	notice := texts.Render("banned_from_group", map[string]any{
		"mention":        tg.Mention(user.ID, user.DisplayName()),
		"report_message": e.listingLink(ctx, listingChat, listingMsg),
		"bot":            e.tpt.Self().UserName,
	})
	if _, err := e.tpt.SendMessage(ctx, chat.ID, notice, &tg.SendOpts{DisablePreview: true}); err != nil {
		log.WithError(err).WithField("chat_id", chat.ID).Warn("cant post ban notice")
	}
	return nil
}

// publishListing edits the existing listing message in place when there is
// one, otherwise posts a fresh one and records the reference.
func (e *Engine) publishListing(ctx context.Context, user *db.User, listing string) (int64, int, error) {
	cfg := config.Get()
	if user.DWCMsgChat != 0 {
		err := e.tpt.EditMessageText(ctx, user.DWCMsgChat, user.DWCMsgID, listing)
		if err == nil {
			return user.DWCMsgChat, user.DWCMsgID, nil
		}
		// "message is not modified" means the refresh was a no-op.
		if strings.Contains(strings.ToLower(err.Error()), "not modified") {
			return user.DWCMsgChat, user.DWCMsgID, nil
		}
		log.WithError(err).WithField("user_id", user.ID).Warn("cant edit listing, reposting")
	}
	sent, err := e.tpt.SendMessage(ctx, cfg.Channels.PublicLog, listing, &tg.SendOpts{DisablePreview: true})
	if err != nil {
		return 0, 0, err
	}
	if sent == nil {
		return 0, 0, errors.New("listing send was dropped")
	}
	if err := e.store.SetDWCMessage(ctx, user.ID, cfg.Channels.PublicLog, sent.MessageID); err != nil {
		return 0, 0, errors.WithMessage(err, "cant record listing reference")
	}
	return cfg.Channels.PublicLog, sent.MessageID, nil
}

func (e *Engine) buildListing(ctx context.Context, user *db.User, reports []db.ApprovedReport) string {
	usernames := "N/A"
	if user.Username != "" {
		usernames = "@" + user.Username
	}

	var amounts []string
	var summaries []string
	type proofKey struct {
		chat  int64
		topic int
	}
	seen := map[proofKey]bool{}
	var links []string
	for _, report := range reports {
		if report.AmountUSD > 0 {
			amounts = append(amounts, fmt.Sprintf("$%.2f", report.AmountUSD))
		}
		if report.Summary != "" {
			summaries = append(summaries, report.Summary)
		}
		key := proofKey{report.ProofChat, report.ProofTopic}
		if seen[key] {
			continue
		}
		seen[key] = true
		link, err := e.tpt.ChatLink(ctx, report.ProofChat)
		if err != nil {
			log.WithError(err).WithField("chat_id", report.ProofChat).Warn("cant resolve proof chat link")
			continue
		}
		links = append(links, fmt.Sprintf(`<a href="%s">Report #%d</a>`, tg.MessageLink(link, report.ProofTopic), len(links)+1))
	}

	amountsText := "N/A"
	if len(amounts) > 0 {
		amountsText = strings.Join(amounts, ", ")
	}
	summaryText := "N/A"
	if len(summaries) > 0 {
		summaryText = strings.Join(summaries, "; ")
	}
	linksText := "N/A"
	if len(links) > 0 {
		linksText = strings.Join(links, ", ")
	}

	return texts.Render("public_listing", map[string]any{
		"name":        user.DisplayName(),
		"usernames":   usernames,
		"user_link":   tg.Mention(user.ID, fmt.Sprintf("%d", user.ID)),
		"amounts":     amountsText,
		"explanation": summaryText,
		"reports":     linksText,
	})
}

func (e *Engine) listingLink(ctx context.Context, listingChat int64, listingMsg int) string {
	if listingChat == 0 {
		return "N/A"
	}
	link, err := e.tpt.ChatLink(ctx, listingChat)
	if err != nil {
		return "N/A"
	}
	return tg.MessageLink(link, listingMsg)
}

func (e *Engine) reportExecuteFailure(ctx context.Context, chatID int64, user *db.User, cause error) {
	cfg := config.Get()
	if cfg.Channels.PrivateReports == 0 {
		return
	}
	text := fmt.Sprintf("[EXECUTE] Failed to ban %s (%d) in chat %d: %s",
		user.DisplayName(), user.ID, chatID, cause.Error())
	if _, err := e.tpt.SendMessage(ctx, cfg.Channels.PrivateReports, text, nil); err != nil {
		log.WithError(err).Warn("cant report execute failure to staff")
	}
}
