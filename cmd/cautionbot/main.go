package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/cautionlist/cautionbot/internal/ads"
	"github.com/cautionlist/cautionbot/internal/bot"
	"github.com/cautionlist/cautionbot/internal/config"
	"github.com/cautionlist/cautionbot/internal/db/sqlite"
	"github.com/cautionlist/cautionbot/internal/dwc"
	"github.com/cautionlist/cautionbot/internal/handlers"
	"github.com/cautionlist/cautionbot/internal/infra"
	"github.com/cautionlist/cautionbot/internal/lifecycle"
	"github.com/cautionlist/cautionbot/internal/observability"
	"github.com/cautionlist/cautionbot/internal/scraper"
	"github.com/cautionlist/cautionbot/internal/staff"
	"github.com/cautionlist/cautionbot/internal/tg"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		TimestampFormat:  "2006-01-02 15:04:05",
		QuoteEmptyFields: true,
	})
	log.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatalln("cant load config")
	}
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	botAPI, err := api.NewBotAPI(cfg.TelegramAPIToken)
	if err != nil {
		log.WithError(err).Errorln("cant initialize bot api")
		time.Sleep(1 * time.Second)
		log.Fatalln("exiting")
	}
	if log.Level(cfg.LogLevel) == log.TraceLevel {
		botAPI.Debug = true
	}
	defer botAPI.StopReceivingUpdates()

	dbClient, err := sqlite.NewSQLiteClient(ctx, infra.GetWorkDir(), "cautionbot.db")
	if err != nil {
		log.WithError(err).Fatalln("cant open database")
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.WithError(err).Errorln("cant close database")
		}
	}()

	transport := tg.NewBotTransport(botAPI, cfg.Options.RevokeMessagesOnBan)
	service := bot.NewService(botAPI, dbClient, transport)

	engine := dwc.NewEngine(dbClient, transport)
	reviewer := staff.NewReviewer(dbClient, transport, engine)

	bot.RegisterUpdateHandler("staffarea", handlers.NewStaffArea(service, reviewer))
	bot.RegisterUpdateHandler("conversation", handlers.NewConversation(service, reviewer))
	bot.RegisterUpdateHandler("membership", handlers.NewMembership(service, engine))
	bot.RegisterUpdateHandler("ads", handlers.NewAdToggle(service))

	runtime := lifecycle.NewRuntime()
	runtime.Register("member scraper", scraper.New(dbClient, transport))
	runtime.Register("ad broadcaster", ads.NewBroadcaster(dbClient, transport))
	runtime.Register("metrics server", observability.NewServer(cfg.MetricsAddr))
	if err := runtime.Start(ctx); err != nil {
		log.WithError(err).Fatalln("cant start background components")
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := runtime.Stop(stopCtx); err != nil {
			log.WithError(err).Errorln("cant stop background components")
		}
	}()

	go infra.GoRecoverable(-1, "process_updates", func() {
		updateConfig := api.NewUpdate(0)
		updateConfig.Timeout = 60
		updateProcessor := bot.NewUpdateProcessor(service)

		updateChan, errorChan := bot.GetUpdatesChans(ctx, botAPI, updateConfig)
		for {
			select {
			case err := <-errorChan:
				log.WithError(err).Fatalln("bot api get updates error")
			case update := <-updateChan:
				observability.UpdatesProcessed.Inc()
				if err := updateProcessor.Process(ctx, &update); err != nil {
					log.WithError(err).Errorln("cant process update")
				}
			case <-ctx.Done():
				return
			}
		}
	})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		log.WithField("signal", sig.String()).Infoln("shutting down")
	case <-infra.MonitorExecutable(ctx):
		log.Errorln("executable file was modified, shutting down")
	case <-ctx.Done():
		log.WithError(ctx.Err()).Errorln("no more updates")
	}
	cancelFunc()
}
