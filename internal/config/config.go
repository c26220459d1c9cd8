package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

type (
	Config struct {
		TelegramAPIToken string   `env:"TOKEN,required"`
		EnabledHandlers  []string `env:"HANDLERS,default=staffarea,conversation,membership,ads"`
		LogLevel         int      `env:"LOG_LEVEL,default=4"`
		DotPath          string   `env:"DOT_PATH,default=~/.cautionbot"`
		MetricsAddr      string   `env:"METRICS_ADDR,default=:2112"`

		// Staff user ids, allowed to review reports and appeals.
		Staff []int64 `env:"STAFF_IDS"`

		Channels  Channels
		Cooldowns Cooldowns
		Options   Options
	}

	Channels struct {
		// Forum group holding one proof topic per listed user.
		ProofTopics int64 `env:"CHANNEL_PROOF_TOPICS"`

		// Public channel with the listing message per denylisted user.
		PublicLog int64 `env:"CHANNEL_PUBLIC_LOG"`

		// Staff-only groups for incoming reports and appeals.
		PrivateReports int64 `env:"CHANNEL_PRIVATE_REPORTS"`
		PrivateAppeals int64 `env:"CHANNEL_PRIVATE_APPEALS"`

		// Dump group that receives forwarded evidence before review.
		PrivateProofDump int64 `env:"CHANNEL_PRIVATE_PROOF_DUMP"`

		// Chats that bans are never propagated into.
		Whitelist []int64 `env:"CHANNEL_WHITELIST"`
	}

	Cooldowns struct {
		Report        time.Duration `env:"REPORT_COOLDOWN,default=30m"`
		Appeal        time.Duration `env:"APPEAL_COOLDOWN,default=168h"`
		Advertisement time.Duration `env:"AD_COOLDOWN,default=16h"`
		MemberScrape  time.Duration `env:"SCRAPE_COOLDOWN,default=168h"`

		ScrapeInterval time.Duration `env:"SCRAPE_INTERVAL,default=30m"`
		AdInterval     time.Duration `env:"AD_INTERVAL,default=1m"`
	}

	Options struct {
		RevokeMessagesOnBan bool `env:"REVOKE_MESSAGES_ON_BAN,default=true"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

func Load() (Config, error) {
	once.Do(func() {
		cfg := &Config{}
		envcfg := envconfig.Config{
			Lookuper: envconfig.PrefixLookuper("CTN_", envconfig.OsLookuper()),
			Target:   cfg,
		}
		if err := envconfig.ProcessWith(context.Background(), &envcfg); err != nil {
			globalErr = fmt.Errorf("process env config: %w", err)
			return
		}
		home, err := os.UserHomeDir()
		if err != nil {
			globalErr = fmt.Errorf("get user home directory: %w", err)
			return
		}
		cfg.DotPath = strings.Replace(cfg.DotPath, "~", home, 1)
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}

// IsStaff reports whether the user id belongs to the configured staff list.
func (c Config) IsStaff(userID int64) bool {
	for _, id := range c.Staff {
		if id == userID {
			return true
		}
	}
	return false
}

// IsWhitelistedChat reports whether bans must not be propagated into the chat.
func (c Config) IsWhitelistedChat(chatID int64) bool {
	for _, id := range c.Channels.Whitelist {
		if id == chatID {
			return true
		}
	}
	return false
}
