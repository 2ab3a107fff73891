// Package chat parses chat command flags and composes the chat process.
package chat

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tedyzhu/ququer-sub001/internal/chat/channel"
	"github.com/tedyzhu/ququer-sub001/internal/chat/feed"
	"github.com/tedyzhu/ququer-sub001/internal/chat/invite"
	"github.com/tedyzhu/ququer-sub001/internal/chat/join"
	"github.com/tedyzhu/ququer-sub001/internal/chat/lifecycle"
	"github.com/tedyzhu/ququer-sub001/internal/chat/reaper"
	"github.com/tedyzhu/ququer-sub001/internal/chat/retry"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage/memory"
	"github.com/tedyzhu/ququer-sub001/internal/chat/storage/sqlite"
	entrypoint "github.com/tedyzhu/ququer-sub001/internal/platform/cmd"
	server "github.com/tedyzhu/ququer-sub001/internal/services/chat/app"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr string `env:"QUQUER_CHAT_HTTP_ADDR" envDefault:":8086"`
	// StorePath selects the SQLite database file; empty runs in-memory.
	StorePath string `env:"QUQUER_STORE_PATH"`
	// RedisAddr enables cross-process change notifications when set.
	RedisAddr       string        `env:"QUQUER_REDIS_ADDR"`
	MaxParticipants int           `env:"QUQUER_MAX_PARTICIPANTS" envDefault:"8"`
	SessionTTL      time.Duration `env:"QUQUER_SESSION_TTL"      envDefault:"24h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "sqlite database path (empty for in-memory)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for cross-process notifications")
	fs.IntVar(&cfg.MaxParticipants, "max-participants", cfg.MaxParticipants, "session participant capacity")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "session inactivity TTL")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat process and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(ctx context.Context) error {
		var store storage.SessionStore
		if path := strings.TrimSpace(cfg.StorePath); path != "" {
			sqliteStore, err := sqlite.Open(path)
			if err != nil {
				return fmt.Errorf("open session store: %w", err)
			}
			defer func() {
				if err := sqliteStore.Close(); err != nil {
					log.Printf("close session store: %v", err)
				}
			}()
			store = sqliteStore
			log.Printf("using sqlite session store at %s", path)
		} else {
			store = memory.New()
			log.Printf("using in-memory session store")
		}

		broker := feed.NewBroker()
		publisher := feed.Publisher(broker)
		if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
			client := redis.NewClient(&redis.Options{Addr: addr})
			defer func() {
				if err := client.Close(); err != nil {
					log.Printf("close redis client: %v", err)
				}
			}()
			notifier := feed.NewRedisNotifier(client, broker)
			publisher = feed.Fanout{broker, notifier}
			go func() {
				if err := notifier.Listen(ctx); err != nil && ctx.Err() == nil {
					log.Printf("redis notify listener: %v", err)
				}
			}()
			log.Printf("redis notifications enabled via %s", addr)
		}

		verifier, err := invite.LoadVerifierConfigFromEnv(nil)
		if err != nil {
			return fmt.Errorf("load invite verifier: %w", err)
		}

		resolver := invite.NewResolver(store, retry.New("invite resolve", retry.DefaultPolicy()), verifier)
		coordinator := join.NewCoordinator(store, retry.New("session join", retry.DefaultPolicy()), publisher,
			join.WithMaxParticipants(cfg.MaxParticipants))
		messageChannel := channel.New(store, retry.New("message send", retry.DefaultPolicy()), publisher)
		destroyer := lifecycle.NewDestroyer(store, retry.New("message destroy", retry.DefaultPolicy()), publisher)
		defer destroyer.Close()

		go func() {
			if err := destroyer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("destroy sweep loop: %v", err)
			}
		}()

		sessionReaper := reaper.New(store, retry.New("session reap", retry.DefaultPolicy()),
			reaper.WithTTL(cfg.SessionTTL))
		go func() {
			if err := sessionReaper.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("session reaper: %v", err)
			}
		}()

		chatServer, err := server.NewServer(server.Config{HTTPAddr: cfg.HTTPAddr}, server.Deps{
			Resolver:    resolver,
			Coordinator: coordinator,
			Channel:     messageChannel,
			Store:       store,
			Broker:      broker,
			Destroyer:   destroyer,
			NewRetrier: func(name string) *retry.Retrier {
				return retry.New(name, retry.DefaultPolicy())
			},
		})
		if err != nil {
			return fmt.Errorf("init chat server: %w", err)
		}

		if err := chatServer.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}
