package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mama165/sdk-go/logs"

	"github.com/whisper/linechat/internal/admin"
	"github.com/whisper/linechat/internal/audit"
	"github.com/whisper/linechat/internal/chat"
	"github.com/whisper/linechat/internal/messaging"
	"github.com/whisper/linechat/internal/presence"
	"github.com/whisper/linechat/internal/ratelimit"
	"github.com/whisper/linechat/internal/transport"
)

// Exit codes reported to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatserver terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := loadConfig()
	if err != nil {
		return exitConfig, err
	}

	logger := logs.GetLoggerFromString(cfg.LogLevel)
	logger.Info("linechat server starting",
		"listen_addr", cfg.ListenAddr,
		"ws_listen_addr", cfg.WSListenAddr,
		"admin_addr", cfg.AdminAddr,
		"server_name", cfg.ServerName,
		"mailbox_size", cfg.MailboxSize,
		"overflow_policy", cfg.OverflowPolicy,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, closeAll := collaborators(ctx, cfg, logger)
	defer closeAll()

	hub := chat.NewHub(cfg.hub(), logger, opts.hub...)
	if opts.relay != nil {
		if err := opts.relay.Start(ctx, hub); err != nil {
			logger.Warn("relay subscribe failed, running standalone", "error", err)
		}
	}

	tcp, err := transport.Listen(cfg.tcp(), hub, logger)
	if err != nil {
		return exitRuntime, err
	}

	var wsServer *transport.WSServer
	if cfg.WSListenAddr != "" {
		wsServer = transport.NewWSServer(cfg.ws(), hub, logger)
	}

	// Serve errors are fatal and cancel the other servers.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	errCh := make(chan error, 3)
	servers := 0
	start := func(name string, serve func(context.Context) error) {
		servers++
		go func() {
			err := serve(ctx)
			if err != nil {
				cancel(fmt.Errorf("%s: %w", name, err))
			}
			errCh <- err
		}()
	}

	start("tcp", tcp.Serve)
	if wsServer != nil {
		start("ws", wsServer.Serve)
	}
	if cfg.AdminAddr != "" {
		stats := admin.Stats{
			Peers:  hub.Registry().Len,
			Roster: opts.roster,
			Connections: func() int {
				n := tcp.Count()
				if wsServer != nil {
					n += wsServer.Count()
				}
				return n
			},
		}
		start("admin", admin.NewServer(cfg.AdminAddr, stats, logger).Serve)
	}

	for i := 0; i < servers; i++ {
		<-errCh
	}
	if opts.relay != nil {
		if err := opts.relay.Stop(); err != nil {
			logger.Debug("relay unsubscribe", "error", err)
		}
	}
	hub.Wait()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		logger.Error("server stopped", "error", cause)
		return exitRuntime, cause
	}
	logger.Info("server stopped")
	return exitOK, nil
}

type hubOptions struct {
	hub    []chat.Option
	relay  *messaging.Relay
	roster func(context.Context) ([]string, error)
}

// collaborators connects the optional backing services. Each one that is
// configured but unreachable is logged and skipped; the chat runs without it.
func collaborators(ctx context.Context, cfg Config, logger *slog.Logger) (hubOptions, func()) {
	var (
		opts    hubOptions
		closers []func()
	)

	if cfg.RedisAddr != "" {
		client, err := presence.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, presence and rate limiting disabled", "error", err)
		} else {
			closers = append(closers, func() { _ = client.Close() })
			store := presence.NewStore(client, cfg.ServerName, cfg.PresenceTTL)
			opts.hub = append(opts.hub, chat.WithPresence(store))
			opts.roster = store.Usernames
			if cfg.RateLimitLines > 0 {
				limiter := ratelimit.NewLimiter(client, logger)
				opts.hub = append(opts.hub, chat.WithLimiter(limiter.ForSessions(ratelimit.LineRule(cfg.RateLimitLines, cfg.RateLimitWindow))))
			}
		}
	}

	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "linechat-" + cfg.ServerName
		client, err := messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			logger.Warn("nats unavailable, relay disabled", "error", err)
		} else {
			closers = append(closers, client.Close)
			opts.relay = messaging.NewRelay(client, cfg.ServerName, logger)
			opts.hub = append(opts.hub, chat.WithRelay(opts.relay))
		}
	}

	if cfg.DatabaseURL != "" {
		if store, db, err := openAudit(ctx, cfg); err != nil {
			logger.Warn("postgres unavailable, audit log disabled", "error", err)
		} else {
			closers = append(closers, func() { _ = db.Close() })
			opts.hub = append(opts.hub, chat.WithAuditor(store))
		}
	}

	return opts, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

func openAudit(ctx context.Context, cfg Config) (*audit.Store, *sql.DB, error) {
	db, err := audit.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := audit.Migrate(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	store := audit.NewStore(db, cfg.ServerName)
	if _, err := store.CloseOrphans(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}
