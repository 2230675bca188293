package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"matchchat/internal/api"
	"matchchat/internal/broker"
	"matchchat/internal/config"
	"matchchat/internal/connector"
	"matchchat/internal/conversation"
	"matchchat/internal/handlers"
	"matchchat/internal/logger"
	"matchchat/internal/models"
	"matchchat/internal/observability"
	"matchchat/internal/pagination"
	"matchchat/internal/rabbitmq"
	"matchchat/internal/session"
	"matchchat/internal/storage"
	"matchchat/internal/telemetry"
	"matchchat/internal/ws"
)

func main() {
	configPath := flag.String("config", getEnv("CHAT_CONFIG", ""), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log, cfg.Mode)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, cfg.Telemetry.Environment)
	if err != nil {
		zlog.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	store, closeStore, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		zlog.Fatal("failed to open storage", zap.Error(err))
	}
	defer closeStore()

	apiClient := api.New(cfg.API.BaseURL, cfg.API.Timeout.Duration, store, zlog.Named("api"))
	ensureLogin(ctx, cfg.Chat, store, apiClient, zlog)

	publisher := rabbitmq.NewPublisher(cfg.Telemetry.AMQPURL, cfg.Telemetry.Exchange, zlog.Named("rabbitmq"))
	defer publisher.Close()
	zlog.Info("session events publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	emitter := telemetry.NewEmitter(publisher, cfg.Telemetry.RoutingKey, cfg.Telemetry.ServiceName, cfg.Telemetry.Environment, zlog)

	transport, err := broker.New(broker.Options{
		Kind:        cfg.Broker.Kind,
		URL:         cfg.Broker.URL,
		Exchange:    cfg.Broker.Exchange,
		MemoryDelay: cfg.Broker.MemoryDelay.Duration,
	}, zlog.Named("broker"))
	if err != nil {
		zlog.Fatal("failed to build transport", zap.Error(err))
	}

	conn := connector.New(transport, cfg.Broker.ConnectTimeout.Duration, zlog.Named("connector"))
	chat := session.New(conn, store, emitter, session.ReconnectPolicy{
		Initial:     cfg.Reconnect.Initial.Duration,
		Max:         cfg.Reconnect.Max.Duration,
		Multiplier:  cfg.Reconnect.Multiplier,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}, zlog.Named("session"))

	if identity, err := store.Identity(ctx); err != nil {
		zlog.Warn("identity read failed", zap.Error(err))
	} else if identity != nil {
		chat.SetUserID(identity.UserID)
	}
	chat.Initialize(ctx)
	defer chat.Disconnect()

	pager := pagination.New(apiClient, cfg.Pagination.PageSize, cfg.Pagination.CacheTTL.Duration, zlog.Named("pagination"))
	ctrl := conversation.New(chat, pager, apiClient, cfg.Chat.ConversationID, cfg.Chat.PeerID, zlog.Named("conversation"))
	hub := ws.NewHub(emitter, zlog.Named("ws"))
	ctrl.OnChange(hub.Refresh)
	go hub.Run(ctx, ctrl)

	if cfg.Chat.ConversationID != 0 {
		ctrl.Mount(ctx)
		defer ctrl.Unmount()
	} else {
		zlog.Info("no conversation selected, running session only")
	}
	go forwardNotices(ctx, ctrl, hub, os.Stderr)

	if cfg.Debug.Enabled {
		router := handlers.NewRouter(cfg.Telemetry.ServiceName)
		debug := handlers.RegisterDebugRoutes(router, handlers.NewDebugHandler(chat, ctrl, emitter, zlog.Named("debug")), cfg.Debug.Token, true)
		debug.GET("/ws/conversations/:conversation_id", ws.NewWatchHandler(hub, ctrl, zlog.Named("ws")).Handle)

		srv := &http.Server{Addr: cfg.Debug.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			zlog.Info("debug server listening", zap.String("addr", cfg.Debug.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlog.Error("debug server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	go readInput(ctx, os.Stdin, os.Stdout, ctrl, stop)

	<-ctx.Done()
	zlog.Info("shutting down")
}

func buildStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, func(), error) {
	if cfg.Kind != "redis" {
		return storage.NewMemoryStore(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return storage.NewRedisStore(rdb, cfg.KeyPrefix), func() { _ = rdb.Close() }, nil
}

// ensureLogin signs in with the configured credentials when no token is
// stored yet.
func ensureLogin(ctx context.Context, cfg config.ChatConfig, store storage.Store, client *api.Client, zlog *zap.Logger) {
	token, err := store.Token(ctx)
	if err != nil || token != "" || cfg.Email == "" {
		return
	}
	result, appErr := api.SafeCall(func() (*models.LoginResult, error) {
		return client.Login(ctx, cfg.Email, cfg.Password)
	})
	if appErr != nil {
		zlog.Warn("login failed", zap.String("code", appErr.Code), zap.String("message", appErr.Message))
		return
	}
	zlog.Info("logged in", zap.Int64("user_id", result.UserID))
}

func forwardNotices(ctx context.Context, ctrl *conversation.Controller, hub *ws.Hub, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-ctrl.Notices():
			fmt.Fprintf(out, "! %s\n", n.Message)
			hub.Broadcast(ws.Event{Type: "notice", ConversationID: ctrl.ConversationID(), Notice: &n})
		}
	}
}

// readInput sends each stdin line as a message. Lines starting with a slash
// are commands.
func readInput(ctx context.Context, in io.Reader, out io.Writer, ctrl *conversation.Controller, quit func()) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/quit":
			quit()
			return
		case "/more":
			if !ctrl.LoadMore(ctx) {
				fmt.Fprintln(out, "no more history")
			}
		case "/leave":
			ctrl.Leave(ctx)
		case "/list":
			items := ctrl.Messages()
			for i := len(items) - 1; i >= 0; i-- {
				fmt.Fprintln(out, formatItem(items[i]))
			}
		default:
			ctrl.Send(ctx, line)
		}
	}
}

func formatItem(it conversation.Item) string {
	who := "them"
	if it.Mine {
		who = "me"
	}
	stamp := ""
	if it.Message.Timestamp != nil {
		stamp = it.Message.Timestamp.Local().Format("15:04")
	}
	suffix := ""
	if it.Pending {
		suffix = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", stamp, who, it.Message.Content, suffix)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
