package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/krew/jam/internal/controller"
	"github.com/krew/jam/internal/repository/connection/inmemory"
	roomredis "github.com/krew/jam/internal/repository/room/redis"
	"github.com/krew/jam/internal/service/room"
	"github.com/krew/jam/pkg/ctxlogger"
	"github.com/krew/jam/pkg/redisclient"
	"github.com/redis/go-redis/v9"
)

type AppConfig struct {
	Secret            string        `json:"-"`
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	MembersLimit      int           `json:"members_limit"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	RoomExp           time.Duration `json:"room_exp"`
	LogLevel          string        `json:"log_level"`
	RedisPort         int           `json:"redis_port"`
	RedisHost         string        `json:"redis_host"`
	RedisPassword     string        `json:"-"`
}

func (cfg *AppConfig) Validate() error {
	var errs []error
	if cfg.Secret == "" {
		errs = append(errs, errors.New("secret must be set"))
	}
	if cfg.MembersLimit < 1 {
		errs = append(errs, errors.New("members limit must be greater than 0"))
	}
	if cfg.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}
	if cfg.RoomExp < cfg.HeartbeatInterval {
		errs = append(errs, errors.New("room expiration must not be shorter than the heartbeat interval"))
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}

	return level, nil
}

type controllerI interface {
	GetMux() http.Handler
	Heartbeat(context.Context) error
	CloseAll()
}

// App is the relay with its dependencies built.
type App struct {
	cfg        *AppConfig
	logger     *slog.Logger
	clock      clock.Clock
	controller controllerI
}

// New builds the relay on top of an existing redis client.
func New(cfg *AppConfig, rc *redis.Client, clk clock.Clock, logger *slog.Logger) *App {
	roomRepo := roomredis.NewRepo(rc, cfg.RoomExp)
	connectionRepo := inmemory.NewRepo()
	roomService := room.NewService(roomRepo, connectionRepo, clk, logger, &room.Config{
		MembersLimit: cfg.MembersLimit,
		Secret:       cfg.Secret,
	})

	return &App{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		controller: controller.NewController(roomService, logger),
	}
}

func (a *App) Handler() http.Handler {
	return a.controller.GetMux()
}

// RunHeartbeat broadcasts room state every heartbeat interval until ctx is
// done.
func (a *App) RunHeartbeat(ctx context.Context) {
	ticker := a.clock.Ticker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.controller.Heartbeat(ctx); err != nil {
				a.logger.WarnContext(ctx, "heartbeat failed", "error", err)
			}
		}
	}
}

func Run(ctx context.Context, cfg *AppConfig) error {
	logLevel, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}
	logger := slog.New(&h)

	rc, err := redisclient.NewRedisClient(ctx, &redisclient.Config{
		Port:     cfg.RedisPort,
		Host:     cfg.RedisHost,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer rc.Close()

	a := New(cfg, rc, clock.New(), logger)
	server := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: a.Handler()}

	// graceful shutdown
	serverCtx, serverStopCtx := signal.NotifyContext(ctx, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer serverStopCtx()

	go a.RunHeartbeat(serverCtx)

	shutdownErr := make(chan error, 1)
	go func() {
		<-serverCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logger.Info("shutting down server")
		a.controller.CloseAll()
		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
