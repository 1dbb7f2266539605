package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/krew/jam/internal/client"
	"github.com/krew/jam/pkg/ctxlogger"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

func define[T any](v configVar[T], flag func(name string, value T, usage string) *T, usage string) {
	flag(v.flagKey, v.defaultValue, usage)
	viper.BindEnv(v.flagKey, v.envKey)
	viper.SetDefault(v.flagKey, v.defaultValue)
}

var (
	serverURL = configVar[string]{
		envKey:       "JAM_SERVER_URL",
		flagKey:      "server-url",
		defaultValue: "http://localhost:8080",
	}
	apiURL = configVar[string]{
		envKey:       "JAM_API_URL",
		flagKey:      "api-url",
		defaultValue: "http://localhost:3000/api",
	}
	token = configVar[string]{
		envKey:       "JAM_TOKEN",
		flagKey:      "token",
		defaultValue: "",
	}
	room = configVar[string]{
		envKey:       "JAM_ROOM",
		flagKey:      "room",
		defaultValue: "",
	}
	create = configVar[bool]{
		envKey:       "JAM_CREATE",
		flagKey:      "create",
		defaultValue: false,
	}
	song = configVar[int64]{
		envKey:       "JAM_SONG",
		flagKey:      "song",
		defaultValue: 0,
	}
	crossfade = configVar[time.Duration]{
		envKey:       "JAM_CROSSFADE",
		flagKey:      "crossfade",
		defaultValue: 0,
	}
	beatMatch = configVar[bool]{
		envKey:       "JAM_BEAT_MATCH",
		flagKey:      "beat-match",
		defaultValue: false,
	}
	volume = configVar[float64]{
		envKey:       "JAM_VOLUME",
		flagKey:      "volume",
		defaultValue: 1,
	}
	logLevel = configVar[string]{
		envKey:       "JAM_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
	username = configVar[string]{
		envKey:       "JAM_USERNAME",
		flagKey:      "username",
		defaultValue: "guest",
	}
)

func loadConfig() *client.Config {
	define(serverURL, pflag.String, "Relay base URL")
	define(apiURL, pflag.String, "Song catalog base URL")
	define(token, pflag.String, "Member token, a guest token is requested when empty")
	define(room, pflag.String, "Room to join")
	define(create, pflag.Bool, "Create a new room")
	define(song, pflag.Int64, "Song to start with")
	define(crossfade, pflag.Duration, "Crossfade between tracks, 0 disables it")
	define(beatMatch, pflag.Bool, "Align crossfades to the beat")
	define(volume, pflag.Float64, "Output volume in [0, 1]")
	define(logLevel, pflag.String, "Logging level")
	define(username, pflag.String, "Display name for guest tokens")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	return &client.Config{
		ServerURL: viper.GetString(serverURL.flagKey),
		APIURL:    viper.GetString(apiURL.flagKey),
		Token:     viper.GetString(token.flagKey),
		Room:      viper.GetString(room.flagKey),
		Create:    viper.GetBool(create.flagKey),
		Song:      viper.GetInt64(song.flagKey),
		Crossfade: viper.GetDuration(crossfade.flagKey),
		BeatMatch: viper.GetBool(beatMatch.flagKey),
		Volume:    viper.GetFloat64(volume.flagKey),
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}),
	}

	return slog.New(&h), nil
}

func run(ctx context.Context) error {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(viper.GetString(logLevel.flagKey))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Token == "" && (cfg.Create || cfg.Room != "") {
		cfg.Token, err = client.GuestToken(ctx, cfg.ServerURL, viper.GetString(username.flagKey))
		if err != nil {
			return fmt.Errorf("failed to get guest token: %w", err)
		}
	}

	c, err := client.New(cfg, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	return c.Run(ctx)
}

func main() {
	if err := run(context.Background()); err != nil {
		log.Fatal(err)
	}
}
