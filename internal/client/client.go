// Package client wires the playback engine, the reconciler and the session
// coordinator into a runnable jam client.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/krew/jam/internal/catalog"
	"github.com/krew/jam/internal/echoguard"
	"github.com/krew/jam/internal/jam"
	"github.com/krew/jam/internal/metadata"
	"github.com/krew/jam/internal/player"
	"github.com/krew/jam/internal/player/simout"
	"github.com/krew/jam/internal/reconcile"
	"github.com/krew/jam/internal/transport/ws"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTickInterval = 250 * time.Millisecond
	wsPath              = "/api/v1/ws"
)

type Config struct {
	// ServerURL is the relay base URL, e.g. http://localhost:8080.
	ServerURL string
	// APIURL is the song catalog base URL.
	APIURL    string
	Token     string
	Room      string
	Create    bool
	Song      int64
	Crossfade time.Duration
	BeatMatch bool
	Volume    float64
	// TickInterval drives progress events and crossfades.
	TickInterval time.Duration
}

func (cfg *Config) Validate() error {
	var errs []error
	if _, err := wsURL(cfg.ServerURL); err != nil {
		errs = append(errs, err)
	}
	if cfg.APIURL == "" {
		errs = append(errs, errors.New("catalog url must be set"))
	}
	if cfg.Create && cfg.Room != "" {
		errs = append(errs, errors.New("create and room are mutually exclusive"))
	}
	if cfg.Volume < 0 || cfg.Volume > 1 {
		errs = append(errs, errors.New("volume must be within [0, 1]"))
	}
	if cfg.Crossfade < 0 {
		errs = append(errs, errors.New("crossfade must not be negative"))
	}

	return errors.Join(errs...)
}

// wsURL turns the relay base URL into its websocket endpoint.
func wsURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + wsPath

	return u.String(), nil
}

// logNotifier shows notifications as warnings in the log.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(message string) {
	n.logger.Warn("notification", "message", message)
}

type Client struct {
	cfg    *Config
	logger *slog.Logger
	clock  clock.Clock

	catalog     *catalog.Client
	queue       *player.ListQueue
	engine      *player.Engine
	coordinator *jam.Coordinator
	notifier    jam.Notifier
	plays       *playLog

	mu  sync.Mutex
	ctx context.Context
}

// New builds a client. A nil notifier logs notifications.
func New(cfg *Config, clk clock.Clock, notifier jam.Notifier, logger *slog.Logger) (*Client, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = logNotifier{logger: logger}
	}
	endpoint, err := wsURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	cat := catalog.New(&catalog.Config{BaseURL: cfg.APIURL, Token: cfg.Token, RPS: 10, Burst: 5})

	resolver, err := metadata.New(cat, metadata.DefaultCacheSize, logger.With("component", "metadata"))
	if err != nil {
		return nil, err
	}

	engine := player.New(
		simout.New(clk, cat.Probe),
		simout.New(clk, cat.Probe),
		cat,
		clk,
		logger.With("component", "player"),
		&player.Config{Crossfade: cfg.Crossfade, BeatMatch: cfg.BeatMatch, Volume: cfg.Volume},
	)
	guard := echoguard.New(clk)
	reconciler := reconcile.New(engine, guard, resolver, clk, logger.With("component", "reconcile"))
	transport := ws.New(&ws.Config{URL: endpoint}, logger.With("component", "transport"))

	queue := player.NewListQueue()
	coordinator := jam.New(transport, engine, reconciler, guard, notifier, logger.With("component", "jam"), &jam.Config{
		Token: cfg.Token,
		Queue: player.FallbackQueue{Local: queue, Remote: cat},
	})

	c := &Client{
		cfg:         cfg,
		logger:      logger,
		clock:       clk,
		catalog:     cat,
		queue:       queue,
		engine:      engine,
		coordinator: coordinator,
		notifier:    notifier,
		plays:       newPlayLog(cat, clk, logger),
		ctx:         context.Background(),
	}
	engine.SetHooks(player.Hooks{OnTrackEnded: c.trackEnded})
	engine.Subscribe(c.observe)

	return c, nil
}

func (c *Client) Engine() *player.Engine {
	return c.engine
}

func (c *Client) Coordinator() *jam.Coordinator {
	return c.coordinator
}

func (c *Client) Queue() *player.ListQueue {
	return c.queue
}

// Run starts the engine clock, enters the configured room and plays the
// configured song. It blocks until ctx is done and leaves the room on the
// way out.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	interval := c.cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.engine.Run(gctx, interval)
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := c.coordinator.Close(); err != nil {
			c.logger.Warn("failed to leave room", "error", err)
		}
		c.engine.Reset()
		return nil
	})
	g.Go(func() error {
		return c.start(gctx)
	})

	err := g.Wait()
	c.plays.wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (c *Client) start(ctx context.Context) error {
	switch {
	case c.cfg.Create:
		roomID, err := c.coordinator.CreateRoom(ctx)
		if err != nil {
			return err
		}
		c.logger.Info("room created", "room_id", roomID)
	case c.cfg.Room != "":
		if err := c.coordinator.JoinRoom(ctx, c.cfg.Room); err != nil {
			return err
		}
	}

	if c.cfg.Song <= 0 {
		return nil
	}
	if session, ok := c.coordinator.Session(); ok {
		if !session.IsAuthority {
			c.logger.Info("listening to the host, initial song ignored", "song_id", c.cfg.Song)
			return nil
		}
		// commands are suppressed while the join settles
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(echoguard.SwapWindow):
		}
	}

	track, err := c.catalog.Song(ctx, c.cfg.Song)
	if err != nil {
		c.logger.Warn("failed to get song metadata", "song_id", c.cfg.Song, "error", err)
		track = player.Unknown(c.cfg.Song)
	}

	return c.coordinator.PlaySong(ctx, track)
}

// trackEnded advances the queue unless the host decides what plays next.
func (c *Client) trackEnded(t player.Track) {
	c.plays.finished(t)

	if session, ok := c.coordinator.Session(); ok && !session.IsAuthority {
		return
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		if err := c.engine.Next(ctx); err != nil && !errors.Is(err, player.ErrEndOfQueue) && ctx.Err() == nil {
			c.logger.Warn("failed to play next track", "error", err)
		}
	}()
}

func (c *Client) observe(ev player.Event) {
	switch ev.Kind {
	case player.EventTrack:
		c.plays.started(ev.Track)
	case player.EventError:
		if ev.ErrKind != player.ErrorResourceUnavailable {
			return
		}
		// the coordinator reports failures of the room's song
		if _, ok := c.coordinator.Session(); ok {
			return
		}
		title := ev.Track.Title
		if title == "" {
			title = "the song"
		}
		c.notifier.Notify("Could not play " + title)
	}
}
