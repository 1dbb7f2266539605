package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/krew/jam/internal/player"
	"golang.org/x/sync/singleflight"
)

const DefaultCacheSize = 256

// ErrStale is returned when a resolution finished after the desired song
// changed.
var ErrStale = errors.New("stale metadata")

type Fetcher interface {
	Song(ctx context.Context, songID int64) (player.Track, error)
}

// Resolver fetches display metadata for song ids. Results are cached and
// concurrent fetches of one id share a single request. Only a result for
// the currently desired id is ever handed out.
type Resolver struct {
	fetcher Fetcher
	logger  *slog.Logger
	cache   *lru.Cache[int64, player.Track]
	group   singleflight.Group

	mu      sync.Mutex
	desired int64
}

func New(fetcher Fetcher, size int, logger *slog.Logger) (*Resolver, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[int64, player.Track](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}

	return &Resolver{
		fetcher: fetcher,
		logger:  logger,
		cache:   cache,
	}, nil
}

// Want records songID as the one whose metadata should be displayed.
func (r *Resolver) Want(songID int64) {
	r.mu.Lock()
	r.desired = songID
	r.mu.Unlock()
}

func (r *Resolver) Desired() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.desired
}

// Resolve returns the metadata of songID, or ErrStale when songID stopped
// being the desired song while it was fetched.
func (r *Resolver) Resolve(ctx context.Context, songID int64) (player.Track, error) {
	t, err := r.fetch(ctx, songID)
	if r.Desired() != songID {
		return player.Track{}, ErrStale
	}
	if err != nil {
		return player.Track{}, fmt.Errorf("failed to resolve song %d: %w", songID, err)
	}

	return t, nil
}

func (r *Resolver) fetch(ctx context.Context, songID int64) (player.Track, error) {
	if t, ok := r.cache.Get(songID); ok {
		return t, nil
	}

	v, err, _ := r.group.Do(strconv.FormatInt(songID, 10), func() (any, error) {
		t, err := r.fetcher.Song(ctx, songID)
		if err != nil {
			return nil, err
		}
		t.SongID = songID
		r.cache.Add(songID, t)

		return t, nil
	})
	if err != nil {
		return player.Track{}, err
	}

	return v.(player.Track), nil
}

// ResolveAsync marks songID as desired and resolves it in the background.
// apply is called with the metadata, or with an "Unknown Song" track when
// the fetch failed, but only if songID is still desired. The returned
// channel is closed once the resolution is over.
func (r *Resolver) ResolveAsync(ctx context.Context, songID int64, apply func(player.Track)) <-chan struct{} {
	r.Want(songID)
	done := make(chan struct{})

	go func() {
		defer close(done)

		t, err := r.Resolve(ctx, songID)
		switch {
		case errors.Is(err, ErrStale):
			r.logger.Debug("stale metadata discarded", "song_id", songID, "desired", r.Desired())
			return
		case err != nil:
			r.logger.Warn("metadata fetch failed", "song_id", songID, "error", err)
			t = player.Unknown(songID)
		}
		apply(t)
	}()

	return done
}
