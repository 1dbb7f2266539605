package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/krew/jam/internal/player"
)

const logPlayTimeout = 10 * time.Second

type playLogger interface {
	LogPlay(ctx context.Context, songID int64, listened time.Duration) error
}

// playLog reports listening time per song to the catalog. A song counts from
// the moment it became current until another song replaced it or it ended.
type playLog struct {
	catalog playLogger
	clock   clock.Clock
	logger  *slog.Logger

	mu     sync.Mutex
	songID int64
	since  time.Time
	wg     sync.WaitGroup
}

func newPlayLog(catalog playLogger, clk clock.Clock, logger *slog.Logger) *playLog {
	return &playLog{catalog: catalog, clock: clk, logger: logger}
}

func (p *playLog) started(t player.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.SongID == p.songID {
		return
	}
	p.flushLocked()
	p.songID = t.SongID
	p.since = p.clock.Now()
}

func (p *playLog) finished(t player.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.SongID != p.songID {
		return
	}
	p.flushLocked()
	p.songID = 0
}

func (p *playLog) flushLocked() {
	if p.songID == 0 {
		return
	}
	songID, listened := p.songID, p.clock.Since(p.since)
	if listened < time.Second {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), logPlayTimeout)
		defer cancel()
		if err := p.catalog.LogPlay(ctx, songID, listened); err != nil {
			p.logger.Debug("failed to log play", "song_id", songID, "error", err)
		}
	}()
}

// wait blocks until every pending report was sent.
func (p *playLog) wait() {
	p.wg.Wait()
}
