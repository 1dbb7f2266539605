package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/krew/jam/internal/player"
)

// DriftThreshold is the largest position error, in seconds, left to natural
// playback on heartbeat, play and seek snapshots.
const DriftThreshold = 0.2

type Reason string

const (
	ReasonPlay      Reason = "play"
	ReasonSync      Reason = "sync"
	ReasonSeek      Reason = "seek"
	ReasonPause     Reason = "pause"
	ReasonHeartbeat Reason = "heartbeat"
)

// Snapshot is the authoritative description of what should be playing.
// BasePosition is the position at AuthorityTimestamp (unix seconds).
type Snapshot struct {
	SongID             int64
	BasePosition       float64
	AuthorityTimestamp *float64
	Paused             bool
}

// Normalize coerces malformed numbers to safe values. A running snapshot
// without a timestamp cannot be extrapolated and is treated as paused.
func (s Snapshot) Normalize() Snapshot {
	if !finite(s.BasePosition) {
		s.BasePosition = 0
	}
	if s.AuthorityTimestamp != nil && !finite(*s.AuthorityTimestamp) {
		s.AuthorityTimestamp = nil
	}
	if s.AuthorityTimestamp == nil {
		s.Paused = true
	}
	if s.SongID < 0 {
		s.SongID = 0
	}

	return s
}

// TargetPosition is where playback of s should be at now. It is never
// negative or NaN.
func TargetPosition(s Snapshot, now time.Time) float64 {
	s = s.Normalize()
	pos := s.BasePosition
	if !s.Paused {
		pos += float64(now.UnixMicro())/1e6 - *s.AuthorityTimestamp
	}
	if !finite(pos) || pos < 0 {
		return 0
	}

	return pos
}

type Engine interface {
	LoadedSongID() int64
	CurrentTrack() (player.Track, bool)
	SetPlaceholder(songID int64)
	ApplyMetadata(t player.Track) bool
	Cue(ctx context.Context, t player.Track, startAt float64) error
	Play(ctx context.Context) error
	Pause()
	Seek(sec float64)
	Position() float64
	IsPlaying() bool
}

type Guard interface {
	MarkCorrection()
	MarkSwap()
}

type MetadataResolver interface {
	ResolveAsync(ctx context.Context, songID int64, apply func(player.Track)) <-chan struct{}
}

type Reconciler struct {
	engine   Engine
	guard    Guard
	metadata MetadataResolver
	clock    clock.Clock
	logger   *slog.Logger
}

func New(engine Engine, guard Guard, metadata MetadataResolver, clk clock.Clock, logger *slog.Logger) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		engine:   engine,
		guard:    guard,
		metadata: metadata,
		clock:    clk,
		logger:   logger,
	}
}

// Apply drives the engine toward snap. The song is loaded before the
// position is corrected, and the position before play or pause is decided.
// The guard is marked before every engine mutation.
func (r *Reconciler) Apply(ctx context.Context, snap Snapshot, reason Reason) error {
	snap = snap.Normalize()
	if snap.SongID == 0 {
		r.logger.Debug("snapshot without song skipped", "reason", reason)
		return nil
	}

	swap := r.engine.LoadedSongID() != snap.SongID
	mark := r.guard.MarkCorrection
	if swap {
		mark = r.guard.MarkSwap
	}
	// an abandoned swap may have left another song on display
	if swap || !r.displays(snap.SongID) {
		mark()
		r.engine.SetPlaceholder(snap.SongID)
		if r.metadata != nil {
			r.metadata.ResolveAsync(context.WithoutCancel(ctx), snap.SongID, func(t player.Track) {
				r.engine.ApplyMetadata(t)
			})
		}
	}

	target := TargetPosition(snap, r.clock.Now())

	if snap.Paused {
		mark()
		r.engine.Pause()
		if swap {
			if err := r.engine.Cue(ctx, player.Placeholder(snap.SongID), target); err != nil {
				return fmt.Errorf("failed to load song %d: %w", snap.SongID, err)
			}
			if r.engine.LoadedSongID() != snap.SongID {
				return nil
			}
		}
		r.engine.Seek(target)
		r.logger.Debug("paused snapshot applied", "reason", reason, "song_id", snap.SongID, "position", target)
		return nil
	}

	if swap {
		mark()
		if err := r.engine.Cue(ctx, player.Placeholder(snap.SongID), target); err != nil {
			return fmt.Errorf("failed to load song %d: %w", snap.SongID, err)
		}
		if r.engine.LoadedSongID() != snap.SongID {
			r.logger.Debug("snapshot superseded while loading", "song_id", snap.SongID)
			return nil
		}
		// loading took time the authority kept playing through
		target = TargetPosition(snap, r.clock.Now())
	}

	drift := math.Abs(r.engine.Position() - target)
	seek := reason == ReasonSync || drift > DriftThreshold
	if seek {
		mark()
		r.engine.Seek(target)
	}

	if !r.engine.IsPlaying() {
		mark()
		if err := r.engine.Play(ctx); err != nil {
			return fmt.Errorf("failed to start playback: %w", err)
		}
	}

	r.logger.Debug("snapshot applied",
		"reason", reason,
		"song_id", snap.SongID,
		"position", target,
		"drift", drift,
		"seeked", seek,
	)

	return nil
}

func (r *Reconciler) displays(songID int64) bool {
	t, ok := r.engine.CurrentTrack()
	return ok && t.SongID == songID
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
