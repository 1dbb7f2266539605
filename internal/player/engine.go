package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotLoading
	SlotReady
	SlotPlaying
	SlotPaused
	SlotEnded
)

func (s SlotState) String() string {
	return [...]string{"empty", "loading", "ready", "playing", "paused", "ended"}[s]
}

type Repeat int

const (
	RepeatOff Repeat = iota
	RepeatAll
	RepeatOne
)

const restartThreshold = 3.0

type slot struct {
	out   Output
	state SlotState
	track Track
	env   envelope
}

type crossfade struct {
	cancel   context.CancelFunc
	outgoing int
	incoming int
	staged   bool
	startAt  time.Time
	fade     *Fade
}

type listener struct {
	id int
	fn Listener
}

type Config struct {
	Crossfade time.Duration
	BeatMatch bool
	Volume    float64
}

// State is a point-in-time view of the dual buffer.
type State struct {
	Active      int
	Slots       [2]SlotState
	Crossfading bool
}

type Engine struct {
	clock    clock.Clock
	logger   *slog.Logger
	resolver StreamResolver

	mu            sync.Mutex
	queue         Queue
	hooks         Hooks
	slots         [2]*slot
	active        int
	master        float64
	crossfadeDur  time.Duration
	beatMatch     bool
	repeat        Repeat
	gen           uint64
	loadCancel    context.CancelFunc
	current       *Track
	previous      *Track
	playing       bool
	xf            *crossfade
	skipCrossfade bool
	sleep         *clock.Timer
	listeners     []listener
	nextListener  int
	pending       []Event
	ended         []Track
}

func New(a, b Output, resolver StreamResolver, clk clock.Clock, logger *slog.Logger, cfg *Config) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{Volume: 1}
	}

	e := &Engine{
		clock:        clk,
		logger:       logger,
		resolver:     resolver,
		slots:        [2]*slot{{out: a, env: constant(1)}, {out: b, env: constant(0)}},
		master:       clamp(cfg.Volume, 0, 1),
		crossfadeDur: cfg.Crossfade,
		beatMatch:    cfg.BeatMatch,
	}
	e.applyGainsLocked(clk.Now())

	return e
}

// unlock releases the engine lock and then delivers the events collected
// while it was held, so listeners may call back into the engine.
func (e *Engine) unlock() {
	events := e.pending
	ended := e.ended
	e.pending = nil
	e.ended = nil
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l.fn)
	}
	onEnded := e.hooks.OnTrackEnded
	e.mu.Unlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
	if onEnded != nil {
		for _, t := range ended {
			onEnded(t)
		}
	}
}

func (e *Engine) emit(ev Event) {
	e.pending = append(e.pending, ev)
}

// Subscribe registers fn for engine events and returns a function removing it.
func (e *Engine) Subscribe(fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextListener
	e.nextListener++
	e.listeners = append(e.listeners, listener{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

func (e *Engine) SetQueue(q Queue) {
	e.mu.Lock()
	e.queue = q
	e.mu.Unlock()
}

func (e *Engine) SetHooks(h Hooks) {
	e.mu.Lock()
	e.hooks = h
	e.mu.Unlock()
}

// LoadAndPlay stages track in the inactive slot, makes it active and starts
// it at startAt seconds. A load superseded by a newer request returns nil.
func (e *Engine) LoadAndPlay(ctx context.Context, track Track, startAt float64) error {
	return e.load(ctx, track, startAt, true)
}

// Cue is LoadAndPlay without starting playback.
func (e *Engine) Cue(ctx context.Context, track Track, startAt float64) error {
	return e.load(ctx, track, startAt, false)
}

func (e *Engine) load(ctx context.Context, track Track, startAt float64, autoplay bool) error {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	if e.loadCancel != nil {
		e.loadCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.loadCancel = cancel

	e.finishCrossfadeLocked()
	target := 1 - e.active
	s := e.slots[target]
	s.state = SlotLoading
	s.track = track
	if cur := e.slots[e.active]; cur.state == SlotPlaying {
		cur.out.Pause()
		cur.state = SlotPaused
	}
	previous := e.previous
	e.setCurrentLocked(merge(e.current, track))
	e.unlock()

	uri := track.StreamURI
	var err error
	if uri == "" {
		if e.resolver == nil {
			err = fmt.Errorf("no stream resolver for song %d", track.SongID)
		} else {
			uri, err = e.resolver.StreamURI(ctx, track.SongID)
		}
	}
	var duration float64
	if err == nil {
		duration, err = s.out.Load(ctx, uri)
	}

	e.mu.Lock()
	defer e.unlock()

	if gen != e.gen {
		e.logger.Debug("load superseded", "song_id", track.SongID, "error", ErrInterrupted)
		return nil
	}
	if ctx.Err() != nil {
		s.state = SlotEmpty
		e.restoreActiveLocked(previous, true)
		e.logger.Debug("load cancelled", "song_id", track.SongID, "error", ctx.Err())
		return nil
	}
	if err != nil {
		s.state = SlotEmpty
		s.out.Unload()
		e.setPlayingLocked(false)
		e.restoreActiveLocked(previous, false)
		err = fmt.Errorf("failed to load song %d: %w: %w", track.SongID, ErrResourceUnavailable, err)
		e.emit(Event{Kind: EventError, ErrKind: ErrorResourceUnavailable, Err: err, Track: track})
		e.logger.Warn("load failed", "song_id", track.SongID, "error", err)
		return err
	}

	tr := merge(e.current, track)
	tr.StreamURI = uri
	if tr.Duration == 0 {
		tr.Duration = duration
	}

	old := e.slots[e.active]
	old.out.Stop()
	if old.state != SlotEmpty {
		old.state = SlotReady
	}
	old.env = constant(0)

	s.track = tr
	s.state = SlotReady
	s.env = constant(1)
	s.out.SetRate(1)
	s.out.SetPosition(clamp(startAt, 0, maxPosition(duration)))
	e.active = target
	e.skipCrossfade = false
	// Observers key on the loaded song, so a finished load is always reported.
	if !e.setCurrentLocked(tr) {
		e.emit(Event{Kind: EventTrack, Track: tr, Playing: e.playing})
	}
	e.applyGainsLocked(e.clock.Now())

	if !autoplay {
		e.setPlayingLocked(false)
		return nil
	}

	return e.playActiveLocked()
}

// restoreActiveLocked makes the active slot's track current again after a
// load that never took over, along with the previous track from before it.
// With resume, a slot paused for the load plays on if the engine is still
// meant to be playing.
func (e *Engine) restoreActiveLocked(previous *Track, resume bool) {
	cur := e.slots[e.active]
	if cur.state == SlotEmpty || cur.state == SlotLoading {
		return
	}
	e.setCurrentLocked(cur.track)
	e.previous = previous

	if !resume || !e.playing || cur.state != SlotPaused {
		return
	}
	if err := cur.out.Play(); err != nil {
		e.setPlayingLocked(false)
		e.logger.Warn("failed to resume after cancelled load", "song_id", cur.track.SongID, "error", err)
		return
	}
	cur.state = SlotPlaying
}

func maxPosition(duration float64) float64 {
	if duration > 0 && isFinite(duration) {
		return duration
	}

	return 1<<53 - 1
}

func (e *Engine) playActiveLocked() error {
	s := e.slots[e.active]
	if s.state == SlotEmpty || s.state == SlotLoading {
		return ErrNothingLoaded
	}
	if s.state == SlotEnded {
		s.out.SetPosition(0)
	}

	if err := s.out.Play(); err != nil {
		err = fmt.Errorf("failed to play song %d: %w", s.track.SongID, err)
		e.emit(Event{Kind: EventError, ErrKind: ErrorPlayback, Err: err, Track: s.track})
		return err
	}

	s.state = SlotPlaying
	e.setPlayingLocked(true)

	return nil
}

// Play resumes the active slot. When the engine lost its media but still
// knows which track should be playing, the track is loaded again.
func (e *Engine) Play(ctx context.Context) error {
	e.mu.Lock()
	if e.slots[e.active].state == SlotEmpty {
		if e.current == nil {
			e.unlock()
			return ErrNothingLoaded
		}
		t := *e.current
		e.unlock()
		e.logger.Info("active slot empty, reloading track", "song_id", t.SongID)

		return e.LoadAndPlay(ctx, t, 0)
	}
	defer e.unlock()

	return e.playActiveLocked()
}

func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.unlock()

	e.finishCrossfadeLocked()
	s := e.slots[e.active]
	if s.state == SlotPlaying {
		s.out.Pause()
		s.state = SlotPaused
	}
	e.setPlayingLocked(false)
}

func (e *Engine) TogglePlayPause(ctx context.Context) error {
	if e.IsPlaying() {
		e.Pause()
		return nil
	}

	return e.Play(ctx)
}

// Seek moves the active slot to sec, clamped to [0, duration].
func (e *Engine) Seek(sec float64) {
	e.mu.Lock()
	defer e.unlock()

	e.finishCrossfadeLocked()
	s := e.slots[e.active]
	if s.state == SlotEmpty || s.state == SlotLoading {
		e.logger.Debug("seek ignored, nothing loaded", "position", sec)
		return
	}

	d := e.durationLocked()
	pos := clamp(sec, 0, maxPosition(d))
	s.out.SetPosition(pos)
	if s.state == SlotEnded {
		s.state = SlotPaused
	}

	e.emit(Event{Kind: EventSeek, Track: s.track, Playing: e.playing, Position: pos, Duration: d})
}

func (e *Engine) SetVolume(v float64) {
	e.mu.Lock()
	defer e.unlock()

	e.master = clamp(v, 0, 1)
	e.applyGainsLocked(e.clock.Now())
}

func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.master
}

func (e *Engine) SetCrossfade(d time.Duration) {
	e.mu.Lock()
	e.crossfadeDur = d
	e.mu.Unlock()
}

// SetBeatMatch toggles tempo alignment. Disabling it resets the rate of the
// active slot to 1.
func (e *Engine) SetBeatMatch(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.beatMatch = enabled
	if !enabled {
		e.slots[e.active].out.SetRate(1)
	}
}

func (e *Engine) SetRepeat(r Repeat) {
	e.mu.Lock()
	e.repeat = r
	e.mu.Unlock()
}

func (e *Engine) Repeat() Repeat {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.repeat
}

// Tick advances crossfade ramps, reports progress and detects track end.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.unlock()

	now := e.clock.Now()
	if e.xf != nil {
		e.advanceCrossfadeLocked(now)
	}
	e.applyGainsLocked(now)

	s := e.slots[e.active]
	if s.state != SlotPlaying {
		return
	}

	pos := s.out.Position()
	dur := e.durationLocked()
	e.emit(Event{Kind: EventProgress, Track: s.track, Playing: true, Position: pos, Duration: dur})

	if e.xf != nil {
		return
	}

	if s.out.Ended() {
		if e.repeat == RepeatOne {
			s.out.SetPosition(0)
			if err := s.out.Play(); err != nil {
				e.logger.Warn("repeat restart failed", "song_id", s.track.SongID, "error", err)
			}
			return
		}

		s.state = SlotEnded
		e.setPlayingLocked(false)
		e.emit(Event{Kind: EventEnded, Track: s.track, Position: pos, Duration: dur})
		e.ended = append(e.ended, s.track)
		return
	}

	if e.crossfadeDur <= 0 || e.queue == nil || e.skipCrossfade || e.repeat == RepeatOne || dur <= 0 {
		return
	}

	left := dur - pos
	if left > 0 && left <= e.crossfadeDur.Seconds() && e.queue.HasNext() {
		e.beginCrossfadeLocked()
	}
}

// Run calls Tick every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := e.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick()
		}
	}
}

func (e *Engine) beginCrossfadeLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	xf := &crossfade{
		cancel:   cancel,
		outgoing: e.active,
		incoming: 1 - e.active,
	}
	e.xf = xf
	e.slots[xf.incoming].state = SlotLoading

	go e.stageCrossfade(ctx, xf)
}

func (e *Engine) stageCrossfade(ctx context.Context, xf *crossfade) {
	e.mu.Lock()
	queue := e.queue
	e.mu.Unlock()

	next, ok, err := queue.Next(ctx)
	uri := next.StreamURI
	if err == nil && ok && uri == "" && e.resolver != nil {
		uri, err = e.resolver.StreamURI(ctx, next.SongID)
	}

	in := e.slots[xf.incoming]
	var duration float64
	if err == nil && ok {
		duration, err = in.out.Load(ctx, uri)
	}

	e.mu.Lock()
	defer e.unlock()

	if e.xf != xf {
		return
	}
	if err != nil || !ok {
		in.state = SlotEmpty
		e.xf = nil
		e.skipCrossfade = true
		xf.cancel()
		if err != nil {
			e.logger.Warn("crossfade staging failed", "error", err)
		}
		return
	}

	next.StreamURI = uri
	if next.Duration == 0 {
		next.Duration = duration
	}
	in.track = next
	in.state = SlotReady
	in.env = constant(0)

	rate, delay := 1.0, time.Duration(0)
	if e.beatMatch {
		out := e.slots[xf.outgoing]
		var matched bool
		rate, delay, matched = BeatMatch(out.track.BPM, next.BPM, out.out.Position())
		if !matched {
			e.logger.Debug("tempo unknown, beat-match skipped", "song_id", next.SongID)
		}
	}
	in.out.SetRate(rate)
	in.out.SetPosition(0)

	now := e.clock.Now()
	xf.staged = true
	xf.startAt = now.Add(delay)
	if delay == 0 {
		e.startCrossfadeLocked(now)
	}
}

func (e *Engine) startCrossfadeLocked(now time.Time) {
	xf := e.xf
	out, in := e.slots[xf.outgoing], e.slots[xf.incoming]

	if err := in.out.Play(); err != nil {
		in.state = SlotEmpty
		e.xf = nil
		e.skipCrossfade = true
		xf.cancel()
		e.emit(Event{Kind: EventError, ErrKind: ErrorPlayback, Err: err, Track: in.track})
		return
	}

	fade := Fade{Start: now, Duration: e.crossfadeDur}
	xf.fade = &fade
	out.env = ramp(1, 0, now, fade.Duration)
	in.env = ramp(0, 1, now, fade.Duration)
	in.state = SlotPlaying

	// position reporting follows the incoming track from the start of the ramp
	e.active = xf.incoming
	e.skipCrossfade = false
	e.setCurrentLocked(in.track)
	e.setPlayingLocked(true)
	e.applyGainsLocked(now)
}

func (e *Engine) advanceCrossfadeLocked(now time.Time) {
	xf := e.xf
	if !xf.staged {
		return
	}
	if xf.fade == nil {
		if !now.Before(xf.startAt) {
			e.startCrossfadeLocked(now)
		}
		return
	}
	if !now.Before(xf.fade.End()) {
		e.completeCrossfadeLocked()
	}
}

func (e *Engine) completeCrossfadeLocked() {
	xf := e.xf
	out, in := e.slots[xf.outgoing], e.slots[xf.incoming]

	out.out.Stop()
	if out.state != SlotEmpty {
		out.state = SlotReady
	}
	out.env = constant(0)
	in.env = constant(1)

	xf.cancel()
	e.xf = nil
	e.applyGainsLocked(e.clock.Now())
}

// finishCrossfadeLocked completes a running fade or drops a staging one.
func (e *Engine) finishCrossfadeLocked() {
	xf := e.xf
	if xf == nil {
		return
	}
	if xf.fade != nil {
		e.completeCrossfadeLocked()
		return
	}

	xf.cancel()
	in := e.slots[xf.incoming]
	in.out.Unload()
	in.state = SlotEmpty
	in.env = constant(0)
	e.xf = nil
}

func (e *Engine) applyGainsLocked(now time.Time) {
	for _, s := range e.slots {
		s.out.SetGain(e.master * s.env.at(now))
	}
}

func (e *Engine) durationLocked() float64 {
	s := e.slots[e.active]
	if d := s.out.Duration(); d > 0 && isFinite(d) {
		return d
	}

	return s.track.Duration
}

func (e *Engine) setPlayingLocked(v bool) {
	if e.playing == v {
		return
	}
	e.playing = v

	ev := Event{Kind: EventState, Playing: v}
	if e.current != nil {
		ev.Track = *e.current
	}
	e.emit(ev)
}

func (e *Engine) setCurrentLocked(t Track) bool {
	if e.current != nil && sameTrack(*e.current, t) {
		return false
	}
	if e.current != nil && e.current.SongID != t.SongID {
		prev := *e.current
		e.previous = &prev
	}
	e.current = &t
	e.emit(Event{Kind: EventTrack, Track: t, Playing: e.playing})

	return true
}

func sameTrack(a, b Track) bool {
	if a.SongID != b.SongID || a.Title != b.Title || a.Artist != b.Artist ||
		a.Album != b.Album || a.Cover != b.Cover || a.StreamURI != b.StreamURI || a.Duration != b.Duration {
		return false
	}
	if (a.BPM == nil) != (b.BPM == nil) {
		return false
	}

	return a.BPM == nil || *a.BPM == *b.BPM
}

// SetPlaceholder shows a placeholder for songID unless that song is already
// the current track.
func (e *Engine) SetPlaceholder(songID int64) {
	e.mu.Lock()
	defer e.unlock()

	if e.current != nil && e.current.SongID == songID {
		return
	}
	e.setCurrentLocked(Placeholder(songID))
}

// ApplyMetadata replaces the displayed metadata when t is still the current
// song. It reports whether anything was applied.
func (e *Engine) ApplyMetadata(t Track) bool {
	e.mu.Lock()
	defer e.unlock()

	if e.current == nil || e.current.SongID != t.SongID {
		return false
	}

	applied := t
	if applied.StreamURI == "" {
		applied.StreamURI = e.current.StreamURI
	}
	if applied.Duration == 0 {
		applied.Duration = e.current.Duration
	}
	for _, s := range e.slots {
		if s.state != SlotEmpty && s.track.SongID == t.SongID {
			uri, dur := s.track.StreamURI, s.track.Duration
			s.track = applied
			s.track.StreamURI, s.track.Duration = uri, dur
		}
	}
	e.setCurrentLocked(applied)

	return true
}

// Restore makes t the track that should be playing without loading it, so
// the next Play loads it.
func (e *Engine) Restore(t Track) {
	e.mu.Lock()
	defer e.unlock()

	e.setCurrentLocked(t)
}

// Reset stops both slots and forgets the current track.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.unlock()

	e.gen++
	if e.loadCancel != nil {
		e.loadCancel()
		e.loadCancel = nil
	}
	e.finishCrossfadeLocked()
	for _, s := range e.slots {
		s.out.Stop()
		s.out.Unload()
		s.state = SlotEmpty
		s.track = Track{}
	}
	e.current = nil
	e.previous = nil
	e.setPlayingLocked(false)
	e.cancelSleepLocked()
}

// Next loads the next track from the queue. ErrEndOfQueue is returned and
// playback stops when there is none.
func (e *Engine) Next(ctx context.Context) error {
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()

	if q != nil {
		t, ok, err := q.Next(ctx)
		if err != nil {
			return fmt.Errorf("failed to get next track: %w", err)
		}
		if ok {
			return e.LoadAndPlay(ctx, t, 0)
		}
	}

	e.Pause()

	return ErrEndOfQueue
}

// Prev restarts the current track when it played for more than a few
// seconds, otherwise goes back to the previous track.
func (e *Engine) Prev(ctx context.Context) error {
	e.mu.Lock()
	pos := e.slots[e.active].out.Position()
	prev := e.previous
	e.mu.Unlock()

	if pos > restartThreshold || prev == nil {
		e.Seek(0)
		return nil
	}

	return e.LoadAndPlay(ctx, *prev, 0)
}

// SetSleepTimer pauses playback after d.
func (e *Engine) SetSleepTimer(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelSleepLocked()
	var t *clock.Timer
	t = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		if e.sleep == t {
			e.sleep = nil
		}
		e.mu.Unlock()
		e.Pause()
	})
	e.sleep = t
}

func (e *Engine) CancelSleepTimer() {
	e.mu.Lock()
	e.cancelSleepLocked()
	e.mu.Unlock()
}

func (e *Engine) cancelSleepLocked() {
	if e.sleep != nil {
		e.sleep.Stop()
		e.sleep = nil
	}
}

func (e *Engine) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.slots[e.active]
	if s.state == SlotEmpty {
		return 0
	}

	return s.out.Position()
}

func (e *Engine) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.durationLocked()
}

func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.playing
}

func (e *Engine) CurrentTrack() (Track, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return Track{}, false
	}

	return *e.current, true
}

// LoadedSongID is the song whose media is in the active slot, 0 if none.
func (e *Engine) LoadedSongID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.slots[e.active]
	if s.state == SlotEmpty || s.state == SlotLoading {
		return 0
	}

	return s.track.SongID
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return State{
		Active:      e.active,
		Slots:       [2]SlotState{e.slots[0].state, e.slots[1].state},
		Crossfading: e.xf != nil,
	}
}
