// Package jam keeps the local player in a synchronized room. It turns local
// playback changes into relay commands while the local user is the host and
// hands every inbound snapshot to the reconciler.
package jam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/krew/jam/internal/player"
	"github.com/krew/jam/internal/protocol"
	"github.com/krew/jam/internal/reconcile"
)

var (
	ErrEmptyRoomID  = errors.New("empty room id")
	ErrDisconnected = errors.New("disconnected from relay")
	ErrLeft         = errors.New("left room")
	ErrJoinRejected = errors.New("join rejected")
)

type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Send(event string, payload any) error
	On(event string, handler func(payload json.RawMessage))
	OnConnect(fn func())
	OnDisconnect(fn func(err error))
}

type Engine interface {
	Subscribe(fn player.Listener) func()
	SetQueue(q player.Queue)
	LoadAndPlay(ctx context.Context, track player.Track, startAt float64) error
	Position() float64
	IsPlaying() bool
	LoadedSongID() int64
}

type Reconciler interface {
	Apply(ctx context.Context, snap reconcile.Snapshot, reason reconcile.Reason) error
}

type Guard interface {
	Active() bool
	MarkSwap()
}

// Notifier shows non-fatal problems to the user.
type Notifier interface {
	Notify(message string)
}

type Config struct {
	// Token is the credential attached to every command.
	Token string
	// Queue is handed to the engine while the local user decides what plays
	// next, that is outside a room or as its host.
	Queue player.Queue
}

type observed struct {
	playing bool
	songID  int64
}

type pendingJoin struct {
	roomID string
	done   chan error
}

type Coordinator struct {
	transport  Transport
	engine     Engine
	reconciler Reconciler
	guard      Guard
	notifier   Notifier
	logger     *slog.Logger
	token      string
	queue      player.Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	session     *RoomSession
	pending     *pendingJoin
	last        observed
	cancelApply context.CancelFunc
	applyDone   chan struct{}

	// selecting is non-zero while PlaySong loads a track; PlaySong sends its
	// own play command.
	selecting   atomic.Int32
	unsubscribe func()
}

func New(
	transport Transport,
	engine Engine,
	reconciler Reconciler,
	guard Guard,
	notifier Notifier,
	logger *slog.Logger,
	cfg *Config,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		transport:  transport,
		engine:     engine,
		reconciler: reconciler,
		guard:      guard,
		notifier:   notifier,
		logger:     logger,
		token:      cfg.Token,
		queue:      cfg.Queue,
		ctx:        ctx,
		cancel:     cancel,
	}

	transport.OnConnect(c.connected)
	transport.OnDisconnect(c.disconnected)
	transport.On(protocol.EventJoined, c.handleJoined)
	transport.On(protocol.EventHost, c.handleHost)
	transport.On(protocol.EventListeners, c.handleListeners)
	transport.On(protocol.EventError, c.handleError)
	transport.On(protocol.EventPlay, c.snapshotHandler(reconcile.ReasonPlay))
	transport.On(protocol.EventSync, c.snapshotHandler(reconcile.ReasonSync))
	transport.On(protocol.EventSeek, c.snapshotHandler(reconcile.ReasonSeek))
	transport.On(protocol.EventPause, c.snapshotHandler(reconcile.ReasonPause))
	transport.On(protocol.EventHeartbeat, c.snapshotHandler(reconcile.ReasonHeartbeat))

	c.last = observed{playing: engine.IsPlaying(), songID: engine.LoadedSongID()}
	c.unsubscribe = engine.Subscribe(c.observe)
	engine.SetQueue(c.queue)

	return c
}

// Close leaves the room and stops reacting to the engine.
func (c *Coordinator) Close() error {
	err := c.LeaveRoom()
	c.unsubscribe()
	c.cancel()

	return err
}

// Session returns a copy of the active room session.
func (c *Coordinator) Session() (RoomSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return RoomSession{}, false
	}

	return c.session.clone(), true
}

// CreateRoom joins a freshly generated room. The relay makes its first
// member the host.
func (c *Coordinator) CreateRoom(ctx context.Context) (string, error) {
	roomID := uuid.NewString()[:8]
	if err := c.JoinRoom(ctx, roomID); err != nil {
		return "", err
	}

	return roomID, nil
}

// JoinRoom connects to the relay if needed, asks to join roomID and waits
// for the acknowledgement. Any current room is left first.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}
	if err := c.LeaveRoom(); err != nil {
		c.logger.Warn("failed to leave previous room", "error", err)
	}

	p := &pendingJoin{roomID: roomID, done: make(chan error, 1)}
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()

	if err := c.transport.Connect(ctx); err != nil {
		c.clearPending(p)
		c.logger.Warn("failed to connect to relay", "error", err)
		c.notifier.Notify("Could not connect to the jam server")
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}

	select {
	case err := <-p.done:
		if err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
		return nil
	case <-ctx.Done():
		if c.takePending(p) {
			c.closeTransport()
		}
		return fmt.Errorf("failed to join room %s: %w", roomID, ctx.Err())
	}
}

// takePending reports whether p was still the pending join and clears it.
func (c *Coordinator) takePending(p *pendingJoin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != p || c.session != nil {
		return false
	}
	c.pending = nil

	return true
}

func (c *Coordinator) closeTransport() {
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("failed to close transport", "error", err)
	}
}

func (c *Coordinator) clearPending(p *pendingJoin) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
}

// LeaveRoom drops the connection and all room state. Calling it outside a
// room does nothing.
func (c *Coordinator) LeaveRoom() error {
	c.mu.Lock()
	session, pending := c.session, c.pending
	if session == nil && pending == nil {
		c.mu.Unlock()
		return nil
	}
	c.session = nil
	c.pending = nil
	c.stopApplyLocked()
	c.mu.Unlock()

	if pending != nil {
		pending.done <- ErrLeft
	}
	if session != nil {
		if err := c.transport.Send(protocol.EventLeave, protocol.LeavePayload{JamID: session.RoomID}); err != nil {
			c.logger.Debug("failed to send leave", "error", err)
		}
		c.logger.Info("left room", "room_id", session.RoomID)
	}
	c.engine.SetQueue(c.queue)

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	return nil
}

// PlaySong starts track locally and, as host, always announces it, even when
// the same song was already playing.
func (c *Coordinator) PlaySong(ctx context.Context, track player.Track) error {
	c.selecting.Add(1)
	err := c.engine.LoadAndPlay(ctx, track, 0)
	c.selecting.Add(-1)
	if err != nil {
		return fmt.Errorf("failed to play song %d: %w", track.SongID, err)
	}

	return c.command(protocol.EventPlay, track.SongID, c.engine.Position())
}

func (c *Coordinator) connected() {
	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()

	if p == nil {
		return
	}

	// the initial sync swaps the song and burst-fires engine events
	c.guard.MarkSwap()
	if err := c.transport.Send(protocol.EventJoin, protocol.JoinPayload{JamID: p.roomID, Token: c.token}); err != nil {
		c.mu.Lock()
		owned := c.pending == p
		if owned {
			c.pending = nil
		}
		c.mu.Unlock()
		if owned {
			p.done <- err
		}
	}
}

func (c *Coordinator) disconnected(err error) {
	c.mu.Lock()
	session, pending := c.session, c.pending
	c.session = nil
	c.pending = nil
	c.stopApplyLocked()
	c.mu.Unlock()

	if session == nil && pending == nil {
		return
	}
	if pending != nil {
		pending.done <- fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	c.engine.SetQueue(c.queue)

	c.logger.Warn("connection to relay lost", "error", err)
	c.notifier.Notify("Disconnected from the jam")
}

func (c *Coordinator) handleJoined(raw json.RawMessage) {
	var p protocol.JoinedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Warn("malformed join acknowledgement", "error", err)
		return
	}

	c.mu.Lock()
	pending := c.pending
	if pending == nil || pending.roomID != p.JamID {
		c.mu.Unlock()
		c.logger.Debug("unexpected join acknowledgement", "room_id", p.JamID)
		return
	}
	c.pending = nil
	c.session = &RoomSession{RoomID: p.JamID, UserID: p.UserID}
	if p.HostID != "" {
		c.session.setAuthority(p.HostID)
	}
	authority := c.session.IsAuthority
	c.mu.Unlock()

	c.updateQueue(authority)
	c.logger.Info("joined room", "room_id", p.JamID, "user_id", p.UserID, "host", authority)
	pending.done <- nil
}

func (c *Coordinator) handleHost(raw json.RawMessage) {
	var p protocol.HostPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Warn("malformed host message", "error", err)
		return
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	c.session.setAuthority(p.UserID)
	authority := c.session.IsAuthority
	c.mu.Unlock()

	c.updateQueue(authority)
	c.logger.Info("host changed", "user_id", p.UserID, "host", authority)
}

func (c *Coordinator) handleListeners(raw json.RawMessage) {
	var p protocol.ListenersPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.logger.Warn("malformed listeners message", "error", err)
		return
	}

	c.mu.Lock()
	if c.session != nil {
		c.session.Members = append([]string(nil), p.Members...)
	}
	c.mu.Unlock()
}

func (c *Coordinator) handleError(raw json.RawMessage) {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Message == "" {
		p.Message = "unknown error"
	}
	c.logger.Warn("relay error", "message", p.Message)
	c.notifier.Notify("Jam: " + p.Message)

	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil || !c.takePending(pending) {
		return
	}
	c.closeTransport()
	pending.done <- fmt.Errorf("%w: %s", ErrJoinRejected, p.Message)
}

// updateQueue gives the engine a queue only when the local user picks the
// next song. Listeners follow the host instead of crossfading on their own.
func (c *Coordinator) updateQueue(authority bool) {
	if authority {
		c.engine.SetQueue(c.queue)
		return
	}
	c.engine.SetQueue(nil)
}

func (c *Coordinator) snapshotHandler(reason reconcile.Reason) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		var st protocol.State
		if err := json.Unmarshal(raw, &st); err != nil {
			c.logger.Warn("malformed snapshot", "reason", reason, "error", err)
			return
		}

		snap := reconcile.Snapshot{
			SongID:             st.SongID,
			BasePosition:       st.Base(),
			AuthorityTimestamp: st.Timestamp(),
			Paused:             st.Paused,
		}
		if reason == reconcile.ReasonPause {
			snap.Paused = true
			snap.AuthorityTimestamp = nil
		}

		c.dispatch(snap, reason)
	}
}

// dispatch applies snap after the previous snapshot finished. A newer
// snapshot cancels the one still being applied.
func (c *Coordinator) dispatch(snap reconcile.Snapshot, reason reconcile.Reason) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		c.logger.Debug("snapshot outside a room ignored", "reason", reason)
		return
	}
	if c.cancelApply != nil {
		c.cancelApply()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	prev := c.applyDone
	done := make(chan struct{})
	c.cancelApply = cancel
	c.applyDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		if err := c.reconciler.Apply(ctx, snap, reason); err != nil {
			c.logger.Warn("failed to apply snapshot", "reason", reason, "song_id", snap.SongID, "error", err)
			if errors.Is(err, player.ErrResourceUnavailable) {
				c.notifier.Notify("Could not load the jam's song")
			}
		}
	}()
}

func (c *Coordinator) stopApplyLocked() {
	if c.cancelApply != nil {
		c.cancelApply()
		c.cancelApply = nil
	}
}

// idle is closed once every dispatched snapshot was applied.
func (c *Coordinator) idle() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.applyDone == nil {
		done := make(chan struct{})
		close(done)
		return done
	}

	return c.applyDone
}

// observe diffs the playing flag and loaded song against what was last seen
// and announces changes. Seeks are announced as they happen.
func (c *Coordinator) observe(ev player.Event) {
	switch ev.Kind {
	case player.EventState, player.EventTrack:
		cur := observed{playing: c.engine.IsPlaying(), songID: c.engine.LoadedSongID()}

		c.mu.Lock()
		changed := cur != c.last
		c.last = cur
		c.mu.Unlock()

		if !changed || cur.songID == 0 || c.selecting.Load() > 0 {
			return
		}
		event := protocol.EventPause
		if cur.playing {
			event = protocol.EventPlay
		}
		if err := c.command(event, cur.songID, c.engine.Position()); err != nil {
			c.logger.Warn("failed to announce playback change", "type", event, "error", err)
		}
	case player.EventSeek:
		if c.selecting.Load() > 0 {
			return
		}
		if err := c.command(protocol.EventSeek, 0, ev.Position); err != nil {
			c.logger.Warn("failed to announce seek", "error", err)
		}
	}
}

// command sends a playback command when the local user is the host and the
// change did not come from the relay.
func (c *Coordinator) command(event string, songID int64, position float64) error {
	if c.guard.Active() {
		c.logger.Debug("echo suppressed", "type", event, "song_id", songID)
		return nil
	}

	c.mu.Lock()
	session := c.session
	var roomID string
	var authority bool
	if session != nil {
		roomID, authority = session.RoomID, session.IsAuthority
	}
	c.mu.Unlock()

	if session == nil || !authority {
		return nil
	}

	return c.transport.Send(event, protocol.CommandPayload{
		JamID:    roomID,
		Token:    c.token,
		SongID:   songID,
		Position: protocol.Seconds(position),
	})
}
