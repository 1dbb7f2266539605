package jam

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/krew/jam/internal/echoguard"
	"github.com/krew/jam/internal/player"
	"github.com/krew/jam/internal/player/simout"
	"github.com/krew/jam/internal/protocol"
	"github.com/krew/jam/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	event   string
	payload any
}

// fakeTransport delivers inbound messages synchronously through deliver and
// answers joins with joinReply.
type fakeTransport struct {
	mu           sync.Mutex
	dispatchMu   sync.Mutex
	handlers     map[string]func(json.RawMessage)
	onConnect    []func()
	onDisconnect []func(error)
	connected    bool
	connectErr   error
	sent         []sent
	closes       int

	joinReply func(p protocol.JoinPayload)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(json.RawMessage))}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	if f.connectErr != nil {
		f.mu.Unlock()
		return f.connectErr
	}
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	f.connected = true
	hooks := append([]func(){}, f.onConnect...)
	f.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closes++
	return nil
}

func (f *fakeTransport) Send(event string, payload any) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil
	}
	f.sent = append(f.sent, sent{event: event, payload: payload})
	reply := f.joinReply
	f.mu.Unlock()

	if p, ok := payload.(protocol.JoinPayload); ok && reply != nil {
		go reply(p)
	}
	return nil
}

func (f *fakeTransport) On(event string, handler func(json.RawMessage)) {
	f.mu.Lock()
	f.handlers[event] = handler
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnect(fn func()) {
	f.mu.Lock()
	f.onConnect = append(f.onConnect, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) OnDisconnect(fn func(error)) {
	f.mu.Lock()
	f.onDisconnect = append(f.onDisconnect, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(t *testing.T, event string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	require.NotNil(t, h, "no handler for %s", event)

	f.dispatchMu.Lock()
	defer f.dispatchMu.Unlock()
	h(raw)
}

func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.connected = false
	hooks := append([]func(error){}, f.onDisconnect...)
	f.mu.Unlock()

	for _, fn := range hooks {
		fn(err)
	}
}

func (f *fakeTransport) commands(event string) []protocol.CommandPayload {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []protocol.CommandPayload
	for _, s := range f.sent {
		if p, ok := s.payload.(protocol.CommandPayload); ok && s.event == event {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) Notify(message string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, message)
	n.mu.Unlock()
}

func (n *notes) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type memStreams struct{}

func (memStreams) StreamURI(_ context.Context, songID int64) (string, error) {
	return "mem://songs/" + strconv.FormatInt(songID, 10), nil
}

type fixture struct {
	clk    *clock.Mock
	engine *player.Engine
	guard  *echoguard.Guard
	tr     *fakeTransport
	notes  *notes
	c      *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))

	engine := player.New(simout.New(clk, nil), simout.New(clk, nil), memStreams{}, clk, nil, nil)
	guard := echoguard.New(clk)
	rec := reconcile.New(engine, guard, nil, clk, nil)
	tr := newFakeTransport()
	n := &notes{}

	c := New(tr, engine, rec, guard, n, nil, &Config{Token: "secret"})
	t.Cleanup(func() { c.Close() })

	return &fixture{clk: clk, engine: engine, guard: guard, tr: tr, notes: n, c: c}
}

// join enters room "room1" as userID while hostID is the host.
func (f *fixture) join(t *testing.T, userID, hostID string) {
	t.Helper()

	f.tr.joinReply = func(p protocol.JoinPayload) {
		f.tr.deliver(t, protocol.EventJoined, protocol.JoinedPayload{JamID: p.JamID, UserID: userID, HostID: hostID})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.c.JoinRoom(ctx, "room1"))
}

// settle lets every open guard window expire.
func (f *fixture) settle() {
	f.clk.Add(time.Second)
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()

	select {
	case <-f.c.idle():
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot was not applied")
	}
}

func TestJoinRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t, "u1", "u1")

	require.Equal(t, 1, f.tr.count(protocol.EventJoin))
	assert.Equal(t, protocol.JoinPayload{JamID: "room1", Token: "secret"}, f.tr.sent[0].payload)
	assert.True(t, f.guard.Active(), "initial sync burst must be suppressed")

	s, ok := f.c.Session()
	require.True(t, ok)
	assert.Equal(t, "room1", s.RoomID)
	assert.Equal(t, "u1", s.UserID)
	require.NotNil(t, s.AuthorityUserID)
	assert.Equal(t, "u1", *s.AuthorityUserID)
	assert.True(t, s.IsAuthority)
}

func TestCreateRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tr.joinReply = func(p protocol.JoinPayload) {
		f.tr.deliver(t, protocol.EventJoined, protocol.JoinedPayload{JamID: p.JamID, UserID: "u1", HostID: "u1"})
	}

	id, err := f.c.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.Len(t, id, 8)

	s, ok := f.c.Session()
	require.True(t, ok)
	assert.Equal(t, id, s.RoomID)
	assert.True(t, s.IsAuthority)
}

func TestJoinRoomConnectFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tr.connectErr = errors.New("refused")

	err := f.c.JoinRoom(context.Background(), "room1")
	require.Error(t, err)
	assert.Len(t, f.notes.all(), 1)
	_, ok := f.c.Session()
	assert.False(t, ok)

	assert.ErrorIs(t, f.c.JoinRoom(context.Background(), ""), ErrEmptyRoomID)
}

func TestJoinRoomTimesOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.c.JoinRoom(ctx, "room1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := f.c.Session()
	assert.False(t, ok)
	assert.Equal(t, 1, f.tr.closes)
}

func TestJoinRoomRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tr.joinReply = func(protocol.JoinPayload) {
		f.tr.deliver(t, protocol.EventError, protocol.ErrorPayload{Message: "members limit reached"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := f.c.JoinRoom(ctx, "room1")
	require.ErrorIs(t, err, ErrJoinRejected)
	assert.Contains(t, err.Error(), "members limit reached")
	assert.Less(t, time.Since(start), time.Second)

	_, ok := f.c.Session()
	assert.False(t, ok)
	assert.Equal(t, 1, f.tr.closes)
	assert.Equal(t, []string{"Jam: members limit reached"}, f.notes.all())

	// a later error outside a join only notifies
	f.tr.deliver(t, protocol.EventError, protocol.ErrorPayload{Message: "internal error"})
	assert.Equal(t, 1, f.tr.closes)
	assert.Len(t, f.notes.all(), 2)
}

func TestLeaveRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.c.LeaveRoom())
	assert.Zero(t, f.tr.closes)

	f.join(t, "u1", "u1")
	require.NoError(t, f.c.LeaveRoom())
	assert.Equal(t, 1, f.tr.count(protocol.EventLeave))
	assert.Equal(t, 1, f.tr.closes)
	_, ok := f.c.Session()
	assert.False(t, ok)

	require.NoError(t, f.c.LeaveRoom())
	assert.Equal(t, 1, f.tr.closes)
}

func TestListenerDoesNotBroadcast(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t, "u1", "u2")
	f.settle()

	require.NoError(t, f.engine.LoadAndPlay(context.Background(), player.Track{SongID: 1}, 0))
	f.engine.Seek(20)
	f.engine.Pause()
	assert.Empty(t, f.tr.commands(protocol.EventPlay))
	assert.Empty(t, f.tr.commands(protocol.EventSeek))
	assert.Empty(t, f.tr.commands(protocol.EventPause))

	f.tr.deliver(t, protocol.EventHost, protocol.HostPayload{UserID: "u1"})
	s, _ := f.c.Session()
	assert.True(t, s.IsAuthority)

	require.NoError(t, f.engine.Play(context.Background()))
	plays := f.tr.commands(protocol.EventPlay)
	require.Len(t, plays, 1)
	assert.Equal(t, int64(1), plays[0].SongID)
	assert.Equal(t, "room1", plays[0].JamID)
	assert.Equal(t, "secret", plays[0].Token)
	assert.InDelta(t, 20, plays[0].Position.Float(), 1e-9)
}

func TestRemoteUpdateIsNotEchoed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t, "u1", "u1")
	f.settle()

	require.NoError(t, f.engine.LoadAndPlay(context.Background(), player.Track{SongID: 1}, 0))
	require.Len(t, f.tr.commands(protocol.EventPlay), 1)

	f.tr.deliver(t, protocol.EventPause, protocol.NewState(1, 5, true, f.clk.Now()))
	f.waitIdle(t)

	assert.False(t, f.engine.IsPlaying())
	assert.InDelta(t, 5, f.engine.Position(), 1e-9)
	assert.Empty(t, f.tr.commands(protocol.EventPause))
	assert.Empty(t, f.tr.commands(protocol.EventSeek))

	f.clk.Add(echoguard.CorrectionWindow + time.Millisecond)

	require.NoError(t, f.engine.Play(context.Background()))
	f.engine.Pause()
	assert.Len(t, f.tr.commands(protocol.EventPlay), 2)
	pauses := f.tr.commands(protocol.EventPause)
	require.Len(t, pauses, 1)
	assert.Equal(t, int64(1), pauses[0].SongID)
	assert.InDelta(t, 5, pauses[0].Position.Float(), 1e-9)
}

func TestSeekIsAnnounced(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t, "u1", "u1")
	f.settle()

	require.NoError(t, f.engine.LoadAndPlay(context.Background(), player.Track{SongID: 2}, 0))
	f.engine.Seek(30)

	seeks := f.tr.commands(protocol.EventSeek)
	require.Len(t, seeks, 1)
	assert.Zero(t, seeks[0].SongID)
	assert.InDelta(t, 30, seeks[0].Position.Float(), 1e-9)
	assert.Len(t, f.tr.commands(protocol.EventPlay), 1, "seeking while playing is not a play")
}

func TestPlaySongAlwaysAnnounces(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t, "u1", "u1")
	f.settle()

	track := player.Track{SongID: 3, Title: "Again"}
	require.NoError(t, f.c.PlaySong(context.Background(), track))
	require.NoError(t, f.c.PlaySong(context.Background(), track))

	plays := f.tr.commands(protocol.EventPlay)
	require.Len(t, plays, 2)
	for _, p := range plays {
		assert.Equal(t, int64(3), p.SongID)
		assert.Zero(t, p.Position.Float())
	}
}

func TestDisconnectClearsRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t, "u1", "u1")

	f.tr.drop(errors.New("connection reset"))

	_, ok := f.c.Session()
	assert.False(t, ok)
	assert.Len(t, f.notes.all(), 1)

	f.tr.drop(errors.New("connection reset"))
	assert.Len(t, f.notes.all(), 1)
	require.NoError(t, f.c.LeaveRoom())
}

func TestLateJoinSync(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t, "u2", "u1")

	started := f.clk.Now().Add(-3200 * time.Millisecond)
	f.tr.deliver(t, protocol.EventSync, protocol.NewState(7, 40, false, started))
	f.waitIdle(t)

	assert.Equal(t, int64(7), f.engine.LoadedSongID())
	assert.True(t, f.engine.IsPlaying())
	assert.InDelta(t, 43.2, f.engine.Position(), 1e-3)
	assert.Empty(t, f.tr.commands(protocol.EventPlay))
}

func TestSnapshotsApplyInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t, "u2", "u1")

	f.tr.deliver(t, protocol.EventSync, protocol.NewState(7, 10, true, f.clk.Now()))
	f.tr.deliver(t, protocol.EventSeek, protocol.NewState(7, 20, true, f.clk.Now()))
	f.tr.deliver(t, protocol.EventHeartbeat, protocol.NewState(7, 20.1, true, f.clk.Now()))
	f.waitIdle(t)

	assert.False(t, f.engine.IsPlaying())
	assert.Equal(t, int64(7), f.engine.LoadedSongID())
	assert.InDelta(t, 20.1, f.engine.Position(), 1e-9)
}

func TestSnapshotOutsideRoomIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tr.deliver(t, protocol.EventSync, protocol.NewState(7, 10, false, f.clk.Now()))
	f.waitIdle(t)

	assert.Zero(t, f.engine.LoadedSongID())
}

func TestListenersAndErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.join(t, "u1", "u1")

	f.tr.deliver(t, protocol.EventListeners, protocol.ListenersPayload{Count: 2, Members: []string{"u1", "u2"}})
	s, _ := f.c.Session()
	assert.Equal(t, []string{"u1", "u2"}, s.Members)

	f.tr.deliver(t, protocol.EventError, protocol.ErrorPayload{Message: "permission denied"})
	assert.Equal(t, []string{"Jam: permission denied"}, f.notes.all())
}
