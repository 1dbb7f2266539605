package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/krew/jam/internal/app"
	"github.com/krew/jam/internal/player"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	mu     sync.Mutex
	played map[int64]int
}

func (f *fakeCatalog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "songs" {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		fmt.Fprintf(w, `{"id":%d,"title":"Song %d","artist":"Band","duration":180}`, id, id)
	case len(parts) == 3 && parts[2] == "stream":
		w.Header().Set("X-Content-Duration", "180")
	case len(parts) == 3 && parts[2] == "played":
		f.mu.Lock()
		f.played[id]++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
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

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	a := app.New(&app.AppConfig{
		Secret:            "secret",
		MembersLimit:      5,
		HeartbeatInterval: time.Second,
		RoomExp:           time.Minute,
	}, rc, clock.New(), slog.Default())
	relay := httptest.NewServer(a.Handler())
	t.Cleanup(relay.Close)

	return relay
}

func runClient(t *testing.T, cfg *Config) *Client {
	t.Helper()

	c, err := New(cfg, nil, &notes{}, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})

	return c
}

func TestHostAndListenerStayInSync(t *testing.T) {
	relay := startRelay(t)
	catalog := httptest.NewServer(&fakeCatalog{played: make(map[int64]int)})
	t.Cleanup(catalog.Close)
	ctx := context.Background()

	hostToken, err := GuestToken(ctx, relay.URL, "host")
	require.NoError(t, err)
	listenerToken, err := GuestToken(ctx, relay.URL, "listener")
	require.NoError(t, err)

	host := runClient(t, &Config{
		ServerURL:    relay.URL,
		APIURL:       catalog.URL,
		Token:        hostToken,
		Create:       true,
		Song:         1,
		Volume:       1,
		TickInterval: 20 * time.Millisecond,
	})
	require.Eventually(t, func() bool {
		return host.Engine().IsPlaying() && host.Engine().LoadedSongID() == 1
	}, 5*time.Second, 20*time.Millisecond)

	session, ok := host.Coordinator().Session()
	require.True(t, ok)
	assert.True(t, session.IsAuthority)

	listener := runClient(t, &Config{
		ServerURL:    relay.URL,
		APIURL:       catalog.URL,
		Token:        listenerToken,
		Room:         session.RoomID,
		Volume:       1,
		TickInterval: 20 * time.Millisecond,
	})
	require.Eventually(t, func() bool {
		return listener.Engine().IsPlaying() && listener.Engine().LoadedSongID() == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.InDelta(t, host.Engine().Position(), listener.Engine().Position(), 0.5)

	listenerSession, ok := listener.Coordinator().Session()
	require.True(t, ok)
	assert.False(t, listenerSession.IsAuthority)
	require.Eventually(t, func() bool {
		s, ok := host.Coordinator().Session()
		return ok && len(s.Members) == 2
	}, 5*time.Second, 20*time.Millisecond)

	// let the echo guard of the initial sync close before acting as host
	time.Sleep(600 * time.Millisecond)
	host.Engine().Pause()
	require.Eventually(t, func() bool {
		return !listener.Engine().IsPlaying()
	}, 5*time.Second, 20*time.Millisecond)

	// the listener does not command the room
	listener.Engine().Seek(100)
	time.Sleep(200 * time.Millisecond)
	assert.Less(t, host.Engine().Position(), 50.0)
}

func TestWSURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/api/v1/ws"},
		{in: "https://jam.example.com/relay/", want: "wss://jam.example.com/relay/api/v1/ws"},
		{in: "ws://127.0.0.1:1", want: "ws://127.0.0.1:1/api/v1/ws"},
		{in: "ftp://host", wantErr: true},
	}
	for _, tt := range tests {
		got, err := wsURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := &Config{ServerURL: "http://relay", APIURL: "http://api", Volume: 1}
	assert.NoError(t, cfg.Validate())

	bad := &Config{ServerURL: "relay", Create: true, Room: "abc", Volume: 2}
	assert.Error(t, bad.Validate())
}

func TestGuestTokenFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	_, err := GuestToken(context.Background(), srv.URL, "")
	assert.Error(t, err)
}

type recordedPlay struct {
	songID   int64
	listened time.Duration
}

type fakePlayLogger struct {
	mu    sync.Mutex
	plays []recordedPlay
}

func (f *fakePlayLogger) LogPlay(_ context.Context, songID int64, listened time.Duration) error {
	f.mu.Lock()
	f.plays = append(f.plays, recordedPlay{songID: songID, listened: listened})
	f.mu.Unlock()
	return nil
}

func TestPlayLog(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	fake := &fakePlayLogger{}
	p := newPlayLog(fake, clk, slog.Default())

	p.started(player.Track{SongID: 1})
	clk.Add(30 * time.Second)
	p.started(player.Track{SongID: 1})
	clk.Add(10 * time.Second)
	p.started(player.Track{SongID: 2})
	clk.Add(500 * time.Millisecond)
	p.started(player.Track{SongID: 3})
	clk.Add(time.Minute)
	p.finished(player.Track{SongID: 3})
	p.finished(player.Track{SongID: 3})
	p.wait()

	assert.ElementsMatch(t, []recordedPlay{
		{songID: 1, listened: 40 * time.Second},
		{songID: 3, listened: time.Minute},
	}, fake.plays)
}
