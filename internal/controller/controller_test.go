package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/krew/jam/internal/protocol"
	"github.com/krew/jam/internal/repository/connection/inmemory"
	roomredis "github.com/krew/jam/internal/repository/room/redis"
	"github.com/krew/jam/internal/service/room"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	c     *controller
	clock *clock.Mock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))

	service := room.NewService(roomredis.NewRepo(rc, time.Hour), inmemory.NewRepo(), clk, slog.Default(), &room.Config{
		MembersLimit: 2,
		Secret:       "secret",
	})
	c := NewController(service, slog.Default())
	s := httptest.NewServer(c.GetMux())
	t.Cleanup(s.Close)

	return &testServer{Server: s, c: c, clock: clk}
}

func (s *testServer) token(t *testing.T) (string, string) {
	t.Helper()

	resp, err := http.Post(s.URL+"/api/v1/auth/guest", "application/json", strings.NewReader(`{"username":"guest"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data issueGuestTokenResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body.Data.UserID, body.Data.Token
}

type testConn struct {
	*websocket.Conn
	t *testing.T
}

func (s *testServer) dial(t *testing.T) *testConn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/api/v1/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testConn{Conn: conn, t: t}
}

func (c *testConn) send(msgType string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.WriteJSON(protocol.Output{Type: msgType, Payload: payload}))
}

// next returns the next message of type msgType, skipping others.
func (c *testConn) next(msgType string) json.RawMessage {
	c.t.Helper()

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg protocol.Message
		require.NoError(c.t, c.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg.Payload
		}
	}
}

// waitPlayer blocks until the relay stored the given position for the only
// active room. Commands of the sender are not echoed back to it.
func (s *testServer) waitPlayer(t *testing.T, songID int64, position float64) {
	t.Helper()

	require.Eventually(t, func() bool {
		states, err := s.c.roomService.Heartbeats(context.Background())
		return err == nil && len(states) == 1 &&
			states[0].Player.SongID == songID && states[0].Player.Position == position
	}, 5*time.Second, 10*time.Millisecond)
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(raw, &v))

	return v
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.URL + "/api/v1/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIssueGuestTokenValidation(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Post(s.URL+"/api/v1/auth/guest", "application/json", bytes.NewReader([]byte(`{"username":""}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Post(s.URL+"/api/v1/auth/guest", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp2.StatusCode)
}

func TestJoinAndRelay(t *testing.T) {
	s := newTestServer(t)
	hostID, hostToken := s.token(t)
	listenerID, listenerToken := s.token(t)

	host := s.dial(t)
	host.send(protocol.EventJoin, protocol.JoinPayload{JamID: "room1", Token: hostToken})
	joined := decode[protocol.JoinedPayload](t, host.next(protocol.EventJoined))
	assert.Equal(t, hostID, joined.UserID)
	assert.Equal(t, hostID, joined.HostID)
	assert.Equal(t, 1, decode[protocol.ListenersPayload](t, host.next(protocol.EventListeners)).Count)

	host.send(protocol.EventPlay, protocol.CommandPayload{JamID: "room1", Token: hostToken, SongID: 5, Position: 10})
	s.waitPlayer(t, 5, 10)

	s.clock.Add(2 * time.Second)
	listener := s.dial(t)
	listener.send(protocol.EventJoin, protocol.JoinPayload{JamID: "room1", Token: listenerToken})
	joined = decode[protocol.JoinedPayload](t, listener.next(protocol.EventJoined))
	assert.Equal(t, listenerID, joined.UserID)
	assert.Equal(t, hostID, joined.HostID)

	syncState := decode[protocol.State](t, listener.next(protocol.EventSync))
	assert.Equal(t, int64(5), syncState.SongID)
	assert.InDelta(t, 12.0, syncState.Base(), 1e-9)
	require.NotNil(t, syncState.Timestamp())

	listeners := decode[protocol.ListenersPayload](t, host.next(protocol.EventListeners))
	assert.Equal(t, 2, listeners.Count)
	assert.Equal(t, []string{hostID, listenerID}, listeners.Members)

	host.send(protocol.EventSeek, protocol.CommandPayload{JamID: "room1", Token: hostToken, Position: 30})
	seek := decode[protocol.State](t, listener.next(protocol.EventSeek))
	assert.Equal(t, int64(5), seek.SongID)
	assert.Equal(t, 30.0, seek.Base())

	host.send(protocol.EventPause, protocol.CommandPayload{JamID: "room1", Token: hostToken, Position: 31})
	pause := decode[protocol.State](t, listener.next(protocol.EventPause))
	assert.True(t, pause.Paused)
	assert.Nil(t, pause.StartedAt)

	listener.send(protocol.EventPlay, protocol.CommandPayload{JamID: "room1", Token: listenerToken, SongID: 9})
	errPayload := decode[protocol.ErrorPayload](t, listener.next(protocol.EventError))
	assert.Equal(t, room.ErrPermissionDenied.Error(), errPayload.Message)
}

func TestHostLeavingPromotesListener(t *testing.T) {
	s := newTestServer(t)
	_, hostToken := s.token(t)
	listenerID, listenerToken := s.token(t)

	host := s.dial(t)
	host.send(protocol.EventJoin, protocol.JoinPayload{JamID: "room1", Token: hostToken})
	host.next(protocol.EventJoined)

	listener := s.dial(t)
	listener.send(protocol.EventJoin, protocol.JoinPayload{JamID: "room1", Token: listenerToken})
	listener.next(protocol.EventJoined)

	host.Close()

	promoted := decode[protocol.HostPayload](t, listener.next(protocol.EventHost))
	assert.Equal(t, listenerID, promoted.UserID)
	listeners := decode[protocol.ListenersPayload](t, listener.next(protocol.EventListeners))
	assert.Equal(t, []string{listenerID}, listeners.Members)
}

func TestInvalidMessages(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t)

	conn.send("jam:unknown", nil)
	errPayload := decode[protocol.ErrorPayload](t, conn.next(protocol.EventError))
	assert.Equal(t, "unknown message type", errPayload.Message)

	conn.send(protocol.EventJoin, protocol.JoinPayload{JamID: "room1"})
	errPayload = decode[protocol.ErrorPayload](t, conn.next(protocol.EventError))
	assert.Equal(t, ErrValidationError.Error(), errPayload.Message)

	conn.send(protocol.EventJoin, protocol.JoinPayload{JamID: "room1", Token: "garbage"})
	errPayload = decode[protocol.ErrorPayload](t, conn.next(protocol.EventError))
	assert.Equal(t, room.ErrInvalidToken.Error(), errPayload.Message)

	// the connection survives malformed frames
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	conn.next(protocol.EventError)
	conn.send(protocol.EventLeave, protocol.LeavePayload{JamID: "room1"})
	errPayload = decode[protocol.ErrorPayload](t, conn.next(protocol.EventError))
	assert.Equal(t, room.ErrNotInRoom.Error(), errPayload.Message)
}

func TestRoomFull(t *testing.T) {
	s := newTestServer(t)

	for range 2 {
		_, token := s.token(t)
		conn := s.dial(t)
		conn.send(protocol.EventJoin, protocol.JoinPayload{JamID: "room1", Token: token})
		conn.next(protocol.EventJoined)
	}

	_, token := s.token(t)
	conn := s.dial(t)
	conn.send(protocol.EventJoin, protocol.JoinPayload{JamID: "room1", Token: token})
	errPayload := decode[protocol.ErrorPayload](t, conn.next(protocol.EventError))
	assert.Equal(t, room.ErrRoomFull.Error(), errPayload.Message)
}

func TestHeartbeat(t *testing.T) {
	s := newTestServer(t)
	_, token := s.token(t)

	conn := s.dial(t)
	conn.send(protocol.EventJoin, protocol.JoinPayload{JamID: "room1", Token: token})
	conn.next(protocol.EventJoined)
	conn.send(protocol.EventPlay, protocol.CommandPayload{JamID: "room1", Token: token, SongID: 2, Position: 1})
	s.waitPlayer(t, 2, 1)

	s.clock.Add(4 * time.Second)
	require.NoError(t, s.c.Heartbeat(context.Background()))

	hb := decode[protocol.State](t, conn.next(protocol.EventHeartbeat))
	assert.Equal(t, int64(2), hb.SongID)
	assert.InDelta(t, 5.0, hb.Base(), 1e-9)
}
