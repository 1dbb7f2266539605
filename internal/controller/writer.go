package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krew/jam/internal/protocol"
)

const writeWait = 10 * time.Second

var errConnClosed = errors.New("connection closed")

func (c *controller) register(conn *websocket.Conn) {
	c.writers.Store(conn, &sync.Mutex{})
}

func (c *controller) writer(conn *websocket.Conn) (*sync.Mutex, bool) {
	mu, ok := c.writers.Load(conn)
	if !ok {
		return nil, false
	}

	return mu.(*sync.Mutex), true
}

func (c *controller) writeToConn(ctx context.Context, conn *websocket.Conn, output *protocol.Output) error {
	mu, ok := c.writer(conn)
	if !ok {
		return fmt.Errorf("failed to write %s: %w", output.Type, errConnClosed)
	}
	mu.Lock()
	defer mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(output); err != nil {
		c.logger.DebugContext(ctx, "failed to write message", "type", output.Type, "error", err)
		return fmt.Errorf("failed to write %s: %w", output.Type, err)
	}

	return nil
}

// CloseAll closes every open websocket. Hijacked connections are not
// tracked by http.Server.Shutdown.
func (c *controller) CloseAll() {
	c.writers.Range(func(key, _ any) bool {
		c.closeConn(key.(*websocket.Conn), websocket.CloseGoingAway, "server shutting down")
		return true
	})
}

// broadcast writes output to every conn. A failing connection does not stop
// the others; the joined errors are returned.
func (c *controller) broadcast(ctx context.Context, conns []*websocket.Conn, output *protocol.Output) error {
	var errs []error
	for _, conn := range conns {
		if err := c.writeToConn(ctx, conn, output); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Heartbeat sends the extrapolated snapshot to every room with a song.
func (c *controller) Heartbeat(ctx context.Context) error {
	states, err := c.roomService.Heartbeats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get heartbeats: %w", err)
	}

	now := c.roomService.Now()
	for _, state := range states {
		p := state.Player
		if err := c.broadcast(ctx, state.Conns, &protocol.Output{
			Type:    protocol.EventHeartbeat,
			Payload: protocol.NewState(p.SongID, p.PositionAt(now), p.Paused, now),
		}); err != nil {
			c.logger.DebugContext(ctx, "failed to send heartbeat", "room_id", state.RoomID, "error", err)
		}
	}

	return nil
}
