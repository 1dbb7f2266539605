package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krew/jam/internal/protocol"
	"github.com/krew/jam/internal/service/room"
	"github.com/krew/jam/pkg/wsrouter"
)

var ErrValidationError = errors.New("validation error")

// closeReplaced is sent to a connection superseded by a newer one of the same
// user.
const closeReplaced = 4001

func (c *controller) validateInput(input any) error {
	if validationErrors, ok := c.validate.Validate(input); !ok {
		return fmt.Errorf("%w: %s", ErrValidationError, validationErrors[0].Message)
	}

	return nil
}

func (c *controller) handleJoin(ctx context.Context, conn *websocket.Conn, input protocol.JoinPayload) error {
	if err := c.validateInput(input); err != nil {
		return err
	}

	joinResp, err := c.roomService.JoinRoom(ctx, &room.JoinRoomParams{
		Conn:   conn,
		RoomID: input.JamID,
		Token:  input.Token,
	})
	if err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}

	if joinResp.Replaced != nil {
		c.closeConn(joinResp.Replaced, closeReplaced, "replaced by a newer connection")
	}
	if joinResp.Left != nil {
		c.broadcastLeft(ctx, joinResp.Left)
	}

	if err := c.writeToConn(ctx, conn, &protocol.Output{
		Type: protocol.EventJoined,
		Payload: protocol.JoinedPayload{
			JamID:  input.JamID,
			UserID: joinResp.UserID,
			HostID: joinResp.HostID,
		},
	}); err != nil {
		return fmt.Errorf("failed to write joined: %w", err)
	}

	if joinResp.Player.SongID > 0 {
		now := c.roomService.Now()
		if err := c.writeToConn(ctx, conn, &protocol.Output{
			Type:    protocol.EventSync,
			Payload: protocol.NewState(joinResp.Player.SongID, joinResp.Player.PositionAt(now), joinResp.Player.Paused, now),
		}); err != nil {
			return fmt.Errorf("failed to write sync: %w", err)
		}
	}

	if err := c.broadcast(ctx, joinResp.Conns, &protocol.Output{
		Type: protocol.EventListeners,
		Payload: protocol.ListenersPayload{
			Count:   len(joinResp.Members),
			Members: joinResp.Members,
		},
	}); err != nil {
		return fmt.Errorf("failed to broadcast listeners: %w", err)
	}

	return nil
}

func (c *controller) handleLeave(ctx context.Context, conn *websocket.Conn, _ protocol.LeavePayload) error {
	leaveResp, err := c.roomService.LeaveRoom(ctx, &room.LeaveRoomParams{Conn: conn})
	if err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}

	c.broadcastLeft(ctx, &leaveResp)

	return nil
}

// commandHandler relays a play, pause or seek of the host to the rest of the
// room as a snapshot.
func (c *controller) commandHandler(command room.Command, event string) wsrouter.HandlerFunc[protocol.CommandPayload] {
	return func(ctx context.Context, conn *websocket.Conn, input protocol.CommandPayload) error {
		if err := c.validateInput(input); err != nil {
			return err
		}

		updateResp, err := c.roomService.UpdatePlayer(ctx, &room.UpdatePlayerParams{
			Conn:     conn,
			Command:  command,
			RoomID:   input.JamID,
			Token:    input.Token,
			SongID:   input.SongID,
			Position: input.Position.Float(),
		})
		if err != nil {
			return fmt.Errorf("failed to update player: %w", err)
		}

		p := updateResp.Player
		if err := c.broadcast(ctx, updateResp.Conns, &protocol.Output{
			Type:    event,
			Payload: protocol.NewState(p.SongID, p.Position, p.Paused, p.UpdatedAt),
		}); err != nil {
			return fmt.Errorf("failed to broadcast %s: %w", event, err)
		}

		return nil
	}
}

// disconnect removes conn from its room once its reader stopped.
func (c *controller) disconnect(ctx context.Context, conn *websocket.Conn) {
	defer c.writers.Delete(conn)

	leaveResp, err := c.roomService.LeaveRoom(ctx, &room.LeaveRoomParams{Conn: conn})
	if errors.Is(err, room.ErrNotInRoom) {
		return
	}
	if err != nil {
		c.logger.WarnContext(ctx, "failed to leave room on disconnect", "error", err)
		return
	}

	c.broadcastLeft(ctx, &leaveResp)
}

func (c *controller) broadcastLeft(ctx context.Context, resp *room.LeaveRoomResponse) {
	if resp.IsRoomDeleted {
		return
	}

	if resp.NewHostID != "" {
		if err := c.broadcast(ctx, resp.Conns, &protocol.Output{
			Type:    protocol.EventHost,
			Payload: protocol.HostPayload{UserID: resp.NewHostID},
		}); err != nil {
			c.logger.InfoContext(ctx, "failed to broadcast host", "error", err)
		}
	}

	if err := c.broadcast(ctx, resp.Conns, &protocol.Output{
		Type: protocol.EventListeners,
		Payload: protocol.ListenersPayload{
			Count:   len(resp.Members),
			Members: resp.Members,
		},
	}); err != nil {
		c.logger.InfoContext(ctx, "failed to broadcast listeners", "error", err)
	}
}

func (c *controller) closeConn(conn *websocket.Conn, code int, text string) {
	if mu, ok := c.writer(conn); ok {
		mu.Lock()
		defer mu.Unlock()
	}

	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	conn.Close()
}
