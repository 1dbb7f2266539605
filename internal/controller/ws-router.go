package controller

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"
	"github.com/krew/jam/internal/protocol"
	"github.com/krew/jam/internal/service/room"
	"github.com/krew/jam/pkg/wsrouter"
)

func (c *controller) getWSRouter() *wsrouter.WSRouter {
	mux := wsrouter.New()
	mux.Use(c.wsRequestIdWSMw(), c.loggerWSMw())
	mux.OnError(c.handleWSError)

	// membership
	wsrouter.Handle(mux, protocol.EventJoin, c.handleJoin)
	wsrouter.Handle(mux, protocol.EventLeave, c.handleLeave)

	// player
	wsrouter.Handle(mux, protocol.EventPlay, c.commandHandler(room.CommandPlay, protocol.EventPlay))
	wsrouter.Handle(mux, protocol.EventPause, c.commandHandler(room.CommandPause, protocol.EventPause))
	wsrouter.Handle(mux, protocol.EventSeek, c.commandHandler(room.CommandSeek, protocol.EventSeek))

	return mux
}

func (c *controller) handleWSError(ctx context.Context, conn *websocket.Conn, err error) {
	c.logger.InfoContext(ctx, "websocket message failed", "error", err)

	if err := c.writeToConn(ctx, conn, &protocol.Output{
		Type:    protocol.EventError,
		Payload: protocol.ErrorPayload{Message: errorMessage(err)},
	}); err != nil {
		c.logger.DebugContext(ctx, "failed to write error", "error", err)
	}
}

// errorMessage hides internal failures from clients.
func errorMessage(err error) string {
	for _, known := range []error{
		ErrValidationError,
		wsrouter.ErrUnknownMessageType,
		room.ErrPermissionDenied,
		room.ErrRoomFull,
		room.ErrInvalidToken,
		room.ErrNotInRoom,
		room.ErrUnknownCommand,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}

	return "internal error"
}
