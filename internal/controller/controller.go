package controller

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krew/jam/internal/service/room"
	"github.com/krew/jam/pkg/validator"
	"github.com/krew/jam/pkg/wsrouter"
)

type iRoomService interface {
	IssueGuestToken(context.Context, *room.IssueGuestTokenParams) (room.IssueGuestTokenResponse, error)
	JoinRoom(context.Context, *room.JoinRoomParams) (room.JoinRoomResponse, error)
	LeaveRoom(context.Context, *room.LeaveRoomParams) (room.LeaveRoomResponse, error)
	UpdatePlayer(context.Context, *room.UpdatePlayerParams) (room.UpdatePlayerResponse, error)
	Heartbeats(context.Context) ([]room.RoomState, error)
	Now() time.Time
}

type controller struct {
	roomService iRoomService
	upgrader    websocket.Upgrader
	validate    *validator.Validator
	logger      *slog.Logger
	wsmux       *wsrouter.WSRouter
	// writers holds a *sync.Mutex per connection; gorilla allows one
	// concurrent writer.
	writers sync.Map
}

func NewController(roomService iRoomService, logger *slog.Logger) *controller {
	c := &controller{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		roomService: roomService,
		validate:    validator.NewValidator(),
		logger:      logger,
	}
	c.wsmux = c.getWSRouter()

	return c
}
