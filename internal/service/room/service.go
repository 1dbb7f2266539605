package room

import (
	"context"
	"errors"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/krew/jam/internal/repository/room"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrRoomFull         = errors.New("members limit reached")
	ErrInvalidToken     = errors.New("invalid token")
	ErrNotInRoom        = errors.New("not in room")
	ErrUnknownCommand   = errors.New("unknown command")
)

type iRoomRepo interface {
	// member
	AddMember(context.Context, *room.AddMemberParams) error
	RemoveMember(context.Context, *room.RemoveMemberParams) error
	GetMembers(context.Context, string) ([]string, error)
	SetHost(context.Context, *room.SetHostParams) error
	GetHost(context.Context, string) (string, error)
	// player
	SetPlayer(context.Context, *room.SetPlayerParams) error
	GetPlayer(context.Context, string) (room.Player, error)
	// room
	GetRoomIDs(context.Context) ([]string, error)
	RemoveRoom(context.Context, string) error
}

type iConnRepo interface {
	Add(conn *websocket.Conn, userID, roomID string) (*websocket.Conn, error)
	RemoveByConn(*websocket.Conn) (string, string, error)
	Get(*websocket.Conn) (string, string, error)
	GetConn(string) (*websocket.Conn, error)
}

type Config struct {
	MembersLimit int
	Secret       string
}

type service struct {
	roomRepo     iRoomRepo
	connRepo     iConnRepo
	clock        clock.Clock
	logger       *slog.Logger
	secret       string
	membersLimit int
}

func NewService(roomRepo iRoomRepo, connRepo iConnRepo, clk clock.Clock, logger *slog.Logger, cfg *Config) *service {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &service{
		roomRepo:     roomRepo,
		connRepo:     connRepo,
		clock:        clk,
		logger:       logger,
		secret:       cfg.Secret,
		membersLimit: cfg.MembersLimit,
	}
}
