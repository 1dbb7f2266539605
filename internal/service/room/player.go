package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krew/jam/internal/repository/room"
)

type Command string

const (
	CommandPlay  Command = "play"
	CommandPause Command = "pause"
	CommandSeek  Command = "seek"
)

type UpdatePlayerParams struct {
	Conn     *websocket.Conn
	Command  Command
	RoomID   string
	Token    string
	SongID   int64
	Position float64
}

type UpdatePlayerResponse struct {
	Player Player
	// Conns are the other members of the room.
	Conns []*websocket.Conn
}

// UpdatePlayer applies a command of the host to the stored snapshot. Seeks
// keep the song and the paused flag; play and pause without a song keep the
// current one.
func (s service) UpdatePlayer(ctx context.Context, params *UpdatePlayerParams) (UpdatePlayerResponse, error) {
	userID, err := s.parseJWT(params.Token)
	if err != nil {
		return UpdatePlayerResponse{}, err
	}

	connUserID, roomID, err := s.connRepo.Get(params.Conn)
	if err != nil || connUserID != userID || roomID != params.RoomID {
		return UpdatePlayerResponse{}, ErrNotInRoom
	}

	hostID, err := s.roomRepo.GetHost(ctx, roomID)
	if err != nil && !errors.Is(err, room.ErrHostNotFound) {
		return UpdatePlayerResponse{}, fmt.Errorf("failed to get host: %w", err)
	}
	if hostID != userID {
		return UpdatePlayerResponse{}, ErrPermissionDenied
	}

	current := room.Player{Paused: true}
	if p, err := s.roomRepo.GetPlayer(ctx, roomID); err == nil {
		current = p
	} else if !errors.Is(err, room.ErrPlayerNotFound) {
		return UpdatePlayerResponse{}, fmt.Errorf("failed to get player: %w", err)
	}

	next := room.SetPlayerParams{
		RoomID:    roomID,
		SongID:    current.SongID,
		Position:  max(params.Position, 0),
		Paused:    current.Paused,
		UpdatedAt: s.clock.Now().UnixMilli(),
	}
	switch params.Command {
	case CommandPlay:
		next.Paused = false
	case CommandPause:
		next.Paused = true
	case CommandSeek:
	default:
		return UpdatePlayerResponse{}, fmt.Errorf("%w: %q", ErrUnknownCommand, params.Command)
	}
	if params.SongID > 0 && params.Command != CommandSeek {
		next.SongID = params.SongID
	}

	if err := s.roomRepo.SetPlayer(ctx, &next); err != nil {
		return UpdatePlayerResponse{}, fmt.Errorf("failed to set player: %w", err)
	}

	conns, err := s.getConns(ctx, roomID, params.Conn)
	if err != nil {
		return UpdatePlayerResponse{}, fmt.Errorf("failed to get conns: %w", err)
	}

	s.logger.DebugContext(ctx, "player updated",
		"room_id", roomID,
		"command", params.Command,
		"song_id", next.SongID,
		"position", next.Position,
		"paused", next.Paused,
	)

	return UpdatePlayerResponse{
		Player: Player{
			SongID:    next.SongID,
			Position:  next.Position,
			Paused:    next.Paused,
			UpdatedAt: s.clock.Now(),
		},
		Conns: conns,
	}, nil
}

// Heartbeats returns the state of every room that has a song and connected
// members.
func (s service) Heartbeats(ctx context.Context) ([]RoomState, error) {
	roomIDs, err := s.roomRepo.GetRoomIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get rooms: %w", err)
	}

	states := make([]RoomState, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		p, err := s.roomRepo.GetPlayer(ctx, roomID)
		if errors.Is(err, room.ErrPlayerNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get player of %s: %w", roomID, err)
		}
		if p.SongID == 0 {
			continue
		}

		conns, err := s.getConns(ctx, roomID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get conns of %s: %w", roomID, err)
		}
		if len(conns) == 0 {
			continue
		}

		states = append(states, RoomState{
			RoomID: roomID,
			Player: playerFromRepo(p),
			Conns:  conns,
		})
	}

	return states, nil
}

// Now is the relay's clock reading used to timestamp snapshots.
func (s service) Now() time.Time {
	return s.clock.Now()
}
