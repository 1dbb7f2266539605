package room

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/krew/jam/internal/repository/room"
)

type Player struct {
	SongID    int64
	Position  float64
	Paused    bool
	UpdatedAt time.Time
}

func playerFromRepo(p room.Player) Player {
	player := Player{
		SongID:   p.SongID,
		Position: p.Position,
		Paused:   p.Paused,
	}
	if p.UpdatedAt > 0 {
		player.UpdatedAt = time.UnixMilli(p.UpdatedAt)
	}

	return player
}

// PositionAt extrapolates the stored position to now while playing.
func (p Player) PositionAt(now time.Time) float64 {
	if p.Paused || p.UpdatedAt.IsZero() {
		return p.Position
	}
	pos := p.Position + now.Sub(p.UpdatedAt).Seconds()
	if pos < 0 {
		return 0
	}

	return pos
}

// RoomState is what the heartbeat sends to one room.
type RoomState struct {
	RoomID string
	Player Player
	Conns  []*websocket.Conn
}
