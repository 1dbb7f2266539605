package redis

import (
	"context"
	"fmt"

	"github.com/krew/jam/internal/repository/room"
)

func (r repo) getPlayerKey(roomID string) string {
	return "jam:" + roomID + ":player"
}

func (r repo) SetPlayer(ctx context.Context, params *room.SetPlayerParams) error {
	pipe := r.rc.TxPipeline()

	player := room.Player{
		SongID:    params.SongID,
		Position:  params.Position,
		Paused:    params.Paused,
		UpdatedAt: params.UpdatedAt,
	}
	playerKey := r.getPlayerKey(params.RoomID)
	pipe.HSet(ctx, playerKey, player)
	pipe.Expire(ctx, playerKey, r.expireDuration)
	pipe.SAdd(ctx, roomsKey, params.RoomID)

	if err := r.executePipe(ctx, pipe); err != nil {
		return fmt.Errorf("failed to set player: %w", err)
	}

	return nil
}

func (r repo) GetPlayer(ctx context.Context, roomID string) (room.Player, error) {
	playerKey := r.getPlayerKey(roomID)
	cmd := r.rc.HGetAll(ctx, playerKey)
	if err := cmd.Err(); err != nil {
		return room.Player{}, fmt.Errorf("failed to get player: %w", err)
	}
	if len(cmd.Val()) == 0 {
		return room.Player{}, room.ErrPlayerNotFound
	}

	var player room.Player
	if err := cmd.Scan(&player); err != nil {
		return room.Player{}, fmt.Errorf("failed to scan player: %w", err)
	}

	r.rc.Expire(ctx, playerKey, r.expireDuration)

	return player, nil
}
