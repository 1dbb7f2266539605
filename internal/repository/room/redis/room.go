package redis

import (
	"context"
	"fmt"
)

// roomsKey is the set of every room that may still have state.
const roomsKey = "jams"

// GetRoomIDs lists known rooms. Rooms whose keys all expired are dropped
// from the set on the way.
func (r repo) GetRoomIDs(ctx context.Context) ([]string, error) {
	roomIDs, err := r.rc.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get rooms: %w", err)
	}

	alive := make([]string, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		n, err := r.rc.Exists(ctx, r.getPlayerKey(roomID), r.getMembersKey(roomID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check room %s: %w", roomID, err)
		}
		if n == 0 {
			r.rc.SRem(ctx, roomsKey, roomID)
			continue
		}
		alive = append(alive, roomID)
	}

	return alive, nil
}

func (r repo) RemoveRoom(ctx context.Context, roomID string) error {
	pipe := r.rc.TxPipeline()
	pipe.Del(ctx, r.getPlayerKey(roomID), r.getMembersKey(roomID), r.getHostKey(roomID))
	pipe.SRem(ctx, roomsKey, roomID)

	if err := r.executePipe(ctx, pipe); err != nil {
		return fmt.Errorf("failed to remove room: %w", err)
	}

	return nil
}
