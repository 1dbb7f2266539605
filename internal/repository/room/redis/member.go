package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/krew/jam/internal/repository/room"
	"github.com/redis/go-redis/v9"
)

func (r repo) getMembersKey(roomID string) string {
	return "jam:" + roomID + ":members"
}

func (r repo) getHostKey(roomID string) string {
	return "jam:" + roomID + ":host"
}

// AddMember appends the member to the room. Adding a present member keeps
// its position.
func (r repo) AddMember(ctx context.Context, params *room.AddMemberParams) error {
	membersKey := r.getMembersKey(params.RoomID)
	if err := appendScript.Run(ctx, r.rc, []string{membersKey}, params.MemberID).Err(); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	pipe := r.rc.TxPipeline()
	pipe.Expire(ctx, membersKey, r.expireDuration)
	pipe.SAdd(ctx, roomsKey, params.RoomID)

	if err := r.executePipe(ctx, pipe); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	return nil
}

func (r repo) RemoveMember(ctx context.Context, params *room.RemoveMemberParams) error {
	res, err := r.rc.ZRem(ctx, r.getMembersKey(params.RoomID), params.MemberID).Result()
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	if res == 0 {
		return room.ErrMemberNotFound
	}

	return nil
}

// GetMembers returns member ids in join order.
func (r repo) GetMembers(ctx context.Context, roomID string) ([]string, error) {
	membersKey := r.getMembersKey(roomID)
	memberIDs, err := r.rc.ZRange(ctx, membersKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}

	r.rc.Expire(ctx, membersKey, r.expireDuration)

	return memberIDs, nil
}

func (r repo) SetHost(ctx context.Context, params *room.SetHostParams) error {
	if err := r.rc.Set(ctx, r.getHostKey(params.RoomID), params.MemberID, r.expireDuration).Err(); err != nil {
		return fmt.Errorf("failed to set host: %w", err)
	}

	return nil
}

func (r repo) GetHost(ctx context.Context, roomID string) (string, error) {
	hostKey := r.getHostKey(roomID)
	hostID, err := r.rc.Get(ctx, hostKey).Result()
	if errors.Is(err, redis.Nil) || (err == nil && hostID == "") {
		return "", room.ErrHostNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get host: %w", err)
	}

	r.rc.Expire(ctx, hostKey, r.expireDuration)

	return hostID, nil
}
