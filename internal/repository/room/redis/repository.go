package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// appendScript adds ARGV[1] to the sorted set KEYS[1] with a score above
// every existing one, so members keep their join order.
var appendScript = redis.NewScript(`
	if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
		return 0
	end
	local maxScore = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	local nextScore = 1
	if #maxScore > 0 then
		nextScore = tonumber(maxScore[2]) + 1
	end
	redis.call('ZADD', KEYS[1], nextScore, ARGV[1])
	return nextScore
`)

type repo struct {
	rc             *redis.Client
	expireDuration time.Duration
}

// NewRepo returns a room repository whose keys expire after expireDuration
// without access.
func NewRepo(rc *redis.Client, expireDuration time.Duration) *repo {
	return &repo{
		rc:             rc,
		expireDuration: expireDuration,
	}
}

func (r repo) executePipe(ctx context.Context, pipe redis.Pipeliner) error {
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		for _, cmd := range cmds {
			if err := cmd.Err(); err != nil {
				return err
			}
		}

		return err
	}

	return nil
}
