package rotation

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const cursorKeyPrefix = "routing:rotation:cursor:"

// RedisCursorStore keeps rotation cursors in redis.
type RedisCursorStore struct {
	client redis.UniversalClient
}

// NewRedisCursorStore wraps an existing client.
func NewRedisCursorStore(client redis.UniversalClient) *RedisCursorStore {
	return &RedisCursorStore{client: client}
}

func (s *RedisCursorStore) Load(ctx context.Context, pool string) (int, error) {
	raw, err := s.client.Get(ctx, cursorKeyPrefix+pool).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

func (s *RedisCursorStore) Save(ctx context.Context, pool string, cursor int) error {
	return s.client.Set(ctx, cursorKeyPrefix+pool, cursor, 0).Err()
}
