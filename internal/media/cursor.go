package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

var ErrCursorRegressed = errors.New("media: fragment cursor may not regress")

const cursorKeyPrefix = "cursor:"

// RedisCursorStore keeps the per-call fragment cursor in redis so a
// restarted process resumes the live stream exactly where it left off.
// Each cursor has a single writer (the call's reader task), so the
// monotonic guard is a plain read-check-write.
type RedisCursorStore struct {
	client *redis.Client
}

func NewRedisCursorStore(client *redis.Client) *RedisCursorStore {
	return &RedisCursorStore{client: client}
}

func (s *RedisCursorStore) key(callID string) string {
	return cursorKeyPrefix + callID
}

func (s *RedisCursorStore) Get(ctx context.Context, callID string) (uint64, bool, error) {
	value, err := s.client.Get(ctx, s.key(callID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	fragment, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("media: corrupt cursor %q for call %s: %w", value, callID, err)
	}
	return fragment, true, nil
}

func (s *RedisCursorStore) Advance(ctx context.Context, callID string, fragment uint64) error {
	prior, ok, err := s.Get(ctx, callID)
	if err != nil {
		return err
	}
	if ok && fragment < prior {
		return fmt.Errorf("%w: have %d, got %d", ErrCursorRegressed, prior, fragment)
	}
	return s.client.Set(ctx, s.key(callID), strconv.FormatUint(fragment, 10), 0).Err()
}

func (s *RedisCursorStore) Clear(ctx context.Context, callID string) error {
	return s.client.Del(ctx, s.key(callID)).Err()
}
