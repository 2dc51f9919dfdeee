package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream implements Stream over a single Redis Streams key, reusing the
// *redis.Client construction pattern from pkg/kernel/limiter_redis.go.
type RedisStream struct {
	client *redis.Client
	key    string
	maxLen int64 // 0 means unbounded (used by the DLQ stream, §4.5)
}

// NewRedisStream wraps an existing client. maxLen implements the approximate
// retention bound from §6.1's stream table (0 = unbounded, for the DLQ).
func NewRedisStream(client *redis.Client, key string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, key: key, maxLen: maxLen}
}

func (s *RedisStream) EnsureGroup(ctx context.Context, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, s.key, group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists; treat as success.
		if isBusyGroup(err) {
			return nil
		}
		return fmt.Errorf("streams: ensure group %s on %s: %w", group, s.key, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (s *RedisStream) Append(ctx context.Context, fields map[string]string) (string, error) {
	args := &redis.XAddArgs{
		Stream: s.key,
		Values: toValues(fields),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("streams: append to %s: %w", s.key, err)
	}
	return id, nil
}

func (s *RedisStream) ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("streams: read group %s on %s: %w", group, s.key, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toMessages(res[0].Messages), nil
}

func (s *RedisStream) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.key, group, ids...).Err(); err != nil {
		return fmt.Errorf("streams: ack on %s/%s: %w", s.key, group, err)
	}
	return nil
}

func (s *RedisStream) Claim(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("streams: claim on %s/%s: %w", s.key, group, err)
	}
	return toMessages(msgs), nil
}

func (s *RedisStream) PendingSummary(ctx context.Context, group string) (PendingSummary, error) {
	summary, err := s.client.XPending(ctx, s.key, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PendingSummary{}, nil
		}
		return PendingSummary{}, fmt.Errorf("streams: pending summary on %s/%s: %w", s.key, group, err)
	}
	return PendingSummary{
		Count:   summary.Count,
		Lowest:  summary.Lower,
		Highest: summary.Higher,
	}, nil
}

func (s *RedisStream) Len(ctx context.Context) (int64, error) {
	n, err := s.client.XLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("streams: len of %s: %w", s.key, err)
	}
	return n, nil
}

func toValues(fields map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func toMessages(in []redis.XMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, Message{ID: m.ID, Fields: fields})
	}
	return out
}
