package bridge

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Sink receives encoded messages. Store writes fields into the hash at
// key and publishes payload on channel as one operation.
type Sink interface {
	Store(ctx context.Context, key string, fields map[string]any, channel string, payload []byte) error
	Close() error
}

// RedisSink is a Sink backed by a redis server
type RedisSink struct {
	client *redis.Client
}

// Verify RedisSink implements Sink
var _ Sink = (*RedisSink)(nil)

func NewRedisSink(ctx context.Context, addr, password string, db int) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &RedisSink{client: client}, nil
}

func (s *RedisSink) Store(ctx context.Context, key string, fields map[string]any, channel string, payload []byte) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Publish(ctx, channel, payload)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
