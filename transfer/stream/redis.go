package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisBlock = 5 * time.Second
	defaultRedisCount = 100
)

// StreamReader is the part of the go-redis client the RedisSource uses.
type StreamReader interface {
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
}

// RedisSource reads job streams straight from the Redis stream the document service
// workers publish to. Entry IDs are the cursor.
type RedisSource struct {
	client StreamReader
	block  time.Duration
	count  int64
	logger log.Logger
}

// NewRedisSource creates a RedisSource on top of an existing client.
func NewRedisSource(client StreamReader, logger log.Logger) *RedisSource {
	return &RedisSource{
		client: client,
		block:  defaultRedisBlock,
		count:  defaultRedisCount,
		logger: logger,
	}
}

// NewRedisClient creates a go-redis client from a redis:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// StreamKey returns the Redis key of the job stream.
func StreamKey(jobID string) string {
	return "stream:" + jobID
}

// Open implements Source.
func (s *RedisSource) Open(ctx context.Context, jobID, cursor string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cursor == "" {
		cursor = StartCursor
	}

	return &redisConnection{
		source: s,
		key:    StreamKey(jobID),
		cursor: cursor,
	}, nil
}

type redisConnection struct {
	source  *RedisSource
	key     string
	cursor  string
	pending []redis.XMessage
}

func (c *redisConnection) Next(ctx context.Context) (Event, error) {
	for len(c.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		streams, err := c.source.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{c.key, c.cursor},
			Count:   c.source.count,
			Block:   c.source.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Event{}, fmt.Errorf("read stream %s: %w", c.key, err)
		}

		for _, stream := range streams {
			c.pending = append(c.pending, stream.Messages...)
		}
		c.source.logger.Debugf("Read %d entries from %s after %s", len(c.pending), c.key, c.cursor)
	}

	message := c.pending[0]
	c.pending = c.pending[1:]
	c.cursor = message.ID

	data, err := json.Marshal(message.Values)
	if err != nil {
		return Event{}, fmt.Errorf("encode stream entry %s: %w", message.ID, err)
	}

	event := Event{ID: message.ID, Data: data}
	if kind, ok := message.Values["event"].(string); ok {
		event.Type = kind
	}

	return event, nil
}

func (c *redisConnection) Close() error {
	c.pending = nil
	return nil
}
