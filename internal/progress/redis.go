package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lectureflow/internal/domain"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 2 * time.Second

// publisher is the subset of the redis client used for fan-out.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

// RedisPublisher forwards every committed progress record to a Redis channel
// so other processes can stream task progress.
type RedisPublisher struct {
	client  publisher
	channel string
}

// NewRedisClient dials addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisPublisher(client publisher, channel string) *RedisPublisher {
	if channel == "" {
		channel = "lecture:progress"
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Observe publishes rec as JSON. Failures are logged and never block the store.
func (p *RedisPublisher) Observe(rec domain.ProgressRecord) {
	if p == nil || p.client == nil {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		log.Warn().Str("task_id", rec.TaskID).Err(err).Msg("encode progress for redis failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		log.Warn().Str("task_id", rec.TaskID).Str("channel", p.channel).Err(err).Msg("publish progress failed")
	}
}
