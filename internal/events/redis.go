package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisPublisher forwards bus events to a Redis pub/sub channel so UI
// processes outside this one can auto-refresh.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	logger  *zerolog.Logger
}

func NewRedisPublisher(rdb *redis.Client, channel string, logger *zerolog.Logger) *RedisPublisher {
	if channel == "" {
		channel = "roster:changes"
	}
	return &RedisPublisher{rdb: rdb, channel: channel, logger: logger}
}

// Attach subscribes the publisher to the bus. Publish failures are logged
// and dropped; the change feed is best-effort, the store stays the source
// of truth.
func (p *RedisPublisher) Attach(bus *Bus) {
	bus.Subscribe(func(change Change) {
		payload, err := json.Marshal(change)
		if err != nil {
			p.logger.Error().Err(err).Msg("marshal change event")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
			p.logger.Error().Err(err).
				Str("channel", p.channel).
				Msg("publish change event")
		}
	})
}
