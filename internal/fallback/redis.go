package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel phone-state broadcasts arrive on.
const DefaultChannel = "phone_state"

// RedisSource receives broadcasts published as JSON
// {"state":"RINGING","number":"..."} on a Redis channel.
type RedisSource struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisSource connects to addr and verifies the connection.
func NewRedisSource(addr, password string, db int, channel string, logger *slog.Logger) (*RedisSource, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return &RedisSource{
		client:  rdb,
		channel: channel,
		logger:  logger.With("subsystem", "fallback-redis", "channel", channel),
	}, nil
}

// Close closes the Redis connection.
func (s *RedisSource) Close() error {
	return s.client.Close()
}

type phoneStateMessage struct {
	State  string `json:"state"`
	Number string `json:"number"`
}

// decodeSignal parses one pub/sub payload.
func decodeSignal(payload string) (Signal, error) {
	var m phoneStateMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Signal{}, fmt.Errorf("decoding phone state: %w", err)
	}
	state, err := ParseBroadcast(m.State)
	if err != nil {
		return Signal{}, err
	}
	return Signal{State: state, Number: m.Number}, nil
}

// Subscribe starts a pub/sub subscription. Malformed payloads are logged
// and skipped.
func (s *RedisSource) Subscribe(ctx context.Context) (<-chan Signal, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", s.channel, err)
	}

	out := make(chan Signal)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				sig, err := decodeSignal(msg.Payload)
				if err != nil {
					s.logger.Warn("skipping phone state message", "error", err)
					continue
				}
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
