package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gluk-w/vpsdeck/internal/logutil"
)

// relayMessage is the wire format on the Redis channel.
type relayMessage struct {
	UserID string `json:"userId"`
	Event  Event  `json:"event"`
}

// Reconnect delays for RunWithRetry.
const (
	relayRetryMin = 500 * time.Millisecond
	relayRetryMax = 30 * time.Second
)

// RedisRelay shares one fan-out between several orchestrator processes.
// Publish goes to a Redis channel; Run feeds every message from that
// channel, including this process's own, into the local hub. Redis keeps
// channel order, so per-job ordering survives the round trip. While no
// subscription is live, Publish also delivers to the local hub.
type RedisRelay struct {
	rdb       *redis.Client
	channel   string
	local     *Hub
	consuming atomic.Bool
}

// NewRedisRelay wraps local with a Redis pub/sub channel.
func NewRedisRelay(rdb *redis.Client, channel string, local *Hub) *RedisRelay {
	return &RedisRelay{rdb: rdb, channel: channel, local: local}
}

// Publish sends ev through Redis. The local hub gets ev directly when Redis
// is unreachable or this process is not consuming the channel.
func (r *RedisRelay) Publish(userID string, ev Event) {
	payload, err := encodeRelay(userID, ev)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = r.rdb.Publish(ctx, r.channel, payload).Err()
		cancel()
	}
	switch {
	case err != nil:
		log.Printf("[events] Redis publish failed, delivering locally: %v", err)
		r.local.Publish(userID, ev)
	case !r.consuming.Load():
		r.local.Publish(userID, ev)
	}
}

// Subscribe opens a channel on the local hub.
func (r *RedisRelay) Subscribe(userID string) *Subscription {
	return r.local.Subscribe(userID)
}

// Run consumes the Redis channel until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	log.Printf("[events] Relaying through Redis channel %s", logutil.SanitizeForLog(r.channel))
	r.consuming.Store(true)
	defer r.consuming.Store(false)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			userID, ev, err := decodeRelay([]byte(msg.Payload))
			if err != nil {
				log.Printf("[events] Ignoring malformed relay message: %v", err)
				continue
			}
			r.local.Publish(userID, ev)
		}
	}
}

// RunWithRetry calls Run until ctx is done, waiting between attempts with a
// doubling delay. The delay resets after a run that outlasted the maximum.
func (r *RedisRelay) RunWithRetry(ctx context.Context) {
	r.runWithRetry(ctx, relayRetryMin, relayRetryMax)
}

func (r *RedisRelay) runWithRetry(ctx context.Context, minDelay, maxDelay time.Duration) {
	delay := minDelay
	for {
		started := time.Now()
		err := r.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxDelay {
			delay = minDelay
		}
		if err == nil {
			err = fmt.Errorf("subscription closed")
		}
		log.Printf("[events] Redis relay down, retrying in %s: %v", delay, err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func encodeRelay(userID string, ev Event) ([]byte, error) {
	return json.Marshal(relayMessage{UserID: userID, Event: ev})
}

func decodeRelay(data []byte) (string, Event, error) {
	var m relayMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", Event{}, err
	}
	if m.UserID == "" {
		return "", Event{}, fmt.Errorf("missing userId")
	}
	return m.UserID, m.Event, nil
}
