package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"consult-platform/internal/calls"
	"consult-platform/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel call events travel on.
const DefaultChannel = "calls:events"

// RedisRelay fans call events out to every API process.
//
// Publish hands the event to the local bus immediately and queues it for Redis;
// events coming back from Redis with this relay's origin are skipped, everything
// else is re-published into the local bus. Publish never blocks: when the outbound
// queue is full the event is only delivered locally.
type RedisRelay struct {
	rdb     *redis.Client
	local   *Bus
	channel string
	origin  string
	out     chan calls.Event

	Metrics *metrics.Metrics
	Log     *slog.Logger
}

type envelope struct {
	Origin string      `json:"origin"`
	Event  calls.Event `json:"event"`
}

func NewRedisRelay(rdb *redis.Client, local *Bus, channel string) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{
		rdb:     rdb,
		local:   local,
		channel: channel,
		origin:  uuid.NewString(),
		out:     make(chan calls.Event, 256),
		Log:     slog.Default(),
	}
}

// Origin identifies this process on the channel.
func (r *RedisRelay) Origin() string { return r.origin }

func (r *RedisRelay) Publish(ev calls.Event) {
	r.local.Publish(ev)
	select {
	case r.out <- ev:
	default:
		r.Metrics.RecordRelayError()
		r.Log.Warn("relay queue full, event delivered locally only", "call_id", ev.Record.ID)
	}
}

// Run subscribes to the channel and pumps events in both directions until ctx ends.
// It returns once the subscription is confirmed failed or ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.rdb.Subscribe(ctx, r.channel)
	defer ps.Close()

	// Wait for the subscription to be confirmed so no event published after Run
	// starts is missed.
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}

	go r.pumpOut(ctx)

	in := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return errors.New("notify: relay subscription closed")
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.Metrics.RecordRelayError()
		r.Log.Warn("relay decode failed", "err", err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.local.Publish(env.Event)
}

func (r *RedisRelay) pumpOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.out:
			b, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
			if err != nil {
				r.Metrics.RecordRelayError()
				continue
			}
			if err := r.rdb.Publish(ctx, r.channel, b).Err(); err != nil {
				r.Metrics.RecordRelayError()
				r.Log.Warn("relay publish failed", "call_id", ev.Record.ID, "err", err)
			}
		}
	}
}
