package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/replica/internal/ir"
)

// Redis relays mutations through a shared Redis server. Every accepted
// mutation is appended to the "<prefix>:mutations" stream and published as a
// ChangeEvent on the "<prefix>:events" channel, so clients sharing the
// server converge. Server timestamps come from Redis TIME.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// NewRedis creates a relay client. It does not connect until first use;
// call Ping to check reachability.
func NewRedis(opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "replica"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.Timeout > 0 {
		ro.DialTimeout = opts.Timeout
		ro.ReadTimeout = opts.Timeout
		ro.WriteTimeout = opts.Timeout
	}
	return &Redis{client: redis.NewClient(ro), prefix: opts.Prefix, logger: opts.Logger}
}

// StreamKey is the stream holding every relayed mutation.
func (r *Redis) StreamKey() string { return r.prefix + ":mutations" }

// Channel is the pub/sub channel carrying change events.
func (r *Redis) Channel() string { return r.prefix + ":events" }

// Ping checks that the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return ir.SyncUnavailable(fmt.Errorf("redis ping: %w", err))
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) serverTime(ctx context.Context) (time.Time, error) {
	t, err := r.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, err
	}
	t = t.UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !t.After(r.last) {
		t = r.last.Add(time.Nanosecond)
	}
	r.last = t
	return t, nil
}

// Submit implements RemoteSync.
func (r *Redis) Submit(ctx context.Context, m ir.Mutation) (ir.Ack, error) {
	ts, err := r.serverTime(ctx)
	if err != nil {
		return ir.Ack{}, ir.SyncUnavailable(fmt.Errorf("redis time: %w", err))
	}

	entity := m.Entity.Clone()
	entity.Type = m.Type
	entity.ID = m.EntityID
	entity.UpdatedAt = ts
	ev := ir.ChangeEvent{Type: m.Type, Op: m.Op, Entity: entity, ServerTimestamp: ts}

	mutation, err := json.Marshal(m)
	if err != nil {
		return ir.Ack{}, fmt.Errorf("encode mutation %s: %w", m.ID, err)
	}
	event, err := encodeEvent(ev)
	if err != nil {
		return ir.Ack{}, err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.StreamKey(),
			Values: map[string]any{"id": m.ID, "mutation": mutation},
		})
		pipe.Publish(ctx, r.Channel(), event)
		return nil
	})
	if err != nil {
		return ir.Ack{}, ir.SyncUnavailable(fmt.Errorf("redis submit %s: %w", m.ID, err))
	}

	ack := ir.Ack{MutationID: m.ID, ServerTimestamp: ts}
	if m.Op != ir.OpDelete {
		ack.Entity = &entity
	}
	return ack, nil
}

// Events implements RemoteSync. Malformed payloads are logged and skipped.
func (r *Redis) Events(ctx context.Context) (<-chan ir.ChangeEvent, error) {
	sub := r.client.Subscribe(ctx, r.Channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, ir.SyncUnavailable(fmt.Errorf("redis subscribe: %w", err))
	}

	out := make(chan ir.ChangeEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeEvent([]byte(msg.Payload))
				if err != nil {
					r.logger.Warn("dropping malformed change event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func encodeEvent(ev ir.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode change event: %w", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (ir.ChangeEvent, error) {
	var ev ir.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ir.ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	if ev.Entity.Type == "" {
		ev.Entity.Type = ev.Type
	}
	if !ev.Op.Valid() || ev.Entity.ID == "" || ev.ServerTimestamp.IsZero() {
		return ir.ChangeEvent{}, fmt.Errorf("decode change event: incomplete event %s %s", ev.Op, ev.Key())
	}
	return ev, nil
}
