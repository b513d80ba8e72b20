package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"festival-live-backend/config"
	"festival-live-backend/internal/hub"
)

// NewRedisClient connects to Redis using the provided configuration. An
// unreachable server is logged, not fatal; go-redis reconnects on its own.
func NewRedisClient(cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	}
	return client
}

// Redis publishes events on one pub/sub channel per topic and feeds every
// event seen under its prefix into the local hub, so each instance delivers
// to its own connections.
type Redis struct {
	client *redis.Client
	prefix string
	hub    *hub.Hub
	logger *zap.Logger

	retryMin time.Duration
	retryMax time.Duration

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRedis(client *redis.Client, prefix string, h *hub.Hub, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:   client,
		prefix:   prefix,
		hub:      h,
		logger:   logger.Named("relay"),
		ready:    make(chan struct{}),
		retryMin: 500 * time.Millisecond,
		retryMax: 30 * time.Second,
	}
}

// Publish sends ev to every instance, this one included. Until Run holds
// its subscription the event is also handed to the local hub directly, so
// this instance's connections never depend on Redis being reachable.
func (r *Redis) Publish(ctx context.Context, ev hub.Event) error {
	if !r.subscribed() {
		r.hub.PublishEvent(ev)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+ev.Topic, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Topic, err)
	}
	return nil
}

// Ready is closed once Run holds its subscription.
func (r *Redis) Ready() <-chan struct{} {
	return r.ready
}

func (r *Redis) subscribed() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// Run relays events into the hub until ctx is cancelled. The initial
// subscription is retried with backoff while Redis is unreachable.
func (r *Redis) Run(ctx context.Context) error {
	ps, err := r.subscribe(ctx)
	if err != nil {
		// cancelled before the first subscription
		return nil
	}
	defer ps.Close()
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("relay subscribed", zap.String("pattern", r.prefix+"*"))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg)
		}
	}
}

// subscribe returns an error only when ctx ends first.
func (r *Redis) subscribe(ctx context.Context) (*redis.PubSub, error) {
	delay := r.retryMin
	for {
		ps := r.client.PSubscribe(ctx, r.prefix+"*")
		_, err := ps.Receive(ctx)
		if err == nil {
			return ps, nil
		}
		_ = ps.Close()
		r.logger.Warn("relay subscribe failed, retrying",
			zap.String("pattern", r.prefix+"*"), zap.Duration("delay", delay), zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, r.retryMax)
	}
}

func (r *Redis) deliver(msg *redis.Message) {
	var ev hub.Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		r.logger.Warn("dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if ev.Topic == "" {
		ev.Topic = strings.TrimPrefix(msg.Channel, r.prefix)
	}
	r.hub.PublishEvent(ev)
}
