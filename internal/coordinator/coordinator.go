// Package coordinator turns a mutation into a live broadcast and, when the
// topic calls for it, a push pass over every stored subscription.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"festival-live-backend/internal/hub"
	"festival-live-backend/internal/notification"
	"festival-live-backend/internal/relay"
)

// DefaultPassTimeout bounds a push pass when no timeout is configured.
const DefaultPassTimeout = 2 * time.Minute

// Pusher is the slice of the push dispatcher the coordinator drives.
type Pusher interface {
	NotifyAll(ctx context.Context, payload []byte, filter notification.Filter) (notification.Report, error)
	NotifyUser(ctx context.Context, userID string, payload []byte) (bool, error)
}

// Options controls one announcement.
type Options struct {
	// Push starts a push pass after the live broadcast.
	Push bool
	// ExcludeEndpoint is left out of the push pass, typically the device
	// that made the change.
	ExcludeEndpoint string
	Title           string
	Body            string
	URL             string
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	publisher   relay.Publisher
	pusher      Pusher
	policy      Policy
	passTimeout time.Duration
	logger      *zap.Logger
	wg          sync.WaitGroup
}

func New(publisher relay.Publisher, pusher Pusher, policy Policy, passTimeout time.Duration, logger *zap.Logger) *Coordinator {
	if passTimeout <= 0 {
		passTimeout = DefaultPassTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		publisher:   publisher,
		pusher:      pusher,
		policy:      policy,
		passTimeout: passTimeout,
		logger:      logger.Named("coordinator"),
	}
}

// Policy returns the topic table the coordinator was built with.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// Announce broadcasts payload to live listeners of topic before returning.
// When opts.Push is set a push pass is started in the background; its
// failures are logged and never reach the caller.
func (c *Coordinator) Announce(ctx context.Context, topic string, payload any, opts Options) (hub.Event, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return hub.Event{}, hub.ErrEmptyTopic
	}
	raw, err := marshal(payload)
	if err != nil {
		return hub.Event{}, err
	}

	ev := hub.NewEvent(topic, raw)
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Error("live publish failed", zap.String("topic", topic), zap.Error(err))
	}

	if opts.Push {
		msg := notification.Message{
			Title: opts.Title,
			Body:  opts.Body,
			Topic: topic,
			URL:   opts.URL,
			Data:  raw,
		}
		if msg.Title == "" {
			msg.Title = topic
		}
		c.detach(ctx, "push pass", func(ctx context.Context) error {
			body, err := msg.Encode()
			if err != nil {
				return err
			}
			report, err := c.pusher.NotifyAll(ctx, body, notification.ExcludeEndpoint(opts.ExcludeEndpoint))
			c.logger.Info("push pass done",
				zap.String("topic", topic),
				zap.String("event_id", ev.ID),
				zap.Int("sent", report.Sent),
				zap.Int("gone", report.Gone),
				zap.Int("failed", report.Failed))
			return err
		})
	}
	return ev, nil
}

// Notify announces payload with the push behaviour and wording taken from
// the policy table.
func (c *Coordinator) Notify(ctx context.Context, topic string, payload any) (hub.Event, error) {
	tc, _ := c.policy.Lookup(strings.TrimSpace(topic))
	return c.Announce(ctx, topic, payload, Options{
		Push:  tc.Push,
		Title: tc.Title,
		Body:  tc.Body,
		URL:   tc.URL,
	})
}

// NotifyUser pushes a message to one user's device in the background. No
// live event is published.
func (c *Coordinator) NotifyUser(ctx context.Context, userID string, msg notification.Message) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.detach(ctx, "user push", func(ctx context.Context) error {
		found, err := c.pusher.NotifyUser(ctx, userID, body)
		if err == nil && !found {
			c.logger.Debug("user has no subscription", zap.String("user_id", userID))
		}
		return err
	})
	return nil
}

// Wait blocks until every background push started so far has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// detach runs fn on its own goroutine with a context that keeps the
// caller's values but not its cancellation.
func (c *Coordinator) detach(parent context.Context, what string, fn func(ctx context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error(what+" panicked", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.passTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.logger.Error(what+" failed", zap.Error(err))
		}
	}()
}

func marshal(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}
