package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festival-live-backend/config"
	"festival-live-backend/internal/hub"
	"festival-live-backend/internal/model"
	"festival-live-backend/internal/notification"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []hub.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, ev hub.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *fakePublisher) published() []hub.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]hub.Event(nil), p.events...)
}

type pushCall struct {
	payload []byte
	filter  notification.Filter
	userID  string
	ctxErr  error
}

type fakePusher struct {
	mu     sync.Mutex
	calls  []pushCall
	block  chan struct{}
	panics bool
	err    error
}

func (p *fakePusher) NotifyAll(ctx context.Context, payload []byte, filter notification.Filter) (notification.Report, error) {
	if p.block != nil {
		<-p.block
	}
	if p.panics {
		panic("boom")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{payload: payload, filter: filter, ctxErr: ctx.Err()})
	return notification.Report{Sent: 1}, p.err
}

func (p *fakePusher) NotifyUser(ctx context.Context, userID string, payload []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{payload: payload, userID: userID, ctxErr: ctx.Err()})
	return true, p.err
}

func (p *fakePusher) recorded() []pushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushCall(nil), p.calls...)
}

func newCoordinator(pub *fakePublisher, push *fakePusher) *Coordinator {
	return New(pub, push, NewPolicy(nil), time.Second, nil)
}

func TestAnnounce_PublishesAndPushes(t *testing.T) {
	pub, push := &fakePublisher{}, &fakePusher{}
	c := newCoordinator(pub, push)

	ev, err := c.Announce(context.Background(), "announcements", map[string]any{"id": 7}, Options{
		Push:  true,
		Title: "Gate change",
		URL:   "/announcements",
	})
	require.NoError(t, err)
	require.Len(t, pub.published(), 1, "live publish happens before Announce returns")
	assert.Equal(t, ev.ID, pub.published()[0].ID)
	assert.JSONEq(t, `{"id":7}`, string(ev.Payload))

	c.Wait()
	calls := push.recorded()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"title":"Gate change","topic":"announcements","url":"/announcements","data":{"id":7}}`, string(calls[0].payload))
	assert.Nil(t, calls[0].filter)
}

func TestAnnounce_WithoutPush(t *testing.T) {
	pub, push := &fakePublisher{}, &fakePusher{}
	c := newCoordinator(pub, push)

	_, err := c.Announce(context.Background(), "announcements", "hello", Options{})
	require.NoError(t, err)
	c.Wait()

	assert.Len(t, pub.published(), 1)
	assert.Empty(t, push.recorded())
}

func TestAnnounce_ExcludesTriggeringEndpoint(t *testing.T) {
	pub, push := &fakePublisher{}, &fakePusher{}
	c := newCoordinator(pub, push)

	_, err := c.Announce(context.Background(), "signup-status", nil, Options{Push: true, ExcludeEndpoint: "https://push/me"})
	require.NoError(t, err)
	c.Wait()

	calls := push.recorded()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].filter)
	assert.False(t, calls[0].filter(model.PushSubscription{Endpoint: "https://push/me"}))
	assert.True(t, calls[0].filter(model.PushSubscription{Endpoint: "https://push/other"}))
}

func TestAnnounce_DefaultsTitleToTopic(t *testing.T) {
	pub, push := &fakePublisher{}, &fakePusher{}
	c := newCoordinator(pub, push)

	_, err := c.Announce(context.Background(), "timeline", json.RawMessage(`[1,2]`), Options{Push: true})
	require.NoError(t, err)
	c.Wait()

	calls := push.recorded()
	require.Len(t, calls, 1)
	var msg notification.Message
	require.NoError(t, json.Unmarshal(calls[0].payload, &msg))
	assert.Equal(t, "timeline", msg.Title)
	assert.JSONEq(t, `[1,2]`, string(msg.Data))
}

func TestAnnounce_RejectsBadInput(t *testing.T) {
	c := newCoordinator(&fakePublisher{}, &fakePusher{})

	_, err := c.Announce(context.Background(), "  ", nil, Options{})
	assert.ErrorIs(t, err, hub.ErrEmptyTopic)

	_, err = c.Announce(context.Background(), "timeline", json.RawMessage(`{broken`), Options{})
	assert.Error(t, err)

	_, err = c.Announce(context.Background(), "timeline", make(chan int), Options{})
	assert.Error(t, err)
}

func TestAnnounce_PublishFailureDoesNotBlockPush(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	push := &fakePusher{}
	c := newCoordinator(pub, push)

	_, err := c.Announce(context.Background(), "announcements", nil, Options{Push: true})
	require.NoError(t, err)
	c.Wait()
	assert.Len(t, push.recorded(), 1)
}

func TestAnnounce_PushOutlivesRequestContext(t *testing.T) {
	pub := &fakePublisher{}
	push := &fakePusher{block: make(chan struct{})}
	c := newCoordinator(pub, push)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.Announce(ctx, "announcements", nil, Options{Push: true})
	require.NoError(t, err)
	cancel()
	close(push.block)
	c.Wait()

	calls := push.recorded()
	require.Len(t, calls, 1)
	assert.NoError(t, calls[0].ctxErr)
}

func TestAnnounce_RecoversFromPushPanic(t *testing.T) {
	pub := &fakePublisher{}
	push := &fakePusher{panics: true}
	c := newCoordinator(pub, push)

	_, err := c.Announce(context.Background(), "announcements", nil, Options{Push: true})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after a panicking push pass")
	}
}

func TestNotify_FollowsPolicy(t *testing.T) {
	cases := []struct {
		topic string
		push  bool
	}{
		{"announcements", true},
		{"signup-status", true},
		{"timeline", false},
		{"unknown-topic", false},
	}
	for _, tc := range cases {
		t.Run(tc.topic, func(t *testing.T) {
			pub, push := &fakePublisher{}, &fakePusher{}
			c := newCoordinator(pub, push)

			_, err := c.Notify(context.Background(), tc.topic, map[string]string{"k": "v"})
			require.NoError(t, err)
			c.Wait()

			assert.Len(t, pub.published(), 1)
			if tc.push {
				assert.Len(t, push.recorded(), 1)
			} else {
				assert.Empty(t, push.recorded())
			}
		})
	}
}

func TestNotify_UsesPolicyWording(t *testing.T) {
	pub, push := &fakePublisher{}, &fakePusher{}
	policy := NewPolicy(map[string]config.TopicConfig{
		"rides": {Push: true, Title: "Ride update", Body: "Your ride changed", URL: "/rides"},
	})
	c := New(pub, push, policy, time.Second, nil)

	_, err := c.Notify(context.Background(), "rides", nil)
	require.NoError(t, err)
	c.Wait()

	calls := push.recorded()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"title":"Ride update","body":"Your ride changed","topic":"rides","url":"/rides","data":null}`, string(calls[0].payload))
}

func TestNotifyUser(t *testing.T) {
	pub, push := &fakePublisher{}, &fakePusher{}
	c := newCoordinator(pub, push)

	require.NoError(t, c.NotifyUser(context.Background(), "u1", notification.Message{Title: "Signup accepted", Topic: "signup-status"}))
	c.Wait()

	calls := push.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "u1", calls[0].userID)
	assert.Empty(t, pub.published(), "user pushes are not broadcast")

	assert.Error(t, c.NotifyUser(context.Background(), "", notification.Message{}))
}

func TestPolicy_Topics(t *testing.T) {
	assert.Equal(t, []string{"announcements", "signup-status", "timeline"}, NewPolicy(nil).Topics())
}
