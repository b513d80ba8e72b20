package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"festival-live-backend/internal/model"
	"festival-live-backend/internal/store"
)

// ErrPoolStopped is returned when a delivery is handed to a dispatcher whose
// workers are not running.
var ErrPoolStopped = errors.New("notification worker pool is not running")

// Filter decides whether a subscription takes part in a push pass.
type Filter func(sub model.PushSubscription) bool

// ExcludeEndpoint skips the subscription that triggered the update.
func ExcludeEndpoint(endpoint string) Filter {
	if endpoint == "" {
		return nil
	}
	return func(sub model.PushSubscription) bool {
		return sub.Endpoint != endpoint
	}
}

// Report counts the outcomes of one push pass.
type Report struct {
	Matched   int `json:"matched"`
	Skipped   int `json:"skipped"`
	Sent      int `json:"sent"`
	Gone      int `json:"gone"`
	Failed    int `json:"failed"`
	Throttled int `json:"throttled"`
}

// Config tunes delivery. Zero values fall back to sensible defaults,
// except MaxRetries where zero means a single attempt.
type Config struct {
	Workers     int
	MaxRetries  int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	MinInterval time.Duration
	// Sender replaces the webpush transport, mainly in tests.
	Sender Sender
}

type delivery struct {
	ctx     context.Context
	sub     model.PushSubscription
	payload []byte
	pass    *pass
}

type pass struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	report Report
}

// outcomeThrottled marks deliveries skipped by the per-endpoint interval.
const outcomeThrottled Outcome = -1

func (p *pass) record(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch o {
	case outcomeThrottled:
		p.report.Throttled++
	case OutcomeSent:
		p.report.Sent++
	case OutcomeGone:
		p.report.Gone++
	default:
		p.report.Failed++
	}
}

// Dispatcher delivers push messages to stored subscriptions on a fixed pool
// of workers.
type Dispatcher struct {
	store    store.Store
	sender   Sender
	options  *webpush.Options
	cfg      Config
	jobs     chan delivery
	throttle *ttlcache.Cache[string, struct{}]
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	done    <-chan struct{}
}

// NewDispatcher creates a dispatcher. Start must be called before any
// delivery is made.
func NewDispatcher(s store.Store, options *webpush.Options, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if cfg.Sender == nil {
		cfg.Sender = &WebPushSender{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		store:   s,
		sender:  cfg.Sender,
		options: options,
		cfg:     cfg,
		jobs:    make(chan delivery),
		logger:  logger.Named("push"),
		sleep:   sleepCtx,
	}
	if cfg.MinInterval > 0 {
		d.throttle = ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](cfg.MinInterval),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
	}
	return d
}

// Start launches the workers. They stop when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.done = ctx.Done()

	for range d.cfg.Workers {
		go d.worker(ctx)
	}
	if d.throttle != nil {
		go d.throttle.Start()
		go func() {
			<-ctx.Done()
			d.throttle.Stop()
		}()
	}
	d.logger.Info("worker pool started", zap.Int("workers", d.cfg.Workers))
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.jobs:
			d.process(job)
		}
	}
}

// NotifyUser pushes payload to the user's subscription, if any. It reports
// false with a nil error when the user has none.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID string, payload []byte) (bool, error) {
	sub, err := d.store.FindByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find subscription for user: %w", err)
	}

	p := &pass{}
	p.wg.Add(1)
	if err := d.enqueue(delivery{ctx: ctx, sub: *sub, payload: payload, pass: p}); err != nil {
		p.wg.Done()
		return true, err
	}
	p.wg.Wait()
	return true, nil
}

// NotifyAll streams every stored subscription, skips those rejected by
// filter and waits until each remaining delivery has finished.
func (d *Dispatcher) NotifyAll(ctx context.Context, payload []byte, filter Filter) (Report, error) {
	p := &pass{}
	var skipped int
	var passErr error

	for sub, err := range d.store.AllActive(ctx) {
		if err != nil {
			passErr = fmt.Errorf("list subscriptions: %w", err)
			break
		}
		if filter != nil && !filter(sub) {
			skipped++
			continue
		}
		p.wg.Add(1)
		if err := d.enqueue(delivery{ctx: ctx, sub: sub, payload: payload, pass: p}); err != nil {
			p.wg.Done()
			passErr = err
			break
		}
		p.mu.Lock()
		p.report.Matched++
		p.mu.Unlock()
	}
	p.wg.Wait()

	p.mu.Lock()
	report := p.report
	p.mu.Unlock()
	report.Skipped = skipped

	d.logger.Info("push pass finished",
		zap.Int("matched", report.Matched),
		zap.Int("sent", report.Sent),
		zap.Int("gone", report.Gone),
		zap.Int("failed", report.Failed),
		zap.Int("throttled", report.Throttled),
		zap.Error(passErr))
	return report, passErr
}

func (d *Dispatcher) enqueue(job delivery) error {
	d.mu.Lock()
	running, done := d.running, d.done
	d.mu.Unlock()
	if !running {
		return ErrPoolStopped
	}
	select {
	case d.jobs <- job:
		return nil
	case <-done:
		return ErrPoolStopped
	case <-job.ctx.Done():
		return job.ctx.Err()
	}
}

func (d *Dispatcher) process(job delivery) {
	defer job.pass.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("push delivery panicked", zap.Any("panic", r))
			job.pass.record(OutcomeRejected)
		}
	}()

	if !d.claim(job.sub.Endpoint) {
		job.pass.record(outcomeThrottled)
		return
	}
	outcome := OutcomeRejected
	defer func() {
		if outcome != OutcomeSent {
			d.release(job.sub.Endpoint)
		}
	}()
	outcome = d.deliver(job)
	job.pass.record(outcome)
}

// claim reserves the endpoint for one delivery within MinInterval. A second
// delivery to the same endpoint is refused until the reservation expires or
// is released.
func (d *Dispatcher) claim(endpoint string) bool {
	if d.throttle == nil {
		return true
	}
	_, held := d.throttle.GetOrSet(endpoint, struct{}{})
	return !held
}

func (d *Dispatcher) release(endpoint string) {
	if d.throttle != nil {
		d.throttle.Delete(endpoint)
	}
}

// deliver makes the first attempt plus up to MaxRetries retries for
// transient failures.
func (d *Dispatcher) deliver(job delivery) Outcome {
	sub := &webpush.Subscription{
		Endpoint: job.sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: job.sub.P256DH,
			Auth:   job.sub.Auth,
		},
	}
	log := d.logger.With(zap.String("endpoint", job.sub.Endpoint))

	for attempt := 0; ; attempt++ {
		outcome, wait, err := d.attempt(job.ctx, job.payload, sub)
		switch outcome {
		case OutcomeSent:
			return outcome
		case OutcomeGone:
			log.Info("subscription gone, removing")
			if err := d.store.MarkGone(job.ctx, job.sub.Endpoint); err != nil {
				log.Error("failed to remove gone subscription", zap.Error(err))
			}
			return outcome
		case OutcomeRejected:
			log.Warn("push rejected", zap.Error(err))
			return outcome
		}

		if attempt >= d.cfg.MaxRetries {
			log.Warn("push failed, giving up", zap.Int("attempts", attempt+1), zap.Error(err))
			return outcome
		}
		delay := d.backoff(attempt, wait)
		log.Debug("push failed, retrying", zap.Duration("delay", delay), zap.Error(err))
		if err := d.sleep(job.ctx, delay); err != nil {
			log.Warn("push abandoned", zap.Error(err))
			return outcome
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, payload []byte, sub *webpush.Subscription) (Outcome, time.Duration, error) {
	resp, err := d.sender.Send(ctx, payload, sub, d.options)
	if err != nil {
		return OutcomeTransient, 0, err
	}
	defer resp.Body.Close()

	outcome := Classify(resp.StatusCode)
	if outcome == OutcomeSent {
		return outcome, 0, nil
	}
	return outcome, retryAfter(resp), fmt.Errorf("push service responded %d", resp.StatusCode)
}

// backoff doubles the base delay per attempt. A Retry-After hint wins when
// larger; both are capped at MaxBackoff.
func (d *Dispatcher) backoff(attempt int, hint time.Duration) time.Duration {
	delay := d.cfg.Backoff << attempt
	if delay <= 0 || delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	if hint > delay {
		delay = min(hint, d.cfg.MaxBackoff)
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
