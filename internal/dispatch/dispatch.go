// Package dispatch drains the durable delivery queue: pending events are
// claimed in next-retry order, posted to their subscription endpoint with
// an HMAC signature, and settled as delivered, retried or dead-lettered.
//
// The queue lives in the store, so a crash between enqueue and delivery
// loses nothing: the next run claims the same events again.
package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"xnotifyd/internal/eventbus"
	"xnotifyd/internal/platform"
	"xnotifyd/internal/store"
	"xnotifyd/pkg/logx"
)

const signatureHeader = "X-Notify-Signature"

// permanentError marks a delivery failure that retrying cannot fix; the
// event dead-letters on the spot regardless of remaining attempts.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// NoRetry wraps err so the dispatcher dead-letters without retrying.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Config tunes the delivery pipeline.
type Config struct {
	Workers       int           // concurrent deliveries, default 4
	QueueSize     int           // max events claimed per sweep, default 1024
	MaxAttempts   int           // attempts before dead-lettering, default 5
	RetryBase     time.Duration // first retry delay, default 1s
	RetryMaxDelay time.Duration // backoff cap, default 5m
	Timeout       time.Duration // per delivery attempt, default 15s
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
}

// Service drives delivery workers off the stored event queue.
type Service struct {
	cfg    Config
	store  *store.Store
	client *http.Client
	bus    eventbus.Bus
	log    logx.Logger

	wake chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}

	now func() time.Time
}

func New(cfg Config, st *store.Store, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:      cfg,
		store:    st,
		client:   &http.Client{Timeout: cfg.Timeout},
		bus:      bus,
		log:      log.With(logx.String("component", "dispatch")),
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}
}

// Wake nudges the sweep loop; safe from any goroutine, never blocks.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run sweeps the queue until ctx is cancelled, then waits for in-flight
// deliveries to settle.
func (s *Service) Run(ctx context.Context) error {
	jobs := make(chan store.Event)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range jobs {
				s.process(ctx, ev)
			}
		}()
	}

	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	for {
		due, err := s.store.DueEvents(ctx, s.now(), s.cfg.QueueSize)
		if err != nil && ctx.Err() == nil {
			s.log.Error("sweep queue", logx.Err(err))
		}
		for _, ev := range due {
			if !s.claim(ev.ID) {
				continue
			}
			select {
			case jobs <- ev:
			case <-ctx.Done():
				s.release(ev.ID)
				close(jobs)
				wg.Wait()
				return ctx.Err()
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Second)

		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// process runs one delivery attempt for a claimed event and settles it.
func (s *Service) process(ctx context.Context, ev store.Event) {
	defer s.release(ev.ID)

	attempt := ev.Attempts + 1
	log := s.log.With(logx.String("event", ev.ID), logx.Int("attempt", attempt))

	sub, err := s.store.GetSubscription(ctx, ev.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		// Endpoint unregistered while the event was queued.
		if err := s.store.MarkFailed(ctx, ev.ID, attempt, "subscription removed"); err != nil {
			log.Error("settle orphaned event", logx.Err(err))
		}
		return
	}
	if err != nil {
		log.Error("load subscription", logx.Err(err))
		return
	}

	deliverErr := s.deliver(ctx, sub, ev.Payload)
	if deliverErr == nil {
		if err := s.store.MarkDelivered(ctx, ev.ID, attempt); err != nil {
			log.Error("mark delivered", logx.Err(err))
			return
		}
		s.bus.Publish(eventbus.Event{Type: "delivery.delivered", Time: s.now(), Data: ev.ID})
		log.Debug("delivered", logx.String("endpoint", sub.Endpoint))
		return
	}

	if ctx.Err() != nil {
		// Shutdown mid-attempt: leave the event pending for the next run.
		return
	}

	var perm *permanentError
	if errors.As(deliverErr, &perm) || attempt >= s.cfg.MaxAttempts {
		if err := s.store.MarkFailed(ctx, ev.ID, attempt, deliverErr.Error()); err != nil {
			log.Error("mark failed", logx.Err(err))
			return
		}
		s.bus.Publish(eventbus.Event{Type: "delivery.failed", Time: s.now(), Data: ev.ID})
		log.Warn("dead-lettered", logx.String("endpoint", sub.Endpoint), logx.Err(deliverErr))
		return
	}

	delay := s.retryDelay(attempt, deliverErr)
	if err := s.store.MarkRetry(ctx, ev.ID, attempt, s.now().Add(delay), deliverErr.Error()); err != nil {
		log.Error("mark retry", logx.Err(err))
		return
	}
	log.Debug("retry scheduled", logx.Duration("delay", delay), logx.Err(deliverErr))
}

// retryDelay doubles from RetryBase per prior attempt, capped at
// RetryMaxDelay. An explicit Retry-After hint wins over the computed
// backoff when it is longer.
func (s *Service) retryDelay(attempt int, err error) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.RetryMaxDelay {
			d = s.cfg.RetryMaxDelay
			break
		}
	}
	var ra *platform.RateLimitError
	if errors.As(err, &ra) && ra.RetryAfter() > d {
		d = ra.RetryAfter()
	}
	if d > s.cfg.RetryMaxDelay {
		d = s.cfg.RetryMaxDelay
	}
	return d
}

// deliver posts the payload to the subscription endpoint. Any non-2xx
// status is a failed attempt.
func (s *Service) deliver(ctx context.Context, sub store.Subscription, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, Sign(sub.Secret, payload))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &platform.RateLimitError{RetryAfterHint: parseRetryAfterHeader(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The push endpoint no longer exists; retrying cannot help.
		return NoRetry(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under the subscription secret.
// Receivers verify it before trusting the payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func parseRetryAfterHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
