package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/versia"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SigningKeys hands out the private key of a local signer.
type SigningKeys interface {
	SigningKey(ctx context.Context, actorURI string) (ed25519.PrivateKey, error)
}

type DeliveryConfig struct {
	Concurrency    int
	MaxAttempts    int
	Backoff        Backoff
	AttemptTimeout time.Duration
	PollInterval   time.Duration
	BatchSize      int
}

func (c *DeliveryConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = DefaultBackoff()
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
}

// DeliveryWorker drains the delivery queue with a bounded pool of senders.
type DeliveryWorker struct {
	cfg     DeliveryConfig
	store   domain.JobStore
	keys    SigningKeys
	client  *http.Client
	clock   clock.Clock
	log     *zap.Logger
	metrics *Metrics
	wake    chan struct{}
}

type DeliveryDeps struct {
	Client  *http.Client
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

func NewDeliveryWorker(cfg DeliveryConfig, store domain.JobStore, keys SigningKeys, deps DeliveryDeps) *DeliveryWorker {
	cfg.defaults()
	if deps.Client == nil {
		deps.Client = &http.Client{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &DeliveryWorker{
		cfg:     cfg,
		store:   store,
		keys:    keys,
		client:  deps.Client,
		clock:   deps.Clock,
		log:     deps.Logger,
		metrics: deps.Metrics,
		wake:    make(chan struct{}, 1),
	}
}

// Wake makes the dispatcher poll for due jobs now instead of at the next tick.
func (w *DeliveryWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run requeues jobs left in flight by a previous process and delivers until ctx is done.
// Jobs interrupted by cancellation go back to pending with their attempt count unchanged.
func (w *DeliveryWorker) Run(ctx context.Context) error {
	n, err := w.store.RequeueInFlight(ctx, w.clock.Now())
	if err != nil {
		return fmt.Errorf("requeue in-flight jobs: %w", err)
	}
	if n > 0 {
		w.log.Info("delivery: requeued interrupted jobs", zap.Int("jobs", n))
	}

	jobs := make(chan *domain.DeliveryJob)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for job := range jobs {
				w.process(gctx, job)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		return w.dispatch(gctx, jobs)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (w *DeliveryWorker) dispatch(ctx context.Context, jobs chan<- *domain.DeliveryJob) error {
	ticker := w.clock.Ticker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		claimed, err := w.store.ClaimDueJobs(ctx, w.clock.Now(), w.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("delivery: claim failed", zap.Error(err))
		}
		for i, job := range claimed {
			select {
			case jobs <- job:
			case <-ctx.Done():
				w.release(ctx, claimed[i:])
				return ctx.Err()
			}
		}
		if len(claimed) == w.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

func (w *DeliveryWorker) release(ctx context.Context, jobs []*domain.DeliveryJob) {
	ctx = context.WithoutCancel(ctx)
	for _, job := range jobs {
		if err := w.store.ReleaseJob(ctx, job.Id, w.clock.Now()); err != nil {
			w.log.Error("delivery: release failed", zap.Stringer("job", job.Id), zap.Error(err))
		}
	}
}

// process makes one attempt at job and records the outcome.
func (w *DeliveryWorker) process(ctx context.Context, job *domain.DeliveryJob) {
	attempt := job.AttemptCount + 1
	log := w.log.With(
		zap.Stringer("job", job.Id),
		zap.String("entity_uri", job.EntityURI),
		zap.String("inbox", job.TargetInboxURI),
		zap.Int("attempt", attempt),
	)

	err := w.attempt(ctx, job)

	// Bookkeeping must finish even while shutting down.
	store := context.WithoutCancel(ctx)
	now := w.clock.Now()
	switch {
	case err == nil:
		w.metrics.deliveryOutcome("delivered")
		if err := w.store.MarkDelivered(store, job.Id, attempt, now); err != nil {
			log.Error("delivery: mark delivered failed", zap.Error(err))
		}
		log.Debug("delivery: delivered")

	case ctx.Err() != nil:
		w.metrics.deliveryOutcome("released")
		if err := w.store.ReleaseJob(store, job.Id, now); err != nil {
			log.Error("delivery: release failed", zap.Error(err))
		}

	case attempt >= w.cfg.MaxAttempts:
		w.metrics.deliveryOutcome("failed")
		exhausted := &DeliveryExhausted{EntityURI: job.EntityURI, Inbox: job.TargetInboxURI, Attempts: attempt, Err: err}
		if err := w.store.MarkFailed(store, job.Id, attempt, exhausted.Error(), now); err != nil {
			log.Error("delivery: mark failed failed", zap.Error(err))
		}
		log.Error("delivery: dead-lettered", zap.Error(exhausted))

	default:
		w.metrics.deliveryOutcome("retry")
		next := now.Add(w.cfg.Backoff.Delay(attempt))
		if err := w.store.ScheduleRetry(store, job.Id, attempt, next, err.Error(), now); err != nil {
			log.Error("delivery: schedule retry failed", zap.Error(err))
		}
		log.Warn("delivery: attempt failed", zap.Time("next_attempt_at", next), zap.Error(err))
	}
}

func (w *DeliveryWorker) attempt(ctx context.Context, job *domain.DeliveryJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during delivery: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	defer cancel()

	key, err := w.keys.SigningKey(ctx, job.SigningActor)
	if err != nil {
		return err
	}

	body := []byte(job.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetInboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", versia.ContentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent())
	if err := Sign(key, job.SigningActor, req, body, w.clock.Now()); err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("inbox returned status %d", resp.StatusCode)
	}
	return nil
}
