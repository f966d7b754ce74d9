package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/tillworks/tillsync/internal/envelope"
	"github.com/tillworks/tillsync/internal/outbox"
)

// Logger is the narrow logging surface the dispatcher needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// BatchApplier submits a batch of envelopes to the backend.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, envs []envelope.Envelope) ([]envelope.ApplyResult, error)
}

// Config tunes dispatcher behavior. Zero values get defaults.
type Config struct {
	MaxBatch    int           // max envelopes per flush, default 50
	Interval    time.Duration // idle flush interval, default 5s
	BackoffBase time.Duration // first retry delay, default 1s
	BackoffCap  time.Duration // max retry delay, default 5m
	Logger      Logger
}

func (c *Config) applyDefaults() {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 50
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
}

// FlushReport summarizes one drain of the outbox.
type FlushReport struct {
	Reserved int
	Acked    int
	Replayed int
	Requeued int
	Failed   int
	Err      error
}

// Dispatcher drains the outbox to the backend in the background. It flushes
// on a fixed interval, on offline-to-online transitions, and on explicit
// Flush requests. Per-op outcomes map onto outbox state: ok acks (replays
// included), retryable requeues with exponential backoff, everything else is
// failed permanently. A wholesale transport failure releases the batch and
// cools down before the next attempt.
type Dispatcher struct {
	store  outbox.Store
	client BatchApplier
	cfg    Config

	flushCh  chan chan FlushReport
	onlineCh chan bool

	online       bool
	failStreak   int
	coolingUntil time.Time
}

func New(store outbox.Store, client BatchApplier, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		store:    store,
		client:   client,
		cfg:      cfg,
		flushCh:  make(chan chan FlushReport),
		onlineCh: make(chan bool, 8),
		online:   true,
	}
}

// SetOnline feeds connectivity transitions into the run loop. An
// offline-to-online transition triggers an immediate flush; while offline the
// interval ticks are skipped.
func (d *Dispatcher) SetOnline(online bool) {
	select {
	case d.onlineCh <- online:
	default:
	}
}

// Flush requests a drain and waits for its report.
func (d *Dispatcher) Flush(ctx context.Context) (FlushReport, error) {
	respCh := make(chan FlushReport, 1)
	select {
	case d.flushCh <- respCh:
	case <-ctx.Done():
		return FlushReport{}, ctx.Err()
	}
	select {
	case report := <-respCh:
		return report, nil
	case <-ctx.Done():
		return FlushReport{}, ctx.Err()
	}
}

// Run drives the dispatcher until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-d.onlineCh:
			wasOnline := d.online
			d.online = online
			if online && !wasOnline {
				d.cfg.Logger.Printf("dispatch: back online, flushing outbox")
				d.coolingUntil = time.Time{}
				d.drain(ctx)
			}
		case <-ticker.C:
			if d.online {
				d.drain(ctx)
			}
		case respCh := <-d.flushCh:
			d.coolingUntil = time.Time{}
			respCh <- d.drain(ctx)
		}
	}
}

// drain flushes repeatedly until the outbox has nothing ready or a wholesale
// failure stops the pass.
func (d *Dispatcher) drain(ctx context.Context) FlushReport {
	var total FlushReport
	if now := time.Now(); now.Before(d.coolingUntil) {
		return total
	}
	for {
		report := d.FlushOnce(ctx)
		total.Reserved += report.Reserved
		total.Acked += report.Acked
		total.Replayed += report.Replayed
		total.Requeued += report.Requeued
		total.Failed += report.Failed
		if report.Err != nil {
			total.Err = report.Err
			d.failStreak++
			d.coolingUntil = time.Now().Add(backoffDelay(d.failStreak, d.cfg.BackoffBase, d.cfg.BackoffCap))
			d.cfg.Logger.Printf("dispatch: flush failed (streak %d): %v", d.failStreak, report.Err)
			return total
		}
		d.failStreak = 0
		if report.Reserved == 0 {
			return total
		}
	}
}

// FlushOnce reserves up to MaxBatch entries, submits them as one batch, and
// settles each entry from its result.
func (d *Dispatcher) FlushOnce(ctx context.Context) FlushReport {
	var report FlushReport
	entries, err := d.store.Reserve(ctx, d.cfg.MaxBatch, time.Now())
	if err != nil {
		report.Err = err
		return report
	}
	report.Reserved = len(entries)
	if len(entries) == 0 {
		return report
	}

	envs := make([]envelope.Envelope, len(entries))
	for i, entry := range entries {
		envs[i] = entry.Envelope
	}

	results, err := d.client.ApplyBatch(ctx, envs)
	if err != nil {
		d.releaseAll(entries)
		report.Err = err
		return report
	}

	var acked []string
	for i, res := range results {
		entry := entries[i]
		switch {
		case res.OK:
			acked = append(acked, entry.Envelope.OpID)
			report.Acked++
			if res.Replay {
				report.Replayed++
			}
		case res.Retryable:
			next := time.Now().Add(backoffDelay(entry.Attempts, d.cfg.BackoffBase, d.cfg.BackoffCap))
			if reqErr := d.store.Requeue(context.Background(), entry.Envelope.OpID, next, res.Message); reqErr != nil {
				d.cfg.Logger.Printf("dispatch: requeue %s: %v", entry.Envelope.OpID, reqErr)
			}
			report.Requeued++
		default:
			if failErr := d.store.MarkFailed(context.Background(), entry.Envelope.OpID, res.Message); failErr != nil {
				d.cfg.Logger.Printf("dispatch: mark failed %s: %v", entry.Envelope.OpID, failErr)
			}
			report.Failed++
			d.cfg.Logger.Printf("dispatch: op %s rejected permanently: %s", entry.Envelope.OpID, res.Message)
		}
	}
	if len(acked) > 0 {
		if ackErr := d.store.MarkAcked(context.Background(), acked); ackErr != nil {
			d.cfg.Logger.Printf("dispatch: ack %d ops: %v", len(acked), ackErr)
		}
	}
	return report
}

func (d *Dispatcher) releaseAll(entries []outbox.Entry) {
	opIDs := make([]string, len(entries))
	for i, entry := range entries {
		opIDs[i] = entry.Envelope.OpID
	}
	if err := d.store.Release(context.Background(), opIDs); err != nil {
		d.cfg.Logger.Printf("dispatch: release %d ops: %v", len(opIDs), err)
	}
}

// backoffDelay grows exponentially with the attempt count, jittered by up to
// 25%, capped.
func backoffDelay(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
