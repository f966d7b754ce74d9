// Package reconcile keeps a device's local mirror converged with canonical
// state. It holds a websocket subscription to the change feed for live
// updates and pages through the HTTP catch-up endpoint to cover gaps after
// downtime or dropped buffers. Every change folds in through the local
// store's version checks, so replays and out-of-order pages converge instead
// of corrupting.
package reconcile

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tillworks/tillsync/internal/dispatch"
	"github.com/tillworks/tillsync/internal/feed"
)

// State is the reconciler's connection phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateLive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Logger is the narrow logging surface the reconciler needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Mirror is the local-store surface the reconciler folds changes into.
type Mirror interface {
	ApplyRemote(ctx context.Context, change feed.Change) (bool, error)
	Watermark(ctx context.Context) (int64, error)
}

// FeedSource provides catch-up pages and the live feed endpoint.
// *dispatch.Client satisfies it.
type FeedSource interface {
	Changes(ctx context.Context, since int64, limit int) (dispatch.ChangesPage, error)
	FeedURL(deviceID string, since int64) string
}

// Config tunes reconciler behavior. Zero values get defaults.
type Config struct {
	PageSize      int           // catch-up page size, default 200
	ReconnectBase time.Duration // first reconnect delay, default 1s
	ReconnectCap  time.Duration // max reconnect delay, default 30s
	Logger        Logger
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
}

type Reconciler struct {
	source   FeedSource
	mirror   Mirror
	deviceID string
	cfg      Config

	state   atomic.Int32
	applied atomic.Int64
	skipped atomic.Int64
}

func New(source FeedSource, mirror Mirror, deviceID string, cfg Config) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{source: source, mirror: mirror, deviceID: deviceID, cfg: cfg}
}

// State reports the current connection phase.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// Applied reports how many remote changes have been folded into the mirror.
func (r *Reconciler) Applied() int64 {
	return r.applied.Load()
}

// Skipped reports how many feed changes were self-echoes or stale.
func (r *Reconciler) Skipped() int64 {
	return r.skipped.Load()
}

func (r *Reconciler) setState(s State) {
	r.state.Store(int32(s))
}

// Run drives the reconcile loop until ctx is cancelled: catch up over HTTP,
// go live over the websocket, and on any disconnect catch up again before
// resubscribing. The catch-up-then-subscribe order means a change can arrive
// twice across the seam; the mirror's ledger and version checks absorb that.
func (r *Reconciler) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			r.setState(StateDisconnected)
			return ctx.Err()
		}
		if attempt == 0 {
			r.setState(StateConnecting)
		} else {
			r.setState(StateReconnecting)
			delay := reconnectDelay(attempt, r.cfg.ReconnectBase, r.cfg.ReconnectCap)
			r.cfg.Logger.Printf("reconcile: retrying in %v (attempt %d)", delay, attempt)
			if err := sleepContext(ctx, delay); err != nil {
				r.setState(StateDisconnected)
				return err
			}
		}

		if err := r.CatchUp(ctx); err != nil {
			if ctx.Err() != nil {
				r.setState(StateDisconnected)
				return ctx.Err()
			}
			r.cfg.Logger.Printf("reconcile: catch-up failed: %v", err)
			attempt++
			continue
		}

		connected, err := r.live(ctx)
		if ctx.Err() != nil {
			r.setState(StateDisconnected)
			return ctx.Err()
		}
		r.cfg.Logger.Printf("reconcile: feed dropped: %v", err)
		if connected {
			attempt = 1
		} else {
			attempt++
		}
	}
}

// CatchUp pages through all changes after the stored watermark.
func (r *Reconciler) CatchUp(ctx context.Context) error {
	for {
		since, err := r.mirror.Watermark(ctx)
		if err != nil {
			return err
		}
		page, err := r.source.Changes(ctx, since, r.cfg.PageSize)
		if err != nil {
			return err
		}
		for _, change := range page.Changes {
			if err := r.fold(ctx, change); err != nil {
				return err
			}
		}
		if !page.HasMore {
			return nil
		}
	}
}

// live subscribes to the feed and folds pushed changes until the connection
// drops. The returned bool reports whether the subscription was established.
func (r *Reconciler) live(ctx context.Context) (bool, error) {
	since, err := r.mirror.Watermark(ctx)
	if err != nil {
		return false, err
	}
	conn, _, err := websocket.Dial(ctx, r.source.FeedURL(r.deviceID, since), nil)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	r.setState(StateLive)
	r.cfg.Logger.Printf("reconcile: live from seq %d", since)
	for {
		var change feed.Change
		if err := wsjson.Read(ctx, conn, &change); err != nil {
			return true, err
		}
		if err := r.fold(ctx, change); err != nil {
			return true, err
		}
	}
}

func (r *Reconciler) fold(ctx context.Context, change feed.Change) error {
	applied, err := r.mirror.ApplyRemote(ctx, change)
	if err != nil {
		return err
	}
	if applied {
		r.applied.Add(1)
	} else {
		r.skipped.Add(1)
	}
	return nil
}

func reconnectDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
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

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
