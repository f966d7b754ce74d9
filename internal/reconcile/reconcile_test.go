package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tillworks/tillsync/internal/dispatch"
	"github.com/tillworks/tillsync/internal/feed"
)

type fakeMirror struct {
	mu        sync.Mutex
	watermark int64
	seen      map[string]bool
	applied   []feed.Change
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{seen: map[string]bool{}}
}

func (m *fakeMirror) ApplyRemote(ctx context.Context, change feed.Change) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = change.Seq
	if m.seen[change.OpID] {
		return false, nil
	}
	m.seen[change.OpID] = true
	m.applied = append(m.applied, change)
	return true, nil
}

func (m *fakeMirror) Watermark(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, nil
}

func (m *fakeMirror) appliedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

// feedBackend serves the catch-up endpoint from a fixed backlog and pushes
// live changes to websocket subscribers.
type feedBackend struct {
	mu      sync.Mutex
	backlog []feed.Change
	liveCh  chan feed.Change
}

func newFeedBackend(backlog []feed.Change) *feedBackend {
	return &feedBackend{backlog: backlog, liveCh: make(chan feed.Change, 16)}
}

func (b *feedBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sync/changes", func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 200
		}
		b.mu.Lock()
		var page []feed.Change
		hasMore := false
		for _, c := range b.backlog {
			if c.Seq <= since {
				continue
			}
			if len(page) == limit {
				hasMore = true
				break
			}
			page = append(page, c)
		}
		watermark := since
		if len(page) > 0 {
			watermark = page[len(page)-1].Seq
		}
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"changes": page, "watermark": watermark, "hasMore": hasMore,
		})
	})
	mux.HandleFunc("/v1/sync/feed", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		b.mu.Lock()
		ch := b.liveCh
		b.mu.Unlock()
		for change := range ch {
			if err := wsjson.Write(r.Context(), conn, change); err != nil {
				return
			}
		}
	})
	return mux
}

func change(seq int64, opID string) feed.Change {
	return feed.Change{
		Seq:        seq,
		OpID:       opID,
		DeviceID:   "till-2",
		EntityType: "item",
		EntityID:   fmt.Sprintf("item-%d", seq),
		Op:         "create",
		State:      map[string]any{"id": fmt.Sprintf("item-%d", seq), "version": float64(1)},
		AtMillis:   time.Now().UnixMilli(),
	}
}

func TestCatchUpPagesThroughBacklog(t *testing.T) {
	backlog := make([]feed.Change, 0, 7)
	for seq := int64(1); seq <= 7; seq++ {
		backlog = append(backlog, change(seq, fmt.Sprintf("op-%d", seq)))
	}
	backend := newFeedBackend(backlog)
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	mirror := newFakeMirror()
	r := New(dispatch.NewClient(srv.URL, "", nil), mirror, "till-7", Config{PageSize: 3})

	if err := r.CatchUp(context.Background()); err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if got := mirror.appliedCount(); got != 7 {
		t.Fatalf("applied %d changes, want 7", got)
	}
	if wm, _ := mirror.Watermark(context.Background()); wm != 7 {
		t.Fatalf("watermark = %d, want 7", wm)
	}
}

func TestCatchUpResumesFromWatermark(t *testing.T) {
	backlog := []feed.Change{change(1, "op-1"), change(2, "op-2"), change(3, "op-3")}
	backend := newFeedBackend(backlog)
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	mirror := newFakeMirror()
	mirror.watermark = 2
	r := New(dispatch.NewClient(srv.URL, "", nil), mirror, "till-7", Config{})

	if err := r.CatchUp(context.Background()); err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if got := mirror.appliedCount(); got != 1 {
		t.Fatalf("applied %d changes, want only the one past the watermark", got)
	}
}

func TestRunGoesLiveAndFoldsPushedChanges(t *testing.T) {
	backend := newFeedBackend([]feed.Change{change(1, "op-1")})
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	mirror := newFakeMirror()
	r := New(dispatch.NewClient(srv.URL, "", nil), mirror, "till-7", Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	waitFor(t, "live state", func() bool { return r.State() == StateLive })
	if got := mirror.appliedCount(); got != 1 {
		t.Fatalf("backlog not folded before going live: applied=%d", got)
	}

	backend.liveCh <- change(2, "op-2")
	waitFor(t, "pushed change", func() bool { return mirror.appliedCount() == 2 })

	cancel()
	<-done
	if r.State() != StateDisconnected {
		t.Fatalf("state after cancel = %v, want disconnected", r.State())
	}
}

func TestRunReconnectsAfterFeedDrop(t *testing.T) {
	backend := newFeedBackend(nil)
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	mirror := newFakeMirror()
	r := New(dispatch.NewClient(srv.URL, "", nil), mirror, "till-7", Config{
		ReconnectBase: time.Millisecond,
		ReconnectCap:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, "initial live", func() bool { return r.State() == StateLive })

	// drop all subscribers; changes made meanwhile land in the backlog
	backend.mu.Lock()
	backend.backlog = append(backend.backlog, change(1, "op-1"))
	oldLive := backend.liveCh
	backend.liveCh = make(chan feed.Change, 16)
	backend.mu.Unlock()
	close(oldLive)

	waitFor(t, "missed change recovered", func() bool { return mirror.appliedCount() == 1 })
	waitFor(t, "live again", func() bool { return r.State() == StateLive })
}

func TestDuplicateAcrossCatchUpSeamIsSkipped(t *testing.T) {
	backend := newFeedBackend([]feed.Change{change(1, "op-1")})
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	mirror := newFakeMirror()
	r := New(dispatch.NewClient(srv.URL, "", nil), mirror, "till-7", Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, "live", func() bool { return r.State() == StateLive })

	// same change pushed live after it was already caught up
	backend.liveCh <- change(1, "op-1")
	waitFor(t, "duplicate counted as skipped", func() bool { return r.Skipped() >= 1 })
	if got := mirror.appliedCount(); got != 1 {
		t.Fatalf("duplicate was applied twice: %d", got)
	}
}

func TestReconnectDelayGrowsAndCaps(t *testing.T) {
	base := 10 * time.Millisecond
	maxDelay := 80 * time.Millisecond
	for attempt := 1; attempt <= 8; attempt++ {
		d := reconnectDelay(attempt, base, maxDelay)
		if d < base || d > maxDelay {
			t.Fatalf("attempt=%d delay=%v out of [%v, %v]", attempt, d, base, maxDelay)
		}
	}
	if d := reconnectDelay(30, base, maxDelay); d != maxDelay {
		t.Fatalf("capped delay = %v, want %v", d, maxDelay)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
