package connectivity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tillworks/tillsync/internal/envelope"
	"github.com/tillworks/tillsync/internal/outbox"
)

type fakeProber struct {
	up atomic.Bool
}

func (p *fakeProber) Health(ctx context.Context) bool {
	return p.up.Load()
}

func TestProbePublishesTransitions(t *testing.T) {
	prober := &fakeProber{}
	m := New(prober, outbox.NewMemoryStore(), Config{})

	ch, cancel := m.Subscribe()
	defer cancel()

	// offline probe with no prior state: no transition
	if m.Probe(context.Background()) {
		t.Fatalf("probe reported online while backend down")
	}
	select {
	case v := <-ch:
		t.Fatalf("unexpected transition %v", v)
	default:
	}

	prober.up.Store(true)
	if !m.Probe(context.Background()) {
		t.Fatalf("probe reported offline while backend up")
	}
	select {
	case v := <-ch:
		if !v {
			t.Fatalf("transition = %v, want online", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("no online transition delivered")
	}
	if !m.Online() {
		t.Fatalf("Online() = false after successful probe")
	}

	prober.up.Store(false)
	m.Probe(context.Background())
	select {
	case v := <-ch:
		if v {
			t.Fatalf("transition = %v, want offline", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("no offline transition delivered")
	}
}

func TestRepeatProbesDoNotRepublish(t *testing.T) {
	prober := &fakeProber{}
	prober.up.Store(true)
	m := New(prober, outbox.NewMemoryStore(), Config{})

	ch, cancel := m.Subscribe()
	defer cancel()

	m.Probe(context.Background())
	<-ch
	m.Probe(context.Background())
	m.Probe(context.Background())
	select {
	case v := <-ch:
		t.Fatalf("steady state republished transition %v", v)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := New(&fakeProber{}, outbox.NewMemoryStore(), Config{})
	ch, cancel := m.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	cancel() // second cancel is a no-op
}

func TestStatusReportsOutboxPressure(t *testing.T) {
	store := outbox.NewMemoryStore()
	defer store.Close()
	prober := &fakeProber{}
	prober.up.Store(true)
	m := New(prober, store, Config{StallAfter: time.Nanosecond})
	m.Probe(context.Background())

	env := envelope.Envelope{
		APIVersion:   1,
		DeviceID:     "till-7",
		OpID:         "op-1",
		SentAtMillis: time.Now().UnixMilli(),
		EntityType:   envelope.EntityItem,
		Op:           envelope.OpCreate,
		Body:         map[string]any{"name": "Beans", "priceCents": float64(100)},
	}
	if _, err := store.Enqueue(context.Background(), env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(time.Millisecond)

	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Online || status.Pending != 1 {
		t.Fatalf("status = %+v", status)
	}
	if !status.Stalled || status.OldestAge <= 0 {
		t.Fatalf("stall not detected: %+v", status)
	}
}

func TestStatusEmptyOutboxIsNotStalled(t *testing.T) {
	m := New(&fakeProber{}, outbox.NewMemoryStore(), Config{StallAfter: time.Nanosecond})
	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Stalled || status.Pending != 0 {
		t.Fatalf("status = %+v", status)
	}
}
