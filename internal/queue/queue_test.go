package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/swarmlink/internal/otel"
)

// recorder captures deliveries so tests can assert on what was flushed.
type recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (r *recorder) deliver(d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *recorder) all() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []Delivery {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.all(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries, got %d", n, len(r.all()))
	return nil
}

func fastSettings(mode Mode, policy DropPolicy, cap int) Settings {
	return Settings{
		Mode:       mode,
		Debounce:   20 * time.Millisecond,
		Cap:        cap,
		DropPolicy: policy,
		MaxAge:     time.Minute,
	}
}

func TestEnqueue(t *testing.T) {
	t.Run("drop_new_rejects_at_cap", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		settings := fastSettings(ModeCollect, DropNew, 3)
		// Long debounce so the drain loop cannot shrink the queue mid-test.
		settings.Debounce = time.Minute
		rec := &recorder{}

		for i := 0; i < 3; i++ {
			if !r.Enqueue("peer-a", Item{Text: "msg"}, settings, rec.deliver) {
				t.Fatalf("item %d rejected below cap", i)
			}
		}
		if r.Enqueue("peer-a", Item{Text: "overflow"}, settings, rec.deliver) {
			t.Error("item accepted at cap under drop-new")
		}
		if got := r.Pending("peer-a"); got != 3 {
			t.Errorf("pending: got %d, want 3", got)
		}
		if got := r.Dropped("peer-a"); got != 1 {
			t.Errorf("dropped: got %d, want 1", got)
		}
	})

	t.Run("drop_old_evicts_oldest", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		settings := fastSettings(ModeCollect, DropOld, 2)
		settings.Debounce = time.Minute
		rec := &recorder{}

		r.Enqueue("peer-a", Item{Text: "first"}, settings, rec.deliver)
		r.Enqueue("peer-a", Item{Text: "second"}, settings, rec.deliver)
		if !r.Enqueue("peer-a", Item{Text: "third"}, settings, rec.deliver) {
			t.Fatal("incoming item rejected under drop-old")
		}
		if got := r.Pending("peer-a"); got != 2 {
			t.Errorf("pending: got %d, want 2", got)
		}
	})

	t.Run("summarize_digest_reaches_recipient", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		settings := fastSettings(ModeCollect, Summarize, 2)
		rec := &recorder{}

		r.Enqueue("peer-a", Item{Text: "first", Summary: "build finished"}, settings, rec.deliver)
		r.Enqueue("peer-a", Item{Text: "second"}, settings, rec.deliver)
		r.Enqueue("peer-a", Item{Text: "third"}, settings, rec.deliver)

		got := rec.waitFor(t, 1)
		if !strings.Contains(got[0].Text, "dropped under load") {
			t.Errorf("delivered text missing drop digest: %q", got[0].Text)
		}
		if !strings.Contains(got[0].Text, "build finished") {
			t.Errorf("digest missing evicted item summary: %q", got[0].Text)
		}
	})
}

func TestDrain(t *testing.T) {
	t.Run("collect_merges_into_numbered_batch", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		settings := fastSettings(ModeCollect, DropNew, 10)
		rec := &recorder{}

		r.Enqueue("peer-a", Item{Text: "alpha", Origin: "chan-1"}, settings, rec.deliver)
		r.Enqueue("peer-a", Item{Text: "beta", Origin: "chan-1"}, settings, rec.deliver)

		got := rec.waitFor(t, 1)
		if got[0].Items != 2 {
			t.Fatalf("items merged: got %d, want 2", got[0].Items)
		}
		if !strings.Contains(got[0].Text, "1. alpha") || !strings.Contains(got[0].Text, "2. beta") {
			t.Errorf("batch not numbered: %q", got[0].Text)
		}
		if !strings.Contains(got[0].Text, batchDelimiter) {
			t.Errorf("batch not delimited: %q", got[0].Text)
		}
	})

	t.Run("mixed_origins_never_merged", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		settings := fastSettings(ModeCollect, DropNew, 10)
		rec := &recorder{}

		r.Enqueue("peer-a", Item{Text: "from one", Origin: "chan-1"}, settings, rec.deliver)
		r.Enqueue("peer-a", Item{Text: "from two", Origin: "chan-2"}, settings, rec.deliver)

		got := rec.waitFor(t, 2)
		for _, d := range got {
			if d.Items > 1 {
				t.Errorf("cross-origin items merged into one delivery: %q", d.Text)
			}
		}
		if got[0].Origin == got[1].Origin {
			t.Errorf("expected distinct origins, both %q", got[0].Origin)
		}
	})

	t.Run("individual_delivers_oldest_first", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		settings := fastSettings(ModeIndividual, DropNew, 10)
		rec := &recorder{}

		r.Enqueue("peer-a", Item{Text: "one"}, settings, rec.deliver)
		r.Enqueue("peer-a", Item{Text: "two"}, settings, rec.deliver)

		got := rec.waitFor(t, 2)
		if got[0].Text != "one" || got[1].Text != "two" {
			t.Errorf("delivery order: got %q then %q", got[0].Text, got[1].Text)
		}
	})

	t.Run("state_discarded_after_drain", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		settings := fastSettings(ModeCollect, DropNew, 10)
		rec := &recorder{}

		r.Enqueue("peer-a", Item{Text: "only"}, settings, rec.deliver)
		rec.waitFor(t, 1)

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			r.mu.Lock()
			_, exists := r.keys["peer-a"]
			r.mu.Unlock()
			if !exists {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Error("per-key state not discarded after drain")
	})
}

func TestMaxAge(t *testing.T) {
	t.Run("stale_item_never_delivered", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		settings := fastSettings(ModeIndividual, DropNew, 10)
		settings.MaxAge = 50 * time.Millisecond
		settings.Debounce = 100 * time.Millisecond
		rec := &recorder{}

		r.Enqueue("peer-a", Item{
			Text:       "stale",
			EnqueuedAt: time.Now().Add(-time.Minute),
		}, settings, rec.deliver)
		r.Enqueue("peer-a", Item{Text: "fresh"}, settings, rec.deliver)

		got := rec.waitFor(t, 1)
		for _, d := range got {
			if strings.Contains(d.Text, "stale") {
				t.Errorf("stale item delivered: %q", d.Text)
			}
		}
	})

	t.Run("high_priority_bypasses_max_age", func(t *testing.T) {
		r := NewRegistry(nil, nil)
		settings := fastSettings(ModeIndividual, DropNew, 10)
		settings.MaxAge = 50 * time.Millisecond
		rec := &recorder{}

		r.Enqueue("peer-a", Item{
			Text:         "old but urgent",
			HighPriority: true,
			EnqueuedAt:   time.Now().Add(-time.Minute),
		}, settings, rec.deliver)

		got := rec.waitFor(t, 1)
		if got[0].Text != "old but urgent" {
			t.Errorf("high priority item not delivered: %q", got[0].Text)
		}
	})
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m, err := otel.NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sumOf := func(t *testing.T, name string) int64 {
		t.Helper()
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("collect: %v", err)
		}
		for _, sm := range rm.ScopeMetrics {
			for _, metric := range sm.Metrics {
				if metric.Name != name {
					continue
				}
				switch data := metric.Data.(type) {
				case metricdata.Sum[int64]:
					var total int64
					for _, dp := range data.DataPoints {
						total += dp.Value
					}
					return total
				case metricdata.Histogram[int64]:
					var count int64
					for _, dp := range data.DataPoints {
						count += int64(dp.Count)
					}
					return count
				}
			}
		}
		return 0
	}

	t.Run("cap_drop_recorded", func(t *testing.T) {
		r := NewRegistry(nil, m)
		settings := fastSettings(ModeCollect, DropNew, 2)
		settings.Debounce = time.Minute
		rec := &recorder{}

		for i := 0; i < 3; i++ {
			r.Enqueue("peer-a", Item{Text: "msg"}, settings, rec.deliver)
		}
		if got := sumOf(t, "swarmlink.queue.drops"); got != 1 {
			t.Errorf("queue.drops: got %d, want 1", got)
		}
	})

	t.Run("batch_size_recorded_on_delivery", func(t *testing.T) {
		r := NewRegistry(nil, m)
		settings := fastSettings(ModeCollect, DropNew, 10)
		rec := &recorder{}

		r.Enqueue("peer-b", Item{Text: "one", Origin: "chan-1"}, settings, rec.deliver)
		r.Enqueue("peer-b", Item{Text: "two", Origin: "chan-1"}, settings, rec.deliver)
		rec.waitFor(t, 1)

		if got := sumOf(t, "swarmlink.queue.batch_size"); got != 1 {
			t.Errorf("queue.batch_size recordings: got %d, want 1", got)
		}
	})
}

func TestKeyIsolation(t *testing.T) {
	r := NewRegistry(nil, nil)
	settings := fastSettings(ModeCollect, DropNew, 10)
	recA := &recorder{}
	recB := &recorder{}

	r.Enqueue("peer-a", Item{Text: "for a"}, settings, recA.deliver)
	r.Enqueue("peer-b", Item{Text: "for b"}, settings, recB.deliver)

	gotA := recA.waitFor(t, 1)
	gotB := recB.waitFor(t, 1)
	if !strings.Contains(gotA[0].Text, "for a") || !strings.Contains(gotB[0].Text, "for b") {
		t.Error("deliveries crossed keys")
	}
}
