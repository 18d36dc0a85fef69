// Package queue coalesces outbound peer notifications. Items accumulate per
// coordination key, wait out a debounce window, and are then delivered either
// one at a time or merged into a single batch. Under load the cap and drop
// policy decide what gives; dropped items can be summarized so the eventual
// recipient still learns something was lost.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/swarmlink/internal/otel"
)

// Mode selects how a drained batch is delivered.
type Mode string

const (
	// ModeIndividual delivers queued items one at a time, oldest first.
	ModeIndividual Mode = "individual"

	// ModeCollect merges all queued items into one rendered message.
	ModeCollect Mode = "collect"
)

// DropPolicy decides what happens when the queue is at cap.
type DropPolicy string

const (
	// DropNew rejects the incoming item.
	DropNew DropPolicy = "drop-new"

	// DropOld evicts the oldest queued item to make room.
	DropOld DropPolicy = "drop-old"

	// Summarize evicts the oldest item while keeping a one-line digest of it,
	// surfaced with the next delivery so nothing vanishes silently.
	Summarize DropPolicy = "summarize"
)

const (
	defaultDebounce = 2 * time.Second
	defaultCap      = 20
	defaultMaxAge   = 10 * time.Minute
)

// Item is one queued notification. Text is opaque to the queue.
type Item struct {
	Text         string
	Summary      string // short line used in drop digests; falls back to Text
	Origin       string // delivery-origin descriptor, for cross-channel detection
	HighPriority bool   // exempt from age-based dropping
	EnqueuedAt   time.Time
}

// Settings are per-key queue tunables, supplied on every enqueue so live
// config changes take effect without draining first.
type Settings struct {
	Mode       Mode
	Debounce   time.Duration
	Cap        int
	DropPolicy DropPolicy
	MaxAge     time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Mode == "" {
		s.Mode = ModeIndividual
	}
	if s.Debounce <= 0 {
		s.Debounce = defaultDebounce
	}
	if s.Cap <= 0 {
		s.Cap = defaultCap
	}
	if s.DropPolicy == "" {
		s.DropPolicy = DropNew
	}
	if s.MaxAge <= 0 {
		s.MaxAge = defaultMaxAge
	}
	return s
}

// Delivery is what the queue hands to the caller-supplied delivery function.
type Delivery struct {
	Text   string
	Origin string
	Items  int // number of queued items merged into Text (0 for digest-only)
}

// DeliverFunc pushes one rendered notification toward a peer.
type DeliverFunc func(Delivery) error

// state is the per-key queue. Only the drain loop removes items.
type state struct {
	items        []Item
	settings     Settings
	deliver      DeliverFunc
	draining     bool
	droppedCount int
	summaryLines []string
}

// Registry owns all per-key queue state. Construct one per process and pass
// it by reference; tests get deterministic resets by building a fresh one.
type Registry struct {
	mu      sync.Mutex
	keys    map[string]*state
	logger  *slog.Logger
	metrics *otel.Metrics
}

// NewRegistry creates an empty queue registry. metrics may be nil, which
// disables drop and batch-size instrumentation.
func NewRegistry(logger *slog.Logger, metrics *otel.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		keys:    make(map[string]*state),
		logger:  logger,
		metrics: metrics,
	}
}

// Enqueue adds an item to the key's queue, applying the drop policy when the
// queue is at cap. It returns false when the incoming item itself was dropped.
// The drain loop is started (or nudged) regardless, so backlog always flushes.
func (r *Registry) Enqueue(key string, item Item, settings Settings, deliver DeliverFunc) bool {
	settings = settings.withDefaults()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	r.mu.Lock()
	st := r.keys[key]
	if st == nil {
		st = &state{}
		r.keys[key] = st
	}
	st.settings = settings
	st.deliver = deliver

	accepted := true
	dropped := false
	if len(st.items) >= settings.Cap {
		dropped = true
		switch settings.DropPolicy {
		case DropOld:
			st.items = st.items[1:]
		case Summarize:
			evicted := st.items[0]
			st.items = st.items[1:]
			st.droppedCount++
			st.summaryLines = append(st.summaryLines, summaryLine(evicted))
		default: // DropNew
			st.droppedCount++
			accepted = false
		}
	}
	if accepted {
		st.items = append(st.items, item)
	}

	start := !st.draining
	if start {
		st.draining = true
	}
	r.mu.Unlock()

	if dropped && r.metrics != nil {
		r.metrics.QueueDrops.Add(context.Background(), 1)
	}
	if start {
		go r.drainLoop(key)
	}
	return accepted
}

// Pending returns the current queue depth for key.
func (r *Registry) Pending(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.keys[key]; st != nil {
		return len(st.items)
	}
	return 0
}

// Dropped returns the not-yet-surfaced drop count for key.
func (r *Registry) Dropped(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.keys[key]; st != nil {
		return st.droppedCount
	}
	return 0
}

// drainLoop flushes one key until both the queue and the drop ledger are
// empty, then discards the key's state. Exactly one loop runs per key,
// guarded by the draining flag.
func (r *Registry) drainLoop(key string) {
	// Individual delivery sticks for the rest of a drain cycle once
	// cross-origin mixing has been seen.
	forceIndividual := false

	for {
		r.mu.Lock()
		st := r.keys[key]
		if st == nil {
			r.mu.Unlock()
			return
		}
		debounce := st.settings.Debounce
		r.mu.Unlock()

		time.Sleep(debounce)

		r.mu.Lock()
		st = r.keys[key]
		if st == nil {
			r.mu.Unlock()
			return
		}

		r.expireStaleLocked(key, st)

		if len(st.items) == 0 {
			// Surface any outstanding drop digest before shutting down.
			if st.droppedCount > 0 {
				delivery := Delivery{Text: renderDigestOnly(st.droppedCount, st.summaryLines)}
				deliver := st.deliver
				st.droppedCount = 0
				st.summaryLines = nil
				r.mu.Unlock()
				r.send(key, deliver, delivery)
				continue
			}
			st.draining = false
			delete(r.keys, key)
			r.mu.Unlock()
			return
		}

		mode := st.settings.Mode
		if mode == ModeCollect && !forceIndividual && mixedOrigins(st.items) {
			// Items from different origins must not be merged into one
			// message; fall back to one-at-a-time for this drain cycle.
			forceIndividual = true
		}

		var delivery Delivery
		var deliver DeliverFunc
		if mode == ModeCollect && !forceIndividual {
			delivery = Delivery{
				Text:   renderBatch(st.items, st.droppedCount, st.summaryLines),
				Origin: st.items[0].Origin,
				Items:  len(st.items),
			}
			deliver = st.deliver
			st.items = nil
			st.droppedCount = 0
			st.summaryLines = nil
		} else {
			head := st.items[0]
			st.items = st.items[1:]
			text := head.Text
			if st.droppedCount > 0 {
				text += "\n\n" + renderDigest(st.droppedCount, st.summaryLines)
				st.droppedCount = 0
				st.summaryLines = nil
			}
			delivery = Delivery{Text: text, Origin: head.Origin, Items: 1}
			deliver = st.deliver
		}
		r.mu.Unlock()

		r.send(key, deliver, delivery)
	}
}

// expireStaleLocked drops items older than maxAge unless marked high
// priority. Stale notifications are no longer relevant; they are skipped, not
// counted as policy drops.
func (r *Registry) expireStaleLocked(key string, st *state) {
	maxAge := st.settings.MaxAge
	now := time.Now()
	kept := st.items[:0]
	for _, item := range st.items {
		if !item.HighPriority && now.Sub(item.EnqueuedAt) > maxAge {
			r.logger.Debug("queue: skipping stale item", "key", key, "age", now.Sub(item.EnqueuedAt))
			continue
		}
		kept = append(kept, item)
	}
	st.items = kept
}

func (r *Registry) send(key string, deliver DeliverFunc, d Delivery) {
	if deliver == nil {
		return
	}
	if d.Items > 0 && r.metrics != nil {
		r.metrics.QueueBatchSize.Record(context.Background(), int64(d.Items))
	}
	if err := deliver(d); err != nil {
		r.logger.Warn("queue: delivery failed", "key", key, "items", d.Items, "error", err)
	}
}

func mixedOrigins(items []Item) bool {
	first := items[0].Origin
	for _, item := range items[1:] {
		if item.Origin != first {
			return true
		}
	}
	return false
}

func summaryLine(item Item) string {
	if item.Summary != "" {
		return item.Summary
	}
	line := item.Text
	if len(line) > 80 {
		line = line[:77] + "..."
	}
	return line
}
