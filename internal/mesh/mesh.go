// Package mesh — mesh.go
//
// The event mesh: declarative (source, event_type) -> target routing with
// priority, validator hooks, and per-subscriber backpressure. Bounded
// channel + drop-counter discipline is lifted directly from
// internal/kernel.Processor's ring-buffer-to-channel adapter in the
// teacher repo, generalized from one BPF source to many named
// subscribers.
package mesh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/event"
)

// Delivery selects how a subscription receives events.
type Delivery uint8

const (
	DeliveryQueue Delivery = iota // bounded, per-subscriber
	DeliveryStream                // best-effort fanout, observability only
)

// ValidatorVerdict is the result of running one validator against an event.
type ValidatorVerdict uint8

const (
	VerdictPass ValidatorVerdict = iota
	VerdictDrop
	VerdictDefer
)

// Validator inspects an event before dispatch. Constitutional and
// trust-threshold validators are the two named in spec §3.3; more can be
// registered by name.
type Validator func(ctx context.Context, ev event.Event) (ValidatorVerdict, string)

// AnomalySink receives backpressure-triggered anomalies (high/critical
// priority events that can't be delivered within their deadline).
type AnomalySink interface {
	ReportQueueOverflow(ctx context.Context, subscriber string, ev event.Event)
}

// JournalSink durably records an event before acknowledging publish, used
// for priority >= high per spec §4.3.
type JournalSink interface {
	Append(ctx context.Context, ev event.Event, signature []byte) (uint64, error)
}

type subscription struct {
	pattern  string // kernel name this subscription belongs to, used for queue ownership
	handler  func(ctx context.Context, ev event.Event)
	delivery Delivery
	queue    chan event.Event
	dropped  atomic.Uint64
	stop     chan struct{}
}

// Mesh is the router. The active route table generation is held behind
// an atomic pointer so readers never block on reload.
type Mesh struct {
	log     *zap.Logger
	journal JournalSink
	anomaly AnomalySink

	table atomic.Pointer[Table]

	mu          sync.RWMutex
	subscribers map[string]*subscription
	validators  map[string]Validator

	pendingMu sync.Mutex
	pending   map[string][]event.Event // correlation_id -> parked events

	queueDepth     int
	blockDeadline  time.Duration
}

// Config tunes mesh backpressure behaviour.
type Config struct {
	QueueDepth    int           // per-subscriber bounded queue capacity
	BlockDeadline time.Duration // how long a normal-priority publish may block a producer
}

func DefaultConfig() Config {
	return Config{QueueDepth: 256, BlockDeadline: 200 * time.Millisecond}
}

// New constructs a Mesh with an initial (possibly empty) route table.
func New(table *Table, cfg Config, journal JournalSink, anomaly AnomalySink, log *zap.Logger) *Mesh {
	m := &Mesh{
		log:           log,
		journal:       journal,
		anomaly:       anomaly,
		subscribers:   make(map[string]*subscription),
		validators:    make(map[string]Validator),
		pending:       make(map[string][]event.Event),
		queueDepth:    cfg.QueueDepth,
		blockDeadline: cfg.BlockDeadline,
	}
	m.table.Store(table)
	return m
}

// RegisterValidator makes a named validator available to route definitions.
func (m *Mesh) RegisterValidator(name string, v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[name] = v
}

// Subscribe registers interest under the given kernel name. delivery=queue
// gives the subscriber a bounded, mesh-is-sole-writer / kernel-is-sole-reader
// channel; delivery=stream is a best-effort fanout used for observability.
func (m *Mesh) Subscribe(ctx context.Context, name string, delivery Delivery, handler func(ctx context.Context, ev event.Event)) {
	sub := &subscription{
		pattern:  name,
		handler:  handler,
		delivery: delivery,
		queue:    make(chan event.Event, m.queueDepth),
		stop:     make(chan struct{}),
	}

	m.mu.Lock()
	m.subscribers[name] = sub
	m.mu.Unlock()

	// The kernel is the sole reader of its own queue; the mesh is the
	// sole writer. One consumer goroutine per subscription, for the
	// lifetime of the subscription.
	go func() {
		for {
			select {
			case ev := <-sub.queue:
				sub.handler(ctx, ev)
			case <-sub.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Unsubscribe removes a subscriber, e.g. on kernel drain.
func (m *Mesh) Unsubscribe(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscribers[name]; ok {
		close(sub.stop)
		delete(m.subscribers, name)
	}
}

// ReloadTable atomically installs a new generation. In-flight events on
// the old generation are left to drain naturally; the new generation
// takes effect for every Publish call from this point on.
func (m *Mesh) ReloadTable(t *Table) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("mesh: reject reload: %w", err)
	}
	m.table.Store(t)
	return nil
}

// Generation returns the currently active route table generation number.
func (m *Mesh) Generation() uint64 {
	return m.table.Load().Generation
}

// ReloadRoutesFromManifest reads and validates the route manifest at
// path, bumps the generation, and installs it via ReloadTable. Used by
// both the SIGHUP handler and the admin surface's reload-routes command
// — the two non-destructive hot-reload paths this core supports.
func (m *Mesh) ReloadRoutesFromManifest(path string) (uint64, error) {
	t, err := LoadTable(path)
	if err != nil {
		return 0, err
	}
	t.Generation = m.Generation() + 1
	if err := m.ReloadTable(t); err != nil {
		return 0, err
	}
	return t.Generation, nil
}

// Publish runs the dispatch algorithm (§4.3): resolve routes by
// specificity, run validators in order, then fan out to targets per the
// route's Fanout mode. priority >= high is durably queued to the journal
// before acknowledging.
func (m *Mesh) Publish(ctx context.Context, ev event.Event) error {
	if ev.Priority >= event.PriorityHigh && m.journal != nil {
		if _, err := m.journal.Append(ctx, ev, nil); err != nil {
			return fmt.Errorf("mesh: durable publish: %w", err)
		}
	}

	table := m.table.Load()
	routes := table.Resolve(ev.Source, ev.Type)
	if len(routes) == 0 {
		return nil // no subscriber interested; not an error
	}

	// Most-specific route wins outright; spec does not require running
	// every matching route, only the winner (ties already broken by
	// Resolve's ordering).
	route := routes[0]

	for _, name := range route.Validators {
		m.mu.RLock()
		v, ok := m.validators[name]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		verdict, reason := v(ctx, ev)
		switch verdict {
		case VerdictDrop:
			m.emitDropped(ctx, ev, reason)
			return nil
		case VerdictDefer:
			m.park(ev)
			return nil
		}
	}

	return m.dispatch(ctx, route, ev)
}

func (m *Mesh) emitDropped(ctx context.Context, ev event.Event, reason string) {
	dropEv := event.New("mesh.event.dropped", "mesh", event.PriorityNormal,
		[]byte(fmt.Sprintf(`{"reason":%q,"original_id":%q}`, reason, ev.ID.String())))
	dropEv = dropEv.WithCorrelation(ev.CorrelationID)
	if m.journal != nil {
		_, _ = m.journal.Append(ctx, dropEv, nil)
	}
}

func (m *Mesh) park(ev event.Event) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.pending[ev.CorrelationID] = append(m.pending[ev.CorrelationID], ev)
}

// Release resumes events parked under correlationID by a deferring
// validator, dispatching each through its originally matched route.
func (m *Mesh) Release(ctx context.Context, correlationID string) error {
	m.pendingMu.Lock()
	parked := m.pending[correlationID]
	delete(m.pending, correlationID)
	m.pendingMu.Unlock()

	for _, ev := range parked {
		table := m.table.Load()
		routes := table.Resolve(ev.Source, ev.Type)
		if len(routes) == 0 {
			continue
		}
		if err := m.dispatch(ctx, routes[0], ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mesh) dispatch(ctx context.Context, route Route, ev event.Event) error {
	switch route.Fanout {
	case FanoutFirstAvailable:
		for _, target := range route.Targets {
			if m.deliverTo(ctx, target, ev) {
				return nil
			}
		}
		return nil
	default: // FanoutAll
		for _, target := range route.Targets {
			m.deliverTo(ctx, target, ev)
		}
		return nil
	}
}

// deliverTo enqueues ev onto target's bounded queue per the overflow
// policy: low priority drops with a counter increment, normal priority
// blocks the producer up to blockDeadline, high/critical priority
// triggers an anomaly report to the immune kernel. Returns true if the
// event was accepted (used by first-available fanout).
func (m *Mesh) deliverTo(ctx context.Context, target string, ev event.Event) bool {
	m.mu.RLock()
	sub, ok := m.subscribers[target]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case sub.queue <- ev:
		return true
	default:
	}

	switch {
	case ev.Priority == event.PriorityLow:
		sub.dropped.Add(1)
		return false
	case ev.Priority == event.PriorityNormal:
		timer := time.NewTimer(m.blockDeadline)
		defer timer.Stop()
		select {
		case sub.queue <- ev:
			return true
		case <-timer.C:
			sub.dropped.Add(1)
			return false
		case <-ctx.Done():
			return false
		}
	default: // high, critical
		if m.anomaly != nil {
			m.anomaly.ReportQueueOverflow(ctx, target, ev)
		}
		return false
	}
}

// DroppedCount reports how many events a subscriber's queue has dropped,
// for dashboards and tests.
func (m *Mesh) DroppedCount(target string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subscribers[target]; ok {
		return sub.dropped.Load()
	}
	return 0
}
