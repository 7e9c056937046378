// internal/messaging/memory.go
package messaging

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Faults perturbs delivery of a MemoryBroker the way a real broker may:
// duplicates and reordering.
type Faults struct {
	// DuplicateRate is the probability that a published message is queued twice.
	DuplicateRate float64
	// Shuffle randomizes the order inside each fetched batch.
	Shuffle bool
}

// MemoryBroker is an in-process broker with consumer-group semantics:
// each group receives every message of a topic, delivered messages stay
// in flight until acked, and nacked messages go back to the queue.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	seq    int64
	faults Faults
	block  time.Duration
}

type memTopic struct {
	log    []Envelope
	groups map[string]*memGroup
}

type memGroup struct {
	ready    []Envelope
	inflight map[string]Envelope
	attempts map[string]int
	signal   chan struct{}
}

// NewMemoryBroker creates a broker whose Fetch waits at most block for new
// messages.
func NewMemoryBroker(block time.Duration) *MemoryBroker {
	if block <= 0 {
		block = 50 * time.Millisecond
	}
	return &MemoryBroker{topics: make(map[string]*memTopic), block: block}
}

// SetFaults replaces the active fault profile.
func (b *MemoryBroker) SetFaults(f Faults) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = f
}

func (b *MemoryBroker) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup)}
		b.topics[name] = t
	}
	return t
}

func (b *MemoryBroker) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.Topic == "" {
		return fmt.Errorf("publish %q: empty topic", env.Subject)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	if env.ID == "" {
		env.ID = fmt.Sprintf("mem-%d", b.seq)
	}
	env.Attempt = 0

	t := b.topic(env.Topic)
	t.log = append(t.log, env)
	copies := 1
	if b.faults.DuplicateRate > 0 && rand.Float64() < b.faults.DuplicateRate {
		copies = 2
	}
	for _, g := range t.groups {
		for i := 0; i < copies; i++ {
			g.enqueue(env)
		}
	}
	return nil
}

func (g *memGroup) enqueue(env Envelope) {
	g.ready = append(g.ready, env)
	select {
	case g.signal <- struct{}{}:
	default:
	}
}

// Source joins group on topic. A new group starts from the beginning of the
// topic log.
func (b *MemoryBroker) Source(topic, group string) Source {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		g = &memGroup{
			inflight: make(map[string]Envelope),
			attempts: make(map[string]int),
			signal:   make(chan struct{}, 1),
		}
		g.ready = append(g.ready, t.log...)
		t.groups[group] = g
	}
	return &memSource{broker: b, group: g}
}

// Published returns every envelope ever published to topic.
func (b *MemoryBroker) Published(topic string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	return append([]Envelope(nil), t.log...)
}

// Pending counts queued plus in-flight messages of a group.
func (b *MemoryBroker) Pending(topic, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	g, ok := t.groups[group]
	if !ok {
		return 0
	}
	return len(g.ready) + len(g.inflight)
}

type memSource struct {
	broker *MemoryBroker
	group  *memGroup
	seq    int64
}

func (s *memSource) Fetch(ctx context.Context, max int) ([]Delivery, error) {
	if batch := s.take(max); len(batch) > 0 {
		return batch, nil
	}

	timer := time.NewTimer(s.broker.block)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-s.group.signal:
		return s.take(max), nil
	}
}

func (s *memSource) take(max int) []Delivery {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	g := s.group
	n := len(g.ready)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	batch := make([]Envelope, n)
	copy(batch, g.ready[:n])
	g.ready = g.ready[n:]

	if b.faults.Shuffle {
		rand.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	}

	out := make([]Delivery, 0, n)
	for _, env := range batch {
		g.attempts[env.ID]++
		env.Attempt = g.attempts[env.ID]
		s.seq++
		// duplicates share env.ID, so in-flight entries use a per-delivery tag
		tag := fmt.Sprintf("%s#%d", env.ID, s.seq)
		g.inflight[tag] = env
		out = append(out, &memDelivery{broker: b, group: g, tag: tag, env: env})
	}
	return out
}

type memDelivery struct {
	broker *MemoryBroker
	group  *memGroup
	tag    string
	env    Envelope
}

func (d *memDelivery) Envelope() Envelope { return d.env }

func (d *memDelivery) Ack(ctx context.Context) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	delete(d.group.inflight, d.tag)
	return nil
}

func (d *memDelivery) Nack(ctx context.Context) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	env, ok := d.group.inflight[d.tag]
	if !ok {
		return nil
	}
	delete(d.group.inflight, d.tag)
	d.group.enqueue(env)
	return nil
}
