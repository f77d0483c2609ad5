package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/conductor-sh/conductor/pkg/log"
	"github.com/conductor-sh/conductor/pkg/store"
	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TopicAll subscribes to every topic
const TopicAll = "*"

// TopicMonitor receives bus health events such as subscriber drops
const TopicMonitor = "monitor"

// Filter is a predicate over event payloads. A nil filter matches all.
type Filter func(ev *types.Event) bool

// Handler consumes delivered events. Handlers run on the bus's bounded
// worker pool; a slow handler delays only its own subscription.
type Handler func(ev *types.Event)

// SubscribeOptions controls subscription behavior
type SubscribeOptions struct {
	// FromBeginning replays matching events from the durable store before
	// delivering live traffic.
	FromBeginning bool
}

// Subscription identifies an active subscriber
type Subscription struct {
	ID     string
	Topic  string
	filter Filter

	ch     chan *types.Event
	minSeq uint64
	done   chan struct{}
}

// Bus is the in-process publish/subscribe fan-out with optional durable
// replay. Publishing never blocks: subscribers past their high-water mark
// lose messages, and each loss is reported on the monitor topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	store     store.Store
	highWater int
	sem       chan struct{}
	logger    zerolog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	dropped atomic.Uint64
}

// NewBus creates a bus. st may be nil when durable replay is not needed;
// handlerPool bounds concurrent handler invocations across subscribers.
func NewBus(st store.Store, highWater, handlerPool int) *Bus {
	if highWater <= 0 {
		highWater = 256
	}
	if handlerPool <= 0 {
		handlerPool = 4
	}
	return &Bus{
		subs:      make(map[string]*Subscription),
		store:     st,
		highWater: highWater,
		sem:       make(chan struct{}, handlerPool),
		logger:    log.WithComponent("event-bus"),
		stopCh:    make(chan struct{}),
	}
}

// Publish delivers the event to every active subscriber whose topic and
// filter match. Delivery to each subscriber preserves per-topic order.
// Runs on the caller's goroutine and never blocks on slow subscribers.
func (b *Bus) Publish(topic string, ev *types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.Topic != topic && sub.Topic != TopicAll {
			continue
		}
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full past the high-water mark: drop for this
			// subscriber and report on the monitor topic
			b.dropped.Add(1)
			b.reportDropLocked(sub, ev)
		}
	}
}

// reportDropLocked emits a bus.dropped event to monitor subscribers.
// Caller holds at least the read lock. Monitor subscribers that are
// themselves full simply miss the report.
func (b *Bus) reportDropLocked(victim *Subscription, lost *types.Event) {
	drop := &types.Event{
		Type:      types.EventSubscriberDropped,
		Timestamp: time.Now(),
		Body: map[string]string{
			"subscription": victim.ID,
			"topic":        victim.Topic,
			"lost_type":    string(lost.Type),
		},
	}
	for _, sub := range b.subs {
		if sub.Topic != TopicMonitor {
			continue
		}
		select {
		case sub.ch <- drop:
		default:
		}
	}
	b.logger.Warn().
		Str("subscription", victim.ID).
		Str("topic", victim.Topic).
		Msg("subscriber buffer full, event dropped")
}

// Subscribe registers a handler for a topic. With FromBeginning the bus
// first replays matching events from the durable store, then continues
// live without gaps or duplicates.
func (b *Bus) Subscribe(topic string, filter Filter, handler Handler, opts SubscribeOptions) (*Subscription, error) {
	sub := &Subscription{
		ID:     uuid.New().String(),
		Topic:  topic,
		filter: filter,
		ch:     make(chan *types.Event, b.highWater),
		done:   make(chan struct{}),
	}

	// Register before replay so live events queue up while we read the
	// log; the drain loop skips anything the replay already covered.
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	if opts.FromBeginning && b.store != nil {
		lastSeq, err := b.store.LastSeq()
		if err != nil {
			b.removeSub(sub.ID)
			return nil, err
		}
		err = b.store.Range(1, lastSeq, func(ev *types.Event) error {
			if !b.matches(sub, topic, ev) {
				return nil
			}
			handler(ev)
			return nil
		})
		if err != nil {
			b.removeSub(sub.ID)
			return nil, err
		}
		sub.minSeq = lastSeq + 1
	}

	b.wg.Add(1)
	go b.drain(sub, handler)
	return sub, nil
}

// matches applies topic and filter checks during replay
func (b *Bus) matches(sub *Subscription, topic string, ev *types.Event) bool {
	if topic != TopicAll && string(ev.Type) != topic {
		return false
	}
	return sub.filter == nil || sub.filter(ev)
}

// drain delivers queued events for one subscription through the bounded
// handler pool
func (b *Bus) drain(sub *Subscription, handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-sub.ch:
			// Events the replay already delivered carry lower sequences.
			// Seq 0 events are in-memory only and always delivered.
			if ev.Seq != 0 && ev.Seq < sub.minSeq {
				continue
			}
			b.sem <- struct{}{}
			handler(ev)
			<-b.sem
		case <-sub.done:
			return
		case <-b.stopCh:
			return
		}
	}
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.removeSub(sub.ID)
	close(sub.done)
}

func (b *Bus) removeSub(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Dropped returns the total number of events dropped across subscribers
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stop terminates all drain loops and waits for in-flight handlers
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}
