package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Topic string

const (
	TopicApprovalRequired   Topic = "approval_required"
	TopicApprovalResolved   Topic = "approval_resolved"
	TopicToolPolicyUpdated  Topic = "tool_policy_updated"
	TopicPermissionsUpdated Topic = "permissions_updated"
)

type Event struct {
	Topic   Topic     `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Bus fans events out to live subscribers. Each subscriber has its own
// unbounded buffer, so a slow reader never blocks Publish or other readers.
// There is no replay: a subscriber only sees events published while it is live.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, subs: make(map[uint64]*subscriber)}
}

func (b *Bus) Publish(topic Topic, payload any) {
	if b == nil {
		return
	}
	e := Event{Topic: topic, At: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.wants(topic) {
			s.push(e)
		}
	}
}

// Subscribe returns a live stream of events for topics (all topics if none
// are given). The stream ends when ctx is done, Close is called, or the bus
// is closed. A nil or closed bus yields an already ended stream.
func (b *Bus) Subscribe(ctx context.Context, topics ...Topic) *Subscription {
	if b == nil {
		return closedSubscription()
	}
	s := &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	if len(topics) > 0 {
		s.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return closedSubscription()
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
	go s.run()
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-s.done:
			}
		}()
	}
	return &Subscription{C: s.out, cancel: cancel}
}

// Subscribers reports how many subscriptions are live.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.log.Debug("bus_closed", "subscribers", len(subs))
}

type Subscription struct {
	C      <-chan Event
	cancel func()
	once   sync.Once
}

func closedSubscription() *Subscription {
	c := make(chan Event)
	close(c)
	return &Subscription{C: c, cancel: func() {}}
}

func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type subscriber struct {
	topics map[Topic]bool

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	out    chan Event

	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber) wants(t Topic) bool {
	return s.topics == nil || s.topics[t]
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
