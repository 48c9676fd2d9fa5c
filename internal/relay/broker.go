package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBufSize = 256

// Topics published by the router.
const (
	TopicState  = "state"
	TopicResult = "result"
	TopicTab    = "tab"
	TopicQueue  = "queue"
)

// Event is one observable relay occurrence streamed to control clients.
type Event struct {
	Topic string    `json:"topic"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data"`
}

// Broker fans relay events out to subscribed control clients.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
	dropped     atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subscribers: make(map[int64]chan Event)}
}

// Subscribe registers a client. The channel is buffered; slow consumers lose
// events rather than stalling the router.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish never blocks.
func (b *Broker) Publish(topic string, data any) {
	evt := Event{Topic: topic, Time: time.Now(), Data: data}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events were discarded for slow subscribers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
