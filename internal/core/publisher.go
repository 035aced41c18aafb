package core

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPublisherClosed    = errors.New("publisher closed")
	ErrSubscriberExists   = errors.New("subscriber already exists")
	ErrSubscriberNotFound = errors.New("subscriber not found")
)

const DefaultSubscriberBuffer = 64

type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	ch    chan Message
	stats SubscriberStats
}

// Publisher fans status messages out to registered subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the message.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   uint64
	closed      bool
}

func NewPublisher() *Publisher {
	return &Publisher{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers id and returns its delivery channel. The channel is
// closed on Unsubscribe or Close.
func (p *Publisher) Subscribe(id string, buffer int) (<-chan Message, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPublisherClosed
	}
	if _, exists := p.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	sub := &subscriber{ch: make(chan Message, buffer)}
	p.subscribers[id] = sub
	return sub.ch, nil
}

func (p *Publisher) Unsubscribe(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, exists := p.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	delete(p.subscribers, id)
	close(sub.ch)
	return nil
}

func (p *Publisher) Publish(msg Message) {
	if msg == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	atomic.AddUint64(&p.published, 1)

	for _, sub := range p.subscribers {
		select {
		case sub.ch <- msg:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
}

func (p *Publisher) Stats(id string) (SubscriberStats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sub, exists := p.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// Published returns the number of messages accepted by Publish.
func (p *Publisher) Published() uint64 {
	return atomic.LoadUint64(&p.published)
}

func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers)
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, sub := range p.subscribers {
		close(sub.ch)
		delete(p.subscribers, id)
	}
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(Message)

func (f NotifierFunc) Publish(msg Message) { f(msg) }

type nopNotifier struct{}

func (nopNotifier) Publish(Message) {}
