// Package events implements the fleet's status broadcaster: a single
// status_update event, fanned out to subscribers after every reconcile
// and distribution pass (§4.8).
package events

import (
	"sync"

	"github.com/cuemby/printfleet/pkg/types"
)

// Subscriber is a channel that receives broadcast payloads.
type Subscriber chan *types.BroadcastPayload

// Broker manages subscriptions and distributes status_update events.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.BroadcastPayload
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.BroadcastPayload, 16),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 8)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish emits a status_update payload to every subscriber.
func (b *Broker) Publish(payload *types.BroadcastPayload) {
	select {
	case b.eventCh <- payload:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case payload := <-b.eventCh:
			b.broadcast(payload)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(payload *types.BroadcastPayload) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- payload:
		default:
			// Subscriber buffer full, skip rather than block the broker.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
