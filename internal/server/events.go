package server

import (
	"context"
	"sync"
	"time"
)

const (
	EventDefinitionCreated = "definition-created"
	EventDefinitionUpdated = "definition-updated"
	EventDefinitionDeleted = "definition-deleted"
	EventDefinitionToggled = "definition-toggled"
	EventHookDrifted       = "hook-drifted"
	EventRecordsWritten    = "records-written"
	EventValueIssued       = "value-issued"
	eventHeartbeat         = "heartbeat"

	// AllCollections subscribes to the events of every collection.
	AllCollections = "*"
)

// Event notifies operators about a definition or counter change on one collection.
type Event struct {
	Type       string    `json:"type"`
	CounterID  string    `json:"counter_id,omitempty"`
	Collection string    `json:"collection"`
	Count      int       `json:"count,omitempty"`
	Value      int64     `json:"value,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventBroker fans events out to subscribers of a collection and to AllCollections subscribers.
// Slow subscribers drop events rather than block publishers.
type EventBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

func NewEventBroker() *EventBroker {
	return &EventBroker{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

func (b *EventBroker) Subscribe(ctx context.Context, collection string) (<-chan Event, func()) {
	if collection == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     b.nextSequence(),
		stream: make(chan Event, b.bufferSize),
	}
	b.registerSubscriber(collection, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregisterSubscriber(collection, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (b *EventBroker) Publish(event Event) {
	if event.Collection == "" || event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	copies := make([]*eventSubscriber, 0)
	for _, key := range []string{event.Collection, AllCollections} {
		for _, subscriber := range b.subscribers[key] {
			copies = append(copies, subscriber)
		}
	}
	b.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (b *EventBroker) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *EventBroker) registerSubscriber(collection string, subscriber *eventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[collection]; !ok {
		b.subscribers[collection] = make(map[int64]*eventSubscriber)
	}
	b.subscribers[collection][subscriber.id] = subscriber
}

func (b *EventBroker) unregisterSubscriber(collection string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, collection)
		}
	}
	b.mu.Unlock()
}
