package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventBundleStaged    EventType = "bundle.staged"
	EventBundleFailed    EventType = "bundle.failed"
	EventBundleStarting  EventType = "bundle.starting"
	EventBundleRestaged  EventType = "bundle.restaged"
	EventBundleFinished  EventType = "bundle.finished"
	EventRunStageChanged EventType = "run.stage_changed"
	EventWorkerOffline   EventType = "worker.offline"
	EventWorkerCleaned   EventType = "worker.cleaned"
	EventDepDownloaded   EventType = "dependency.downloaded"
	EventDepEvicted      EventType = "dependency.evicted"
)

// Event is one telemetry record. For run.stage_changed, Metadata carries the
// "from" and "to" stage names.
type Event struct {
	ID         string
	Type       EventType
	Timestamp  time.Time
	BundleUUID string
	WorkerID   string
	Message    string
	Metadata   map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. It doubles as the
// run-stage telemetry hook: the worker publishes one event per stage
// transition, and subscribers (metrics, tests) consume them. A broker with
// no subscribers is a no-op.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// StageTransition publishes the run-stage telemetry event the worker emits
// on every transition.
func (b *Broker) StageTransition(bundleUUID, workerID, from, to string) {
	b.Publish(&Event{
		Type:       EventRunStageChanged,
		BundleUUID: bundleUUID,
		WorkerID:   workerID,
		Metadata:   map[string]string{"from": from, "to": to},
	})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
