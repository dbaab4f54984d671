package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	RealtimeEventRecordChanged = "record-change"
	realtimeEventReady         = "ready"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceBackend      = "claimsync-backend"
	defaultSubscriberBuffer    = 16
)

// RealtimeMessage announces that records owned by a provider changed.
type RealtimeMessage struct {
	ProviderID string
	EventType  string
	ModelType  string
	RecordIDs  []string
	Timestamp  time.Time
}

// RealtimeDispatcher fans record change messages out to the streams of one provider.
// Slow subscribers miss messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan RealtimeMessage
	nextID      atomic.Int64
	bufferSize  int
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]chan RealtimeMessage),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a stream for the provider. The stream is unregistered when ctx
// ends or the returned cleanup runs, whichever comes first.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, providerID string) (<-chan RealtimeMessage, func()) {
	if providerID == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}

	id := d.nextID.Add(1)
	stream := make(chan RealtimeMessage, d.bufferSize)
	d.mu.Lock()
	if _, ok := d.subscribers[providerID]; !ok {
		d.subscribers[providerID] = make(map[int64]chan RealtimeMessage)
	}
	d.subscribers[providerID][id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unsubscribe(providerID, id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers the message to every current subscriber of its provider.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.ProviderID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers[message.ProviderID] {
		select {
		case stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) subscriberCount(providerID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[providerID])
}

func (d *RealtimeDispatcher) unsubscribe(providerID string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.subscribers[providerID]
	if streams == nil {
		return
	}
	delete(streams, id)
	if len(streams) == 0 {
		delete(d.subscribers, providerID)
	}
}
