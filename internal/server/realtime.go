package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventTableSaved = "table-saved"
	realtimeEventHeartbeat  = "heartbeat"
	realtimeSourceBackend   = "assocrm-backend"
)

// RealtimeMessage announces a committed save. OriginSessionID is the session that saved; it
// does not receive its own announcement.
type RealtimeMessage struct {
	OriginSessionID string
	EventType       string
	Table           string
	Fingerprint     string
	Timestamp       time.Time
}

// RealtimeDispatcher fans table-saved messages out to every subscribed session.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, sessionID string) (<-chan RealtimeMessage, func()) {
	if sessionID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(sessionID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(sessionID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every session except its origin. Slow subscribers drop
// messages instead of blocking the publisher.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Table == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	for sessionID, subscribers := range d.subscribers {
		if sessionID == message.OriginSessionID {
			continue
		}
		for _, subscriber := range subscribers {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount returns the number of open subscriptions.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, subscribers := range d.subscribers {
		count += len(subscribers)
	}
	return count
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(sessionID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[sessionID]; !ok {
		d.subscribers[sessionID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[sessionID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(sessionID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[sessionID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, sessionID)
		}
	}
	d.mu.Unlock()
}
