// internal/events/bus.go
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrBusClosed is returned by Publish after Shutdown.
	ErrBusClosed = errors.New("event bus is shutting down")
	// ErrBufferFull is returned by Publish when the record is dropped.
	ErrBufferFull = errors.New("event channel full")
)

// Stats is a point-in-time view of the bus.
type Stats struct {
	BufferSize      int
	PendingEvents   int
	EventTypes      int
	HandlersPerType map[EventType]int
}

// Bus is an in-memory event bus implementation. Committed chain records are
// fanned out to indexers, metrics and loggers through it.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[EventType]map[string]Handler
	wildcard   map[string]Handler
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	eventChan  chan Event
	bufferSize int
}

// NewBus creates a new event bus.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		handlers:   make(map[EventType]map[string]Handler),
		wildcard:   make(map[string]Handler),
		logger:     logger.Named("event_bus"),
		ctx:        ctx,
		cancel:     cancel,
		eventChan:  make(chan Event, bufferSize),
		bufferSize: bufferSize,
	}

	bus.wg.Add(1)
	go bus.processEvents()

	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}
	b.handlers[eventType][id] = handler

	b.logger.Debug("Handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.String("subscription_id", id))

	return &subscription{
		id:       id,
		eventBus: b,
		typ:      eventType,
	}
}

// SubscribeAll registers a handler that receives every record.
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.wildcard[id] = handler

	b.logger.Debug("Wildcard handler subscribed", zap.String("subscription_id", id))

	return &subscription{id: id, eventBus: b, all: true}
}

// SubscribeFunc is a convenience method for subscribing with a function.
func (b *Bus) SubscribeFunc(eventType EventType, fn func(context.Context, Event) error) Subscription {
	return b.Subscribe(eventType, HandlerFunc(fn))
}

// Publish sends an event to all registered handlers asynchronously.
func (b *Bus) Publish(event Event) error {
	select {
	case <-b.ctx.Done():
		return ErrBusClosed
	case b.eventChan <- event:
		return nil
	default:
		b.logger.Warn("Event channel full, dropping event",
			zap.String("event_type", string(event.Type())))
		return ErrBufferFull
	}
}

// PublishWait enqueues an event, waiting for buffer space until ctx ends.
func (b *Bus) PublishWait(ctx context.Context, event Event) error {
	select {
	case <-b.ctx.Done():
		return ErrBusClosed
	case <-ctx.Done():
		b.logger.Error("Timed out waiting for event buffer",
			zap.String("event_type", string(event.Type())))
		return ctx.Err()
	case b.eventChan <- event:
		return nil
	}
}

// ReliableSink publishes the listed record types with PublishWait, bounded by
// a timeout, and everything else with Publish.
type ReliableSink struct {
	bus     *Bus
	timeout time.Duration
	types   map[EventType]struct{}
}

// Reliable returns a sink that never drops records of the given types while
// buffer space frees up within timeout.
func (b *Bus) Reliable(timeout time.Duration, types ...EventType) *ReliableSink {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return &ReliableSink{bus: b, timeout: timeout, types: set}
}

func (s *ReliableSink) Publish(event Event) error {
	if _, ok := s.types[event.Type()]; !ok {
		return s.bus.Publish(event)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.bus.PublishWait(ctx, event)
}

// PublishSync sends an event to all registered handlers synchronously.
func (b *Bus) PublishSync(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := make(map[string]Handler, len(b.handlers[event.Type()])+len(b.wildcard))
	for id, h := range b.handlers[event.Type()] {
		handlers[id] = h
	}
	for id, h := range b.wildcard {
		handlers[id] = h
	}
	b.mu.RUnlock()

	var errs []error
	for id, handler := range handlers {
		if err := handler.Handle(ctx, event); err != nil {
			b.logger.Error("Handler error",
				zap.String("event_type", string(event.Type())),
				zap.String("handler_id", id),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// processEvents delivers records in publication order.
func (b *Bus) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			for {
				select {
				case event := <-b.eventChan:
					_ = b.PublishSync(context.Background(), event)
				default:
					return
				}
			}
		case event := <-b.eventChan:
			if err := b.PublishSync(b.ctx, event); err != nil {
				b.logger.Error("Failed to process event",
					zap.String("event_type", string(event.Type())),
					zap.Error(err))
			}
		}
	}
}

func (b *Bus) unsubscribe(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.all {
		delete(b.wildcard, s.id)
	} else if handlers, ok := b.handlers[s.typ]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(b.handlers, s.typ)
		}
	}

	b.logger.Debug("Handler unsubscribed",
		zap.String("event_type", string(s.typ)),
		zap.String("subscription_id", s.id))
}

// Shutdown drains pending records and stops the delivery goroutine.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.logger.Info("Shutting down event bus")

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Event bus shutdown complete")
		return nil
	case <-ctx.Done():
		b.logger.Warn("Event bus shutdown timeout")
		return ctx.Err()
	}
}

// Stats returns statistics about the event bus.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[EventType]int, len(b.handlers))
	for eventType, handlers := range b.handlers {
		counts[eventType] = len(handlers)
	}

	return Stats{
		BufferSize:      b.bufferSize,
		PendingEvents:   len(b.eventChan),
		EventTypes:      len(b.handlers),
		HandlersPerType: counts,
	}
}
