// Package event dispatches domain events raised by aggregates to in-process
// handlers once the aggregate has been persisted.
package event

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// InMemoryEventBus implements EventBus with synchronous in-memory pub/sub.
// Handlers run in subscription order, type-specific ones before catch-all
// ones. A failing or panicking handler never stops delivery to the others.
type InMemoryEventBus struct {
	mu       sync.RWMutex
	byType   map[string][]shared.EventHandler
	catchAll []shared.EventHandler
	logger   *zap.Logger
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryEventBus{
		byType: make(map[string][]shared.EventHandler),
		logger: logger,
	}
}

// Publish delivers events to their handlers in order. Handler errors are
// logged, never returned: the aggregate is already persisted.
func (b *InMemoryEventBus) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	for _, event := range events {
		handlers := b.handlersFor(event.EventType())
		if len(handlers) == 0 {
			continue
		}

		ctx, span := telemetry.StartSpan(ctx, "event."+event.EventType(),
			telemetry.WithTenant(event.TenantID()),
			telemetry.WithAttribute("event.aggregate_id", event.AggregateID().String()),
			telemetry.WithAttribute("event.handlers", len(handlers)),
		)
		for _, handler := range handlers {
			if err := b.dispatch(ctx, handler, event); err != nil {
				telemetry.RecordError(span, err)
				b.logger.Error("handler failed to process event",
					zap.String("event_type", event.EventType()),
					zap.String("event_id", event.EventID().String()),
					zap.String("tenant_id", event.TenantID().String()),
					zap.Error(err),
				)
			}
		}
		span.End()
	}
	return nil
}

// Subscribe registers a handler for eventTypes, or for the types the
// handler declares when none are given. A handler declaring no types
// receives every event.
func (b *InMemoryEventBus) Subscribe(handler shared.EventHandler, eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = handler.EventTypes()
	}

	b.mu.Lock()
	if len(eventTypes) == 0 {
		b.catchAll = append(b.catchAll, handler)
	}
	for _, eventType := range eventTypes {
		b.byType[eventType] = append(b.byType[eventType], handler)
	}
	b.mu.Unlock()

	b.logger.Debug("handler subscribed", zap.Strings("event_types", eventTypes))
}

// Unsubscribe removes a handler from every event type
func (b *InMemoryEventBus) Unsubscribe(handler shared.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	isTarget := func(h shared.EventHandler) bool { return h == handler }
	b.catchAll = slices.DeleteFunc(b.catchAll, isTarget)
	for eventType, handlers := range b.byType {
		if handlers = slices.DeleteFunc(handlers, isTarget); len(handlers) == 0 {
			delete(b.byType, eventType)
		} else {
			b.byType[eventType] = handlers
		}
	}
}

func (b *InMemoryEventBus) handlersFor(eventType string) []shared.EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Concat(b.byType[eventType], b.catchAll)
}

func (b *InMemoryEventBus) dispatch(ctx context.Context, handler shared.EventHandler, event shared.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, event)
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)
