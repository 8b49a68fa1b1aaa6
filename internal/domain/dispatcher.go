package domain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"driftline.io/driftline/internal/pkg/logger"
)

// EventHandler consumes a canonical event from the outbound stream.
type EventHandler func(ctx context.Context, event *CanonicalEvent) error

// entityAny subscribes a handler to every entity type.
const entityAny = "*"

// EventDispatcher fans canonical events out to downstream consumers
// registered per entity type. Delivery is sequential and best-effort: a
// failing handler is logged, remaining handlers still run.
type EventDispatcher struct {
	handlers map[string][]EventHandler
	mu       sync.RWMutex
}

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[string][]EventHandler),
	}
}

// Register registers a handler for a canonical entity type.
func (d *EventDispatcher) Register(entityType string, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[entityType] = append(d.handlers[entityType], handler)
}

// RegisterAll registers a handler for every entity type.
func (d *EventDispatcher) RegisterAll(handler EventHandler) {
	d.Register(entityAny, handler)
}

// Dispatch delivers an event to all handlers for its entity type plus the
// wildcard subscribers. Returns the first handler error, if any.
func (d *EventDispatcher) Dispatch(ctx context.Context, event *CanonicalEvent) error {
	d.mu.RLock()
	handlers := make([]EventHandler, 0,
		len(d.handlers[event.EntityType])+len(d.handlers[entityAny]))
	handlers = append(handlers, d.handlers[event.EntityType]...)
	handlers = append(handlers, d.handlers[entityAny]...)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		logger.Debug("No handlers registered for entity type",
			zap.String("entity_type", event.EntityType),
			zap.String("event_id", event.ID),
		)
		return nil
	}

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("Canonical event handler failed",
				zap.String("entity_type", event.EntityType),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("handler for %s failed: %w", event.EntityType, err)
			}
		}
	}

	return firstErr
}
