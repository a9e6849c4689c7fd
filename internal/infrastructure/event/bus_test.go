package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erp/dte/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEvent struct {
	shared.BaseDomainEvent
}

func newTestEvent(eventType string) *testEvent {
	return &testEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, "TaxDocument", uuid.New(), uuid.New(), time.Now()),
	}
}

type testHandler struct {
	eventTypes []string
	mu         sync.Mutex
	handled    []shared.DomainEvent
	err        error
	panics     bool
}

func (h *testHandler) Handle(_ context.Context, event shared.DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, event)
	if h.panics {
		panic("boom")
	}
	return h.err
}

func (h *testHandler) EventTypes() []string { return h.eventTypes }

func (h *testHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func TestInMemoryEventBus_Publish(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())

	changed := &testHandler{eventTypes: []string{"TaxDocumentStatusChanged"}}
	created := &testHandler{eventTypes: []string{"TaxDocumentCreated"}}
	all := &testHandler{}
	bus.Subscribe(changed)
	bus.Subscribe(created)
	bus.Subscribe(all)

	require.NoError(t, bus.Publish(context.Background(),
		newTestEvent("TaxDocumentStatusChanged"),
		newTestEvent("TaxDocumentStatusChanged"),
		newTestEvent("TaxDocumentCreated"),
	))

	assert.Equal(t, 2, changed.count())
	assert.Equal(t, 1, created.count())
	assert.Equal(t, 3, all.count())
}

func TestInMemoryEventBus_ExplicitTypesOverrideHandler(t *testing.T) {
	bus := NewInMemoryEventBus(nil)
	h := &testHandler{eventTypes: []string{"A"}}
	bus.Subscribe(h, "B")

	require.NoError(t, bus.Publish(context.Background(), newTestEvent("A"), newTestEvent("B")))
	assert.Equal(t, 1, h.count())
}

func TestInMemoryEventBus_FailuresAreIsolated(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())

	failing := &testHandler{err: errors.New("handler error")}
	panicking := &testHandler{panics: true}
	healthy := &testHandler{}
	bus.Subscribe(failing)
	bus.Subscribe(panicking)
	bus.Subscribe(healthy)

	assert.NoError(t, bus.Publish(context.Background(), newTestEvent("X")))
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, panicking.count())
	assert.Equal(t, 1, healthy.count())
}

func TestInMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	typed := &testHandler{eventTypes: []string{"X"}}
	wildcard := &testHandler{}
	bus.Subscribe(typed)
	bus.Subscribe(wildcard)

	bus.Unsubscribe(typed)
	bus.Unsubscribe(wildcard)

	require.NoError(t, bus.Publish(context.Background(), newTestEvent("X")))
	assert.Zero(t, typed.count())
	assert.Zero(t, wildcard.count())
	assert.Empty(t, bus.handlersFor("X"))
}
