package events_test

import (
	"errors"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDirectModeDispatchesBeforePublishReturns(t *testing.T) {
	bus := events.New(events.Direct, zap.NewNop(), nil)

	var received int
	bus.Subscribe("thing.happened", func(payload any) error {
		received = payload.(int)
		return nil
	})

	bus.Publish("thing.happened", 42)
	require.Equal(t, 42, received)
	require.Equal(t, 0, bus.PendingCount())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := events.New(events.Direct, zap.NewNop(), nil)

	var calls int
	unsubscribe := bus.Subscribe("thing.happened", func(payload any) error {
		calls++
		return nil
	})

	bus.Publish("thing.happened", nil)
	unsubscribe()
	bus.Publish("thing.happened", nil)

	require.Equal(t, 1, calls)
}

func TestHandlerErrorQuarantinesWithoutStoppingOtherSubscribers(t *testing.T) {
	bus := events.New(events.Direct, zap.NewNop(), nil)

	var secondCalled bool
	bus.Subscribe("thing.happened", func(payload any) error {
		return errors.New("boom")
	})
	bus.Subscribe("thing.happened", func(payload any) error {
		secondCalled = true
		return nil
	})

	var auditReceived bool
	bus.Subscribe(events.AuditEventTopic, func(payload any) error {
		auditReceived = true
		return nil
	})

	bus.Publish("thing.happened", nil)

	require.True(t, secondCalled, "a failing handler must not block delivery to other subscribers")
	require.True(t, auditReceived, "a quarantined handler failure must synthesize an audit.event")
}

func TestHandlerPanicIsRecoveredAndQuarantined(t *testing.T) {
	bus := events.New(events.Direct, zap.NewNop(), nil)

	bus.Subscribe("thing.happened", func(payload any) error {
		panic("unexpected")
	})

	var auditReceived bool
	bus.Subscribe(events.AuditEventTopic, func(payload any) error {
		auditReceived = true
		return nil
	})

	require.NotPanics(t, func() { bus.Publish("thing.happened", nil) })
	require.True(t, auditReceived)
}

func TestQueuedModeDrainsReentrantPublishesWithoutRecursing(t *testing.T) {
	bus := events.New(events.Queued, zap.NewNop(), nil)

	var order []string
	bus.Subscribe("first", func(payload any) error {
		order = append(order, "first")
		bus.Publish("second", nil) // re-entrant; must enqueue, not recurse
		return nil
	})
	bus.Subscribe("second", func(payload any) error {
		order = append(order, "second")
		return nil
	})

	bus.Publish("first", nil)

	require.Equal(t, []string{"first", "second"}, order)
	require.Equal(t, 0, bus.PendingCount())
}
