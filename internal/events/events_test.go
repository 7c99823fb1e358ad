package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenclient/internal/logger"
)

func TestPublishFanOut(t *testing.T) {
	bus := NewBus(logger.Discard())
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubA()
	defer unsubB()

	bus.Publish(Event{Name: PublicTrade, Pair: "XBT/USD"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, PublicTrade, e.Name)
			assert.False(t, e.Time.IsZero())
		default:
			t.Fatal("event not delivered")
		}
	}
}

func TestFullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(logger.Discard())
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Name: OrderFound, OrderID: "A"})
	bus.Publish(Event{Name: OrderFound, OrderID: "B"})

	e := <-ch
	assert.Equal(t, "A", e.OrderID)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(logger.Discard())
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { bus.Publish(Event{Name: Ready}) })
}

func TestCloseBus(t *testing.T) {
	bus := NewBus(logger.Discard())
	ch, unsub := bus.Subscribe(1)
	bus.Close()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	require.False(t, ok)
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "OID", Event{Name: OrderChange, OrderID: "OID", Pair: "XBT/USD"}.Key())
	assert.Equal(t, "XBT/USD", Event{Name: PublicTrade, Pair: "XBT/USD"}.Key())
	assert.Equal(t, "ready", Event{Name: Ready}.Key())
}
