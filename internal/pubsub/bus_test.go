package pubsub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReplaysLastValue(t *testing.T) {
	bus := NewBus()
	bus.Publish(ChannelConnection, "first")
	bus.Publish(ChannelConnection, "second")

	var got []any
	unsub := bus.Subscribe(ChannelConnection, func(v any) {
		got = append(got, v)
	})
	defer unsub()

	require.Equal(t, []any{"second"}, got, "late subscriber must see the current value immediately")
}

func TestSubscribeWithoutHistoryReplaysNothing(t *testing.T) {
	bus := NewBus()
	called := false
	unsub := bus.Subscribe(ChannelTelemetry, func(any) { called = true })
	defer unsub()
	require.False(t, called)
}

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()
	var a, b []any
	unsubA := bus.Subscribe(ChannelSafety, func(v any) { a = append(a, v) })
	unsubB := bus.Subscribe(ChannelSafety, func(v any) { b = append(b, v) })
	defer unsubA()
	defer unsubB()

	bus.Publish(ChannelSafety, 1)
	bus.Publish(ChannelSafety, 2)

	require.Equal(t, []any{1, 2}, a)
	require.Equal(t, []any{1, 2}, b)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	var got []any
	unsub := bus.Subscribe(ChannelFlash, func(v any) { got = append(got, v) })

	bus.Publish(ChannelFlash, "one")
	unsub()
	bus.Publish(ChannelFlash, "two")

	require.Equal(t, []any{"one"}, got)
}

func TestChannelsAreIndependent(t *testing.T) {
	bus := NewBus()
	var got []any
	unsub := bus.Subscribe(ChannelDiagnostics, func(v any) { got = append(got, v) })
	defer unsub()

	bus.Publish(ChannelConnection, "noise")
	require.Empty(t, got)
}
