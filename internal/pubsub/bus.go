// Package pubsub is the typed publish/subscribe surface between the command
// processor and its observers. Channels are enumerated; a new subscriber
// immediately receives the channel's current value so there is no missed
// first update.
package pubsub

import "sync"

type Channel string

const (
	ChannelConnection   Channel = "connection"
	ChannelTelemetry    Channel = "telemetry"
	ChannelDiagnostics  Channel = "diagnostics"
	ChannelFlash        Channel = "flash"
	ChannelSafety       Channel = "safety"
	ChannelSafetyEvents Channel = "safety_events"
	ChannelQueueHealth  Channel = "queue_health"
)

type Handler func(value any)

type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[Channel]map[int]Handler
	last   map[Channel]any
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[Channel]map[int]Handler),
		last: make(map[Channel]any),
	}
}

// Subscribe registers a handler and replays the channel's current value, if
// one has ever been published, before returning. The returned function
// removes the subscription.
func (b *Bus) Subscribe(ch Channel, fn Handler) func() {
	b.mu.Lock()
	if b.subs[ch] == nil {
		b.subs[ch] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[ch][id] = fn
	replay, hasReplay := b.last[ch]
	b.mu.Unlock()

	if hasReplay {
		fn(replay)
	}
	return func() {
		b.mu.Lock()
		delete(b.subs[ch], id)
		b.mu.Unlock()
	}
}

// Publish delivers value to every current subscriber of the channel and
// records it as the channel's replay value.
func (b *Bus) Publish(ch Channel, value any) {
	b.mu.Lock()
	b.last[ch] = value
	handlers := make([]Handler, 0, len(b.subs[ch]))
	for _, fn := range b.subs[ch] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(value)
	}
}
