// Package safetyq is the durable at-least-once queue for safety-relevant
// events. Producers append; a delivery loop drains undelivered events to
// in-process subscribers with bounded retries. The durable record always
// outlives a broken subscriber link.
package safetyq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calibworks/ecud/internal/db"
	"github.com/calibworks/ecud/internal/model"
	"github.com/calibworks/ecud/internal/pubsub"
)

// Subscriber receives one event at a time. A non-nil error leaves the
// event undelivered and costs one retry attempt.
type Subscriber func(ev model.SafetyEvent) error

type Health struct {
	Undelivered int       `json:"undelivered"`
	Exhausted   int       `json:"exhausted"`
	CheckedAt   time.Time `json:"checked_at"`
}

type Options struct {
	DeliveryTick  time.Duration
	DeliveryLimit int
	MaxAttempts   int
	Retention     time.Duration
	RetentionTick time.Duration
}

type Queue struct {
	store  *db.Store
	bus    *pubsub.Bus
	logger *slog.Logger
	opts   Options

	mu     sync.Mutex
	nextID int
	subs   map[int]Subscriber
}

func New(store *db.Store, bus *pubsub.Bus, logger *slog.Logger, opts Options) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DeliveryLimit <= 0 {
		opts.DeliveryLimit = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Queue{
		store:  store,
		bus:    bus,
		logger: logger,
		opts:   opts,
		subs:   make(map[int]Subscriber),
	}
}

func (q *Queue) Subscribe(fn Subscriber) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	q.subs[id] = fn
	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}
}

// Append persists the event before returning. Only after the durable write
// succeeds may the caller proceed with the hardware action the event gates;
// a persistence failure here is fatal to the triggering command.
func (q *Queue) Append(ctx context.Context, evType model.SafetyEventType, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	ev := model.SafetyEvent{
		EventID:   uuid.NewString(),
		Type:      evType,
		Payload:   string(body),
		CreatedAt: time.Now().UTC(),
	}
	if err := q.store.AppendSafetyEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("%s: append %s event: %w", model.ErrPersistenceFailure, evType, err)
	}
	return ev.EventID, nil
}

// DeliverOnce drains one batch of undelivered events to the current
// subscribers. Successes are marked delivered, failures cost one attempt.
// Events past the attempt budget are never removed; they raise the
// queue-health alarm instead.
func (q *Queue) DeliverOnce(ctx context.Context) error {
	subs := q.snapshotSubscribers()
	if len(subs) > 0 {
		events, err := q.store.ListUndeliveredEvents(ctx, q.opts.DeliveryLimit, q.opts.MaxAttempts)
		if err != nil {
			return err
		}
		var delivered, failed []string
		for _, ev := range events {
			if err := deliver(subs, ev); err != nil {
				q.logger.Warn("safety event delivery failed",
					slog.String("event_id", ev.EventID),
					slog.String("event_type", string(ev.Type)),
					slog.Int("attempts", ev.DeliveryAttempts+1),
					slog.String("error", err.Error()))
				failed = append(failed, ev.EventID)
				continue
			}
			delivered = append(delivered, ev.EventID)
		}
		if err := q.store.MarkEventsDelivered(ctx, delivered); err != nil {
			return err
		}
		if err := q.store.IncrementEventAttempts(ctx, failed); err != nil {
			return err
		}
	}

	health, err := q.CheckHealth(ctx)
	if err != nil {
		return err
	}
	if health.Exhausted > 0 {
		q.logger.Error("safety events exhausted delivery retries; manual inspection required",
			slog.Int("exhausted", health.Exhausted))
	}
	if q.bus != nil {
		q.bus.Publish(pubsub.ChannelQueueHealth, health)
	}
	return nil
}

func (q *Queue) CheckHealth(ctx context.Context) (Health, error) {
	undelivered, err := q.store.CountUndeliveredEvents(ctx)
	if err != nil {
		return Health{}, err
	}
	exhausted, err := q.store.CountExhaustedEvents(ctx, q.opts.MaxAttempts)
	if err != nil {
		return Health{}, err
	}
	return Health{
		Undelivered: undelivered,
		Exhausted:   exhausted,
		CheckedAt:   time.Now().UTC(),
	}, nil
}

// Cleanup deletes delivered events older than the retention window.
func (q *Queue) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	return q.store.PurgeDeliveredEvents(ctx, now.Add(-q.opts.Retention))
}

// Run drives delivery and retention on their ticks until ctx is done. The
// loop never propagates errors; a failing tick degrades delivery, not the
// command pipeline.
func (q *Queue) Run(ctx context.Context) {
	deliveryTick := q.opts.DeliveryTick
	if deliveryTick <= 0 {
		deliveryTick = time.Second
	}
	retentionTick := q.opts.RetentionTick
	if retentionTick <= 0 {
		retentionTick = time.Hour
	}

	if err := q.DeliverOnce(ctx); err != nil && ctx.Err() == nil {
		q.logger.Warn("safety queue delivery tick failed", slog.String("error", err.Error()))
	}

	delivery := time.NewTicker(deliveryTick)
	retention := time.NewTicker(retentionTick)
	defer delivery.Stop()
	defer retention.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-delivery.C:
			if err := q.DeliverOnce(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("safety queue delivery tick failed", slog.String("error", err.Error()))
			}
		case <-retention.C:
			if _, err := q.Cleanup(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				q.logger.Warn("safety queue retention tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (q *Queue) snapshotSubscribers() []Subscriber {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Subscriber, 0, len(q.subs))
	for _, fn := range q.subs {
		out = append(out, fn)
	}
	return out
}

func deliver(subs []Subscriber, ev model.SafetyEvent) error {
	for _, fn := range subs {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}
