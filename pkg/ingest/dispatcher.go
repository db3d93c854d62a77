package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"pulsegate/pkg/domain"
	"pulsegate/pkg/realtime"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// SubscriberLookup is the registry view the dispatcher needs.
type SubscriberLookup interface {
	Subscribers(channel string) []realtime.Subscriber
}

// Dispatcher resolves change events to channels and fans them out to the
// current subscribers. Events are partitioned across workers by channel
// hash: per-channel delivery order is preserved while unrelated channels
// proceed in parallel. Delivery is at-least-once to currently-subscribed
// connections; there is no replay buffer for events emitted while a
// connection was away.
type Dispatcher struct {
	registry SubscriberLookup
	queues   []chan domain.ChangeEvent
}

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// NewDispatcher constructs a dispatcher over the given registry.
func NewDispatcher(registry SubscriberLookup, cfg DispatcherConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	queues := make([]chan domain.ChangeEvent, workers)
	for i := range queues {
		queues[i] = make(chan domain.ChangeEvent, queueSize)
	}
	return &Dispatcher{registry: registry, queues: queues}
}

// Run drives the worker pool until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, queue := range d.queues {
		queue := queue
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case event := <-queue:
					d.fanOut(event)
				}
			}
		})
	}
	return g.Wait()
}

// Handle accepts one committed change event from a source and routes it to
// the worker owning its channel. Blocks when the worker queue is full so
// that backpressure reaches the source rather than dropping events.
func (d *Dispatcher) Handle(ctx context.Context, event domain.ChangeEvent) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	channel := event.Channel()
	select {
	case d.queues[d.partition(channel)] <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) fanOut(event domain.ChangeEvent) {
	channel := event.Channel()
	subscribers := d.registry.Subscribers(channel)
	delivered := 0
	for _, sub := range subscribers {
		if sub.Deliver(event) {
			delivered++
		}
	}
	slog.Debug("change event dispatched",
		"channel", channel,
		"operation", event.Operation,
		"subscribers", len(subscribers),
		"delivered", delivered,
	)
}

func (d *Dispatcher) partition(channel string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	return int(h.Sum32() % uint32(len(d.queues)))
}

func validateEvent(event domain.ChangeEvent) error {
	if strings.TrimSpace(event.WorkspaceID) == "" ||
		strings.TrimSpace(event.ResourceKind) == "" ||
		strings.TrimSpace(event.ResourceID) == "" {
		return fmt.Errorf("%w: change event missing workspace/resource identity", domain.ErrInvalidRequest)
	}
	switch event.Operation {
	case domain.OpInsert, domain.OpUpdate, domain.OpDelete:
		return nil
	default:
		return fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidRequest, event.Operation)
	}
}
