package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"pulsegate/pkg/domain"
)

// AMQPSource consumes change events published by the data store to a
// fanout exchange. Each gateway instance binds its own exclusive
// auto-delete queue, so every instance sees every event and queues vanish
// with the connection. There is no replay.
type AMQPSource struct {
	url      string
	exchange string
}

// AMQPConfig configures the fanout consumer.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// NewAMQPSource validates config. The broker is dialed in Run so that a
// lost connection surfaces as a fatal Run error, not a constructor retry.
func NewAMQPSource(cfg AMQPConfig) (*AMQPSource, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		return nil, errors.New("amqp exchange required")
	}
	return &AMQPSource{url: url, exchange: exchange}, nil
}

// Run consumes the exchange until the context ends or the connection drops.
func (s *AMQPSource) Run(ctx context.Context, handle func(context.Context, domain.ChangeEvent) error) error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(s.exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, "", s.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			return fmt.Errorf("change stream lost: %w", amqpErr)
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("change stream lost: deliveries channel closed")
			}
			var event domain.ChangeEvent
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				slog.Warn("discarding malformed change event", "err", err)
				continue
			}
			if err := handle(ctx, event); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}
