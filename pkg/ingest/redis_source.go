package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pulsegate/pkg/domain"
)

// RedisStreamSource consumes change events XADD'd by the data store to a
// Redis stream. Every gateway instance reads the full stream (plain XREAD,
// no consumer group): realtime fan-out wants each instance to see each
// event, not to share work.
type RedisStreamSource struct {
	client    *redis.Client
	stream    string
	startID   string
	block     time.Duration
	maxErrors int
}

// RedisStreamConfig configures the stream consumer.
type RedisStreamConfig struct {
	Addr     string
	Password string
	Stream   string

	// StartID is the stream position to begin at; defaults to "$",
	// meaning only events committed after startup. There is no replay.
	StartID string
	Block   time.Duration
	// MaxErrors is the number of consecutive read failures tolerated
	// before the stream is considered lost.
	MaxErrors int
}

// NewRedisStreamSource validates config and connects the client.
func NewRedisStreamSource(cfg RedisStreamConfig) (*RedisStreamSource, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("change stream name required")
	}
	startID := strings.TrimSpace(cfg.StartID)
	if startID == "" {
		startID = "$"
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	maxErrors := cfg.MaxErrors
	if maxErrors <= 0 {
		maxErrors = 5
	}
	return &RedisStreamSource{
		client:    redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:    stream,
		startID:   startID,
		block:     block,
		maxErrors: maxErrors,
	}, nil
}

// Run reads the stream until the context ends or the stream is lost.
func (s *RedisStreamSource) Run(ctx context.Context, handle func(context.Context, domain.ChangeEvent) error) error {
	lastID := s.startID
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, lastID},
			Count:   100,
			Block:   s.block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == redis.Nil {
				failures = 0
				continue
			}
			failures++
			if failures >= s.maxErrors {
				return fmt.Errorf("change stream lost: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		failures = 0

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				event, ok := decodeStreamEvent(msg)
				if !ok {
					continue
				}
				if err := handle(ctx, event); err != nil && ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}
	}
}

func decodeStreamEvent(msg redis.XMessage) (domain.ChangeEvent, bool) {
	str := func(field string) string {
		v, _ := msg.Values[field].(string)
		return strings.TrimSpace(v)
	}
	event := domain.ChangeEvent{
		WorkspaceID:  str("workspace_id"),
		ResourceKind: str("resource_kind"),
		ResourceID:   str("resource_id"),
		Operation:    domain.Operation(str("operation")),
		Seq:          seqFromStreamID(msg.ID),
	}
	if payload := str("payload"); payload != "" {
		event.Payload = []byte(payload)
	}
	if event.WorkspaceID == "" || event.ResourceKind == "" || event.ResourceID == "" {
		return domain.ChangeEvent{}, false
	}
	return event, true
}

// seqFromStreamID extracts the millisecond part of a stream entry ID
// ("1526919030474-0") as a monotonic sequence hint.
func seqFromStreamID(id string) int64 {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0
	}
	seq, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
