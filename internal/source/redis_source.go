// Package source implements the source contract of spec.md §6 over Redis
// Streams with a consumer group, the natural counterpart to the teacher's
// existing telemetry stream producer
// (internal/infrastructure/streams/telemetry_stream.go), which already
// writes batches keyed "telemetry:batches:<project>" — this package reads
// them back.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"loader/internal/loader"
)

// Config configures the Redis Streams consumer.
type Config struct {
	StreamKey     string
	ConsumerGroup string
	ConsumerName  string
	BatchSize     int64
	BlockTimeout  time.Duration
}

// Source consumes telemetry batches from a Redis Stream consumer group.
type Source struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
}

// New builds a Redis Streams Source, creating the consumer group if it
// does not already exist (BUSYGROUP is swallowed as success — the group
// was created by an earlier instance or the producer).
func New(client *redis.Client, cfg Config, logger *slog.Logger) (*Source, error) {
	err := client.XGroupCreateMkStream(context.Background(), cfg.StreamKey, cfg.ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("source: create consumer group: %w", err)
	}
	return &Source{client: client, cfg: cfg, logger: logger}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// token acks a Redis Streams message id back to the consumer group on the
// stream it was read from.
type token struct {
	client *redis.Client
	stream string
	group  string
	ids    []string
}

func (t *token) Ack() error {
	if len(t.ids) == 0 {
		return nil
	}
	return t.client.XAck(context.Background(), t.stream, t.group, t.ids...).Err()
}

// Stream implements pipeline.Source: a goroutine loops XReadGroup,
// pushing one TokenedEvents batch per read onto the returned channel.
func (s *Source) Stream(ctx context.Context) (<-chan loader.TokenedEvents, <-chan error) {
	batches := make(chan loader.TokenedEvents)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)

		for {
			if ctx.Err() != nil {
				return
			}

			result, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    s.cfg.ConsumerGroup,
				Consumer: s.cfg.ConsumerName,
				Streams:  []string{s.cfg.StreamKey, ">"},
				Count:    s.cfg.BatchSize,
				Block:    s.cfg.BlockTimeout,
			}).Result()

			if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errs <- fmt.Errorf("source: XReadGroup: %w", err)
				return
			}

			for _, stream := range result {
				for _, msg := range stream.Messages {
					payloads, err := messagePayloads(msg)
					if err != nil {
						s.logger.Warn("source: skipping malformed stream message", "id", msg.ID, "error", err)
						_ = s.client.XAck(ctx, s.cfg.StreamKey, s.cfg.ConsumerGroup, msg.ID).Err()
						continue
					}

					select {
					case batches <- loader.TokenedEvents{
						Payloads: payloads,
						Ack: &token{
							client: s.client,
							stream: s.cfg.StreamKey,
							group:  s.cfg.ConsumerGroup,
							ids:    []string{msg.ID},
						},
					}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return batches, errs
}

// messagePayloads extracts the raw event payloads carried in a stream
// message's "data" field, matching the producer's encoding in
// internal/infrastructure/streams/telemetry_stream.go: one message may
// batch many events, each becoming its own payload in the returned batch.
func messagePayloads(msg redis.XMessage) ([][]byte, error) {
	raw, ok := msg.Values["data"]
	if !ok {
		return nil, fmt.Errorf("missing \"data\" field")
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("\"data\" field is not a string")
	}

	var envelope struct {
		Events []struct {
			EventPayload json.RawMessage `json:"event_payload"`
		} `json:"events"`
	}
	if err := json.Unmarshal([]byte(s), &envelope); err != nil {
		return [][]byte{[]byte(s)}, nil // not enveloped JSON, treat as one raw TSV record
	}
	if len(envelope.Events) == 0 {
		return [][]byte{[]byte(s)}, nil
	}

	payloads := make([][]byte, len(envelope.Events))
	for i, e := range envelope.Events {
		payloads[i] = e.EventPayload
	}
	return payloads, nil
}
