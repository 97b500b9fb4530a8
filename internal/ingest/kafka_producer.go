package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// A synchronous writer holds every message for up to BatchTimeout; the
// library default of one second would throttle the publish queues to one
// message per second.
const batchTimeout = 10 * time.Millisecond

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes sampled driver positions and trip lifecycle events.
// Either writer may be absent when its topic is not configured.
type KafkaProducer struct {
	locations messageWriter
	trips     messageWriter
	timeout   time.Duration
}

func NewKafkaProducer(brokers []string, locationTopic, tripTopic string) *KafkaProducer {
	p := &KafkaProducer{timeout: 2 * time.Second}
	if locationTopic != "" {
		p.locations = &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: locationTopic, Balancer: &kafka.LeastBytes{}, BatchTimeout: batchTimeout}
	}
	if tripTopic != "" {
		// keyed by trip id so every step of a trip lands on one partition
		p.trips = &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: tripTopic, Balancer: &kafka.Hash{}, BatchTimeout: batchTimeout}
	}
	return p
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.Position) error {
	if k.locations == nil {
		return nil
	}
	return k.write(ctx, k.locations, p.DriverID, p)
}

func (k *KafkaProducer) PublishTripEvent(ctx context.Context, ev models.TripEvent) error {
	if k.trips == nil {
		return nil
	}
	return k.write(ctx, k.trips, ev.TripID, ev)
}

func (k *KafkaProducer) write(ctx context.Context, w messageWriter, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []messageWriter{k.locations, k.trips} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}
