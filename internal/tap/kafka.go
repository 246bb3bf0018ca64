// Package tap mirrors every bus envelope to a Kafka topic for external
// observability. The tap is strictly fire-and-forget: broker failures
// are logged and never reach the publishing path.
package tap

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ostheimer/coreclaw/internal/bus"
)

// Config holds the tap settings.
type Config struct {
	Enabled bool   `json:"enabled" envconfig:"KAFKA_ENABLED"`
	Brokers string `json:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string `json:"topic" envconfig:"KAFKA_TOPIC"`
}

// DefaultConfig returns the tap defaults.
func DefaultConfig() Config {
	return Config{Topic: "coreclaw.events"}
}

// messageWriter is the writing side of a kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Tap streams bus envelopes to Kafka.
type Tap struct {
	writer messageWriter
	sub    bus.Subscription
	bus    *bus.Bus
	queue  chan bus.Envelope
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a tap over the configured brokers.
func New(cfg Config) *Tap {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
	}
	return newWithWriter(writer)
}

func newWithWriter(w messageWriter) *Tap {
	return &Tap{writer: w, queue: make(chan bus.Envelope, 256)}
}

// Attach subscribes the tap to every event on the bus and starts the
// forwarding loop.
func (t *Tap) Attach(b *bus.Bus) {
	t.bus = b
	t.sub = b.Subscribe(bus.Wildcard, func(env bus.Envelope) {
		select {
		case t.queue <- env:
		default:
			slog.Warn("Tap: event queue full, dropping envelope", "type", env.Type)
		}
	})
	t.wg.Add(1)
	go t.forward()
}

func (t *Tap) forward() {
	defer t.wg.Done()
	for env := range t.queue {
		data, err := json.Marshal(env)
		if err != nil {
			slog.Warn("Tap: failed to encode envelope", "type", env.Type, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = t.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(env.Type),
			Value: data,
		})
		cancel()
		if err != nil {
			slog.Warn("Tap: kafka write failed", "type", env.Type, "error", err)
		}
	}
}

// Close detaches from the bus, drains the queue and closes the writer.
func (t *Tap) Close() error {
	var err error
	t.once.Do(func() {
		if t.bus != nil {
			t.bus.Unsubscribe(t.sub)
		}
		close(t.queue)
		t.wg.Wait()
		err = t.writer.Close()
	})
	return err
}
