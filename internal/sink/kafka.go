package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"krakenclient/internal/config"
	"krakenclient/internal/events"
	"krakenclient/internal/logger"
)

const (
	eventBuffer  = 512
	batchTimeout = 10 * time.Millisecond
)

// MessageWriter is the part of kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventSource provides the domain event stream
type EventSource interface {
	Events(buffer int) (<-chan events.Event, func())
}

// KafkaSink publishes every domain event as JSON to a topic, keyed by order
// id or pair so related events share a partition.
type KafkaSink struct {
	writer  MessageWriter
	source  EventSource
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	log     *logger.Entry
}

// NewKafkaWriter builds the kafka-go writer for the configured topic
func NewKafkaWriter(cfg config.KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: batchTimeout,
	}, nil
}

func NewKafkaSink(source EventSource, writer MessageWriter, log *logger.Log) *KafkaSink {
	if log == nil {
		log = logger.GetLogger()
	}
	return &KafkaSink{
		writer: writer,
		source: source,
		log:    log.WithComponent("kafka_sink"),
	}
}

func (k *KafkaSink) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return fmt.Errorf("kafka sink already running")
	}
	k.running = true

	ctx, k.cancel = context.WithCancel(ctx)
	evs, unsubscribe := k.source.Events(eventBuffer)

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer unsubscribe()
		k.run(ctx, evs)
	}()

	k.log.Debug("kafka sink started")
	return nil
}

func (k *KafkaSink) run(ctx context.Context, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-evs:
			if !ok {
				return
			}
			if err := k.publish(ctx, e); err != nil {
				k.log.WithError(err).WithField("event", e.Name).Warn("failed to write event")
			}
		}
	}
}

func (k *KafkaSink) publish(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Name, err)
	}
	msg := kafka.Message{
		Key:     []byte(e.Key()),
		Value:   data,
		Time:    e.Time,
		Headers: []kafka.Header{{Key: "event", Value: []byte(e.Name)}},
	}
	return k.writer.WriteMessages(ctx, msg)
}

// Stop drains the consumer goroutine and closes the writer
func (k *KafkaSink) Stop() error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	k.running = false
	k.cancel()
	k.mu.Unlock()

	k.wg.Wait()
	k.log.Debug("kafka sink stopped")
	return k.writer.Close()
}
