package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/models"
)

// Client implements the MessageBus interface using Kafka
type Client struct {
	config    BusConfig
	logger    logging.Logger
	writer    *kafka.Writer
	readers   map[string]*kafka.Reader
	handlers  map[string]MessageHandler
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected bool
	health    models.HealthStatus
}

// NewClient creates a new Kafka client
func NewClient(config BusConfig, logger logging.Logger) *Client {
	return &Client{
		config:   config,
		logger:   logger,
		readers:  make(map[string]*kafka.Reader),
		handlers: make(map[string]MessageHandler),
		health:   models.HealthUnknown,
	}
}

// Connect establishes connection to Kafka brokers
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	c.writer = &kafka.Writer{
		Addr:         kafka.TCP(c.config.Brokers...),
		Balancer:     &kafka.Hash{}, // key-hashed so per-agent ordering holds
		BatchSize:    c.config.Producer.BatchSize,
		BatchTimeout: time.Duration(c.config.Producer.LingerMs) * time.Millisecond,
		Async:        false, // synchronous writes for reliability
		Compression:  compressionCodec(c.config.Producer.CompressionType),
		RequiredAcks: requiredAcks(c.config.Producer.Acks),
	}

	c.connected = true
	c.health = models.HealthHealthy

	return nil
}

// Publish sends a message to a Kafka topic keyed by the message id
func (c *Client) Publish(ctx context.Context, topic string, msg models.Message) error {
	return c.PublishWithKey(ctx, topic, msg.ID, msg)
}

// PublishWithKey sends a message to a Kafka topic with a specific key
func (c *Client) PublishWithKey(ctx context.Context, topic string, key string, msg models.Message) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return &ConnectionError{Message: "client not connected"}
	}
	c.mu.RUnlock()

	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	value, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	kafkaMsg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "message_type", Value: []byte(msg.Type)},
			{Key: "source", Value: []byte(msg.Source)},
			{Key: "correlation_id", Value: []byte(msg.CorrelationID)},
			{Key: "timestamp", Value: []byte(msg.Timestamp.Format(time.RFC3339Nano))},
		},
	}

	if err := c.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// Subscribe registers a handler for messages on a topic
func (c *Client) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.readers[topic]; exists {
		return fmt.Errorf("already subscribed to topic: %s", topic)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          topic,
		GroupID:        c.config.Consumer.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    startOffset(c.config.Consumer.AutoOffsetReset),
	})

	c.readers[topic] = reader
	c.handlers[topic] = handler

	c.wg.Add(1)
	go c.consumeMessages(topic, reader, handler)

	return nil
}

// SubscribeToMultiple subscribes to multiple topics with the same handler
func (c *Client) SubscribeToMultiple(ctx context.Context, topics []string, handler MessageHandler) error {
	for _, topic := range topics {
		if err := c.Subscribe(ctx, topic, handler); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes subscription from a topic
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reader, exists := c.readers[topic]
	if !exists {
		return nil
	}

	if err := reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader for topic %s: %w", topic, err)
	}

	delete(c.readers, topic)
	delete(c.handlers, topic)

	return nil
}

// Close shuts down the Kafka client
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.wg.Wait()

	for topic, reader := range c.readers {
		if err := reader.Close(); err != nil {
			return fmt.Errorf("failed to close reader for topic %s: %w", topic, err)
		}
	}

	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			return fmt.Errorf("failed to close writer: %w", err)
		}
	}

	c.connected = false
	c.health = models.HealthUnknown
	c.readers = make(map[string]*kafka.Reader)
	c.handlers = make(map[string]MessageHandler)

	return nil
}

// Health returns the current health status
func (c *Client) Health() models.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// consumeMessages reads messages from a topic and invokes the handler
func (c *Client) consumeMessages(topic string, reader *kafka.Reader, handler MessageHandler) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			kafkaMsg, err := reader.FetchMessage(ctx)
			cancel()

			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				continue // timeout or transient error, retry
			}

			var msg models.Message
			if err := json.Unmarshal(kafkaMsg.Value, &msg); err != nil {
				c.logger.Warn("dropping undecodable message",
					logging.String("topic", topic),
					logging.Err(err))
				continue
			}

			handlerCtx := logging.WithCorrelationID(context.Background(), msg.CorrelationID)
			if err := handler(handlerCtx, msg); err != nil {
				c.logger.Error("message handler failed",
					logging.String("topic", topic),
					logging.String("message_id", msg.ID),
					logging.Err(err))
				continue
			}

			if err := reader.CommitMessages(c.ctx, kafkaMsg); err != nil {
				// Failed to commit, message will be reprocessed
				continue
			}
		}
	}
}

func compressionCodec(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

func requiredAcks(acks string) kafka.RequiredAcks {
	switch acks {
	case "0":
		return kafka.RequireNone
	case "1":
		return kafka.RequireOne
	case "all", "-1":
		return kafka.RequireAll
	default:
		return kafka.RequireAll
	}
}

func startOffset(offset string) int64 {
	switch offset {
	case "earliest":
		return kafka.FirstOffset
	case "latest":
		return kafka.LastOffset
	default:
		return kafka.FirstOffset
	}
}
