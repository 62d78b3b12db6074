package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pershinghar/go-sudo-collection/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const rawDataContentType = "application/json"

// RabbitMQClient publishes and consumes RawData messages
type RabbitMQClient struct {
	config   *models.RabbitMQConfig
	conn     *amqp.Connection
	channel  *amqp.Channel
	log      *logrus.Entry
	mu       sync.Mutex
	isClosed bool
}

// NewRabbitMQClient creates a new RabbitMQ client instance.
// Unset fields of config fall back to DefaultRabbitMQConfig.
func NewRabbitMQClient(config *models.RabbitMQConfig) *RabbitMQClient {
	defaults := models.DefaultRabbitMQConfig()
	if config == nil {
		config = defaults
	}

	cfg := *config
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaults.Exchange
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = defaults.ExchangeType
	}
	if cfg.QueueName == "" {
		cfg.QueueName = defaults.QueueName
	}

	return &RabbitMQClient{
		config: &cfg,
		log:    logrus.WithField("exchange", cfg.Exchange),
	}
}

// Connect establishes a connection to RabbitMQ and declares the exchange
func (c *RabbitMQClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return fmt.Errorf("client is closed")
	}

	if c.conn != nil {
		return nil // Already connected
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := amqp.Dial(c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		c.config.Exchange,     // name
		c.config.ExchangeType, // type
		c.config.Durable,      // durable
		c.config.AutoDelete,   // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	c.conn = conn
	c.channel = ch
	c.log.Info("connected to RabbitMQ and declared exchange")
	return nil
}

// Publish sends one RawData message to the exchange
func (c *RabbitMQClient) Publish(ctx context.Context, data *models.RawData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ready()
	if err != nil {
		return err
	}

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = ch.PublishWithContext(
		ctx,
		c.config.Exchange,   // exchange
		c.config.RoutingKey, // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType:   rawDataContentType,
			CorrelationId: data.CollectionID,
			Timestamp:     data.Timestamp,
			Headers: amqp.Table{
				"source_id": data.SourceID,
				"chunk_id":  data.ChunkID,
			},
			Body: body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// Close closes the channel and then the connection. Closing twice is a no-op.
func (c *RabbitMQClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return nil
	}
	c.isClosed = true

	var closers []io.Closer
	if c.channel != nil {
		closers = append(closers, c.channel)
	}
	if c.conn != nil {
		closers = append(closers, c.conn)
	}
	c.channel, c.conn = nil, nil

	return closeAll(closers...)
}

// closeAll closes every closer in order. Already closed AMQP resources are
// not an error.
func closeAll(closers ...io.Closer) error {
	var errs []error
	for _, closer := range closers {
		if err := closer.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("errors during close: %w", err)
	}
	return nil
}

// IsConnected returns true if the client is connected
func (c *RabbitMQClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.isClosed
}

// ready returns the open channel. The caller holds mu.
func (c *RabbitMQClient) ready() (*amqp.Channel, error) {
	if c.isClosed {
		return nil, fmt.Errorf("client is closed")
	}
	if c.channel == nil {
		return nil, fmt.Errorf("not connected: call Connect() first")
	}
	return c.channel, nil
}

// CreateQueue declares the configured queue, binds it to the exchange with
// the configured routing key and returns the queue name the broker assigned.
func (c *RabbitMQClient) CreateQueue(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ready()
	if err != nil {
		return "", err
	}

	cfg := c.config
	queue, err := ch.QueueDeclare(cfg.QueueName, cfg.QueueDurable, cfg.QueueAutoDelete, cfg.QueueExclusive, false, nil)
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %q: %w", cfg.QueueName, err)
	}

	// the routing key is ignored by fanout exchanges
	if err := ch.QueueBind(queue.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %q to %q: %w", queue.Name, cfg.Exchange, err)
	}

	c.log.WithFields(logrus.Fields{
		"queue":       queue.Name,
		"routing_key": cfg.RoutingKey,
	}).Info("queue declared and bound")
	return queue.Name, nil
}

// Consume delivers every message of queueName to handler until ctx is done,
// then cancels the consumer on the broker.
// Messages that do not decode are dropped; handler errors requeue the message.
func (c *RabbitMQClient) Consume(ctx context.Context, queueName string, handler func(data *models.RawData) error) error {
	c.mu.Lock()
	ch, err := c.ready()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	tag := "parser-" + uuid.NewString()
	// manual ack, shared queue
	msgs, err := ch.Consume(queueName, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer on %q: %w", queueName, err)
	}

	log := c.log.WithFields(logrus.Fields{
		"queue":    queueName,
		"consumer": tag,
	})
	log.Info("started consuming")

	go deliver(ctx, ch, tag, msgs, handler, log)
	return nil
}

// consumerCanceller stops a consumer registered on a channel
type consumerCanceller interface {
	Cancel(consumer string, noWait bool) error
}

// deliver settles each delivery of msgs through handler. Once ctx is done it
// cancels the consumer tag and requeues whatever was delivered before the
// broker stopped sending.
func deliver(ctx context.Context, canceller consumerCanceller, tag string, msgs <-chan amqp.Delivery, handler func(data *models.RawData) error, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			if err := canceller.Cancel(tag, false); err != nil {
				if !errors.Is(err, amqp.ErrClosed) {
					log.WithError(err).Warn("failed to cancel consumer")
				}
				return
			}
			for msg := range msgs {
				if err := msg.Nack(false, true); err != nil {
					log.WithError(err).Warn("failed to requeue message")
				}
			}
			log.Info("consumer stopped due to context cancellation")
			return
		case msg, ok := <-msgs:
			if !ok {
				log.Info("consumer channel closed")
				return
			}
			settle(msg, handler, log)
		}
	}
}

func settle(msg amqp.Delivery, handler func(data *models.RawData) error, log *logrus.Entry) {
	ack, requeue := handleDelivery(msg.Body, handler, log)

	var err error
	if ack {
		err = msg.Ack(false)
	} else {
		err = msg.Nack(false, requeue)
	}
	if err != nil {
		log.WithError(err).WithField("delivery_tag", msg.DeliveryTag).Warn("failed to settle message")
	}
}

// handleDelivery decodes body and runs handler on it, returning how the
// delivery should be settled.
func handleDelivery(body []byte, handler func(data *models.RawData) error, log *logrus.Entry) (ack, requeue bool) {
	var rawData models.RawData
	if err := json.Unmarshal(body, &rawData); err != nil {
		log.WithError(err).Warn("failed to unmarshal message, dropping it")
		return false, false
	}

	if err := handler(&rawData); err != nil {
		log.WithError(err).Warn("handler failed, requeueing message")
		return false, true
	}

	return true, false
}
