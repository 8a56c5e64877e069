package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler processes one message body
type MessageHandler func(ctx context.Context, routingKey string, body []byte) error

// Consumer reads display events from a queue bound to the display exchange
type Consumer struct {
	channel    *amqp.Channel
	queue      string
	exchange   string
	routingKey string
	logger     *zap.Logger
	handler    MessageHandler
}

// ConsumerConfig holds consumer configuration. An empty Queue declares a
// server-named exclusive queue that disappears with the consumer.
type ConsumerConfig struct {
	Connection *Connection
	Queue      string
	Exchange   string
	RoutingKey string
	Logger     *zap.Logger
	Handler    MessageHandler
}

// NewConsumer declares the exchange and queue and binds them
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareExchange(ch, cfg.Exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	temporary := cfg.Queue == ""
	q, err := ch.QueueDeclare(
		cfg.Queue,
		!temporary, // durable
		temporary,  // delete when unused
		temporary,  // exclusive
		false,      // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Consumer{
		channel:    ch,
		queue:      q.Name,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     cfg.Logger,
		handler:    cfg.Handler,
	}, nil
}

// Run consumes until ctx is done or the channel closes
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.String("exchange", c.exchange),
		zap.String("routing_key", c.routingKey),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer context cancelled, stopping")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			c.processMessage(ctx, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	if err := c.handler(ctx, msg.RoutingKey, msg.Body); err != nil {
		c.logger.Error("failed to process message",
			zap.Error(err),
			zap.String("routing_key", msg.RoutingKey),
		)
		// display events are not retried
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		c.logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
