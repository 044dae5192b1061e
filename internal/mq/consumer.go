package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDrop marks a message that must not be redelivered. Handlers wrap it
// around decoding errors and other permanent failures.
var ErrDrop = errors.New("drop message")

// Handler processes one delivery. A nil error acks the message, an error
// wrapping ErrDrop rejects it without requeue, any other error requeues it.
type Handler interface {
	Handle(ctx context.Context, routingKey string, body []byte) error
}

type HandlerFunc func(ctx context.Context, routingKey string, body []byte) error

func (f HandlerFunc) Handle(ctx context.Context, routingKey string, body []byte) error {
	return f(ctx, routingKey, body)
}

type ConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	Bindings []string
	Prefetch int
	// DeadLetterExchange receives dropped messages when set.
	DeadLetterExchange string
	Tag                string
}

type Consumer struct {
	cfg    ConsumerConfig
	logger *slog.Logger
	conn   *amqp.Connection
	ch     *amqp.Channel
}

func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	const op = "mq.NewConsumer"

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%s: dial rabbitmq: %w", op, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: open channel: %w", op, err)
	}

	fail := func(step string, err error) (*Consumer, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %s: %w", op, step, err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}

	args := amqp.Table{}
	if cfg.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
			return fail("declare dead letter exchange", err)
		}
		args["x-dead-letter-exchange"] = cfg.DeadLetterExchange
	}

	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args)
	if err != nil {
		return fail("declare queue", err)
	}

	for _, key := range cfg.Bindings {
		if err := ch.QueueBind(q.Name, key, cfg.Exchange, false, nil); err != nil {
			return fail("bind "+key, err)
		}
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fail("set qos", err)
	}

	cfg.Queue = q.Name

	return &Consumer{cfg: cfg, logger: logger, conn: conn, ch: ch}, nil
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	const op = "mq.Consumer.Run"

	msgs, err := c.ch.ConsumeWithContext(ctx, c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%s: delivery channel closed", op)
			}
			c.dispatch(ctx, h, d)
		}
	}
}

// Acknowledger is the part of a delivery that settles it.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Consumer) dispatch(ctx context.Context, h Handler, d amqp.Delivery) {
	Settle(ctx, c.logger, h, &d, d.RoutingKey, d.Body)
}

// Settle runs h and acks, drops or requeues the delivery depending on the
// outcome.
func Settle(ctx context.Context, logger *slog.Logger, h Handler, ack Acknowledger, key string, body []byte) {
	err := h.Handle(ctx, key, body)

	switch {
	case err == nil:
		_ = ack.Ack(false)
	case errors.Is(err, ErrDrop):
		logger.Warn("mq drop", slog.String("routing_key", key), slog.Any("err", err))
		_ = ack.Nack(false, false)
	default:
		logger.Error("mq requeue", slog.String("routing_key", key), slog.Any("err", err))
		_ = ack.Nack(false, true)
	}
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
