package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

var ErrNotConfirmed = errors.New("broker did not confirm publish")

const (
	defaultDialAttempts = 5
	maxDialDelay        = 30 * time.Second
)

type AMQPOptions struct {
	URL          string
	Exchange     string
	DialAttempts int
	DialDelay    time.Duration
}

// AMQPPublisher publishes envelopes to a durable topic exchange with
// publisher confirms.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger

	mu sync.Mutex
	ch *amqp091.Channel
}

func NewAMQPPublisher(ctx context.Context, log *slog.Logger, opts AMQPOptions) (*AMQPPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "events"))
	conn, err := dialWithRetry(ctx, log, opts)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &AMQPPublisher{
		conn:     conn,
		exchange: opts.Exchange,
		logger:   log,
		ch:       ch,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	msgID := msg.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := msgID
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(
		ctx, p.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     msgID,
			CorrelationId: cid,
			Type:          msg.Meta.Type,
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err != nil {
		return err
	}
	if dc != nil {
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotConfirmed
		}
	}
	p.logger.Debug("published", slog.String("key", key), slog.String("exchange", p.exchange))
	return nil
}

// Ping reports whether the broker connection is still open.
func (p *AMQPPublisher) Ping(context.Context) error {
	if p.conn.IsClosed() {
		return amqp091.ErrClosed
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

func dialWithRetry(ctx context.Context, log *slog.Logger, opts AMQPOptions) (*amqp091.Connection, error) {
	attempts := opts.DialAttempts
	if attempts <= 0 {
		attempts = defaultDialAttempts
	}
	delay := opts.DialDelay
	if delay <= 0 {
		delay = time.Second
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				log.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}
		sleep := backoff(delay, i)
		log.Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err))
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", attempts, lastErr)
}

func backoff(base time.Duration, attempt int) time.Duration {
	sleep := base << (attempt - 1)
	if sleep <= 0 || sleep > maxDialDelay {
		return maxDialDelay
	}
	return sleep
}
