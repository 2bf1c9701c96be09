package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/metrics"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	handleTimeout        = 30 * time.Second
)

// Event is the queue payload published by the chat services. ID is the
// producer's event id and becomes the usage log id.
type Event struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Service   string `json:"service"`
	Quantity  int64  `json:"quantity"`
}

type ConsumerConfig struct {
	URL      string
	Queue    string
	Workers  int
	Prefetch int
}

// Consumer records usage events from RabbitMQ. Deliveries are acked once the
// log is stored, dropped (nack without requeue) when malformed and requeued
// when storage fails.
type Consumer struct {
	cfg      ConsumerConfig
	recorder *Recorder
	log      logrus.FieldLogger

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, recorder *Recorder, log logrus.FieldLogger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers * 10
	}
	return &Consumer{cfg: cfg, recorder: recorder, log: log}
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.log.WithField("queue", c.cfg.Queue).Info("connected to RabbitMQ")
	return nil
}

// Run consumes until ctx is canceled, reconnecting with a growing delay when
// the broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := c.connect()
		if err == nil {
			attempt = 0
			err = c.consume(ctx)
		}
		if ctx.Err() != nil {
			c.close()
			return nil
		}

		attempt++
		if attempt > maxReconnectAttempts {
			c.close()
			return fmt.Errorf("giving up after %d reconnect attempts: %w", maxReconnectAttempts, err)
		}

		delay := reconnectDelay * time.Duration(attempt)
		c.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
			"error":   err,
		}).Warn("RabbitMQ connection lost, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.close()
			return nil
		}
	}
}

// consume runs the workers until ctx ends or the connection closes.
func (c *Consumer) consume(ctx context.Context) error {
	c.mu.RLock()
	conn, channel := c.conn, c.channel
	c.mu.RUnlock()

	msgs, err := channel.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.close()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.log.WithField("workers", c.cfg.Workers).Info("starting usage consumer workers")
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(workerCtx, msgs, i)
	}

	var cause error
	select {
	case <-ctx.Done():
	case amqpErr := <-closed:
		if amqpErr != nil {
			cause = amqpErr
		} else {
			cause = fmt.Errorf("connection closed")
		}
	}
	cancel()
	c.wg.Wait()
	c.close()
	return cause
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery, workerID int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.handle(ctx, msg, workerID)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery, workerID int) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	var event Event
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.log.WithFields(logrus.Fields{
			"worker_id": workerID,
			"error":     err,
			"body":      string(msg.Body),
		}).Error("failed to unmarshal usage event")
		metrics.UsageEvents.WithLabelValues("malformed").Inc()
		_ = msg.Nack(false, false)
		return
	}

	l, err := c.recorder.RecordEvent(ctx, credits.UsageLogID(event.ID), credits.AccountID(event.AccountID), credits.ServiceKind(event.Service), event.Quantity)
	if err != nil {
		log := c.log.WithFields(logrus.Fields{
			"worker_id":  workerID,
			"event_id":   event.ID,
			"account_id": event.AccountID,
			"service":    event.Service,
			"error":      err,
		})
		if errors.Is(err, credits.ErrUsageLogExists) {
			log.Debug("usage event already recorded")
			metrics.UsageEvents.WithLabelValues("duplicate").Inc()
			_ = msg.Ack(false)
			return
		}
		if IsInvalid(err) {
			log.Error("invalid usage event dropped")
			metrics.UsageEvents.WithLabelValues("malformed").Inc()
			_ = msg.Nack(false, false)
			return
		}
		log.Warn("failed to record usage event, requeueing")
		metrics.UsageEvents.WithLabelValues("retry").Inc()
		_ = msg.Nack(false, true)
		return
	}

	metrics.UsageEvents.WithLabelValues("recorded").Inc()
	_ = msg.Ack(false)
	c.log.WithFields(logrus.Fields{
		"worker_id":    workerID,
		"usage_log_id": l.ID,
	}).Debug("usage event recorded")
}

func (c *Consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
