package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"github.com/pixellens/academy/internal/config"
)

const logFileName = "enrollment.log"

// StartConsumer runs the consumer for the broker named in cfg until ctx is
// cancelled.  With no broker configured it returns immediately.
func StartConsumer(ctx context.Context, cfg config.BrokerConfig) error {
	switch cfg.Kind {
	case "rabbitmq":
		return StartRabbitConsumer(ctx, cfg)
	case "kafka":
		return StartKafkaConsumer(ctx, cfg)
	case "", "none":
		log.Printf("enrollment-consumer: no broker configured")
		return nil
	default:
		return fmt.Errorf("unsupported EVENT_BROKER: %q", cfg.Kind)
	}
}

// StartRabbitConsumer connects to RabbitMQ, declares the checkout queue
// (durable), and consumes messages.  Each message is appended to
// <LogDir>/enrollment.log in a single-line, human-friendly format.  The
// function reconnects with exponential backoff and returns nil once ctx
// is cancelled.
func StartRabbitConsumer(ctx context.Context, cfg config.BrokerConfig) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Printf("enrollment-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeRabbit(ctx, conn, cfg)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("enrollment-consumer: consume loop ended: %v; reconnecting", err)
		if !sleepCtx(ctx, 2*time.Second) {
			return nil
		}
	}
}

func consumeRabbit(ctx context.Context, conn *amqp.Connection, cfg config.BrokerConfig) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Printf("enrollment-consumer: set QoS failed: %v", err)
	}
	if _, err := ch.QueueDeclare(cfg.Topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, cfg.Topic, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		if err := handleMessage(cfg.LogDir, d.Body); err != nil {
			log.Printf("enrollment-consumer: handle message failed: %v", err)
			_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

// StartKafkaConsumer reads the checkout topic as part of cfg.GroupID and
// writes the same log lines as the RabbitMQ consumer.  Offsets are only
// committed for messages that were handled or are unparseable.
func StartKafkaConsumer(ctx context.Context, cfg config.BrokerConfig) error {
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("EVENT_BROKER=kafka requires KAFKA_BROKERS")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	backoff := time.Second
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("enrollment-consumer: fetch failed: %v; retrying in %s", err, backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		if err := handleMessage(cfg.LogDir, m.Value); err != nil {
			log.Printf("enrollment-consumer: handle message failed: %v", err)
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Printf("enrollment-consumer: commit failed: %v", err)
		}
	}
}

func handleMessage(dir string, body []byte) error {
	var ev CheckoutCompletedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(formatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func formatLine(ev CheckoutCompletedEvent) string {
	verb := "updated"
	if ev.EnrollmentCreated {
		verb = "created"
	}
	return fmt.Sprintf("[%s] Checkout completed | payment_id=%d | ref=%s | student=%q | classes=%s | carts=%s | total=%d %s cents | enrollment_id=%d (%s)\n",
		ev.CompletedAt, ev.PaymentID, ev.Reference, ev.StudentEmail, joinIDs(ev.ClassIDs), joinIDs(ev.CartIDs),
		ev.AmountCents, ev.Currency, ev.EnrollmentID, verb)
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
