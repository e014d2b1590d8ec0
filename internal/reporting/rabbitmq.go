package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"clip_relay/internal/domain"
)

// RabbitMQ publishes terminal pipeline outcomes on a topic exchange, one
// routing key per report kind, and waits for the broker to confirm each one.
//
// Topology, for exchange X, prefix P and queue Q:
//
//	X      topic   P.published | P.failed | P.partial | P.reauth_required
//	Q      bound to P.#, dead-letters to X.dlx
//	Q.reauth bound to P.reauth_required, for whoever re-logs accounts
//	X.dlx  fanout  -> Q.dead
type RabbitMQ struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     Config
	logger  *slog.Logger
}

type Config struct {
	URL           string
	Exchange      string
	RoutingPrefix string
	QueueName     string
}

// RoutingKey is the key a report of the given kind is published with.
func (c Config) RoutingKey(kind domain.ReportKind) string {
	return c.RoutingPrefix + "." + string(kind)
}

func (c Config) deadLetterExchange() string { return c.Exchange + ".dlx" }
func (c Config) deadLetterQueue() string    { return c.QueueName + ".dead" }
func (c Config) reauthQueue() string        { return c.QueueName + ".reauth" }

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"queue", cfg.QueueName,
		"routing_prefix", cfg.RoutingPrefix,
	)

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
		cfg:     cfg,
		logger:  logger.With("component", "reporting"),
	}, nil
}

func declareTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.deadLetterExchange(), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.deadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}
	if err := ch.QueueBind(cfg.deadLetterQueue(), "", cfg.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dead letter queue: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	deadLetter := amqp.Table{"x-dead-letter-exchange": cfg.deadLetterExchange()}
	queues := []struct {
		name string
		key  string
	}{
		{cfg.QueueName, cfg.RoutingPrefix + ".#"},
		{cfg.reauthQueue(), cfg.RoutingKey(domain.ReportReauthRequired)},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, deadLetter); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.key, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.name, err)
		}
	}
	return nil
}

// OutcomeMessage is the wire format of one report.
type OutcomeMessage struct {
	Kind      domain.ReportKind `json:"kind"`
	Report    domain.Report     `json:"report"`
	Timestamp time.Time         `json:"timestamp"`
}

func (r *RabbitMQ) Report(ctx context.Context, report domain.Report) error {
	msg := OutcomeMessage{
		Kind:      report.Kind,
		Report:    report,
		Timestamp: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	headers := amqp.Table{"channel_id": report.ChannelID}
	if report.AccountID != "" {
		headers["account_id"] = report.AccountID
	}

	r.mu.Lock()
	confirm, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		r.cfg.Exchange,
		r.cfg.RoutingKey(report.Kind),
		true,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Type:         string(report.Kind),
			MessageId:    report.ItemID,
			Headers:      headers,
			Body:         body,
			Timestamp:    msg.Timestamp,
		},
	)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected outcome %s", report.ItemID)
	}

	r.logger.Debug("published outcome",
		"item_id", report.ItemID,
		"kind", report.Kind,
	)
	return nil
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
