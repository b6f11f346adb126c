package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the JetStream-backed queue.
type NATSConfig struct {
	Servers        []string      `mapstructure:"servers" yaml:"servers"`
	Stream         string        `mapstructure:"stream" yaml:"stream"`
	Subject        string        `mapstructure:"subject" yaml:"subject"`
	Durable        string        `mapstructure:"durable" yaml:"durable"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	Token          string        `mapstructure:"token" yaml:"token"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// DefaultNATSConfig returns connection settings for a local JetStream server.
func DefaultNATSConfig() NATSConfig {
	cfg := NATSConfig{Servers: []string{"nats://127.0.0.1:4222"}}
	cfg.applyDefaults()
	return cfg
}

func (c *NATSConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "NARRATOR_JOBS"
	}
	if c.Subject == "" {
		c.Subject = "narrator.jobs"
	}
	if c.Durable == "" {
		c.Durable = "narrator-workers"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

// NATS is a work-queue stream on JetStream. The work-queue retention policy
// gives each message to exactly one consumer in the durable group; an
// unacked message redelivers, which preserves at-least-once semantics across
// process crashes.
type NATS struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
	subject string
	log     *slog.Logger
}

func ConnectNATS(ctx context.Context, cfg NATSConfig, log *slog.Logger) (*NATS, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()

	options := []nats.Option{
		nats.Name("narrator"),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	sub, err := js.PullSubscribe(cfg.Subject, cfg.Durable, nats.BindStream(cfg.Stream))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}

	log.Info("connected to NATS", "servers", url, "stream", cfg.Stream)
	return &NATS{conn: conn, js: js, sub: sub, subject: cfg.Subject, log: log}, nil
}

func (n *NATS) Enqueue(ctx context.Context, msg Message) error {
	data, err := msg.encode()
	if err != nil {
		return err
	}
	if _, err := n.js.Publish(n.subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish job %s: %w", msg.JobID, err)
	}
	return nil
}

func (n *NATS) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		msgs, err := n.sub.Fetch(1, nats.Context(ctx))
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, ctx.Err()
		case errors.Is(err, nats.ErrTimeout):
			continue
		default:
			return nil, fmt.Errorf("fetch: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}

		raw := msgs[0]
		msg, err := decodeMessage(raw.Data)
		if err != nil {
			// Poison message: never redeliver.
			n.log.Error("dropping undecodable queue message", "error", err)
			_ = raw.Term()
			continue
		}
		if meta, err := raw.Metadata(); err == nil {
			msg.Attempt = int(meta.NumDelivered) - 1
		}
		return &natsDelivery{raw: raw, msg: msg}, nil
	}
}

func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

func (n *NATS) Healthy() bool {
	return n.conn != nil && n.conn.Status() == nats.CONNECTED
}

type natsDelivery struct {
	raw *nats.Msg
	msg Message
}

func (d *natsDelivery) Message() Message { return d.msg }
func (d *natsDelivery) Ack() error       { return d.raw.Ack() }
func (d *natsDelivery) Nak() error       { return d.raw.Nak() }

var _ Queue = (*NATS)(nil)
