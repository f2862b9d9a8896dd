package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/rhinos/internal/config"
	"github.com/nats-io/nats.go"
)

// Delivery reports whether a fire-and-forget message reached a live receiver.
type Delivery int

const (
	Delivered Delivery = iota
	NoReceiver
)

func (d Delivery) String() string {
	if d == Delivered {
		return "delivered"
	}
	return "no_receiver"
}

var ackPayload = []byte("ok")

// Client wraps NATS connection and JetStream context with minimal helpers.
type Client struct {
	conn            *nats.Conn
	js              nats.JetStreamContext
	log             *slog.Logger
	deliveryTimeout time.Duration
}

func Connect(_ context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
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

	log.Info("connected to NATS", slog.String("servers", url))

	timeout := time.Duration(cfg.DeliveryTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Client{
		conn:            conn,
		js:              js,
		log:             log,
		deliveryTimeout: timeout,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}

// Deliver sends v to the single receiver listening on subject and waits only
// for its receipt acknowledgement. A subject without a listener yields
// NoReceiver and a nil error: the receiver going away is not a failure.
func (c *Client) Deliver(ctx context.Context, subject string, v any) (Delivery, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return NoReceiver, fmt.Errorf("marshal %s: %w", subject, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.deliveryTimeout)
	defer cancel()

	if _, err := c.conn.RequestWithContext(ctx, subject, data); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return NoReceiver, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return NoReceiver, nil
		}
		return NoReceiver, fmt.Errorf("deliver %s: %w", subject, err)
	}
	return Delivered, nil
}

// Publish broadcasts v without expecting any receiver.
func (c *Client) Publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// Ack acknowledges receipt of a delivered message. Plain publishes carry no
// reply subject and are left alone.
func Ack(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	_ = msg.Respond(ackPayload)
}
