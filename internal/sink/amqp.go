package sink

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/telemetry"
)

const (
	exchangeTypeFanout = "fanout"
	durable            = true
	deleteWhenUnused   = false
	internal           = false
	noWait             = false
	mandatory          = false
	immediate          = false
)

// AMQPOptions configure the AMQP sink.
type AMQPOptions struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange" default:"blesync.telemetry"`
	// ConnectTimeout bounds the exponential connect backoff.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
}

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes every batch as one persistent message to a fanout exchange, routed by device id.
type AMQP struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	logger   *logrus.Entry
}

// NewAMQP dials the broker with exponential backoff and declares the exchange.
func NewAMQP(opts AMQPOptions, logger *logrus.Logger) (*AMQP, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "amqp")

	var conn *amqp.Connection
	var channel *amqp.Channel
	connect := func() error {
		c, err := amqp.Dial(opts.URL)
		if err != nil {
			return err
		}
		ch, err := c.Channel()
		if err != nil {
			_ = c.Close()
			return err
		}
		conn, channel = c, ch
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = opts.ConnectTimeout
	notify := func(err error, next time.Duration) {
		log.WithError(err).Warnf("AMQP connect failed, retrying in %s", next.Round(time.Millisecond))
	}
	if err := backoff.RetryNotify(connect, b, notify); err != nil {
		return nil, errors.Wrap(err, "connect to AMQP broker")
	}

	a, err := newAMQP(channel, opts.Exchange, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	a.conn = conn
	log.WithField("exchange", opts.Exchange).Info("Connected to AMQP broker")
	return a, nil
}

func newAMQP(channel amqpChannel, exchange string, log *logrus.Entry) (*AMQP, error) {
	err := channel.ExchangeDeclare(exchange, exchangeTypeFanout, durable, deleteWhenUnused, internal, noWait, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}
	return &AMQP{channel: channel, exchange: exchange, logger: log}, nil
}

func (a *AMQP) Publish(ctx context.Context, deviceID string, records []telemetry.Record) error {
	body, err := EncodeGatewayTelemetry(deviceID, records)
	if err != nil {
		return errors.Wrapf(err, "encode telemetry for %s", deviceID)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"device": deviceID},
		Body:         body,
	}
	if err := a.channel.PublishWithContext(ctx, a.exchange, deviceID, mandatory, immediate, msg); err != nil {
		return errors.Wrapf(err, "publish telemetry for %s", deviceID)
	}
	a.logger.WithFields(logrus.Fields{"device": deviceID, "records": len(records)}).Debug("Telemetry published")
	return nil
}

func (a *AMQP) Close() error {
	err := a.channel.Close()
	if a.conn != nil && !a.conn.IsClosed() {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
