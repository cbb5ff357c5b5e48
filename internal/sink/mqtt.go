package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cornelk/hashmap"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/telemetry"
)

const (
	TopicGatewayTelemetry = "v1/gateway/telemetry"
	TopicGatewayConnect   = "v1/gateway/connect"
)

// MQTTOptions configure the gateway MQTT sink.
type MQTTOptions struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id" default:"blesync"`
	// Token is sent as the MQTT username, which is how gateway access tokens authenticate.
	Token   string        `yaml:"token"`
	QoS     byte          `yaml:"qos" default:"1"`
	Timeout time.Duration `yaml:"timeout" default:"10s"`
	// Announce publishes a connect message the first time a device is seen.
	Announce bool `yaml:"announce" default:"true"`
}

// mqttClient is the subset of mqtt.Client the sink uses.
type mqttClient interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes batches to the gateway telemetry topic.
type MQTT struct {
	client    mqttClient
	opts      MQTTOptions
	announced *hashmap.Map[string, struct{}]
	logger    *logrus.Entry
}

// NewMQTT connects to the broker.
func NewMQTT(opts MQTTOptions, logger *logrus.Logger) (*MQTT, error) {
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Token).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.Timeout)

	m := newMQTT(mqtt.NewClient(co), opts, logger)
	if err := m.wait(m.client.Connect()); err != nil {
		return nil, errors.Wrapf(err, "connect to MQTT broker %s", opts.Broker)
	}
	m.logger.WithField("broker", opts.Broker).Info("Connected to MQTT broker")
	return m, nil
}

func newMQTT(client mqttClient, opts MQTTOptions, logger *logrus.Logger) *MQTT {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MQTT{
		client:    client,
		opts:      opts,
		announced: hashmap.New[string, struct{}](),
		logger:    logger.WithField("component", "mqtt"),
	}
}

func (m *MQTT) Publish(_ context.Context, deviceID string, records []telemetry.Record) error {
	if m.opts.Announce {
		if err := m.announce(deviceID); err != nil {
			return err
		}
	}

	payload, err := EncodeGatewayTelemetry(deviceID, records)
	if err != nil {
		return errors.Wrapf(err, "encode telemetry for %s", deviceID)
	}
	if err := m.wait(m.client.Publish(TopicGatewayTelemetry, m.opts.QoS, false, payload)); err != nil {
		return errors.Wrapf(err, "publish telemetry for %s", deviceID)
	}
	m.logger.WithFields(logrus.Fields{"device": deviceID, "records": len(records)}).Debug("Telemetry published")
	return nil
}

func (m *MQTT) announce(deviceID string) error {
	if _, ok := m.announced.Get(deviceID); ok {
		return nil
	}
	payload, err := json.Marshal(map[string]string{"device": deviceID})
	if err != nil {
		return errors.Wrap(err, "encode connect message")
	}
	if err := m.wait(m.client.Publish(TopicGatewayConnect, m.opts.QoS, false, payload)); err != nil {
		return errors.Wrapf(err, "announce %s", deviceID)
	}
	m.announced.Set(deviceID, struct{}{})
	return nil
}

func (m *MQTT) wait(t mqtt.Token) error {
	if !t.WaitTimeout(m.opts.Timeout) {
		return errors.Errorf("no broker acknowledgement within %s", m.opts.Timeout)
	}
	return t.Error()
}

// Close disconnects from the broker, waiting up to 250ms for in-flight work.
func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}
