// Package transport is the MQTT layer between the service and its device
// fleet: wildcard subscriptions for device events and broker internals, topic
// decomposition, and JSON/binary publish helpers. Inbound dispatch runs on
// the client's receive callback and must stay non-blocking; handlers hand
// real work to a worker pool.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"google.golang.org/protobuf/proto"

	"github.com/jbeghtol/openmoxie/errors"
	"github.com/jbeghtol/openmoxie/metric"
)

// Subscriptions covering the device fleet and the broker's own telemetry.
var subscriptions = []string{
	"/devices/+/events/#",
	"/devices/+/state",
	"$SYS/broker/clients/#",
	"$SYS/broker/log/#",
}

const (
	zmqEvent       = "zmq"
	commandZMQ     = "zmq"
	publishTimeout = 5 * time.Second
)

// Config holds broker connection settings.
type Config struct {
	Host     string
	Port     int
	ClientID string
	UseTLS   bool
	// ServiceDeviceID is the service's own device identity, used when
	// publishing to its event topics.
	ServiceDeviceID string
	KeepAlive       time.Duration
	ConnectTimeout  time.Duration
}

// Validate checks required connection settings.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "transport", "Validate", "host")
	}
	if c.ClientID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "transport", "Validate", "client id")
	}
	return nil
}

// CredentialsProvider supplies broker credentials at (re)connect time, so
// token-based passwords can be refreshed by the caller.
type CredentialsProvider func() (username, password string)

// Handlers receive decomposed inbound traffic. Nil handlers drop their class
// of message.
type Handlers struct {
	// DeviceEvent receives /devices/{id}/events/{event} payloads, except the
	// zmq bridge which dispatches through registered ZMQHandlers.
	DeviceEvent func(deviceID, event string, payload []byte)
	// DeviceState receives /devices/{id}/state payloads.
	DeviceState func(deviceID string, payload []byte)
	// BrokerLog receives $SYS/broker/log/{subtopic} lines.
	BrokerLog func(subtopic, line string)
}

// Deps carries the client's collaborators.
type Deps struct {
	Credentials CredentialsProvider
	Handlers    Handlers
	Logger      *slog.Logger
	Metrics     *metric.Metrics
}

// Client is the MQTT transport client.
type Client struct {
	cfg      Config
	creds    CredentialsProvider
	handlers Handlers
	logger   *slog.Logger
	metrics  *metric.Metrics

	mqtt mqtt.Client

	zmqMu       sync.RWMutex
	zmqHandlers map[string]ZMQHandler

	metricMu      sync.Mutex
	clientMetrics map[string]int64
}

// NewClient creates a transport client. Connect establishes the session.
func NewClient(cfg Config, deps Deps) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:           cfg,
		creds:         deps.Credentials,
		handlers:      deps.Handlers,
		logger:        logger,
		metrics:       deps.Metrics,
		zmqHandlers:   map[string]ZMQHandler{},
		clientMetrics: map[string]int64{},
	}, nil
}

// AddZMQHandler registers a handler for one bridge message type. Handlers
// must be registered before Connect.
func (c *Client) AddZMQHandler(typeName string, h ZMQHandler) {
	c.zmqMu.Lock()
	defer c.zmqMu.Unlock()
	c.zmqHandlers[typeName] = h
}

// Connect dials the broker and installs the fleet subscriptions. Reconnects
// are handled beneath this layer by the MQTT client.
func (c *Client) Connect(ctx context.Context) error {
	if c.mqtt != nil {
		return errors.Wrap(errors.ErrAlreadyStarted, "transport", "Connect", "connect")
	}

	scheme := "tcp"
	if c.cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port)).
		SetClientID(c.cfg.ClientID).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn("broker connection lost", "error", err)
		})
	if c.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if c.creds != nil {
		opts.SetCredentialsProvider(mqtt.CredentialsProvider(c.creds))
	}

	c.logger.Info("connecting to broker",
		"host", c.cfg.Host, "port", c.cfg.Port, "client_id", c.cfg.ClientID)
	c.mqtt = mqtt.NewClient(opts)
	token := c.mqtt.Connect()
	select {
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "transport", "Connect", "connect")
	case <-time.After(c.cfg.ConnectTimeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "transport", "Connect", "connect")
	case <-token.Done():
		if err := token.Error(); err != nil {
			return errors.WrapTransient(err, "transport", "Connect", "connect")
		}
	}
	return nil
}

// Disconnect closes the broker session.
func (c *Client) Disconnect() {
	if c.mqtt != nil {
		c.mqtt.Disconnect(250)
	}
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("connected to broker")
	for _, topic := range subscriptions {
		token := client.Subscribe(topic, 0, c.onMessage)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			c.logger.Error("subscription failed", "topic", topic, "error", token.Error())
		}
	}
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.handleMessage(msg.Topic(), msg.Payload())
}

// handleMessage dispatches one inbound message by topic class. It runs on
// the receive callback and must not block.
func (c *Client) handleMessage(topic string, payload []byte) {
	info, err := DecomposeTopic(topic)
	if err != nil {
		c.logger.Debug("ignoring unroutable topic", "topic", topic)
		return
	}
	if c.metrics != nil {
		c.metrics.MessagesReceived.WithLabelValues("transport", info.Category).Inc()
	}
	switch {
	case info.Category == CategoryEvents:
		if info.Subcategory == zmqEvent {
			c.handleZMQ(info.DeviceID, payload)
			return
		}
		if c.handlers.DeviceEvent != nil {
			c.handlers.DeviceEvent(info.DeviceID, info.Subcategory, payload)
		}
	case info.Category == CategoryState:
		if c.handlers.DeviceState != nil {
			c.handlers.DeviceState(info.DeviceID, payload)
		}
	case info.DeviceID == brokerClients:
		c.handleClientMetric(info.Category, payload)
	case info.DeviceID == brokerLog:
		if c.handlers.BrokerLog != nil {
			c.handlers.BrokerLog(info.Category, string(payload))
		}
	default:
		c.logger.Debug("unknown topic class", "topic", topic)
	}
}

func (c *Client) handleZMQ(deviceID string, frame []byte) {
	typeName, payload, err := DecodeFrame(frame)
	if err != nil {
		c.logger.Warn("malformed zmq frame", "device_id", deviceID, "error", err)
		return
	}
	c.zmqMu.RLock()
	handler := c.zmqHandlers[typeName]
	c.zmqMu.RUnlock()
	if handler == nil {
		c.logger.Debug("unhandled zmq message", "type", typeName)
		return
	}
	handler(deviceID, typeName, payload)
}

func (c *Client) handleClientMetric(name string, payload []byte) {
	value, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil {
		return
	}
	c.metricMu.Lock()
	c.clientMetrics[name] = value
	c.metricMu.Unlock()
	if c.metrics != nil {
		c.metrics.BrokerClientMetric.WithLabelValues(name).Set(float64(value))
	}
}

// ClientMetrics returns a snapshot of broker-reported client metrics.
func (c *Client) ClientMetrics() map[string]int64 {
	c.metricMu.Lock()
	defer c.metricMu.Unlock()
	out := make(map[string]int64, len(c.clientMetrics))
	for k, v := range c.clientMetrics {
		out[k] = v
	}
	return out
}

// SendConfig publishes a JSON configuration blob to one device.
func (c *Client) SendConfig(deviceID string, payload any) error {
	return c.publishJSON(fmt.Sprintf("/devices/%s/config", deviceID), payload)
}

// SendCommand publishes a JSON command payload to one device.
func (c *Client) SendCommand(deviceID, command string, payload any) error {
	return c.publishJSON(fmt.Sprintf("/devices/%s/commands/%s", deviceID, command), payload)
}

// SendZMQ publishes a protobuf message over the device's zmq bridge.
func (c *Client) SendZMQ(deviceID string, msg proto.Message) error {
	frame, err := EncodeProtoFrame(msg)
	if err != nil {
		return err
	}
	return c.SendZMQFrame(deviceID, frame)
}

// SendZMQFrame publishes a pre-framed binary payload over the zmq bridge.
func (c *Client) SendZMQFrame(deviceID string, frame []byte) error {
	return c.publishRaw(fmt.Sprintf("/devices/%s/commands/%s", deviceID, commandZMQ), frame)
}

// PublishEvent publishes JSON to one of the service's own event topics.
func (c *Client) PublishEvent(event string, payload any) error {
	topic := fmt.Sprintf("/devices/%s/events/%s", c.cfg.ServiceDeviceID, event)
	return c.publishJSON(topic, payload)
}

// CannedMessage is a stored publishable message: either an explicit event
// topic or an activity-log payload carrying its own subtopic.
type CannedMessage struct {
	Topic   string         `json:"topic,omitempty"`
	Payload map[string]any `json:"payload"`
}

// PublishCanned publishes a canned message to the right event topic.
func (c *Client) PublishCanned(msg CannedMessage) error {
	switch {
	case msg.Topic != "":
		return c.PublishEvent(msg.Topic, msg.Payload)
	case msg.Payload["subtopic"] != nil:
		return c.PublishEvent("client-service-activity-log", msg.Payload)
	default:
		return errors.WrapInvalid(errors.ErrMalformedPayload, "transport", "PublishCanned", "route canned message")
	}
}

func (c *Client) publishJSON(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "transport", "publishJSON", "marshal payload")
	}
	return c.publishRaw(topic, data)
}

func (c *Client) publishRaw(topic string, payload []byte) error {
	if c.mqtt == nil || !c.mqtt.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "transport", "publishRaw", "publish "+topic)
	}
	token := c.mqtt.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.WrapTransient(errors.ErrPublishFailed, "transport", "publishRaw", "publish "+topic)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "transport", "publishRaw", "publish "+topic)
	}
	if c.metrics != nil {
		c.metrics.MessagesPublished.WithLabelValues("transport", topic).Inc()
	}
	return nil
}
