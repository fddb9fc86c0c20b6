// Package mqtt ingests telemetry published by sensors over MQTT.
//
// Messages arrive on topics shaped like tanks/<channel>/data with a JSON
// object payload. Values are stored as published; the channel must already
// exist.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/JoeMarian/water-tank/internal/resilience"
	"github.com/JoeMarian/water-tank/internal/storage"
)

// DefaultTopic is the subscription used when none is configured. The single
// wildcard level carries the channel name.
const DefaultTopic = "tanks/+/data"

const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// DataWriter accepts telemetry entries for a named channel. Values are kept
// as published, without the float coercion applied on the HTTP and CoAP
// write paths.
type DataWriter interface {
	WriteRaw(ctx context.Context, name string, values map[string]interface{}) (*storage.Entry, error)
}

// Ingestor subscribes to the telemetry topic and persists incoming
// messages.
type Ingestor struct {
	broker   string
	topic    string
	clientID string
	username string
	password string
	writer   DataWriter
	logger   *logrus.Logger
	retry    *resilience.RetryPolicy

	mu     sync.Mutex
	client paho.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures optional ingestor behavior.
type Option func(*Ingestor)

// WithTopic overrides the subscription topic.
func WithTopic(topic string) Option {
	return func(i *Ingestor) {
		i.topic = topic
	}
}

// WithCredentials sets the broker username and password.
func WithCredentials(username, password string) Option {
	return func(i *Ingestor) {
		i.username = username
		i.password = password
	}
}

// WithClientID overrides the generated client id.
func WithClientID(id string) Option {
	return func(i *Ingestor) {
		i.clientID = id
	}
}

// WithConnectRetry retries the initial broker connection with the given
// policy instead of giving up after one attempt.
func WithConnectRetry(policy *resilience.RetryPolicy) Option {
	return func(i *Ingestor) {
		i.retry = policy
	}
}

// NewIngestor creates an ingestor for the given broker URL, e.g.
// tcp://localhost:1883.
func NewIngestor(broker string, writer DataWriter, logger *logrus.Logger, opts ...Option) (*Ingestor, error) {
	if broker == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("data writer is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	i := &Ingestor{
		broker:   broker,
		topic:    DefaultTopic,
		clientID: fmt.Sprintf("water-tank-%s", uuid.New().String()[:8]),
		writer:   writer,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Start connects to the broker in the background and subscribes to the
// telemetry topic. It returns immediately; Connected reports progress. The
// context bounds the connection attempts, not the subscription lifetime.
func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.client != nil {
		return fmt.Errorf("ingestor already started")
	}

	opts := paho.NewClientOptions().
		AddBroker(i.broker).
		SetClientID(i.clientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOnConnectHandler(i.onConnect).
		SetConnectionLostHandler(i.onConnectionLost)
	if i.username != "" {
		opts.SetUsername(i.username)
		opts.SetPassword(i.password)
	}

	client := paho.NewClient(opts)
	i.client = client

	connectCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})

	i.logger.WithFields(logrus.Fields{
		"broker": i.broker,
		"topic":  i.topic,
	}).Info("Starting MQTT ingestor")

	done := i.done
	go func() {
		defer close(done)
		i.connect(connectCtx, client)
	}()

	return nil
}

func (i *Ingestor) connect(ctx context.Context, client paho.Client) {
	attempt := func(ctx context.Context) error {
		token := client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("timed out connecting to broker %s", i.broker)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to broker %s: %w", i.broker, err)
		}
		return nil
	}

	var err error
	if i.retry != nil {
		err = i.retry.Do(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil && ctx.Err() == nil {
		i.logger.WithError(err).Error("MQTT broker connection failed")
	}
}

// onConnect runs on the initial connect and on every automatic reconnect,
// so the subscription survives broker restarts.
func (i *Ingestor) onConnect(client paho.Client) {
	i.logger.WithField("topic", i.topic).Info("Connected to MQTT broker")

	token := client.Subscribe(i.topic, 0, i.handleMessage)
	if !token.WaitTimeout(connectTimeout) {
		i.logger.WithField("topic", i.topic).Error("Timed out subscribing to MQTT topic")
		return
	}
	if err := token.Error(); err != nil {
		i.logger.WithError(err).WithField("topic", i.topic).Error("Failed to subscribe to MQTT topic")
	}
}

func (i *Ingestor) onConnectionLost(_ paho.Client, err error) {
	i.logger.WithError(err).Warn("MQTT broker connection lost")
}

func (i *Ingestor) handleMessage(_ paho.Client, msg paho.Message) {
	name, err := channelFromTopic(msg.Topic())
	if err != nil {
		i.logger.WithField("topic", msg.Topic()).Warn("Invalid MQTT topic format")
		return
	}

	var values map[string]interface{}
	if err := json.Unmarshal(msg.Payload(), &values); err != nil {
		i.logger.WithError(err).WithField("topic", msg.Topic()).Warn("Invalid JSON payload on MQTT topic")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if _, err := i.writer.WriteRaw(ctx, name, values); err != nil {
		if errors.Is(err, storage.ErrChannelNotFound) {
			i.logger.WithField("channel", name).Warn("Channel not found, create it via the API before publishing")
			return
		}
		i.logger.WithError(err).WithField("channel", name).Error("Failed to store MQTT data")
		return
	}

	i.logger.WithFields(logrus.Fields{
		"channel": name,
		"topic":   msg.Topic(),
	}).Debug("Stored MQTT data")
}

// Connected reports whether the broker session is live.
func (i *Ingestor) Connected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.client != nil && i.client.IsConnected()
}

// Stop cancels any pending connection attempt and disconnects.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.client == nil {
		return
	}

	i.cancel()
	<-i.done

	if i.client.IsConnected() {
		i.client.Disconnect(250)
	}
	i.logger.Info("MQTT ingestor stopped")

	i.client = nil
	i.cancel = nil
	i.done = nil
}

// channelFromTopic extracts the channel segment from topics shaped like
// tanks/<channel>/data.
func channelFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[1] == "" {
		return "", fmt.Errorf("topic %q does not name a channel", topic)
	}
	return parts[1], nil
}
