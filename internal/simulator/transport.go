package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpclient "github.com/plgd-dev/go-coap/v3/udp/client"

	"github.com/JoeMarian/water-tank/pkg/client"
)

// connectTimeout bounds the initial MQTT broker handshake.
const connectTimeout = 10 * time.Second

// Transport delivers batches of readings to a running deployment.
type Transport interface {
	// Send pushes one batch of readings for the configured channel.
	Send(ctx context.Context, readings map[string]float64) error
	// Close releases the underlying connection, if any.
	Close() error
}

type httpTransport struct {
	api     *client.Client
	channel string
	apiKey  string
}

// NewHTTPTransport sends readings through the query-parameter update
// endpoint of the HTTP API, the same path field hardware uses.
func NewHTTPTransport(baseURL, channelName, apiKey string) Transport {
	return &httpTransport{
		api:     client.NewClient(baseURL),
		channel: channelName,
		apiKey:  apiKey,
	}
}

func (t *httpTransport) Send(ctx context.Context, readings map[string]float64) error {
	params := make(map[string]string, len(readings))
	for field, value := range readings {
		params[field] = strconv.FormatFloat(value, 'f', -1, 64)
	}
	if _, err := t.api.UpdateByQuery(ctx, t.channel, t.apiKey, params); err != nil {
		return fmt.Errorf("failed to send readings over HTTP: %w", err)
	}
	return nil
}

func (t *httpTransport) Close() error { return nil }

type coapTransport struct {
	conn    *udpclient.Conn
	channel string
	apiKey  string
}

// NewCoAPTransport dials the CoAP listener and delivers each batch with
// a confirmable PUT to /channels/<channel>/data.
func NewCoAPTransport(addr, channelName, apiKey string) (Transport, error) {
	conn, err := udp.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial CoAP server: %w", err)
	}
	return &coapTransport{conn: conn, channel: channelName, apiKey: apiKey}, nil
}

func (t *coapTransport) Send(ctx context.Context, readings map[string]float64) error {
	payload, err := json.Marshal(readings)
	if err != nil {
		return fmt.Errorf("failed to encode readings: %w", err)
	}
	resp, err := t.conn.Put(ctx, "/channels/"+t.channel+"/data", message.AppJSON,
		bytes.NewReader(payload),
		message.Option{ID: message.URIQuery, Value: []byte("api_key=" + t.apiKey)})
	if err != nil {
		return fmt.Errorf("failed to send readings over CoAP: %w", err)
	}
	if resp.Code() != codes.Created {
		body, _ := resp.ReadBody()
		return fmt.Errorf("CoAP write rejected: %v %s", resp.Code(), body)
	}
	return nil
}

func (t *coapTransport) Close() error {
	return t.conn.Close()
}

type mqttTransport struct {
	client paho.Client
	topic  string
}

// MQTTOption configures the MQTT transport.
type MQTTOption func(*paho.ClientOptions)

// WithMQTTCredentials sets the broker username and password.
func WithMQTTCredentials(username, password string) MQTTOption {
	return func(opts *paho.ClientOptions) {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
}

// NewMQTTTransport connects to the broker and publishes each batch as a
// JSON object on tanks/<channel>/data, exactly as deployed sensors do.
func NewMQTTTransport(broker, channelName string, opts ...MQTTOption) (Transport, error) {
	clientOpts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("water-tank-sim-%s", uuid.New().String()[:8])).
		SetAutoReconnect(true)
	for _, opt := range opts {
		opt(clientOpts)
	}

	mqttClient := paho.NewClient(clientOpts)
	token := mqttClient.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return &mqttTransport{
		client: mqttClient,
		topic:  fmt.Sprintf("tanks/%s/data", channelName),
	}, nil
}

func (t *mqttTransport) Send(ctx context.Context, readings map[string]float64) error {
	payload, err := json.Marshal(readings)
	if err != nil {
		return fmt.Errorf("failed to encode readings: %w", err)
	}
	token := t.client.Publish(t.topic, 0, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish readings: %w", err)
	}
	return nil
}

func (t *mqttTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
