package actuator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"voice-home/internal/domain"
	"voice-home/internal/infra/metrics"
)

const DefaultTopic = "home/actuators/control"

// Publisher is the slice of an MQTT client the actuator needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type controlMessage struct {
	ID    uint               `json:"id"`
	State domain.DeviceState `json:"state"`
}

// MQTTGateway publishes control commands for gateways that subscribe to a
// broker instead of exposing HTTP.
type MQTTGateway struct {
	pub   Publisher
	topic string
}

func NewMQTTGateway(pub Publisher, topic string) *MQTTGateway {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTTGateway{pub: pub, topic: topic}
}

func (g *MQTTGateway) Control(ctx context.Context, deviceID uint, state domain.DeviceState) error {
	payload, err := json.Marshal(controlMessage{ID: deviceID, State: state})
	if err != nil {
		return fmt.Errorf("encoding control message: %w", err)
	}

	err = g.pub.Publish(ctx, g.topic, payload)
	metrics.ObserveActuator("mqtt", err)
	if err != nil {
		return fmt.Errorf("publishing control message: %w", err)
	}
	return nil
}

// MQTTClient wraps a connected paho client.
type MQTTClient struct {
	cli paho.Client
}

// DialMQTT connects to brokerURL (mqtt://, tcp://, ssl://, tls://, ws://,
// wss://). Credentials may be given in the URL user info.
func DialMQTT(brokerURL, clientID string, logger *slog.Logger) (*MQTTClient, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}

	opts := paho.NewClientOptions()
	switch u.Scheme {
	case "mqtt", "tcp":
		opts.AddBroker("tcp://" + u.Host)
	case "ssl", "tls":
		opts.AddBroker("ssl://" + u.Host)
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	case "ws", "wss":
		opts.AddBroker(u.Scheme + "://" + u.Host + u.Path)
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}

	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.OnConnect = func(paho.Client) {
		logger.Info("mqtt connected", "broker", u.Host)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	}

	cli := paho.NewClient(opts)
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		return nil, fmt.Errorf("connecting to broker: %w", t.Error())
	}
	return &MQTTClient{cli: cli}, nil
}

func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	t := c.cli.Publish(topic, 1, false, payload)
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MQTTClient) Close() {
	c.cli.Disconnect(250)
}
