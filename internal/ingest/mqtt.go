// Package ingest implements the per-printer MQTT subscriber, the
// bounded-channel hand-off to a single consumer loop, and the
// per-frame transaction that turns a telemetry frame into a RawEvent
// and (when parseable and non-duplicate) a NormalizedEvent.
//
// The subscriber shape — a Session/Client pair with a reconnecting
// ConsumeLoop — is adapted from the reference MQTT command consumer;
// generalized here from a one-shot command topic to a long-lived
// telemetry report topic per printer.
package ingest

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Frame is one telemetry payload received off the wire, handed to the
// bounded channel before any DB interaction.
type Frame struct {
	PrinterID  string
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Session represents one connected MQTT session for a single printer.
type Session interface {
	Subscribe(ctx context.Context, topic string, handler func(context.Context, []byte) error) error
	WaitForDisconnect(ctx context.Context) error
	Close() error
}

// Client creates MQTT sessions. Satisfied by PahoClient in production
// and by a fake in tests.
type Client interface {
	Connect(ctx context.Context) (Session, error)
}

// PahoClient adapts eclipse/paho.mqtt.golang to the Client interface.
type PahoClient struct {
	brokerURL            string
	username, password   string
	allowInsecureMQTTTLS bool
}

func NewPahoClient(brokerHost string, brokerPort int, username, password string, allowInsecureTLS bool) *PahoClient {
	return &PahoClient{
		brokerURL:            fmt.Sprintf("tls://%s:%d", brokerHost, brokerPort),
		username:             username,
		password:             password,
		allowInsecureMQTTTLS: allowInsecureTLS,
	}
}

func (c *PahoClient) Connect(ctx context.Context) (Session, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetUsername(c.username).
		SetPassword(c.password).
		SetAutoReconnect(false).
		SetConnectTimeout(10 * time.Second).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: c.allowInsecureMQTTTLS}) //nolint:gosec

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("ingest: connect to %s timed out", c.brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("ingest: connect to %s: %w", c.brokerURL, err)
	}
	return &pahoSession{client: client}, nil
}

type pahoSession struct {
	client mqtt.Client
}

func (s *pahoSession) Subscribe(ctx context.Context, topic string, handler func(context.Context, []byte) error) error {
	token := s.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		_ = handler(ctx, msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("ingest: subscribe to %s timed out", topic)
	}
	return token.Error()
}

func (s *pahoSession) WaitForDisconnect(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *pahoSession) Close() error {
	s.client.Disconnect(250)
	return nil
}

// ReportTopic returns the per-printer telemetry topic the Ingestor
// subscribes to.
func ReportTopic(serial string) string {
	return fmt.Sprintf("device/%s/report", serial)
}
