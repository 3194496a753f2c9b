package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"intersection-worker-go/internal/config"
)

const publishTimeout = 2 * time.Second

var errNotConnected = errors.New("mqtt not connected")

// MQTTSink publishes JSON payloads to an MQTT broker. NATS-style dotted
// subjects are mapped to slash-separated topics.
type MQTTSink struct {
	client mqtt.Client
	qos    byte
	broker string

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

func NewMQTTSink(cfg *config.Config) (*MQTTSink, error) {
	broker := cfg.MQTTBroker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	s := &MQTTSink{qos: byte(cfg.MQTTQoS), broker: broker}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		s.setConnected(true)
		log.Info().Str("broker", broker).Str("client_id", cfg.MQTTClientID).Msg("MQTT connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.setConnected(false)
		log.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost, will auto-reconnect")
	}

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(cfg.NatsConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	s.setConnected(true)
	return s, nil
}

func newMQTTSinkWithClient(client mqtt.Client, qos byte) *MQTTSink {
	return &MQTTSink{client: client, qos: qos, connected: client.IsConnected()}
}

// Topic maps a dotted subject to an MQTT topic
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func (s *MQTTSink) Publish(subject string, data interface{}) error {
	if !s.IsConnected() {
		s.countError()
		return errNotConnected
	}

	payload, err := json.Marshal(data)
	if err != nil {
		s.countError()
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	token := s.client.Publish(Topic(subject), s.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		s.countError()
		return fmt.Errorf("publish to %s timed out", Topic(subject))
	}
	if err := token.Error(); err != nil {
		s.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	s.mu.Lock()
	s.published++
	s.mu.Unlock()
	return nil
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *MQTTSink) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

func (s *MQTTSink) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSink) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Backend:   "mqtt",
		Connected: s.connected,
		Published: s.published,
		Errors:    s.errors,
	}
}

func (s *MQTTSink) Shutdown(ctx context.Context) error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		log.Info().Str("broker", s.broker).Msg("MQTT disconnected")
	}
	s.setConnected(false)
	return nil
}
