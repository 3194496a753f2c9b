// Package messaging publishes intersection snapshots and phase events to a
// broker. NATS and MQTT are supported; the backend is picked at startup.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"intersection-worker-go/internal/config"
	"intersection-worker-go/internal/models"
)

// Sink is a connected message publisher
type Sink interface {
	models.MessagePublisher
	IsConnected() bool
	Stats() Stats
	Shutdown(ctx context.Context) error
}

type Stats struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// New connects the configured backend. It returns a nil Sink for "none".
func New(cfg *config.Config) (Sink, error) {
	switch cfg.MessagingBackend {
	case "nats":
		svc, err := NewService(cfg)
		if err != nil {
			return nil, err
		}
		return svc, nil
	case "mqtt":
		sink, err := NewMQTTSink(cfg)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown messaging backend %q", cfg.MessagingBackend)
	}
}

// Service publishes JSON payloads over NATS
type Service struct {
	conn      *nats.Conn
	cfg       *config.Config
	published atomic.Uint64
	errors    atomic.Uint64
}

func NewService(cfg *config.Config) (*Service, error) {
	opts := []nats.Option{
		nats.Name("intersection-worker-" + cfg.IntersectionID),
		nats.Timeout(cfg.NatsConnectTimeout),
		nats.ReconnectWait(cfg.NatsReconnectWait),
		nats.MaxReconnects(cfg.NatsMaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected, will reconnect")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NatsURL, err)
	}

	log.Info().Str("url", cfg.NatsURL).Msg("NATS connection established")

	return &Service{
		conn: conn,
		cfg:  cfg,
	}, nil
}

func (s *Service) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		s.errors.Add(1)
		return err
	}

	if err := s.conn.Publish(subject, payload); err != nil {
		s.errors.Add(1)
		return err
	}
	s.published.Add(1)
	return nil
}

func (s *Service) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

func (s *Service) Stats() Stats {
	return Stats{
		Backend:   "nats",
		Connected: s.IsConnected(),
		Published: s.published.Load(),
		Errors:    s.errors.Load(),
	}
}

func (s *Service) Shutdown(ctx context.Context) error {
	if s.conn != nil {
		// Try graceful drain, fallback to immediate close
		if err := s.conn.Drain(); err != nil {
			log.Warn().Err(err).Msg("Failed to drain NATS connection gracefully, closing immediately")
			s.conn.Close()
		}
	}
	return nil
}
