// Package detection talks to the remote vehicle detector over gRPC.
//
// The detector speaks a small unary method whose request and reply are
// google.protobuf.Struct values, so no generated stubs are required:
//
//	/vehicledetection.v1.VehicleDetector/ProcessFrame
//	request: {lane, timestamp, width, height, format, image(base64)}
//	reply:   {number_of_vehicles_detected, detected_vehicles: [...]}
package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"intersection-worker-go/internal/models"
)

const (
	ServiceName        = "vehicledetection.v1.VehicleDetector"
	ProcessFrameMethod = "/" + ServiceName + "/ProcessFrame"
)

var ErrDetectorUnavailable = errors.New("detector unavailable")

// Service is a detector backed by a remote gRPC model server
type Service struct {
	conn     *grpc.ClientConn
	endpoint string
	timeout  time.Duration

	mu               sync.Mutex
	consecutiveFails int
	lastFailTime     time.Time
	maxRetryBackoff  time.Duration
	calls            uint64
	failures         uint64
}

// NewService creates the client. The connection is lazy: an unreachable
// detector shows up as per-frame errors, not a startup failure.
func NewService(endpoint string, timeout time.Duration, opts ...grpc.DialOption) (*Service, error) {
	target, creds, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AI endpoint %s: %w", endpoint, err)
	}
	log.Info().
		Str("original_endpoint", endpoint).
		Str("normalized_endpoint", target).
		Bool("use_tls", creds.Info().SecurityProtocol == "tls").
		Msg("Initializing AI detection service")
	return newService(target, creds, timeout, opts...)
}

func newService(target string, creds credentials.TransportCredentials, timeout time.Duration, opts ...grpc.DialOption) (*Service, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to detection service at %s: %w", target, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		conn:            conn,
		endpoint:        target,
		timeout:         timeout,
		maxRetryBackoff: 30 * time.Second,
	}, nil
}

// Detect sends one frame to the detector. After consecutive failures calls
// are refused with ErrDetectorUnavailable for an exponentially growing
// backoff window (1s, 2s, 4s ... capped at 30s).
func (s *Service) Detect(ctx context.Context, frame *models.Frame, at time.Time) (*models.LaneObservation, error) {
	if frame == nil {
		return nil, errors.New("nil frame")
	}
	if !s.shouldRetry() {
		return nil, fmt.Errorf("%w: in backoff after consecutive failures", ErrDetectorUnavailable)
	}

	req, err := structpb.NewStruct(map[string]any{
		"lane":      frame.Lane,
		"timestamp": at.UTC().Format(time.RFC3339Nano),
		"width":     frame.Width,
		"height":    frame.Height,
		"format":    frame.Format,
		"image":     base64.StdEncoding.EncodeToString(frame.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build detection request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply := &structpb.Struct{}
	if err := s.conn.Invoke(callCtx, ProcessFrameMethod, req, reply); err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	s.recordSuccess()

	obs, err := decodeObservation(reply)
	if err != nil {
		return nil, fmt.Errorf("invalid detector reply: %w", err)
	}
	return obs, nil
}

var knownVehicleFields = map[string]bool{
	"vehicle_id":           true,
	"vehicle_type":         true,
	"detection_confidence": true,
	"vehicle_coordinates":  true,
	"speed_info":           true,
}

// decodeObservation maps the detector reply onto the lane model. Vehicle
// fields the worker does not interpret are kept verbatim in Attributes.
func decodeObservation(reply *structpb.Struct) (*models.LaneObservation, error) {
	raw, err := json.Marshal(reply.AsMap())
	if err != nil {
		return nil, err
	}

	var wire struct {
		Count    *int              `json:"number_of_vehicles_detected"`
		Vehicles []json.RawMessage `json:"detected_vehicles"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}

	obs := &models.LaneObservation{Vehicles: make([]models.VehicleRecord, 0, len(wire.Vehicles))}
	for i, v := range wire.Vehicles {
		var rec models.VehicleRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, fmt.Errorf("vehicle %d: %w", i, err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(v, &fields); err != nil {
			return nil, fmt.Errorf("vehicle %d: %w", i, err)
		}
		for k, val := range fields {
			if knownVehicleFields[k] || k == "attributes" {
				continue
			}
			if rec.Attributes == nil {
				rec.Attributes = make(map[string]json.RawMessage)
			}
			rec.Attributes[k] = val
		}
		obs.Vehicles = append(obs.Vehicles, rec)
	}

	if wire.Count != nil {
		obs.VehicleCount = *wire.Count
	} else {
		obs.VehicleCount = len(obs.Vehicles)
	}
	if obs.VehicleCount < 0 {
		return nil, fmt.Errorf("negative vehicle count %d", obs.VehicleCount)
	}
	return obs, nil
}

func (s *Service) shouldRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consecutiveFails == 0 {
		return true
	}
	shift := s.consecutiveFails - 1
	if shift > 5 {
		shift = 5
	}
	backoff := time.Duration(1<<uint(shift)) * time.Second
	if backoff > s.maxRetryBackoff {
		backoff = s.maxRetryBackoff
	}
	return time.Since(s.lastFailTime) >= backoff
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	s.failures++
	s.consecutiveFails++
	s.lastFailTime = time.Now()

	if s.consecutiveFails <= 5 {
		log.Warn().
			Str("ai_endpoint", s.endpoint).
			Int("consecutive_fails", s.consecutiveFails).
			Msg("AI detection failure recorded")
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.consecutiveFails = 0
}

// HealthCheck queries the standard grpc.health.v1 service
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(s.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("detection service health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: status %s", ErrDetectorUnavailable, resp.GetStatus())
	}
	return nil
}

// Status summarises the connection for the stats endpoint
type Status struct {
	Enabled          bool   `json:"enabled"`
	Endpoint         string `json:"endpoint,omitempty"`
	State            string `json:"state"`
	Calls            uint64 `json:"calls"`
	Failures         uint64 `json:"failures"`
	ConsecutiveFails int    `json:"consecutive_fails"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:          true,
		Endpoint:         s.endpoint,
		State:            s.conn.GetState().String(),
		Calls:            s.calls,
		Failures:         s.failures,
		ConsecutiveFails: s.consecutiveFails,
	}
}

// IsInBadState reports a connection that is failing or shut down
func (s *Service) IsInBadState() bool {
	state := s.conn.GetState()
	return state == connectivity.TransientFailure || state == connectivity.Shutdown
}

func (s *Service) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down detection service connection")
	return s.conn.Close()
}

// Disabled is used when AI processing is switched off. It reports an empty
// observation so frames still reach the dashboard.
type Disabled struct{}

func (Disabled) Detect(context.Context, *models.Frame, time.Time) (*models.LaneObservation, error) {
	return &models.LaneObservation{Vehicles: []models.VehicleRecord{}}, nil
}

func (Disabled) Status() Status { return Status{State: "disabled"} }
