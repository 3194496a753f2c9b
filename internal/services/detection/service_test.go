package detection

import (
	"context"
	"encoding/base64"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"intersection-worker-go/internal/models"
)

type processFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// fakeDetector is an in-process model server
type fakeDetector struct {
	mu       sync.Mutex
	handler  processFunc
	requests []*structpb.Struct
}

func (f *fakeDetector) process(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	h := f.handler
	f.mu.Unlock()
	return h(ctx, req)
}

var detectorDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "ProcessFrame",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(*fakeDetector).process(ctx, in)
		},
	}},
}

func startDetector(t *testing.T, handler processFunc) (*Service, *fakeDetector, *health.Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	fake := &fakeDetector{handler: handler}
	srv.RegisterService(&detectorDesc, fake)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	svc, err := newService("passthrough:///bufnet", insecure.NewCredentials(), time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc, fake, hs
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func testFrame() *models.Frame {
	return &models.Frame{Lane: 2, Data: []byte{1, 2, 3, 4, 5, 6}, Width: 2, Height: 1, Format: "BGR24", Seq: 9}
}

func TestDetect_RoundTrip(t *testing.T) {
	svc, fake, _ := startDetector(t, func(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{
			"number_of_vehicles_detected": 3,
			"detected_vehicles": []any{
				map[string]any{
					"vehicle_id":          1,
					"vehicle_type":        "car",
					"vehicle_coordinates": map[string]any{"x": 10, "y": 20, "width": 30, "height": 40},
					"speed_info":          map[string]any{"kph": 30.0, "direction_label": "north"},
					"color":               "red",
				},
				map[string]any{"vehicle_id": 2, "speed_info": map[string]any{"kph": nil}},
				map[string]any{"vehicle_id": 3, "speed_info": map[string]any{"kph": 50.0}},
			},
		})
	})

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	obs, err := svc.Detect(context.Background(), testFrame(), at)
	require.NoError(t, err)

	assert.Equal(t, 3, obs.VehicleCount)
	require.Len(t, obs.Vehicles, 3)
	first := obs.Vehicles[0]
	assert.Equal(t, int64(1), first.VehicleID)
	assert.Equal(t, "car", first.VehicleType)
	assert.Equal(t, models.VehicleCoordinates{X: 10, Y: 20, Width: 30, Height: 40}, first.Coordinates)
	require.True(t, first.HasSpeed())
	assert.Equal(t, 30.0, *first.SpeedInfo.KPH)
	assert.JSONEq(t, `"red"`, string(first.Attributes["color"]))
	assert.False(t, obs.Vehicles[1].HasSpeed())
	assert.True(t, obs.Vehicles[2].HasSpeed())

	require.Len(t, fake.requests, 1)
	req := fake.requests[0].AsMap()
	assert.Equal(t, float64(2), req["lane"])
	assert.Equal(t, "2026-03-01T08:00:00Z", req["timestamp"])
	assert.Equal(t, float64(2), req["width"])
	assert.Equal(t, "BGR24", req["format"])
	img, err := base64.StdEncoding.DecodeString(req["image"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, img)
}

func TestDetect_CountDefaultsToVehicleList(t *testing.T) {
	svc, _, _ := startDetector(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{
			"detected_vehicles": []any{map[string]any{"vehicle_id": 4}, map[string]any{"vehicle_id": 5}},
		})
	})
	obs, err := svc.Detect(context.Background(), testFrame(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, obs.VehicleCount)
}

func TestDetect_ErrorThenBackoff(t *testing.T) {
	svc, fake, _ := startDetector(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Internal, "model crashed")
	})

	_, err := svc.Detect(context.Background(), testFrame(), time.Now())
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))

	// Within the first backoff window the call is refused locally
	_, err = svc.Detect(context.Background(), testFrame(), time.Now())
	assert.ErrorIs(t, err, ErrDetectorUnavailable)
	assert.Len(t, fake.requests, 1)

	st := svc.Status()
	assert.Equal(t, uint64(1), st.Failures)
	assert.Equal(t, 1, st.ConsecutiveFails)
}

func TestDetect_RejectsMalformedReply(t *testing.T) {
	svc, _, _ := startDetector(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"number_of_vehicles_detected": "many"})
	})
	_, err := svc.Detect(context.Background(), testFrame(), time.Now())
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	svc, _, hs := startDetector(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return &structpb.Struct{}, nil
	})
	require.NoError(t, svc.HealthCheck(context.Background()))

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	assert.ErrorIs(t, svc.HealthCheck(context.Background()), ErrDetectorUnavailable)
}

func TestDisabled(t *testing.T) {
	obs, err := Disabled{}.Detect(context.Background(), testFrame(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, obs.VehicleCount)
	assert.Empty(t, obs.Vehicles)
	assert.Equal(t, "disabled", Disabled{}.Status().State)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		host    string
		tls     bool
		wantErr bool
	}{
		{in: "localhost:50052", host: "localhost:50052"},
		{in: "detector.example.com", host: "detector.example.com:443", tls: true},
		{in: "detector.example.com:8443", host: "detector.example.com:8443", tls: true},
		{in: "https://detector.example.com", host: "detector.example.com:443", tls: true},
		{in: "http://10.0.0.5:9000", host: "10.0.0.5:9000"},
		{in: "ftp://detector", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		host, creds, err := parseEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.host, host, tt.in)
		assert.Equal(t, tt.tls, creds.Info().SecurityProtocol == "tls", tt.in)
	}
}
