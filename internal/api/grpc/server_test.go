package grpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"transcript-relay-service/internal/observability/metrics"
)

func newHealthClient(t *testing.T, m *metrics.Metrics) (grpc_health_v1.HealthClient, *Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := NewServer("bufnet", m)
	go func() { _ = s.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		s.Shutdown()
	})
	return grpc_health_v1.NewHealthClient(conn), s
}

func TestServer_HealthCheck(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	client, _ := newHealthClient(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tests := []struct {
		service string
		want    grpc_health_v1.HealthCheckResponse_ServingStatus
	}{
		{"", grpc_health_v1.HealthCheckResponse_SERVING},
		{ServiceName, grpc_health_v1.HealthCheckResponse_SERVING},
	}
	for _, tt := range tests {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: tt.service})
		if err != nil {
			t.Fatalf("Check(%q): %v", tt.service, err)
		}
		if resp.GetStatus() != tt.want {
			t.Errorf("Check(%q): got %v want %v", tt.service, resp.GetStatus(), tt.want)
		}
	}

	_, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "unknown.Service"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound for unknown service, got %v", err)
	}

	method := "/grpc.health.v1.Health/Check"
	if got := testutil.ToFloat64(m.GRPCRequests.WithLabelValues(method, codes.OK.String())); got != 2 {
		t.Errorf("expected 2 OK checks recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.GRPCRequests.WithLabelValues(method, codes.NotFound.String())); got != 1 {
		t.Errorf("expected 1 NotFound check recorded, got %v", got)
	}
}
