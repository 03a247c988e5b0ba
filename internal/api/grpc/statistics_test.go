package grpc

import (
	"context"
	"errors"
	"net"
	"testing"

	staterrors "github.com/chronostat/chronostat/internal/errors"
	"github.com/chronostat/chronostat/internal/materializer"
	"github.com/chronostat/chronostat/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeService struct {
	points    []types.TimeSeriesPoint
	report    *materializer.Report
	err       error
	lastQuery types.TimeSeriesQuery
}

func (f *fakeService) TimeSeries(_ context.Context, q types.TimeSeriesQuery) ([]types.TimeSeriesPoint, error) {
	f.lastQuery = q
	return f.points, f.err
}

func (f *fakeService) Materialize(_ context.Context, req types.CalculationRequest) (*materializer.Report, error) {
	return f.report, f.err
}

func dial(t *testing.T, svc Service) *gogrpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv, _ := NewGRPCServer(svc, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := gogrpc.NewClient("passthrough:///bufnet",
		gogrpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTimeSeries(t *testing.T) {
	fs := &fakeService{points: []types.TimeSeriesPoint{
		{Date: types.MustParseDate("2024-01-01"), Count: 0},
		{Date: types.MustParseDate("2024-02-01"), Count: 12},
	}}
	client := NewClient(dial(t, fs))

	q := types.TimeSeriesQuery{
		Start:    "2024-01-01",
		End:      "2024-02-01",
		Interval: types.IntervalMonth,
		Filters:  &types.TimeSeriesFilters{Transport: &types.SearchFilter[bool]{Value: true}},
	}
	points, err := client.TimeSeries(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, fs.points, points)
	assert.Equal(t, q, fs.lastQuery)
}

func TestTimeSeries_ErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{staterrors.NewValidationError(staterrors.CodeFutureRange, "future"), codes.InvalidArgument},
		{staterrors.NewStoreError("down", errors.New("refused")), codes.Unavailable},
		{staterrors.NewPartialMaterializationError("partial", nil), codes.Internal},
		{errors.New("unexpected"), codes.Internal},
	}

	for _, tt := range tests {
		client := NewClient(dial(t, &fakeService{err: tt.err}))
		_, err := client.TimeSeries(context.Background(), types.TimeSeriesQuery{})
		assert.Equal(t, tt.want, status.Code(err), "error %v", tt.err)
	}
}

func TestCalculateLatest(t *testing.T) {
	report := &materializer.Report{
		StartInclusive: types.MustParseDate("2024-01-01"),
		EndExclusive:   types.MustParseDate("2024-01-03"),
		Committed:      []types.Date{types.MustParseDate("2024-01-01"), types.MustParseDate("2024-01-02")},
		Failed:         []materializer.DateFailure{},
		Duration:       1500,
	}
	client := NewClient(dial(t, &fakeService{report: report}))

	got, err := client.CalculateLatest(context.Background(), types.CalculationRequest{
		StartInclusive: report.StartInclusive,
		EndExclusive:   report.EndExclusive,
	})
	require.NoError(t, err)
	assert.Equal(t, report, got)
}

func TestHealth(t *testing.T) {
	conn := dial(t, &fakeService{})
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(context.Background(),
		&grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())
}
