package grpc

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"
)

type sourceStub struct {
	mu       sync.Mutex
	printers map[string][]map[string]any
}

func (s *sourceStub) Clients(tenant string) map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]map[string]any{}
	if len(s.printers[tenant]) > 0 {
		out["w1"] = map[string]any{"clientId": "w1", "printerList": s.printers[tenant]}
	}
	return out
}

func (s *sourceStub) Printers(tenant string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if list, ok := s.printers[tenant]; ok {
		return list
	}
	return []map[string]any{}
}

func (s *sourceStub) set(tenant string, printers []map[string]any) {
	s.mu.Lock()
	s.printers[tenant] = printers
	s.mu.Unlock()
}

// tenantFromMetadata stands in for the relay's gate-backed interceptor.
func tenantFromMetadata(ctx context.Context) context.Context {
	md, _ := metadata.FromIncomingContext(ctx)
	if values := md.Get("x-tenant"); len(values) > 0 {
		return ContextWithTenant(ctx, values[0])
	}
	return ctx
}

type wrappedStream struct {
	grpclib.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

func startServer(t *testing.T, source DirectorySource, opts ...Option) *DirectoryClient {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := grpclib.NewServer(
		grpclib.UnaryInterceptor(func(ctx context.Context, req any, _ *grpclib.UnaryServerInfo, handler grpclib.UnaryHandler) (any, error) {
			return handler(tenantFromMetadata(ctx), req)
		}),
		grpclib.StreamInterceptor(func(srv any, ss grpclib.ServerStream, _ *grpclib.StreamServerInfo, handler grpclib.StreamHandler) error {
			return handler(srv, &wrappedStream{ServerStream: ss, ctx: tenantFromMetadata(ss.Context())})
		}),
	)
	NewService(source, opts...).Register(server)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpclib.NewClient("passthrough:///bufnet",
		grpclib.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpclib.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewDirectoryClient(conn)
}

func tenantCtx(t *testing.T, tenant string) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx, "x-tenant", tenant)
}

func TestListPrintersScopesToTenant(t *testing.T) {
	source := &sourceStub{printers: map[string][]map[string]any{
		"t1": {{"name": "P1"}},
		"t2": {{"name": "other"}},
	}}
	client := startServer(t, source)

	list, err := client.ListPrinters(tenantCtx(t, "t1"))
	require.NoError(t, err)
	require.Len(t, list.GetValues(), 1)
	assert.Equal(t, "P1", list.GetValues()[0].GetStructValue().GetFields()["name"].GetStringValue())

	clients, err := client.ListClients(tenantCtx(t, "t1"))
	require.NoError(t, err)
	assert.Contains(t, clients.GetFields(), "w1")
}

func TestCallsWithoutTenantAreUnauthenticated(t *testing.T) {
	client := startServer(t, &sourceStub{printers: map[string][]map[string]any{}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.ListClients(ctx)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestExportDirectoryEncodings(t *testing.T) {
	source := &sourceStub{printers: map[string][]map[string]any{"t1": {{"name": "P1"}}}}
	client := startServer(t, source)

	for _, encoding := range []string{"", EncodingJSON, EncodingGZIP, EncodingSnappy} {
		raw, err := client.ExportDirectory(tenantCtx(t, "t1"), encoding)
		require.NoError(t, err, encoding)
		var payload struct {
			Clients  map[string]any   `json:"clients"`
			Printers []map[string]any `json:"printers"`
		}
		require.NoError(t, json.Unmarshal(raw, &payload), encoding)
		assert.Len(t, payload.Printers, 1, encoding)
		assert.Contains(t, payload.Clients, "w1", encoding)
	}

	_, err := client.ExportDirectory(tenantCtx(t, "t1"), "brotli")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

type watchStreamStub struct {
	grpclib.ServerStream
	ctx  context.Context
	mu   sync.Mutex
	sent []*structpb.ListValue
}

func (s *watchStreamStub) Context() context.Context { return s.ctx }

func (s *watchStreamStub) Send(list *structpb.ListValue) error {
	s.mu.Lock()
	s.sent = append(s.sent, list)
	s.mu.Unlock()
	return nil
}

func (s *watchStreamStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestWatchPrintersSendsOnlyChanges(t *testing.T) {
	source := &sourceStub{printers: map[string][]map[string]any{"t1": {{"name": "P1"}}}}
	ticks := make(chan time.Time)
	service := NewService(source, WithTickerFactory(func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() {}
	}))
	ctx, cancel := context.WithCancel(ContextWithTenant(context.Background(), "t1"))
	stream := &watchStreamStub{ctx: ctx}

	done := make(chan error, 1)
	go func() { done <- service.WatchPrinters(durationpb.New(time.Second), stream) }()

	require.Eventually(t, func() bool { return stream.count() == 1 }, time.Second, 5*time.Millisecond)
	ticks <- time.Now()
	ticks <- time.Now()
	assert.Equal(t, 1, stream.count())

	source.set("t1", []map[string]any{{"name": "P1"}, {"name": "P2"}})
	ticks <- time.Now()
	require.Eventually(t, func() bool { return stream.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	err := <-done
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestWatchPrintersOverBufconn(t *testing.T) {
	source := &sourceStub{printers: map[string][]map[string]any{"t1": {{"name": "P1"}}}}
	client := startServer(t, source)

	stream, err := client.WatchPrinters(tenantCtx(t, "t1"), minWatchInterval)
	require.NoError(t, err)
	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Len(t, first.GetValues(), 1)

	source.set("t1", []map[string]any{})
	second, err := stream.Recv()
	require.NoError(t, err)
	assert.Empty(t, second.GetValues())
}
