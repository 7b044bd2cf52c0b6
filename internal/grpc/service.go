package grpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Fully qualified names of the directory service and its methods.
const (
	ServiceName           = "hiprint.transit.v1.Directory"
	ListClientsMethod     = "/" + ServiceName + "/ListClients"
	ListPrintersMethod    = "/" + ServiceName + "/ListPrinters"
	ExportDirectoryMethod = "/" + ServiceName + "/ExportDirectory"
	WatchPrintersMethod   = "/" + ServiceName + "/WatchPrinters"

	// EncodingHeader carries the encoding of an ExportDirectory payload.
	EncodingHeader = "x-hiprint-encoding"
)

const (
	defaultWatchInterval = time.Second
	minWatchInterval     = 100 * time.Millisecond
)

// DirectoryServer is the server API of the directory service.
type DirectoryServer interface {
	ListClients(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListPrinters(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	ExportDirectory(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	WatchPrinters(*durationpb.Duration, Directory_WatchPrintersServer) error
}

// Directory_WatchPrintersServer is the server side of the WatchPrinters stream.
type Directory_WatchPrintersServer interface {
	Send(*structpb.ListValue) error
	grpclib.ServerStream
}

// Option customises the behaviour of the directory service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithTickerFactory overrides the watch ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	stop := func() {
		ticker.Stop()
	}
	return ticker.C, stop
}

// Service implements DirectoryServer over the relay's directory views. Every call
// is scoped to the tenant placed in the context by the authenticating interceptor.
type Service struct {
	source    DirectorySource
	newTicker tickerFactory
}

// NewService wires the gRPC service to the directory source and optional settings.
func NewService(source DirectorySource, opts ...Option) *Service {
	service := &Service{source: source, newTicker: defaultTickerFactory}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// Register attaches the service to a gRPC server.
func (s *Service) Register(registrar grpclib.ServiceRegistrar) {
	registrar.RegisterService(&ServiceDesc, s)
}

func (s *Service) tenant(ctx context.Context) (string, error) {
	if s == nil || s.source == nil {
		return "", status.Error(codes.FailedPrecondition, "directory unavailable")
	}
	tenant, ok := TenantFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "tenant not authenticated")
	}
	return tenant, nil
}

// ListClients returns the tenant's print-worker map keyed by session identifier.
func (s *Service) ListClients(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	tenant, err := s.tenant(ctx)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := convert(s.source.Clients(tenant), out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode clients: %v", err)
	}
	return out, nil
}

// ListPrinters returns the tenant's flattened printer directory.
func (s *Service) ListPrinters(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	tenant, err := s.tenant(ctx)
	if err != nil {
		return nil, err
	}
	out := &structpb.ListValue{}
	if err := convert(s.source.Printers(tenant), out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode printers: %v", err)
	}
	return out, nil
}

// ExportDirectory returns {"clients", "printers"} as JSON in the requested
// encoding. The encoding used is echoed in the EncodingHeader response header.
func (s *Service) ExportDirectory(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	tenant, err := s.tenant(ctx)
	if err != nil {
		return nil, err
	}
	compressor, ok := CompressorFor(req.GetValue())
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported encoding %q, want one of %v", req.GetValue(), Encodings())
	}
	raw, err := json.Marshal(struct {
		Clients  map[string]map[string]any `json:"clients"`
		Printers []map[string]any          `json:"printers"`
	}{s.source.Clients(tenant), s.source.Printers(tenant)})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode directory: %v", err)
	}
	payload, err := compressor.Compress(raw)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "compress directory: %v", err)
	}
	_ = grpclib.SetHeader(ctx, metadata.Pairs(EncodingHeader, compressor.Name()))
	return wrapperspb.Bytes(payload), nil
}

// WatchPrinters streams the tenant's printer directory whenever it changes, polled
// at the requested interval.
func (s *Service) WatchPrinters(req *durationpb.Duration, stream Directory_WatchPrintersServer) error {
	ctx := stream.Context()
	tenant, err := s.tenant(ctx)
	if err != nil {
		return err
	}
	interval := defaultWatchInterval
	if req != nil && req.AsDuration() > 0 {
		interval = req.AsDuration()
	}
	if interval < minWatchInterval {
		interval = minWatchInterval
	}
	tickCh, stop := s.newTicker(interval)
	defer stop()

	var last []byte
	push := func() error {
		raw, err := json.Marshal(s.source.Printers(tenant))
		if err != nil {
			return status.Errorf(codes.Internal, "encode printers: %v", err)
		}
		//1.- Only changes are streamed; json.Marshal sorts map keys so equal views compare equal.
		if bytes.Equal(raw, last) {
			return nil
		}
		list := &structpb.ListValue{}
		if err := protojson.Unmarshal(raw, list); err != nil {
			return status.Errorf(codes.Internal, "encode printers: %v", err)
		}
		if err := stream.Send(list); err != nil {
			return err
		}
		last = raw
		return nil
	}

	if err := push(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case <-tickCh:
			if err := push(); err != nil {
				return err
			}
		}
	}
}

func convert(value any, out proto.Message) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return protojson.Unmarshal(raw, out)
}

var _ DirectoryServer = (*Service)(nil)

// ServiceDesc describes the directory service for grpc.Server registration.
var ServiceDesc = grpclib.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DirectoryServer)(nil),
	Methods: []grpclib.MethodDesc{
		{MethodName: "ListClients", Handler: listClientsHandler},
		{MethodName: "ListPrinters", Handler: listPrintersHandler},
		{MethodName: "ExportDirectory", Handler: exportDirectoryHandler},
	},
	Streams: []grpclib.StreamDesc{
		{StreamName: "WatchPrinters", Handler: watchPrintersHandler, ServerStreams: true},
	},
	Metadata: "hiprint/transit/v1/directory.proto",
}

func listClientsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DirectoryServer).ListClients(ctx, in)
	}
	info := &grpclib.UnaryServerInfo{Server: srv, FullMethod: ListClientsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DirectoryServer).ListClients(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listPrintersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DirectoryServer).ListPrinters(ctx, in)
	}
	info := &grpclib.UnaryServerInfo{Server: srv, FullMethod: ListPrintersMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DirectoryServer).ListPrinters(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func exportDirectoryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DirectoryServer).ExportDirectory(ctx, in)
	}
	info := &grpclib.UnaryServerInfo{Server: srv, FullMethod: ExportDirectoryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DirectoryServer).ExportDirectory(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func watchPrintersHandler(srv any, stream grpclib.ServerStream) error {
	in := new(durationpb.Duration)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DirectoryServer).WatchPrinters(in, &watchPrintersServer{stream})
}

type watchPrintersServer struct {
	grpclib.ServerStream
}

func (x *watchPrintersServer) Send(m *structpb.ListValue) error {
	return x.ServerStream.SendMsg(m)
}

// DirectoryClient calls the directory service.
type DirectoryClient struct {
	cc grpclib.ClientConnInterface
}

// NewDirectoryClient wraps a client connection.
func NewDirectoryClient(cc grpclib.ClientConnInterface) *DirectoryClient {
	return &DirectoryClient{cc: cc}
}

// ListClients fetches the tenant's print-worker map.
func (c *DirectoryClient) ListClients(ctx context.Context, opts ...grpclib.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListClientsMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPrinters fetches the tenant's printer directory.
func (c *DirectoryClient) ListPrinters(ctx context.Context, opts ...grpclib.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, ListPrintersMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ExportDirectory fetches the directory in encoding and returns it decompressed.
func (c *DirectoryClient) ExportDirectory(ctx context.Context, encoding string, opts ...grpclib.CallOption) ([]byte, error) {
	var header metadata.MD
	out := new(wrapperspb.BytesValue)
	opts = append(opts, grpclib.Header(&header))
	if err := c.cc.Invoke(ctx, ExportDirectoryMethod, wrapperspb.String(encoding), out, opts...); err != nil {
		return nil, err
	}
	name := encoding
	if values := header.Get(EncodingHeader); len(values) > 0 {
		name = values[0]
	}
	compressor, ok := CompressorFor(name)
	if !ok {
		return nil, fmt.Errorf("server answered with unsupported encoding %q", name)
	}
	return compressor.Decompress(out.GetValue())
}

// Directory_WatchPrintersClient is the client side of the WatchPrinters stream.
type Directory_WatchPrintersClient interface {
	Recv() (*structpb.ListValue, error)
	grpclib.ClientStream
}

// WatchPrinters opens a printer directory stream polled every interval.
func (c *DirectoryClient) WatchPrinters(ctx context.Context, interval time.Duration, opts ...grpclib.CallOption) (Directory_WatchPrintersClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], WatchPrintersMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &watchPrintersClient{stream}
	if err := x.ClientStream.SendMsg(durationpb.New(interval)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type watchPrintersClient struct {
	grpclib.ClientStream
}

func (x *watchPrintersClient) Recv() (*structpb.ListValue, error) {
	m := new(structpb.ListValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
