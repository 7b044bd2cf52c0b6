package main

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcdir "hiprint/transit/internal/grpc"
	"hiprint/transit/internal/logging"
)

const gracefulStopWait = 5 * time.Second

// directoryServer exposes the relay's directory views over gRPC next to the
// websocket listener.
type directoryServer struct {
	server *grpc.Server
	health *health.Server
	log    *logging.Logger
}

// newDirectoryServer builds the gRPC server for r with the security options derived
// from its configuration.
// 1.- Install the tenant interceptors and optional TLS credentials.
// 2.- Register the directory service and the standard health service.
func newDirectoryServer(r *Relay) (*directoryServer, error) {
	if r == nil {
		return nil, errors.New("relay is nil")
	}
	opts, err := configureGRPCSecurity(r.cfg, r.log)
	if err != nil {
		return nil, err
	}
	server := grpc.NewServer(opts...)
	grpcdir.NewService(r.directory).Register(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(grpcdir.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return &directoryServer{
		server: server,
		health: healthServer,
		log:    r.log.With(logging.String("component", "grpc")),
	}, nil
}

// Serve accepts gRPC connections on listener until ctx is cancelled, then stops
// gracefully.
func (s *directoryServer) Serve(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(listener)
	}()
	s.log.Info("gRPC directory listening", logging.String("address", listener.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		//1.- Open watch streams never finish on their own, so force the stop after a grace period.
		stopped := make(chan struct{})
		go func() {
			s.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(gracefulStopWait):
			s.server.Stop()
		}
		return nil
	}
}
