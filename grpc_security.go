package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"hiprint/transit/internal/auth"
	configpkg "hiprint/transit/internal/config"
	grpcdir "hiprint/transit/internal/grpc"
	"hiprint/transit/internal/logging"
)

const tokenMetadataKey = "x-hiprint-token"

// configureGRPCSecurity returns the server options that authenticate directory
// calls against the relay token and, when useSSL is set, serve them over TLS.
func configureGRPCSecurity(cfg *configpkg.Config, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if cfg == nil {
		return nil, fmt.Errorf("grpc config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	gate, err := auth.NewGate(cfg.Token)
	if err != nil {
		return nil, err
	}
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(newTenantUnaryInterceptor(gate)),
		grpc.ChainStreamInterceptor(newTenantStreamInterceptor(gate)),
	}
	if cfg.UseSSL {
		creds, err := loadServerCredentials(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("gRPC TLS enabled")
	}
	return opts, nil
}

type tenantStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tenantStream) Context() context.Context { return s.ctx }

func newTenantUnaryInterceptor(gate *auth.Gate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		tenantCtx, err := authenticateContext(ctx, gate)
		if err != nil {
			return nil, err
		}
		return handler(tenantCtx, req)
	}
}

func newTenantStreamInterceptor(gate *auth.Gate) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		tenantCtx, err := authenticateContext(ss.Context(), gate)
		if err != nil {
			return err
		}
		return handler(srv, &tenantStream{ServerStream: ss, ctx: tenantCtx})
	}
}

// authenticateContext resolves the caller's tenant from its metadata credential.
// 1.- Pull the credential from the token key or a bearer authorization header.
// 2.- Match it against the relay token pattern and attach the tenant to the context.
func authenticateContext(ctx context.Context, gate *auth.Gate) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	credential := extractToken(md)
	if credential == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}
	tenant, err := gate.Authenticate(credential)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return grpcdir.ContextWithTenant(ctx, tenant), nil
}

func extractToken(md metadata.MD) string {
	if md == nil {
		return ""
	}
	for _, value := range md.Get(tokenMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if strings.HasPrefix(strings.ToLower(value), "bearer ") {
			token := strings.TrimSpace(value[7:])
			if token != "" {
				return token
			}
		}
	}
	return ""
}

func loadServerCredentials(certPath, keyPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return credentials.NewTLS(tlsConfig), nil
}
