// Package api is the gRPC transport boundary. It authenticates callers
// (operator bearer tokens and agent mTLS certificates), maps engine errors to
// status codes, and hosts the server shell the service handlers register on.
package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/garrisonhq/garrison/pkg/identity"
	"github.com/garrisonhq/garrison/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server hosts the control plane's gRPC endpoint.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates the gRPC server shell with authentication wired in.
// tlsConfig may be nil for plaintext development listeners; production
// deployments pass ServerTLSConfig so agents can authenticate with their
// issued certificates.
func NewServer(verifier identity.Verifier, tlsConfig *tls.Config) *Server {
	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(AuthInterceptor(verifier)),
	}
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	srv := grpc.NewServer(opts...)
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)

	return &Server{grpc: srv, health: h}
}

// ServerTLSConfig builds the listener TLS configuration: the server presents
// cert, and agent clients may present leaf certificates verified against the
// fleet root. Client certificates are optional at the TLS layer because
// operator calls and enrollment arrive without one; per-call authentication
// happens in the interceptor.
func ServerTLSConfig(cert tls.Certificate, clientCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS12,
	}
}

// GRPC exposes the underlying server for service registration.
func (s *Server) GRPC() *grpc.Server {
	return s.grpc
}

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.grpc.GracefulStop()
}
