// Package grpc exposes the authorization gate to collaborator services over
// gRPC: a unary interceptor that verifies bearer tokens and enforces
// per-method roles, plus the standard health service.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Authorizer verifies an access token and checks that it carries one of roles.
type Authorizer interface {
	Authorize(ctx context.Context, token string, roles ...string) (*auth.Claims, error)
}

type GRPCServer struct {
	address    string
	logger     logging.Logger
	authorizer Authorizer
	public     map[string]struct{}
	roles      map[string][]string
	services   []func(grpc.ServiceRegistrar)
}

type Option func(*GRPCServer)

// WithPublicMethods lets the listed full method names through without a token.
func WithPublicMethods(methods ...string) Option {
	return func(s *GRPCServer) {
		for _, m := range methods {
			s.public[m] = struct{}{}
		}
	}
}

// WithMethodRoles requires one of roles for the full method name. Methods
// without an entry only require a valid token.
func WithMethodRoles(method string, roles ...string) Option {
	return func(s *GRPCServer) {
		s.roles[method] = roles
		delete(s.public, method)
	}
}

// WithService registers an additional service on the server.
func WithService(register func(grpc.ServiceRegistrar)) Option {
	return func(s *GRPCServer) {
		s.services = append(s.services, register)
	}
}

// NewGRPCServer builds the gate. The health check is public unless an option
// assigns it roles.
func NewGRPCServer(a string, l logging.Logger, authorizer Authorizer, opts ...Option) *GRPCServer {
	s := &GRPCServer{
		address:    a,
		logger:     l.With("module", "grpc_server"),
		authorizer: authorizer,
		public:     map[string]struct{}{healthpb.Health_Check_FullMethodName: {}},
		roles:      map[string][]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.authInterceptor))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	for _, register := range s.services {
		register(srv)
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		hs.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(lis); err != nil {
		return err
	}
	<-stopped
	return nil
}
