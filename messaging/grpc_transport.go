package messaging

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/INLOpen/nexusexport/config"
	"github.com/INLOpen/nexusexport/core"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	mailboxServiceName  = "nexusexport.messaging.Mailbox"
	deliverFullMethod   = "/" + mailboxServiceName + "/Deliver"
	defaultSendTimeout  = 2 * time.Second
	gracefulStopTimeout = 10 * time.Second
)

// Inbound receives messages that arrived from other hosts.
type Inbound interface {
	Deliver(dest core.MailboxID, msg Message) error
}

// mailboxService is the server side of the Mailbox gRPC service.
type mailboxService interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

// The service carries one envelope per call in a BytesValue, so it is
// declared by hand instead of from a .proto file.
var mailboxServiceDesc = grpc.ServiceDesc{
	ServiceName: mailboxServiceName,
	HandlerType: (*mailboxService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "messaging/grpc_transport.go",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(mailboxService).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(mailboxService).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

type mailboxServer struct {
	inbound Inbound
	logger  *slog.Logger
}

func (s *mailboxServer) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	dest, msg, err := decodeEnvelope(in.GetValue())
	if err != nil {
		s.logger.Warn("Rejected malformed envelope", "error", err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.inbound.Deliver(dest, msg); err != nil {
		if errors.Is(err, ErrNoMailbox) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// TransportOption customizes a GRPCTransport.
type TransportOption func(*GRPCTransport)

// WithDialOptions appends client dial options, e.g. a bufconn dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) TransportOption {
	return func(t *GRPCTransport) {
		t.dialOptions = append(t.dialOptions, opts...)
	}
}

// GRPCTransport sends envelopes to the Mailbox service of peer hosts and
// serves the service for inbound envelopes.
type GRPCTransport struct {
	peers       map[int32]string
	sendTimeout time.Duration
	maxRetries  uint64
	dialOptions []grpc.DialOption
	server      *grpc.Server
	logger      *slog.Logger

	mu    sync.Mutex
	conns map[int32]*grpc.ClientConn

	stopOnce sync.Once
}

var _ Transport = (*GRPCTransport)(nil)

// NewGRPCTransport builds the transport from cfg. Inbound envelopes are
// handed to inbound.
func NewGRPCTransport(cfg config.MessagingConfig, inbound Inbound, logger *slog.Logger, opts ...TransportOption) (*GRPCTransport, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "grpc_transport")

	var serverOpts []grpc.ServerOption
	var clientDialOpts []grpc.DialOption
	if cfg.TLS.Enabled {
		serverTLS, err := loadServerTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(serverTLS)))
		clientTLS, err := loadClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load client TLS config: %w", err)
		}
		clientDialOpts = append(clientDialOpts, grpc.WithTransportCredentials(credentials.NewTLS(clientTLS)))
	} else {
		clientDialOpts = append(clientDialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	t := &GRPCTransport{
		peers:       make(map[int32]string, len(cfg.Peers)),
		sendTimeout: config.ParseDuration(cfg.SendTimeout, defaultSendTimeout, logger),
		maxRetries:  uint64(max(cfg.MaxSendRetries, 0)),
		dialOptions: clientDialOpts,
		server:      grpc.NewServer(serverOpts...),
		logger:      logger,
		conns:       make(map[int32]*grpc.ClientConn),
	}
	for host, addr := range cfg.Peers {
		t.peers[host] = addr
	}
	for _, opt := range opts {
		opt(t)
	}
	t.server.RegisterService(&mailboxServiceDesc, &mailboxServer{inbound: inbound, logger: logger})
	logger.Info("gRPC transport created", "peers", len(t.peers), "tls_enabled", cfg.TLS.Enabled)
	return t, nil
}

// loadServerTLSConfig loads the certificate the Mailbox service presents.
func loadServerTLSConfig(tlsCfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// loadClientTLSConfig trusts ca_file when set and the system pool otherwise.
func loadClientTLSConfig(tlsCfg config.TLSConfig) (*tls.Config, error) {
	if tlsCfg.CAFile == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
	}
	pem, err := os.ReadFile(tlsCfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", tlsCfg.CAFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// Listen opens address and serves the Mailbox service on it in the
// background.
func (t *GRPCTransport) Listen(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	t.logger.Info("gRPC transport listening", "address", lis.Addr().String())
	go func() {
		if err := t.Serve(lis); err != nil {
			t.logger.Error("gRPC transport server failed", "error", err)
		}
	}()
	return nil
}

// Serve serves the Mailbox service on lis until the transport is closed.
func (t *GRPCTransport) Serve(lis net.Listener) error {
	if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (t *GRPCTransport) conn(host int32) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[host]; ok {
		return c, nil
	}
	addr, ok := t.peers[host]
	if !ok {
		return nil, fmt.Errorf("%w: no address for host %d", ErrNoTransport, host)
	}
	c, err := grpc.NewClient(addr, t.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for host %d at %s: %w", host, addr, err)
	}
	t.conns[host] = c
	return c, nil
}

// Send delivers msg to dest on its host, retrying transient failures with
// exponential backoff.
func (t *GRPCTransport) Send(ctx context.Context, dest core.MailboxID, msg Message) error {
	env, err := encodeEnvelope(dest, msg)
	if err != nil {
		return err
	}
	host := core.HostIDOf(dest)
	c, err := t.conn(host)
	if err != nil {
		return err
	}

	req := &wrapperspb.BytesValue{Value: env}
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, t.sendTimeout)
		defer cancel()
		err := c.Invoke(callCtx, deliverFullMethod, req, &emptypb.Empty{})
		if err == nil {
			return nil
		}
		switch status.Code(err) {
		case codes.NotFound, codes.InvalidArgument:
			return backoff.Permanent(err)
		}
		t.logger.Debug("Send attempt failed", "dest", dest, "attempt", attempt, "error", err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, t.maxRetries), ctx)); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.Kind(), dest, err)
	}
	return nil
}

// Close stops the server, waiting for in-flight calls up to a timeout, and
// closes the client connections.
func (t *GRPCTransport) Close() error {
	var errs []error
	t.stopOnce.Do(func() {
		stopped := make(chan struct{})
		go func() {
			t.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(gracefulStopTimeout):
			t.logger.Warn("Graceful stop timeout exceeded, forcing shutdown", "timeout", gracefulStopTimeout)
			t.server.Stop()
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		for host, c := range t.conns {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("host %d: %w", host, err))
			}
		}
		t.conns = map[int32]*grpc.ClientConn{}
	})
	return errors.Join(errs...)
}
