package core

import (
	"net"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/sessamekesh/simrpc/pkg/arbiter"
	"github.com/sessamekesh/simrpc/pkg/protocol"
	"github.com/sessamekesh/simrpc/pkg/transport"
	utils "github.com/sessamekesh/simrpc/pkg/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type ServerParams struct {
	Name string

	// Byte servers carrying the RPC and stream protocols
	RPC    transport.ByteServer
	Stream transport.ByteServer

	HelloTimeout      time.Duration
	HelloPollInterval time.Duration
	MaxMessageSize    int

	// Client addresses checked before the host's own admission handler.
	// An empty allow list admits every host not denied.
	AllowedHosts []string
	DeniedHosts  []string

	Clock  clock.Clock
	Logger *zap.Logger
}

// Server pairs an RPC server with the stream server its clients use for
// pushed results.
type Server struct {
	name      string
	rpc       *protocol.RPCServer
	stream    *protocol.StreamServer
	admission arbiter.Policy[*protocol.RPCClient]
	log       *zap.Logger
}

func CreateServer(params ServerParams) (*Server, error) {
	if params.RPC == nil {
		return nil, errors.NotValidf("server %q without an RPC byte server", params.Name)
	}
	if params.Stream == nil {
		return nil, errors.NotValidf("server %q without a stream byte server", params.Name)
	}
	if params.Name == "" {
		params.Name = "simrpc"
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	rpc := protocol.CreateRPCServer(params.RPC, protocol.RPCServerParams{
		Name:              params.Name + "/rpc",
		HelloTimeout:      params.HelloTimeout,
		HelloPollInterval: params.HelloPollInterval,
		MaxMessageSize:    params.MaxMessageSize,
		Clock:             params.Clock,
		Logger:            logger,
	})

	return &Server{
		name: params.Name,
		rpc:  rpc,
		stream: protocol.CreateStreamServer(params.Stream, rpc, protocol.StreamServerParams{
			Name:              params.Name + "/stream",
			HelloTimeout:      params.HelloTimeout,
			HelloPollInterval: params.HelloPollInterval,
			Clock:             params.Clock,
			Logger:            logger,
		}),
		admission: HostPolicy(params.AllowedHosts, params.DeniedHosts),
		log:       logger.With(zap.String("server", params.Name)),
	}, nil
}

// HostPolicy denies clients whose host is in denied, or missing from a
// non-empty allowed list. Other clients are left for the next policy.
func HostPolicy(allowed, denied []string) arbiter.Policy[*protocol.RPCClient] {
	if len(allowed) == 0 && len(denied) == 0 {
		return nil
	}

	return func(request *arbiter.ConnectionRequest[*protocol.RPCClient]) {
		address := request.Client.Address()
		host := address
		if h, _, err := net.SplitHostPort(address); err == nil {
			host = h
		}

		if utils.Contains(address, denied) || utils.Contains(host, denied) {
			request.Deny()
			return
		}
		if len(allowed) > 0 && !utils.Contains(address, allowed) && !utils.Contains(host, allowed) {
			request.Deny()
		}
	}
}

func (s *Server) Name() string {
	return s.name
}

func (s *Server) RPC() *protocol.RPCServer {
	return s.rpc
}

func (s *Server) Stream() *protocol.StreamServer {
	return s.stream
}

func (s *Server) Start() error {
	if err := s.rpc.Start(); err != nil {
		return errors.Annotatef(err, "starting %s", s.name)
	}
	if err := s.stream.Start(); err != nil {
		return multierr.Append(errors.Annotatef(err, "starting %s", s.name), s.rpc.Stop())
	}
	s.log.Info("Server started", zap.String("rpc", s.rpc.Address()), zap.String("stream", s.stream.Address()))
	return nil
}

// Stop closes the stream side first so no stream client outlives its RPC
// client.
func (s *Server) Stop() error {
	err := multierr.Combine(s.stream.Stop(), s.rpc.Stop())
	s.log.Info("Server stopped")
	return err
}

func (s *Server) Running() bool {
	return s.rpc.Running() && s.stream.Running()
}

func (s *Server) BytesRead() uint64 {
	return s.rpc.BytesRead() + s.stream.BytesRead()
}

func (s *Server) BytesWritten() uint64 {
	return s.rpc.BytesWritten() + s.stream.BytesWritten()
}

func (s *Server) ClearStats() {
	s.rpc.ClearStats()
	s.stream.ClearStats()
}
