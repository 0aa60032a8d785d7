package protocol

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sessamekesh/simrpc/pkg/arbiter"
	"github.com/sessamekesh/simrpc/pkg/handlers"
	"github.com/sessamekesh/simrpc/pkg/message"
	"github.com/sessamekesh/simrpc/pkg/transport"
	"go.uber.org/zap"
)

type StreamServerParams struct {
	Name              string
	HelloTimeout      time.Duration
	HelloPollInterval time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

// StreamClient is the push channel of an RPC client. It shares the RPC
// client's identifier.
type StreamClient struct {
	rpcClient *RPCClient
	client    transport.ByteClient
	stream    *StreamClientStream
}

func (c *StreamClient) ID() uuid.UUID {
	return c.rpcClient.ID()
}

func (c *StreamClient) Name() string {
	return c.rpcClient.Name()
}

func (c *StreamClient) RPCClient() *RPCClient {
	return c.rpcClient
}

func (c *StreamClient) Address() string {
	return c.client.Address()
}

func (c *StreamClient) Connected() bool {
	return c.client.Connected()
}

func (c *StreamClient) Stream() *StreamClientStream {
	return c.stream
}

func (c *StreamClient) Close() error {
	return c.client.Close()
}

// StreamClientStream only writes; nothing is read after the hello.
type StreamClientStream struct {
	stream transport.ByteStream
}

func (s *StreamClientStream) Write(update *message.StreamUpdate) error {
	return s.stream.Write(message.AppendDelimited(nil, update))
}

func (s *StreamClientStream) BytesRead() uint64 {
	return s.stream.BytesRead()
}

func (s *StreamClientStream) BytesWritten() uint64 {
	return s.stream.BytesWritten()
}

func (s *StreamClientStream) ClearStats() {
	s.stream.ClearStats()
}

// StreamServer runs the stream hello on top of a byte server. A stream
// client is only admitted for a connected client of rpcServer.
type StreamServer struct {
	server    transport.ByteServer
	rpcServer *RPCServer
	params    StreamServerParams
	hello     helloParams
	log       *zap.Logger
	handlers  *handlers.ServerHandlers[*StreamClient]

	helloDone map[transport.ByteClient]*StreamClient

	mut_clients sync.RWMutex
	clients     map[transport.ByteClient]*StreamClient
	clientsByID map[uuid.UUID]*StreamClient

	closedBytesRead    atomic.Uint64
	closedBytesWritten atomic.Uint64
}

func CreateStreamServer(server transport.ByteServer, rpcServer *RPCServer, params StreamServerParams) *StreamServer {
	if params.Name == "" {
		params.Name = "Stream"
	}
	if params.Clock == nil {
		params.Clock = clock.WallClock
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	s := &StreamServer{
		server:    server,
		rpcServer: rpcServer,
		params:    params,
		hello: helloParams{
			Timeout:      params.HelloTimeout,
			PollInterval: params.HelloPollInterval,
			Clock:        params.Clock,
		}.withDefaults(),
		log:         logger.With(zap.String("server", params.Name)),
		helloDone:   make(map[transport.ByteClient]*StreamClient),
		clients:     make(map[transport.ByteClient]*StreamClient),
		clientsByID: make(map[uuid.UUID]*StreamClient),
	}

	server.SetHandlers(&handlers.ServerHandlers[transport.ByteClient]{
		OnRequestingConnection: s.onRequestingConnection,
		OnConnected:            s.onConnected,
		OnDisconnected:         s.onDisconnected,
		OnStarted:              func() { s.handlers.Started() },
		OnStopped:              func() { s.handlers.Stopped() },
	})
	return s
}

func (s *StreamServer) SetHandlers(h *handlers.ServerHandlers[*StreamClient]) {
	s.handlers = h
}

func (s *StreamServer) onRequestingConnection(request *arbiter.ConnectionRequest[transport.ByteClient]) {
	byteClient := request.Client
	log := s.log.With(zap.String("client", byteClient.Tag()), zap.String("address", byteClient.Address()))

	client, has := s.helloDone[byteClient]
	if !has {
		hello, err := readHello(byteClient.Stream(), "stream", StreamHelloLength, s.hello)
		if err != nil {
			log.Warn("Stream hello failed", zap.Error(err))
			request.Deny()
			return
		}

		id, err := ParseStreamHello(hello)
		if err != nil {
			log.Warn("Invalid stream hello", zap.Error(err))
			request.Deny()
			return
		}

		rpcClient, connected := s.rpcServer.Client(id)
		if !connected {
			log.Warn("Stream hello names no connected RPC client", zap.Stringer("id", id))
			request.Deny()
			return
		}

		if existing, has := s.Client(id); has {
			log.Warn("RPC client already has a stream connection", zap.Stringer("id", id), zap.String("existing", existing.Address()))
			request.Deny()
			return
		}

		client = &StreamClient{
			rpcClient: rpcClient,
			client:    byteClient,
			stream:    &StreamClientStream{stream: byteClient.Stream()},
		}
		s.helloDone[byteClient] = client
	}

	switch s.handlers.RequestingConnection(client) {
	case arbiter.Decision_Allow:
		delete(s.helloDone, byteClient)

		// The decision may have been pending for several updates
		if rpcClient, connected := s.rpcServer.Client(client.ID()); !connected || rpcClient != client.rpcClient {
			log.Warn("RPC client disconnected before its stream connection was admitted", zap.Stringer("id", client.ID()))
			request.Deny()
			return
		}
		if existing, has := s.Client(client.ID()); has {
			log.Warn("RPC client already has a stream connection", zap.Stringer("id", client.ID()), zap.String("existing", existing.Address()))
			request.Deny()
			return
		}

		if err := byteClient.Stream().Write(StreamOKMessage); err != nil {
			log.Warn("Failed to acknowledge stream hello", zap.Error(err))
			request.Deny()
			return
		}

		s.mut_clients.Lock()
		s.clients[byteClient] = client
		s.clientsByID[client.ID()] = client
		s.mut_clients.Unlock()

		log.Info("Stream client admitted", zap.String("name", client.Name()), zap.Stringer("id", client.ID()))
		request.Allow()
	case arbiter.Decision_Deny:
		delete(s.helloDone, byteClient)
		log.Info("Stream client denied", zap.String("name", client.Name()))
		request.Deny()
	}
}

func (s *StreamServer) onConnected(byteClient transport.ByteClient) {
	s.mut_clients.RLock()
	client, has := s.clients[byteClient]
	s.mut_clients.RUnlock()

	if has {
		s.handlers.Connected(client)
	}
}

func (s *StreamServer) onDisconnected(byteClient transport.ByteClient) {
	s.mut_clients.Lock()
	client, has := s.clients[byteClient]
	if has {
		delete(s.clients, byteClient)
		if s.clientsByID[client.ID()] == client {
			delete(s.clientsByID, client.ID())
		}
	}
	s.mut_clients.Unlock()

	if !has {
		return
	}

	s.closedBytesRead.Add(client.stream.BytesRead())
	s.closedBytesWritten.Add(client.stream.BytesWritten())
	s.log.Info("Stream client disconnected", zap.String("name", client.Name()), zap.Stringer("id", client.ID()))
	s.handlers.Disconnected(client)
}

func (s *StreamServer) Start() error {
	return s.server.Start()
}

func (s *StreamServer) Stop() error {
	err := s.server.Stop()
	s.helloDone = make(map[transport.ByteClient]*StreamClient)
	return err
}

func (s *StreamServer) Update() {
	s.server.Update()

	for byteClient := range s.helloDone {
		if !byteClient.Connected() {
			delete(s.helloDone, byteClient)
		}
	}
}

func (s *StreamServer) Running() bool {
	return s.server.Running()
}

func (s *StreamServer) Address() string {
	return s.server.Address()
}

func (s *StreamServer) Info() string {
	return s.server.Info()
}

func (s *StreamServer) Server() transport.ByteServer {
	return s.server
}

func (s *StreamServer) Clients() []*StreamClient {
	s.mut_clients.RLock()
	defer s.mut_clients.RUnlock()

	clients := make([]*StreamClient, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	return clients
}

// Client returns the connected stream client of the RPC client with the
// given identifier.
func (s *StreamServer) Client(id uuid.UUID) (*StreamClient, bool) {
	s.mut_clients.RLock()
	defer s.mut_clients.RUnlock()

	client, has := s.clientsByID[id]
	if !has || !client.Connected() {
		return nil, false
	}
	return client, true
}

func (s *StreamServer) BytesRead() uint64 {
	total := s.closedBytesRead.Load()
	for _, client := range s.Clients() {
		total += client.stream.BytesRead()
	}
	return total
}

func (s *StreamServer) BytesWritten() uint64 {
	total := s.closedBytesWritten.Load()
	for _, client := range s.Clients() {
		total += client.stream.BytesWritten()
	}
	return total
}

func (s *StreamServer) ClearStats() {
	s.closedBytesRead.Store(0)
	s.closedBytesWritten.Store(0)
	for _, client := range s.Clients() {
		client.stream.ClearStats()
	}
}
