package protocol

import (
	"fmt"
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

type RPCServerParams struct {
	Name              string
	HelloTimeout      time.Duration
	HelloPollInterval time.Duration
	MaxMessageSize    int

	Clock  clock.Clock
	Logger *zap.Logger
}

// RPCClient is a connection that completed the RPC hello.
type RPCClient struct {
	id     uuid.UUID
	name   string
	client transport.ByteClient
	stream *RPCStream
}

func (c *RPCClient) ID() uuid.UUID {
	return c.id
}

func (c *RPCClient) Name() string {
	return c.name
}

func (c *RPCClient) Address() string {
	return c.client.Address()
}

func (c *RPCClient) Tag() string {
	return c.client.Tag()
}

func (c *RPCClient) Connected() bool {
	return c.client.Connected()
}

func (c *RPCClient) Stream() *RPCStream {
	return c.stream
}

func (c *RPCClient) Close() error {
	return c.client.Close()
}

func (c *RPCClient) String() string {
	return fmt.Sprintf("%s (%s, %s)", c.name, c.id, c.client.Address())
}

// RPCStream reads requests from and writes responses to one RPC client.
type RPCStream struct {
	stream transport.ByteStream
	frames *FrameBuffer[*message.Request]
}

// DataAvailable reports whether a complete request is ready to Read.
// Framing errors are returned and leave the connection unusable.
func (s *RPCStream) DataAvailable() (bool, error) {
	return s.frames.Poll(s.stream)
}

// Read returns the next request, or nil if none is complete yet.
func (s *RPCStream) Read() (*message.Request, error) {
	ok, err := s.frames.Poll(s.stream)
	if err != nil || !ok {
		return nil, err
	}
	req, _ := s.frames.Next()
	return req, nil
}

func (s *RPCStream) Write(resp *message.Response) error {
	return s.stream.Write(message.AppendDelimited(nil, resp))
}

func (s *RPCStream) BytesRead() uint64 {
	return s.stream.BytesRead()
}

func (s *RPCStream) BytesWritten() uint64 {
	return s.stream.BytesWritten()
}

func (s *RPCStream) ClearStats() {
	s.stream.ClearStats()
}

// RPCServer runs the RPC hello on top of a byte server and tracks the
// clients that passed it.
type RPCServer struct {
	server   transport.ByteServer
	params   RPCServerParams
	hello    helloParams
	log      *zap.Logger
	handlers *handlers.ServerHandlers[*RPCClient]

	// Passed the hello, waiting on the handlers above
	helloDone map[transport.ByteClient]*RPCClient

	mut_clients sync.RWMutex
	clients     map[transport.ByteClient]*RPCClient
	clientsByID map[uuid.UUID]*RPCClient

	closedBytesRead    atomic.Uint64
	closedBytesWritten atomic.Uint64
}

func CreateRPCServer(server transport.ByteServer, params RPCServerParams) *RPCServer {
	if params.Name == "" {
		params.Name = "RPC"
	}
	if params.MaxMessageSize <= 0 {
		params.MaxMessageSize = DefaultMaxMessageSize
	}
	if params.Clock == nil {
		params.Clock = clock.WallClock
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	s := &RPCServer{
		server: server,
		params: params,
		hello: helloParams{
			Timeout:      params.HelloTimeout,
			PollInterval: params.HelloPollInterval,
			Clock:        params.Clock,
		}.withDefaults(),
		log:         logger.With(zap.String("server", params.Name)),
		helloDone:   make(map[transport.ByteClient]*RPCClient),
		clients:     make(map[transport.ByteClient]*RPCClient),
		clientsByID: make(map[uuid.UUID]*RPCClient),
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

func (s *RPCServer) SetHandlers(h *handlers.ServerHandlers[*RPCClient]) {
	s.handlers = h
}

func (s *RPCServer) onRequestingConnection(request *arbiter.ConnectionRequest[transport.ByteClient]) {
	byteClient := request.Client
	log := s.log.With(zap.String("client", byteClient.Tag()), zap.String("address", byteClient.Address()))

	client, has := s.helloDone[byteClient]
	if !has {
		hello, err := readHello(byteClient.Stream(), "RPC", RPCHelloLength, s.hello)
		if err != nil {
			log.Warn("RPC hello failed", zap.Error(err))
			request.Deny()
			return
		}

		name, err := ParseRPCHello(hello)
		if err != nil {
			log.Warn("Invalid RPC hello", zap.Error(err))
			request.Deny()
			return
		}

		client = &RPCClient{
			id:     uuid.New(),
			name:   name,
			client: byteClient,
			stream: &RPCStream{
				stream: byteClient.Stream(),
				frames: CreateFrameBuffer(s.params.MaxMessageSize, func() *message.Request {
					return &message.Request{}
				}),
			},
		}
		s.helloDone[byteClient] = client
	}

	switch s.handlers.RequestingConnection(client) {
	case arbiter.Decision_Allow:
		delete(s.helloDone, byteClient)
		if err := byteClient.Stream().Write(client.id[:]); err != nil {
			log.Warn("Failed to send client identifier", zap.Error(err))
			request.Deny()
			return
		}

		s.mut_clients.Lock()
		s.clients[byteClient] = client
		s.clientsByID[client.id] = client
		s.mut_clients.Unlock()

		log.Info("RPC client admitted", zap.String("name", client.name), zap.Stringer("id", client.id))
		request.Allow()
	case arbiter.Decision_Deny:
		delete(s.helloDone, byteClient)
		log.Info("RPC client denied", zap.String("name", client.name))
		request.Deny()
	}
}

func (s *RPCServer) onConnected(byteClient transport.ByteClient) {
	s.mut_clients.RLock()
	client, has := s.clients[byteClient]
	s.mut_clients.RUnlock()

	if has {
		s.handlers.Connected(client)
	}
}

func (s *RPCServer) onDisconnected(byteClient transport.ByteClient) {
	s.mut_clients.Lock()
	client, has := s.clients[byteClient]
	if has {
		delete(s.clients, byteClient)
		delete(s.clientsByID, client.id)
	}
	s.mut_clients.Unlock()

	if !has {
		return
	}

	s.closedBytesRead.Add(client.stream.BytesRead())
	s.closedBytesWritten.Add(client.stream.BytesWritten())
	s.log.Info("RPC client disconnected", zap.String("name", client.name), zap.Stringer("id", client.id))
	s.handlers.Disconnected(client)
}

func (s *RPCServer) Start() error {
	return s.server.Start()
}

func (s *RPCServer) Stop() error {
	err := s.server.Stop()
	s.helloDone = make(map[transport.ByteClient]*RPCClient)
	return err
}

func (s *RPCServer) Update() {
	s.server.Update()

	for byteClient := range s.helloDone {
		if !byteClient.Connected() {
			delete(s.helloDone, byteClient)
		}
	}
}

func (s *RPCServer) Running() bool {
	return s.server.Running()
}

func (s *RPCServer) Address() string {
	return s.server.Address()
}

func (s *RPCServer) Info() string {
	return s.server.Info()
}

func (s *RPCServer) Server() transport.ByteServer {
	return s.server
}

func (s *RPCServer) Clients() []*RPCClient {
	s.mut_clients.RLock()
	defer s.mut_clients.RUnlock()

	clients := make([]*RPCClient, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	return clients
}

// Client returns the connected client with the given identifier.
func (s *RPCServer) Client(id uuid.UUID) (*RPCClient, bool) {
	s.mut_clients.RLock()
	defer s.mut_clients.RUnlock()

	client, has := s.clientsByID[id]
	if !has || !client.Connected() {
		return nil, false
	}
	return client, true
}

func (s *RPCServer) BytesRead() uint64 {
	total := s.closedBytesRead.Load()
	for _, client := range s.Clients() {
		total += client.stream.BytesRead()
	}
	return total
}

func (s *RPCServer) BytesWritten() uint64 {
	total := s.closedBytesWritten.Load()
	for _, client := range s.Clients() {
		total += client.stream.BytesWritten()
	}
	return total
}

func (s *RPCServer) ClearStats() {
	s.closedBytesRead.Store(0)
	s.closedBytesWritten.Store(0)
	for _, client := range s.Clients() {
		client.stream.ClearStats()
	}
}
