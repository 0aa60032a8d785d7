package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
	utils "github.com/sessamekesh/simrpc/pkg/util"
	"go.uber.org/zap"
)

type MemoryServerParams struct {
	Name   string
	Logger *zap.Logger
}

// MemoryServer is a byte server for in-process peers: bytes written by a
// MemoryConn are visible to the host on its next poll, with no goroutines
// in between. Useful for embedding a client in the host process.
type MemoryServer struct {
	clientPool

	params    MemoryServerParams
	log       *zap.Logger
	stringGen *utils.RandomStringGenerator

	mut_running sync.RWMutex
	running     bool
}

func CreateMemoryServer(params MemoryServerParams) *MemoryServer {
	if params.Name == "" {
		params.Name = "Memory"
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	log := logger.With(zap.String("server", params.Name))

	return &MemoryServer{
		clientPool: clientPool{
			log: log,
		},
		params:    params,
		log:       log,
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}
}

func (s *MemoryServer) Start() error {
	s.mut_running.Lock()
	defer s.mut_running.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.clientPool.open()
	s.handlers.Started()
	return nil
}

func (s *MemoryServer) Stop() error {
	s.mut_running.Lock()
	defer s.mut_running.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	err := s.clientPool.shutdown()
	s.handlers.Stopped()
	return err
}

func (s *MemoryServer) Update() {
	s.clientPool.update()
}

func (s *MemoryServer) Running() bool {
	s.mut_running.RLock()
	defer s.mut_running.RUnlock()
	return s.running
}

func (s *MemoryServer) Address() string {
	return "memory://" + s.params.Name
}

func (s *MemoryServer) Info() string {
	return fmt.Sprintf("in-process server %s", s.params.Name)
}

// Connect opens a new connection that will be offered for admission on the
// next Update. address is only used for logging.
func (s *MemoryServer) Connect(address string) (*MemoryConn, error) {
	conn := &MemoryConn{}
	conn.cond = sync.NewCond(&conn.mut)
	conn.server = newBufferedStream(&memoryServerEnd{conn: conn}, streamParams{Address: address})

	client := &byteClient{
		tag:     s.stringGen.GetRandomString(6),
		address: address,
		stream:  conn.server,
	}
	if !s.offer(client, nil) {
		return nil, errors.Errorf("memory server %s is not running", s.params.Name)
	}
	return conn, nil
}

// MemoryConn is the peer side of an in-process connection.
type MemoryConn struct {
	server *bufferedStream

	mut      sync.Mutex
	cond     *sync.Cond
	received []byte
	closed   bool
}

func (c *MemoryConn) Write(data []byte) (int, error) {
	if c.Closed() {
		return 0, io.ErrClosedPipe
	}
	c.server.feed(data)
	return len(data), nil
}

// Drain returns everything the server has written so far without blocking.
func (c *MemoryConn) Drain() []byte {
	c.mut.Lock()
	defer c.mut.Unlock()

	out := c.received
	c.received = nil
	return out
}

// Read blocks until the server has written something or the connection
// has been closed.
func (c *MemoryConn) Read(buf []byte) (int, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	for len(c.received) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.received) == 0 {
		return 0, io.EOF
	}

	n := copy(buf, c.received)
	c.received = c.received[n:]
	return n, nil
}

func (c *MemoryConn) Closed() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.closed
}

func (c *MemoryConn) Close() error {
	c.markClosed()
	c.server.fail(io.EOF)
	return nil
}

func (c *MemoryConn) markClosed() {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.closed = true
	c.cond.Broadcast()
}

func (c *MemoryConn) deliver(data []byte) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.closed {
		return io.ErrClosedPipe
	}
	c.received = append(c.received, data...)
	c.cond.Broadcast()
	return nil
}

// memoryServerEnd is what the server-side stream writes into and closes.
// Nothing ever reads from it; bytes arrive through MemoryConn.Write.
type memoryServerEnd struct {
	conn *MemoryConn
}

func (e *memoryServerEnd) Read(buf []byte) (int, error) {
	return 0, io.EOF
}

func (e *memoryServerEnd) Write(data []byte) (int, error) {
	if err := e.conn.deliver(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (e *memoryServerEnd) Close() error {
	e.conn.markClosed()
	return nil
}
