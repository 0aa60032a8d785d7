package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	simerrors "github.com/sessamekesh/simrpc/pkg/errors"
	utils "github.com/sessamekesh/simrpc/pkg/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

type TCPServerParams struct {
	Name          string
	ListenAddress string

	// Bounds every write. Zero uses DefaultWriteTimeout.
	WriteTimeout     time.Duration
	MaxBufferedBytes int

	Logger *zap.Logger
}

type TCPServer struct {
	clientPool

	params    TCPServerParams
	log       *zap.Logger
	stringGen *utils.RandomStringGenerator

	mut_listener sync.RWMutex
	listener     net.Listener
	tomb         *tomb.Tomb
}

func CreateTCPServer(params TCPServerParams) (*TCPServer, error) {
	if params.ListenAddress == "" {
		return nil, errors.NotValidf("empty TCP listen address")
	}
	if _, _, err := net.SplitHostPort(params.ListenAddress); err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("TCP listen address %q", params.ListenAddress))
	}
	if params.Name == "" {
		params.Name = "TCP"
	}
	if params.WriteTimeout <= 0 {
		params.WriteTimeout = DefaultWriteTimeout
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	log := logger.With(zap.String("server", params.Name))

	return &TCPServer{
		clientPool: clientPool{
			log: log,
		},
		params:    params,
		log:       log,
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (s *TCPServer) Start() error {
	s.mut_listener.Lock()
	defer s.mut_listener.Unlock()

	if s.tomb != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.params.ListenAddress)
	if err != nil {
		s.log.Error("Failed to start TCP server", zap.String("address", s.params.ListenAddress), zap.Error(err))
		return &simerrors.ServerStartError{
			Server:  s.params.Name,
			Address: s.params.ListenAddress,
			Err:     err,
		}
	}

	s.listener = listener
	s.tomb = &tomb.Tomb{}
	s.clientPool.open()

	t := s.tomb
	t.Go(func() error {
		return s.acceptLoop(t, listener)
	})

	s.log.Info("Started TCP server", zap.String("address", listener.Addr().String()))
	s.handlers.Started()
	return nil
}

func (s *TCPServer) acceptLoop(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			s.log.Error("TCP accept failed, server is going down", zap.Error(err))
			return errors.Annotate(err, "accepting TCP connection")
		}

		address := conn.RemoteAddr().String()
		stream := newBufferedStream(conn, streamParams{
			Address:          address,
			MaxBufferedBytes: s.params.MaxBufferedBytes,
			WriteTimeout:     s.params.WriteTimeout,
		})
		client := &byteClient{
			tag:     s.stringGen.GetRandomString(6),
			address: address,
			stream:  stream,
		}

		queued := s.offer(client, func() {
			t.Go(stream.readLoop)
		})
		if !queued {
			conn.Close()
			continue
		}
		s.log.Debug("Accepted TCP connection", zap.String("client", client.tag), zap.String("address", address))
	}
}

func (s *TCPServer) Stop() error {
	s.mut_listener.Lock()
	defer s.mut_listener.Unlock()

	if s.tomb == nil {
		return nil
	}

	s.tomb.Kill(nil)
	err := s.clientPool.shutdown()
	err = multierr.Append(err, s.listener.Close())
	waitErr := s.tomb.Wait()
	if waitErr != nil {
		err = multierr.Append(err, waitErr)
	}

	s.tomb = nil
	s.listener = nil

	s.log.Info("Stopped TCP server")
	s.handlers.Stopped()
	return err
}

func (s *TCPServer) Update() {
	s.clientPool.update()
}

func (s *TCPServer) Running() bool {
	s.mut_listener.RLock()
	defer s.mut_listener.RUnlock()
	return s.tomb != nil && s.tomb.Alive()
}

func (s *TCPServer) Address() string {
	s.mut_listener.RLock()
	defer s.mut_listener.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.params.ListenAddress
}

// Port reports the bound port, which differs from the configured one when
// the server was asked to listen on port 0.
func (s *TCPServer) Port() int {
	s.mut_listener.RLock()
	defer s.mut_listener.RUnlock()

	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (s *TCPServer) Info() string {
	return fmt.Sprintf("TCP server %s on %s", s.params.Name, s.Address())
}
