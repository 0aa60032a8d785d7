package transport

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	simerrors "github.com/sessamekesh/simrpc/pkg/errors"
	utils "github.com/sessamekesh/simrpc/pkg/util"
	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

// SerialPort is the subset of serial.Port the server uses.
type SerialPort interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

type SerialServerParams struct {
	Name     string
	Port     string
	BaudRate int
	DataBits int
	Parity   string
	StopBits string

	// Defaults to serial.Open
	OpenPort func(name string, mode *serial.Mode) (SerialPort, error)

	Logger *zap.Logger
}

const serialReadTimeout = 100 * time.Millisecond

func parseParity(parity string) (serial.Parity, error) {
	switch parity {
	case "", "none":
		return serial.NoParity, nil
	case "odd":
		return serial.OddParity, nil
	case "even":
		return serial.EvenParity, nil
	case "mark":
		return serial.MarkParity, nil
	case "space":
		return serial.SpaceParity, nil
	}
	return serial.NoParity, errors.NotValidf("serial parity %q", parity)
}

func parseStopBits(stopBits string) (serial.StopBits, error) {
	switch stopBits {
	case "", "1":
		return serial.OneStopBit, nil
	case "1.5":
		return serial.OnePointFiveStopBits, nil
	case "2":
		return serial.TwoStopBits, nil
	}
	return serial.OneStopBit, errors.NotValidf("serial stop bits %q", stopBits)
}

// SerialServer exposes a single serial port as a server with at most one
// client. A client is created when bytes arrive while none exists.
type SerialServer struct {
	clientPool

	params    SerialServerParams
	mode      *serial.Mode
	log       *zap.Logger
	stringGen *utils.RandomStringGenerator

	mut_port sync.RWMutex
	port     *bufferedStream
	tomb     *tomb.Tomb

	// Only touched from Update
	current *byteClient
}

func CreateSerialServer(params SerialServerParams) (*SerialServer, error) {
	if params.Port == "" {
		return nil, errors.NotValidf("empty serial port name")
	}
	if params.BaudRate <= 0 {
		params.BaudRate = 9600
	}
	if params.DataBits == 0 {
		params.DataBits = 8
	}
	if params.DataBits < 5 || params.DataBits > 8 {
		return nil, errors.NotValidf("serial data bits %d (must be 5 to 8)", params.DataBits)
	}
	parity, err := parseParity(params.Parity)
	if err != nil {
		return nil, err
	}
	stopBits, err := parseStopBits(params.StopBits)
	if err != nil {
		return nil, err
	}
	if params.Name == "" {
		params.Name = "Serial"
	}
	if params.OpenPort == nil {
		params.OpenPort = func(name string, mode *serial.Mode) (SerialPort, error) {
			return serial.Open(name, mode)
		}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	log := logger.With(zap.String("server", params.Name))

	return &SerialServer{
		clientPool: clientPool{
			log: log,
		},
		params: params,
		mode: &serial.Mode{
			BaudRate: params.BaudRate,
			DataBits: params.DataBits,
			Parity:   parity,
			StopBits: stopBits,
		},
		log:       log,
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (s *SerialServer) Start() error {
	s.mut_port.Lock()
	defer s.mut_port.Unlock()

	if s.tomb != nil {
		return nil
	}

	port, err := s.params.OpenPort(s.params.Port, s.mode)
	if err != nil {
		s.log.Error("Failed to open serial port", zap.String("port", s.params.Port), zap.Error(err))
		return &simerrors.ServerStartError{
			Server:  s.params.Name,
			Address: s.params.Port,
			Err:     err,
		}
	}

	// Anything already sitting in the OS buffer predates this server
	startErr := multierr.Combine(
		port.ResetInputBuffer(),
		port.SetReadTimeout(serialReadTimeout),
	)
	if startErr != nil {
		port.Close()
		return &simerrors.ServerStartError{
			Server:  s.params.Name,
			Address: s.params.Port,
			Err:     startErr,
		}
	}

	s.port = newBufferedStream(port, streamParams{Address: s.params.Port})
	s.tomb = &tomb.Tomb{}
	s.tomb.Go(s.port.readLoop)
	s.clientPool.open()

	s.log.Info("Started serial server", zap.String("port", s.params.Port), zap.Int("baudRate", s.params.BaudRate))
	s.handlers.Started()
	return nil
}

func (s *SerialServer) Stop() error {
	s.mut_port.Lock()
	defer s.mut_port.Unlock()

	if s.tomb == nil {
		return nil
	}

	s.tomb.Kill(nil)
	err := s.clientPool.shutdown()
	err = multierr.Append(err, s.port.Close())
	if waitErr := s.tomb.Wait(); waitErr != nil {
		err = multierr.Append(err, waitErr)
	}

	s.tomb = nil
	s.port = nil
	s.current = nil

	s.log.Info("Stopped serial server")
	s.handlers.Stopped()
	return err
}

func (s *SerialServer) Update() {
	s.mut_port.RLock()
	port := s.port
	s.mut_port.RUnlock()

	if port != nil {
		if s.current != nil && !s.current.Connected() {
			s.current = nil
		}

		if s.current == nil && port.DataAvailable() {
			client := &byteClient{
				tag:     s.stringGen.GetRandomString(6),
				address: s.params.Port,
				stream:  &serialClientStream{port: port},
			}
			if s.offer(client, nil) {
				s.current = client
			}
		}
	}

	s.clientPool.update()
}

func (s *SerialServer) Running() bool {
	s.mut_port.RLock()
	defer s.mut_port.RUnlock()
	return s.tomb != nil && s.port.Connected()
}

func (s *SerialServer) Address() string {
	return s.params.Port
}

func (s *SerialServer) Info() string {
	return fmt.Sprintf("serial server %s on %s (%d baud, %d data bits)", s.params.Name, s.params.Port, s.params.BaudRate, s.params.DataBits)
}

// serialClientStream is one client's view of the shared port. Closing it
// discards unread input but leaves the port open for the next client.
type serialClientStream struct {
	port   *bufferedStream
	closed atomic.Bool

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

func (s *serialClientStream) DataAvailable() bool {
	return !s.closed.Load() && s.port.DataAvailable()
}

func (s *serialClientStream) Read(buf []byte) (int, error) {
	if s.closed.Load() {
		return 0, &simerrors.ClientDisconnected{Address: s.port.params.Address}
	}
	n, err := s.port.Read(buf)
	s.bytesRead.Add(uint64(n))
	return n, err
}

func (s *serialClientStream) Write(data []byte) error {
	if s.closed.Load() {
		return &simerrors.ClientDisconnected{Address: s.port.params.Address}
	}
	if err := s.port.Write(data); err != nil {
		return err
	}
	s.bytesWritten.Add(uint64(len(data)))
	return nil
}

func (s *serialClientStream) Connected() bool {
	return !s.closed.Load() && s.port.Connected()
}

func (s *serialClientStream) BytesRead() uint64 {
	return s.bytesRead.Load()
}

func (s *serialClientStream) BytesWritten() uint64 {
	return s.bytesWritten.Load()
}

func (s *serialClientStream) ClearStats() {
	s.bytesRead.Store(0)
	s.bytesWritten.Store(0)
}

func (s *serialClientStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.port.discard()
	}
	return nil
}
