package transport

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	simerrors "github.com/sessamekesh/simrpc/pkg/errors"
)

const (
	DefaultMaxBufferedBytes = 4 << 20
	DefaultWriteTimeout     = 250 * time.Millisecond
	readChunkSize           = 32 << 10
)

// ByteStream is the host-facing side of one connection. Reads never block:
// whatever has arrived since the last call is returned, possibly nothing.
type ByteStream interface {
	DataAvailable() bool
	Read(buf []byte) (int, error)
	Write(data []byte) error
	Connected() bool
	BytesRead() uint64
	BytesWritten() uint64
	ClearStats()
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type streamParams struct {
	Address          string
	MaxBufferedBytes int
	WriteTimeout     time.Duration
}

// bufferedStream adapts a blocking connection to the non-blocking ByteStream
// contract. A reader goroutine (readLoop) moves bytes off the connection into
// an in-memory buffer that the tick goroutine drains.
type bufferedStream struct {
	rw     io.ReadWriteCloser
	params streamParams

	mut_buffer sync.Mutex
	cond       *sync.Cond
	buffered   []byte
	readErr    error
	closed     bool

	mut_write sync.Mutex

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

func newBufferedStream(rw io.ReadWriteCloser, params streamParams) *bufferedStream {
	if params.MaxBufferedBytes <= 0 {
		params.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if params.WriteTimeout <= 0 {
		params.WriteTimeout = DefaultWriteTimeout
	}

	s := &bufferedStream{
		rw:     rw,
		params: params,
	}
	s.cond = sync.NewCond(&s.mut_buffer)
	return s
}

// readLoop runs until the connection fails or the stream is closed. It
// always returns nil so that one dead client never takes down its server.
func (s *bufferedStream) readLoop() error {
	chunk := make([]byte, readChunkSize)
	for {
		if !s.waitForSpace() {
			return nil
		}

		n, err := s.rw.Read(chunk)
		if n > 0 {
			s.feed(chunk[:n])
		}
		if err != nil {
			s.fail(err)
			return nil
		}
	}
}

func (s *bufferedStream) waitForSpace() bool {
	s.mut_buffer.Lock()
	defer s.mut_buffer.Unlock()

	for !s.closed && s.readErr == nil && len(s.buffered) >= s.params.MaxBufferedBytes {
		s.cond.Wait()
	}
	return !s.closed && s.readErr == nil
}

func (s *bufferedStream) feed(data []byte) {
	s.mut_buffer.Lock()
	defer s.mut_buffer.Unlock()

	if s.closed {
		return
	}
	s.buffered = append(s.buffered, data...)
}

func (s *bufferedStream) fail(err error) {
	s.mut_buffer.Lock()
	defer s.mut_buffer.Unlock()

	if s.readErr == nil {
		s.readErr = err
	}
	s.cond.Broadcast()
}

// discard drops everything buffered so far.
func (s *bufferedStream) discard() {
	s.mut_buffer.Lock()
	defer s.mut_buffer.Unlock()

	s.buffered = nil
	s.cond.Broadcast()
}

func (s *bufferedStream) DataAvailable() bool {
	s.mut_buffer.Lock()
	defer s.mut_buffer.Unlock()
	return len(s.buffered) > 0
}

func (s *bufferedStream) Read(buf []byte) (int, error) {
	s.mut_buffer.Lock()
	defer s.mut_buffer.Unlock()

	if len(s.buffered) == 0 {
		if s.closed || s.readErr != nil {
			return 0, &simerrors.ClientDisconnected{Address: s.params.Address}
		}
		return 0, nil
	}

	n := copy(buf, s.buffered)
	if n == len(s.buffered) {
		s.buffered = s.buffered[:0]
	} else {
		s.buffered = s.buffered[n:]
	}
	s.bytesRead.Add(uint64(n))
	s.cond.Broadcast()
	return n, nil
}

func (s *bufferedStream) Write(data []byte) error {
	if !s.Connected() {
		return &simerrors.ClientDisconnected{Address: s.params.Address}
	}

	s.mut_write.Lock()
	defer s.mut_write.Unlock()

	// A peer that stops reading fails the write instead of blocking the tick
	if d, ok := s.rw.(writeDeadliner); ok {
		d.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout))
	}

	for len(data) > 0 {
		n, err := s.rw.Write(data)
		s.bytesWritten.Add(uint64(n))
		if err != nil {
			s.fail(err)
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *bufferedStream) Connected() bool {
	s.mut_buffer.Lock()
	defer s.mut_buffer.Unlock()
	return !s.closed && s.readErr == nil
}

func (s *bufferedStream) BytesRead() uint64 {
	return s.bytesRead.Load()
}

func (s *bufferedStream) BytesWritten() uint64 {
	return s.bytesWritten.Load()
}

func (s *bufferedStream) ClearStats() {
	s.bytesRead.Store(0)
	s.bytesWritten.Store(0)
}

func (s *bufferedStream) Close() error {
	s.mut_buffer.Lock()
	if s.closed {
		s.mut_buffer.Unlock()
		return nil
	}
	s.closed = true
	s.buffered = nil
	s.cond.Broadcast()
	s.mut_buffer.Unlock()

	return s.rw.Close()
}
