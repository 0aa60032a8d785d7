package transport_test

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
	"go.bug.st/serial"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/sessamekesh/simrpc/pkg/arbiter"
	"github.com/sessamekesh/simrpc/pkg/transport"
)

type fakeSerialPort struct {
	in  *io.PipeReader
	out *io.PipeWriter

	mut        sync.Mutex
	written    bytes.Buffer
	resets     int
	mode       *serial.Mode
	readTimout time.Duration
}

func newFakeSerialPort() *fakeSerialPort {
	r, w := io.Pipe()
	return &fakeSerialPort{in: r, out: w}
}

func (p *fakeSerialPort) Read(buf []byte) (int, error) {
	return p.in.Read(buf)
}

func (p *fakeSerialPort) Write(data []byte) (int, error) {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.written.Write(data)
}

func (p *fakeSerialPort) Close() error {
	return p.in.Close()
}

func (p *fakeSerialPort) ResetInputBuffer() error {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.resets++
	return nil
}

func (p *fakeSerialPort) SetReadTimeout(t time.Duration) error {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.readTimout = t
	return nil
}

func (p *fakeSerialPort) Written() string {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.written.String()
}

func serialParams(t *testing.T, port *fakeSerialPort) transport.SerialServerParams {
	return transport.SerialServerParams{
		Port:     "/dev/ttyTEST0",
		BaudRate: 115200,
		Logger:   zaptest.NewLogger(t),
		OpenPort: func(name string, mode *serial.Mode) (transport.SerialPort, error) {
			port.mode = mode
			return port, nil
		},
	}
}

func TestSerialServerValidatesParams(t *testing.T) {
	c := qt.New(t)

	params := serialParams(t, newFakeSerialPort())
	params.DataBits = 9
	_, err := transport.CreateSerialServer(params)
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)

	params = serialParams(t, newFakeSerialPort())
	params.Parity = "sideways"
	_, err = transport.CreateSerialServer(params)
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)

	params = serialParams(t, newFakeSerialPort())
	params.StopBits = "3"
	_, err = transport.CreateSerialServer(params)
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
}

func TestSerialServerSingleClient(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c := qt.New(t)

	port := newFakeSerialPort()
	params := serialParams(t, port)
	params.DataBits = 7
	params.Parity = "even"
	server, err := transport.CreateSerialServer(params)
	c.Assert(err, qt.IsNil)

	ev := &events{}
	server.SetHandlers(recordingHandlers(ev, nil))
	c.Assert(server.Start(), qt.IsNil)
	c.Assert(server.Running(), qt.IsTrue)
	c.Assert(port.resets, qt.Equals, 1)
	c.Assert(port.mode.DataBits, qt.Equals, 7)
	c.Assert(port.mode.Parity, qt.Equals, serial.EvenParity)
	c.Assert(port.mode.BaudRate, qt.Equals, 115200)

	// No client exists until bytes arrive
	server.Update()
	c.Assert(server.Clients(), qt.HasLen, 0)

	_, err = port.out.Write([]byte("hi"))
	c.Assert(err, qt.IsNil)
	waitFor(c, "serial client", func() bool {
		server.Update()
		return len(server.Clients()) == 1
	})

	stream := server.Clients()[0].Stream()
	c.Assert(string(readAll(c, server, stream, 2)), qt.Equals, "hi")

	_, err = port.out.Write([]byte("more"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(readAll(c, server, stream, 4)), qt.Equals, "more")
	c.Assert(server.Clients(), qt.HasLen, 1)

	c.Assert(stream.Write([]byte("ok")), qt.IsNil)
	c.Assert(port.Written(), qt.Equals, "ok")

	c.Assert(server.Stop(), qt.IsNil)
	c.Assert(ev.disconnected, qt.HasLen, 1)
	c.Assert(server.Running(), qt.IsFalse)
}

func TestSerialServerNewClientAfterDeny(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c := qt.New(t)

	port := newFakeSerialPort()
	server, err := transport.CreateSerialServer(serialParams(t, port))
	c.Assert(err, qt.IsNil)

	requests := 0
	ev := &events{}
	server.SetHandlers(recordingHandlers(ev, func(r *arbiter.ConnectionRequest[transport.ByteClient]) {
		requests++
		if requests == 1 {
			r.Deny()
			return
		}
		r.Allow()
	}))
	c.Assert(server.Start(), qt.IsNil)
	defer server.Stop()

	_, err = port.out.Write([]byte("garbage"))
	c.Assert(err, qt.IsNil)
	waitFor(c, "denied client", func() bool {
		server.Update()
		return requests == 1
	})
	c.Assert(server.Clients(), qt.HasLen, 0)

	_, err = port.out.Write([]byte("hello"))
	c.Assert(err, qt.IsNil)
	waitFor(c, "second client", func() bool {
		server.Update()
		return len(server.Clients()) == 1
	})
	c.Assert(requests, qt.Equals, 2)

	stream := server.Clients()[0].Stream()
	c.Assert(string(readAll(c, server, stream, 5)), qt.Equals, "hello")
}
