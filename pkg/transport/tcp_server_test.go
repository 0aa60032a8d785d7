package transport_test

import (
	"io"
	"net"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	simerrors "github.com/sessamekesh/simrpc/pkg/errors"
	"github.com/sessamekesh/simrpc/pkg/transport"
)

func TestTCPServerRejectsBadAddress(t *testing.T) {
	c := qt.New(t)

	_, err := transport.CreateTCPServer(transport.TCPServerParams{})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)

	_, err = transport.CreateTCPServer(transport.TCPServerParams{ListenAddress: "no-port"})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
}

func TestTCPServerRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c := qt.New(t)

	ev := &events{}
	server, err := transport.CreateTCPServer(transport.TCPServerParams{
		ListenAddress: "127.0.0.1:0",
		Logger:        zaptest.NewLogger(t),
	})
	c.Assert(err, qt.IsNil)
	server.SetHandlers(recordingHandlers(ev, nil))

	c.Assert(server.Start(), qt.IsNil)
	c.Assert(server.Running(), qt.IsTrue)
	c.Assert(server.Port(), qt.Not(qt.Equals), 0)

	conn, err := net.Dial("tcp", server.Address())
	c.Assert(err, qt.IsNil)
	defer conn.Close()

	waitFor(c, "client admission", func() bool {
		server.Update()
		return len(server.Clients()) == 1
	})
	c.Assert(ev.connected, qt.HasLen, 1)

	stream := server.Clients()[0].Stream()
	_, err = conn.Write([]byte("ping"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(readAll(c, server, stream, 4)), qt.Equals, "ping")

	c.Assert(stream.Write([]byte("pong")), qt.IsNil)
	reply := make([]byte, 4)
	_, err = io.ReadFull(conn, reply)
	c.Assert(err, qt.IsNil)
	c.Assert(string(reply), qt.Equals, "pong")

	c.Assert(server.BytesRead(), qt.Equals, uint64(4))
	c.Assert(server.BytesWritten(), qt.Equals, uint64(4))

	c.Assert(server.Stop(), qt.IsNil)
	c.Assert(server.Running(), qt.IsFalse)
	c.Assert(ev.disconnected, qt.HasLen, 1)
	c.Assert(ev.started, qt.Equals, 1)
	c.Assert(ev.stopped, qt.Equals, 1)

	_, err = conn.Read(reply)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestTCPServerDetectsRemoteClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c := qt.New(t)

	ev := &events{}
	server, err := transport.CreateTCPServer(transport.TCPServerParams{
		ListenAddress: "127.0.0.1:0",
		Logger:        zaptest.NewLogger(t),
	})
	c.Assert(err, qt.IsNil)
	server.SetHandlers(recordingHandlers(ev, nil))
	c.Assert(server.Start(), qt.IsNil)
	defer server.Stop()

	conn, err := net.Dial("tcp", server.Address())
	c.Assert(err, qt.IsNil)
	waitFor(c, "client admission", func() bool {
		server.Update()
		return len(server.Clients()) == 1
	})

	conn.Close()
	waitFor(c, "disconnect", func() bool {
		server.Update()
		return len(ev.disconnected) == 1
	})
	c.Assert(server.Clients(), qt.HasLen, 0)
}

func TestTCPServerStartFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c := qt.New(t)

	first, err := transport.CreateTCPServer(transport.TCPServerParams{
		ListenAddress: "127.0.0.1:0",
		Logger:        zaptest.NewLogger(t),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(first.Start(), qt.IsNil)
	defer first.Stop()

	second, err := transport.CreateTCPServer(transport.TCPServerParams{
		ListenAddress: first.Address(),
		Logger:        zaptest.NewLogger(t),
	})
	c.Assert(err, qt.IsNil)

	err = second.Start()
	var startErr *simerrors.ServerStartError
	c.Assert(errors.As(err, &startErr), qt.IsTrue)
	c.Assert(startErr.Address, qt.Equals, first.Address())
	c.Assert(second.Running(), qt.IsFalse)
}
