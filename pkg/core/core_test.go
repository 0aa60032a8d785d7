package core_test

import (
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"go.uber.org/zap/zaptest"

	"github.com/sessamekesh/simrpc/pkg/arbiter"
	"github.com/sessamekesh/simrpc/pkg/continuation"
	"github.com/sessamekesh/simrpc/pkg/core"
	"github.com/sessamekesh/simrpc/pkg/handlers"
	"github.com/sessamekesh/simrpc/pkg/message"
	"github.com/sessamekesh/simrpc/pkg/protocol"
	"github.com/sessamekesh/simrpc/pkg/service"
	"github.com/sessamekesh/simrpc/pkg/transport"
)

var epoch = time.Unix(1700000000, 0)

// simState backs the Sim test service.
type simState struct {
	counter uint32
	ready   bool
	panics  bool
}

func simService(state *simState, clk *testclock.Clock) service.ServiceDescriptor {
	return service.ServiceDescriptor{
		Name: "Sim",
		Procedures: []service.ProcedureDescriptor{
			{
				Name:       "Counter",
				ReturnType: service.TypeUint32,
				Handler: func(*service.CallContext, [][]byte) ([]byte, error) {
					if state.panics {
						panic("counter exploded")
					}
					return service.EncodeUint32(state.counter), nil
				},
			},
			{
				Name:       "Double",
				ReturnType: service.TypeUint32,
				Handler: func(*service.CallContext, [][]byte) ([]byte, error) {
					return service.EncodeUint32(2 * state.counter), nil
				},
			},
			{
				Name:       "WaitUntilReady",
				ReturnType: service.TypeBool,
				Handler: func(*service.CallContext, [][]byte) ([]byte, error) {
					return nil, continuation.Yield(continuation.Until(
						func() bool { return state.ready },
						continuation.Func(func() ([]byte, error) {
							return service.EncodeBool(true), nil
						}),
					))
				},
			},
			{
				Name: "Slow",
				Handler: func(*service.CallContext, [][]byte) ([]byte, error) {
					clk.Advance(10 * time.Millisecond)
					return nil, nil
				},
			},
		},
	}
}

type fixture struct {
	clock  *testclock.Clock
	state  *simState
	core   *core.Core
	rpc    *transport.MemoryServer
	stream *transport.MemoryServer

	connected    []*protocol.RPCClient
	disconnected []*protocol.RPCClient
}

func newFixture(c *qt.C, params core.CoreParams, serverParams core.ServerParams) *fixture {
	logger := zaptest.NewLogger(c)
	f := &fixture{
		clock:  testclock.NewClock(epoch),
		state:  &simState{},
		rpc:    transport.CreateMemoryServer(transport.MemoryServerParams{Name: "rpc", Logger: logger}),
		stream: transport.CreateMemoryServer(transport.MemoryServerParams{Name: "stream", Logger: logger}),
	}

	params.Registry = service.CreateRegistry()
	c.Assert(params.Registry.RegisterService(simService(f.state, f.clock)), qt.IsNil)
	params.Clock = f.clock
	params.Logger = logger

	var err error
	f.core, err = core.CreateCore(params)
	c.Assert(err, qt.IsNil)

	serverParams.Name = "test"
	serverParams.RPC = f.rpc
	serverParams.Stream = f.stream
	serverParams.HelloTimeout = 20 * time.Millisecond
	serverParams.HelloPollInterval = 5 * time.Millisecond
	serverParams.Logger = logger
	server, err := core.CreateServer(serverParams)
	c.Assert(err, qt.IsNil)
	c.Assert(f.core.AddServer(server), qt.IsNil)

	f.core.SetHandlers(&handlers.ServerHandlers[*protocol.RPCClient]{
		OnConnected:    func(client *protocol.RPCClient) { f.connected = append(f.connected, client) },
		OnDisconnected: func(client *protocol.RPCClient) { f.disconnected = append(f.disconnected, client) },
	})

	c.Assert(f.core.Start(), qt.IsNil)
	c.Cleanup(func() { f.core.Stop() })
	return f
}

type client struct {
	id     uuid.UUID
	rpc    *transport.MemoryConn
	stream *transport.MemoryConn
}

func (f *fixture) connect(c *qt.C, name string) *client {
	conn, err := f.rpc.Connect(name)
	c.Assert(err, qt.IsNil)
	hello, err := protocol.EncodeRPCHello(name)
	c.Assert(err, qt.IsNil)
	_, err = conn.Write(hello)
	c.Assert(err, qt.IsNil)

	f.core.Update()
	id, err := uuid.FromBytes(conn.Drain())
	c.Assert(err, qt.IsNil)
	return &client{id: id, rpc: conn}
}

func (f *fixture) connectStream(c *qt.C, cl *client) {
	conn, err := f.stream.Connect("stream")
	c.Assert(err, qt.IsNil)
	_, err = conn.Write(protocol.EncodeStreamHello(cl.id))
	c.Assert(err, qt.IsNil)

	f.core.Update()
	c.Assert(conn.Drain(), qt.DeepEquals, protocol.StreamOKMessage)
	cl.stream = conn
}

func (cl *client) call(c *qt.C, svc, proc string, args ...[]byte) {
	req := &message.Request{Service: svc, Procedure: proc}
	for i, arg := range args {
		req.Arguments = append(req.Arguments, message.Argument{Position: uint32(i), Value: arg})
	}
	_, err := cl.rpc.Write(message.AppendDelimited(nil, req))
	c.Assert(err, qt.IsNil)
}

func decodeAll[M message.Message](c *qt.C, data []byte, newMessage func() M) []M {
	c.Helper()
	var out []M
	for len(data) > 0 {
		msg := newMessage()
		n, err := message.ReadDelimited(data, msg)
		c.Assert(err, qt.IsNil)
		c.Assert(n, qt.Not(qt.Equals), 0)
		out = append(out, msg)
		data = data[n:]
	}
	return out
}

func (cl *client) responses(c *qt.C) []*message.Response {
	c.Helper()
	return decodeAll(c, cl.rpc.Drain(), func() *message.Response { return &message.Response{} })
}

func (cl *client) updates(c *qt.C) []*message.StreamUpdate {
	c.Helper()
	return decodeAll(c, cl.stream.Drain(), func() *message.StreamUpdate { return &message.StreamUpdate{} })
}

func addStreamArgs(svc, proc string) []byte {
	req := &message.Request{Service: svc, Procedure: proc}
	return service.EncodeBytes(req.Marshal())
}

func TestPing(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})

	alice := f.connect(c, "Alice")
	c.Assert(f.connected, qt.HasLen, 1)
	c.Assert(f.connected[0].Name(), qt.Equals, "Alice")
	c.Assert(f.connected[0].ID(), qt.Equals, alice.id)

	alice.call(c, "Core", "Ping")
	f.core.Update()

	resps := alice.responses(c)
	c.Assert(resps, qt.HasLen, 1)
	c.Assert(resps[0].HasError(), qt.IsFalse)
	c.Assert(resps[0].HasReturnValue, qt.IsFalse)
	c.Assert(resps[0].Time >= float64(epoch.Unix()), qt.IsTrue)
	c.Assert(f.core.RPCsExecuted(), qt.Equals, uint64(1))
}

func TestClientIdentity(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})

	alice := f.connect(c, "Alice")
	alice.call(c, "Core", "GetClientID")
	alice.call(c, "Core", "GetClientName")
	f.core.Update()

	resps := alice.responses(c)
	c.Assert(resps, qt.HasLen, 2)

	raw, err := service.DecodeBytes(resps[0].ReturnValue)
	c.Assert(err, qt.IsNil)
	c.Assert(raw, qt.DeepEquals, alice.id[:])

	name, err := service.DecodeString(resps[1].ReturnValue)
	c.Assert(err, qt.IsNil)
	c.Assert(name, qt.Equals, "Alice")
}

func TestUnknownProcedureIsAnErrorResponse(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})

	alice := f.connect(c, "Alice")
	alice.call(c, "Core", "Teleport")
	alice.call(c, "Core", "Ping")
	f.core.Update()

	resps := alice.responses(c)
	c.Assert(resps, qt.HasLen, 2)
	c.Assert(resps[0].Error, qt.Contains, "Teleport")
	c.Assert(resps[1].HasError(), qt.IsFalse)
}

func TestProcedurePanicIsAnErrorResponse(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})
	f.state.panics = true

	alice := f.connect(c, "Alice")
	alice.call(c, "Sim", "Counter")
	f.core.Update()

	resps := alice.responses(c)
	c.Assert(resps, qt.HasLen, 1)
	c.Assert(resps[0].Error, qt.Contains, "counter exploded")
	c.Assert(f.connected[0].Connected(), qt.IsTrue)
}

func TestMalformedRequestDropsClient(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})

	alice := f.connect(c, "Alice")
	// A request with no procedure name
	_, err := alice.rpc.Write(message.AppendDelimited(nil, &message.Argument{Position: 1}))
	c.Assert(err, qt.IsNil)

	f.core.Update()
	f.core.Update()
	c.Assert(alice.rpc.Closed(), qt.IsTrue)
	c.Assert(f.disconnected, qt.HasLen, 1)
	c.Assert(f.core.Clients(), qt.HasLen, 0)
}

func TestOneRPCPerUpdateIsFair(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{OneRPCPerUpdate: true}, core.ServerParams{})

	clients := []*client{f.connect(c, "Alice"), f.connect(c, "Bob"), f.connect(c, "Carol")}
	for _, cl := range clients {
		cl.call(c, "Sim", "Counter")
		cl.call(c, "Sim", "Counter")
	}

	f.core.Update()
	for _, cl := range clients {
		c.Assert(cl.responses(c), qt.HasLen, 1)
	}

	f.core.Update()
	for _, cl := range clients {
		c.Assert(cl.responses(c), qt.HasLen, 1)
	}
}

func pollOrder(k *core.Core) []string {
	var names []string
	for _, client := range k.Clients() {
		names = append(names, client.Name())
	}
	return names
}

func TestPollOrderRotatesOncePerUpdate(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})

	clients := []*client{f.connect(c, "Alice"), f.connect(c, "Bob"), f.connect(c, "Carol")}
	before := pollOrder(f.core)
	c.Assert(before, qt.HasLen, 3)

	// Two requests each take two polling passes, plus a final idle one
	for _, cl := range clients {
		cl.call(c, "Sim", "Counter")
		cl.call(c, "Sim", "Counter")
	}
	f.core.Update()
	for _, cl := range clients {
		c.Assert(cl.responses(c), qt.HasLen, 2)
	}

	after := pollOrder(f.core)
	c.Assert(after, qt.DeepEquals, []string{before[1], before[2], before[0]})

	f.core.Update()
	c.Assert(pollOrder(f.core), qt.DeepEquals, []string{after[1], after[2], after[0]})
}

func TestAllQueuedRequestsRunWithinBudget(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})

	alice := f.connect(c, "Alice")
	for i := 0; i < 5; i++ {
		alice.call(c, "Core", "Ping")
	}
	f.core.Update()
	c.Assert(alice.responses(c), qt.HasLen, 5)
}

func TestBudgetDefersToNextUpdate(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{MaxTimePerUpdate: 5 * time.Millisecond}, core.ServerParams{})

	alice := f.connect(c, "Alice")
	bob := f.connect(c, "Bob")
	alice.call(c, "Sim", "Slow")
	bob.call(c, "Sim", "Slow")

	f.core.Update()
	first := len(alice.responses(c)) + len(bob.responses(c))
	c.Assert(first, qt.Equals, 1)

	f.core.Update()
	second := len(alice.responses(c)) + len(bob.responses(c))
	c.Assert(second, qt.Equals, 1)
}

func TestOneOutstandingRequestPerClient(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})

	alice := f.connect(c, "Alice")
	bob := f.connect(c, "Bob")
	alice.call(c, "Sim", "WaitUntilReady")
	alice.call(c, "Core", "Ping")
	bob.call(c, "Core", "Ping")

	f.core.Update()
	f.core.Update()
	c.Assert(alice.responses(c), qt.HasLen, 0)
	c.Assert(bob.responses(c), qt.HasLen, 1)

	f.state.ready = true
	f.core.Update()

	resps := alice.responses(c)
	c.Assert(resps, qt.HasLen, 2)
	c.Assert(resps[0].HasReturnValue, qt.IsTrue)
	ready, err := service.DecodeBool(resps[0].ReturnValue)
	c.Assert(err, qt.IsNil)
	c.Assert(ready, qt.IsTrue)
	c.Assert(resps[1].HasReturnValue, qt.IsFalse)
}

func TestDisconnectDropsContinuation(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})

	alice := f.connect(c, "Alice")
	alice.call(c, "Sim", "WaitUntilReady")
	f.core.Update()
	before := f.core.RPCsExecuted()

	c.Assert(alice.rpc.Close(), qt.IsNil)
	f.core.Update()
	c.Assert(f.disconnected, qt.HasLen, 1)
	c.Assert(f.core.Clients(), qt.HasLen, 0)

	f.state.ready = true
	f.core.Update()
	c.Assert(f.core.RPCsExecuted(), qt.Equals, before)
}

func TestHostPolicyDeniesClient(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{DeniedHosts: []string{"mallory"}})

	conn, err := f.rpc.Connect("mallory")
	c.Assert(err, qt.IsNil)
	hello, err := protocol.EncodeRPCHello("Mallory")
	c.Assert(err, qt.IsNil)
	_, err = conn.Write(hello)
	c.Assert(err, qt.IsNil)

	f.core.Update()
	c.Assert(conn.Closed(), qt.IsTrue)
	c.Assert(f.connected, qt.HasLen, 0)

	f.connect(c, "Alice")
	c.Assert(f.connected, qt.HasLen, 1)
}

func TestHostHandlerDecidesAdmission(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})

	asked := 0
	f.core.SetHandlers(&handlers.ServerHandlers[*protocol.RPCClient]{
		OnRequestingConnection: func(request *arbiter.ConnectionRequest[*protocol.RPCClient]) {
			asked++
			if asked >= 2 {
				request.Allow()
			}
		},
	})

	conn, err := f.rpc.Connect("alice")
	c.Assert(err, qt.IsNil)
	hello, err := protocol.EncodeRPCHello("Alice")
	c.Assert(err, qt.IsNil)
	_, err = conn.Write(hello)
	c.Assert(err, qt.IsNil)

	f.core.Update()
	c.Assert(conn.Drain(), qt.HasLen, 0)
	c.Assert(f.core.Clients(), qt.HasLen, 0)

	f.core.Update()
	c.Assert(conn.Drain(), qt.HasLen, 16)
	c.Assert(f.core.Clients(), qt.HasLen, 1)
}

func TestGetStatus(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{MaxTimePerUpdate: 7 * time.Millisecond}, core.ServerParams{})

	alice := f.connect(c, "Alice")
	alice.call(c, "Core", "Ping")
	f.core.Update()
	alice.responses(c)

	alice.call(c, "Core", "GetStatus")
	f.core.Update()

	resps := alice.responses(c)
	c.Assert(resps, qt.HasLen, 1)
	status := &message.Status{}
	c.Assert(status.Unmarshal(resps[0].ReturnValue), qt.IsNil)
	c.Assert(status.Version, qt.Equals, core.Version)
	c.Assert(status.RPCsExecuted, qt.Equals, uint64(1))
	c.Assert(status.MaxTimePerUpdate, qt.Equals, uint32(7000))
	c.Assert(status.BytesRead > 0, qt.IsTrue)
	c.Assert(status.BytesWritten > 0, qt.IsTrue)
}

func TestGetServices(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})

	alice := f.connect(c, "Alice")
	alice.call(c, "Core", "GetServices")
	f.core.Update()

	resps := alice.responses(c)
	c.Assert(resps, qt.HasLen, 1)
	services := &message.Services{}
	c.Assert(services.Unmarshal(resps[0].ReturnValue), qt.IsNil)
	c.Assert(services.Services, qt.HasLen, 2)
	c.Assert(services.Services[0].Name, qt.Equals, "Core")
	c.Assert(services.Services[1].Name, qt.Equals, "Sim")
}

func TestAdaptiveRateControl(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{AdaptiveRateControl: true}, core.ServerParams{})

	// Slower than the target rate: shrink the budget
	f.clock.Advance(20 * time.Millisecond)
	f.core.Update()
	c.Assert(f.core.MaxTimePerUpdate(), qt.Equals, core.DefaultMaxTimePerUpdate-100*time.Microsecond)

	// Fast and idle: reset to a moderate budget
	f.clock.Advance(10 * time.Millisecond)
	f.core.Update()
	c.Assert(f.core.MaxTimePerUpdate(), qt.Equals, 10*time.Millisecond)
}

func TestRejectsDuplicateServerName(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, core.CoreParams{}, core.ServerParams{})

	server, err := core.CreateServer(core.ServerParams{
		Name:   "test",
		RPC:    transport.CreateMemoryServer(transport.MemoryServerParams{Logger: zaptest.NewLogger(c)}),
		Stream: transport.CreateMemoryServer(transport.MemoryServerParams{Logger: zaptest.NewLogger(c)}),
		Logger: zaptest.NewLogger(c),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(f.core.AddServer(server), qt.ErrorMatches, `.*test.*`)

	_, err = core.CreateServer(core.ServerParams{Name: "incomplete"})
	c.Assert(err, qt.ErrorMatches, `.*without an RPC byte server.*`)
}

func TestCoreServiceNameIsReserved(t *testing.T) {
	c := qt.New(t)

	registry := service.CreateRegistry()
	_, err := core.CreateCore(core.CoreParams{Registry: registry, Logger: zaptest.NewLogger(c)})
	c.Assert(err, qt.IsNil)

	_, err = core.CreateCore(core.CoreParams{Registry: registry, Logger: zaptest.NewLogger(c)})
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(strings.Contains(err.Error(), "Core"), qt.IsTrue)
}
