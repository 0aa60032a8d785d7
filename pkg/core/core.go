// Package core runs the per-tick dispatch and stream loops on behalf of a
// host application.
package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/sessamekesh/simrpc/internal"
	"github.com/sessamekesh/simrpc/pkg/arbiter"
	"github.com/sessamekesh/simrpc/pkg/continuation"
	simerrors "github.com/sessamekesh/simrpc/pkg/errors"
	"github.com/sessamekesh/simrpc/pkg/handlers"
	"github.com/sessamekesh/simrpc/pkg/message"
	"github.com/sessamekesh/simrpc/pkg/protocol"
	"github.com/sessamekesh/simrpc/pkg/scheduler"
	"github.com/sessamekesh/simrpc/pkg/service"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	Version = "0.1.0"

	DefaultMaxTimePerUpdate = 5 * time.Millisecond
	DefaultRecvTimeout      = time.Millisecond

	// Adaptive rate control targets just under 60 Hz
	targetUpdateRate     = 59
	minMaxTimePerUpdate  = time.Millisecond
	maxMaxTimePerUpdate  = 25 * time.Millisecond
	idleMaxTimePerUpdate = 10 * time.Millisecond
	rateControlStep      = 100 * time.Microsecond

	blockingRecvInterval = 100 * time.Microsecond
)

type CoreParams struct {
	// Procedures callable by clients. The Core service is added to it.
	Registry *service.Registry

	OneRPCPerUpdate     bool
	MaxTimePerUpdate    time.Duration
	AdaptiveRateControl bool

	// BlockingRecv makes an idle update wait up to RecvTimeout for a
	// request. The clock must advance on its own for this to return.
	BlockingRecv bool
	RecvTimeout  time.Duration

	// Stamped on every response. Defaults to Unix seconds from Clock.
	UniversalTime func() float64

	Clock   clock.Clock
	Metrics *Collector
	Logger  *zap.Logger
}

type requestContinuation struct {
	client *protocol.RPCClient
	ctx    *service.CallContext
	proc   *service.ProcedureDescriptor
	next   continuation.Continuation
}

// Core owns the servers, the fair client scheduler, the queue of pending
// continuations and the stream registrations. Update, Start and Stop must
// be called from the host goroutine.
type Core struct {
	params   CoreParams
	registry *service.Registry
	clock    clock.Clock
	metrics  *Collector
	log      *zap.Logger
	handlers *handlers.ServerHandlers[*protocol.RPCClient]

	servers       []*Server
	scheduler     *scheduler.RoundRobin[*protocol.RPCClient]
	continuations []*requestContinuation
	streams       *internal.StreamStore

	lastUpdate time.Time

	mut_stats        sync.RWMutex
	stats            stats
	maxTimePerUpdate time.Duration
}

func CreateCore(params CoreParams) (*Core, error) {
	if params.Registry == nil {
		params.Registry = service.CreateRegistry()
	}
	if params.MaxTimePerUpdate <= 0 {
		params.MaxTimePerUpdate = DefaultMaxTimePerUpdate
	}
	if params.RecvTimeout <= 0 {
		params.RecvTimeout = DefaultRecvTimeout
	}
	if params.Clock == nil {
		params.Clock = clock.WallClock
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	c := &Core{
		params:           params,
		registry:         params.Registry,
		clock:            params.Clock,
		metrics:          params.Metrics,
		log:              logger.With(zap.String("component", "core")),
		scheduler:        scheduler.CreateRoundRobin[*protocol.RPCClient](),
		streams:          internal.CreateStreamStore(),
		lastUpdate:       params.Clock.Now(),
		maxTimePerUpdate: params.MaxTimePerUpdate,
	}
	if c.params.UniversalTime == nil {
		c.params.UniversalTime = c.unixSeconds
	}

	if err := c.registry.RegisterService(coreService(c)); err != nil {
		return nil, errors.Annotate(err, "registering the Core service")
	}
	return c, nil
}

func (c *Core) unixSeconds() float64 {
	return float64(c.clock.Now().UnixNano()) / float64(time.Second)
}

// SetHandlers installs the host's view of RPC clients. Its admission
// policy runs after the per-server host lists.
func (c *Core) SetHandlers(h *handlers.ServerHandlers[*protocol.RPCClient]) {
	c.handlers = h
}

func (c *Core) Registry() *service.Registry {
	return c.registry
}

// AddServer attaches server to the core. Servers added after Start must be
// started by the caller.
func (c *Core) AddServer(server *Server) error {
	for _, existing := range c.servers {
		if existing.name == server.name {
			return &simerrors.NameCollision{CollisionContext: "core servers", Name: server.name}
		}
	}

	server.rpc.SetHandlers(&handlers.ServerHandlers[*protocol.RPCClient]{
		OnRequestingConnection: arbiter.Chain(server.admission, c.hostAdmission),
		OnConnected:            c.onRPCConnected,
		OnDisconnected: func(client *protocol.RPCClient) {
			c.onRPCDisconnected(server, client)
		},
	})
	server.stream.SetHandlers(&handlers.ServerHandlers[*protocol.StreamClient]{
		OnConnected: func(client *protocol.StreamClient) {
			c.log.Debug("Stream client connected", zap.String("name", client.Name()), zap.Stringer("id", client.ID()))
		},
		OnDisconnected: func(client *protocol.StreamClient) {
			c.streams.RemoveClient(client.ID())
		},
	})

	c.servers = append(c.servers, server)
	return nil
}

func (c *Core) Servers() []*Server {
	return append([]*Server{}, c.servers...)
}

func (c *Core) hostAdmission(request *arbiter.ConnectionRequest[*protocol.RPCClient]) {
	switch c.handlers.RequestingConnection(request.Client) {
	case arbiter.Decision_Allow:
		request.Allow()
	case arbiter.Decision_Deny:
		request.Deny()
	}
}

func (c *Core) onRPCConnected(client *protocol.RPCClient) {
	if err := c.scheduler.Add(client); err != nil {
		c.log.Error("Client connected twice", zap.Stringer("client", client), zap.Error(err))
		return
	}
	c.handlers.Connected(client)
}

func (c *Core) onRPCDisconnected(server *Server, client *protocol.RPCClient) {
	if err := c.scheduler.Remove(client); err != nil {
		c.log.Warn("Disconnected client was not scheduled", zap.Stringer("client", client), zap.Error(err))
	}

	kept := c.continuations[:0]
	for _, k := range c.continuations {
		if k.client != client {
			kept = append(kept, k)
		}
	}
	c.continuations = kept

	c.streams.RemoveClient(client.ID())
	if streamClient, has := server.stream.Client(client.ID()); has {
		if err := streamClient.Close(); err != nil {
			c.log.Warn("Failed to close stream client", zap.Stringer("client", client), zap.Error(err))
		}
	}
	c.handlers.Disconnected(client)
}

func (c *Core) Start() error {
	for i, server := range c.servers {
		if err := server.Start(); err != nil {
			for _, started := range c.servers[:i] {
				err = multierr.Append(err, started.Stop())
			}
			return err
		}
	}

	c.ClearStats()
	c.lastUpdate = c.clock.Now()
	c.handlers.Started()
	return nil
}

func (c *Core) Stop() error {
	var err error
	for _, server := range c.servers {
		err = multierr.Append(err, server.Stop())
	}
	c.continuations = nil
	c.handlers.Stopped()
	return err
}

func (c *Core) Running() bool {
	if len(c.servers) == 0 {
		return false
	}
	for _, server := range c.servers {
		if !server.Running() {
			return false
		}
	}
	return true
}

// Clients returns the connected RPC clients of every server in the order
// they will next be polled.
func (c *Core) Clients() []*protocol.RPCClient {
	return c.scheduler.Items()
}

func (c *Core) rpcClient(id uuid.UUID) (*Server, *protocol.RPCClient, bool) {
	for _, server := range c.servers {
		if client, has := server.rpc.Client(id); has {
			return server, client, true
		}
	}
	return nil, nil, false
}

func (c *Core) streamClient(id uuid.UUID) (*protocol.StreamClient, bool) {
	for _, server := range c.servers {
		if client, has := server.stream.Client(id); has {
			return client, true
		}
	}
	return nil, false
}

//
// Update loop

// Update receives and executes RPCs, then runs stream registrations and
// pushes their results. Call it once per host tick.
func (c *Core) Update() {
	c.mut_stats.RLock()
	startRPCs := c.stats.rpcsExecuted
	startStreamRPCs := c.stats.streamRPCsExecuted
	c.mut_stats.RUnlock()
	startBytesRead := c.BytesRead()
	startBytesWritten := c.BytesWritten()

	c.rpcUpdate()
	c.streamUpdate()

	now := c.clock.Now()
	elapsed := now.Sub(c.lastUpdate)
	c.lastUpdate = now

	c.mut_stats.Lock()
	if elapsed > 0 {
		seconds := elapsed.Seconds()
		c.stats.rpcRate.update(float32(float64(c.stats.rpcsExecuted-startRPCs) / seconds))
		c.stats.streamRPCRate.update(float32(float64(c.stats.streamRPCsExecuted-startStreamRPCs) / seconds))
		c.stats.bytesReadRate.update(float32(float64(c.BytesRead()-startBytesRead) / seconds))
		c.stats.bytesWrittenRate.update(float32(float64(c.BytesWritten()-startBytesWritten) / seconds))
	}
	if c.params.AdaptiveRateControl {
		c.adjustMaxTimePerUpdate(elapsed)
	}
	c.mut_stats.Unlock()

	clients := 0
	streamClients := 0
	for _, server := range c.servers {
		clients += len(server.rpc.Clients())
		streamClients += len(server.stream.Clients())
	}
	c.metrics.connections(clients, streamClients, c.streams.Len(), c.BytesRead(), c.BytesWritten())
}

// adjustMaxTimePerUpdate nudges the execution budget toward the target
// update rate. A mostly idle server is reset to a moderate budget so a
// later burst cannot stall the host. Holds mut_stats.
func (c *Core) adjustMaxTimePerUpdate(elapsed time.Duration) {
	if elapsed > time.Second/targetUpdateRate {
		if c.maxTimePerUpdate > minMaxTimePerUpdate {
			c.maxTimePerUpdate -= rateControlStep
		}
		return
	}

	if c.stats.execTimePerRPCUpdate.value < float32(time.Millisecond.Seconds()) {
		c.maxTimePerUpdate = idleMaxTimePerUpdate
	} else if c.maxTimePerUpdate < maxMaxTimePerUpdate {
		c.maxTimePerUpdate += rateControlStep
	}
}

func (c *Core) rpcUpdate() {
	start := c.clock.Now()
	budget := c.MaxTimePerUpdate()
	overBudget := func() bool {
		return c.clock.Now().Sub(start) > budget
	}

	var pollTime, execTime time.Duration
	var executed uint64
	var yielded []*requestContinuation

	for _, server := range c.servers {
		server.rpc.Update()
	}

	for {
		pollStart := c.clock.Now()
		for {
			c.pollRequests(yielded)
			if !c.params.BlockingRecv || len(c.continuations) > 0 || overBudget() {
				break
			}
			if c.clock.Now().Sub(pollStart) > c.params.RecvTimeout {
				break
			}
			<-c.clock.After(blockingRecvInterval)
			for _, server := range c.servers {
				server.rpc.Update()
			}
		}
		pollTime += c.clock.Now().Sub(pollStart)

		if len(c.continuations) == 0 {
			break
		}

		execStart := c.clock.Now()
		for _, k := range c.continuations {
			if !k.client.Connected() {
				continue
			}
			if overBudget() {
				yielded = append(yielded, k)
				continue
			}
			if c.execute(k) {
				yielded = append(yielded, k)
			}
			executed++
		}
		c.continuations = nil
		execTime += c.clock.Now().Sub(execStart)

		if c.params.OneRPCPerUpdate || overBudget() {
			break
		}
	}

	// The next update starts polling one client later, however many
	// passes this one took
	c.scheduler.Next()
	c.continuations = yielded

	c.mut_stats.Lock()
	c.stats.rpcsExecuted += executed
	c.stats.timePerRPCUpdate.update(float32(c.clock.Now().Sub(start).Seconds()))
	c.stats.pollTimePerRPCUpdate.update(float32(pollTime.Seconds()))
	c.stats.execTimePerRPCUpdate.update(float32(execTime.Seconds()))
	c.mut_stats.Unlock()

	c.metrics.rpcUpdate(c.clock.Now().Sub(start).Seconds(), pollTime.Seconds(), execTime.Seconds(), budget.Seconds())
}

// pollRequests visits every client once, in scheduler order, and queues a
// continuation for each client with a request ready. Clients that already
// have a continuation queued or yielded are not read from.
func (c *Core) pollRequests(yielded []*requestContinuation) {
	busy := make(map[*protocol.RPCClient]bool, len(c.continuations)+len(yielded))
	for _, k := range c.continuations {
		busy[k.client] = true
	}
	for _, k := range yielded {
		busy[k.client] = true
	}

	for _, client := range c.scheduler.Items() {
		if busy[client] || !client.Connected() {
			continue
		}

		req, err := client.Stream().Read()
		if err != nil {
			c.log.Warn("Dropping client with unreadable request stream", zap.Stringer("client", client), zap.Error(err))
			if err := client.Close(); err != nil {
				c.log.Debug("Failed to close client", zap.Stringer("client", client), zap.Error(err))
			}
			continue
		}
		if req == nil {
			continue
		}

		c.log.Debug("Received request", zap.Stringer("client", client), zap.String("procedure", req.FullName()))
		if k := c.resolve(client, req); k != nil {
			c.continuations = append(c.continuations, k)
		}
	}
}

func (c *Core) callContext(client *protocol.RPCClient, req *message.Request) *service.CallContext {
	return &service.CallContext{
		ClientID:      client.ID(),
		ClientName:    client.Name(),
		ClientAddress: client.Address(),
		Request:       req,
	}
}

// resolve turns a request into a queued continuation. Requests that cannot
// be resolved are answered right away and nil is returned.
func (c *Core) resolve(client *protocol.RPCClient, req *message.Request) *requestContinuation {
	ctx := c.callContext(client, req)
	proc, next, err := c.registry.Resolve(ctx)
	if err != nil {
		c.metrics.rpcExecuted(req.FullName(), true)
		c.respond(client, &message.Response{Time: c.params.UniversalTime(), Error: err.Error()})
		return nil
	}
	return &requestContinuation{client: client, ctx: ctx, proc: proc, next: next}
}

// execute runs one step of k and answers the client unless the procedure
// yielded, in which case it returns true.
func (c *Core) execute(k *requestContinuation) bool {
	name := k.ctx.Request.FullName()
	value, err := continuation.Run(name, k.next)
	if next, ok := continuation.AsYield(err); ok {
		k.next = next
		return true
	}

	resp := &message.Response{Time: c.params.UniversalTime()}
	if err != nil {
		resp.Error = err.Error()
		c.log.Debug("Procedure failed", zap.String("procedure", name), zap.Error(err))
	} else if k.proc.HasReturnValue() {
		resp.ReturnValue = value
		resp.HasReturnValue = true
	}

	c.metrics.rpcExecuted(name, err != nil)
	c.respond(k.client, resp)
	return false
}

func (c *Core) respond(client *protocol.RPCClient, resp *message.Response) {
	if err := client.Stream().Write(resp); err != nil {
		c.log.Warn("Failed to write response", zap.Stringer("client", client), zap.Error(err))
		if err := client.Close(); err != nil {
			c.log.Debug("Failed to close client", zap.Stringer("client", client), zap.Error(err))
		}
	}
}

func (c *Core) streamUpdate() {
	start := c.clock.Now()
	executed := 0

	for _, server := range c.servers {
		server.stream.Update()

		for _, streamClient := range server.stream.Clients() {
			client := streamClient.RPCClient()
			if !client.Connected() || !streamClient.Connected() {
				continue
			}

			update := &message.StreamUpdate{}
			for _, reg := range c.streams.ClientStreams(client.ID()) {
				if !reg.Due(c.clock.Now()) {
					continue
				}
				resp := c.runStream(client, reg)
				executed++

				key := message.Response{Error: resp.Error, ReturnValue: resp.ReturnValue, HasReturnValue: resp.HasReturnValue}
				if !reg.Changed(key.Marshal()) {
					continue
				}
				update.Results = append(update.Results, message.StreamResult{ID: reg.ID, Response: resp})
			}

			if len(update.Results) == 0 {
				continue
			}
			if err := streamClient.Stream().Write(update); err != nil {
				c.log.Warn("Failed to write stream update", zap.Stringer("client", client), zap.Error(err))
				if err := streamClient.Close(); err != nil {
					c.log.Debug("Failed to close stream client", zap.Stringer("client", client), zap.Error(err))
				}
			}
		}
	}

	seconds := c.clock.Now().Sub(start).Seconds()
	c.mut_stats.Lock()
	c.stats.streamRPCs = uint32(executed)
	c.stats.streamRPCsExecuted += uint64(executed)
	c.stats.timePerStreamUpdate.update(float32(seconds))
	c.mut_stats.Unlock()

	c.metrics.streamUpdate(executed, seconds)
}

// runStream executes a registration to completion within this update. A
// procedure that yields is reported as an error.
func (c *Core) runStream(client *protocol.RPCClient, reg *internal.Registration) *message.Response {
	resp := &message.Response{}

	proc, next, err := c.registry.Resolve(c.callContext(client, reg.Request))
	if err == nil {
		var value []byte
		value, err = continuation.Run(reg.Request.FullName(), next)
		if _, yielded := continuation.AsYield(err); yielded {
			err = errors.Errorf("%s yielded; streamed procedures must complete within one update", reg.Request.FullName())
		} else if err == nil && proc.HasReturnValue() {
			resp.ReturnValue = value
			resp.HasReturnValue = true
		}
	}

	if err != nil {
		resp.Error = err.Error()
	}
	resp.Time = c.params.UniversalTime()
	return resp
}

//
// Streams

// AddStream registers req to be executed every update for the client with
// the given identifier, which must have a connected stream client.
func (c *Core) AddStream(client uuid.UUID, req *message.Request, start bool) (uint64, error) {
	if _, has := c.streamClient(client); !has {
		return 0, errors.NotFoundf("stream connection for client %s", client)
	}
	if _, err := c.registry.Lookup(req.Service, req.Procedure); err != nil {
		return 0, err
	}

	reg, created := c.streams.Add(client, req, start)
	if created {
		c.log.Debug("Stream added", zap.Stringer("client", client), zap.Uint64("stream", reg.ID), zap.String("procedure", req.FullName()))
	} else if start {
		if err := c.streams.Start(client, reg.ID); err != nil {
			return 0, err
		}
	}
	return reg.ID, nil
}

func (c *Core) StartStream(client uuid.UUID, id uint64) error {
	return c.streams.Start(client, id)
}

func (c *Core) SetStreamRate(client uuid.UUID, id uint64, perSecond float64) error {
	return c.streams.SetRate(client, id, perSecond)
}

// RemoveStream stops executing a registration. Unknown ids are ignored.
func (c *Core) RemoveStream(client uuid.UUID, id uint64) {
	c.streams.Remove(client, id)
}

func (c *Core) Streams(client uuid.UUID) []*internal.Registration {
	return c.streams.ClientStreams(client)
}

//
// Settings and statistics

func (c *Core) MaxTimePerUpdate() time.Duration {
	c.mut_stats.RLock()
	defer c.mut_stats.RUnlock()
	return c.maxTimePerUpdate
}

func (c *Core) SetMaxTimePerUpdate(d time.Duration) {
	c.mut_stats.Lock()
	defer c.mut_stats.Unlock()
	c.maxTimePerUpdate = d
}

func (c *Core) BytesRead() uint64 {
	var total uint64
	for _, server := range c.servers {
		total += server.BytesRead()
	}
	return total
}

func (c *Core) BytesWritten() uint64 {
	var total uint64
	for _, server := range c.servers {
		total += server.BytesWritten()
	}
	return total
}

func (c *Core) RPCsExecuted() uint64 {
	c.mut_stats.RLock()
	defer c.mut_stats.RUnlock()
	return c.stats.rpcsExecuted
}

func (c *Core) StreamRPCsExecuted() uint64 {
	c.mut_stats.RLock()
	defer c.mut_stats.RUnlock()
	return c.stats.streamRPCsExecuted
}

func (c *Core) ClearStats() {
	for _, server := range c.servers {
		server.ClearStats()
	}
	c.mut_stats.Lock()
	c.stats.clear()
	c.mut_stats.Unlock()
}

func (c *Core) Status() *message.Status {
	bytesRead, bytesWritten := c.BytesRead(), c.BytesWritten()

	c.mut_stats.RLock()
	defer c.mut_stats.RUnlock()

	return &message.Status{
		Version:              Version,
		BytesRead:            bytesRead,
		BytesWritten:         bytesWritten,
		BytesReadRate:        c.stats.bytesReadRate.value,
		BytesWrittenRate:     c.stats.bytesWrittenRate.value,
		RPCsExecuted:         c.stats.rpcsExecuted,
		RPCRate:              c.stats.rpcRate.value,
		OneRPCPerUpdate:      c.params.OneRPCPerUpdate,
		MaxTimePerUpdate:     uint32(c.maxTimePerUpdate.Microseconds()),
		AdaptiveRateControl:  c.params.AdaptiveRateControl,
		BlockingRecv:         c.params.BlockingRecv,
		RecvTimeout:          uint32(c.params.RecvTimeout.Microseconds()),
		TimePerRPCUpdate:     c.stats.timePerRPCUpdate.value,
		PollTimePerRPCUpdate: c.stats.pollTimePerRPCUpdate.value,
		ExecTimePerRPCUpdate: c.stats.execTimePerRPCUpdate.value,
		StreamRPCs:           c.stats.streamRPCs,
		StreamRPCsExecuted:   c.stats.streamRPCsExecuted,
		StreamRPCRate:        c.stats.streamRPCRate.value,
		TimePerStreamUpdate:  c.stats.timePerStreamUpdate.value,
	}
}
