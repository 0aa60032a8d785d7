package transport

import (
	"sync"
	"sync/atomic"

	"github.com/sessamekesh/simrpc/pkg/arbiter"
	"github.com/sessamekesh/simrpc/pkg/handlers"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ByteServer accepts connections in the background and hands them to the
// host goroutine, one Update at a time.
type ByteServer interface {
	Start() error
	Stop() error
	Update()
	Running() bool
	Address() string
	Info() string
	Clients() []ByteClient
	BytesRead() uint64
	BytesWritten() uint64
	ClearStats()
	SetHandlers(h *handlers.ServerHandlers[ByteClient])
}

// clientPool holds the pending and connected clients of one byte server.
// The pending list is the only state shared with accept goroutines.
type clientPool struct {
	log      *zap.Logger
	handlers *handlers.ServerHandlers[ByteClient]

	mut_pending sync.Mutex
	accepting   bool
	pending     []ByteClient

	mut_clients sync.RWMutex
	clients     []ByteClient

	closedBytesRead    atomic.Uint64
	closedBytesWritten atomic.Uint64
}

func (p *clientPool) SetHandlers(h *handlers.ServerHandlers[ByteClient]) {
	p.handlers = h
}

func (p *clientPool) open() {
	p.mut_pending.Lock()
	defer p.mut_pending.Unlock()
	p.accepting = true
}

// offer queues client for admission on the next update. onQueued runs under
// the pending lock, so it is ordered before any shutdown.
func (p *clientPool) offer(client ByteClient, onQueued func()) bool {
	p.mut_pending.Lock()
	defer p.mut_pending.Unlock()

	if !p.accepting {
		return false
	}

	p.pending = append(p.pending, client)
	if onQueued != nil {
		onQueued()
	}
	return true
}

func (p *clientPool) update() {
	//
	// Prune clients that went away since the last tick
	p.mut_clients.Lock()
	live := make([]ByteClient, 0, len(p.clients))
	var gone []ByteClient
	for _, client := range p.clients {
		if client.Connected() {
			live = append(live, client)
		} else {
			gone = append(gone, client)
		}
	}
	p.clients = live
	p.mut_clients.Unlock()

	for _, client := range gone {
		p.retire(client)
		p.log.Info("Client disconnected", zap.String("client", client.Tag()), zap.String("address", client.Address()))
		p.handlers.Disconnected(client)
	}

	//
	// Offer pending clients to the layer above
	p.mut_pending.Lock()
	pending := p.pending
	p.pending = nil
	p.mut_pending.Unlock()

	var undecided []ByteClient
	for _, client := range pending {
		log := p.log.With(zap.String("client", client.Tag()), zap.String("address", client.Address()))
		if !client.Connected() {
			log.Debug("Pending client went away before admission")
			p.retire(client)
			continue
		}

		switch p.handlers.RequestingConnection(client) {
		case arbiter.Decision_Allow:
			log.Info("Client connected")
			p.mut_clients.Lock()
			p.clients = append(p.clients, client)
			p.mut_clients.Unlock()
			p.handlers.Connected(client)
		case arbiter.Decision_Deny:
			log.Info("Client connection denied")
			p.retire(client)
		default:
			undecided = append(undecided, client)
		}
	}

	if len(undecided) > 0 {
		p.mut_pending.Lock()
		if p.accepting {
			p.pending = append(undecided, p.pending...)
			undecided = nil
		}
		p.mut_pending.Unlock()

		for _, client := range undecided {
			p.retire(client)
		}
	}
}

// retire closes client and folds its counters into the running totals.
func (p *clientPool) retire(client ByteClient) error {
	err := client.Close()
	stream := client.Stream()
	p.closedBytesRead.Add(stream.BytesRead())
	p.closedBytesWritten.Add(stream.BytesWritten())
	return err
}

func (p *clientPool) shutdown() error {
	p.mut_pending.Lock()
	p.accepting = false
	pending := p.pending
	p.pending = nil
	p.mut_pending.Unlock()

	var err error
	for _, client := range pending {
		err = multierr.Append(err, p.retire(client))
	}

	p.mut_clients.Lock()
	clients := p.clients
	p.clients = nil
	p.mut_clients.Unlock()

	for _, client := range clients {
		err = multierr.Append(err, p.retire(client))
		p.log.Info("Client disconnected", zap.String("client", client.Tag()), zap.String("address", client.Address()))
		p.handlers.Disconnected(client)
	}

	return err
}

func (p *clientPool) Clients() []ByteClient {
	p.mut_clients.RLock()
	defer p.mut_clients.RUnlock()

	clients := make([]ByteClient, len(p.clients))
	copy(clients, p.clients)
	return clients
}

func (p *clientPool) BytesRead() uint64 {
	total := p.closedBytesRead.Load()
	for _, client := range p.Clients() {
		total += client.Stream().BytesRead()
	}
	return total
}

func (p *clientPool) BytesWritten() uint64 {
	total := p.closedBytesWritten.Load()
	for _, client := range p.Clients() {
		total += client.Stream().BytesWritten()
	}
	return total
}

func (p *clientPool) ClearStats() {
	p.closedBytesRead.Store(0)
	p.closedBytesWritten.Store(0)
	for _, client := range p.Clients() {
		client.Stream().ClearStats()
	}
}
