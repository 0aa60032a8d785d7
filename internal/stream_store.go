package internal

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/sessamekesh/simrpc/pkg/message"
	"golang.org/x/time/rate"
)

type MissingStreamError struct {
	ID uint64
}

func (e *MissingStreamError) Error() string {
	return fmt.Sprintf("Missing stream with id=%d", e.ID)
}

// Registration is one call re-executed every tick for a stream client.
type Registration struct {
	ID       uint64
	ClientID uuid.UUID
	Request  *message.Request
	Started  bool
	Rate     float64

	limiter   *rate.Limiter
	lastValue []byte
	hasValue  bool
}

// Due reports whether the registration should run at time now. A rate of
// zero runs every tick.
func (r *Registration) Due(now time.Time) bool {
	if !r.Started {
		return false
	}
	if r.limiter == nil {
		return true
	}
	return r.limiter.AllowN(now, 1)
}

// Changed records value as the latest result and reports whether it
// differs from the previous one. The first result is always a change.
func (r *Registration) Changed(value []byte) bool {
	if r.hasValue && bytes.Equal(r.lastValue, value) {
		return false
	}
	r.lastValue = append(r.lastValue[:0], value...)
	r.hasValue = true
	return true
}

// StreamStore owns every stream registration. Identifiers come from one
// counter and are never reused.
type StreamStore struct {
	nextID atomic.Uint64

	mut_streams sync.RWMutex
	streams     map[uint64]*Registration
	byClient    map[uuid.UUID][]uint64
}

func CreateStreamStore() *StreamStore {
	return &StreamStore{
		streams:  make(map[uint64]*Registration),
		byClient: make(map[uuid.UUID][]uint64),
	}
}

func sameRequest(a, b *message.Request) bool {
	if a.Service != b.Service || a.Procedure != b.Procedure || len(a.Arguments) != len(b.Arguments) {
		return false
	}
	for i := range a.Arguments {
		if a.Arguments[i].Position != b.Arguments[i].Position || !bytes.Equal(a.Arguments[i].Value, b.Arguments[i].Value) {
			return false
		}
	}
	return true
}

// Add registers req for client, or returns the existing registration of
// an identical call. The bool is true when a new registration was made.
func (store *StreamStore) Add(client uuid.UUID, req *message.Request, start bool) (*Registration, bool) {
	store.mut_streams.Lock()
	defer store.mut_streams.Unlock()

	for _, id := range store.byClient[client] {
		if existing := store.streams[id]; sameRequest(existing.Request, req) {
			return existing, false
		}
	}

	reg := &Registration{
		ID:       store.nextID.Add(1),
		ClientID: client,
		Request:  req,
		Started:  start,
	}
	store.streams[reg.ID] = reg
	store.byClient[client] = append(store.byClient[client], reg.ID)
	return reg, true
}

func (store *StreamStore) get(client uuid.UUID, id uint64) (*Registration, error) {
	reg, has := store.streams[id]
	if !has || reg.ClientID != client {
		return nil, &MissingStreamError{ID: id}
	}
	return reg, nil
}

func (store *StreamStore) Get(client uuid.UUID, id uint64) (*Registration, error) {
	store.mut_streams.RLock()
	defer store.mut_streams.RUnlock()

	return store.get(client, id)
}

func (store *StreamStore) Start(client uuid.UUID, id uint64) error {
	store.mut_streams.Lock()
	defer store.mut_streams.Unlock()

	reg, err := store.get(client, id)
	if err != nil {
		return err
	}
	reg.Started = true
	return nil
}

// SetRate limits the registration to perSecond executions a second. Zero
// removes the limit.
func (store *StreamStore) SetRate(client uuid.UUID, id uint64, perSecond float64) error {
	if perSecond < 0 {
		return errors.NotValidf("stream rate %v", perSecond)
	}

	store.mut_streams.Lock()
	defer store.mut_streams.Unlock()

	reg, err := store.get(client, id)
	if err != nil {
		return err
	}
	reg.Rate = perSecond
	if perSecond == 0 {
		reg.limiter = nil
	} else {
		reg.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return nil
}

// Remove deletes a registration. Unknown ids are ignored.
func (store *StreamStore) Remove(client uuid.UUID, id uint64) {
	store.mut_streams.Lock()
	defer store.mut_streams.Unlock()

	if _, err := store.get(client, id); err != nil {
		return
	}
	delete(store.streams, id)

	ids := store.byClient[client]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(store.byClient, client)
	} else {
		store.byClient[client] = ids
	}
}

func (store *StreamStore) RemoveClient(client uuid.UUID) {
	store.mut_streams.Lock()
	defer store.mut_streams.Unlock()

	for _, id := range store.byClient[client] {
		delete(store.streams, id)
	}
	delete(store.byClient, client)
}

// ClientStreams returns the registrations of client in id order.
func (store *StreamStore) ClientStreams(client uuid.UUID) []*Registration {
	store.mut_streams.RLock()
	defer store.mut_streams.RUnlock()

	regs := make([]*Registration, 0, len(store.byClient[client]))
	for _, id := range store.byClient[client] {
		regs = append(regs, store.streams[id])
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].ID < regs[j].ID
	})
	return regs
}

func (store *StreamStore) Len() int {
	store.mut_streams.RLock()
	defer store.mut_streams.RUnlock()

	return len(store.streams)
}
