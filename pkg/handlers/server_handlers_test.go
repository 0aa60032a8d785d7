package handlers_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/sessamekesh/simrpc/pkg/arbiter"
	"github.com/sessamekesh/simrpc/pkg/handlers"
)

func TestEmptyHandlersAllowAndIgnoreEvents(t *testing.T) {
	c := qt.New(t)

	var h *handlers.ServerHandlers[string]
	c.Assert(h.RequestingConnection("a"), qt.Equals, arbiter.Decision_Allow)
	h.Connected("a")
	h.Disconnected("a")
	h.Started()
	h.Stopped()

	h = &handlers.ServerHandlers[string]{}
	c.Assert(h.RequestingConnection("a"), qt.Equals, arbiter.Decision_Allow)
}

func TestHandlersForwardEvents(t *testing.T) {
	c := qt.New(t)

	var events []string
	h := &handlers.ServerHandlers[string]{
		OnRequestingConnection: func(r *arbiter.ConnectionRequest[string]) {
			if r.Client == "mallory" {
				r.Deny()
			}
		},
		OnConnected:    func(client string) { events = append(events, "connected:"+client) },
		OnDisconnected: func(client string) { events = append(events, "disconnected:"+client) },
		OnStarted:      func() { events = append(events, "started") },
		OnStopped:      func() { events = append(events, "stopped") },
	}

	c.Assert(h.RequestingConnection("alice"), qt.Equals, arbiter.Decision_Pending)
	c.Assert(h.RequestingConnection("mallory"), qt.Equals, arbiter.Decision_Deny)

	h.Started()
	h.Connected("alice")
	h.Disconnected("alice")
	h.Stopped()
	c.Assert(events, qt.DeepEquals, []string{"started", "connected:alice", "disconnected:alice", "stopped"})
}
