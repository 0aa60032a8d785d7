package handlers

import (
	"github.com/sessamekesh/simrpc/pkg/arbiter"
)

// ServerHandlers is the single upstream subscription a server layer exposes
// to the layer above it. Every field is optional.
type ServerHandlers[C any] struct {
	OnRequestingConnection arbiter.Policy[C]
	OnConnected            func(client C)
	OnDisconnected         func(client C)
	OnStarted              func()
	OnStopped              func()
}

// RequestingConnection asks the upstream layer whether client may connect.
// With no upstream policy installed the connection is allowed.
func (h *ServerHandlers[C]) RequestingConnection(client C) arbiter.Decision {
	if h == nil {
		return arbiter.Evaluate[C](client, nil)
	}
	return arbiter.Evaluate(client, h.OnRequestingConnection)
}

func (h *ServerHandlers[C]) Connected(client C) {
	if h == nil || h.OnConnected == nil {
		return
	}
	h.OnConnected(client)
}

func (h *ServerHandlers[C]) Disconnected(client C) {
	if h == nil || h.OnDisconnected == nil {
		return
	}
	h.OnDisconnected(client)
}

func (h *ServerHandlers[C]) Started() {
	if h == nil || h.OnStarted == nil {
		return
	}
	h.OnStarted()
}

func (h *ServerHandlers[C]) Stopped() {
	if h == nil || h.OnStopped == nil {
		return
	}
	h.OnStopped()
}
