// Package arbiter implements the allow / deny / still-pending admission
// decision shared by every server layer.
package arbiter

type Decision uint8

const (
	Decision_Pending Decision = iota
	Decision_Allow
	Decision_Deny
)

func (d Decision) String() string {
	switch d {
	case Decision_Allow:
		return "allow"
	case Decision_Deny:
		return "deny"
	}
	return "pending"
}

// ConnectionRequest is offered to a policy each time a client asks to be
// admitted. The first Allow or Deny wins; later calls are ignored.
type ConnectionRequest[C any] struct {
	Client   C
	decision Decision
}

func CreateConnectionRequest[C any](client C) *ConnectionRequest[C] {
	return &ConnectionRequest[C]{
		Client:   client,
		decision: Decision_Pending,
	}
}

func (r *ConnectionRequest[C]) Allow() {
	if r.decision == Decision_Pending {
		r.decision = Decision_Allow
	}
}

func (r *ConnectionRequest[C]) Deny() {
	if r.decision == Decision_Pending {
		r.decision = Decision_Deny
	}
}

func (r *ConnectionRequest[C]) Decision() Decision {
	return r.decision
}

func (r *ConnectionRequest[C]) ShouldAllow() bool {
	return r.decision == Decision_Allow
}

func (r *ConnectionRequest[C]) ShouldDeny() bool {
	return r.decision == Decision_Deny
}

func (r *ConnectionRequest[C]) StillPending() bool {
	return r.decision == Decision_Pending
}

// Policy inspects a request and may call Allow or Deny on it. Leaving the
// request untouched keeps it pending until the next tick.
type Policy[C any] func(request *ConnectionRequest[C])

// Evaluate runs policy against a fresh request for client. A nil policy
// allows every connection.
func Evaluate[C any](client C, policy Policy[C]) Decision {
	request := CreateConnectionRequest(client)
	if policy == nil {
		request.Allow()
		return request.Decision()
	}
	policy(request)
	return request.Decision()
}

// Chain runs policies in order until one of them reaches a final decision.
func Chain[C any](policies ...Policy[C]) Policy[C] {
	return func(request *ConnectionRequest[C]) {
		for _, policy := range policies {
			if policy == nil {
				continue
			}
			policy(request)
			if !request.StillPending() {
				return
			}
		}
	}
}

func AllowAll[C any](request *ConnectionRequest[C]) {
	request.Allow()
}

func DenyAll[C any](request *ConnectionRequest[C]) {
	request.Deny()
}
