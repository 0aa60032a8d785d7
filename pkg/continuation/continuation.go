// Package continuation models procedure executions that may give up the
// rest of a tick and be resumed on a later one.
package continuation

import (
	stderrors "errors"

	"github.com/sessamekesh/simrpc/pkg/errors"
)

// Continuation is one step of a procedure execution. Run returns the
// encoded return value, an error, or a Yield carrying the next step.
type Continuation interface {
	Run() ([]byte, error)
}

type Func func() ([]byte, error)

func (f Func) Run() ([]byte, error) {
	return f()
}

type YieldError struct {
	Next Continuation
}

func (e *YieldError) Error() string {
	return "procedure yielded"
}

// Yield ends the current step; next runs on a later tick.
func Yield(next Continuation) error {
	return &YieldError{Next: next}
}

// AsYield extracts the continuation from a (possibly wrapped) Yield.
func AsYield(err error) (Continuation, bool) {
	var yield *YieldError
	if stderrors.As(err, &yield) {
		return yield.Next, true
	}
	return nil, false
}

type until struct {
	cond func() bool
	then Continuation
}

// Until yields every tick until cond holds, then runs then.
func Until(cond func() bool, then Continuation) Continuation {
	return &until{cond: cond, then: then}
}

func (u *until) Run() ([]byte, error) {
	if !u.cond() {
		return nil, Yield(u)
	}
	return u.then.Run()
}

// Run executes c, turning a panic into a *errors.ProcedurePanic.
func Run(procedure string, c Continuation) (value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &errors.ProcedurePanic{Procedure: procedure, Value: r}
		}
	}()
	return c.Run()
}
