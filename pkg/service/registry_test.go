package service_test

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/sessamekesh/simrpc/pkg/continuation"
	simerrors "github.com/sessamekesh/simrpc/pkg/errors"
	"github.com/sessamekesh/simrpc/pkg/message"
	"github.com/sessamekesh/simrpc/pkg/service"
)

func addHandler(ctx *service.CallContext, args [][]byte) ([]byte, error) {
	a, err := service.DecodeInt32(args[0])
	if err != nil {
		return nil, service.InvalidArgument(ctx, 0, err)
	}
	b, err := service.DecodeInt32(args[1])
	if err != nil {
		return nil, service.InvalidArgument(ctx, 1, err)
	}
	return service.EncodeInt32(a + b), nil
}

func mathService() service.ServiceDescriptor {
	return service.ServiceDescriptor{
		Name:          "Math",
		Documentation: "Arithmetic.",
		Procedures: []service.ProcedureDescriptor{
			{
				Name: "Add",
				Parameters: []service.Parameter{
					{Name: "a", Type: service.TypeInt32},
					{Name: "b", Type: service.TypeInt32, Default: service.EncodeInt32(10), HasDefault: true},
				},
				ReturnType: service.TypeInt32,
				Handler:    addHandler,
			},
			{
				Name: "Locked",
				Available: func(ctx *service.CallContext) bool {
					return ctx.ClientName == "Admin"
				},
				Handler: func(*service.CallContext, [][]byte) ([]byte, error) {
					return nil, nil
				},
			},
		},
	}
}

func call(svc, proc string, args ...message.Argument) *service.CallContext {
	return &service.CallContext{
		ClientID:   uuid.New(),
		ClientName: "Alice",
		Request:    &message.Request{Service: svc, Procedure: proc, Arguments: args},
	}
}

func TestRegisterService(t *testing.T) {
	c := qt.New(t)

	r := service.CreateRegistry()
	c.Assert(r.RegisterService(mathService()), qt.IsNil)

	var collision *simerrors.NameCollision
	c.Assert(errors.As(r.RegisterService(mathService()), &collision), qt.IsTrue)
	c.Assert(collision.Name, qt.Equals, "Math")

	c.Assert(errors.Is(r.RegisterService(service.ServiceDescriptor{}), errors.NotValid), qt.IsTrue)

	err := r.RegisterService(service.ServiceDescriptor{
		Name:       "Broken",
		Procedures: []service.ProcedureDescriptor{{Name: "NoHandler"}},
	})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)

	noop := func(*service.CallContext, [][]byte) ([]byte, error) { return nil, nil }
	err = r.RegisterService(service.ServiceDescriptor{
		Name: "Twice",
		Procedures: []service.ProcedureDescriptor{
			{Name: "P", Handler: noop},
			{Name: "P", Handler: noop},
		},
	})
	c.Assert(errors.As(err, &collision), qt.IsTrue)
	c.Assert(collision.Name, qt.Equals, "P")

	err = r.RegisterService(service.ServiceDescriptor{
		Name: "Defaults",
		Procedures: []service.ProcedureDescriptor{{
			Name:    "P",
			Handler: noop,
			Parameters: []service.Parameter{
				{Name: "x", HasDefault: true, Default: service.EncodeBool(true)},
				{Name: "y"},
			},
		}},
	})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
}

func TestLookup(t *testing.T) {
	c := qt.New(t)

	r := service.CreateRegistry()
	c.Assert(r.RegisterService(mathService()), qt.IsNil)

	proc, err := r.Lookup("Math", "Add")
	c.Assert(err, qt.IsNil)
	c.Assert(proc.HasReturnValue(), qt.IsTrue)

	_, err = r.Lookup("Physics", "Add")
	var unknownService *simerrors.UnknownService
	c.Assert(errors.As(err, &unknownService), qt.IsTrue)

	_, err = r.Lookup("Math", "Divide")
	var unknownProc *simerrors.UnknownProcedure
	c.Assert(errors.As(err, &unknownProc), qt.IsTrue)
	c.Assert(unknownProc.Procedure, qt.Equals, "Divide")
}

func TestServicesSorted(t *testing.T) {
	c := qt.New(t)

	r := service.CreateRegistry()
	noop := func(*service.CallContext, [][]byte) ([]byte, error) { return nil, nil }
	for _, name := range []string{"Zeta", "Alpha", "Mid"} {
		c.Assert(r.RegisterService(service.ServiceDescriptor{
			Name:       name,
			Procedures: []service.ProcedureDescriptor{{Name: "P", Handler: noop}},
		}), qt.IsNil)
	}

	names := []string{}
	for _, svc := range r.Services() {
		names = append(names, svc.Name)
	}
	c.Assert(names, qt.DeepEquals, []string{"Alpha", "Mid", "Zeta"})
}

func TestCatalogue(t *testing.T) {
	c := qt.New(t)

	r := service.CreateRegistry()
	c.Assert(r.RegisterService(mathService()), qt.IsNil)

	cat := r.Catalogue()
	c.Assert(cat.Services, qt.HasLen, 1)
	c.Assert(cat.Services[0].Name, qt.Equals, "Math")
	c.Assert(cat.Services[0].Documentation, qt.Equals, "Arithmetic.")

	procs := cat.Services[0].Procedures
	c.Assert(procs, qt.HasLen, 2)
	c.Assert(procs[0].Name, qt.Equals, "Add")
	c.Assert(procs[0].ReturnType, qt.Equals, "int32")
	c.Assert(procs[0].Parameters, qt.HasLen, 2)
	c.Assert(procs[0].Parameters[1].HasDefault, qt.IsTrue)
	c.Assert(procs[0].Parameters[1].DefaultValue, qt.DeepEquals, service.EncodeInt32(10))
	c.Assert(procs[1].Name, qt.Equals, "Locked")
	c.Assert(procs[1].ReturnType, qt.Equals, "")

	decoded := &message.Services{}
	c.Assert(decoded.Unmarshal(cat.Marshal()), qt.IsNil)
	c.Assert(decoded.Services[0].Procedures[0].Parameters[0].Name, qt.Equals, "a")
}

func TestResolve(t *testing.T) {
	c := qt.New(t)

	r := service.CreateRegistry()
	c.Assert(r.RegisterService(mathService()), qt.IsNil)

	proc, cont, err := r.Resolve(call("Math", "Add",
		message.Argument{Position: 1, Value: service.EncodeInt32(5)},
		message.Argument{Position: 0, Value: service.EncodeInt32(2)},
	))
	c.Assert(err, qt.IsNil)
	c.Assert(proc.Name, qt.Equals, "Add")

	value, err := cont.Run()
	c.Assert(err, qt.IsNil)
	sum, err := service.DecodeInt32(value)
	c.Assert(err, qt.IsNil)
	c.Assert(sum, qt.Equals, int32(7))
}

func TestResolveFillsDefaults(t *testing.T) {
	c := qt.New(t)

	r := service.CreateRegistry()
	c.Assert(r.RegisterService(mathService()), qt.IsNil)

	_, cont, err := r.Resolve(call("Math", "Add", message.Argument{Position: 0, Value: service.EncodeInt32(1)}))
	c.Assert(err, qt.IsNil)

	value, err := cont.Run()
	c.Assert(err, qt.IsNil)
	sum, _ := service.DecodeInt32(value)
	c.Assert(sum, qt.Equals, int32(11))
}

func TestResolveArgumentErrors(t *testing.T) {
	c := qt.New(t)

	r := service.CreateRegistry()
	c.Assert(r.RegisterService(mathService()), qt.IsNil)

	tests := []struct {
		about    string
		args     []message.Argument
		position uint32
	}{{
		about:    "missing argument without a default",
		args:     nil,
		position: 0,
	}, {
		about:    "position past the last parameter",
		args:     []message.Argument{{Position: 0, Value: service.EncodeInt32(1)}, {Position: 2, Value: service.EncodeInt32(1)}},
		position: 2,
	}, {
		about:    "same position twice",
		args:     []message.Argument{{Position: 0, Value: service.EncodeInt32(1)}, {Position: 0, Value: service.EncodeInt32(1)}},
		position: 0,
	}}

	for _, test := range tests {
		c.Run(test.about, func(c *qt.C) {
			_, _, err := r.Resolve(call("Math", "Add", test.args...))
			var argErr *simerrors.ArgumentError
			c.Assert(errors.As(err, &argErr), qt.IsTrue)
			c.Assert(argErr.Position, qt.Equals, test.position)
			c.Assert(argErr.Procedure, qt.Equals, "Math.Add")
		})
	}
}

func TestResolveUndecodableArgument(t *testing.T) {
	c := qt.New(t)

	r := service.CreateRegistry()
	c.Assert(r.RegisterService(mathService()), qt.IsNil)

	_, cont, err := r.Resolve(call("Math", "Add", message.Argument{Position: 0, Value: []byte{0xFF}}))
	c.Assert(err, qt.IsNil)

	_, err = continuation.Run("Math.Add", cont)
	var argErr *simerrors.ArgumentError
	c.Assert(errors.As(err, &argErr), qt.IsTrue)
	c.Assert(argErr.Position, qt.Equals, uint32(0))
}

func TestResolveUnavailable(t *testing.T) {
	c := qt.New(t)

	r := service.CreateRegistry()
	c.Assert(r.RegisterService(mathService()), qt.IsNil)

	_, _, err := r.Resolve(call("Math", "Locked"))
	var unavailable *simerrors.ProcedureUnavailable
	c.Assert(errors.As(err, &unavailable), qt.IsTrue)

	ctx := call("Math", "Locked")
	ctx.ClientName = "Admin"
	_, _, err = r.Resolve(ctx)
	c.Assert(err, qt.IsNil)
}
