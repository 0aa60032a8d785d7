// Package service is the procedure catalogue: an explicit table of services
// and procedures that requests are resolved against.
package service

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/sessamekesh/simrpc/pkg/continuation"
	simerrors "github.com/sessamekesh/simrpc/pkg/errors"
	"github.com/sessamekesh/simrpc/pkg/message"
)

// CallContext describes the call being executed. It is handed to every
// handler instead of being kept in globals.
type CallContext struct {
	ClientID      uuid.UUID
	ClientName    string
	ClientAddress string
	Request       *message.Request
}

// Handler receives one encoded value per declared parameter, defaults
// already filled in, and returns the encoded return value. It may return
// continuation.Yield to finish on a later tick.
type Handler func(ctx *CallContext, args [][]byte) ([]byte, error)

type Parameter struct {
	Name       string
	Type       Type
	Default    []byte
	HasDefault bool
}

type ProcedureDescriptor struct {
	Name          string
	Parameters    []Parameter
	ReturnType    Type
	Documentation string

	// Nil means always available
	Available func(ctx *CallContext) bool
	Handler   Handler
}

func (p *ProcedureDescriptor) HasReturnValue() bool {
	return p.ReturnType != TypeNone
}

type ServiceDescriptor struct {
	Name          string
	Documentation string
	Procedures    []ProcedureDescriptor
}

type Registry struct {
	mut_services sync.RWMutex
	services     map[string]*ServiceDescriptor
	procedures   map[string]map[string]*ProcedureDescriptor
}

func CreateRegistry() *Registry {
	return &Registry{
		services:   make(map[string]*ServiceDescriptor),
		procedures: make(map[string]map[string]*ProcedureDescriptor),
	}
}

func validateProcedure(service string, proc *ProcedureDescriptor) error {
	if proc.Name == "" {
		return errors.NotValidf("procedure without a name in service %s", service)
	}
	if proc.Handler == nil {
		return errors.NotValidf("procedure %s.%s without a handler", service, proc.Name)
	}

	seenDefault := false
	for _, param := range proc.Parameters {
		if param.HasDefault {
			seenDefault = true
		} else if seenDefault {
			return errors.NotValidf("procedure %s.%s parameter %s without a default after one with a default", service, proc.Name, param.Name)
		}
	}
	return nil
}

func (r *Registry) RegisterService(desc ServiceDescriptor) error {
	if desc.Name == "" {
		return errors.NotValidf("service without a name")
	}

	procedures := make(map[string]*ProcedureDescriptor, len(desc.Procedures))
	for i := range desc.Procedures {
		proc := &desc.Procedures[i]
		if err := validateProcedure(desc.Name, proc); err != nil {
			return err
		}
		if _, has := procedures[proc.Name]; has {
			return &simerrors.NameCollision{CollisionContext: "service " + desc.Name, Name: proc.Name}
		}
		procedures[proc.Name] = proc
	}

	r.mut_services.Lock()
	defer r.mut_services.Unlock()

	if _, has := r.services[desc.Name]; has {
		return &simerrors.NameCollision{CollisionContext: "services", Name: desc.Name}
	}
	r.services[desc.Name] = &desc
	r.procedures[desc.Name] = procedures
	return nil
}

func (r *Registry) Lookup(service, procedure string) (*ProcedureDescriptor, error) {
	r.mut_services.RLock()
	defer r.mut_services.RUnlock()

	procedures, has := r.procedures[service]
	if !has {
		return nil, &simerrors.UnknownService{Service: service}
	}
	proc, has := procedures[procedure]
	if !has {
		return nil, &simerrors.UnknownProcedure{Service: service, Procedure: procedure}
	}
	return proc, nil
}

// Services returns the registered services sorted by name.
func (r *Registry) Services() []ServiceDescriptor {
	r.mut_services.RLock()
	defer r.mut_services.RUnlock()

	services := make([]ServiceDescriptor, 0, len(r.services))
	for _, svc := range r.services {
		services = append(services, *svc)
	}
	sort.Slice(services, func(i, j int) bool {
		return services[i].Name < services[j].Name
	})
	return services
}

// Catalogue describes every service and procedure for clients that build
// their stubs at runtime.
func (r *Registry) Catalogue() *message.Services {
	catalogue := &message.Services{}
	for _, svc := range r.Services() {
		msg := message.Service{Name: svc.Name, Documentation: svc.Documentation}

		procs := append([]ProcedureDescriptor{}, svc.Procedures...)
		sort.Slice(procs, func(i, j int) bool {
			return procs[i].Name < procs[j].Name
		})

		for _, proc := range procs {
			procMsg := message.Procedure{
				Name:          proc.Name,
				ReturnType:    string(proc.ReturnType),
				Documentation: proc.Documentation,
			}
			for _, param := range proc.Parameters {
				procMsg.Parameters = append(procMsg.Parameters, message.Parameter{
					Name:         param.Name,
					Type:         string(param.Type),
					DefaultValue: param.Default,
					HasDefault:   param.HasDefault,
				})
			}
			msg.Procedures = append(msg.Procedures, procMsg)
		}
		catalogue.Services = append(catalogue.Services, msg)
	}
	return catalogue
}

// Resolve checks ctx.Request against the catalogue and returns the
// procedure together with a continuation that runs it.
func (r *Registry) Resolve(ctx *CallContext) (*ProcedureDescriptor, continuation.Continuation, error) {
	req := ctx.Request
	proc, err := r.Lookup(req.Service, req.Procedure)
	if err != nil {
		return nil, nil, err
	}

	if proc.Available != nil && !proc.Available(ctx) {
		return nil, nil, &simerrors.ProcedureUnavailable{Service: req.Service, Procedure: req.Procedure}
	}

	args, err := bindArguments(req, proc)
	if err != nil {
		return nil, nil, err
	}

	return proc, continuation.Func(func() ([]byte, error) {
		return proc.Handler(ctx, args)
	}), nil
}

func bindArguments(req *message.Request, proc *ProcedureDescriptor) ([][]byte, error) {
	args := make([][]byte, len(proc.Parameters))
	given := make([]bool, len(proc.Parameters))

	for _, arg := range req.Arguments {
		if int(arg.Position) >= len(proc.Parameters) {
			return nil, &simerrors.ArgumentError{
				Procedure: req.FullName(),
				Position:  arg.Position,
				Reason:    "position out of range",
			}
		}
		if given[arg.Position] {
			return nil, &simerrors.ArgumentError{
				Procedure: req.FullName(),
				Position:  arg.Position,
				Reason:    "given more than once",
			}
		}
		args[arg.Position] = arg.Value
		given[arg.Position] = true
	}

	for i, param := range proc.Parameters {
		if given[i] {
			continue
		}
		if !param.HasDefault {
			return nil, &simerrors.ArgumentError{
				Procedure: req.FullName(),
				Position:  uint32(i),
				Reason:    "missing value for " + param.Name,
			}
		}
		args[i] = param.Default
	}
	return args, nil
}

// InvalidArgument reports a value the handler could not decode.
func InvalidArgument(ctx *CallContext, position int, err error) error {
	return &simerrors.ArgumentError{
		Procedure: ctx.Request.FullName(),
		Position:  uint32(position),
		Reason:    err.Error(),
	}
}
