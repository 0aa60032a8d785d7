package core

import (
	"github.com/juju/errors"
	"github.com/sessamekesh/simrpc/pkg/message"
	"github.com/sessamekesh/simrpc/pkg/service"
)

const CoreServiceName = "Core"

const (
	typeStatus   service.Type = "Status"
	typeServices service.Type = "Services"
)

// coreService describes the server to its clients and manages their
// stream registrations.
func coreService(c *Core) service.ServiceDescriptor {
	return service.ServiceDescriptor{
		Name:          CoreServiceName,
		Documentation: "Server status, the procedure catalogue and stream registrations.",
		Procedures: []service.ProcedureDescriptor{
			{
				Name:          "Ping",
				Documentation: "Does nothing. Useful for measuring round trip time.",
				Handler: func(*service.CallContext, [][]byte) ([]byte, error) {
					return nil, nil
				},
			},
			{
				Name:          "GetStatus",
				ReturnType:    typeStatus,
				Documentation: "Server counters and dispatch settings.",
				Handler: func(*service.CallContext, [][]byte) ([]byte, error) {
					return c.Status().Marshal(), nil
				},
			},
			{
				Name:          "GetServices",
				ReturnType:    typeServices,
				Documentation: "Every service and procedure the server offers.",
				Handler: func(*service.CallContext, [][]byte) ([]byte, error) {
					return c.registry.Catalogue().Marshal(), nil
				},
			},
			{
				Name:          "GetClientID",
				ReturnType:    service.TypeBytes,
				Documentation: "The identifier assigned to the calling client.",
				Handler: func(ctx *service.CallContext, _ [][]byte) ([]byte, error) {
					return service.EncodeBytes(ctx.ClientID[:]), nil
				},
			},
			{
				Name:          "GetClientName",
				ReturnType:    service.TypeString,
				Documentation: "The name the calling client gave in its hello.",
				Handler: func(ctx *service.CallContext, _ [][]byte) ([]byte, error) {
					return service.EncodeString(ctx.ClientName), nil
				},
			},
			{
				Name: "AddStream",
				Parameters: []service.Parameter{
					{Name: "call", Type: service.TypeRequest},
					{Name: "start", Type: service.TypeBool, Default: service.EncodeBool(true), HasDefault: true},
				},
				ReturnType:    service.TypeUint64,
				Documentation: "Executes call every update and pushes changed results over the stream connection.",
				Handler: func(ctx *service.CallContext, args [][]byte) ([]byte, error) {
					raw, err := service.DecodeBytes(args[0])
					if err != nil {
						return nil, service.InvalidArgument(ctx, 0, err)
					}
					call := &message.Request{}
					if err := call.Unmarshal(raw); err != nil {
						return nil, service.InvalidArgument(ctx, 0, err)
					}
					start, err := service.DecodeBool(args[1])
					if err != nil {
						return nil, service.InvalidArgument(ctx, 1, err)
					}

					id, err := c.AddStream(ctx.ClientID, call, start)
					if err != nil {
						return nil, errors.Trace(err)
					}
					return service.EncodeUint64(id), nil
				},
			},
			{
				Name: "StartStream",
				Parameters: []service.Parameter{
					{Name: "id", Type: service.TypeUint64},
				},
				Documentation: "Starts a stream added with start set to false.",
				Handler: func(ctx *service.CallContext, args [][]byte) ([]byte, error) {
					id, err := service.DecodeUint64(args[0])
					if err != nil {
						return nil, service.InvalidArgument(ctx, 0, err)
					}
					return nil, c.StartStream(ctx.ClientID, id)
				},
			},
			{
				Name: "SetStreamRate",
				Parameters: []service.Parameter{
					{Name: "id", Type: service.TypeUint64},
					{Name: "rate", Type: service.TypeFloat},
				},
				Documentation: "Limits a stream to rate executions per second. Zero executes it every update.",
				Handler: func(ctx *service.CallContext, args [][]byte) ([]byte, error) {
					id, err := service.DecodeUint64(args[0])
					if err != nil {
						return nil, service.InvalidArgument(ctx, 0, err)
					}
					rate, err := service.DecodeFloat(args[1])
					if err != nil {
						return nil, service.InvalidArgument(ctx, 1, err)
					}
					return nil, c.SetStreamRate(ctx.ClientID, id, float64(rate))
				},
			},
			{
				Name: "RemoveStream",
				Parameters: []service.Parameter{
					{Name: "id", Type: service.TypeUint64},
				},
				Documentation: "Removes a stream. Unknown ids are ignored.",
				Handler: func(ctx *service.CallContext, args [][]byte) ([]byte, error) {
					id, err := service.DecodeUint64(args[0])
					if err != nil {
						return nil, service.InvalidArgument(ctx, 0, err)
					}
					c.RemoveStream(ctx.ClientID, id)
					return nil, nil
				},
			},
		},
	}
}
