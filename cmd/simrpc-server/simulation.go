package main

import (
	"sync/atomic"
	"time"

	"github.com/sessamekesh/simrpc/pkg/continuation"
	"github.com/sessamekesh/simrpc/pkg/service"
)

// simulation stands in for the host application: a fixed step world that
// clients can observe and pause.
type simulation struct {
	tick   uint64
	time   float64
	paused atomic.Bool
}

func (s *simulation) step(dt time.Duration) {
	if s.paused.Load() {
		return
	}
	s.tick++
	s.time += dt.Seconds()
}

func (s *simulation) service() service.ServiceDescriptor {
	return service.ServiceDescriptor{
		Name:          "Simulation",
		Documentation: "A fixed step world advanced by the host loop.",
		Procedures: []service.ProcedureDescriptor{
			{
				Name:          "GetTick",
				ReturnType:    service.TypeUint64,
				Documentation: "Number of steps simulated so far.",
				Handler: func(*service.CallContext, [][]byte) ([]byte, error) {
					return service.EncodeUint64(s.tick), nil
				},
			},
			{
				Name:          "GetTime",
				ReturnType:    service.TypeDouble,
				Documentation: "Simulated time in seconds.",
				Handler: func(*service.CallContext, [][]byte) ([]byte, error) {
					return service.EncodeDouble(s.time), nil
				},
			},
			{
				Name: "SetPaused",
				Parameters: []service.Parameter{
					{Name: "paused", Type: service.TypeBool},
				},
				Handler: func(ctx *service.CallContext, args [][]byte) ([]byte, error) {
					paused, err := service.DecodeBool(args[0])
					if err != nil {
						return nil, service.InvalidArgument(ctx, 0, err)
					}
					s.paused.Store(paused)
					return nil, nil
				},
			},
			{
				Name: "WaitTicks",
				Parameters: []service.Parameter{
					{Name: "ticks", Type: service.TypeUint32, Default: service.EncodeUint32(1), HasDefault: true},
				},
				ReturnType:    service.TypeUint64,
				Documentation: "Returns once the world has advanced the given number of steps.",
				Available: func(*service.CallContext) bool {
					return !s.paused.Load()
				},
				Handler: func(ctx *service.CallContext, args [][]byte) ([]byte, error) {
					ticks, err := service.DecodeUint32(args[0])
					if err != nil {
						return nil, service.InvalidArgument(ctx, 0, err)
					}
					target := s.tick + uint64(ticks)
					return nil, continuation.Yield(continuation.Until(
						func() bool { return s.tick >= target },
						continuation.Func(func() ([]byte, error) {
							return service.EncodeUint64(s.tick), nil
						}),
					))
				},
			},
		},
	}
}
