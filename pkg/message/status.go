package message

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Status is a snapshot of server counters and settings.
type Status struct {
	Version             string
	BytesRead           uint64
	BytesWritten        uint64
	BytesReadRate       float32
	BytesWrittenRate    float32
	RPCsExecuted        uint64
	RPCRate             float32
	OneRPCPerUpdate     bool
	MaxTimePerUpdate    uint32
	AdaptiveRateControl bool
	BlockingRecv        bool
	RecvTimeout         uint32

	TimePerRPCUpdate     float32
	PollTimePerRPCUpdate float32
	ExecTimePerRPCUpdate float32

	StreamRPCs          uint32
	StreamRPCsExecuted  uint64
	StreamRPCRate       float32
	TimePerStreamUpdate float32
}

func (m *Status) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendVarint(b, 2, m.BytesRead)
	b = appendVarint(b, 3, m.BytesWritten)
	b = appendFloat(b, 4, m.BytesReadRate)
	b = appendFloat(b, 5, m.BytesWrittenRate)
	b = appendVarint(b, 6, m.RPCsExecuted)
	b = appendFloat(b, 7, m.RPCRate)
	b = appendBool(b, 8, m.OneRPCPerUpdate)
	b = appendVarint(b, 9, uint64(m.MaxTimePerUpdate))
	b = appendBool(b, 10, m.AdaptiveRateControl)
	b = appendBool(b, 11, m.BlockingRecv)
	b = appendVarint(b, 12, uint64(m.RecvTimeout))
	b = appendFloat(b, 13, m.TimePerRPCUpdate)
	b = appendFloat(b, 14, m.PollTimePerRPCUpdate)
	b = appendFloat(b, 15, m.ExecTimePerRPCUpdate)
	b = appendVarint(b, 16, uint64(m.StreamRPCs))
	b = appendVarint(b, 17, m.StreamRPCsExecuted)
	b = appendFloat(b, 18, m.StreamRPCRate)
	b = appendFloat(b, 19, m.TimePerStreamUpdate)
	return b
}

func (m *Status) Unmarshal(b []byte) error {
	*m = Status{}
	return walkFields("Status", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var (
			u   uint64
			f   float32
			n   int
			err error
		)

		switch num {
		case 1:
			m.Version, n, err = consumeString("Status::Version", typ, b)
		case 2, 3, 6, 9, 12, 16, 17:
			u, n, err = consumeVarint("Status::Counter", typ, b)
		case 8, 10, 11:
			u, n, err = consumeVarint("Status::Flag", typ, b)
		case 4, 5, 7, 13, 14, 15, 18, 19:
			f, n, err = consumeFloat("Status::Rate", typ, b)
		default:
			return -1, nil
		}
		if err != nil {
			return n, err
		}

		switch num {
		case 2:
			m.BytesRead = u
		case 3:
			m.BytesWritten = u
		case 4:
			m.BytesReadRate = f
		case 5:
			m.BytesWrittenRate = f
		case 6:
			m.RPCsExecuted = u
		case 7:
			m.RPCRate = f
		case 8:
			m.OneRPCPerUpdate = u != 0
		case 9:
			m.MaxTimePerUpdate = uint32(u)
		case 10:
			m.AdaptiveRateControl = u != 0
		case 11:
			m.BlockingRecv = u != 0
		case 12:
			m.RecvTimeout = uint32(u)
		case 13:
			m.TimePerRPCUpdate = f
		case 14:
			m.PollTimePerRPCUpdate = f
		case 15:
			m.ExecTimePerRPCUpdate = f
		case 16:
			m.StreamRPCs = uint32(u)
		case 17:
			m.StreamRPCsExecuted = u
		case 18:
			m.StreamRPCRate = f
		case 19:
			m.TimePerStreamUpdate = f
		}
		return n, nil
	})
}
