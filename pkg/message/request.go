package message

import (
	"github.com/sessamekesh/simrpc/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

type Argument struct {
	Position uint32
	Value    []byte
}

func (m *Argument) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Position))
	b = appendBytes(b, 2, m.Value)
	return b
}

func (m *Argument) Unmarshal(b []byte) error {
	*m = Argument{}
	return walkFields("Argument", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint("Argument::Position", typ, b)
			if v > 0xFFFFFFFF {
				return 0, &errors.MalformedMessage{MessageName: "Argument::Position", Reason: "position overflows uint32"}
			}
			m.Position = uint32(v)
			return n, err
		case 2:
			v, n, err := consumeBytes("Argument::Value", typ, b)
			m.Value = v
			return n, err
		}
		return -1, nil
	})
}

// Request invokes one procedure. Service and Procedure are required.
type Request struct {
	Service   string
	Procedure string
	Arguments []Argument
}

func (m *Request) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Service)
	b = appendString(b, 2, m.Procedure)
	for i := range m.Arguments {
		b = appendMessage(b, 3, &m.Arguments[i])
	}
	return b
}

func (m *Request) Unmarshal(b []byte) error {
	*m = Request{}
	err := walkFields("Request", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString("Request::Service", typ, b)
			m.Service = v
			return n, err
		case 2:
			v, n, err := consumeString("Request::Procedure", typ, b)
			m.Procedure = v
			return n, err
		case 3:
			arg := Argument{}
			n, err := consumeMessage("Request::Arguments", typ, b, &arg)
			m.Arguments = append(m.Arguments, arg)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return err
	}

	if m.Service == "" {
		return &errors.MalformedMessage{MessageName: "Request", Reason: "missing service name"}
	}
	if m.Procedure == "" {
		return &errors.MalformedMessage{MessageName: "Request", Reason: "missing procedure name"}
	}
	return nil
}

// FullName is the Service.Procedure form used in logs and metrics.
func (m *Request) FullName() string {
	return m.Service + "." + m.Procedure
}
