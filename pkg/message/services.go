package message

import (
	"google.golang.org/protobuf/encoding/protowire"
)

type Parameter struct {
	Name         string
	Type         string
	DefaultValue []byte
	HasDefault   bool
}

func (m *Parameter) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.Type)
	b = appendBytes(b, 3, m.DefaultValue)
	b = appendBool(b, 4, m.HasDefault)
	return b
}

func (m *Parameter) Unmarshal(b []byte) error {
	*m = Parameter{}
	return walkFields("Parameter", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString("Parameter::Name", typ, b)
			m.Name = v
			return n, err
		case 2:
			v, n, err := consumeString("Parameter::Type", typ, b)
			m.Type = v
			return n, err
		case 3:
			v, n, err := consumeBytes("Parameter::DefaultValue", typ, b)
			m.DefaultValue = v
			return n, err
		case 4:
			v, n, err := consumeBool("Parameter::HasDefault", typ, b)
			m.HasDefault = v
			return n, err
		}
		return -1, nil
	})
}

type Procedure struct {
	Name          string
	Parameters    []Parameter
	ReturnType    string
	Documentation string
}

func (m *Procedure) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Name)
	for i := range m.Parameters {
		b = appendMessage(b, 2, &m.Parameters[i])
	}
	b = appendString(b, 3, m.ReturnType)
	b = appendString(b, 4, m.Documentation)
	return b
}

func (m *Procedure) Unmarshal(b []byte) error {
	*m = Procedure{}
	return walkFields("Procedure", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString("Procedure::Name", typ, b)
			m.Name = v
			return n, err
		case 2:
			param := Parameter{}
			n, err := consumeMessage("Procedure::Parameters", typ, b, &param)
			m.Parameters = append(m.Parameters, param)
			return n, err
		case 3:
			v, n, err := consumeString("Procedure::ReturnType", typ, b)
			m.ReturnType = v
			return n, err
		case 4:
			v, n, err := consumeString("Procedure::Documentation", typ, b)
			m.Documentation = v
			return n, err
		}
		return -1, nil
	})
}

type Service struct {
	Name          string
	Procedures    []Procedure
	Documentation string
}

func (m *Service) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Name)
	for i := range m.Procedures {
		b = appendMessage(b, 2, &m.Procedures[i])
	}
	b = appendString(b, 3, m.Documentation)
	return b
}

func (m *Service) Unmarshal(b []byte) error {
	*m = Service{}
	return walkFields("Service", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString("Service::Name", typ, b)
			m.Name = v
			return n, err
		case 2:
			proc := Procedure{}
			n, err := consumeMessage("Service::Procedures", typ, b, &proc)
			m.Procedures = append(m.Procedures, proc)
			return n, err
		case 3:
			v, n, err := consumeString("Service::Documentation", typ, b)
			m.Documentation = v
			return n, err
		}
		return -1, nil
	})
}

// Services is the catalogue returned by Core.GetServices.
type Services struct {
	Services []Service
}

func (m *Services) Marshal() []byte {
	var b []byte
	for i := range m.Services {
		b = appendMessage(b, 1, &m.Services[i])
	}
	return b
}

func (m *Services) Unmarshal(b []byte) error {
	*m = Services{}
	return walkFields("Services", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			svc := Service{}
			n, err := consumeMessage("Services::Services", typ, b, &svc)
			m.Services = append(m.Services, svc)
			return n, err
		}
		return -1, nil
	})
}
