package message

import (
	"google.golang.org/protobuf/encoding/protowire"
)

type Response struct {
	// Seconds since the Unix epoch on the host clock
	Time           float64
	Error          string
	ReturnValue    []byte
	HasReturnValue bool
}

func (m *Response) HasError() bool {
	return m.Error != ""
}

func (m *Response) Marshal() []byte {
	var b []byte
	b = appendDouble(b, 1, m.Time)
	b = appendString(b, 2, m.Error)
	b = appendBytes(b, 3, m.ReturnValue)
	b = appendBool(b, 4, m.HasReturnValue)
	return b
}

func (m *Response) Unmarshal(b []byte) error {
	*m = Response{}
	return walkFields("Response", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeDouble("Response::Time", typ, b)
			m.Time = v
			return n, err
		case 2:
			v, n, err := consumeString("Response::Error", typ, b)
			m.Error = v
			return n, err
		case 3:
			v, n, err := consumeBytes("Response::ReturnValue", typ, b)
			m.ReturnValue = v
			return n, err
		case 4:
			v, n, err := consumeBool("Response::HasReturnValue", typ, b)
			m.HasReturnValue = v
			return n, err
		}
		return -1, nil
	})
}

type StreamResult struct {
	ID       uint64
	Response *Response
}

func (m *StreamResult) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.ID)
	if m.Response != nil {
		b = appendMessage(b, 2, m.Response)
	}
	return b
}

func (m *StreamResult) Unmarshal(b []byte) error {
	*m = StreamResult{}
	return walkFields("StreamResult", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint("StreamResult::ID", typ, b)
			m.ID = v
			return n, err
		case 2:
			m.Response = &Response{}
			return consumeMessage("StreamResult::Response", typ, b, m.Response)
		}
		return -1, nil
	})
}

// StreamUpdate carries every changed stream result of one tick.
type StreamUpdate struct {
	Results []StreamResult
}

func (m *StreamUpdate) Marshal() []byte {
	var b []byte
	for i := range m.Results {
		b = appendMessage(b, 1, &m.Results[i])
	}
	return b
}

func (m *StreamUpdate) Unmarshal(b []byte) error {
	*m = StreamUpdate{}
	return walkFields("StreamUpdate", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			result := StreamResult{}
			n, err := consumeMessage("StreamUpdate::Results", typ, b, &result)
			m.Results = append(m.Results, result)
			return n, err
		}
		return -1, nil
	})
}
