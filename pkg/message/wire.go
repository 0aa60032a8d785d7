// Package message holds the messages exchanged with RPC and stream clients,
// encoded in the protocol buffers wire format.
package message

import (
	"io"
	"math"
	"unicode/utf8"

	"github.com/sessamekesh/simrpc/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Longest valid varint
const maxVarintLen = 10

type Message interface {
	Marshal() []byte
	Unmarshal(b []byte) error
}

// AppendDelimited appends msg to buf prefixed with its varint length.
func AppendDelimited(buf []byte, msg Message) []byte {
	return protowire.AppendBytes(buf, msg.Marshal())
}

// ReadDelimited decodes one length-prefixed message from the front of buf
// into msg. A zero consumed count with a nil error means buf does not yet
// hold a complete message.
func ReadDelimited(buf []byte, msg Message) (int, error) {
	headerLen := 0
	for ; headerLen < len(buf) && headerLen < maxVarintLen; headerLen++ {
		if buf[headerLen] < 0x80 {
			break
		}
	}
	if headerLen == maxVarintLen {
		return 0, &errors.MalformedMessage{
			MessageName: "Delimited::Length",
			Reason:      "length prefix is longer than 10 bytes",
		}
	}
	if headerLen == len(buf) {
		return 0, nil
	}

	size, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, &errors.MalformedMessage{
			MessageName: "Delimited::Length",
			Reason:      protowire.ParseError(n).Error(),
		}
	}
	if size > uint64(len(buf)-n) {
		return 0, nil
	}

	end := n + int(size)
	if err := msg.Unmarshal(buf[n:end]); err != nil {
		return 0, err
	}
	return end, nil
}

//
// Decoding helpers

// parseError converts a negative protowire length for a value of type typ
// at the front of b. Truncation reports how many bytes the value needs.
func parseError(name string, n int, typ protowire.Type, b []byte) error {
	err := protowire.ParseError(n)
	if err == io.ErrUnexpectedEOF {
		return &errors.Underflow{MessageName: name, MsgSize: len(b), MinimumSize: minimumSize(typ, b)}
	}
	return &errors.MalformedMessage{MessageName: name, Reason: err.Error()}
}

func minimumSize(typ protowire.Type, b []byte) int {
	switch typ {
	case protowire.Fixed32Type:
		return 4
	case protowire.Fixed64Type:
		return 8
	case protowire.BytesType:
		size, n := protowire.ConsumeVarint(b)
		if n > 0 && size <= uint64(math.MaxInt32) {
			return n + int(size)
		}
	}
	// Varints and length prefixes need at least one more byte
	return len(b) + 1
}

func wrongType(name string, typ protowire.Type) error {
	return &errors.MalformedMessage{
		MessageName: name,
		Reason:      "unexpected wire type " + wireTypeName(typ),
	}
}

func wireTypeName(typ protowire.Type) string {
	switch typ {
	case protowire.VarintType:
		return "varint"
	case protowire.Fixed32Type:
		return "fixed32"
	case protowire.Fixed64Type:
		return "fixed64"
	case protowire.BytesType:
		return "bytes"
	case protowire.StartGroupType, protowire.EndGroupType:
		return "group"
	}
	return "invalid"
}

// walkFields calls field once per field in b. field returns how many bytes
// of the value it consumed, or -1 to have the value skipped as unknown.
func walkFields(name string, b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseError(name, n, protowire.VarintType, b)
		}
		b = b[n:]

		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			if typ == protowire.StartGroupType || typ == protowire.EndGroupType {
				return wrongType(name, typ)
			}
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return parseError(name, m, typ, b)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(name string, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wrongType(name, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, parseError(name, n, typ, b)
	}
	return v, n, nil
}

func consumeBool(name string, typ protowire.Type, b []byte) (bool, int, error) {
	v, n, err := consumeVarint(name, typ, b)
	return v != 0, n, err
}

func consumeFixed32(name string, typ protowire.Type, b []byte) (uint32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, wrongType(name, typ)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, parseError(name, n, typ, b)
	}
	return v, n, nil
}

func consumeFloat(name string, typ protowire.Type, b []byte) (float32, int, error) {
	v, n, err := consumeFixed32(name, typ, b)
	return math.Float32frombits(v), n, err
}

func consumeDouble(name string, typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, wrongType(name, typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, parseError(name, n, typ, b)
	}
	return math.Float64frombits(v), n, nil
}

// consumeBytes copies the value out, since callers reuse their buffers.
func consumeBytes(name string, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wrongType(name, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, parseError(name, n, typ, b)
	}
	return append([]byte{}, v...), n, nil
}

func consumeString(name string, typ protowire.Type, b []byte) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, wrongType(name, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return "", 0, parseError(name, n, typ, b)
	}
	if !utf8.Valid(v) {
		return "", 0, &errors.MalformedMessage{MessageName: name, Reason: "string is not valid UTF-8"}
	}
	return string(v), n, nil
}

func consumeMessage(name string, typ protowire.Type, b []byte, msg Message) (int, error) {
	if typ != protowire.BytesType {
		return 0, wrongType(name, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, parseError(name, n, typ, b)
	}
	return n, msg.Unmarshal(v)
}

//
// Encoding helpers, zero values are omitted

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// appendMessage always writes the field, so an empty nested message is
// still distinguishable from an absent one.
func appendMessage(b []byte, num protowire.Number, msg Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg.Marshal())
}
