package service

import (
	"math"
	"unicode/utf8"

	"github.com/juju/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Type names a value type in the procedure catalogue. Message types use
// the message name, e.g. "Status".
type Type string

const (
	TypeNone    Type = ""
	TypeBool    Type = "bool"
	TypeInt32   Type = "int32"
	TypeInt64   Type = "int64"
	TypeUint32  Type = "uint32"
	TypeUint64  Type = "uint64"
	TypeFloat   Type = "float"
	TypeDouble  Type = "double"
	TypeString  Type = "string"
	TypeBytes   Type = "bytes"
	TypeRequest Type = "Request"
)

// Values travel in the protocol buffers scalar encodings: varints for
// integers and bools, little-endian fixed width for floats, and a varint
// length prefix for strings and bytes.

func EncodeBool(v bool) []byte {
	return protowire.AppendVarint(nil, protowire.EncodeBool(v))
}

func EncodeInt32(v int32) []byte {
	return protowire.AppendVarint(nil, uint64(int64(v)))
}

func EncodeInt64(v int64) []byte {
	return protowire.AppendVarint(nil, uint64(v))
}

func EncodeUint32(v uint32) []byte {
	return protowire.AppendVarint(nil, uint64(v))
}

func EncodeUint64(v uint64) []byte {
	return protowire.AppendVarint(nil, v)
}

func EncodeFloat(v float32) []byte {
	return protowire.AppendFixed32(nil, math.Float32bits(v))
}

func EncodeDouble(v float64) []byte {
	return protowire.AppendFixed64(nil, math.Float64bits(v))
}

func EncodeString(v string) []byte {
	return protowire.AppendString(nil, v)
}

func EncodeBytes(v []byte) []byte {
	return protowire.AppendBytes(nil, v)
}

func decodeVarint(b []byte, typ Type) (uint64, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, errors.NotValidf("%s value: %v", typ, protowire.ParseError(n))
	}
	if n != len(b) {
		return 0, errors.NotValidf("%s value with %d trailing bytes", typ, len(b)-n)
	}
	return v, nil
}

func DecodeBool(b []byte) (bool, error) {
	v, err := decodeVarint(b, TypeBool)
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, errors.NotValidf("bool value %d", v)
	}
	return protowire.DecodeBool(v), nil
}

func DecodeInt32(b []byte) (int32, error) {
	v, err := decodeVarint(b, TypeInt32)
	if err != nil {
		return 0, err
	}
	if int64(v) < math.MinInt32 || int64(v) > math.MaxInt32 {
		return 0, errors.NotValidf("int32 value %d", int64(v))
	}
	return int32(v), nil
}

func DecodeInt64(b []byte) (int64, error) {
	v, err := decodeVarint(b, TypeInt64)
	return int64(v), err
}

func DecodeUint32(b []byte) (uint32, error) {
	v, err := decodeVarint(b, TypeUint32)
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, errors.NotValidf("uint32 value %d", v)
	}
	return uint32(v), nil
}

func DecodeUint64(b []byte) (uint64, error) {
	return decodeVarint(b, TypeUint64)
}

func DecodeFloat(b []byte) (float32, error) {
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 || n != len(b) {
		return 0, errors.NotValidf("float value of %d bytes", len(b))
	}
	return math.Float32frombits(v), nil
}

func DecodeDouble(b []byte) (float64, error) {
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 || n != len(b) {
		return 0, errors.NotValidf("double value of %d bytes", len(b))
	}
	return math.Float64frombits(v), nil
}

func DecodeBytes(b []byte) ([]byte, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, errors.NotValidf("bytes value: %v", protowire.ParseError(n))
	}
	if n != len(b) {
		return nil, errors.NotValidf("bytes value with %d trailing bytes", len(b)-n)
	}
	return append([]byte{}, v...), nil
}

func DecodeString(b []byte) (string, error) {
	v, err := DecodeBytes(b)
	if err != nil {
		return "", errors.Annotate(err, "string value")
	}
	if !utf8.Valid(v) {
		return "", errors.NotValidf("string value that is not UTF-8")
	}
	return string(v), nil
}
