package protocol

import (
	"bytes"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	simerrors "github.com/sessamekesh/simrpc/pkg/errors"
	"github.com/sessamekesh/simrpc/pkg/transport"
)

const (
	HelloHeaderLength      = 12
	ClientNameLength       = 32
	ClientIdentifierLength = 16

	RPCHelloLength    = HelloHeaderLength + ClientNameLength
	StreamHelloLength = HelloHeaderLength + ClientIdentifierLength

	DefaultHelloTimeout      = time.Second
	DefaultHelloPollInterval = 50 * time.Millisecond
)

var (
	// "HELLO-RPC" padded with NULs
	RPCHelloHeader = []byte{0x48, 0x45, 0x4C, 0x4C, 0x4F, 0x2D, 0x52, 0x50, 0x43, 0x00, 0x00, 0x00}
	// "HELLO-STREAM"
	StreamHelloHeader = []byte{0x48, 0x45, 0x4C, 0x4C, 0x4F, 0x2D, 0x53, 0x54, 0x52, 0x45, 0x41, 0x4D}

	StreamOKMessage = []byte{0x4F, 0x4B}
)

type helloParams struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
}

func (p helloParams) withDefaults() helloParams {
	if p.Timeout <= 0 {
		p.Timeout = DefaultHelloTimeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultHelloPollInterval
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	return p
}

// readHello polls stream until length bytes have arrived or the timeout
// elapses. It blocks the calling goroutine for at most the timeout.
func readHello(stream transport.ByteStream, protocol string, length int, params helloParams) ([]byte, error) {
	buf := make([]byte, length)
	read := 0
	deadline := params.Clock.Now().Add(params.Timeout)

	for {
		n, err := stream.Read(buf[read:])
		if err != nil {
			return nil, errors.Annotatef(err, "reading %s hello", protocol)
		}
		read += n
		if read == length {
			return buf, nil
		}

		if !params.Clock.Now().Before(deadline) {
			return nil, &simerrors.HelloTimeout{
				Protocol: protocol,
				Received: read,
				Expected: length,
			}
		}
		<-params.Clock.After(params.PollInterval)
	}
}

// ParseRPCHello validates an RPC hello and returns the client name. The
// name field is NUL padded: only NULs may follow the first NUL.
func ParseRPCHello(hello []byte) (string, error) {
	if len(hello) != RPCHelloLength || !bytes.Equal(hello[:HelloHeaderLength], RPCHelloHeader) {
		return "", &simerrors.InvalidHelloHeader{Protocol: "RPC", Header: headerOf(hello)}
	}

	raw := hello[HelloHeaderLength:]
	name := raw
	if end := bytes.IndexByte(raw, 0); end >= 0 {
		for _, b := range raw[end:] {
			if b != 0 {
				return "", &simerrors.InvalidClientName{Raw: raw}
			}
		}
		name = raw[:end]
	}

	if !utf8.Valid(name) {
		return "", &simerrors.InvalidClientName{Raw: raw}
	}
	return string(name), nil
}

// ParseStreamHello validates a stream hello and returns the identifier the
// RPC server handed out to the same client.
func ParseStreamHello(hello []byte) (uuid.UUID, error) {
	if len(hello) != StreamHelloLength || !bytes.Equal(hello[:HelloHeaderLength], StreamHelloHeader) {
		return uuid.Nil, &simerrors.InvalidHelloHeader{Protocol: "stream", Header: headerOf(hello)}
	}

	id, err := uuid.FromBytes(hello[HelloHeaderLength:])
	if err != nil {
		return uuid.Nil, &simerrors.InvalidClientIdentifier{Raw: hello[HelloHeaderLength:]}
	}
	return id, nil
}

func headerOf(hello []byte) []byte {
	if len(hello) > HelloHeaderLength {
		return hello[:HelloHeaderLength]
	}
	return hello
}

// EncodeRPCHello builds the preamble a client sends on its RPC connection.
func EncodeRPCHello(name string) ([]byte, error) {
	if len(name) > ClientNameLength {
		return nil, errors.NotValidf("client name longer than %d bytes", ClientNameLength)
	}
	if !utf8.ValidString(name) || bytes.IndexByte([]byte(name), 0) >= 0 {
		return nil, errors.NotValidf("client name %q", name)
	}

	hello := make([]byte, RPCHelloLength)
	copy(hello, RPCHelloHeader)
	copy(hello[HelloHeaderLength:], name)
	return hello, nil
}

// EncodeStreamHello builds the preamble a client sends on its stream
// connection.
func EncodeStreamHello(id uuid.UUID) []byte {
	hello := make([]byte, 0, StreamHelloLength)
	hello = append(hello, StreamHelloHeader...)
	return append(hello, id[:]...)
}
