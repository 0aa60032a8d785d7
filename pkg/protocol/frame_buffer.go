package protocol

import (
	stderrors "errors"

	"github.com/sessamekesh/simrpc/pkg/errors"
	"github.com/sessamekesh/simrpc/pkg/message"
	"github.com/sessamekesh/simrpc/pkg/transport"
)

const DefaultMaxMessageSize = 1 << 20

// FrameBuffer collects bytes from a stream until they form one complete
// length-delimited message. It holds at most one decoded message.
type FrameBuffer[M message.Message] struct {
	data       []byte
	newMessage func() M

	held    M
	hasHeld bool
}

func CreateFrameBuffer[M message.Message](capacity int, newMessage func() M) *FrameBuffer[M] {
	if capacity <= 0 {
		capacity = DefaultMaxMessageSize
	}
	return &FrameBuffer[M]{
		data:       make([]byte, 0, capacity),
		newMessage: newMessage,
	}
}

// Poll reads whatever the stream has and reports whether a complete message
// is now held. A malformed message or a full buffer with no complete
// message is an error; the buffer is reset and the connection should be
// dropped.
func (f *FrameBuffer[M]) Poll(stream transport.ByteStream) (bool, error) {
	if f.hasHeld {
		return true, nil
	}

	if ok, err := f.tryDecode(); ok || err != nil {
		return ok, err
	}

	if len(f.data) < cap(f.data) {
		n, err := stream.Read(f.data[len(f.data):cap(f.data)])
		if err != nil {
			return false, err
		}
		f.data = f.data[:len(f.data)+n]

		if ok, err := f.tryDecode(); ok || err != nil {
			return ok, err
		}
	}

	if len(f.data) == cap(f.data) {
		f.Reset()
		return false, &errors.BufferOverflow{Capacity: cap(f.data)}
	}
	return false, nil
}

func (f *FrameBuffer[M]) tryDecode() (bool, error) {
	if len(f.data) == 0 {
		return false, nil
	}

	msg := f.newMessage()
	consumed, err := message.ReadDelimited(f.data, msg)
	if err != nil {
		f.Reset()
		var malformed *errors.MalformedMessage
		if stderrors.As(err, &malformed) {
			return false, malformed
		}
		return false, &errors.MalformedMessage{MessageName: "Frame", Reason: err.Error()}
	}
	if consumed == 0 {
		return false, nil
	}

	remaining := copy(f.data, f.data[consumed:])
	f.data = f.data[:remaining]
	f.held = msg
	f.hasHeld = true
	return true, nil
}

// Next hands over the held message, if any.
func (f *FrameBuffer[M]) Next() (M, bool) {
	msg, ok := f.held, f.hasHeld
	var zero M
	f.held = zero
	f.hasHeld = false
	return msg, ok
}

// Buffered is the number of bytes waiting to form the next message.
func (f *FrameBuffer[M]) Buffered() int {
	return len(f.data)
}

func (f *FrameBuffer[M]) Reset() {
	f.data = f.data[:0]
	var zero M
	f.held = zero
	f.hasHeld = false
}
