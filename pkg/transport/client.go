package transport

// ByteClient is one connection seen by a byte server.
type ByteClient interface {
	// Short random tag used to tell connections apart in logs
	Tag() string
	Address() string
	Connected() bool
	Stream() ByteStream
	Close() error
}

type byteClient struct {
	tag     string
	address string
	stream  ByteStream
}

func (c *byteClient) Tag() string {
	return c.tag
}

func (c *byteClient) Address() string {
	return c.address
}

func (c *byteClient) Connected() bool {
	return c.stream.Connected()
}

func (c *byteClient) Stream() ByteStream {
	return c.stream
}

func (c *byteClient) Close() error {
	return c.stream.Close()
}
