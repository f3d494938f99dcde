package protocol

import (
	"net"
	"sync"
)

// Conn frames a net.Conn with the envelope codec. Reads belong to a single
// goroutine; writes are serialized internally so heartbeats and data can
// share the connection.
type Conn struct {
	nc  net.Conn
	dec *Decoder

	wmu sync.Mutex
	enc *Encoder
}

func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:  nc,
		dec: NewDecoder(nc),
		enc: NewEncoder(nc),
	}
}

func (c *Conn) Send(kind string, body any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(kind, body)
}

func (c *Conn) Recv() (*Envelope, error) {
	return c.dec.Decode()
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

// NetConn exposes the underlying connection for deadline control.
func (c *Conn) NetConn() net.Conn {
	return c.nc
}
