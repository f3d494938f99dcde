package forwarder

import (
	"context"
	"net"

	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
	"github.com/iwismer/rusty-timer-sub001/internal/uplink"
)

// TCPTransport dials the server's device port for the uplink.
type TCPTransport struct {
	ServerAddr string
}

func (t *TCPTransport) Dial(ctx context.Context) (uplink.Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", t.ServerAddr)
	if err != nil {
		return nil, err
	}
	return protocol.NewConn(c), nil
}
