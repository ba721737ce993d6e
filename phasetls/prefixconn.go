package phasetls

import "net"

// prefixConn replays a fixed prefix before delegating reads to the
// underlying connection. Used to hand crypto/tls's real handshake the exact
// ClientHello record bytes the clienthello reader already consumed off the
// wire while inspecting it structurally (spec §4.6: the proxy reads the
// ClientHello itself before running any cryptography).
type prefixConn struct {
	net.Conn
	prefix []byte
}

func newPrefixConn(c net.Conn, prefix []byte) *prefixConn {
	return &prefixConn{Conn: c, prefix: prefix}
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
