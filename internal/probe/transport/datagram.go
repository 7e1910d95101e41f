package transport

import (
	"net"
	"time"

	"github.com/DrC0ns0le/netprobe/internal/probe/packet"
	"github.com/pkg/errors"
)

// Datagram carries one complete packet per datagram. The client side wraps a
// connected socket and bounds every receive by timeout; the server side wraps
// an unconnected socket and replies to whoever sent the last datagram.
type Datagram struct {
	conn    net.Conn
	pconn   net.PacketConn
	peer    net.Addr
	timeout time.Duration
}

// NewDatagramClient wraps a connected datagram socket. A zero timeout waits
// forever.
func NewDatagramClient(conn net.Conn, timeout time.Duration) *Datagram {
	return &Datagram{
		conn:    conn,
		peer:    conn.RemoteAddr(),
		timeout: timeout,
	}
}

// NewDatagramServer wraps a listening datagram socket.
func NewDatagramServer(conn net.PacketConn) *Datagram {
	return &Datagram{pconn: conn}
}

func (d *Datagram) Send(buf []byte) error {
	if d.conn != nil {
		_, err := d.conn.Write(buf)
		return classify(err, "datagram write")
	}

	if d.peer == nil {
		return errors.New("datagram write: no peer to reply to")
	}

	_, err := d.pconn.WriteTo(buf, d.peer)
	return classify(err, "datagram write")
}

func (d *Datagram) Receive(buf []byte) (int, error) {
	if err := d.arm(); err != nil {
		return 0, err
	}
	return d.read(buf)
}

// ReceiveFresh reads until a datagram that stale does not reject arrives,
// dropping the others. On the client side one deadline covers the whole wait.
// It returns the packet length and the number of dropped datagrams.
func (d *Datagram) ReceiveFresh(buf []byte, stale func([]byte) bool) (int, int, error) {
	if err := d.arm(); err != nil {
		return 0, 0, err
	}

	dropped := 0
	for {
		n, err := d.read(buf)
		if err != nil {
			return 0, dropped, err
		}
		if stale(buf[:n]) {
			dropped++
			continue
		}
		return n, dropped, nil
	}
}

// arm sets the client read deadline for the next wait.
func (d *Datagram) arm() error {
	if d.conn == nil || d.timeout <= 0 {
		return nil
	}
	return classify(d.conn.SetReadDeadline(time.Now().Add(d.timeout)), "datagram deadline")
}

func (d *Datagram) read(buf []byte) (int, error) {
	var (
		n   int
		err error
	)

	if d.conn != nil {
		n, err = d.conn.Read(buf)
	} else {
		var from net.Addr
		n, from, err = d.pconn.ReadFrom(buf)
		if err == nil {
			d.peer = from
		}
	}

	if err != nil {
		return 0, classify(err, "datagram read")
	}

	if n < packet.HeaderSize {
		return 0, errors.Wrapf(ErrFrameSize, "datagram of %d bytes is shorter than the header", n)
	}

	if size := packet.DeclaredSize(buf); size != n {
		return 0, errors.Wrapf(ErrFrameSize, "datagram of %d bytes declares %d", n, size)
	}

	return n, nil
}

func (d *Datagram) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return d.pconn.Close()
}

// Peer is the remote address of the last received datagram (server) or the
// connected remote (client).
func (d *Datagram) Peer() net.Addr {
	return d.peer
}
