package transport

import (
	"context"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

var ErrNoSourceAddr = errors.New("no usable source address")

// DialOptions tune the client socket.
type DialOptions struct {
	// Interface pins the local address to the named link.
	Interface string
	// TOS sets the IPv4 type-of-service or IPv6 traffic class when non-zero.
	TOS int
	// Timeout bounds connection setup.
	Timeout time.Duration
}

// Listen opens the stream listener with SO_REUSEADDR so a restarted server
// can rebind while old connections sit in TIME_WAIT.
func Listen(ctx context.Context, network, address string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}

	l, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s %s", network, address)
	}
	return l, nil
}

// ListenPacket opens the datagram server socket.
func ListenPacket(ctx context.Context, network, address string, tos int) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}

	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s %s", network, address)
	}

	if tos > 0 {
		if err := setPacketTOS(pc, network, tos); err != nil {
			pc.Close()
			return nil, err
		}
	}

	return pc, nil
}

// Dial connects the client socket. For datagram networks the socket is
// connected so only replies from the server are delivered.
func Dial(ctx context.Context, network, address string, opts DialOptions) (net.Conn, error) {
	dialer := net.Dialer{Timeout: opts.Timeout}

	if opts.Interface != "" {
		ip, err := SourceAddr(opts.Interface, strings.HasSuffix(network, "6"))
		if err != nil {
			return nil, err
		}
		if isDatagram(network) {
			dialer.LocalAddr = &net.UDPAddr{IP: ip}
		} else {
			dialer.LocalAddr = &net.TCPAddr{IP: ip}
		}
	}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s %s", network, address)
	}

	if opts.TOS > 0 {
		if err := setConnTOS(conn, network, opts.TOS); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return conn, nil
}

// New wraps a dialed connection in the transport matching its network.
func New(conn net.Conn, network string, timeout time.Duration) Transport {
	if isDatagram(network) {
		return NewDatagramClient(conn, timeout)
	}
	return NewStream(conn)
}

// SourceAddr returns the first global unicast address of the given family
// configured on iface.
func SourceAddr(iface string, v6 bool) (net.IP, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup link %s", iface)
	}

	family := netlink.FAMILY_V4
	if v6 {
		family = netlink.FAMILY_V6
	}

	addrs, err := netlink.AddrList(link, family)
	if err != nil {
		return nil, errors.Wrapf(err, "list addresses on %s", iface)
	}

	for _, addr := range addrs {
		if addr.IP.IsLinkLocalUnicast() {
			continue
		}
		return addr.IP, nil
	}

	return nil, errors.Wrapf(ErrNoSourceAddr, "link %s", iface)
}

func isDatagram(network string) bool {
	return strings.HasPrefix(network, "udp")
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func setPacketTOS(pc net.PacketConn, network string, tos int) error {
	var err error
	if strings.HasSuffix(network, "6") {
		err = ipv6.NewPacketConn(pc).SetTrafficClass(tos)
	} else {
		err = ipv4.NewPacketConn(pc).SetTOS(tos)
	}
	return errors.Wrapf(err, "set tos %d", tos)
}

func setConnTOS(conn net.Conn, network string, tos int) error {
	var err error
	if strings.HasSuffix(network, "6") {
		err = ipv6.NewConn(conn).SetTrafficClass(tos)
	} else {
		err = ipv4.NewConn(conn).SetTOS(tos)
	}
	return errors.Wrapf(err, "set tos %d", tos)
}
