package config

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultPort       = 8888
	DefaultCount      = 100
	DefaultDelay      = 100 * time.Millisecond
	DefaultPacketSize = 1024
	DefaultTimeout    = 1 * time.Second

	MinPacketSize = 64
	MaxPacketSize = 8192
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

type Transport string

const (
	Stream   Transport = "tcp"
	Datagram Transport = "udp"
)

// Config is the validated run configuration shared by both roles.
type Config struct {
	Role      Role
	Transport Transport
	IPv6      bool

	// Address is the server address in client mode and the bind address in
	// server mode (empty binds to any).
	Address string
	Port    int
	// Interface optionally pins the client source address to the first
	// address of the named link.
	Interface string

	// Count is the number of data packets sent by the client.
	Count int
	// Delay is the pause between packets; ignored when Rate is set.
	Delay time.Duration
	// Rate is the target send rate in packets per second.
	Rate int
	// PacketSize is the total wire size of a data packet in bytes.
	PacketSize int
	// Sync enables clock synchronization before the measurement.
	Sync bool

	// Timeout bounds the datagram client's wait for a reply.
	Timeout time.Duration
	// TOS is the IP type-of-service (traffic class on IPv6) for probe sockets.
	TOS int

	// Output is the CSV sample file; empty disables it.
	Output string
}

// Init fills zero values with defaults and clamps the packet size, then
// validates the result. Count is never defaulted.
func (c *Config) Init() error {
	if c.Role == "" {
		c.Role = RoleClient
	}

	if c.Transport == "" {
		c.Transport = Stream
	}

	if c.Port == 0 {
		c.Port = DefaultPort
	}

	if c.PacketSize == 0 {
		c.PacketSize = DefaultPacketSize
	}

	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}

	c.PacketSize = ClampPacketSize(c.PacketSize)

	return c.Validate()
}

func (c *Config) Validate() error {
	switch c.Role {
	case RoleServer, RoleClient:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown role %q", c.Role)
	}

	switch c.Transport {
	case Stream, Datagram:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown transport %q", c.Transport)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return errors.Wrapf(ErrInvalidConfig, "port %d out of range", c.Port)
	}

	if c.TOS < 0 || c.TOS > 255 {
		return errors.Wrapf(ErrInvalidConfig, "tos %d out of range [0, 255]", c.TOS)
	}

	if c.PacketSize < MinPacketSize || c.PacketSize > MaxPacketSize {
		return errors.Wrapf(ErrInvalidConfig, "packet size %d out of range [%d, %d]", c.PacketSize, MinPacketSize, MaxPacketSize)
	}

	if c.Role == RoleServer {
		return nil
	}

	if c.Address == "" {
		return errors.Wrap(ErrInvalidConfig, "client requires a server address")
	}

	if c.Count <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "packet count %d must be positive", c.Count)
	}

	if c.Delay < 0 {
		return errors.Wrapf(ErrInvalidConfig, "delay %v must not be negative", c.Delay)
	}

	if c.Rate < 0 {
		return errors.Wrapf(ErrInvalidConfig, "rate %d must not be negative", c.Rate)
	}

	if c.Timeout < 0 {
		return errors.Wrapf(ErrInvalidConfig, "timeout %v must not be negative", c.Timeout)
	}

	return nil
}

// Interval is the pause between two client packets. A configured rate takes
// precedence over the explicit delay.
func (c *Config) Interval() time.Duration {
	if c.Rate > 0 {
		return time.Duration(1000000/c.Rate) * time.Microsecond
	}
	return c.Delay
}

// Network returns the Go network name, e.g. "tcp4" or "udp6".
func (c *Config) Network() string {
	if c.IPv6 {
		return string(c.Transport) + "6"
	}
	return string(c.Transport) + "4"
}

// Endpoint is the host:port the client dials or the server binds.
func (c *Config) Endpoint() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Family is the printable address family.
func (c *Config) Family() string {
	if c.IPv6 {
		return "IPv6"
	}
	return "IPv4"
}

func ClampPacketSize(size int) int {
	if size < MinPacketSize {
		return MinPacketSize
	}
	if size > MaxPacketSize {
		return MaxPacketSize
	}
	return size
}
