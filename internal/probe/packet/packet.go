package packet

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the encoded size of Header: five 64-bit timestamps/sequence
	// fields followed by the 32-bit packet size.
	HeaderSize = 5*8 + 4

	// MaxSize is the largest packet either endpoint will allocate or accept.
	MaxSize = 8192

	sizeOffset = 40

	// syncRange is the number of sequence values below math.MaxUint64 reserved
	// for synchronization packets.
	syncRange = 20
)

var (
	ErrAllocation  = errors.New("packet allocation failed")
	ErrShortBuffer = errors.New("buffer too short")
)

// Header is the fixed part of the wire record. All fields are big endian.
type Header struct {
	SeqNum     uint64
	ClientSend uint64
	ServerRecv uint64
	ServerSend uint64
	ClientRecv uint64
	PacketSize uint32
}

// Packet is a header plus a separately owned payload of
// PacketSize-HeaderSize bytes.
type Packet struct {
	Header
	Payload []byte
}

// New allocates a packet of max(size, HeaderSize) bytes with a zeroed header
// and the payload pattern filled in. Sizes above MaxSize cannot be satisfied
// and return ErrAllocation.
func New(size int) (*Packet, error) {
	if size < HeaderSize {
		size = HeaderSize
	}

	if size > MaxSize {
		return nil, errors.Wrapf(ErrAllocation, "requested %d bytes, limit is %d", size, MaxSize)
	}

	p := &Packet{
		Header:  Header{PacketSize: uint32(size)},
		Payload: make([]byte, size-HeaderSize),
	}
	fill(p.Payload)

	return p, nil
}

// Validate reports whether the declared size is sane and every payload byte
// matches the pattern.
func (p *Packet) Validate() bool {
	if p == nil || p.PacketSize < HeaderSize {
		return false
	}

	if len(p.Payload) != int(p.PacketSize)-HeaderSize {
		return false
	}

	for i, b := range p.Payload {
		if b != byte(i%256) {
			return false
		}
	}

	return true
}

// MarshalTo writes the full record into buf and returns the number of bytes
// written, which is always PacketSize.
func (p *Packet) MarshalTo(buf []byte) (int, error) {
	n := int(p.PacketSize)
	if n < HeaderSize || len(p.Payload) != n-HeaderSize {
		return 0, errors.Errorf("packet size %d does not match payload length %d", n, len(p.Payload))
	}

	if len(buf) < n {
		return 0, errors.Wrapf(ErrShortBuffer, "need %d bytes, have %d", n, len(buf))
	}

	p.Header.Encode(buf)
	copy(buf[HeaderSize:n], p.Payload)

	return n, nil
}

// Unmarshal decodes buf into p. The payload is copied into p's own buffer so
// buf can be reused immediately. A payload whose length disagrees with the
// declared size is kept as received; Validate rejects it.
func (p *Packet) Unmarshal(buf []byte) error {
	h, err := DecodeHeader(buf)
	if err != nil {
		return err
	}

	p.Header = h
	p.Payload = append(p.Payload[:0], buf[HeaderSize:]...)

	return nil
}

// Encode writes the header into the first HeaderSize bytes of buf.
func (h *Header) Encode(buf []byte) {
	_ = buf[HeaderSize-1]
	binary.BigEndian.PutUint64(buf[0:8], h.SeqNum)
	binary.BigEndian.PutUint64(buf[8:16], h.ClientSend)
	binary.BigEndian.PutUint64(buf[16:24], h.ServerRecv)
	binary.BigEndian.PutUint64(buf[24:32], h.ServerSend)
	binary.BigEndian.PutUint64(buf[32:40], h.ClientRecv)
	binary.BigEndian.PutUint32(buf[sizeOffset:HeaderSize], h.PacketSize)
}

func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.Wrapf(ErrShortBuffer, "header needs %d bytes, have %d", HeaderSize, len(buf))
	}

	return Header{
		SeqNum:     binary.BigEndian.Uint64(buf[0:8]),
		ClientSend: binary.BigEndian.Uint64(buf[8:16]),
		ServerRecv: binary.BigEndian.Uint64(buf[16:24]),
		ServerSend: binary.BigEndian.Uint64(buf[24:32]),
		ClientRecv: binary.BigEndian.Uint64(buf[32:40]),
		PacketSize: binary.BigEndian.Uint32(buf[sizeOffset:HeaderSize]),
	}, nil
}

// DeclaredSize reads packet_size from an encoded header without decoding
// the rest. buf must hold at least HeaderSize bytes.
func DeclaredSize(buf []byte) int {
	return int(binary.BigEndian.Uint32(buf[sizeOffset:HeaderSize]))
}

// SyncSeq returns the sequence number tagging synchronization round i.
func SyncSeq(round int) uint64 {
	return math.MaxUint64 - uint64(round)
}

// IsSync reports whether seq falls in the reserved synchronization range.
func IsSync(seq uint64) bool {
	return seq >= math.MaxUint64-syncRange
}

func fill(payload []byte) {
	for i := range payload {
		payload[i] = byte(i % 256)
	}
}
