package packet

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesAcrossSizes(t *testing.T) {
	for size := 64; size <= MaxSize; size++ {
		p, err := New(size)
		require.NoError(t, err)
		if !p.Validate() {
			t.Fatalf("fresh packet of size %d does not validate", size)
		}
		assert.Equal(t, uint32(size), p.PacketSize)
	}
}

func TestNewBelowHeaderSize(t *testing.T) {
	p, err := New(10)
	require.NoError(t, err)
	assert.Equal(t, uint32(HeaderSize), p.PacketSize)
	assert.Empty(t, p.Payload)
	assert.True(t, p.Validate())
}

func TestNewTooLarge(t *testing.T) {
	_, err := New(MaxSize + 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllocation))
}

func TestValidateDetectsEverySingleByteFlip(t *testing.T) {
	p, err := New(600)
	require.NoError(t, err)

	for i := range p.Payload {
		p.Payload[i] ^= 0xFF
		assert.False(t, p.Validate(), "flip at offset %d not detected", i)
		p.Payload[i] ^= 0xFF
	}
	assert.True(t, p.Validate())
}

func TestValidateRejectsBadSize(t *testing.T) {
	p, err := New(128)
	require.NoError(t, err)

	p.PacketSize = HeaderSize - 1
	assert.False(t, p.Validate())

	p.PacketSize = 129
	assert.False(t, p.Validate())

	var nilPacket *Packet
	assert.False(t, nilPacket.Validate())
}

func TestMarshalUnmarshal(t *testing.T) {
	p, err := New(256)
	require.NoError(t, err)
	p.SeqNum = 7
	p.ClientSend = 1000
	p.ServerRecv = 2000
	p.ServerSend = 2010
	p.ClientRecv = 3000

	buf := make([]byte, MaxSize)
	n, err := p.MarshalTo(buf)
	require.NoError(t, err)
	assert.Equal(t, 256, n)
	assert.Equal(t, 256, DeclaredSize(buf))

	var q Packet
	require.NoError(t, q.Unmarshal(buf[:n]))
	assert.Equal(t, p.Header, q.Header)
	assert.True(t, q.Validate())

	// the decoded payload must not alias buf
	buf[HeaderSize] = 0xAA
	assert.True(t, q.Validate())
}

func TestMarshalShortBuffer(t *testing.T) {
	p, err := New(128)
	require.NoError(t, err)

	_, err = p.MarshalTo(make([]byte, 100))
	assert.True(t, errors.Is(err, ErrShortBuffer))
}

func TestUnmarshalTruncatedPayloadFailsValidation(t *testing.T) {
	p, err := New(128)
	require.NoError(t, err)
	buf := make([]byte, 128)
	_, err = p.MarshalTo(buf)
	require.NoError(t, err)

	var q Packet
	require.NoError(t, q.Unmarshal(buf[:100]))
	assert.False(t, q.Validate())

	assert.Error(t, q.Unmarshal(buf[:HeaderSize-1]))
}

func TestSyncRange(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.True(t, IsSync(SyncSeq(i)))
	}
	assert.Equal(t, uint64(math.MaxUint64), SyncSeq(0))
	assert.True(t, IsSync(math.MaxUint64-20))
	assert.False(t, IsSync(math.MaxUint64-21))
	assert.False(t, IsSync(1))
	assert.False(t, IsSync(1<<40))
}
