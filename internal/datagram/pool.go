// Package datagram provides pooled, fixed-capacity byte buffers shared
// between the inbound pipeline and the transport loop.
package datagram

import (
	"net"
	"sync"
)

// MaxBuffer is the largest datagram this pool will hand out or accept,
// matching the wire format's reserved constant (spec: max buffer = 4096).
const MaxBuffer = 4096

// Buffer is a reusable datagram carrier: a byte array of fixed capacity,
// a remote address, and a valid-length prefix. Buffers are pooled for
// receive and freshly allocated per outbound message; they are released
// back to the pool once the send (or decode) completes.
type Buffer struct {
	Data   []byte
	Addr   *net.UDPAddr
	Length int
}

// Bytes returns the valid prefix of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.Data[:b.Length]
}

// Pool hands out reusable Buffers to reduce GC pressure on the hot path.
type Pool struct {
	pool sync.Pool
}

// NewPool creates a new datagram buffer pool.
func NewPool() *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() interface{} {
				return &Buffer{Data: make([]byte, MaxBuffer)}
			},
		},
	}
}

// Get retrieves a zeroed-length buffer from the pool.
func (p *Pool) Get() *Buffer {
	buf := p.pool.Get().(*Buffer)
	buf.Length = 0
	buf.Addr = nil
	return buf
}

// Put returns a buffer to the pool.
func (p *Pool) Put(buf *Buffer) {
	if buf == nil {
		return
	}
	if cap(buf.Data) != MaxBuffer {
		return
	}
	buf.Addr = nil
	buf.Length = 0
	p.pool.Put(buf)
}

// global is the package-level pool for convenience, mirroring the
// teacher's package-level GetPacket/PutPacket helpers.
var global = NewPool()

// Get retrieves a buffer from the global pool.
func Get() *Buffer { return global.Get() }

// Put returns a buffer to the global pool.
func Put(buf *Buffer) { global.Put(buf) }
