// Package transport wires together the datagram pool, codec, circuit
// registry, dispatcher and token buckets into the running relay: the
// UDP socket, the Inbound Pipeline, and the sender-tick Transport Loop
// described in spec.md §4.4/§4.6.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultReadBufferSize mirrors the teacher's 2MB default socket read
// buffer. Listen does not apply it: a SocketConfig size of 0 leaves the
// OS default in place.
const DefaultReadBufferSize = 2 * 1024 * 1024

// DefaultWriteBufferSize is the matching write buffer size, likewise
// not applied by Listen.
const DefaultWriteBufferSize = 2 * 1024 * 1024

// SocketStatistics tracks raw socket-level counters, independent of
// the per-circuit Statistics in internal/circuit.
type SocketStatistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Errors          uint64
}

// Socket wraps a UDP listening connection, grounded on
// internal/quantum/transport/conn.go's Conn: buffer-size configuration,
// RWMutex-guarded close state, and a Statistics snapshot. Unlike the
// teacher's one-remote-per-Conn model, every datagram here carries its
// own source/destination address since one socket multiplexes every
// circuit (spec §1: "multi-indexed circuit registry... under
// concurrent receipt").
type Socket struct {
	udpConn   *net.UDPConn
	localAddr *net.UDPAddr

	mu     sync.RWMutex
	closed bool
	stats  SocketStatistics
}

// SocketConfig configures the underlying UDP socket.
type SocketConfig struct {
	ReceiveBufferSize int // 0 => leave the OS default in place
	SendBufferSize    int
}

// Listen opens a UDP socket bound to address ("host:port").
func Listen(address string, cfg SocketConfig) (*Socket, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", address, err)
	}
	if cfg.ReceiveBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.ReceiveBufferSize); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: set read buffer: %w", err)
		}
	}
	if cfg.SendBufferSize > 0 {
		if err := conn.SetWriteBuffer(cfg.SendBufferSize); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: set write buffer: %w", err)
		}
	}
	return &Socket{udpConn: conn, localAddr: addr}, nil
}

// SendTo writes data to addr, updating send statistics.
func (s *Socket) SendTo(data []byte, addr *net.UDPAddr) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	n, err := s.udpConn.WriteToUDP(data, addr)
	if err != nil {
		s.mu.Lock()
		s.stats.Errors++
		s.mu.Unlock()
		return fmt.Errorf("transport: send to %s: %w", addr, err)
	}
	s.mu.Lock()
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(n)
	s.mu.Unlock()
	return nil
}

// ReceiveInto reads one datagram into buf, honoring ctx's deadline if
// it has one. It returns the number of bytes read and the source
// address.
func (s *Socket) ReceiveInto(ctx context.Context, buf []byte) (int, *net.UDPAddr, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, nil, ErrClosed
	}
	s.mu.RUnlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.udpConn.SetReadDeadline(deadline); err != nil {
			return 0, nil, fmt.Errorf("transport: set read deadline: %w", err)
		}
	} else {
		// No deadline: use a short rolling timeout so the read loop can
		// still observe ctx cancellation promptly (mirrors the
		// teacher's ReceivePacket, generalized since this socket has no
		// single fixed remote peer to block on).
		s.udpConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	}

	n, addr, err := s.udpConn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			default:
				return 0, nil, errTimeout
			}
		}
		s.mu.Lock()
		s.stats.Errors++
		s.mu.Unlock()
		return 0, nil, fmt.Errorf("transport: receive: %w", err)
	}
	s.mu.Lock()
	s.stats.PacketsReceived++
	s.stats.BytesReceived += uint64(n)
	s.mu.Unlock()
	return n, addr, nil
}

// ErrClosed is returned by SendTo/ReceiveInto once Close has run.
var ErrClosed = fmt.Errorf("transport: socket closed")

var errTimeout = fmt.Errorf("transport: read timeout")

// IsTimeout reports whether err is the sentinel ReceiveInto returns on
// an ordinary read-deadline expiry (not a real socket error).
func IsTimeout(err error) bool { return err == errTimeout }

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr { return s.localAddr }

// Statistics returns a snapshot of socket-level counters.
func (s *Socket) Statistics() SocketStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Close shuts down the socket. Safe to call more than once.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.udpConn.Close()
}
