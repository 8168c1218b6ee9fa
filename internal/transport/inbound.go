package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	guuid "github.com/Lzww0608/GUUID"
	"go.uber.org/zap"

	"github.com/novagrid/relay/internal/datagram"
	"github.com/novagrid/relay/internal/dispatch"
	"github.com/novagrid/relay/internal/wire"
)

// readLoop is the single goroutine permitted to call ReadFromUDP
// (spec §5: "I/O threads never block on application state" — the
// blocking read itself lives here; everything after decode runs on the
// worker pool so this loop is free to go straight back to the socket).
func (t *Transport) readLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-t.closeSignal:
			return
		default:
		}

		buf := datagram.Get()
		n, addr, err := t.socket.ReceiveInto(ctx, buf.Data)
		if err != nil {
			datagram.Put(buf)
			if IsTimeout(err) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			t.logger.Warn("socket receive error", zap.Error(err))
			continue
		}
		buf.Length = n
		buf.Addr = addr

		if !t.ioPool.TrySubmit(func() {
			defer datagram.Put(buf)
			t.processDatagram(buf.Bytes(), buf.Addr)
		}) {
			datagram.Put(buf)
			t.metrics.QueueDropped.WithLabelValues("io_pool").Inc()
			t.logger.Warn("io pool saturated, dropping datagram", zap.String("addr", addr.String()))
		}
	}
}

// processDatagram implements the seven-step Inbound Pipeline (spec
// §4.4), running on an I/O-completion worker goroutine.
func (t *Transport) processDatagram(data []byte, addr *net.UDPAddr) {
	t.metrics.RecordReceive(len(data))

	dg, err := wire.Decode(data)
	if err != nil {
		t.metrics.MalformedDropped.Inc()
		t.logger.Error("malformed datagram", zap.Error(err), zap.String("addr", addr.String()))
		return
	}

	kind := dg.Kind()

	if kind == wire.KindUseCircuitCode {
		t.handleUseCircuitCode(dg, addr)
		return
	}

	c, ok := t.manager.Registry.ByAddr(addr)
	if !ok || !c.Connected() {
		t.metrics.UnknownSource.Inc()
		t.logger.Debug("datagram from unregistered or disconnected source", zap.String("addr", addr.String()))
		return
	}

	c.Touch()

	if len(dg.AckList) > 0 {
		if entries := c.Archive.RemoveMany(dg.AckList); len(entries) > 0 {
			t.metrics.UpdateRTT(c.Identity.String(), c.RTT().RTO(), c.RTT().SRTT())
		}
	}

	switch kind {
	case wire.KindStandaloneACK:
		seqs, err := wire.DecodeStandaloneACK(dg.Payload)
		if err != nil {
			t.metrics.MalformedDropped.Inc()
			t.logger.Error("malformed standalone ack", zap.Error(err), zap.String("addr", addr.String()))
			return
		}
		if entries := c.Archive.RemoveMany(seqs); len(entries) > 0 {
			t.metrics.UpdateRTT(c.Identity.String(), c.RTT().RTO(), c.RTT().SRTT())
		}
		return

	case wire.KindPingRequest:
		t.replyPingComplete(c, dg.Payload)
		return

	case wire.KindPingComplete:
		return
	}

	if dg.Flags.Has(wire.FlagReliable) {
		if !c.Dedup.TryInsert(dg.SequenceNumber) {
			t.metrics.DuplicatesDropped.Inc()
			t.sendImmediateAck(c, dg.SequenceNumber)
			return
		}
		c.QueuePendingAck(dg.SequenceNumber)
	}

	t.enqueueMailbox(&dispatch.InboundMessage{
		CircuitIdentity: c.Identity,
		Kind:            kind,
		SequenceNumber:  dg.SequenceNumber,
		Payload:         dg.Payload,
	})
}

// handleUseCircuitCode implements spec §4.4 step 2: the first-contact
// message is looked up by embedded identity (never by source address,
// since the peer may be contacting from a fresh address or port), its
// remote address is atomically rebound, an immediate ACK is sent, and
// the message is still dispatched like any other inbound message so an
// upper-layer handler can observe the (re)connection.
//
// Wire framing for this message's payload is a transport-local
// decision (spec.md leaves the payload format unspecified beyond "look
// up the circuit by its embedded identity"): the first 4 bytes are a
// big-endian circuit code, followed by the identity's UUID string form.
func (t *Transport) handleUseCircuitCode(dg *wire.Datagram, addr *net.UDPAddr) {
	identity, circuitCode, err := decodeUseCircuitCode(dg.Payload)
	if err != nil {
		t.metrics.MalformedDropped.Inc()
		t.logger.Error("malformed use-circuit-code payload", zap.Error(err), zap.String("addr", addr.String()))
		return
	}

	c, ok := t.manager.Registry.ByIdentity(identity)
	if !ok {
		t.metrics.UnknownSource.Inc()
		t.logger.Debug("use-circuit-code for unknown identity", zap.String("identity", identity.String()))
		return
	}

	// The circuit code is a shared secret minted at admission time
	// (circuit.newCircuitCode): knowing only the identity must not be
	// enough to hijack an existing circuit's address binding.
	if circuitCode != c.CircuitCode {
		t.metrics.UnknownSource.Inc()
		t.logger.Warn("use-circuit-code with mismatched code", zap.String("identity", identity.String()), zap.String("addr", addr.String()))
		return
	}

	t.manager.Registry.Rebind(c, addr)
	c.Touch()
	t.sendImmediateAck(c, dg.SequenceNumber)

	t.enqueueMailbox(&dispatch.InboundMessage{
		CircuitIdentity: c.Identity,
		Kind:            wire.KindUseCircuitCode,
		SequenceNumber:  dg.SequenceNumber,
		Payload:         dg.Payload,
	})
}

// enqueueMailbox hands a decoded message to the sender tick without
// blocking (spec §5: I/O threads never block on application state);
// a full mailbox drops the message and counts it rather than stalling
// the I/O pool.
func (t *Transport) enqueueMailbox(msg *dispatch.InboundMessage) {
	select {
	case t.mailbox <- msg:
	default:
		t.metrics.QueueDropped.WithLabelValues("mailbox").Inc()
		t.logger.Warn("inbound mailbox full, dropping message", zap.Any("kind", msg.Kind))
	}
}

func decodeUseCircuitCode(payload []byte) (guuid.UUID, uint32, error) {
	var zero guuid.UUID
	if len(payload) < 5 {
		return zero, 0, fmt.Errorf("transport: use-circuit-code payload too short: %d bytes", len(payload))
	}
	circuitCode := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	identity, err := guuid.Parse(string(payload[4:]))
	if err != nil {
		return zero, 0, fmt.Errorf("transport: parse identity: %w", err)
	}
	return identity, circuitCode, nil
}

// EncodeUseCircuitCode builds the payload a client would send to
// establish or rebind a circuit, exported so tests (and any in-process
// simulated peer) can construct one without reaching into an unexported
// helper.
func EncodeUseCircuitCode(identity guuid.UUID, circuitCode uint32) []byte {
	out := make([]byte, 4, 4+36)
	out[0] = byte(circuitCode >> 24)
	out[1] = byte(circuitCode >> 16)
	out[2] = byte(circuitCode >> 8)
	out[3] = byte(circuitCode)
	return append(out, identity.String()...)
}
