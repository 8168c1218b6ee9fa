package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/novagrid/relay/internal/bucket"
	"github.com/novagrid/relay/internal/circuit"
	"github.com/novagrid/relay/internal/dispatch"
	"github.com/novagrid/relay/internal/wire"
)

// senderLoop is the single dedicated sender thread (spec §5). It drives
// its own pacing: each iteration runs one tick's phases, then blocks on
// the inbound mailbox for up to one tick-resolution — longer if idle,
// not at all if this tick already sent something — rather than using a
// free-running ticker, so the "drain up to one inbound-mailbox entry,
// with a bounded wait" step (spec §4.6 step 4) is the loop's own pacing
// mechanism instead of a second, competing timer.
func (t *Transport) senderLoop(ctx context.Context) {
	defer t.wg.Done()

	last := time.Now()
	for {
		select {
		case <-t.closeSignal:
			return
		default:
		}

		now := time.Now()
		elapsed := now.Sub(last)
		last = now

		sentAny := t.tick(now, elapsed)

		if sentAny {
			t.drainMailboxNonBlocking(ctx)
			continue
		}

		wait := t.tickResolution
		if t.manager.Registry.Len() == 0 {
			wait = longIdleSleep
		}
		t.drainMailboxBlocking(ctx, wait)
	}
}

// tick runs one sender-tick iteration (spec §4.6 steps 1-3) and reports
// whether any outbound packet was transmitted.
func (t *Transport) tick(now time.Time, elapsed time.Duration) bool {
	_, span := t.tracer.StartSenderTick(context.Background())
	defer span.End()

	t.resendTimer += elapsed
	t.ackTimer += elapsed
	t.pingTimer += elapsed

	resendDue := t.resendTimer >= resendPhaseInterval
	if resendDue {
		t.resendTimer = 0
	}
	ackDue := t.ackTimer >= ackPhaseInterval
	if ackDue {
		t.ackTimer = 0
	}
	pingDue := t.pingTimer >= pingPhaseInterval
	if pingDue {
		t.pingTimer = 0
	}

	sentAny := false
	for _, c := range t.manager.Registry.Snapshot() {
		if resendDue {
			if t.resendPhase(c, now) {
				// circuit torn down for inactivity; nothing else to do
				// for it this tick.
				continue
			}
		}
		if ackDue && t.ackPhase(c) {
			sentAny = true
		}
		if pingDue {
			t.pingPhase(c)
			sentAny = true
		}
		if t.drainCategories(c, now) {
			sentAny = true
		}
	}
	return sentAny
}

// resendPhase enforces the dead-client timeout and retransmits expired
// archive entries with exponential backoff (spec §4.6 step 2, first
// bullet). It reports whether the circuit was torn down.
func (t *Transport) resendPhase(c *circuit.Circuit, now time.Time) bool {
	if c.SinceLastPacket(now) >= t.idleTimeout {
		t.logger.Info("circuit timed out", zap.String("identity", c.Identity.String()))
		t.manager.Disconnect(c.Identity)
		t.metrics.CircuitsActive.Set(float64(t.manager.Registry.Len()))
		return true
	}

	expired := c.Archive.Expired(now)
	if len(expired) > 0 {
		// One timeout event for this resend phase, regardless of how
		// many archive entries happened to expire together — backing
		// off once per entry would double RTO repeatedly for a single
		// loss event.
		c.Archive.Backoff()
	}
	for _, e := range expired {
		c.Archive.MarkResent(e.SeqNum, now)
		t.metrics.RecordResend("timeout")
		t.metrics.UpdateRTT(c.Identity.String(), c.RTT().RTO(), c.RTT().SRTT())

		msg, ok := e.Payload.(*circuit.OutboundMessage)
		if !ok {
			continue
		}
		msg.Resent = true
		msg.ResendCount++
		msg.Category = bucket.CategoryResend
		if !c.Enqueue(msg) {
			t.metrics.QueueDropped.WithLabelValues(bucket.CategoryResend.String()).Inc()
		}
	}
	return false
}

// ackPhase emits a standalone ACK carrying every pending-outbound-ack
// sequence number, up to the wire format's cap (spec §4.6 step 2,
// second bullet). It reports whether a datagram was sent.
func (t *Transport) ackPhase(c *circuit.Circuit) bool {
	if c.PendingAckCount() == 0 {
		return false
	}
	acks := c.DrainPendingAcks()
	body, remainder := wire.EncodeStandaloneACK(acks)
	if len(remainder) > 0 {
		c.RestorePendingAcks(remainder)
	}
	dg := &wire.Datagram{Payload: body}
	dg.SetKind(wire.KindStandaloneACK)
	t.sendControl(c, dg, "ack")
	return true
}

// pingPhase sends a ping-request with the next ping sequence (spec
// §4.6 step 2, third bullet). The oldest-unacked-sequence field is
// always sent as 0 (spec §6).
func (t *Transport) pingPhase(c *circuit.Circuit) {
	seq := c.NextPingSeq()
	payload := make([]byte, 5)
	payload[0] = byte(seq)
	dg := &wire.Datagram{Payload: payload}
	dg.SetKind(wire.KindPingRequest)
	t.sendControl(c, dg, "ping")
}

// drainCategories attempts one send per traffic category, in fixed
// order, subject to the category's token bucket (spec §4.6 step 2,
// fourth bullet). It reports whether any category transmitted.
func (t *Transport) drainCategories(c *circuit.Circuit, now time.Time) bool {
	sentAny := false
	for _, cat := range bucket.Categories {
		msg, ok := c.PeekNext(cat)
		if !ok {
			continue
		}
		if !c.CategoryBucket(cat).RemoveTokens(msg.Len()) {
			t.metrics.BucketStalled.WithLabelValues(cat.String()).Inc()
			continue
		}

		t.transmit(c, msg, now)
		c.ClearNextSlot(cat)
		sentAny = true

		if c.CategoryEmpty(cat) && c.TryFireQueueEmpty(cat, now, queueEmptyMinInterval) {
			t.notifyQueueEmpty(c, cat)
		}
	}
	return sentAny
}

// notifyQueueEmpty dispatches the queue-empty callback asynchronously
// on the shared worker pool, never on the sender thread itself (spec
// §4.6 step 3).
func (t *Transport) notifyQueueEmpty(c *circuit.Circuit, cat bucket.Category) {
	cb := t.onQueueEmpty
	if cb == nil {
		return
	}
	t.ioPool.TrySubmit(func() {
		cb(c, cat)
	})
}

// transmit assigns a sequence number on first send (reusing it and
// setting the resent flag on a retransmission), piggybacks pending
// ACKs, encodes and sends the datagram, and on a reliable first send
// inserts the message into the retransmission archive (spec §4.3,
// §4.6).
func (t *Transport) transmit(c *circuit.Circuit, msg *circuit.OutboundMessage, now time.Time) {
	var flags wire.Flags
	firstSend := msg.SeqNum == 0
	if firstSend {
		msg.SeqNum = c.NextSeq()
	} else {
		flags.Set(wire.FlagResent)
	}
	if msg.Reliable {
		flags.Set(wire.FlagReliable)
	}

	dg := &wire.Datagram{
		Flags:          flags,
		SequenceNumber: msg.SeqNum,
		Payload:        msg.Payload,
	}
	dg.SetKind(msg.Kind)

	pending := c.DrainPendingAcks()
	encoded, err := wire.Encode(dg, &pending)
	if len(pending) > 0 {
		c.RestorePendingAcks(pending)
	}
	if err != nil {
		t.logger.Error("encode outbound message failed", zap.Error(err), zap.Uint32("seq", msg.SeqNum))
		return
	}

	if err := t.socket.SendTo(encoded, c.RemoteAddr()); err != nil {
		t.logger.Warn("send failed", zap.Error(err), zap.String("identity", c.Identity.String()))
		return
	}

	msg.LastSend = now
	t.metrics.RecordSend(msg.Category.String(), len(encoded))

	if msg.Reliable && firstSend {
		c.Archive.Insert(msg.SeqNum, msg.Len(), msg)
	}
}

// sendControl sends an ACK/ping control datagram immediately, assigning
// it the next sequence number and piggybacking any pending ACKs.
func (t *Transport) sendControl(c *circuit.Circuit, dg *wire.Datagram, label string) {
	dg.SequenceNumber = c.NextSeq()
	pending := c.DrainPendingAcks()
	encoded, err := wire.Encode(dg, &pending)
	if len(pending) > 0 {
		c.RestorePendingAcks(pending)
	}
	if err != nil {
		t.logger.Error("encode control datagram failed", zap.String("label", label), zap.Error(err))
		return
	}
	if err := t.socket.SendTo(encoded, c.RemoteAddr()); err != nil {
		t.logger.Warn("control send failed", zap.String("label", label), zap.Error(err))
		return
	}
	t.metrics.RecordSend(label, len(encoded))
}

// sendImmediateAck emits a standalone ACK for a single sequence number
// outside the normal ack phase (spec §4.4 steps 2 and 7).
func (t *Transport) sendImmediateAck(c *circuit.Circuit, seq uint32) {
	body, _ := wire.EncodeStandaloneACK([]uint32{seq})
	dg := &wire.Datagram{Payload: body}
	dg.SetKind(wire.KindStandaloneACK)
	t.sendControl(c, dg, "ack")
}

// replyPingComplete answers a ping-request locally with the same ping
// sequence byte (spec §4.4 step 6).
func (t *Transport) replyPingComplete(c *circuit.Circuit, request []byte) {
	var pingSeq byte
	if len(request) > 0 {
		pingSeq = request[0]
	}
	dg := &wire.Datagram{Payload: []byte{pingSeq}}
	dg.SetKind(wire.KindPingComplete)
	t.sendControl(c, dg, "ping_complete")
}

func (t *Transport) drainMailboxNonBlocking(ctx context.Context) {
	select {
	case msg := <-t.mailbox:
		t.dispatchInbound(ctx, msg)
	default:
	}
}

func (t *Transport) drainMailboxBlocking(ctx context.Context, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-t.mailbox:
		t.dispatchInbound(ctx, msg)
	case <-timer.C:
	case <-t.closeSignal:
	}
}

func (t *Transport) dispatchInbound(ctx context.Context, msg *dispatch.InboundMessage) {
	_, span := t.tracer.StartDispatch(ctx, msg.Kind.String())
	defer span.End()
	t.dispatcher.Dispatch(msg)
}
