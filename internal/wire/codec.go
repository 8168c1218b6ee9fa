package wire

import "fmt"

// Encode serializes a datagram per the wire format in spec.md §6:
//
//	offset 0    flag byte
//	offset 1    4-byte big-endian sequence number
//	offset 5    1-byte extra-header length N
//	offset 6    N extra-header bytes
//	offset 6+N  payload (possibly zero-coded)
//	trailer     k appended ACK sequence numbers (4 bytes BE each) + 1 count byte, when bit4 is set
//
// If the caller set FlagZeroCoded, the payload is run-length compressed;
// if compression would overflow the MTU the flag is cleared and the
// payload is sent uncompressed (spec §4.3 zero-code overflow policy).
//
// pendingAcks, if non-nil, is the circuit's pending-outbound-acks queue;
// Encode drains as many as fit (capped at MaxAppendedACKs and by the MTU
// budget) and removes them from the queue, unless the datagram carries
// the zero-coded flag or is itself tagged as a standalone ACK — per
// spec §4.3, piggybacked ACKs are only appended when neither holds.
func Encode(dg *Datagram, pendingAcks *[]uint32) ([]byte, error) {
	if err := validateExtraHeaderLen(len(dg.ExtraHeader)); err != nil {
		return nil, err
	}

	flags := dg.Flags
	payload := dg.Payload

	if flags.Has(FlagZeroCoded) {
		budget := MTU - HeaderFixedSize - len(dg.ExtraHeader)
		if enc, ok := zeroEncode(payload, budget); ok {
			payload = enc
		} else {
			flags.Clear(FlagZeroCoded)
		}
	}

	var trailer []byte
	if !flags.Has(FlagZeroCoded) && dg.Kind() != KindStandaloneACK && pendingAcks != nil {
		acks := *pendingAcks
		fixedLen := HeaderFixedSize + len(dg.ExtraHeader) + len(payload)
		used := 0
		for used < len(acks) && used < MaxAppendedACKs {
			if fixedLen+(used+1)*ackEntrySize+ackCountTrailerLen > MTU {
				break
			}
			used++
		}
		if used > 0 {
			trailer = make([]byte, used*ackEntrySize+ackCountTrailerLen)
			for i := 0; i < used; i++ {
				putBE32(trailer[i*ackEntrySize:], acks[i])
			}
			trailer[used*ackEntrySize] = byte(used)
			flags.Set(FlagAppendedACK)
			*pendingAcks = append([]uint32(nil), acks[used:]...)
		}
	}

	total := HeaderFixedSize + len(dg.ExtraHeader) + len(payload) + len(trailer)
	out := make([]byte, total)
	out[0] = byte(flags)
	putBE32(out[1:5], dg.SequenceNumber)
	out[5] = byte(len(dg.ExtraHeader))

	offset := HeaderFixedSize
	copy(out[offset:], dg.ExtraHeader)
	offset += len(dg.ExtraHeader)
	copy(out[offset:], payload)
	offset += len(payload)
	copy(out[offset:], trailer)

	return out, nil
}

// Decode parses a raw datagram per the wire format. Returned slices are
// freshly allocated and safe to retain past the lifetime of data.
func Decode(data []byte) (*Datagram, error) {
	if len(data) < HeaderFixedSize {
		return nil, fmt.Errorf("wire: datagram too short: %d bytes", len(data))
	}

	flags := Flags(data[0])
	seq := be32(data[1:5])
	extraLen := int(data[5])

	if len(data) < HeaderFixedSize+extraLen {
		return nil, fmt.Errorf("wire: truncated extra header: need %d, have %d", extraLen, len(data)-HeaderFixedSize)
	}

	offset := HeaderFixedSize
	extra := append([]byte(nil), data[offset:offset+extraLen]...)
	offset += extraLen
	body := data[offset:]

	var ackList []uint32
	if flags.Has(FlagAppendedACK) {
		if len(body) < ackCountTrailerLen {
			return nil, fmt.Errorf("wire: missing ACK count byte")
		}
		count := int(body[len(body)-1])
		need := count*ackEntrySize + ackCountTrailerLen
		if len(body) < need {
			return nil, fmt.Errorf("wire: truncated ACK trailer: need %d, have %d", need, len(body))
		}
		ackBytes := body[len(body)-need : len(body)-ackCountTrailerLen]
		ackList = make([]uint32, count)
		for i := 0; i < count; i++ {
			ackList[i] = be32(ackBytes[i*ackEntrySize:])
		}
		body = body[:len(body)-need]
	}

	payload := body
	if flags.Has(FlagZeroCoded) {
		decoded, err := zeroDecode(payload)
		if err != nil {
			return nil, err
		}
		payload = decoded
	} else {
		payload = append([]byte(nil), payload...)
	}

	return &Datagram{
		Flags:          flags,
		SequenceNumber: seq,
		ExtraHeader:    extra,
		Payload:        payload,
		AckList:        ackList,
	}, nil
}

// EncodeStandaloneACK builds the body of a standalone ACK message,
// carrying up to MaxStandaloneACKs sequence numbers (spec §6). Returns
// the encoded body for the first (at most MaxStandaloneACKs) entries of
// seqs and the remainder left for a follow-up message, if any.
func EncodeStandaloneACK(seqs []uint32) (body []byte, remainder []uint32) {
	n := len(seqs)
	if n > MaxStandaloneACKs {
		n = MaxStandaloneACKs
	}
	body = make([]byte, n*ackEntrySize)
	for i := 0; i < n; i++ {
		putBE32(body[i*ackEntrySize:], seqs[i])
	}
	return body, seqs[n:]
}

// DecodeStandaloneACK parses the body of a standalone ACK message.
func DecodeStandaloneACK(body []byte) ([]uint32, error) {
	if len(body)%ackEntrySize != 0 {
		return nil, fmt.Errorf("wire: standalone ACK body not a multiple of %d bytes", ackEntrySize)
	}
	n := len(body) / ackEntrySize
	if n > MaxStandaloneACKs {
		return nil, fmt.Errorf("wire: standalone ACK carries %d entries, max %d", n, MaxStandaloneACKs)
	}
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = be32(body[i*ackEntrySize:])
	}
	return out, nil
}
