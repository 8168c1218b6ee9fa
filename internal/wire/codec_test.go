package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dg := &Datagram{
		Flags:          FlagReliable,
		SequenceNumber: 42,
		Payload:        []byte("hello circuit"),
	}

	raw, err := Encode(dg, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.SequenceNumber != dg.SequenceNumber {
		t.Errorf("sequence number = %d, want %d", got.SequenceNumber, dg.SequenceNumber)
	}
	if !bytes.Equal(got.Payload, dg.Payload) {
		t.Errorf("payload = %q, want %q", got.Payload, dg.Payload)
	}
	if !got.Flags.Has(FlagReliable) {
		t.Errorf("reliable flag lost across round trip")
	}
}

func TestZeroCodingIdempotence(t *testing.T) {
	payloads := [][]byte{
		{},
		{0, 0, 0},
		{1, 0, 0, 2, 0, 0, 0, 3},
		bytes.Repeat([]byte{0}, 10),
	}

	for _, p := range payloads {
		enc, ok := zeroEncode(p, MTU)
		if !ok {
			t.Fatalf("zeroEncode failed to fit within MTU for %v", p)
		}
		dec, err := zeroDecode(enc)
		if err != nil {
			t.Fatalf("zeroDecode: %v", err)
		}
		if !bytes.Equal(dec, p) {
			t.Errorf("zero-coding round trip: got %v, want %v", dec, p)
		}
	}
}

func TestZeroCodeOverflowClearsFlag(t *testing.T) {
	// An incompressible payload larger than the MTU cannot be zero-coded
	// to fit; Encode must clear the flag and send it uncompressed rather
	// than emit a zero-coded payload over the MTU budget.
	payload := bytes.Repeat([]byte{0xFF}, MTU+10)
	dg := &Datagram{Flags: FlagZeroCoded, SequenceNumber: 1, Payload: payload}

	raw, err := Encode(dg, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Flags.Has(FlagZeroCoded) {
		t.Errorf("expected zero-coded flag to be cleared on overflow")
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload corrupted after overflow fallback")
	}
}

func TestAppendedACKsDrainQueue(t *testing.T) {
	pending := []uint32{1, 2, 3}
	dg := &Datagram{Flags: FlagReliable, SequenceNumber: 5, Payload: []byte("x")}

	raw, err := Encode(dg, &pending)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected pending ACK queue to drain, got %v", pending)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Flags.Has(FlagAppendedACK) {
		t.Fatalf("expected appended-ACK flag to be set")
	}
	if len(got.AckList) != 3 || got.AckList[0] != 1 || got.AckList[2] != 3 {
		t.Errorf("AckList = %v, want [1 2 3]", got.AckList)
	}
}

func TestStandaloneACKDoesNotReceiveAppendedACKs(t *testing.T) {
	pending := []uint32{7}
	dg := &Datagram{SequenceNumber: 9}
	dg.SetKind(KindStandaloneACK)
	body, _ := EncodeStandaloneACK([]uint32{100, 200})
	dg.Payload = body

	raw, err := Encode(dg, &pending)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("standalone ACK messages must not drain the piggyback queue, got %v", pending)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	seqs, err := DecodeStandaloneACK(got.Payload)
	if err != nil {
		t.Fatalf("DecodeStandaloneACK: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 100 || seqs[1] != 200 {
		t.Errorf("seqs = %v, want [100 200]", seqs)
	}
}

func TestKindRoundTrip(t *testing.T) {
	dg := &Datagram{}
	dg.SetKind(KindUseCircuitCode)
	if dg.Kind() != KindUseCircuitCode {
		t.Errorf("Kind() = %v, want KindUseCircuitCode", dg.Kind())
	}
}
