package wire

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/transport"
)

type echoPayload struct {
	Seq uint32 `cbor:"seq"`
}

func TestBuildAndParsePacketRaw(t *testing.T) {
	header := Header{Op: OpWrite, Version: VersionLegacy, Group: 0, Sequence: 5, CommandID: 0}
	payload := echoPayload{Seq: 42}

	data, err := BuildPacket(transport.SchemeBLE, header, payload)
	if err != nil {
		t.Fatalf("BuildPacket: %v", err)
	}

	gotHeader, rawPayload, err := ParsePacket(transport.SchemeBLE, data)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}

	if gotHeader.Sequence != header.Sequence || gotHeader.CommandID != header.CommandID {
		t.Fatalf("header mismatch: got %+v", gotHeader)
	}

	var got echoPayload
	if err := cbor.Unmarshal(rawPayload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got != payload {
		t.Fatalf("payload mismatch: got %+v, want %+v", got, payload)
	}
}

func TestBuildAndParsePacketCoAP(t *testing.T) {
	header := Header{Op: OpWrite, Version: VersionLegacy, Group: 11, Sequence: 9, CommandID: 3}
	payload := echoPayload{Seq: 7}

	data, err := BuildPacket(transport.SchemeCoAPUDP, header, payload)
	if err != nil {
		t.Fatalf("BuildPacket: %v", err)
	}

	gotHeader, rawPayload, err := ParsePacket(transport.SchemeCoAPUDP, data)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}

	// BuildPacket fills in Length from the encoded payload.
	payloadBytes, err := cbor.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	want := header
	want.Length = uint16(len(payloadBytes))

	if gotHeader != want {
		t.Fatalf("header mismatch: got %+v, want %+v", gotHeader, want)
	}

	var got echoPayload
	if err := cbor.Unmarshal(rawPayload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got != payload {
		t.Fatalf("payload mismatch: got %+v, want %+v", got, payload)
	}
}

func TestParsePacketRawShortBuffer(t *testing.T) {
	_, _, err := ParsePacket(transport.SchemeBLE, []byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestParsePacketRawLengthMismatch(t *testing.T) {
	header := Header{Op: OpWrite, Length: 100}
	enc := header.Encode()
	data := append(enc[:], []byte{1, 2, 3}...)

	_, _, err := ParsePacket(transport.SchemeBLE, data)
	if err == nil {
		t.Fatal("expected length mismatch error")
	}
	var mismatch *HeaderLengthMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("unexpected error type: %T", err)
	}
}

func TestParsePacketCoAPMissingHeader(t *testing.T) {
	m := map[string]int{"foo": 1}
	data, err := cbor.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	_, _, err = ParsePacket(transport.SchemeCoAPBLE, data)
	if err == nil {
		t.Fatal("expected error for missing _h key")
	}
}
