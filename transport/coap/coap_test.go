package coap

import "testing"

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	token := []byte{0xab, 0xcd}
	payload := []byte{1, 2, 3, 4, 5}

	encoded := encodeMessage(typeCON, codePOST, 4242, token, []byte(uriPath), payload)

	msg, err := decodeMessage(encoded)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}

	if msg.id != 4242 {
		t.Fatalf("got id %d, want 4242", msg.id)
	}
	if msg.code != codePOST {
		t.Fatalf("got code %#x, want %#x", msg.code, codePOST)
	}
	if string(msg.payload) != string(payload) {
		t.Fatalf("got payload %v, want %v", msg.payload, payload)
	}
}

func TestEncodeMessageWithoutPayloadOmitsMarker(t *testing.T) {
	encoded := encodeMessage(typeACK, codeChanged, 1, nil, []byte(uriPath), nil)

	msg, err := decodeMessage(encoded)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if len(msg.payload) != 0 {
		t.Fatalf("expected no payload, got %v", msg.payload)
	}
}

func TestDecodeMessageRejectsShortBuffer(t *testing.T) {
	_, err := decodeMessage([]byte{1, 2})
	if err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestDecodeMessageRejectsTruncatedToken(t *testing.T) {
	// Header claims a 4-byte token but provides none.
	_, err := decodeMessage([]byte{0x04, codeChanged, 0x00, 0x01})
	if err == nil {
		t.Fatal("expected error for truncated token")
	}
}
