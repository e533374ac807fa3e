package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/transport"
)

// headerKey is the CBOR map key a CoAP-framed packet carries the binary
// header under.
const headerKey = "_h"

// BuildPacket assembles a wire packet for the given scheme: header||cbor
// for BLE/UDP, or a single CBOR map with the header tucked under "_h" for
// CoAP-based schemes.
//
// header.Length is overwritten with the encoded size of payload (minus
// any "_h" key) before the header is serialized, so callers don't need to
// precompute it.
func BuildPacket(scheme transport.Scheme, header Header, payload any) ([]byte, error) {
	payloadBytes, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("smp: encode payload: %w", err)
	}

	header.Length = uint16(len(payloadBytes))
	headerBytes := header.Encode()

	if !scheme.IsCoAP() {
		out := make([]byte, 0, HeaderLength+len(payloadBytes))
		out = append(out, headerBytes[:]...)
		out = append(out, payloadBytes...)

		return out, nil
	}

	m := make(map[string]cbor.RawMessage)
	if err := cbor.Unmarshal(payloadBytes, &m); err != nil {
		return nil, fmt.Errorf("smp: payload is not a cbor map, required for coap framing: %w", err)
	}

	hdrBytes, err := cbor.Marshal(headerBytes[:])
	if err != nil {
		return nil, fmt.Errorf("smp: encode embedded header: %w", err)
	}
	m[headerKey] = hdrBytes

	out, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("smp: encode coap envelope: %w", err)
	}

	return out, nil
}

// ParsePacket splits a received wire packet back into its header and raw
// CBOR payload bytes (the payload bytes still need to be unmarshaled into
// a concrete response type by the caller).
func ParsePacket(scheme transport.Scheme, data []byte) (Header, []byte, error) {
	if !scheme.IsCoAP() {
		if len(data) < HeaderLength {
			return Header{}, nil, ErrInvalidHeaderSize
		}

		header, err := DecodeHeader(data[:HeaderLength])
		if err != nil {
			return Header{}, nil, err
		}

		payload := data[HeaderLength:]
		if int(header.Length) != len(payload) {
			return Header{}, nil, &HeaderLengthMismatchError{Declared: header.Length, Actual: len(payload)}
		}

		return header, payload, nil
	}

	m := make(map[string]cbor.RawMessage)
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Header{}, nil, &InvalidPayloadError{Reason: fmt.Sprintf("decode coap envelope: %s", err)}
	}

	rawHdr, ok := m[headerKey]
	if !ok {
		return Header{}, nil, &InvalidPayloadError{Reason: "coap envelope missing _h key"}
	}

	var hdrBytes []byte
	if err := cbor.Unmarshal(rawHdr, &hdrBytes); err != nil {
		return Header{}, nil, &InvalidPayloadError{Reason: fmt.Sprintf("decode _h value: %s", err)}
	}

	header, err := DecodeHeader(hdrBytes)
	if err != nil {
		return Header{}, nil, err
	}

	delete(m, headerKey)

	payload, err := cbor.Marshal(m)
	if err != nil {
		return Header{}, nil, fmt.Errorf("smp: re-encode coap payload: %w", err)
	}

	return header, payload, nil
}
