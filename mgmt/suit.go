package mgmt

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/wire"
)

// Command IDs for the SUIT group.
const (
	cmdSUITManifestList  = 0x00
	cmdSUITManifestState = 0x01
	cmdSUITEnvelopeUpload = 0x03
)

// SUIT is the SUIT group manager, used by the envelope uploader and for
// reading manifest state/roles.
type SUIT struct {
	D Dispatcher
}

// ManifestInfo describes one installed SUIT manifest.
type ManifestInfo struct {
	Role       uint8  `cbor:"role"`
	SeqNum     uint64 `cbor:"seq_num"`
	SemVer     string `cbor:"semver,omitempty"`
	SignatureVerified bool `cbor:"signature_verified,omitempty"`
}

type manifestListResponse struct {
	wire.ResponseMeta
	Manifests []ManifestInfo `cbor:"manifests"`
}

// ListManifests reads every SUIT manifest currently installed.
func (m *SUIT) ListManifests(ctx context.Context) ([]ManifestInfo, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupSUIT, cmdSUITManifestList, struct{}{}, DefaultTimeout)
	if err != nil {
		return nil, err
	}

	var resp manifestListResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return nil, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return nil, err
	}

	return resp.Manifests, nil
}

type manifestStateRequest struct {
	Role uint8 `cbor:"role"`
}

// ManifestStateResponse mirrors ManifestInfo for a single requested role.
type ManifestStateResponse struct {
	wire.ResponseMeta
	ManifestInfo
}

// ManifestState reads the installed manifest state for a single role.
func (m *SUIT) ManifestState(ctx context.Context, role uint8) (ManifestStateResponse, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupSUIT, cmdSUITManifestState, manifestStateRequest{Role: role}, DefaultTimeout)
	if err != nil {
		return ManifestStateResponse{}, err
	}

	var resp ManifestStateResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return ManifestStateResponse{}, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return resp, err
	}

	return resp, nil
}

// EnvelopeChunkRequest is a single SUIT envelope-upload chunk; shape
// matches the image upload chunk.
type EnvelopeChunkRequest struct {
	Off  uint64 `cbor:"off"`
	Len  *uint64 `cbor:"len,omitempty"`
	Data []byte `cbor:"data"`
}

// EnvelopeChunkResponse is the response to an envelope-upload chunk.
type EnvelopeChunkResponse struct {
	wire.ResponseMeta
	Off uint64 `cbor:"off"`
}

// EnvelopeUpload sends one envelope-upload chunk. Callers raise timeout
// for offset 0 to cover the device-side erase that precedes accepting a
// new envelope.
func (m *SUIT) EnvelopeUpload(ctx context.Context, chunk EnvelopeChunkRequest, timeout time.Duration) (EnvelopeChunkResponse, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpWrite, wire.GroupSUIT, cmdSUITEnvelopeUpload, chunk, timeout)
	if err != nil {
		return EnvelopeChunkResponse{}, err
	}

	var resp EnvelopeChunkResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return EnvelopeChunkResponse{}, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return resp, err
	}

	return resp, nil
}
