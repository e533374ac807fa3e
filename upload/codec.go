package upload

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/mgmt"
	"github.com/ffenix113/smp/wire"
)

// ImageCodec drives the engine against the Image group's upload command.
// The first chunk of image 0 omits the "image" key entirely to match
// firmware that still expects the legacy single-image layout.
type ImageCodec struct {
	// Upgrade marks the first chunk of each image as a request to also mark
	// the image pending/confirmed once written, matching mcumgr's
	// combined upload+upgrade shortcut. Most callers leave this false and
	// drive Test/Confirm explicitly through the firmware upgrade FSM.
	Upgrade bool
}

func (c *ImageCodec) Group() wire.Group { return wire.GroupImage }
func (c *ImageCodec) Command() uint8    { return 0x01 }

func (c *ImageCodec) BuildPayload(data []byte, off uint64, imageIndex uint32, totalLen uint64, hash [32]byte, firstChunk bool) any {
	req := mgmt.UploadChunkRequest{
		Off:  off,
		Data: data,
	}

	if firstChunk {
		length := totalLen
		req.Len = &length
		req.Hash = hash[:]
		req.Upgrade = c.Upgrade

		if imageIndex != 0 {
			idx := imageIndex
			req.Image = &idx
		}
	}

	return req
}

func (c *ImageCodec) ParseOffset(raw []byte) (uint64, error) {
	var resp mgmt.UploadChunkResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return 0, &InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return 0, err
	}

	return resp.Off, nil
}

// SUITCodec drives the engine against the SUIT group's envelope-upload
// command. SUIT envelopes are a single logical "image" with no image
// index and no upgrade flag.
type SUITCodec struct{}

func (c *SUITCodec) Group() wire.Group { return wire.GroupSUIT }
func (c *SUITCodec) Command() uint8    { return 0x03 }

func (c *SUITCodec) BuildPayload(data []byte, off uint64, _ uint32, totalLen uint64, _ [32]byte, firstChunk bool) any {
	req := mgmt.EnvelopeChunkRequest{
		Off:  off,
		Data: data,
	}

	if firstChunk {
		length := totalLen
		req.Len = &length
	}

	return req
}

func (c *SUITCodec) ParseOffset(raw []byte) (uint64, error) {
	var resp mgmt.EnvelopeChunkResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return 0, &InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return 0, err
	}

	return resp.Off, nil
}
