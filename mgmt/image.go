package mgmt

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/wire"
)

// Command IDs for the Image group (group 1).
const (
	cmdImageState  = 0x00
	cmdImageUpload = 0x01
	cmdImageErase  = 0x05
	cmdCoreList    = 0x06
	cmdCoreLoad    = 0x07
	cmdCoreErase   = 0x08
)

// Image is the Image group manager (group 1).
type Image struct {
	D Dispatcher
}

// ListResponse is the body of an image-list response.
type ListResponse struct {
	wire.ResponseMeta
	Images      []ImageSlot `cbor:"images"`
	SplitStatus *int        `cbor:"splitStatus,omitempty"`
}

// List reads the current primary/secondary slot state for every image.
func (m *Image) List(ctx context.Context) (ListResponse, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupImage, cmdImageState, struct{}{}, DefaultTimeout)
	if err != nil {
		return ListResponse{}, err
	}

	var resp ListResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return ListResponse{}, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return resp, err
	}

	return resp, nil
}

// UploadChunkRequest is a single image-upload chunk payload. Image, Len
// and Hash are only populated on the first chunk of an image (offset 0);
// Image itself is further omitted when index==0, matching the upload
// engine's on-wire layout.
type UploadChunkRequest struct {
	Image   *uint32 `cbor:"image,omitempty"`
	Len     *uint64 `cbor:"len,omitempty"`
	Off     uint64  `cbor:"off"`
	Hash    []byte  `cbor:"sha,omitempty"`
	Data    []byte  `cbor:"data"`
	Upgrade bool    `cbor:"upgrade,omitempty"`
}

// UploadChunkResponse is what the device reports back after a chunk: the
// offset it has now stored up to, and (on the first chunk of an image
// already fully present) whether its hash matched.
type UploadChunkResponse struct {
	wire.ResponseMeta
	Off   uint64 `cbor:"off"`
	Match *bool  `cbor:"match,omitempty"`
}

// Upload sends a single image-upload chunk and returns the device's
// reported offset.
func (m *Image) Upload(ctx context.Context, chunk UploadChunkRequest, timeout time.Duration) (UploadChunkResponse, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpWrite, wire.GroupImage, cmdImageUpload, chunk, timeout)
	if err != nil {
		return UploadChunkResponse{}, err
	}

	var resp UploadChunkResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return UploadChunkResponse{}, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return resp, err
	}

	return resp, nil
}

type testConfirmRequest struct {
	Hash    []byte `cbor:"hash,omitempty"`
	Confirm bool   `cbor:"confirm"`
}

// Test marks the image identified by hash as pending (one-shot boot).
func (m *Image) Test(ctx context.Context, hash []byte) (ListResponse, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpWrite, wire.GroupImage, cmdImageState, testConfirmRequest{Hash: hash, Confirm: false}, DefaultTimeout)
	if err != nil {
		return ListResponse{}, err
	}

	var resp ListResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return ListResponse{}, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return resp, err
	}

	return resp, nil
}

// Confirm marks an image permanent. A nil hash confirms whatever is
// currently running in the primary slot.
func (m *Image) Confirm(ctx context.Context, hash []byte) (ListResponse, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpWrite, wire.GroupImage, cmdImageState, testConfirmRequest{Hash: hash, Confirm: true}, DefaultTimeout)
	if err != nil {
		return ListResponse{}, err
	}

	var resp ListResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return ListResponse{}, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return resp, err
	}

	return resp, nil
}

type eraseRequest struct {
	Slot *uint32 `cbor:"slot,omitempty"`
}

// Erase erases the secondary slot (or a specific slot, if given).
func (m *Image) Erase(ctx context.Context, slot *uint32) error {
	raw, _, err := m.D.Dispatch(ctx, wire.OpWrite, wire.GroupImage, cmdImageErase, eraseRequest{Slot: slot}, FastTimeout)
	if err != nil {
		return err
	}

	var resp emptyResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return &wire.InvalidPayloadError{Reason: err.Error()}
	}

	return resp.Result()
}

// EraseState clears any pending-erase bookkeeping the device holds for a
// slot; on the wire it is the same erase command, issued explicitly
// against the given slot rather than the implicit default.
func (m *Image) EraseState(ctx context.Context, slot uint32) error {
	return m.Erase(ctx, &slot)
}

type coreListResponse struct {
	wire.ResponseMeta
}

// CoreList reports whether a core dump is present on the device.
func (m *Image) CoreList(ctx context.Context) error {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupImage, cmdCoreList, struct{}{}, DefaultTimeout)
	if err != nil {
		return err
	}

	var resp coreListResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return &wire.InvalidPayloadError{Reason: err.Error()}
	}

	return resp.Result()
}

type coreLoadRequest struct {
	Off uint64 `cbor:"off"`
}

// CoreLoadResponse is one chunk of a core dump download.
type CoreLoadResponse struct {
	wire.ResponseMeta
	Off  uint64 `cbor:"off"`
	Data []byte `cbor:"data"`
}

// CoreLoad downloads one chunk of the on-device core dump starting at
// offset.
func (m *Image) CoreLoad(ctx context.Context, offset uint64) (CoreLoadResponse, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupImage, cmdCoreLoad, coreLoadRequest{Off: offset}, DefaultTimeout)
	if err != nil {
		return CoreLoadResponse{}, err
	}

	var resp CoreLoadResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return CoreLoadResponse{}, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return resp, err
	}

	return resp, nil
}

// CoreErase erases the on-device core dump storage.
func (m *Image) CoreErase(ctx context.Context) error {
	raw, _, err := m.D.Dispatch(ctx, wire.OpWrite, wire.GroupImage, cmdCoreErase, struct{}{}, FastTimeout)
	if err != nil {
		return err
	}

	var resp emptyResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return &wire.InvalidPayloadError{Reason: err.Error()}
	}

	return resp.Result()
}
