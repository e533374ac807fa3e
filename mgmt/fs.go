package mgmt

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/wire"
)

// Command IDs for the Filesystem group (group 8).
const (
	cmdFSUploadDownload = 0x00
	cmdFSStatus         = 0x01
	cmdFSHash           = 0x02
)

// HashAlgorithm selects which digest the device computes over a file.
type HashAlgorithm string

const (
	HashCRC32  HashAlgorithm = "crc32"
	HashSHA256 HashAlgorithm = "sha256"
)

// FS is the Filesystem group manager (group 8).
type FS struct {
	D Dispatcher
}

// FileChunkRequest is a single FS upload or download chunk. FS has no
// chunking engine of its own: Upload sends the request as given, so the
// caller splits the file and sets Len on the first chunk only, the same
// layout the image upload engine uses.
type FileChunkRequest struct {
	Name string  `cbor:"name"`
	Off  uint64  `cbor:"off"`
	Len  *uint64 `cbor:"len,omitempty"`
	Data []byte  `cbor:"data,omitempty"`
}

// FileChunkResponse is the response to an FS upload or download chunk.
type FileChunkResponse struct {
	wire.ResponseMeta
	Off  uint64  `cbor:"off"`
	Len  *uint64 `cbor:"len,omitempty"`
	Data []byte  `cbor:"data,omitempty"`
}

// Upload sends one chunk of a file to the device.
func (m *FS) Upload(ctx context.Context, req FileChunkRequest, timeout time.Duration) (FileChunkResponse, error) {
	return m.chunk(ctx, wire.OpWrite, req, timeout)
}

// Download requests one chunk of a file from the device; Data is nil on
// the request and populated on the response.
func (m *FS) Download(ctx context.Context, name string, off uint64) (FileChunkResponse, error) {
	return m.chunk(ctx, wire.OpRead, FileChunkRequest{Name: name, Off: off}, DefaultTimeout)
}

func (m *FS) chunk(ctx context.Context, op wire.Op, req FileChunkRequest, timeout time.Duration) (FileChunkResponse, error) {
	raw, _, err := m.D.Dispatch(ctx, op, wire.GroupFS, cmdFSUploadDownload, req, timeout)
	if err != nil {
		return FileChunkResponse{}, err
	}

	var resp FileChunkResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return FileChunkResponse{}, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return resp, err
	}

	return resp, nil
}

type fileStatusRequest struct {
	Name string `cbor:"name"`
}

type fileStatusResponse struct {
	wire.ResponseMeta
	Len uint64 `cbor:"len"`
}

// Status reads a file's size on the device's filesystem.
func (m *FS) Status(ctx context.Context, name string) (uint64, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupFS, cmdFSStatus, fileStatusRequest{Name: name}, DefaultTimeout)
	if err != nil {
		return 0, err
	}

	var resp fileStatusResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return 0, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return 0, err
	}

	return resp.Len, nil
}

type fileHashRequest struct {
	Name string  `cbor:"name"`
	Type string  `cbor:"type"`
	Off  *uint64 `cbor:"off,omitempty"`
	Len  *uint64 `cbor:"len,omitempty"`
}

// FileHashResponse reports the requested digest plus the range it was
// computed over.
type FileHashResponse struct {
	wire.ResponseMeta
	Off    uint64 `cbor:"off"`
	Len    uint64 `cbor:"len"`
	Output []byte `cbor:"output"`
}

// Hash computes alg over name, optionally restricted to [off, off+length).
func (m *FS) Hash(ctx context.Context, alg HashAlgorithm, name string, off, length *uint64) (FileHashResponse, error) {
	req := fileHashRequest{Name: name, Type: string(alg), Off: off, Len: length}

	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupFS, cmdFSHash, req, DefaultTimeout)
	if err != nil {
		return FileHashResponse{}, err
	}

	var resp FileHashResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return FileHashResponse{}, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return resp, err
	}

	return resp, nil
}
