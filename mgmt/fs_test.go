package mgmt

import (
	"context"
	"testing"

	"github.com/ffenix113/smp/wire"
)

func TestFSUploadAndDownloadRoundTrip(t *testing.T) {
	store := map[string][]byte{}

	d := &fakeDispatcher{
		handle: func(_ context.Context, op wire.Op, group wire.Group, command uint8, payload any) (any, error) {
			if group != wire.GroupFS || command != cmdFSUploadDownload {
				t.Fatalf("unexpected dispatch: group=%s command=%d", group, command)
			}
			req, ok := payload.(FileChunkRequest)
			if !ok {
				t.Fatalf("unexpected payload type %T", payload)
			}

			if op == wire.OpWrite {
				store[req.Name] = append(store[req.Name][:req.Off], req.Data...)
				return FileChunkResponse{Off: uint64(len(store[req.Name]))}, nil
			}

			data := store[req.Name]
			if req.Off >= uint64(len(data)) {
				return FileChunkResponse{Off: req.Off, Data: nil}, nil
			}
			return FileChunkResponse{Off: req.Off, Data: data[req.Off:]}, nil
		},
	}
	fs := &FS{D: d}

	if _, err := fs.Upload(context.Background(), FileChunkRequest{Name: "/a", Off: 0, Data: []byte("hello")}, DefaultTimeout); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	resp, err := fs.Download(context.Background(), "/a", 0)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(resp.Data) != "hello" {
		t.Fatalf("got %q, want %q", resp.Data, "hello")
	}
}

func TestFSStatusReportsLength(t *testing.T) {
	d := &fakeDispatcher{
		handle: func(_ context.Context, _ wire.Op, _ wire.Group, command uint8, _ any) (any, error) {
			if command != cmdFSStatus {
				t.Fatalf("unexpected command %d", command)
			}
			return fileStatusResponse{Len: 42}, nil
		},
	}
	fs := &FS{D: d}

	n, err := fs.Status(context.Background(), "/a")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if n != 42 {
		t.Fatalf("got %d, want 42", n)
	}
}

func TestFSHashSendsRequestedAlgorithm(t *testing.T) {
	var gotType string
	d := &fakeDispatcher{
		handle: func(_ context.Context, _ wire.Op, _ wire.Group, _ uint8, payload any) (any, error) {
			req, ok := payload.(fileHashRequest)
			if !ok {
				t.Fatalf("unexpected payload type %T", payload)
			}
			gotType = req.Type
			return FileHashResponse{Output: []byte{0xde, 0xad}}, nil
		},
	}
	fs := &FS{D: d}

	resp, err := fs.Hash(context.Background(), HashSHA256, "/a", nil, nil)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if gotType != string(HashSHA256) {
		t.Fatalf("got type %q, want %q", gotType, HashSHA256)
	}
	if len(resp.Output) != 2 {
		t.Fatalf("unexpected output %v", resp.Output)
	}
}

func TestBasicEraseAppSettingsTreatsUnsupportedAsError(t *testing.T) {
	unsupported := wire.RcUnsupported
	d := &fakeDispatcher{
		handle: func(_ context.Context, _ wire.Op, group wire.Group, _ uint8, _ any) (any, error) {
			if group != wire.GroupBasic {
				t.Fatalf("unexpected group %s", group)
			}
			return emptyResponse{ResponseMeta: wire.ResponseMeta{Rc: &unsupported}}, nil
		},
	}
	basic := &Basic{D: d}

	err := basic.EraseAppSettings(context.Background())
	if err == nil {
		t.Fatal("expected an error for unsupported basic group")
	}
}

func TestSUITEnvelopeUploadReturnsOffset(t *testing.T) {
	d := &fakeDispatcher{
		handle: func(_ context.Context, _ wire.Op, group wire.Group, command uint8, payload any) (any, error) {
			if group != wire.GroupSUIT || command != cmdSUITEnvelopeUpload {
				t.Fatalf("unexpected dispatch: group=%s command=%d", group, command)
			}
			chunk, ok := payload.(EnvelopeChunkRequest)
			if !ok {
				t.Fatalf("unexpected payload type %T", payload)
			}
			return EnvelopeChunkResponse{Off: chunk.Off + uint64(len(chunk.Data))}, nil
		},
	}
	suit := &SUIT{D: d}

	resp, err := suit.EnvelopeUpload(context.Background(), EnvelopeChunkRequest{Off: 0, Data: []byte{1, 2, 3}}, DefaultTimeout)
	if err != nil {
		t.Fatalf("EnvelopeUpload: %v", err)
	}
	if resp.Off != 3 {
		t.Fatalf("got off %d, want 3", resp.Off)
	}
}

func TestSUITListManifests(t *testing.T) {
	d := &fakeDispatcher{
		handle: func(_ context.Context, _ wire.Op, _ wire.Group, command uint8, _ any) (any, error) {
			if command != cmdSUITManifestList {
				t.Fatalf("unexpected command %d", command)
			}
			return manifestListResponse{Manifests: []ManifestInfo{{Role: 1, SeqNum: 5, SemVer: "1.0.0"}}}, nil
		},
	}
	suit := &SUIT{D: d}

	manifests, err := suit.ListManifests(context.Background())
	if err != nil {
		t.Fatalf("ListManifests: %v", err)
	}
	if len(manifests) != 1 || manifests[0].SeqNum != 5 {
		t.Fatalf("unexpected manifests: %+v", manifests)
	}
}
