package suit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/mgmt"
	"github.com/ffenix113/smp/transport"
	"github.com/ffenix113/smp/upload"
	"github.com/ffenix113/smp/wire"
)

type fakeSender struct {
	mu      sync.Mutex
	seq     uint8
	stored  uint64
}

func (f *fakeSender) NextSeq() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.seq
	f.seq++
	return v
}

func (f *fakeSender) SendWithSeq(_ context.Context, seq uint8, _ wire.Op, _ wire.Group, _ uint8, payload any, _ time.Duration) ([]byte, wire.Header, error) {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, wire.Header{}, err
	}

	var chunk struct {
		Off  uint64 `cbor:"off"`
		Data []byte `cbor:"data"`
	}
	if err := cbor.Unmarshal(raw, &chunk); err != nil {
		return nil, wire.Header{}, err
	}

	f.mu.Lock()
	if end := chunk.Off + uint64(len(chunk.Data)); end > f.stored {
		f.stored = end
	}
	stored := f.stored
	f.mu.Unlock()

	resp, err := cbor.Marshal(struct {
		Off uint64 `cbor:"off"`
	}{Off: stored})
	if err != nil {
		return nil, wire.Header{}, err
	}

	return resp, wire.Header{Sequence: seq}, nil
}

func TestUploaderUploadsEnvelope(t *testing.T) {
	sender := &fakeSender{}
	uploader := New(sender, transport.SchemeBLE, &mgmt.SUIT{D: nil})

	envelope := make([]byte, 3000)
	for i := range envelope {
		envelope[i] = byte(i)
	}

	err := uploader.Upload(context.Background(), envelope, upload.Config{MTU: 300, PipelineDepth: 2})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	sender.mu.Lock()
	stored := sender.stored
	sender.mu.Unlock()

	if stored != uint64(len(envelope)) {
		t.Fatalf("stored %d bytes, want %d", stored, len(envelope))
	}
}
