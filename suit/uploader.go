// Package suit implements the SUIT envelope uploader: a single envelope
// upload that reuses the image upload engine's chunking and pipelining,
// with the first chunk given extra headroom for a device-side erase
// before the envelope is accepted.
package suit

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/ffenix113/smp/mgmt"
	"github.com/ffenix113/smp/transport"
	"github.com/ffenix113/smp/upload"
)

// ErrCanceled is returned by Upload when the envelope upload was
// canceled via Cancel. Cancellation through the context passed to Upload
// returns ctx.Err() instead.
var ErrCanceled = errors.New("suit: upload canceled")

// firstChunkTimeout is the "slow" default the first envelope chunk uses
// to cover a device-side erase before it accepts new data.
const firstChunkTimeout = 40 * time.Second

// Uploader drives a single SUIT envelope upload.
type Uploader struct {
	manifests *mgmt.SUIT
	engine    *upload.Engine
}

// New creates an envelope uploader. sender/scheme are the same values
// passed to smp.Client: the engine pipelines chunk sends through them
// directly rather than through the synchronous mgmt.SUIT.EnvelopeUpload
// method, exactly like the image upload engine does for the Image group.
func New(sender upload.RawSender, scheme transport.Scheme, manifests *mgmt.SUIT) *Uploader {
	return &Uploader{
		manifests: manifests,
		engine:    upload.New(sender, scheme, &upload.SUITCodec{}),
	}
}

// Upload sends envelope in full, blocking until it finishes, fails, or
// ctx is canceled. The envelope's hash is its own SHA-256 digest.
func (u *Uploader) Upload(ctx context.Context, envelope []byte, cfg upload.Config) error {
	cfg.FirstChunkTimeout = firstChunkTimeout

	done := make(chan error, 1)
	bridge := &uploadBridge{done: done}

	image := upload.Image{
		Index: 0,
		Data:  envelope,
		Hash:  sha256.Sum256(envelope),
	}

	if err := u.engine.Start(ctx, []upload.Image{image}, cfg, bridge); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		u.engine.Cancel()
		<-done
		return ctx.Err()
	}
}

// Cancel stops an in-progress envelope upload; safe from any context.
func (u *Uploader) Cancel() {
	u.engine.Cancel()
}

// Manifests returns the SUIT group manager backing manifest-state reads,
// for callers that want to inspect installed manifests before or after
// an upload.
func (u *Uploader) Manifests() *mgmt.SUIT {
	return u.manifests
}

type uploadBridge struct {
	done chan error
}

func (b *uploadBridge) UploadProgress(uint64, uint64, time.Time) {}
func (b *uploadBridge) UploadDidFinish()                         { b.done <- nil }
func (b *uploadBridge) UploadDidFail(err error)                  { b.done <- err }
func (b *uploadBridge) UploadDidCancel()                         { b.done <- ErrCanceled }
