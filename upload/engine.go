// Package upload implements the streaming chunked image upload engine:
// MTU-aware chunking, byte alignment, SMP pipelining, multi-image
// sequencing, and pause/resume/cancel/MTU-restart semantics. The Firmware
// upgrade FSM (package upgrade) drives it once per image plan; the SUIT
// envelope uploader (package suit) reuses it for a single envelope.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffenix113/smp/rob"
	"github.com/ffenix113/smp/transport"
	"github.com/ffenix113/smp/wire"
)

// State is the upload engine's state machine.
type State int

const (
	StateIdle State = iota
	StateUploading
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Alignment is the byte alignment every chunk after the first must
// respect.
type Alignment int

const (
	AlignmentDisabled Alignment = 0
	Alignment2        Alignment = 2
	Alignment4        Alignment = 4
	Alignment8        Alignment = 8
	Alignment16       Alignment = 16
)

// Image is one entry of an upload plan.
type Image struct {
	Index uint32
	Data  []byte
	Hash  [32]byte
}

// Config configures a single upload.
type Config struct {
	MTU                  int
	Alignment            Alignment
	PipelineDepth        int
	ReassemblyBufferSize uint64

	// ChunkTimeout bounds every chunk send except the first chunk of each
	// image, which uses FirstChunkTimeout instead (a SUIT envelope upload
	// needs headroom on its first chunk for a device-side erase; image
	// uploads use the same knob for symmetry). Both default to the
	// package-level fast/default timeouts when zero.
	ChunkTimeout      time.Duration
	FirstChunkTimeout time.Duration
}

// PipeliningEnabled reports whether more than one chunk may be in flight
// at a time.
func (c Config) PipeliningEnabled() bool {
	return c.PipelineDepth > 1
}

func (c Config) depth() int {
	if c.PipelineDepth < 1 {
		return 1
	}
	return c.PipelineDepth
}

func (c Config) chunkTimeout() time.Duration {
	if c.ChunkTimeout > 0 {
		return c.ChunkTimeout
	}
	return defaultChunkTimeout
}

func (c Config) firstChunkTimeout() time.Duration {
	if c.FirstChunkTimeout > 0 {
		return c.FirstChunkTimeout
	}
	return defaultFirstChunkTimeout
}

// Default timeouts: fast for ordinary chunks, the slower default for
// the first chunk of each image/envelope, which on many devices covers a
// flash erase before the first byte is accepted.
const (
	defaultChunkTimeout      = 5 * time.Second
	defaultFirstChunkTimeout = 40 * time.Second
)

// Delegate receives upload progress and terminal notifications.
type Delegate interface {
	UploadProgress(sent, total uint64, ts time.Time)
	UploadDidFinish()
	UploadDidFail(err error)
	UploadDidCancel()
}

// Engine errors.
var (
	ErrInvalidData    = errors.New("upload: image data is empty")
	ErrAlreadyRunning = errors.New("upload: an upload is already in progress")
	ErrNotPaused      = errors.New("upload: engine is not paused")
)

// InvalidPayloadError reports a response missing a field the engine
// needs (e.g. the offset of an upload chunk response).
type InvalidPayloadError struct {
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("upload: invalid payload: %s", e.Reason)
}

// MtuValueOutsideValidRangeError is returned by SetUploadMTU for values
// outside [transport.MinMTU, transport.MaxMTU].
type MtuValueOutsideValidRangeError struct {
	Value int
}

func (e *MtuValueOutsideValidRangeError) Error() string {
	return fmt.Sprintf("upload: mtu %d outside valid range [%d, %d]", e.Value, transport.MinMTU, transport.MaxMTU)
}

// MtuValueUnchangedError is returned by SetUploadMTU when the requested
// value equals the engine's current MTU.
type MtuValueUnchangedError struct {
	Value int
}

func (e *MtuValueUnchangedError) Error() string {
	return fmt.Sprintf("upload: mtu already %d", e.Value)
}

// RawSender is the subset of smp.Client the engine pipelines sends
// through: pre-allocate a sequence number, then dispatch against it, so
// multiple chunks can be outstanding while still landing in a rob.ROB in
// dispatch order.
type RawSender interface {
	NextSeq() uint8
	SendWithSeq(ctx context.Context, seq uint8, op wire.Op, group wire.Group, command uint8, payload any, timeout time.Duration) ([]byte, wire.Header, error)
}

// ChunkCodec builds and parses the chunk payloads for whichever command
// the engine is driving (image upload or SUIT envelope upload share the
// same chunking algorithm).
type ChunkCodec interface {
	Group() wire.Group
	Command() uint8
	BuildPayload(data []byte, off uint64, imageIndex uint32, totalLen uint64, hash [32]byte, firstChunk bool) any
	ParseOffset(raw []byte) (uint64, error)
}

type chunkResult struct {
	offset uint64
}

// Engine drives a chunked upload over a ChunkCodec-specific command.
type Engine struct {
	client RawSender
	codec  ChunkCodec
	scheme transport.Scheme

	mu sync.Mutex

	state      State
	delegate   Delegate
	images     []Image
	cfg        Config
	mtu        int
	generation int

	curImage       int
	curOffset      uint64
	ackedOffset    uint64
	completedBytes uint64
	totalBytes     uint64

	outstanding int
	rob         *rob.ROB[chunkResult]

	cancelRequested bool
	pauseRequested  bool

	wg sync.WaitGroup
}

// New creates an upload engine bound to client using codec to shape the
// wire payloads.
func New(client RawSender, scheme transport.Scheme, codec ChunkCodec) *Engine {
	return &Engine{
		client: client,
		codec:  codec,
		scheme: scheme,
		state:  StateIdle,
	}
}

// State reports the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Wait blocks until every chunk send issued so far has completed. It
// exists for tests and callers that need a synchronization point with a
// synchronous/fake RawSender; real callers drive the engine purely
// through its Delegate instead.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Start begins uploading images. Only valid from StateIdle.
func (e *Engine) Start(ctx context.Context, images []Image, cfg Config, delegate Delegate) error {
	for _, img := range images {
		if len(img.Data) == 0 {
			return ErrInvalidData
		}
	}

	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}

	e.state = StateUploading
	e.delegate = delegate
	e.images = images
	e.cfg = cfg
	e.mtu = cfg.MTU
	e.generation++
	e.curImage = 0
	e.curOffset = 0
	e.ackedOffset = 0
	e.completedBytes = 0
	e.outstanding = 0
	e.rob = rob.New[chunkResult]()
	e.cancelRequested = false
	e.pauseRequested = false

	var total uint64
	for _, img := range images {
		total += uint64(len(img.Data))
	}
	e.totalBytes = total

	e.mu.Unlock()

	e.fill(ctx)

	return nil
}

// Pause freezes new dispatches; outstanding sends are allowed to drain,
// after which the engine settles into StatePaused.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateUploading {
		return
	}

	e.pauseRequested = true
	if e.outstanding == 0 {
		e.state = StatePaused
	}
}

// Continue resumes a paused upload from the highest offset the device
// has acknowledged.
func (e *Engine) Continue(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return ErrNotPaused
	}

	e.pauseRequested = false
	e.curOffset = e.ackedOffset
	e.state = StateUploading
	e.mu.Unlock()

	e.fill(ctx)

	return nil
}

// Cancel transitions the engine to StateIdle, but only after the next
// in-flight response arrives if any sends are outstanding; it is safe to
// call from any context.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateIdle {
		return
	}

	e.cancelRequested = true

	if e.outstanding == 0 {
		e.state = StateIdle
		if e.delegate != nil {
			e.delegate.UploadDidCancel()
		}
	}
}

// SetUploadMTU updates the MTU the engine sizes future chunks against.
func (e *Engine) SetUploadMTU(n int) error {
	if n < transport.MinMTU || n > transport.MaxMTU {
		return &MtuValueOutsideValidRangeError{Value: n}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if n == e.mtu {
		return &MtuValueUnchangedError{Value: n}
	}

	e.mtu = n

	return nil
}

// restartUpload reacts to InsufficientMtu: adopt the new MTU and restart
// the current image from offset 0, preserving every image not yet fully
// uploaded. Must be called with e.mu held.
func (e *Engine) restartUploadLocked(newMtu int) {
	slog.Warn("upload: restarting after insufficient mtu", "old_mtu", e.mtu, "new_mtu", newMtu, "image", e.curImage)

	e.mtu = newMtu
	e.generation++
	e.outstanding = 0
	e.rob = rob.New[chunkResult]()
	e.curOffset = 0
	e.ackedOffset = 0
}

// fill admits as many new chunk sends as the pipeline depth and current
// plan position allow.
func (e *Engine) fill(ctx context.Context) {
	for {
		e.mu.Lock()

		if e.state != StateUploading || e.pauseRequested || e.cancelRequested {
			e.mu.Unlock()
			return
		}

		if e.curImage >= len(e.images) {
			e.mu.Unlock()
			return
		}

		if e.outstanding >= e.cfg.depth() {
			e.mu.Unlock()
			return
		}

		img := e.images[e.curImage]
		if e.curOffset >= uint64(len(img.Data)) {
			e.mu.Unlock()
			return
		}

		size := e.chunkSizeLocked(img, e.curOffset)
		if size <= 0 {
			e.mu.Unlock()
			return
		}

		end := e.curOffset + uint64(size)
		if end > uint64(len(img.Data)) {
			end = uint64(len(img.Data))
		}

		data := img.Data[e.curOffset:end]
		firstChunk := e.curOffset == 0
		payload := e.codec.BuildPayload(data, e.curOffset, img.Index, uint64(len(img.Data)), img.Hash, firstChunk)

		timeout := e.cfg.chunkTimeout()
		if firstChunk {
			timeout = e.cfg.firstChunkTimeout()
		}

		seq := e.client.NextSeq()
		e.rob.Expecting(seq)
		e.outstanding++
		gen := e.generation

		e.curOffset = end

		e.mu.Unlock()

		e.wg.Add(1)
		go e.sendChunk(ctx, gen, seq, payload, timeout)
	}
}

func (e *Engine) chunkSizeLocked(img Image, offset uint64) int {
	// Neither transport fragments a chunk across more than one Send, so a
	// chunk's on-wire packet can never exceed the link MTU: the device's
	// reassembly buffer can only shrink the budget below MTU, never grow
	// it past what a single send can carry.
	budget := e.mtu
	if e.cfg.ReassemblyBufferSize > 0 && int(e.cfg.ReassemblyBufferSize) < budget {
		budget = int(e.cfg.ReassemblyBufferSize)
	}

	firstChunk := offset == 0
	dummy := e.codec.BuildPayload([]byte{0}, offset, img.Index, uint64(len(img.Data)), img.Hash, firstChunk)

	header := wire.Header{Op: wire.OpWrite, Version: wire.Version2, Group: uint16(e.codec.Group()), CommandID: e.codec.Command()}
	packet, err := wire.BuildPacket(e.scheme, header, dummy)
	if err != nil {
		return 0
	}

	overhead := len(packet) - 1
	size := budget - overhead
	if size <= 0 {
		return 0
	}

	if e.cfg.Alignment != AlignmentDisabled && !firstChunk {
		size -= size % int(e.cfg.Alignment)
	}

	if size <= 0 {
		return 0
	}

	return size
}

func (e *Engine) sendChunk(ctx context.Context, gen int, seq uint8, payload any, timeout time.Duration) {
	defer e.wg.Done()

	raw, _, sendErr := e.client.SendWithSeq(ctx, seq, wire.OpWrite, e.codec.Group(), e.codec.Command(), payload, timeout)

	var offset uint64
	err := sendErr
	if err == nil {
		offset, err = e.codec.ParseOffset(raw)
	}

	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return
	}

	canDeliver, roErr := e.rob.ReceiveInOrder(seq, chunkResult{offset: offset}, err)
	e.mu.Unlock()

	if roErr != nil {
		slog.Error("upload: sequence outside rob window", "seq", seq, "err", roErr)
		return
	}

	if canDeliver {
		e.drain(ctx)
	}
}

func (e *Engine) drain(ctx context.Context) {
	var finished, canceled bool
	var failErr error

	e.mu.Lock()
	e.rob.Deliver(func(seq uint8, res chunkResult, err error) {
		e.outstanding--

		if e.cancelRequested {
			if e.outstanding == 0 && !canceled && e.state != StateIdle {
				e.state = StateIdle
				canceled = true
			}
			return
		}

		if err != nil {
			var mtuErr *transport.InsufficientMtuError
			if errors.As(err, &mtuErr) {
				e.restartUploadLocked(mtuErr.NewMtu)
				return
			}

			e.state = StateIdle
			failErr = err
			return
		}

		if res.offset > e.ackedOffset {
			e.ackedOffset = res.offset
		}

		img := e.images[e.curImage]
		if e.ackedOffset >= uint64(len(img.Data)) {
			e.completedBytes += uint64(len(img.Data))
			e.curImage++
			e.curOffset = 0
			e.ackedOffset = 0

			if e.curImage >= len(e.images) {
				e.state = StateIdle
				finished = true
			}
		}
	})
	if e.pauseRequested && e.outstanding == 0 && e.state == StateUploading {
		e.state = StatePaused
	}
	sent := e.completedBytes + e.ackedOffset
	total := e.totalBytes
	e.mu.Unlock()

	switch {
	case canceled:
		if e.delegate != nil {
			e.delegate.UploadDidCancel()
		}
		return
	case failErr != nil:
		if e.delegate != nil {
			e.delegate.UploadDidFail(failErr)
		}
		return
	}

	if e.delegate != nil && !finished {
		e.delegate.UploadProgress(sent, total, time.Now())
	}

	if finished {
		if e.delegate != nil {
			e.delegate.UploadProgress(total, total, time.Now())
			e.delegate.UploadDidFinish()
		}
		return
	}

	e.fill(ctx)
}
