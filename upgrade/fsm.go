// Package upgrade implements the firmware upgrade orchestrator: a
// single-threaded, cooperative finite-state machine that drives the Image
// and OS group managers and the upload engine through parameter
// discovery, slot classification, upload, optional settings erase,
// test/confirm, and reset/reconnect.
package upgrade

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffenix113/smp/mgmt"
	"github.com/ffenix113/smp/transport"
	"github.com/ffenix113/smp/upload"
	"github.com/ffenix113/smp/wire"
)

// Mode selects which of the test/confirm steps the FSM performs.
type Mode int

const (
	ModeTestOnly Mode = iota
	ModeConfirmOnly
	ModeTestAndConfirm
)

func (m Mode) String() string {
	switch m {
	case ModeTestOnly:
		return "test_only"
	case ModeConfirmOnly:
		return "confirm_only"
	case ModeTestAndConfirm:
		return "test_and_confirm"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is one step of the upgrade lifecycle.
type State int

const (
	StateNone State = iota
	StateRequestParameters
	StateValidate
	StateUpload
	StateEraseAppSettings
	StateTest
	StateReset
	StateConfirm
	StateSuccess
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateRequestParameters:
		return "request_parameters"
	case StateValidate:
		return "validate"
	case StateUpload:
		return "upload"
	case StateEraseAppSettings:
		return "erase_app_settings"
	case StateTest:
		return "test"
	case StateReset:
		return "reset"
	case StateConfirm:
		return "confirm"
	case StateSuccess:
		return "success"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Delegate receives the FSM's lifecycle notifications.
type Delegate interface {
	DidStart()
	StateChanged(prev, next State)
	DidComplete()
	DidFail(state State, err error)
	DidCancel(state State)
	UploadProgress(sent, total uint64, ts time.Time)
}

// Config parameterises one upgrade run.
type Config struct {
	Mode                    Mode
	Upload                  upload.Config
	EraseAppSettingsEnabled bool
	EstimatedSwapTime       time.Duration
	ReconnectTimeout        time.Duration
}

func (c Config) reconnectTimeout() time.Duration {
	if c.ReconnectTimeout > 0 {
		return c.ReconnectTimeout
	}
	return 30 * time.Second
}

// Upgrade-specific errors.
var (
	ErrAlreadyRunning = errors.New("upgrade: already running")
	ErrCanceled       = errors.New("upgrade: canceled")
)

// AlreadyConfirmedError is returned during VALIDATE when a testOnly run
// targets an image whose hash is already the permanent secondary.
type AlreadyConfirmedError struct {
	ImageIndex uint32
}

func (e *AlreadyConfirmedError) Error() string {
	return fmt.Sprintf("upgrade: image %d is already confirmed", e.ImageIndex)
}

// ConnectionFailedAfterResetError reports that the device did not
// reconnect within the expected window after a reset.
type ConnectionFailedAfterResetError struct {
	Reason string
}

func (e *ConnectionFailedAfterResetError) Error() string {
	return fmt.Sprintf("upgrade: connection failed after reset: %s", e.Reason)
}

// UnknownError is surfaced when a response fails an invariant the FSM
// relies on that has no more specific error type.
type UnknownError struct {
	Message string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("upgrade: %s", e.Message)
}

// Device is the set of dependencies the FSM drives. Every field can be
// filled from an smp.Client: its OS/Image/Basic fields are the respective
// group managers, the client itself is an upload.RawSender, and its
// Scheme/Connect/Observe methods forward to the underlying transport.
type Device struct {
	OS    *mgmt.OS
	Image *mgmt.Image
	Basic *mgmt.Basic

	Sender  upload.RawSender
	Scheme  transport.Scheme
	Connect func(ctx context.Context) (transport.ConnState, error)
	Observe func(fn func(transport.ConnState)) (unsubscribe func())
}

type imageStatus struct {
	uploaded  bool
	tested    bool
	confirmed bool
}

// FSM is a single-use upgrade orchestrator: call Run once per upgrade
// attempt. It keeps no state across runs beyond its State()/Cancel()
// surface.
type FSM struct {
	dev Device

	mu     sync.Mutex
	state  State
	cfg    Config
	images []upload.Image

	delegate Delegate
	engine   *upload.Engine
}

// New creates an upgrade orchestrator bound to dev.
func New(dev Device) *FSM {
	return &FSM{dev: dev}
}

// State reports the FSM's current step.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Cancel stops the upload engine mid-transfer, if the FSM is currently
// uploading; it is a no-op at any other step, matching the upload
// engine's own any-context cancellation contract.
func (f *FSM) Cancel() {
	f.mu.Lock()
	engine := f.engine
	f.mu.Unlock()

	if engine != nil {
		engine.Cancel()
	}
}

// Run drives the upgrade to completion, failure, or cancellation, and
// notifies delegate at every step. It blocks for the duration of the
// upgrade; callers that want it in the background should run it in their
// own goroutine.
func (f *FSM) Run(ctx context.Context, images []upload.Image, cfg Config, delegate Delegate) error {
	f.mu.Lock()
	if f.state != StateNone {
		f.mu.Unlock()
		return ErrAlreadyRunning
	}
	f.delegate = delegate
	f.cfg = cfg
	f.images = images
	f.mu.Unlock()

	if delegate != nil {
		delegate.DidStart()
	}

	err := f.runSteps(ctx)

	failedAt := f.State()

	switch {
	case errors.Is(err, ErrCanceled):
		f.transition(StateNone)
		if delegate != nil {
			delegate.DidCancel(failedAt)
		}
		return nil
	case err != nil:
		f.transition(StateNone)
		if delegate != nil {
			delegate.DidFail(failedAt, err)
		}
		return err
	}

	f.transition(StateSuccess)
	if delegate != nil {
		delegate.DidComplete()
	}

	return nil
}

func (f *FSM) transition(next State) {
	f.mu.Lock()
	prev := f.state
	f.state = next
	delegate := f.delegate
	f.mu.Unlock()

	if delegate != nil {
		delegate.StateChanged(prev, next)
	}
}

func (f *FSM) runSteps(ctx context.Context) error {
	f.transition(StateRequestParameters)
	reassembly, eraseSupported := f.requestParameters(ctx)
	eraseEnabled := f.cfg.EraseAppSettingsEnabled && eraseSupported

	f.transition(StateValidate)
	statuses, err := f.classifyAll(ctx)
	if err != nil {
		return err
	}

	var toUpload []upload.Image
	for _, img := range f.images {
		if !statuses[img.Index].uploaded {
			toUpload = append(toUpload, img)
		}
	}

	if len(toUpload) > 0 {
		f.transition(StateUpload)

		uploadCfg := f.cfg.Upload
		uploadCfg.ReassemblyBufferSize = reassembly

		if err := f.runUpload(ctx, toUpload, uploadCfg); err != nil {
			return err
		}

		for _, img := range toUpload {
			s := statuses[img.Index]
			s.uploaded = true
			statuses[img.Index] = s
		}
	}

	if eraseEnabled {
		f.transition(StateEraseAppSettings)

		if err := f.dev.Basic.EraseAppSettings(ctx); err != nil && !isUnsupported(err) {
			return err
		}
	}

	testedAny := false
	if f.cfg.Mode == ModeTestOnly || f.cfg.Mode == ModeTestAndConfirm {
		f.transition(StateTest)

		for _, img := range f.images {
			s := statuses[img.Index]
			if s.confirmed || s.tested {
				continue
			}

			list, err := f.dev.Image.Test(ctx, img.Hash[:])
			if err != nil {
				return err
			}

			slot, ok := findSlot(list.Images, img.Index, 1)
			if !ok || !slot.IsPending() {
				return &UnknownError{Message: fmt.Sprintf("image %d not in pending state after test", img.Index)}
			}

			s.tested = true
			statuses[img.Index] = s
			testedAny = true
		}
	}

	if testedAny || f.cfg.Mode == ModeConfirmOnly {
		f.transition(StateReset)

		if err := f.resetAndReconnect(ctx); err != nil {
			return err
		}
	}

	f.transition(StateConfirm)

	switch f.cfg.Mode {
	case ModeConfirmOnly:
		for _, img := range f.images {
			if statuses[img.Index].confirmed {
				continue
			}

			list, err := f.dev.Image.List(ctx)
			if err != nil {
				return err
			}

			if slot, ok := findSlot(list.Images, img.Index, 1); ok && slot.IsPending() {
				continue
			}

			if _, err := f.dev.Image.Confirm(ctx, img.Hash[:]); err != nil {
				return err
			}
		}

		if err := f.resetAndReconnect(ctx); err != nil {
			return err
		}

	case ModeTestAndConfirm:
		list, err := f.dev.Image.List(ctx)
		if err != nil {
			return err
		}

		for _, img := range f.images {
			primary, ok := findSlot(list.Images, img.Index, 0)
			if !ok || !bytes.Equal(primary.Hash, img.Hash[:]) {
				return &UnknownError{Message: fmt.Sprintf("image %d primary hash mismatch after reset", img.Index)}
			}
			if primary.IsConfirmed() {
				continue
			}

			if _, err := f.dev.Image.Confirm(ctx, img.Hash[:]); err != nil {
				return err
			}
		}

	case ModeTestOnly:
		// The test step above already left every image pending; nothing
		// further to confirm.
	}

	return nil
}

// requestParameters asks the device for its SAR buffer size. Any
// failure, including RcUnsupported, is non-fatal: the FSM proceeds with
// SAR disabled.
func (f *FSM) requestParameters(ctx context.Context) (reassemblyBufferSize uint64, supported bool) {
	params, err := f.dev.OS.Params(ctx)
	if err != nil {
		slog.Warn("upgrade: parameters query failed, proceeding with conservative defaults", "err", err)
		return 0, false
	}

	return params.BufSize, true
}

// classifyAll runs slot validation to completion, following the
// "confirm primary then re-validate" / "reset then re-validate" loops
// where a secondary slot holds a conflicting hash. Bounded to avoid
// spinning forever against a device that never converges.
func (f *FSM) classifyAll(ctx context.Context) (map[uint32]imageStatus, error) {
	const maxAttempts = 4

	statuses := make(map[uint32]imageStatus, len(f.images))
	remaining := append([]upload.Image(nil), f.images...)

	for attempt := 0; len(remaining) > 0; attempt++ {
		if attempt >= maxAttempts {
			return nil, &UnknownError{Message: "validate did not converge"}
		}

		list, err := f.dev.Image.List(ctx)
		if err != nil {
			return nil, err
		}

		var next []upload.Image

		for _, img := range remaining {
			target := img.Hash[:]
			primary, _ := findSlot(list.Images, img.Index, 0)
			secondary, hasSecondary := findSlot(list.Images, img.Index, 1)

			switch {
			case len(primary.Hash) > 0 && bytes.Equal(primary.Hash, target) && primary.IsConfirmed():
				statuses[img.Index] = imageStatus{uploaded: true, tested: true, confirmed: true}

			case len(primary.Hash) > 0 && bytes.Equal(primary.Hash, target):
				statuses[img.Index] = imageStatus{uploaded: true, tested: true}

			case hasSecondary && bytes.Equal(secondary.Hash, target) && secondary.IsPermanent():
				if f.cfg.Mode == ModeTestOnly {
					return nil, &AlreadyConfirmedError{ImageIndex: img.Index}
				}
				statuses[img.Index] = imageStatus{uploaded: true, confirmed: true}

			case hasSecondary && bytes.Equal(secondary.Hash, target) && secondary.IsPending():
				statuses[img.Index] = imageStatus{uploaded: true, tested: true}

			case hasSecondary && bytes.Equal(secondary.Hash, target):
				statuses[img.Index] = imageStatus{uploaded: true}

			case hasSecondary && len(secondary.Hash) > 0 && secondary.IsPermanent():
				if _, err := f.dev.Image.Confirm(ctx, nil); err != nil {
					return nil, err
				}
				next = append(next, img)

			case hasSecondary && len(secondary.Hash) > 0 && secondary.IsPending():
				if err := f.resetAndReconnect(ctx); err != nil {
					return nil, err
				}
				next = append(next, img)

			default:
				// The secondary slot is empty or will be overwritten by
				// the upload.
				statuses[img.Index] = imageStatus{}
			}
		}

		remaining = next
	}

	return statuses, nil
}

func findSlot(slots []mgmt.ImageSlot, imageIndex, slot uint32) (mgmt.ImageSlot, bool) {
	for _, s := range slots {
		if s.ImageIndex() == imageIndex && s.Slot == slot {
			return s, true
		}
	}
	return mgmt.ImageSlot{}, false
}

func isUnsupported(err error) bool {
	var rcErr *wire.ReturnCodeError
	if errors.As(err, &rcErr) && rcErr.Rc == wire.RcUnsupported {
		return true
	}

	var groupErr *wire.GroupError
	if errors.As(err, &groupErr) && groupErr.Rc == wire.RcUnsupported {
		return true
	}

	return false
}

// uploadBridge adapts the upload engine's Delegate to the FSM, forwarding
// progress and collapsing finish/fail/cancel into a single result
// channel the FSM's UPLOAD step blocks on.
type uploadBridge struct {
	fsm  *FSM
	done chan error
}

func (b *uploadBridge) UploadProgress(sent, total uint64, ts time.Time) {
	if b.fsm.delegate != nil {
		b.fsm.delegate.UploadProgress(sent, total, ts)
	}
}

func (b *uploadBridge) UploadDidFinish()        { b.done <- nil }
func (b *uploadBridge) UploadDidFail(err error)  { b.done <- err }
func (b *uploadBridge) UploadDidCancel()         { b.done <- ErrCanceled }

func (f *FSM) runUpload(ctx context.Context, images []upload.Image, cfg upload.Config) error {
	engine := upload.New(f.dev.Sender, f.dev.Scheme, &upload.ImageCodec{})

	f.mu.Lock()
	f.engine = engine
	f.mu.Unlock()

	bridge := &uploadBridge{fsm: f, done: make(chan error, 1)}

	if err := engine.Start(ctx, images, cfg, bridge); err != nil {
		return err
	}

	select {
	case err := <-bridge.done:
		return err
	case <-ctx.Done():
		engine.Cancel()
		<-bridge.done
		return ctx.Err()
	}
}

// resetAndReconnect sends an OS reset, waits for the transport to report
// disconnection, sleeps the estimated swap time, then reconnects.
func (f *FSM) resetAndReconnect(ctx context.Context) error {
	stateCh := make(chan transport.ConnState, 8)
	unsubscribe := f.dev.Observe(func(s transport.ConnState) {
		select {
		case stateCh <- s:
		default:
		}
	})
	defer unsubscribe()

	if err := f.dev.OS.Reset(ctx, false); err != nil {
		return err
	}

	if err := waitForConnState(ctx, stateCh, transport.StateDisconnected, f.cfg.reconnectTimeout()); err != nil {
		return &ConnectionFailedAfterResetError{Reason: err.Error()}
	}

	select {
	case <-time.After(f.cfg.EstimatedSwapTime):
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := f.dev.Connect(ctx); err != nil {
		return &ConnectionFailedAfterResetError{Reason: err.Error()}
	}

	return nil
}

func waitForConnState(ctx context.Context, ch <-chan transport.ConnState, want transport.ConnState, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case s := <-ch:
			if s == want {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for %s", want)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
