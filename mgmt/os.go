package mgmt

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/wire"
)

// MessageOverLimitError is the local guard Echo enforces before a frame
// ever reaches the transport.
type MessageOverLimitError struct {
	Size int
}

func (e *MessageOverLimitError) Error() string {
	return fmt.Sprintf("smp: message over limit: %d bytes", e.Size)
}

// maxEchoMessageSize is the largest built packet Echo will send.
const maxEchoMessageSize = 2475

// Command IDs for the OS/Default group (group 0).
const (
	cmdEcho           = 0x00
	cmdConsoleEcho    = 0x01
	cmdTaskStats      = 0x02
	cmdMemPoolStats   = 0x03
	cmdDateTime       = 0x04
	cmdReset          = 0x05
	cmdMCUMgrParams   = 0x06
	cmdApplicationInfo = 0x07
	cmdBootloaderInfo = 0x08
)

// OS is the Default/OS group manager (group 0).
type OS struct {
	D Dispatcher
}

type echoRequest struct {
	D string `cbor:"d"`
}

type echoResponse struct {
	wire.ResponseMeta
	R string `cbor:"r"`
}

// Echo sends d back to the device and returns what it echoes. It fails
// locally with MessageOverLimitError if the built packet would exceed
// 2475 bytes, without touching the transport.
func (o *OS) Echo(ctx context.Context, d string) (string, error) {
	req := echoRequest{D: d}

	encoded, err := cbor.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("smp: encode echo request: %w", err)
	}
	if size := wire.HeaderLength + len(encoded); size > maxEchoMessageSize {
		return "", &MessageOverLimitError{Size: size}
	}

	raw, _, err := o.D.Dispatch(ctx, wire.OpWrite, wire.GroupOS, cmdEcho, req, DefaultTimeout)
	if err != nil {
		return "", err
	}

	var resp echoResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return "", &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return "", err
	}

	return resp.R, nil
}

type consoleEchoRequest struct {
	Echo bool `cbor:"echo"`
}

type emptyResponse struct {
	wire.ResponseMeta
}

// ConsoleEcho toggles whether the device's shell console echoes input.
func (o *OS) ConsoleEcho(ctx context.Context, enable bool) error {
	raw, _, err := o.D.Dispatch(ctx, wire.OpWrite, wire.GroupOS, cmdConsoleEcho, consoleEchoRequest{Echo: enable}, DefaultTimeout)
	if err != nil {
		return err
	}

	var resp emptyResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return &wire.InvalidPayloadError{Reason: err.Error()}
	}

	return resp.Result()
}

// TaskStat is a single task's reported statistics.
type TaskStat struct {
	Priority    uint8  `cbor:"prio"`
	TaskID      uint8  `cbor:"tid"`
	State       uint8  `cbor:"state"`
	StackUse    uint32 `cbor:"stkuse"`
	StackSize   uint32 `cbor:"stksiz"`
	ContextSwaps uint32 `cbor:"cswcnt"`
	Runtime     uint32 `cbor:"runtime"`
}

type taskStatsResponse struct {
	wire.ResponseMeta
	Tasks map[string]TaskStat `cbor:"tasks"`
}

// TaskStats reads per-task runtime statistics from the device.
func (o *OS) TaskStats(ctx context.Context) (map[string]TaskStat, error) {
	raw, _, err := o.D.Dispatch(ctx, wire.OpRead, wire.GroupOS, cmdTaskStats, struct{}{}, DefaultTimeout)
	if err != nil {
		return nil, err
	}

	var resp taskStatsResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return nil, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return nil, err
	}

	return resp.Tasks, nil
}

// MemPoolStats reads memory pool statistics; the response shape is a map
// keyed by pool name with device-defined fields per pool, so it is
// surfaced as a raw nested map rather than a fixed struct.
func (o *OS) MemPoolStats(ctx context.Context) (map[string]map[string]uint32, error) {
	raw, _, err := o.D.Dispatch(ctx, wire.OpRead, wire.GroupOS, cmdMemPoolStats, struct{}{}, DefaultTimeout)
	if err != nil {
		return nil, err
	}

	var meta wire.ResponseMeta
	if err := cbor.Unmarshal(raw, &meta); err != nil {
		return nil, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := meta.Result(); err != nil {
		return nil, err
	}

	var pools map[string]map[string]uint32
	if err := cbor.Unmarshal(raw, &pools); err != nil {
		return nil, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	delete(pools, "rc")
	delete(pools, "err")

	return pools, nil
}

type dateTimeResponse struct {
	wire.ResponseMeta
	Datetime string `cbor:"datetime"`
}

// ReadDatetime reads the device's RTC value, formatted per the bootloader's
// own locale-agnostic string encoding.
func (o *OS) ReadDatetime(ctx context.Context) (string, error) {
	raw, _, err := o.D.Dispatch(ctx, wire.OpRead, wire.GroupOS, cmdDateTime, struct{}{}, DefaultTimeout)
	if err != nil {
		return "", err
	}

	var resp dateTimeResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return "", &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return "", err
	}

	return resp.Datetime, nil
}

type writeDateTimeRequest struct {
	Datetime string `cbor:"datetime"`
}

// WriteDatetime sets the device's RTC to the given already-formatted
// timestamp (callers format it, e.g. via time.Time.Format with the
// bootloader's expected layout; this keeps date-formatting scoped to a
// single caller-facing helper rather than a process-wide formatter, per
// the design notes).
func (o *OS) WriteDatetime(ctx context.Context, datetime string) error {
	raw, _, err := o.D.Dispatch(ctx, wire.OpWrite, wire.GroupOS, cmdDateTime, writeDateTimeRequest{Datetime: datetime}, DefaultTimeout)
	if err != nil {
		return err
	}

	var resp emptyResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return &wire.InvalidPayloadError{Reason: err.Error()}
	}

	return resp.Result()
}

type resetRequest struct {
	// The wire protocol defines this as an integer, but firmware accepts
	// a CBOR boolean for it.
	Force bool `cbor:"force,omitempty"`
}

// Reset sends the OS reset command. force skips any graceful-shutdown
// hooks the application registered.
func (o *OS) Reset(ctx context.Context, force bool) error {
	raw, _, err := o.D.Dispatch(ctx, wire.OpWrite, wire.GroupOS, cmdReset, resetRequest{Force: force}, FastTimeout)
	if err != nil {
		return err
	}

	var resp emptyResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return &wire.InvalidPayloadError{Reason: err.Error()}
	}

	return resp.Result()
}

// Params holds the device's reassembly parameters.
type Params struct {
	BufSize  uint64 `cbor:"buf_size"`
	BufCount uint64 `cbor:"buf_count"`
}

type paramsResponse struct {
	wire.ResponseMeta
	Params
}

// Params asks for the device's SMP buffer parameters, notably the
// reassembly buffer size the upgrade FSM needs for fragmentation.
// Devices that predate SAR support answer with RcUnsupported, which
// callers should treat as "SAR disabled", not a hard failure.
func (o *OS) Params(ctx context.Context) (Params, error) {
	raw, _, err := o.D.Dispatch(ctx, wire.OpRead, wire.GroupOS, cmdMCUMgrParams, struct{}{}, FastTimeout)
	if err != nil {
		return Params{}, err
	}

	var resp paramsResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return Params{}, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return Params{}, err
	}

	return resp.Params, nil
}

type applicationInfoRequest struct {
	Format string `cbor:"format"`
}

type applicationInfoResponse struct {
	wire.ResponseMeta
	Output string `cbor:"output"`
}

// ApplicationInfo asks the device to render the application-info string
// using the given format-character set (each character selects a field,
// e.g. "s" for kernel name, per the bootloader's own convention).
func (o *OS) ApplicationInfo(ctx context.Context, formatSet string) (string, error) {
	raw, _, err := o.D.Dispatch(ctx, wire.OpRead, wire.GroupOS, cmdApplicationInfo, applicationInfoRequest{Format: formatSet}, DefaultTimeout)
	if err != nil {
		return "", err
	}

	var resp applicationInfoResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return "", &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return "", err
	}

	return resp.Output, nil
}

// BootloaderInfoQuery selects which bootloader-info field to read.
type BootloaderInfoQuery string

const (
	BootloaderInfoName BootloaderInfoQuery = "bootloader"
	BootloaderInfoMode  BootloaderInfoQuery = "mode"
)

type bootloaderInfoRequest struct {
	Query string `cbor:"query,omitempty"`
}

// BootloaderInfo reads either the bootloader name or its active mode,
// returned as a raw CBOR-decoded value since its type depends on query.
func (o *OS) BootloaderInfo(ctx context.Context, query BootloaderInfoQuery) (any, error) {
	raw, _, err := o.D.Dispatch(ctx, wire.OpRead, wire.GroupOS, cmdBootloaderInfo, bootloaderInfoRequest{Query: string(query)}, DefaultTimeout)
	if err != nil {
		return nil, err
	}

	var meta wire.ResponseMeta
	if err := cbor.Unmarshal(raw, &meta); err != nil {
		return nil, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := meta.Result(); err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := cbor.Unmarshal(raw, &fields); err != nil {
		return nil, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	delete(fields, "rc")
	delete(fields, "err")

	if v, ok := fields[string(query)]; ok {
		return v, nil
	}

	return fields, nil
}
