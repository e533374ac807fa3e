// Package transport defines the duplex transport contract the SMP core
// dispatches frames through, and the connection-state observer higher
// layers (notably the firmware upgrade FSM) use to react to a device
// reset.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Scheme identifies how a frame is framed on the wire: raw header+CBOR for
// BLE/UDP, or a CBOR map carrying the header under "_h" for CoAP-based
// transports.
type Scheme int

const (
	SchemeBLE Scheme = iota
	SchemeCoAPBLE
	SchemeCoAPUDP
)

func (s Scheme) String() string {
	switch s {
	case SchemeBLE:
		return "ble"
	case SchemeCoAPBLE:
		return "coap+ble"
	case SchemeCoAPUDP:
		return "coap+udp"
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

// IsCoAP reports whether the scheme frames payloads as a CBOR map with the
// header carried under the "_h" key, rather than raw header||cbor bytes.
func (s Scheme) IsCoAP() bool {
	return s == SchemeCoAPBLE || s == SchemeCoAPUDP
}

// IsBLE reports whether the scheme rides over a BLE GATT characteristic.
// The BLE adapter's default MTU (ble.DefaultMTU) is a single constant; it
// is not chosen from an OS-version table.
func (s Scheme) IsBLE() bool {
	return s == SchemeBLE || s == SchemeCoAPBLE
}

// MTU bounds accepted by SetUploadMTU and the upload engine.
const (
	MinMTU = 73
	MaxMTU = 1024
)

// ConnState is a transport connection-state observation.
type ConnState int

const (
	StateConnected ConnState = iota
	StateDeferred
	StateDisconnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDeferred:
		return "deferred"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("conn-state(%d)", int(s))
	}
}

// InsufficientMtuError is a distinguished transport error: the device
// rejected a send because it exceeds its negotiated MTU. The core reacts
// by lowering its MTU and restarting the in-flight upload from offset 0.
type InsufficientMtuError struct {
	NewMtu int
}

func (e *InsufficientMtuError) Error() string {
	return fmt.Sprintf("smp: insufficient mtu, device reports %d", e.NewMtu)
}

// Transport is the duplex contract the SMP core dispatches frames
// through. Send is synchronous from the caller's point of view: even if
// the underlying transport is asynchronous, Send blocks until a matching
// response arrives or timeout elapses.
type Transport interface {
	Scheme() Scheme

	// Connect establishes the underlying link. It may return before the
	// link is fully usable (StateDeferred) when discovery/negotiation
	// continues asynchronously; callers should rely on Observe for the
	// eventual StateConnected transition in that case.
	Connect(ctx context.Context) (ConnState, error)

	// Send transmits data and waits for the correlated response, or
	// returns an error (including context.DeadlineExceeded on timeout,
	// or *InsufficientMtuError).
	Send(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error)

	Close() error

	// Observe registers fn to be called on every connection-state
	// change. The returned func unsubscribes it.
	Observe(fn func(ConnState)) (unsubscribe func())
}
