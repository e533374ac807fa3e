// Package mgmt implements the thin per-group command managers: each one
// fixes a group id and exposes one method per command, builds a
// CBOR payload, dispatches it, and decodes the typed response. None of
// them retain state beyond a single call.
package mgmt

import (
	"context"
	"time"

	"github.com/ffenix113/smp/wire"
)

// Default timeouts: 40s for most commands, 5s for MTU probes, erase, and
// reset ACK.
const (
	DefaultTimeout = 40 * time.Second
	FastTimeout    = 5 * time.Second
)

// Dispatcher is the single chokepoint every command group manager sends
// through: allocate a sequence number, build the packet, hand it to the
// transport, and parse the response header back out. It is implemented by
// the top-level smp.Client.
type Dispatcher interface {
	Dispatch(ctx context.Context, op wire.Op, group wire.Group, command uint8, payload any, timeout time.Duration) ([]byte, wire.Header, error)
}
