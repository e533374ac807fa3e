package mgmt

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/wire"
)

const cmdCrashTrigger = 0x00

// Crash is the Crash group manager (group 5), used only in test builds to
// deliberately fault the device (e.g. to validate a crash-dump pipeline).
type Crash struct {
	D Dispatcher
}

type crashTriggerRequest struct {
	Type string `cbor:"type"`
}

// Trigger asks the device to deliberately crash in the given way (e.g.
// "div0", "jump0", "assert" — device firmware defines the vocabulary).
func (m *Crash) Trigger(ctx context.Context, crashType string) error {
	raw, _, err := m.D.Dispatch(ctx, wire.OpWrite, wire.GroupCrash, cmdCrashTrigger, crashTriggerRequest{Type: crashType}, FastTimeout)
	if err != nil {
		return err
	}

	var resp emptyResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return &wire.InvalidPayloadError{Reason: err.Error()}
	}

	return resp.Result()
}
