package mgmt

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/wire"
)

const cmdBasicEraseAppSettings = 0x00

// Basic is the group-63 manager: a single vendor command to erase the
// application's persisted settings, used by the upgrade FSM's
// ERASE_APP_SETTINGS step.
type Basic struct {
	D Dispatcher
}

// EraseAppSettings asks the device to erase its application settings
// store. Devices without the basic group respond with RcUnsupported,
// which the FSM treats as a no-op.
func (m *Basic) EraseAppSettings(ctx context.Context) error {
	raw, _, err := m.D.Dispatch(ctx, wire.OpWrite, wire.GroupBasic, cmdBasicEraseAppSettings, struct{}{}, FastTimeout)
	if err != nil {
		return err
	}

	var resp emptyResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return &wire.InvalidPayloadError{Reason: err.Error()}
	}

	return resp.Result()
}
