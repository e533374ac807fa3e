package mgmt

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/wire"
)

// Command IDs for the Memfault diagnostic group.
const (
	cmdMemfaultDeviceInfo = 0x00
	cmdMemfaultProjectKey = 0x01
)

// Memfault is the vendor diagnostic-upload group manager.
type Memfault struct {
	D Dispatcher
}

type memfaultDeviceInfoResponse struct {
	wire.ResponseMeta
	DeviceInfo map[string]string `cbor:"device_info"`
}

// DeviceInfo reads the device identifiers Memfault's SDK reports
// (device_serial, hardware_version, software_version, ...).
func (m *Memfault) DeviceInfo(ctx context.Context) (map[string]string, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupMemfault, cmdMemfaultDeviceInfo, struct{}{}, DefaultTimeout)
	if err != nil {
		return nil, err
	}

	var resp memfaultDeviceInfoResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return nil, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return nil, err
	}

	return resp.DeviceInfo, nil
}

type memfaultProjectKeyResponse struct {
	wire.ResponseMeta
	Key string `cbor:"key"`
}

// ProjectKey reads the Memfault project key baked into the firmware.
func (m *Memfault) ProjectKey(ctx context.Context) (string, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupMemfault, cmdMemfaultProjectKey, struct{}{}, DefaultTimeout)
	if err != nil {
		return "", err
	}

	var resp memfaultProjectKeyResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return "", &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return "", err
	}

	return resp.Key, nil
}
