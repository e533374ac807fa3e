package mgmt

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/wire"
)

const cmdConfig = 0x00

// Config is the Config/Settings group manager (group 3).
type Config struct {
	D Dispatcher
}

type configReadRequest struct {
	Name string `cbor:"name"`
}

type configResponse struct {
	wire.ResponseMeta
	Val string `cbor:"val"`
}

// Read returns the string value of a device settings key.
func (m *Config) Read(ctx context.Context, name string) (string, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupConfig, cmdConfig, configReadRequest{Name: name}, DefaultTimeout)
	if err != nil {
		return "", err
	}

	var resp configResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return "", &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return "", err
	}

	return resp.Val, nil
}

type configWriteRequest struct {
	Name string `cbor:"name"`
	Val  string `cbor:"val"`
}

// Write sets a device settings key to val.
func (m *Config) Write(ctx context.Context, name, val string) error {
	raw, _, err := m.D.Dispatch(ctx, wire.OpWrite, wire.GroupConfig, cmdConfig, configWriteRequest{Name: name, Val: val}, DefaultTimeout)
	if err != nil {
		return err
	}

	var resp emptyResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return &wire.InvalidPayloadError{Reason: err.Error()}
	}

	return resp.Result()
}
