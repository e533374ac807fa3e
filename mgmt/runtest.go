package mgmt

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/wire"
)

const cmdRunTest = 0x00

// RunTest is the Run group manager (group 7), used to trigger on-device
// self-tests registered by the application.
type RunTest struct {
	D Dispatcher
}

type runTestRequest struct {
	TestName string `cbor:"testname"`
	Token    string `cbor:"token,omitempty"`
}

// Run triggers the named self-test, optionally passing a token the
// application-registered handler interprets.
func (m *RunTest) Run(ctx context.Context, testName, token string) error {
	raw, _, err := m.D.Dispatch(ctx, wire.OpWrite, wire.GroupRun, cmdRunTest, runTestRequest{TestName: testName, Token: token}, DefaultTimeout)
	if err != nil {
		return err
	}

	var resp emptyResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return &wire.InvalidPayloadError{Reason: err.Error()}
	}

	return resp.Result()
}
