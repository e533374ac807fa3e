package mgmt

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/wire"
)

// Command IDs for the Logs group (group 4).
const (
	cmdLogsShow  = 0x00
	cmdLogsClear = 0x01
)

// LogEntry is one record returned by a logs show.
type LogEntry struct {
	Name    string         `cbor:"name"`
	Entries []LogEntryLine `cbor:"entries"`
}

// LogEntryLine is a single log line within a module's entries.
type LogEntryLine struct {
	Msg       string `cbor:"msg"`
	Timestamp uint64 `cbor:"ts"`
	Level     uint8  `cbor:"level"`
	Index     uint64 `cbor:"index"`
}

// Logs is the Logs group manager (group 4).
type Logs struct {
	D Dispatcher
}

type logsShowResponse struct {
	wire.ResponseMeta
	Logs []LogEntry `cbor:"logs"`
}

// Show reads all buffered log entries.
func (m *Logs) Show(ctx context.Context) ([]LogEntry, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupLogs, cmdLogsShow, struct{}{}, DefaultTimeout)
	if err != nil {
		return nil, err
	}

	var resp logsShowResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return nil, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return nil, err
	}

	return resp.Logs, nil
}

// Clear discards buffered log entries.
func (m *Logs) Clear(ctx context.Context) error {
	raw, _, err := m.D.Dispatch(ctx, wire.OpWrite, wire.GroupLogs, cmdLogsClear, struct{}{}, DefaultTimeout)
	if err != nil {
		return err
	}

	var resp emptyResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return &wire.InvalidPayloadError{Reason: err.Error()}
	}

	return resp.Result()
}
