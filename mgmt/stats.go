package mgmt

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/ffenix113/smp/wire"
)

// Command IDs for the Stats group (group 2).
const (
	cmdStatsRead = 0x00
	cmdStatsList = 0x01
)

// Stats is the Stats group manager (group 2).
type Stats struct {
	D Dispatcher
}

type statsReadRequest struct {
	Name string `cbor:"name"`
}

// StatsReadResponse reports a named statistics group's fields.
type StatsReadResponse struct {
	wire.ResponseMeta
	Group  string           `cbor:"group"`
	Fields map[string]int64 `cbor:"fields"`
}

// Read returns the fields of the named statistics group.
func (m *Stats) Read(ctx context.Context, name string) (StatsReadResponse, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupStats, cmdStatsRead, statsReadRequest{Name: name}, DefaultTimeout)
	if err != nil {
		return StatsReadResponse{}, err
	}

	var resp StatsReadResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return StatsReadResponse{}, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return resp, err
	}

	return resp, nil
}

type statsListResponse struct {
	wire.ResponseMeta
	StatList []string `cbor:"stat_list"`
}

// List returns the names of all statistics groups the device exposes.
func (m *Stats) List(ctx context.Context) ([]string, error) {
	raw, _, err := m.D.Dispatch(ctx, wire.OpRead, wire.GroupStats, cmdStatsList, struct{}{}, DefaultTimeout)
	if err != nil {
		return nil, err
	}

	var resp statsListResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return nil, &wire.InvalidPayloadError{Reason: err.Error()}
	}
	if err := resp.Result(); err != nil {
		return nil, err
	}

	return resp.StatList, nil
}
