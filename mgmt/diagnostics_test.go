package mgmt

import (
	"context"
	"testing"

	"github.com/ffenix113/smp/wire"
)

func TestStatsReadAndList(t *testing.T) {
	d := &fakeDispatcher{
		handle: func(_ context.Context, _ wire.Op, group wire.Group, command uint8, payload any) (any, error) {
			if group != wire.GroupStats {
				t.Fatalf("unexpected group %s", group)
			}
			switch command {
			case cmdStatsList:
				return statsListResponse{StatList: []string{"ble_att", "smp"}}, nil
			case cmdStatsRead:
				req := payload.(statsReadRequest)
				return StatsReadResponse{Group: req.Name, Fields: map[string]int64{"bytes": 10}}, nil
			default:
				t.Fatalf("unexpected command %d", command)
				return nil, nil
			}
		},
	}
	stats := &Stats{D: d}

	names, err := stats.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("got %v", names)
	}

	resp, err := stats.Read(context.Background(), "smp")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if resp.Fields["bytes"] != 10 {
		t.Fatalf("got %+v", resp.Fields)
	}
}

func TestConfigReadWriteRoundTrip(t *testing.T) {
	store := map[string]string{}
	d := &fakeDispatcher{
		handle: func(_ context.Context, op wire.Op, _ wire.Group, _ uint8, payload any) (any, error) {
			if op == wire.OpWrite {
				req := payload.(configWriteRequest)
				store[req.Name] = req.Val
				return emptyResponse{}, nil
			}
			req := payload.(configReadRequest)
			return configResponse{Val: store[req.Name]}, nil
		},
	}
	cfg := &Config{D: d}

	if err := cfg.Write(context.Background(), "log/level", "debug"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := cfg.Read(context.Background(), "log/level")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "debug" {
		t.Fatalf("got %q, want %q", got, "debug")
	}
}

func TestLogsShowAndClear(t *testing.T) {
	cleared := false
	d := &fakeDispatcher{
		handle: func(_ context.Context, _ wire.Op, group wire.Group, command uint8, _ any) (any, error) {
			if group != wire.GroupLogs {
				t.Fatalf("unexpected group %s", group)
			}
			switch command {
			case cmdLogsShow:
				return logsShowResponse{Logs: []LogEntry{{Name: "app", Entries: []LogEntryLine{{Msg: "boot", Level: 2}}}}}, nil
			case cmdLogsClear:
				cleared = true
				return emptyResponse{}, nil
			default:
				t.Fatalf("unexpected command %d", command)
				return nil, nil
			}
		},
	}
	logs := &Logs{D: d}

	entries, err := logs.Show(context.Background())
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if len(entries) != 1 || entries[0].Entries[0].Msg != "boot" {
		t.Fatalf("got %+v", entries)
	}

	if err := logs.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if !cleared {
		t.Fatal("expected Clear to dispatch")
	}
}

func TestRunTestPassesTestNameAndToken(t *testing.T) {
	var gotName, gotToken string
	d := &fakeDispatcher{
		handle: func(_ context.Context, _ wire.Op, group wire.Group, _ uint8, payload any) (any, error) {
			if group != wire.GroupRun {
				t.Fatalf("unexpected group %s", group)
			}
			req := payload.(runTestRequest)
			gotName, gotToken = req.TestName, req.Token
			return emptyResponse{}, nil
		},
	}
	run := &RunTest{D: d}

	if err := run.Run(context.Background(), "self_test", "abc"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotName != "self_test" || gotToken != "abc" {
		t.Fatalf("got name=%q token=%q", gotName, gotToken)
	}
}

func TestCrashTrigger(t *testing.T) {
	var gotType string
	d := &fakeDispatcher{
		handle: func(_ context.Context, _ wire.Op, group wire.Group, _ uint8, payload any) (any, error) {
			if group != wire.GroupCrash {
				t.Fatalf("unexpected group %s", group)
			}
			gotType = payload.(crashTriggerRequest).Type
			return emptyResponse{}, nil
		},
	}
	crash := &Crash{D: d}

	if err := crash.Trigger(context.Background(), "div0"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if gotType != "div0" {
		t.Fatalf("got %q, want div0", gotType)
	}
}

func TestMemfaultDeviceInfoAndProjectKey(t *testing.T) {
	d := &fakeDispatcher{
		handle: func(_ context.Context, _ wire.Op, group wire.Group, command uint8, _ any) (any, error) {
			if group != wire.GroupMemfault {
				t.Fatalf("unexpected group %s", group)
			}
			switch command {
			case cmdMemfaultDeviceInfo:
				return memfaultDeviceInfoResponse{DeviceInfo: map[string]string{"device_serial": "abc123"}}, nil
			case cmdMemfaultProjectKey:
				return memfaultProjectKeyResponse{Key: "proj-key"}, nil
			default:
				t.Fatalf("unexpected command %d", command)
				return nil, nil
			}
		},
	}
	mf := &Memfault{D: d}

	info, err := mf.DeviceInfo(context.Background())
	if err != nil {
		t.Fatalf("DeviceInfo: %v", err)
	}
	if info["device_serial"] != "abc123" {
		t.Fatalf("got %+v", info)
	}

	key, err := mf.ProjectKey(context.Background())
	if err != nil {
		t.Fatalf("ProjectKey: %v", err)
	}
	if key != "proj-key" {
		t.Fatalf("got %q, want proj-key", key)
	}
}
