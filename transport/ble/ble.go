// Package ble implements the SMP Transport contract over a Bluetooth LE
// GATT characteristic, adapted from the reference BLE client: scan by
// name or address, discover the SMP service/characteristic, and
// correlate notifications back to outstanding sends by sequence number.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/ffenix113/smp/transport"
)

var characteristicSMPUUID, _ = bluetooth.ParseUUID("da2e7828-fbce-4e01-ae9e-261174997c48")

var _ transport.Transport = (*Transport)(nil)

// Config selects the peripheral to connect to, by advertised name or by
// address (whichever is set).
type Config struct {
	Name    string
	Address string

	// ScanTimeout bounds how long Connect waits for a matching
	// advertisement before giving up.
	ScanTimeout time.Duration
}

// Transport is the BLE GATT adapter for the SMP characteristic.
type Transport struct {
	cfg Config

	adapter *bluetooth.Adapter
	device  bluetooth.Device

	smpCharacteristic bluetooth.DeviceCharacteristic

	cbs   map[uint8]chan []byte
	cbsMu sync.Mutex

	obsMu sync.Mutex
	obs   map[int]func(transport.ConnState)
	obsID int
}

// New creates a BLE transport and enables the default Bluetooth adapter.
func New(cfg Config) (*Transport, error) {
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = 10 * time.Second
	}

	if err := bluetooth.DefaultAdapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	return &Transport{
		adapter: bluetooth.DefaultAdapter,
		cfg:     cfg,
		cbs:     make(map[uint8]chan []byte),
		obs:     make(map[int]func(transport.ConnState)),
	}, nil
}

// Scheme implements transport.Transport.
func (t *Transport) Scheme() transport.Scheme {
	return transport.SchemeBLE
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context) (transport.ConnState, error) {
	var found bool
	var deviceAddr bluetooth.Address

	scanCtx, cancel := context.WithTimeout(ctx, t.cfg.ScanTimeout)
	defer cancel()

	err := t.adapter.Scan(func(a *bluetooth.Adapter, sr bluetooth.ScanResult) {
		slog.Debug("ble: found device", "name", sr.LocalName(), "addr", sr.Address)

		nameMatch := t.cfg.Name != "" && sr.LocalName() == t.cfg.Name
		addrMatch := t.cfg.Address != "" && sr.Address.String() == t.cfg.Address

		if !nameMatch && !addrMatch {
			return
		}

		deviceAddr = sr.Address
		found = true

		cancel()
		_ = t.adapter.StopScan()
	})
	if err != nil {
		return transport.StateFailed, fmt.Errorf("ble: start scan: %w", err)
	}

	slog.Info("ble: scanning", "name", t.cfg.Name, "address", t.cfg.Address)

	<-scanCtx.Done()
	_ = t.adapter.StopScan()

	if !found {
		t.notify(transport.StateFailed)
		return transport.StateFailed, errors.New("ble: device not found")
	}

	dev, err := t.adapter.Connect(deviceAddr, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(10 * time.Second),
		Timeout:           bluetooth.NewDuration(10 * time.Second),
	})
	if err != nil {
		t.notify(transport.StateFailed)
		return transport.StateFailed, fmt.Errorf("ble: connect: %w", err)
	}

	t.device = dev

	if err := t.discoverSMPCharacteristic(); err != nil {
		t.notify(transport.StateFailed)
		return transport.StateFailed, fmt.Errorf("ble: discover smp service: %w", err)
	}

	if err := t.enableNotifications(); err != nil {
		t.notify(transport.StateFailed)
		return transport.StateFailed, fmt.Errorf("ble: enable notifications: %w", err)
	}

	t.notify(transport.StateConnected)

	return transport.StateConnected, nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	if err := t.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}

	t.notify(transport.StateDisconnected)

	return nil
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("ble: frame too small to carry a sequence number")
	}
	seq := data[6]

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan []byte, 1)
	t.cbsMu.Lock()
	t.cbs[seq] = ch
	t.cbsMu.Unlock()

	defer func() {
		t.cbsMu.Lock()
		delete(t.cbs, seq)
		t.cbsMu.Unlock()
	}()

	if _, err := t.smpCharacteristic.WriteWithoutResponse(data); err != nil {
		return nil, fmt.Errorf("ble: write characteristic: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		return resp, nil
	}
}

// Observe implements transport.Transport.
func (t *Transport) Observe(fn func(transport.ConnState)) func() {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()

	id := t.obsID
	t.obsID++
	t.obs[id] = fn

	return func() {
		t.obsMu.Lock()
		defer t.obsMu.Unlock()
		delete(t.obs, id)
	}
}

func (t *Transport) notify(state transport.ConnState) {
	t.obsMu.Lock()
	fns := make([]func(transport.ConnState), 0, len(t.obs))
	for _, fn := range t.obs {
		fns = append(fns, fn)
	}
	t.obsMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

func (t *Transport) discoverSMPCharacteristic() error {
	services, err := t.device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDSMP})
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}

	if len(services) != 1 {
		return errors.New("expected exactly one smp service")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{characteristicSMPUUID})
	if err != nil {
		return fmt.Errorf("discover characteristics: %w", err)
	}

	if len(chars) == 0 {
		return errors.New("smp characteristic not found")
	}

	t.smpCharacteristic = chars[0]

	return nil
}

func (t *Transport) enableNotifications() error {
	return t.smpCharacteristic.EnableNotifications(func(buf []byte) {
		if len(buf) < 8 {
			slog.Error("ble: notification shorter than a header", "len", len(buf))
			return
		}

		seq := buf[6]

		t.cbsMu.Lock()
		ch, ok := t.cbs[seq]
		if ok {
			delete(t.cbs, seq)
		}
		t.cbsMu.Unlock()

		if !ok {
			slog.Warn("ble: notification for unexpected sequence", "seq", seq)
			return
		}

		cp := make([]byte, len(buf))
		copy(cp, buf)
		ch <- cp
	})
}

// DefaultMTU returns the conservative default ATT MTU this client assumes
// before negotiation completes. Zephyr/Mynewt-side OS-version-specific
// defaults are a matter for the adapter deployment, not this library; 498
// matches the common post-negotiation ATT MTU on modern stacks (23-byte
// legacy default plus the typical extended negotiation), clamped into the
// protocol's valid MTU range.
func DefaultMTU() int {
	const def = 498
	if def < transport.MinMTU {
		return transport.MinMTU
	}
	if def > transport.MaxMTU {
		return transport.MaxMTU
	}
	return def
}
