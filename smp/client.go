// Package smp wires the wire codec, transport, and command group managers
// together into a single client.
package smp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffenix113/smp/mgmt"
	"github.com/ffenix113/smp/rob"
	"github.com/ffenix113/smp/transport"
	"github.com/ffenix113/smp/wire"
)

// Client is the SMP client: it owns the transport, the sequence
// allocator, and one instance of every command group manager.
type Client struct {
	transport transport.Transport
	seq       *rob.SeqAllocator

	OS       *mgmt.OS
	Image    *mgmt.Image
	FS       *mgmt.FS
	Basic    *mgmt.Basic
	Stats    *mgmt.Stats
	Config   *mgmt.Config
	Logs     *mgmt.Logs
	RunTest  *mgmt.RunTest
	Crash    *mgmt.Crash
	SUIT     *mgmt.SUIT
	Memfault *mgmt.Memfault
}

var _ mgmt.Dispatcher = (*Client)(nil)

// New creates a client around an already-constructed transport.
func New(t transport.Transport) *Client {
	c := &Client{
		transport: t,
		seq:       rob.NewSeqAllocator(0),
	}

	c.OS = &mgmt.OS{D: c}
	c.Image = &mgmt.Image{D: c}
	c.FS = &mgmt.FS{D: c}
	c.Basic = &mgmt.Basic{D: c}
	c.Stats = &mgmt.Stats{D: c}
	c.Config = &mgmt.Config{D: c}
	c.Logs = &mgmt.Logs{D: c}
	c.RunTest = &mgmt.RunTest{D: c}
	c.Crash = &mgmt.Crash{D: c}
	c.SUIT = &mgmt.SUIT{D: c}
	c.Memfault = &mgmt.Memfault{D: c}

	return c
}

// Connect establishes the underlying transport connection.
func (c *Client) Connect(ctx context.Context) (transport.ConnState, error) {
	return c.transport.Connect(ctx)
}

// Close tears down the underlying transport connection.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Observe registers a connection-state observer on the underlying
// transport, for watching disconnect/reconnect across a device reset.
func (c *Client) Observe(fn func(transport.ConnState)) func() {
	return c.transport.Observe(fn)
}

// Scheme reports the wire framing scheme in use.
func (c *Client) Scheme() transport.Scheme {
	return c.transport.Scheme()
}

// Dispatch implements mgmt.Dispatcher: allocate a sequence number, build
// the packet, send it synchronously, and parse the response.
func (c *Client) Dispatch(ctx context.Context, op wire.Op, group wire.Group, command uint8, payload any, timeout time.Duration) ([]byte, wire.Header, error) {
	seq := c.seq.Next()

	return c.SendWithSeq(ctx, seq, op, group, command, payload, timeout)
}

// SendWithSeq is the lower-level primitive the upload/SUIT engines use to
// pipeline sends: the caller supplies its own pre-allocated sequence
// number (from NextSeq, used together with a rob.ROB) instead of letting
// Dispatch allocate and wait for one call at a time.
func (c *Client) SendWithSeq(ctx context.Context, seq uint8, op wire.Op, group wire.Group, command uint8, payload any, timeout time.Duration) ([]byte, wire.Header, error) {
	header := wire.Header{
		Op:        op,
		Version:   wire.Version2,
		Group:     uint16(group),
		Sequence:  seq,
		CommandID: command,
	}

	scheme := c.transport.Scheme()

	packet, err := wire.BuildPacket(scheme, header, payload)
	if err != nil {
		return nil, wire.Header{}, fmt.Errorf("smp: build packet: %w", err)
	}

	slog.Debug("smp: send", "group", group, "command", command, "seq", seq, "bytes", len(packet))

	respBytes, err := c.transport.Send(ctx, packet, timeout)
	if err != nil {
		return nil, wire.Header{}, err
	}

	respHeader, respPayload, err := wire.ParsePacket(scheme, respBytes)
	if err != nil {
		return nil, wire.Header{}, err
	}

	if respHeader.Sequence != seq {
		return nil, wire.Header{}, &wire.InvalidResponseError{
			Reason: fmt.Sprintf("sequence mismatch: sent %d, got %d", seq, respHeader.Sequence),
		}
	}

	return respPayload, respHeader, nil
}

// NextSeq allocates the next sequence number without sending anything,
// for callers (the upload engine) that need to mark a rob.ROB as
// Expecting before dispatching the send that fills it.
func (c *Client) NextSeq() uint8 {
	return c.seq.Next()
}
