// Package coap implements the minimal CoAP framing the SMP core needs
// over UDP: a confirmable POST to /omgr carrying the already-"_h"-wrapped
// CBOR envelope as payload. Everything else about CoAP — retransmission
// back-off, block-wise transfer, observe, option ordering beyond what a
// single Uri-Path option needs — is out of scope; this package exists
// only to get the envelope onto the wire and a response payload back
// off it.
package coap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ffenix113/smp/transport"
)

const uriPath = "omgr"

const (
	coapVersion = 1
	typeCON     = 0
	typeACK     = 2
	codePOST    = 0x02
	codeChanged = 0x44
	optUriPath  = 11
)

var _ transport.Transport = (*Transport)(nil)

// Transport is a confirmable-request CoAP/UDP client dedicated to the
// /omgr SMP resource.
type Transport struct {
	addr string
	conn net.Conn

	mu    sync.Mutex
	msgID uint16

	obsMu sync.Mutex
	obs   map[int]func(transport.ConnState)
	obsID int
}

// New creates a CoAP/UDP transport dialing the given "host:port" address.
func New(addr string) *Transport {
	return &Transport{
		addr:  addr,
		msgID: uint16(rand.Intn(1 << 16)),
		obs:   make(map[int]func(transport.ConnState)),
	}
}

// Scheme implements transport.Transport.
func (t *Transport) Scheme() transport.Scheme {
	return transport.SchemeCoAPUDP
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context) (transport.ConnState, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "udp", t.addr)
	if err != nil {
		t.notify(transport.StateFailed)
		return transport.StateFailed, fmt.Errorf("coap: dial: %w", err)
	}

	t.conn = conn
	t.notify(transport.StateConnected)

	return transport.StateConnected, nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.notify(transport.StateDisconnected)

	return err
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

// Send implements transport.Transport: wraps data (already a complete
// CBOR envelope per wire.BuildPacket) as a confirmable CoAP POST to
// /omgr, and returns the payload of the matching ACK.
func (t *Transport) Send(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	if t.conn == nil {
		return nil, errors.New("coap: not connected")
	}

	id := t.nextMsgID()
	token := make([]byte, 2)
	_, _ = rand.Read(token)

	req := encodeMessage(typeCON, codePOST, id, token, []byte(uriPath), data)

	if err := t.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("coap: set deadline: %w", err)
	}

	if _, err := t.conn.Write(req); err != nil {
		return nil, fmt.Errorf("coap: write: %w", err)
	}

	buf := make([]byte, 2048)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, context.DeadlineExceeded
			}
			return nil, fmt.Errorf("coap: read: %w", err)
		}

		msg, err := decodeMessage(buf[:n])
		if err != nil {
			return nil, fmt.Errorf("coap: decode response: %w", err)
		}

		if msg.id != id {
			continue
		}

		return msg.payload, nil
	}
}

func (t *Transport) nextMsgID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.msgID
	t.msgID++

	return id
}

type message struct {
	id      uint16
	code    byte
	token   []byte
	payload []byte
}

// encodeMessage builds a minimal CoAP message: 4-byte header, token, a
// single Uri-Path option, the 0xFF payload marker, then the payload.
func encodeMessage(typ byte, code byte, id uint16, token, uriPathOpt, payload []byte) []byte {
	out := make([]byte, 0, 4+len(token)+2+len(uriPathOpt)+1+len(payload))

	first := byte(coapVersion<<6) | (typ << 4) | byte(len(token)&0x0F)
	out = append(out, first, code)

	var idBuf [2]byte
	binary.BigEndian.PutUint16(idBuf[:], id)
	out = append(out, idBuf[:]...)
	out = append(out, token...)

	// Single Uri-Path option, delta == option number since it's the first.
	optLen := len(uriPathOpt)
	out = append(out, byte(optUriPath<<4)|byte(optLen&0x0F))
	out = append(out, uriPathOpt...)

	if len(payload) > 0 {
		out = append(out, 0xFF)
		out = append(out, payload...)
	}

	return out
}

func decodeMessage(buf []byte) (message, error) {
	if len(buf) < 4 {
		return message{}, errors.New("message shorter than coap header")
	}

	tokenLen := int(buf[0] & 0x0F)
	if 4+tokenLen > len(buf) {
		return message{}, errors.New("token length exceeds message")
	}

	msg := message{
		code:  buf[1],
		id:    binary.BigEndian.Uint16(buf[2:4]),
		token: buf[4 : 4+tokenLen],
	}

	rest := buf[4+tokenLen:]

	// Skip options until the 0xFF payload marker or end of message; this
	// client never needs to read option values back.
	i := 0
	for i < len(rest) {
		if rest[i] == 0xFF {
			msg.payload = rest[i+1:]
			return msg, nil
		}

		delta := int(rest[i]>>4) & 0x0F
		length := int(rest[i]) & 0x0F
		i++

		if delta == 13 {
			i++
		} else if delta == 14 {
			i += 2
		}

		if length == 13 {
			if i < len(rest) {
				length = 13 + int(rest[i])
			}
			i++
		} else if length == 14 {
			i += 2
		}

		i += length
	}

	return msg, nil
}
