// Package wire is a simulated BLE link over Unix domain sockets: one socket
// per device, a single connection per link, central-initiated MTU exchange,
// and length-prefixed frames standing in for GATT characteristic traffic.
// It implements transport.Transport for both roles so the protocol engine
// can be exercised end to end without a radio.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/user/bletinyflow/flow"
	"github.com/user/bletinyflow/logger"
	"github.com/user/bletinyflow/transport"
	"github.com/user/bletinyflow/util"
)

// ConnectionRole represents the role in a specific connection
type ConnectionRole string

const (
	RoleCentral    ConnectionRole = "central"    // We initiated the connection
	RolePeripheral ConnectionRole = "peripheral" // They initiated the connection
)

// Frame kinds on the socket. Each frame is [len u16 LE][kind u8][payload],
// where len covers kind + payload.
const (
	frameControlWrite  uint8 = 0x01 // central -> peripheral, write-with-response
	frameControlNotify uint8 = 0x02 // peripheral -> central, notification
	frameDataWrite     uint8 = 0x03 // central -> peripheral, write-without-response
	frameMTURequest    uint8 = 0x04
	frameMTUResponse   uint8 = 0x05
)

const frameHeaderLen = 2

// Device is one end of a simulated BLE link
type Device struct {
	id         string
	prefix     string
	socketPath string

	mu       sync.RWMutex
	listener net.Listener
	conn     net.Conn
	peerID   string
	role     ConnectionRole
	mtu      int

	mux *transport.Mux

	requestMTU int

	sendMu sync.Mutex

	stopListening chan struct{}
	stopOnce      sync.Once
}

// NewDevice creates a device with the given hardware UUID; an empty id gets
// a random one.
func NewDevice(id string) *Device {
	if id == "" {
		id = uuid.NewString()
	}
	socketDir := util.GetSocketDir()
	return &Device{
		id:         id,
		prefix:     fmt.Sprintf("%s Wire", util.ShortHash(id)),
		socketPath: filepath.Join(socketDir, fmt.Sprintf("bletinyflow-%s.sock", id)),
		mtu:        flow.DefaultMTU,
		requestMTU: flow.MaxMTU,
	}
}

// SetRequestMTU overrides the MTU this device asks for when dialing.
// Values are clamped to [DefaultMTU, MaxMTU].
func (d *Device) SetRequestMTU(mtu int) {
	if mtu > flow.MaxMTU {
		mtu = flow.MaxMTU
	}
	if mtu < flow.DefaultMTU {
		mtu = flow.DefaultMTU
	}
	d.mu.Lock()
	d.requestMTU = mtu
	d.mu.Unlock()
}

// ID returns the device's hardware UUID
func (d *Device) ID() string {
	return d.id
}

// Attach wires inbound events to a protocol engine's mux. Must be called
// before Listen or Dial.
func (d *Device) Attach(mux *transport.Mux) {
	d.mux = mux
}

// Listen starts accepting connections; the device becomes the peripheral of
// any link dialed to it.
func (d *Device) Listen() error {
	os.Remove(d.socketPath)

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("wire: listen on %s: %w", d.socketPath, err)
	}

	d.mu.Lock()
	d.listener = listener
	d.stopListening = make(chan struct{})
	d.mu.Unlock()

	go d.acceptLoop(listener)
	logger.Info(d.prefix, "listening at %s", d.socketPath)
	return nil
}

func (d *Device) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-d.stopListening:
				return
			default:
			}
			continue
		}
		go d.handleIncoming(conn)
	}
}

// handleIncoming performs the handshake for an inbound connection; we become
// the peripheral.
func (d *Device) handleIncoming(conn net.Conn) {
	// Handshake: 4-byte UUID length + UUID bytes
	var uuidLen uint32
	if err := binary.Read(conn, binary.BigEndian, &uuidLen); err != nil {
		conn.Close()
		return
	}
	if uuidLen > 256 {
		conn.Close()
		return
	}
	uuidBytes := make([]byte, uuidLen)
	if _, err := io.ReadFull(conn, uuidBytes); err != nil {
		conn.Close()
		return
	}
	peerID := string(uuidBytes)

	d.mu.Lock()
	if d.conn != nil {
		// One link at a time
		d.mu.Unlock()
		conn.Close()
		return
	}
	d.conn = conn
	d.peerID = peerID
	d.role = RolePeripheral
	d.mtu = flow.DefaultMTU
	d.mu.Unlock()

	logger.Info(d.prefix, "central %s connected", util.ShortHash(peerID))

	go d.readLoop(conn)

	if d.mux != nil {
		d.mux.Connected()
	}
}

// Dial connects to a peer's socket; we become the central. The MTU exchange
// is initiated here and the attached engine sees Connected only after the
// negotiation completes.
func (d *Device) Dial(peerID string) error {
	d.mu.RLock()
	already := d.conn != nil
	d.mu.RUnlock()
	if already {
		return fmt.Errorf("wire: already connected")
	}

	peerSocket := filepath.Join(util.GetSocketDir(), fmt.Sprintf("bletinyflow-%s.sock", peerID))
	conn, err := net.Dial("unix", peerSocket)
	if err != nil {
		return fmt.Errorf("wire: dial %s: %w", util.ShortHash(peerID), err)
	}

	// Handshake: our UUID
	uuidBytes := []byte(d.id)
	if err := binary.Write(conn, binary.BigEndian, uint32(len(uuidBytes))); err != nil {
		conn.Close()
		return fmt.Errorf("wire: handshake: %w", err)
	}
	if _, err := conn.Write(uuidBytes); err != nil {
		conn.Close()
		return fmt.Errorf("wire: handshake: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.peerID = peerID
	d.role = RoleCentral
	d.mtu = flow.DefaultMTU
	d.mu.Unlock()

	logger.Info(d.prefix, "connected to peripheral %s", util.ShortHash(peerID))

	go d.readLoop(conn)

	// The central initiates MTU negotiation; Connected is posted when the
	// response arrives.
	d.mu.RLock()
	requestMTU := d.requestMTU
	d.mu.RUnlock()

	var req [2]byte
	binary.LittleEndian.PutUint16(req[:], uint16(requestMTU))
	if err := d.sendFrame(frameMTURequest, req[:]); err != nil {
		d.closeConn(err)
		return fmt.Errorf("wire: mtu request: %w", err)
	}

	return nil
}

func (d *Device) readLoop(conn net.Conn) {
	defer func() {
		d.closeConn(nil)
	}()

	for {
		var frameLen uint16
		if err := binary.Read(conn, binary.LittleEndian, &frameLen); err != nil {
			return
		}
		if frameLen == 0 {
			continue
		}
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}

		kind := frame[0]
		payload := frame[1:]

		switch kind {
		case frameControlWrite, frameControlNotify:
			logger.Trace(d.prefix, "📥 control frame (%d bytes)", len(payload))
			if d.mux != nil {
				d.mux.ControlFrame(payload)
			}

		case frameDataWrite:
			logger.Trace(d.prefix, "📥 data frame (%d bytes)", len(payload))
			if d.mux != nil {
				d.mux.DataFrame(payload)
			}

		case frameMTURequest:
			if len(payload) < 2 {
				continue
			}
			requested := int(binary.LittleEndian.Uint16(payload))
			negotiated := requested
			if negotiated > flow.MaxMTU {
				negotiated = flow.MaxMTU
			}
			if negotiated < flow.DefaultMTU {
				negotiated = flow.DefaultMTU
			}
			d.mu.Lock()
			d.mtu = negotiated
			d.mu.Unlock()

			var resp [2]byte
			binary.LittleEndian.PutUint16(resp[:], uint16(negotiated))
			if err := d.sendFrame(frameMTUResponse, resp[:]); err != nil {
				logger.Warn(d.prefix, "mtu response failed: %v", err)
			}
			logger.Debug(d.prefix, "MTU negotiated: %d (requested %d)", negotiated, requested)
			if d.mux != nil {
				d.mux.MTUChanged(negotiated)
			}

		case frameMTUResponse:
			if len(payload) < 2 {
				continue
			}
			negotiated := int(binary.LittleEndian.Uint16(payload))
			if negotiated > flow.MaxMTU {
				negotiated = flow.MaxMTU
			}
			d.mu.Lock()
			d.mtu = negotiated
			d.mu.Unlock()

			logger.Debug(d.prefix, "MTU negotiated: %d", negotiated)
			if d.mux != nil {
				d.mux.MTUChanged(negotiated)
				d.mux.Connected()
			}

		default:
			logger.Warn(d.prefix, "unsupported frame kind 0x%02X", kind)
		}
	}
}

func (d *Device) sendFrame(kind uint8, payload []byte) error {
	d.mu.RLock()
	conn := d.conn
	d.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("wire: not connected")
	}

	frame := make([]byte, frameHeaderLen+1+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], uint16(1+len(payload)))
	frame[2] = kind
	copy(frame[3:], payload)

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	return nil
}

// closeConn tears the link down once and notifies the attached engine
func (d *Device) closeConn(reason error) {
	d.mu.Lock()
	conn := d.conn
	if conn == nil {
		d.mu.Unlock()
		return
	}
	d.conn = nil
	peer := d.peerID
	d.peerID = ""
	d.mtu = flow.DefaultMTU
	d.mu.Unlock()

	conn.Close()
	logger.Info(d.prefix, "disconnected from %s", util.ShortHash(peer))

	if d.mux != nil {
		d.mux.Disconnected(reason)
	}
}

// ==================== transport.Transport ====================

// SendControl performs a write-with-response on the control characteristic.
// On a reliable stream the response adds nothing, so delivery of the write
// is the response.
func (d *Device) SendControl(data []byte) error {
	if len(data) > flow.ControlMessageSize {
		return fmt.Errorf("wire: control frame %d bytes exceeds %d", len(data), flow.ControlMessageSize)
	}
	return d.sendFrame(frameControlWrite, data)
}

// NotifyControl sends a control notification from the peripheral
func (d *Device) NotifyControl(data []byte) error {
	if len(data) > flow.ControlMessageSize {
		return fmt.Errorf("wire: control frame %d bytes exceeds %d", len(data), flow.ControlMessageSize)
	}
	return d.sendFrame(frameControlNotify, data)
}

// SendData performs a write-without-response on the data characteristic.
// The write must fit the negotiated MTU minus the ATT header.
func (d *Device) SendData(data []byte) error {
	d.mu.RLock()
	limit := d.mtu - flow.ATTHeaderSize
	d.mu.RUnlock()
	if len(data) > limit {
		return fmt.Errorf("wire: data frame %d bytes exceeds mtu payload %d", len(data), limit)
	}
	return d.sendFrame(frameDataWrite, data)
}

// Disconnect closes the link. Both peers observe the teardown.
func (d *Device) Disconnect() error {
	d.closeConn(nil)
	return nil
}

// MTU returns the currently negotiated MTU
func (d *Device) MTU() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mtu
}

// Stop closes the listener and any live connection
func (d *Device) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		if d.stopListening != nil {
			close(d.stopListening)
		}
		listener := d.listener
		d.listener = nil
		d.mu.Unlock()

		if listener != nil {
			listener.Close()
		}
		d.closeConn(nil)
		os.Remove(d.socketPath)
	})
}
