// Package transport defines the narrow interface between the BLETinyFlow
// protocol engine and whatever carries its bytes. The engine depends only on
// these types, never on a concrete transport.
package transport

// Transport is the outbound side of a BLE-like link: a short-message control
// characteristic and a higher-throughput unidirectional data characteristic,
// plus the negotiated MTU. Every Send delivers one atomic write; the
// transport preserves FIFO order per characteristic.
type Transport interface {
	// SendControl performs a write-with-response on the control characteristic
	SendControl(data []byte) error

	// NotifyControl sends a notification from the peripheral to the central
	NotifyControl(data []byte) error

	// SendData performs a write-without-response on the data characteristic
	SendData(data []byte) error

	// Disconnect tears the link down; safe to call more than once
	Disconnect() error

	// MTU returns the currently negotiated MTU
	MTU() int
}

// Handler receives inbound transport events. All methods are invoked on the
// Mux dispatch goroutine, one at a time.
type Handler interface {
	HandleControlFrame(data []byte)
	HandleDataFrame(data []byte)
	HandleMTUChanged(mtu int)
	HandleConnect()
	HandleDisconnect(reason error)
}
