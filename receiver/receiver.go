// Package receiver implements the receiving side of the BLETinyFlow
// protocol: it drives an incoming transfer by requesting batches of chunks,
// reassembles them into an owned buffer, and hands the buffer to the
// application on completion.
package receiver

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/user/bletinyflow/flow"
	"github.com/user/bletinyflow/logger"
	"github.com/user/bletinyflow/transport"
	"github.com/user/bletinyflow/util"
)

// ErrTimeout is reported when no data frame arrives within the configured
// window. It is local to this peer; no TRANSFER_ERROR is sent for it.
var ErrTimeout = errors.New("receiver: transfer timed out")

// State of the receive session
type State int

const (
	StateIdle State = iota
	StateInitReceived
	StateRequesting
	StateReceiving
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitReceived:
		return "INIT_RECEIVED"
	case StateRequesting:
		return "REQUESTING"
	case StateReceiving:
		return "RECEIVING"
	case StateComplete:
		return "COMPLETE"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds receiver tunables. Zero values take the protocol defaults.
type Config struct {
	MaxTransferSize  uint32
	ChunksPerRequest uint32
	Timeout          time.Duration

	// DeviceInfo, when set, is advertised to the peer on connect
	DeviceInfo *flow.DeviceInfo
}

func (c *Config) applyDefaults() {
	if c.MaxTransferSize == 0 {
		c.MaxTransferSize = flow.MaxTransferSize
	}
	if c.ChunksPerRequest == 0 {
		c.ChunksPerRequest = flow.DefaultChunksPerRequest
	}
	if c.Timeout == 0 {
		c.Timeout = flow.DefaultTimeout
	}
}

// CompletionFunc receives the reassembled buffer. The engine owns the buffer
// until this callback returns; the application must call ReleaseBuffer
// exactly once when done reading.
type CompletionFunc func(buffer []byte, size uint32, jpegMagic bool)

// Receiver is the peripheral-side state machine. All session state is
// mutated on the event mux dispatch goroutine only.
type Receiver struct {
	prefix string
	cfg    Config
	tr     transport.Transport
	mux    *transport.Mux

	state     State
	stateWord atomic.Int32
	seq       uint16
	mtu       int

	// Transfer parameters from TRANSFER_INIT, immutable for the session
	totalSize      uint32
	chunkSize      uint32
	expectedChunks uint32

	// Reassembly state
	buffer        []byte
	received      []bool
	receivedCount uint32
	receivedSize  uint32

	// Current batch window
	batchStart    uint32
	batchEnd      uint32
	batchReceived uint32

	// Buffer handoff
	handedOff bool

	timer      *time.Timer
	sessionGen int

	onComplete       CompletionFunc
	onError          func(err error)
	onDeviceInfoSent func(info flow.DeviceInfo)
}

// New creates a receiver bound to a transport. id is only used for log
// prefixes.
func New(id string, tr transport.Transport, cfg Config) *Receiver {
	cfg.applyDefaults()
	r := &Receiver{
		prefix: fmt.Sprintf("%s RX", util.ShortHash(id)),
		cfg:    cfg,
		tr:     tr,
		mtu:    flow.DefaultMTU,
		state:  StateIdle,
	}
	r.mux = transport.NewMux(r)
	return r
}

// Events returns the mux the transport should post inbound events to
func (r *Receiver) Events() *transport.Mux {
	return r.mux
}

// Start launches event dispatch
func (r *Receiver) Start() {
	r.mux.Start()
}

// Stop halts event dispatch. Session state, including any buffer, is left
// as it is.
func (r *Receiver) Stop() {
	r.mux.Stop()
}

// SetCompletionHandler registers the transfer-complete callback
func (r *Receiver) SetCompletionHandler(fn CompletionFunc) {
	r.onComplete = fn
}

// SetErrorHandler registers the terminal-error callback. The error is a
// *flow.ProtocolError for wire-visible violations, or ErrTimeout.
func (r *Receiver) SetErrorHandler(fn func(err error)) {
	r.onError = fn
}

// SetDeviceInfoSentHandler registers the optional callback fired after the
// DEVICE_INFO advertisement goes out.
func (r *Receiver) SetDeviceInfoSentHandler(fn func(info flow.DeviceInfo)) {
	r.onDeviceInfoSent = fn
}

// setState transitions the session state; the shadow word backs the
// cross-goroutine State accessor.
func (r *Receiver) setState(s State) {
	r.state = s
	r.stateWord.Store(int32(s))
}

// State reports the current session state. Safe to call from any goroutine.
func (r *Receiver) State() State {
	return State(r.stateWord.Load())
}

// ReleaseBuffer returns the completed transfer's buffer to the engine. It
// must be called exactly once after the completion callback; calling it
// again is a no-op with a warning.
func (r *Receiver) ReleaseBuffer() {
	r.mux.Do(func() {
		if !r.handedOff {
			logger.Warn(r.prefix, "buffer already released or never handed off")
			return
		}
		logger.Info(r.prefix, "releasing transfer buffer (%d bytes)", len(r.buffer))
		r.handedOff = false
		r.buffer = nil
		r.received = nil
	})
}

// ==================== transport.Handler ====================

// HandleConnect advertises device info to the newly connected central
func (r *Receiver) HandleConnect() {
	logger.Info(r.prefix, "central connected (mtu=%d)", r.mtu)
	if r.cfg.DeviceInfo == nil {
		return
	}
	info := *r.cfg.DeviceInfo
	p1, p2 := info.Params()
	r.seq++
	if err := r.tr.NotifyControl(flow.EncodeControl(flow.CmdDeviceInfo, r.seq, p1, p2, 0)); err != nil {
		logger.Warn(r.prefix, "failed to send DEVICE_INFO: %v", err)
		return
	}
	logger.Debug(r.prefix, "📤 DEVICE_INFO sent: type=%d battery=%d%% %dx%d",
		info.DeviceType, info.Battery, info.Width, info.Height)
	if r.onDeviceInfoSent != nil {
		r.onDeviceInfoSent(info)
	}
}

// HandleDisconnect tears down any active session and resets for the next
// connection. The MTU returns to the BLE default.
func (r *Receiver) HandleDisconnect(reason error) {
	logger.Info(r.prefix, "disconnected (state=%s): %v", r.state, reason)
	r.stopTimer()
	r.sessionGen++

	// A completed transfer's buffer belongs to the application until it
	// calls ReleaseBuffer; everything else is released here.
	if !r.handedOff {
		r.buffer = nil
		r.received = nil
	}
	r.resetCounters()
	r.setState(StateIdle)
	r.mtu = flow.DefaultMTU
}

// HandleMTUChanged records the negotiated MTU
func (r *Receiver) HandleMTUChanged(mtu int) {
	logger.Debug(r.prefix, "MTU negotiated: %d bytes", mtu)
	r.mtu = mtu
}

// HandleControlFrame processes a control characteristic write
func (r *Receiver) HandleControlFrame(data []byte) {
	if r.state == StateComplete || r.state == StateError {
		logger.Debug(r.prefix, "ignoring control frame in terminal state %s", r.state)
		return
	}

	msg, err := flow.DecodeControl(data)
	if err != nil {
		var perr *flow.ProtocolError
		if errors.As(err, &perr) {
			logger.Error(r.prefix, "malformed control frame: %v", err)
			r.fail(perr)
			return
		}
		r.fail(flow.NewProtocolError(flow.ErrCodeUnknown, "control decode: %v", err))
		return
	}

	logger.Debug(r.prefix, "📥 %s: seq=%d p1=%d p2=%d p3=%d",
		flow.CommandName(msg.Command), msg.Sequence, msg.Param1, msg.Param2, msg.Param3)

	switch msg.Command {
	case flow.CmdTransferInit:
		r.handleInit(msg)
	default:
		// Receiver-originated opcodes arriving here mean a confused peer
		r.fail(flow.NewProtocolError(flow.ErrCodeInvalidCommand,
			"unexpected command %s on receiver", flow.CommandName(msg.Command)))
	}
}

func (r *Receiver) handleInit(msg *flow.ControlMessage) {
	totalSize, chunkSize, chunkCount := msg.Param1, msg.Param2, msg.Param3

	logger.Info(r.prefix, "TRANSFER_INIT: size=%d chunk_size=%d chunks=%d",
		totalSize, chunkSize, chunkCount)

	if totalSize > r.cfg.MaxTransferSize {
		r.fail(&flow.ProtocolError{
			Code:    flow.ErrCodeTransferTooLarge,
			Context: totalSize,
			Reason:  fmt.Sprintf("%d bytes exceeds limit %d", totalSize, r.cfg.MaxTransferSize),
		})
		return
	}

	maxPayload := uint32(flow.MaxPayloadForMTU(r.mtu))
	if chunkSize > maxPayload {
		r.fail(&flow.ProtocolError{
			Code:    flow.ErrCodeChunkSizeTooLarge,
			Context: chunkSize,
			Reason:  fmt.Sprintf("chunk size %d exceeds max payload %d at mtu %d", chunkSize, maxPayload, r.mtu),
		})
		return
	}

	if totalSize > 0 && chunkSize == 0 {
		r.fail(flow.NewProtocolError(flow.ErrCodeInvalidCommand,
			"zero chunk size for %d byte transfer", totalSize))
		return
	}

	if chunkCount != flow.ExpectedChunks(totalSize, chunkSize) {
		r.fail(flow.NewProtocolError(flow.ErrCodeInvalidCommand,
			"inconsistent INIT: %d chunks for %d bytes at chunk size %d",
			chunkCount, totalSize, chunkSize))
		return
	}

	// A fresh INIT replaces any previous session
	r.resetSession()

	r.totalSize = totalSize
	r.chunkSize = chunkSize
	r.expectedChunks = chunkCount
	r.buffer = make([]byte, totalSize)
	r.received = make([]bool, chunkCount)
	r.handedOff = false
	r.setState(StateInitReceived)

	if r.expectedChunks == 0 {
		// Nothing to transfer; acknowledge immediately
		r.complete()
		return
	}

	first := r.expectedChunks
	if first > r.cfg.ChunksPerRequest {
		first = r.cfg.ChunksPerRequest
	}
	if !r.sendChunkRequest(0, first) {
		r.fail(flow.NewProtocolError(flow.ErrCodeNotificationFailed,
			"first chunk request failed"))
		return
	}
	r.setState(StateRequesting)
	r.armTimer()
}

// HandleDataFrame processes a data characteristic write
func (r *Receiver) HandleDataFrame(data []byte) {
	if r.state != StateRequesting && r.state != StateReceiving {
		logger.Debug(r.prefix, "dropping data frame in state %s", r.state)
		return
	}

	r.resetTimer()

	pkt, err := flow.DecodeData(data)
	if err != nil {
		var perr *flow.ProtocolError
		if errors.As(err, &perr) {
			r.fail(perr)
			return
		}
		r.fail(flow.NewProtocolError(flow.ErrCodeUnknown, "data decode: %v", err))
		return
	}

	chunkID := uint32(pkt.ChunkID)
	payload := pkt.Payload

	// The observed slice wins over the declared length
	if int(pkt.Length) != len(payload) {
		logger.Warn(r.prefix, "chunk %d length mismatch: header=%d actual=%d, using actual",
			chunkID, pkt.Length, len(payload))
	}

	if chunkID >= r.expectedChunks {
		r.fail(&flow.ProtocolError{
			Code:    flow.ErrCodeInvalidChunkID,
			Context: chunkID,
			Reason:  fmt.Sprintf("chunk %d out of range (max %d)", chunkID, r.expectedChunks-1),
		})
		return
	}

	if r.received[chunkID] {
		r.fail(&flow.ProtocolError{
			Code:    flow.ErrCodeDuplicateChunk,
			Context: chunkID,
			Reason:  fmt.Sprintf("chunk %d already received", chunkID),
		})
		return
	}

	offset := chunkID * r.chunkSize
	if uint64(offset)+uint64(len(payload)) > uint64(r.totalSize) {
		r.fail(&flow.ProtocolError{
			Code:    flow.ErrCodeBufferOverflow,
			Context: chunkID,
			Reason: fmt.Sprintf("chunk %d (%d bytes at offset %d) exceeds buffer of %d",
				chunkID, len(payload), offset, r.totalSize),
		})
		return
	}

	copy(r.buffer[offset:], payload)
	r.received[chunkID] = true
	r.receivedCount++
	r.receivedSize += uint32(len(payload))

	if chunkID >= r.batchStart && chunkID <= r.batchEnd {
		r.batchReceived++
	} else {
		// Out-of-window chunks are tolerated; they still count toward totals
		logger.Debug(r.prefix, "chunk %d outside current batch [%d-%d]",
			chunkID, r.batchStart, r.batchEnd)
	}

	logger.Trace(r.prefix, "📥 chunk %d stored (%d bytes, %d/%d)",
		chunkID, len(payload), r.receivedCount, r.expectedChunks)

	r.setState(StateReceiving)

	if r.receivedCount == r.expectedChunks {
		r.complete()
		return
	}

	batchSize := r.batchEnd - r.batchStart + 1
	if r.batchReceived >= batchSize && r.batchEnd+1 < r.expectedChunks {
		nextStart := r.batchEnd + 1
		nextSize := r.expectedChunks - nextStart
		if nextSize > r.cfg.ChunksPerRequest {
			nextSize = r.cfg.ChunksPerRequest
		}
		if !r.sendChunkRequest(nextStart, nextSize) {
			r.fail(flow.NewProtocolError(flow.ErrCodeNotificationFailed,
				"chunk request for batch at %d failed", nextStart))
		}
	}
}

// ==================== internals ====================

func (r *Receiver) sendChunkRequest(start, count uint32) bool {
	r.seq++
	msg := flow.EncodeControl(flow.CmdChunkRequest, r.seq, start, count, 0)
	if err := r.tr.NotifyControl(msg); err != nil {
		logger.Error(r.prefix, "❌ CHUNK_REQUEST notify failed: %v", err)
		return false
	}

	r.batchStart = start
	r.batchEnd = start + count - 1
	r.batchReceived = 0

	logger.Debug(r.prefix, "📤 CHUNK_REQUEST: chunks %d-%d", start, r.batchEnd)
	return true
}

func (r *Receiver) complete() {
	r.stopTimer()
	r.setState(StateComplete)

	r.seq++
	ack := flow.EncodeControl(flow.CmdTransferCompleteAck, r.seq, r.receivedSize, 0, 0)
	if err := r.tr.NotifyControl(ack); err != nil {
		logger.Error(r.prefix, "❌ TRANSFER_COMPLETE_ACK notify failed: %v", err)
	}

	jpeg := flow.JPEGMagic(r.buffer)
	logger.Info(r.prefix, "✅ transfer complete: %d bytes in %d chunks (jpeg=%v)",
		r.receivedSize, r.expectedChunks, jpeg)

	r.handedOff = true
	if r.onComplete != nil {
		r.onComplete(r.buffer, r.receivedSize, jpeg)
	}

	// Free the link for a subsequent transfer
	if err := r.tr.Disconnect(); err != nil {
		logger.Warn(r.prefix, "post-transfer disconnect failed: %v", err)
	}
}

// fail emits TRANSFER_ERROR once, releases partial buffers, and parks the
// session in ERROR until disconnect or reset.
func (r *Receiver) fail(perr *flow.ProtocolError) {
	logger.Error(r.prefix, "❌ transfer failed: %v", perr)

	r.seq++
	frame := flow.EncodeControl(flow.CmdTransferError, r.seq, uint32(perr.Code), perr.Context, 0)
	if err := r.tr.NotifyControl(frame); err != nil {
		logger.Warn(r.prefix, "TRANSFER_ERROR notify failed: %v", err)
	}

	r.stopTimer()
	r.buffer = nil
	r.received = nil
	r.handedOff = false
	r.setState(StateError)

	if r.onError != nil {
		r.onError(perr)
	}
}

func (r *Receiver) resetSession() {
	r.stopTimer()
	r.sessionGen++
	if !r.handedOff {
		r.buffer = nil
		r.received = nil
	}
	r.resetCounters()
}

func (r *Receiver) resetCounters() {
	r.totalSize = 0
	r.chunkSize = 0
	r.expectedChunks = 0
	r.receivedCount = 0
	r.receivedSize = 0
	r.batchStart = 0
	r.batchEnd = 0
	r.batchReceived = 0
}

func (r *Receiver) onTimeout(gen int) {
	if gen != r.sessionGen {
		return
	}
	if r.state != StateRequesting && r.state != StateReceiving {
		return
	}

	logger.Error(r.prefix, "❌ transfer timed out after %v (%d/%d chunks)",
		r.cfg.Timeout, r.receivedCount, r.expectedChunks)

	r.buffer = nil
	r.received = nil
	r.handedOff = false
	r.setState(StateError)

	if r.onError != nil {
		r.onError(ErrTimeout)
	}
}

func (r *Receiver) armTimer() {
	r.stopTimer()
	gen := r.sessionGen
	r.timer = time.AfterFunc(r.cfg.Timeout, func() {
		r.mux.Do(func() { r.onTimeout(gen) })
	})
}

func (r *Receiver) resetTimer() {
	if r.timer != nil {
		r.timer.Reset(r.cfg.Timeout)
	}
}

func (r *Receiver) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
