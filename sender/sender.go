// Package sender implements the sending side of the BLETinyFlow protocol:
// it initiates a transfer with TRANSFER_INIT, answers the receiver's pull
// requests by streaming chunk packets on the data channel, and terminates on
// the receiver's acknowledgment or a timeout.
package sender

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

// Sender-local errors; these never appear on the wire.
var (
	ErrFileTooLarge      = errors.New("sender: file exceeds maximum transfer size")
	ErrNotConnected      = errors.New("sender: transport not connected")
	ErrTimeout           = errors.New("sender: no chunk request or ack within timeout")
	ErrConnectionTimeout = errors.New("sender: connection not established within timeout")
	ErrBusy              = errors.New("sender: transfer already in progress")
)

// State of the send session
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSendingInit
	StateWaitingForRequest
	StateSendingData
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateSendingInit:
		return "SENDING_INIT"
	case StateWaitingForRequest:
		return "WAITING_FOR_REQUEST"
	case StateSendingData:
		return "SENDING_DATA"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds sender tunables. Zero values take the protocol defaults.
type Config struct {
	MaxFileSize   uint32
	Timeout       time.Duration
	ProgressEvery uint32 // progress callback cadence in chunks
}

func (c *Config) applyDefaults() {
	if c.MaxFileSize == 0 {
		c.MaxFileSize = flow.MaxTransferSize
	}
	if c.Timeout == 0 {
		c.Timeout = flow.DefaultTimeout
	}
	if c.ProgressEvery == 0 {
		c.ProgressEvery = 5
	}
}

// Progress is a coalesced snapshot of an in-flight transfer
type Progress struct {
	ChunksSent  uint32
	TotalChunks uint32
	BytesSent   uint32
	TotalBytes  uint32
}

// Stats summarizes a completed transfer
type Stats struct {
	BytesAcked uint32
	Chunks     uint32
	MTU        int
	Elapsed    time.Duration
	Throughput float64 // bytes per second
}

// Sender is the central-side state machine. All session state is mutated on
// the event mux dispatch goroutine only.
type Sender struct {
	prefix string
	cfg    Config
	tr     transport.Transport
	mux    *transport.Mux

	state     State
	stateWord atomic.Int32
	seq       uint16
	mtu       int
	connected bool

	payload     []byte
	chunks      [][]byte
	chunkSize   uint32
	totalChunks uint32
	bytesSent   uint32
	chunksSent  uint32
	startTime   time.Time

	timer      *time.Timer
	sessionGen int

	onProgress   func(p Progress)
	onComplete   func(s Stats)
	onError      func(err error)
	onDeviceInfo func(info flow.DeviceInfo)
}

// New creates a sender bound to a transport. id is only used for log
// prefixes.
func New(id string, tr transport.Transport, cfg Config) *Sender {
	cfg.applyDefaults()
	s := &Sender{
		prefix: fmt.Sprintf("%s TX", util.ShortHash(id)),
		cfg:    cfg,
		tr:     tr,
		mtu:    flow.DefaultMTU,
		state:  StateIdle,
	}
	s.mux = transport.NewMux(s)
	return s
}

// Events returns the mux the transport should post inbound events to
func (s *Sender) Events() *transport.Mux {
	return s.mux
}

// Start launches event dispatch
func (s *Sender) Start() {
	s.mux.Start()
}

// Stop halts event dispatch
func (s *Sender) Stop() {
	s.mux.Stop()
}

// SetProgressHandler registers the coalesced progress callback
func (s *Sender) SetProgressHandler(fn func(p Progress)) {
	s.onProgress = fn
}

// SetCompletionHandler registers the transfer-complete callback
func (s *Sender) SetCompletionHandler(fn func(st Stats)) {
	s.onComplete = fn
}

// SetErrorHandler registers the failure callback. The error is a
// *flow.ProtocolError when the receiver reported a violation, or one of the
// sender-local sentinel errors.
func (s *Sender) SetErrorHandler(fn func(err error)) {
	s.onError = fn
}

// SetDeviceInfoHandler registers the optional callback for the peer's
// DEVICE_INFO advertisement.
func (s *Sender) SetDeviceInfoHandler(fn func(info flow.DeviceInfo)) {
	s.onDeviceInfo = fn
}

func (s *Sender) setState(st State) {
	s.state = st
	s.stateWord.Store(int32(st))
}

// State reports the current session state. Safe to call from any goroutine.
func (s *Sender) State() State {
	return State(s.stateWord.Load())
}

// TransferFile starts a one-shot transfer of data. Size validation happens
// synchronously before the transport is touched; everything else runs on the
// event context. Only one transfer may be in flight.
func (s *Sender) TransferFile(data []byte) error {
	if uint32(len(data)) > s.cfg.MaxFileSize {
		logger.Error(s.prefix, "❌ file too large: %d bytes (max %d)", len(data), s.cfg.MaxFileSize)
		return ErrFileTooLarge
	}

	errCh := make(chan error, 1)
	s.mux.Do(func() {
		if s.state != StateIdle && s.state != StateCompleted && s.state != StateFailed {
			errCh <- ErrBusy
			return
		}
		s.payload = data
		if !s.connected {
			logger.Info(s.prefix, "waiting for connection before INIT")
			s.setState(StateConnecting)
			s.armTimer()
			errCh <- nil
			return
		}
		err := s.sendInit()
		if err != nil {
			s.resetSession()
			s.setState(StateIdle)
		}
		errCh <- err
	})

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		return ErrNotConnected
	}
}

// Cancel abandons any in-flight transfer immediately: timers are disarmed,
// the session is dropped, and the engine returns to IDLE. No wire message is
// sent; cancellation is not a protocol error.
func (s *Sender) Cancel() {
	s.mux.Do(func() {
		if s.state == StateIdle {
			return
		}
		logger.Info(s.prefix, "transfer cancelled (state=%s, %d/%d chunks sent)",
			s.state, s.chunksSent, s.totalChunks)
		s.resetSession()
		s.setState(StateIdle)
	})
}

// ==================== transport.Handler ====================

// HandleConnect proceeds to INIT if a transfer was requested while
// disconnected
func (s *Sender) HandleConnect() {
	logger.Info(s.prefix, "connected to peripheral (mtu=%d)", s.mtu)
	s.connected = true

	if s.state == StateConnecting {
		if err := s.sendInit(); err != nil {
			s.failLocal(err)
		}
	}
}

// HandleDisconnect drops any active session and returns to IDLE
func (s *Sender) HandleDisconnect(reason error) {
	logger.Info(s.prefix, "disconnected (state=%s): %v", s.state, reason)
	s.connected = false
	s.mtu = flow.DefaultMTU

	switch s.state {
	case StateIdle, StateCompleted, StateFailed:
		// Nothing in flight
	default:
		if s.onError != nil {
			s.onError(ErrNotConnected)
		}
	}
	s.resetSession()
	s.setState(StateIdle)
}

// HandleMTUChanged records the negotiated MTU
func (s *Sender) HandleMTUChanged(mtu int) {
	logger.Debug(s.prefix, "MTU negotiated: %d bytes", mtu)
	s.mtu = mtu
}

// HandleDataFrame: the data channel is unidirectional sender to receiver
func (s *Sender) HandleDataFrame(data []byte) {
	logger.Warn(s.prefix, "unexpected data frame (%d bytes) on sender", len(data))
}

// HandleControlFrame processes a control notification from the receiver
func (s *Sender) HandleControlFrame(data []byte) {
	msg, err := flow.DecodeControl(data)
	if err != nil {
		logger.Warn(s.prefix, "dropping malformed control notification: %v", err)
		return
	}

	logger.Debug(s.prefix, "📥 %s: seq=%d p1=%d p2=%d p3=%d",
		flow.CommandName(msg.Command), msg.Sequence, msg.Param1, msg.Param2, msg.Param3)

	// Any control traffic proves the receiver is alive
	s.resetTimer()

	switch msg.Command {
	case flow.CmdDeviceInfo:
		if s.onDeviceInfo != nil {
			s.onDeviceInfo(flow.DeviceInfoFromParams(msg.Param1, msg.Param2))
		}

	case flow.CmdChunkRequest:
		s.handleChunkRequest(msg.Param1, msg.Param2)

	case flow.CmdTransferCompleteAck:
		s.handleAck(msg.Param1)

	case flow.CmdTransferError:
		s.handleTransferError(msg.Param1, msg.Param2)

	default:
		logger.Warn(s.prefix, "ignoring %s on sender", flow.CommandName(msg.Command))
	}
}

// ==================== internals ====================

func (s *Sender) sendInit() error {
	s.setState(StateSendingInit)

	maxPayload := flow.MaxPayloadForMTU(s.mtu)
	if maxPayload <= 0 {
		return fmt.Errorf("sender: mtu %d leaves no room for data", s.mtu)
	}

	s.chunkSize = uint32(maxPayload)
	s.chunks = flow.SplitIntoChunks(s.payload, maxPayload)
	s.totalChunks = uint32(len(s.chunks))
	s.bytesSent = 0
	s.chunksSent = 0
	s.startTime = time.Now()

	total := uint32(len(s.payload))
	s.seq++
	frame := flow.EncodeControl(flow.CmdTransferInit, s.seq, total, s.chunkSize, s.totalChunks)
	if err := s.tr.SendControl(frame); err != nil {
		return fmt.Errorf("sender: TRANSFER_INIT write failed: %w", err)
	}

	logger.Info(s.prefix, "📤 TRANSFER_INIT: size=%d chunk_size=%d chunks=%d (mtu=%d)",
		total, s.chunkSize, s.totalChunks, s.mtu)

	s.setState(StateWaitingForRequest)
	s.armTimer()
	return nil
}

func (s *Sender) handleChunkRequest(start, count uint32) {
	if s.state != StateWaitingForRequest && s.state != StateSendingData {
		logger.Debug(s.prefix, "ignoring CHUNK_REQUEST in state %s", s.state)
		return
	}

	if start >= s.totalChunks {
		// Receiver asked past the end; nothing to send
		logger.Warn(s.prefix, "CHUNK_REQUEST start %d beyond last chunk %d, ignoring",
			start, s.totalChunks-1)
		return
	}

	// Clamp the requested range to what exists
	end := start + count
	if end > s.totalChunks {
		logger.Debug(s.prefix, "clamping CHUNK_REQUEST [%d,%d) to %d chunks",
			start, end, s.totalChunks)
		end = s.totalChunks
	}

	s.setState(StateSendingData)
	logger.Debug(s.prefix, "📤 streaming chunks %d-%d", start, end-1)

	for id := start; id < end; id++ {
		chunk := s.chunks[id]
		if err := s.tr.SendData(flow.EncodeData(uint16(id), chunk)); err != nil {
			s.failLocal(fmt.Errorf("sender: data write for chunk %d failed: %w", id, err))
			return
		}
		s.bytesSent += uint32(len(chunk))
		s.chunksSent++

		logger.Trace(s.prefix, "📤 chunk %d sent (%d bytes)", id, len(chunk))

		if s.onProgress != nil && s.chunksSent%s.cfg.ProgressEvery == 0 {
			s.onProgress(Progress{
				ChunksSent:  s.chunksSent,
				TotalChunks: s.totalChunks,
				BytesSent:   s.bytesSent,
				TotalBytes:  uint32(len(s.payload)),
			})
		}
	}

	s.setState(StateWaitingForRequest)
}

func (s *Sender) handleAck(bytesAcked uint32) {
	if s.state != StateWaitingForRequest && s.state != StateSendingData {
		logger.Debug(s.prefix, "ignoring TRANSFER_COMPLETE_ACK in state %s", s.state)
		return
	}

	s.stopTimer()
	elapsed := time.Since(s.startTime)
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(bytesAcked) / elapsed.Seconds()
	}

	logger.Info(s.prefix, "✅ transfer acknowledged: %d bytes in %v (%.1f KB/s)",
		bytesAcked, elapsed.Round(time.Millisecond), throughput/1024)

	s.setState(StateCompleted)
	stats := Stats{
		BytesAcked: bytesAcked,
		Chunks:     s.totalChunks,
		MTU:        s.mtu,
		Elapsed:    elapsed,
		Throughput: throughput,
	}
	s.resetSession()
	if s.onComplete != nil {
		s.onComplete(stats)
	}
}

func (s *Sender) handleTransferError(code, context uint32) {
	if s.state == StateIdle || s.state == StateCompleted || s.state == StateFailed {
		logger.Debug(s.prefix, "ignoring TRANSFER_ERROR in state %s", s.state)
		return
	}

	perr := &flow.ProtocolError{Code: flow.ErrorCode(code), Context: context}
	logger.Error(s.prefix, "❌ receiver reported %v (context=%d)", perr, context)

	s.stopTimer()
	s.setState(StateFailed)
	s.resetSession()
	if s.onError != nil {
		s.onError(perr)
	}
}

func (s *Sender) failLocal(err error) {
	logger.Error(s.prefix, "❌ transfer failed: %v", err)
	s.stopTimer()
	s.setState(StateFailed)
	s.resetSession()
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Sender) resetSession() {
	s.stopTimer()
	s.sessionGen++
	s.payload = nil
	s.chunks = nil
	s.chunkSize = 0
	s.totalChunks = 0
	s.bytesSent = 0
	s.chunksSent = 0
}

func (s *Sender) onTimeout(gen int) {
	if gen != s.sessionGen {
		return
	}

	switch s.state {
	case StateConnecting:
		s.failLocal(ErrConnectionTimeout)
	case StateWaitingForRequest, StateSendingData:
		logger.Error(s.prefix, "❌ no chunk request or ack for %v (%d/%d chunks sent)",
			s.cfg.Timeout, s.chunksSent, s.totalChunks)
		s.failLocal(ErrTimeout)
	}
}

func (s *Sender) armTimer() {
	s.stopTimer()
	gen := s.sessionGen
	s.timer = time.AfterFunc(s.cfg.Timeout, func() {
		s.mux.Do(func() { s.onTimeout(gen) })
	})
}

func (s *Sender) resetTimer() {
	if s.timer != nil {
		s.timer.Reset(s.cfg.Timeout)
	}
}

func (s *Sender) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
