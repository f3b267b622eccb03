package sender

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/bletinyflow/flow"
)

type fakeTransport struct {
	mu      sync.Mutex
	control [][]byte
	data    [][]byte
	dataErr error
	mtu     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{mtu: flow.DefaultMTU}
}

func (f *fakeTransport) SendControl(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.control = append(f.control, append([]byte{}, data...))
	return nil
}

func (f *fakeTransport) NotifyControl(data []byte) error {
	return errors.New("central cannot notify")
}

func (f *fakeTransport) SendData(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dataErr != nil {
		return f.dataErr
	}
	f.data = append(f.data, append([]byte{}, data...))
	return nil
}

func (f *fakeTransport) Disconnect() error { return nil }

func (f *fakeTransport) MTU() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mtu
}

func (f *fakeTransport) controlCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.control)
}

func (f *fakeTransport) dataCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func (f *fakeTransport) dataChunkIDs() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint16, 0, len(f.data))
	for _, frame := range f.data {
		ids = append(ids, binary.LittleEndian.Uint16(frame[0:2]))
	}
	return ids
}

func (f *fakeTransport) lastControl(t *testing.T) *flow.ControlMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.control) == 0 {
		t.Fatalf("no control writes")
	}
	msg, err := flow.DecodeControl(f.control[len(f.control)-1])
	if err != nil {
		t.Fatalf("sender emitted malformed control frame: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// startConnected returns a sender that already negotiated a 512-byte MTU
func startConnected(t *testing.T, cfg Config) (*Sender, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	s := New("112233445566", tr, cfg)
	s.Start()
	t.Cleanup(s.Stop)

	s.Events().Connected()
	s.Events().MTUChanged(512)
	waitFor(t, "connect", func() bool { return s.State() == StateIdle && tr.MTU() >= 0 })
	return s, tr
}

func TestSenderFileTooLarge(t *testing.T) {
	tr := newFakeTransport()
	s := New("112233445566", tr, Config{})

	err := s.TransferFile(make([]byte, flow.MaxTransferSize+1))
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("error = %v, want ErrFileTooLarge", err)
	}

	// The transport must not have been touched
	if tr.controlCount() != 0 || tr.dataCount() != 0 {
		t.Errorf("oversized transfer touched the transport")
	}
}

func TestSenderInitFrame(t *testing.T) {
	s, tr := startConnected(t, Config{})

	if err := s.TransferFile(make([]byte, 1200)); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}

	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	msg := tr.lastControl(t)
	if msg.Command != flow.CmdTransferInit {
		t.Fatalf("control = %s, want TRANSFER_INIT", flow.CommandName(msg.Command))
	}
	if msg.Param1 != 1200 || msg.Param2 != 505 || msg.Param3 != 3 {
		t.Errorf("INIT params = (%d, %d, %d), want (1200, 505, 3)", msg.Param1, msg.Param2, msg.Param3)
	}

	if s.State() != StateWaitingForRequest {
		t.Errorf("state = %s, want WAITING_FOR_REQUEST", s.State())
	}
}

func TestSenderStreamsRequestedRangeInOrder(t *testing.T) {
	s, tr := startConnected(t, Config{})

	payload := make([]byte, 1200)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := s.TransferFile(payload); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}
	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	s.Events().ControlFrame(flow.EncodeControl(flow.CmdChunkRequest, 1, 0, 3, 0))
	waitFor(t, "data frames", func() bool { return tr.dataCount() == 3 })

	ids := tr.dataChunkIDs()
	for i, id := range ids {
		if int(id) != i {
			t.Fatalf("data frame %d has chunk id %d, want strictly increasing", i, id)
		}
	}

	// Payload round-trips through the frames
	var rebuilt []byte
	tr.mu.Lock()
	for _, frame := range tr.data {
		pkt, err := flow.DecodeData(frame)
		if err != nil {
			t.Fatalf("bad data frame: %v", err)
		}
		rebuilt = append(rebuilt, pkt.Payload...)
	}
	tr.mu.Unlock()
	if len(rebuilt) != len(payload) {
		t.Fatalf("rebuilt %d bytes, want %d", len(rebuilt), len(payload))
	}
	for i := range rebuilt {
		if rebuilt[i] != payload[i] {
			t.Fatalf("payload byte %d differs", i)
		}
	}

	waitFor(t, "back to waiting", func() bool { return s.State() == StateWaitingForRequest })
}

func TestSenderClampsRequestPastEnd(t *testing.T) {
	s, tr := startConnected(t, Config{})

	if err := s.TransferFile(make([]byte, 1200)); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}
	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	// 3 chunks exist; ask for 10 starting at 2
	s.Events().ControlFrame(flow.EncodeControl(flow.CmdChunkRequest, 1, 2, 10, 0))
	waitFor(t, "clamped batch", func() bool { return tr.dataCount() == 1 })

	if ids := tr.dataChunkIDs(); ids[0] != 2 {
		t.Errorf("chunk id = %d, want 2", ids[0])
	}

	// A request entirely past the end is ignored
	s.Events().ControlFrame(flow.EncodeControl(flow.CmdChunkRequest, 2, 7, 1, 0))
	time.Sleep(20 * time.Millisecond)
	if tr.dataCount() != 1 {
		t.Errorf("out-of-range request produced data frames")
	}
}

func TestSenderCompletion(t *testing.T) {
	s, tr := startConnected(t, Config{})

	statsCh := make(chan Stats, 1)
	s.SetCompletionHandler(func(st Stats) { statsCh <- st })

	if err := s.TransferFile(make([]byte, 505)); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}
	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	s.Events().ControlFrame(flow.EncodeControl(flow.CmdChunkRequest, 1, 0, 1, 0))
	waitFor(t, "data", func() bool { return tr.dataCount() == 1 })

	s.Events().ControlFrame(flow.EncodeControl(flow.CmdTransferCompleteAck, 2, 505, 0, 0))

	select {
	case st := <-statsCh:
		if st.BytesAcked != 505 {
			t.Errorf("BytesAcked = %d, want 505", st.BytesAcked)
		}
		if st.Elapsed <= 0 || st.Throughput <= 0 {
			t.Errorf("stats = %+v, want positive elapsed and throughput", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("completion callback never fired")
	}

	if s.State() != StateCompleted {
		t.Errorf("state = %s, want COMPLETED", s.State())
	}
}

func TestSenderProgressCoalesced(t *testing.T) {
	s, tr := startConnected(t, Config{ProgressEvery: 5})

	var mu sync.Mutex
	var progress []Progress
	s.SetProgressHandler(func(p Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})

	// 12 chunks of 505
	if err := s.TransferFile(make([]byte, 12*505)); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}
	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	s.Events().ControlFrame(flow.EncodeControl(flow.CmdChunkRequest, 1, 0, 12, 0))
	waitFor(t, "batch", func() bool { return tr.dataCount() == 12 })

	waitFor(t, "progress", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) == 2 // at chunks 5 and 10
	})

	mu.Lock()
	defer mu.Unlock()
	last := progress[len(progress)-1]
	if last.ChunksSent != 10 || last.BytesSent != 10*505 {
		t.Errorf("final progress = %+v", last)
	}
}

func TestSenderReceiverError(t *testing.T) {
	s, tr := startConnected(t, Config{})

	errCh := make(chan error, 1)
	s.SetErrorHandler(func(err error) { errCh <- err })

	if err := s.TransferFile(make([]byte, 505)); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}
	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	s.Events().ControlFrame(flow.EncodeControl(flow.CmdTransferError, 1,
		uint32(flow.ErrCodeDuplicateChunk), 5, 0))

	select {
	case err := <-errCh:
		var perr *flow.ProtocolError
		if !errors.As(err, &perr) || perr.Code != flow.ErrCodeDuplicateChunk {
			t.Errorf("error = %v, want DUPLICATE_CHUNK", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error callback never fired")
	}

	if s.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", s.State())
	}
}

func TestSenderTimeout(t *testing.T) {
	s, tr := startConnected(t, Config{Timeout: 30 * time.Millisecond})

	errCh := make(chan error, 1)
	s.SetErrorHandler(func(err error) { errCh <- err })

	if err := s.TransferFile(make([]byte, 505)); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}
	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("error = %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout never fired")
	}
}

func TestSenderDeferredInitUntilConnect(t *testing.T) {
	tr := newFakeTransport()
	s := New("112233445566", tr, Config{})
	s.Start()
	t.Cleanup(s.Stop)

	if err := s.TransferFile(make([]byte, 505)); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}
	waitFor(t, "connecting state", func() bool { return s.State() == StateConnecting })

	if tr.controlCount() != 0 {
		t.Fatalf("INIT sent before connect")
	}

	s.Events().MTUChanged(512)
	s.Events().Connected()
	waitFor(t, "INIT after connect", func() bool { return tr.controlCount() == 1 })

	msg := tr.lastControl(t)
	if msg.Command != flow.CmdTransferInit || msg.Param2 != 505 {
		t.Errorf("INIT after connect = %+v", msg)
	}
}

func TestSenderBusy(t *testing.T) {
	s, tr := startConnected(t, Config{})

	if err := s.TransferFile(make([]byte, 505)); err != nil {
		t.Fatalf("first TransferFile failed: %v", err)
	}
	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	if err := s.TransferFile(make([]byte, 505)); !errors.Is(err, ErrBusy) {
		t.Errorf("second TransferFile error = %v, want ErrBusy", err)
	}
}

func TestSenderCancel(t *testing.T) {
	s, tr := startConnected(t, Config{})

	if err := s.TransferFile(make([]byte, 505)); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}
	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	s.Cancel()
	waitFor(t, "idle after cancel", func() bool { return s.State() == StateIdle })

	// Cancelled session ignores late requests
	s.Events().ControlFrame(flow.EncodeControl(flow.CmdChunkRequest, 1, 0, 1, 0))
	time.Sleep(20 * time.Millisecond)
	if tr.dataCount() != 0 {
		t.Errorf("cancelled sender streamed data")
	}
}

func TestSenderDisconnectDuringTransfer(t *testing.T) {
	s, tr := startConnected(t, Config{})

	errCh := make(chan error, 1)
	s.SetErrorHandler(func(err error) { errCh <- err })

	if err := s.TransferFile(make([]byte, 505)); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}
	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	s.Events().Disconnected(errors.New("link lost"))

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("error = %v, want ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error callback never fired")
	}

	waitFor(t, "idle after disconnect", func() bool { return s.State() == StateIdle })
}

func TestSenderDataWriteFailure(t *testing.T) {
	s, tr := startConnected(t, Config{})

	errCh := make(chan error, 1)
	s.SetErrorHandler(func(err error) { errCh <- err })

	if err := s.TransferFile(make([]byte, 505)); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}
	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	tr.mu.Lock()
	tr.dataErr = errors.New("write rejected")
	tr.mu.Unlock()

	s.Events().ControlFrame(flow.EncodeControl(flow.CmdChunkRequest, 1, 0, 1, 0))

	select {
	case err := <-errCh:
		if err == nil {
			t.Errorf("expected write error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error callback never fired")
	}

	if s.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", s.State())
	}
}

func TestSenderForwardsDeviceInfo(t *testing.T) {
	s, _ := startConnected(t, Config{})

	infoCh := make(chan flow.DeviceInfo, 1)
	s.SetDeviceInfoHandler(func(info flow.DeviceInfo) { infoCh <- info })

	want := flow.DeviceInfo{DeviceType: 2, Battery: 55, Width: 640, Height: 480}
	p1, p2 := want.Params()
	s.Events().ControlFrame(flow.EncodeControl(flow.CmdDeviceInfo, 1, p1, p2, 0))

	select {
	case got := <-infoCh:
		if got != want {
			t.Errorf("device info = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("device info never forwarded")
	}
}

func TestSenderZeroByteTransfer(t *testing.T) {
	s, tr := startConnected(t, Config{})

	statsCh := make(chan Stats, 1)
	s.SetCompletionHandler(func(st Stats) { statsCh <- st })

	if err := s.TransferFile(nil); err != nil {
		t.Fatalf("TransferFile failed: %v", err)
	}
	waitFor(t, "INIT", func() bool { return tr.controlCount() == 1 })

	msg := tr.lastControl(t)
	if msg.Param1 != 0 || msg.Param3 != 0 {
		t.Errorf("zero transfer INIT = %+v, want total=0 chunks=0", msg)
	}

	s.Events().ControlFrame(flow.EncodeControl(flow.CmdTransferCompleteAck, 1, 0, 0, 0))

	select {
	case st := <-statsCh:
		if st.BytesAcked != 0 {
			t.Errorf("BytesAcked = %d, want 0", st.BytesAcked)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("completion callback never fired")
	}
}
