package transport

import (
	"sync"
	"sync/atomic"
)

type eventKind int

const (
	evControl eventKind = iota
	evData
	evMTU
	evConnect
	evDisconnect
	evCall
)

type event struct {
	kind   eventKind
	data   []byte
	mtu    int
	reason error
	fn     func()
}

// Mux serializes inbound transport events onto a single dispatch goroutine so
// the state machines never see concurrent transitions, regardless of the
// underlying transport's threading model. Timers and application calls that
// need to touch session state are funneled through Do.
type Mux struct {
	handler Handler
	events  chan event

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMux creates a mux delivering events to handler. Start must be called
// before any events are posted.
func NewMux(handler Handler) *Mux {
	return &Mux{
		handler: handler,
		events:  make(chan event, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the dispatch goroutine
func (m *Mux) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.dispatch()
	}
}

// Stop terminates dispatch after the current event completes. Events still
// queued are dropped. Idempotent, and safe even if Start was never called.
func (m *Mux) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	if m.started.Load() {
		<-m.done
	}
}

func (m *Mux) dispatch() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.events:
			switch ev.kind {
			case evControl:
				m.handler.HandleControlFrame(ev.data)
			case evData:
				m.handler.HandleDataFrame(ev.data)
			case evMTU:
				m.handler.HandleMTUChanged(ev.mtu)
			case evConnect:
				m.handler.HandleConnect()
			case evDisconnect:
				m.handler.HandleDisconnect(ev.reason)
			case evCall:
				ev.fn()
			}
		}
	}
}

func (m *Mux) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.stop:
	}
}

// ControlFrame posts an inbound control characteristic write or notification
func (m *Mux) ControlFrame(data []byte) {
	m.post(event{kind: evControl, data: data})
}

// DataFrame posts an inbound data characteristic write
func (m *Mux) DataFrame(data []byte) {
	m.post(event{kind: evData, data: data})
}

// MTUChanged posts a negotiated MTU update
func (m *Mux) MTUChanged(mtu int) {
	m.post(event{kind: evMTU, mtu: mtu})
}

// Connected posts link establishment
func (m *Mux) Connected() {
	m.post(event{kind: evConnect})
}

// Disconnected posts link teardown
func (m *Mux) Disconnected(reason error) {
	m.post(event{kind: evDisconnect, reason: reason})
}

// Do runs fn on the dispatch goroutine, after any events already queued.
// It does not wait for fn to execute.
func (m *Mux) Do(fn func()) {
	m.post(event{kind: evCall, fn: fn})
}
