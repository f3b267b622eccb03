package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/user/bletinyflow/flow"
	"github.com/user/bletinyflow/history"
	"github.com/user/bletinyflow/logger"
	"github.com/user/bletinyflow/receiver"
	"github.com/user/bletinyflow/sender"
	"github.com/user/bletinyflow/util"
	"github.com/user/bletinyflow/wire"
)

const accent = "#7D56F4"

type phase int

const (
	phaseTransferring phase = iota
	phaseDone
	phaseError
)

type progressMsg sender.Progress

type doneMsg struct {
	stats   sender.Stats
	jpeg    bool
	records []history.Record
}

type errMsg struct{ err error }

type model struct {
	progress  progress.Model
	phase     phase
	totalSize uint32
	current   sender.Progress
	stats     sender.Stats
	jpeg      bool
	records   []history.Record
	err       error
	events    chan tea.Msg
	quitting  bool
	cleanup   func()
}

func listenForEvents(events chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func (m model) Init() tea.Cmd {
	return listenForEvents(m.events)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.progress.Width = msg.Width - 20
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "enter":
			m.quitting = true
			if m.cleanup != nil {
				m.cleanup()
			}
			return m, tea.Quit
		}

	case progressMsg:
		m.current = sender.Progress(msg)
		return m, listenForEvents(m.events)

	case doneMsg:
		m.phase = phaseDone
		m.stats = msg.stats
		m.jpeg = msg.jpeg
		m.records = msg.records
		return m, listenForEvents(m.events)

	case errMsg:
		m.phase = phaseError
		m.err = msg.err
		return m, listenForEvents(m.events)
	}

	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	emphasis := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(accent))
	var s strings.Builder

	s.WriteString(emphasis.Render("BLETinyFlow transfer demo"))
	s.WriteString("\n\n")

	switch m.phase {
	case phaseTransferring:
		ratio := 0.0
		if m.totalSize > 0 {
			ratio = float64(m.current.BytesSent) / float64(m.totalSize)
		}
		s.WriteString(m.progress.ViewAs(ratio))
		s.WriteString(fmt.Sprintf("\n%d / %d chunks (%d / %d bytes)\n",
			m.current.ChunksSent, m.current.TotalChunks,
			m.current.BytesSent, m.totalSize))
		s.WriteString("\nq: cancel\n")

	case phaseDone:
		s.WriteString("Transfer completed successfully\n\n")
		s.WriteString(fmt.Sprintf("  bytes:      %d\n", m.stats.BytesAcked))
		s.WriteString(fmt.Sprintf("  elapsed:    %v\n", m.stats.Elapsed.Round(time.Millisecond)))
		s.WriteString(fmt.Sprintf("  throughput: %.1f KB/s\n", m.stats.Throughput/1024))
		s.WriteString(fmt.Sprintf("  jpeg:       %v\n", m.jpeg))

		if len(m.records) > 0 {
			s.WriteString("\nRecent transfers:\n")
			limit := len(m.records)
			if limit > 5 {
				limit = 5
			}
			for _, rec := range m.records[:limit] {
				s.WriteString(fmt.Sprintf("  %-8s %8d bytes  %s\n",
					rec.Direction, rec.Size, rec.Status))
			}
		}
		s.WriteString("\nPress enter to exit\n")

	case phaseError:
		s.WriteString(fmt.Sprintf("Transfer failed: %v\n\nPress enter to exit\n", m.err))
	}

	return s.String()
}

func loadPayload() ([]byte, error) {
	if len(os.Args) > 1 {
		return os.ReadFile(os.Args[1])
	}

	// Synthetic payload with a JPEG magic so the receiver's detection shows
	payload := make([]byte, 200*1024)
	payload[0] = 0xFF
	payload[1] = 0xD8
	for i := 2; i < len(payload); i++ {
		payload[i] = byte(i % 251)
	}
	return payload, nil
}

func main() {
	// Keep protocol chatter out of the TUI
	logger.SetLevel(logger.ERROR)

	payload, err := loadPayload()
	if err != nil {
		fmt.Println("cannot load payload:", err)
		os.Exit(1)
	}

	events := make(chan tea.Msg, 64)

	// Peripheral side: receiver engine
	peripheral := wire.NewDevice("")
	rx := receiver.New(peripheral.ID(), peripheral, receiver.Config{
		DeviceInfo: &flow.DeviceInfo{DeviceType: 1, Battery: 100, Width: 296, Height: 128},
	})
	peripheral.Attach(rx.Events())
	rx.Start()

	var receivedJPEG atomic.Bool
	rx.SetCompletionHandler(func(buffer []byte, size uint32, jpegMagic bool) {
		receivedJPEG.Store(jpegMagic)
		rx.ReleaseBuffer()
	})

	if err := peripheral.Listen(); err != nil {
		fmt.Println("peripheral listen failed:", err)
		os.Exit(1)
	}

	// Central side: sender engine
	central := wire.NewDevice("")
	tx := sender.New(central.ID(), central, sender.Config{})
	central.Attach(tx.Events())
	tx.Start()

	tx.SetProgressHandler(func(p sender.Progress) {
		events <- progressMsg(p)
	})
	tx.SetCompletionHandler(func(st sender.Stats) {
		records := recordTransfer(st, uint32(len(payload)))
		events <- doneMsg{stats: st, jpeg: receivedJPEG.Load(), records: records}
	})
	tx.SetErrorHandler(func(err error) {
		events <- errMsg{err: err}
	})

	if err := central.Dial(peripheral.ID()); err != nil {
		fmt.Println("central dial failed:", err)
		os.Exit(1)
	}

	if err := tx.TransferFile(payload); err != nil {
		fmt.Println("transfer rejected:", err)
		os.Exit(1)
	}

	cleanup := func() {
		tx.Cancel()
		central.Stop()
		peripheral.Stop()
	}

	m := model{
		progress:  progress.New(progress.WithSolidFill(accent)),
		totalSize: uint32(len(payload)),
		events:    events,
		cleanup:   cleanup,
	}

	prog := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := prog.Run(); err != nil {
		fmt.Println("error running program:", err)
		os.Exit(1)
	}
}

// recordTransfer appends the finished transfer to the history database and
// returns the updated log, newest first.
func recordTransfer(st sender.Stats, size uint32) []history.Record {
	store, err := history.Open(filepath.Join(util.GetDataDir(), "history.db"))
	if err != nil {
		logger.Warn("demo", "history unavailable: %v", err)
		return nil
	}
	defer store.Close()

	rec := history.Record{
		Direction:  history.DirectionSent,
		Size:       size,
		Chunks:     st.Chunks,
		MTU:        st.MTU,
		StartedAt:  time.Now().Add(-st.Elapsed),
		Elapsed:    st.Elapsed,
		Throughput: st.Throughput,
		Status:     "complete",
	}
	if _, err := store.Append(rec); err != nil {
		logger.Warn("demo", "history append failed: %v", err)
	}

	records, err := store.List()
	if err != nil {
		logger.Warn("demo", "history list failed: %v", err)
		return nil
	}
	return records
}
