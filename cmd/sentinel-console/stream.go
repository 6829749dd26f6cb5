package main

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/sentinelops/console/internal/console"
	"github.com/sentinelops/console/internal/logbuf"
	"github.com/sentinelops/console/internal/protocol"
)

var levelStyles = map[protocol.Level]lipgloss.Style{
	protocol.LevelDebug:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	protocol.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
	protocol.LevelWarn:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	protocol.LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	protocol.LevelSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
}

var statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)

// streamView tails the log buffer to stdout and prints connection
// status transitions. It is the one consumer the headless binary ships
// with; richer panels subscribe the same way.
type streamView struct {
	core *console.Console

	mu     sync.Mutex
	lastID string
	unsubs []func()
	sub    *logbuf.Subscription
	done   chan struct{}
}

func newStreamView(core *console.Console) *streamView {
	return &streamView{core: core, done: make(chan struct{})}
}

func (v *streamView) start() {
	for _, topic := range []string{
		protocol.TypeSyntheticConnected,
		protocol.TypeSyntheticDisconnected,
		protocol.TypeSyntheticMaxReconnect,
	} {
		v.unsubs = append(v.unsubs, v.core.Dispatcher.Subscribe(topic, func(protocol.Envelope) {
			v.printStatus(topic)
		}))
	}

	v.sub = v.core.Logs.Subscribe()
	go v.tail()
}

func (v *streamView) tail() {
	for {
		select {
		case <-v.done:
			return
		case <-v.sub.C():
			v.flush()
		}
	}
}

// flush prints every record appended since the last signal. The tail
// is located by the last printed record's ID so eviction at capacity
// does not hide new entries; if that record was itself evicted the
// whole snapshot is fresh.
func (v *streamView) flush() {
	v.mu.Lock()
	records := v.core.Logs.SnapshotAll()
	from := 0
	if v.lastID != "" {
		for i := len(records) - 1; i >= 0; i-- {
			if records[i].ID == v.lastID {
				from = i + 1
				break
			}
		}
	}
	if len(records) > 0 {
		v.lastID = records[len(records)-1].ID
	}
	v.mu.Unlock()

	for _, rec := range records[from:] {
		style, ok := levelStyles[rec.Level]
		if !ok {
			style = levelStyles[protocol.LevelInfo]
		}
		fmt.Printf("%s %s %s %s\n",
			rec.Timestamp.Format("15:04:05"),
			style.Render(fmt.Sprintf("%-7s", rec.Level)),
			rec.Source,
			rec.Message)
	}
}

func (v *streamView) printStatus(topic string) {
	var text string
	switch topic {
	case protocol.TypeSyntheticConnected:
		text = "connected to control plane"
	case protocol.TypeSyntheticDisconnected:
		text = "connection lost, retrying"
	case protocol.TypeSyntheticMaxReconnect:
		text = "connection lost, manual intervention required"
	}
	fmt.Println(statusStyle.Render("-- " + text))
}

func (v *streamView) stop() {
	close(v.done)
	for _, unsub := range v.unsubs {
		unsub()
	}
	if v.sub != nil {
		v.sub.Close()
	}
}
