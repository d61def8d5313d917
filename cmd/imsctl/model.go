package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/isomet/ims-sdk/connlist"
	"github.com/isomet/ims-sdk/engine"
	"github.com/isomet/ims-sdk/event"
	"github.com/isomet/ims-sdk/message"
	"github.com/isomet/ims-sdk/transport"
)

const scanInterval = 3 * time.Second

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
)

// deviceItem adapts a transport.Descriptor to bubbles/list's Item
// interface.
type deviceItem struct {
	desc transport.Descriptor
}

func (d deviceItem) Title() string { return fmt.Sprintf("%s  %s", d.desc.Adapter, d.desc.Ident) }
func (d deviceItem) Description() string {
	if len(d.desc.Extra) == 0 {
		return ""
	}
	s := ""
	for k, v := range d.desc.Extra {
		s += fmt.Sprintf("%s=%s ", k, v)
	}
	return s
}
func (d deviceItem) FilterValue() string { return d.desc.Ident }

type scanResultMsg struct {
	devices []transport.Descriptor
	err     error
}

type connectResultMsg struct {
	conn *engine.Connection
	bus  *event.Bus
	reg  *message.Registry
	desc transport.Descriptor
	err  error
}

type tickMsg time.Time

// model is the root bubbletea model for imsctl: a device list plus the
// state of at most one active connection, exposed through a TUI rather
// than a new core component.
type model struct {
	conns  *connlist.List
	list   list.Model
	status string
	err    error

	activeDesc *transport.Descriptor
	conn       *engine.Connection
	bus        *event.Bus
	registry   *message.Registry

	width, height int
}

func newModel(conns *connlist.List) model {
	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.Title = "iMS devices"
	return model{conns: conns, list: l, status: "scanning..."}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.scanCmd(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(scanInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) scanCmd() tea.Cmd {
	conns := m.conns
	return func() tea.Msg {
		devices, err := conns.Scan("")
		return scanResultMsg{devices: devices, err: err}
	}
}

func (m model) connectCmd(desc transport.Descriptor) tea.Cmd {
	conns := m.conns
	return func() tea.Msg {
		adapter := conns.Adapter(desc.Adapter)
		if adapter == nil {
			return connectResultMsg{desc: desc, err: fmt.Errorf("imsctl: adapter %q not available", desc.Adapter)}
		}
		if err := adapter.Connect(desc.Ident); err != nil {
			return connectResultMsg{desc: desc, err: err}
		}

		registry := message.NewRegistry(adapter.GetTimeouts().AutoFree)
		bus := event.NewBus()
		conn := engine.New(adapter, registry, bus)
		if err := conn.Start(); err != nil {
			adapter.Disconnect()
			return connectResultMsg{desc: desc, err: err}
		}
		return connectResultMsg{conn: conn, bus: bus, reg: registry, desc: desc}
	}
}

func (m model) disconnectCmd() tea.Cmd {
	conn := m.conn
	if conn == nil {
		return nil
	}
	return func() tea.Msg {
		conn.Disconnect(2 * time.Second)
		return nil
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.list.SetSize(msg.Width, msg.Height-6)
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.scanCmd(), tickCmd())

	case scanResultMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		items := make([]list.Item, len(msg.devices))
		for i, d := range msg.devices {
			items[i] = deviceItem{desc: d}
		}
		m.list.SetItems(items)
		return m, nil

	case connectResultMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "connect failed"
			return m, nil
		}
		m.conn, m.bus, m.registry = msg.conn, msg.bus, msg.reg
		m.activeDesc = &msg.desc
		m.status = "connected"
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Batch(m.disconnectCmd(), tea.Quit)
		case "enter":
			if sel, ok := m.list.SelectedItem().(deviceItem); ok {
				if m.conn != nil {
					return m, tea.Batch(m.disconnectCmd(), m.connectCmd(sel.desc))
				}
				m.status = "connecting..."
				return m, m.connectCmd(sel.desc)
			}
		case "d":
			if m.conn != nil {
				m.status = "disconnecting..."
				cmd := m.disconnectCmd()
				m.conn, m.bus, m.registry, m.activeDesc = nil, nil, nil, nil
				return m, cmd
			}
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) View() string {
	header := titleStyle.Render("imsctl") + "  " + statusStyle.Render(m.status)
	body := m.list.View()

	footer := statusStyle.Render("enter: connect/reconnect  d: disconnect  q: quit")
	if m.activeDesc != nil && m.registry != nil {
		footer = successStyle.Render(fmt.Sprintf("connected: %s %s  in-flight: %d",
			m.activeDesc.Adapter, m.activeDesc.Ident, len(m.registry.PendingInFlight()))) + "\n" + footer
	}
	if m.err != nil {
		footer = errorStyle.Render("error: "+m.err.Error()) + "\n" + footer
	}

	return header + "\n" + body + "\n" + footer
}
