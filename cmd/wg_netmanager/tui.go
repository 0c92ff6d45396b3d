package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wg-netmanager/netmanager/internal/rpcapi"
)

// Palette of status colors used by the TUI view.
const (
	tuiColorYellow = "#E3D367"
	tuiColorGreen  = "#9CD57B"
	tuiColorBlue   = "#78CEE9"
	tuiColorRed    = "#F76C7C"
	tuiColorGray   = "#82878B"
)

var (
	tuiStyleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(tuiColorYellow))
	tuiStyleKey    = lipgloss.NewStyle().Foreground(lipgloss.Color(tuiColorBlue))
	tuiStyleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color(tuiColorGreen))
	tuiStyleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color(tuiColorGray))
	tuiStyleErr    = lipgloss.NewStyle().Foreground(lipgloss.Color(tuiColorRed))
)

const tuiPollInterval = 2 * time.Second

// runTUI starts a bubbletea program polling the daemon's own RPC socket
// (internal/rpcapi) for peers.list/daemon.status. It is the "-t" flag's
// ancillary blocking thread per spec.md §5 — it never touches
// internal/meshdb, only the same RPC surface an operator's CLI query would.
func runTUI(socketPath string) {
	p := tea.NewProgram(newTuiModel(socketPath))
	if _, err := p.Run(); err != nil {
		fmt.Println("tui error:", err)
	}
}

type tuiModel struct {
	socketPath string
	status     *rpcapi.DaemonStatusResult
	peers      []rpcapi.PeerInfo
	err        error
}

func newTuiModel(socketPath string) tuiModel {
	return tuiModel{socketPath: socketPath}
}

type tuiTickMsg time.Time
type tuiDataMsg struct {
	status *rpcapi.DaemonStatusResult
	peers  []rpcapi.PeerInfo
	err    error
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), tuiTick())
}

func tuiTick() tea.Cmd {
	return tea.Tick(tuiPollInterval, func(t time.Time) tea.Msg { return tuiTickMsg(t) })
}

func (m tuiModel) poll() tea.Cmd {
	socketPath := m.socketPath
	return func() tea.Msg {
		status, err := tuiCall[rpcapi.DaemonStatusResult](socketPath, "daemon.status")
		if err != nil {
			return tuiDataMsg{err: err}
		}
		peers, err := tuiCall[rpcapi.PeersListResult](socketPath, "peers.list")
		if err != nil {
			return tuiDataMsg{err: err}
		}
		return tuiDataMsg{status: status, peers: peers.Peers}
	}
}

func tuiCall[T any](socketPath, method string) (*T, error) {
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := rpcapi.Request{JSONRPC: "2.0", Method: method, ID: 1}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(body, '\n')); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return nil, fmt.Errorf("no response from daemon: %w", scanner.Err())
	}
	var resp rpcapi.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tuiTickMsg:
		return m, tea.Batch(m.poll(), tuiTick())
	case tuiDataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.peers = msg.peers
		}
		return m, nil
	}
	return m, nil
}

func (m tuiModel) View() string {
	out := tuiStyleHeader.Render("wg_netmanager") + "\n\n"

	if m.err != nil {
		return out + tuiStyleErr.Render("error: "+m.err.Error()) + "\n\n" + tuiStyleWarn.Render("press q to quit")
	}
	if m.status != nil {
		out += fmt.Sprintf("%s %s   %s %s   %s %s\n\n",
			tuiStyleKey.Render("interface:"), m.status.Interface,
			tuiStyleKey.Render("wg_ip:"), m.status.WgIP,
			tuiStyleKey.Render("uptime:"), m.status.Uptime)
	}

	out += tuiStyleHeader.Render(fmt.Sprintf("peers (%d)", len(m.peers))) + "\n"
	for _, p := range m.peers {
		marker := tuiStyleOK.Render("direct")
		switch p.Reachability {
		case "control_only":
			marker = tuiStyleWarn.Render("control-only")
		case "lost":
			marker = tuiStyleErr.Render("lost")
		}
		out += fmt.Sprintf("  %-16s %-20s %s\n", p.WgIP, p.Name, marker)
	}

	out += "\n" + tuiStyleWarn.Render("press q to quit")
	return out
}
