package ui

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// presenceTTL is how long a peer counts as present after its last
// awareness message.
const presenceTTL = 30 * time.Second

var errDisconnected = errors.New("disconnected from server")

// TextMsg replaces the displayed document text.
type TextMsg string

// PresenceMsg records activity from a named peer.
type PresenceMsg struct {
	Name string
	At   time.Time
}

// ServerErrorMsg is an error frame reported by the server.
type ServerErrorMsg struct {
	Code    string
	Message string
}

// DisconnectedMsg ends the session.
type DisconnectedMsg struct {
	Err error
}

// Viewer is a live terminal view of a shared document.
type Viewer struct {
	program *tea.Program
	model   *WatchModel
	updates chan tea.Msg
	done    chan struct{}
	wg      sync.WaitGroup
	err     error
}

// WatchModel is the bubbletea model behind Viewer.
type WatchModel struct {
	room     string
	server   string
	text     string
	synced   bool
	peers    map[string]time.Time
	lastErr  string
	closed   error
	spinner  spinner.Model
	viewport viewport.Model
	updates  <-chan tea.Msg
	now      func() time.Time
	quitting bool
}

// NewWatchModel creates a model reading updates from ch.
func NewWatchModel(room, server string, ch <-chan tea.Msg) *WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &WatchModel{
		room:     room,
		server:   server,
		peers:    make(map[string]time.Time),
		spinner:  s,
		viewport: viewport.New(80, 20),
		updates:  ch,
		now:      time.Now,
	}
}

func NewViewer(room, server string) *Viewer {
	updates := make(chan tea.Msg, 64)
	return &Viewer{
		model:   NewWatchModel(room, server, updates),
		updates: updates,
		done:    make(chan struct{}),
	}
}

// Start runs the program in a goroutine.
func (v *Viewer) Start() {
	v.program = tea.NewProgram(v.model, tea.WithAltScreen())
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer close(v.done)
		_, v.err = v.program.Run()
	}()
}

// Wait blocks until the user quits or the viewer is stopped.
func (v *Viewer) Wait() error {
	v.wg.Wait()
	return v.err
}

func (v *Viewer) SetText(text string) {
	v.push(TextMsg(text))
}

func (v *Viewer) Presence(name string) {
	v.push(PresenceMsg{Name: name, At: time.Now()})
}

func (v *Viewer) ServerError(code, message string) {
	v.push(ServerErrorMsg{Code: code, Message: message})
}

// Disconnected reports the end of the session. Unlike the other updates
// it is never dropped while the program is running.
func (v *Viewer) Disconnected(err error) {
	select {
	case v.updates <- DisconnectedMsg{Err: err}:
	case <-v.done:
	}
}

// Done is closed when the program exits.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

func (v *Viewer) Stop() {
	if v.program != nil {
		v.program.Quit()
	}
	v.wg.Wait()
}

// Text updates supersede each other, so a full queue drops the update.
func (v *Viewer) push(msg tea.Msg) {
	select {
	case v.updates <- msg:
	default:
	}
}

func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdates())
}

func (m *WatchModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updates
	}
}

func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		// header, status line and footer
		m.viewport.Height = max(msg.Height-6, 1)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case TextMsg:
		m.text = string(msg)
		m.synced = true
		m.viewport.SetContent(m.text)
		cmds = append(cmds, m.listenForUpdates())

	case PresenceMsg:
		m.peers[msg.Name] = msg.At
		cmds = append(cmds, m.listenForUpdates())

	case ServerErrorMsg:
		m.lastErr = fmt.Sprintf("%s: %s", msg.Code, msg.Message)
		cmds = append(cmds, m.listenForUpdates())

	case DisconnectedMsg:
		m.closed = msg.Err
		if m.closed == nil {
			m.closed = errDisconnected
		}
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// Peers returns the names seen within the presence window, sorted.
func (m *WatchModel) Peers() []string {
	now := m.now()
	var names []string
	for name, at := range m.peers {
		if now.Sub(at) <= presenceTTL {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Text returns the displayed document text.
func (m *WatchModel) Text() string {
	return m.text
}

// Closed returns the disconnect reason, if any.
func (m *WatchModel) Closed() error {
	return m.closed
}

func (m *WatchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s %s", IconRoom, m.room)))
	b.WriteString("\n")

	switch {
	case m.closed != nil:
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("%s %v", IconError, m.closed)))
	case !m.synced:
		b.WriteString(fmt.Sprintf("%s Syncing with %s", m.spinner.View(), m.server))
	default:
		peers := m.Peers()
		status := fmt.Sprintf("%s %d characters", IconSync, len([]rune(m.text)))
		if len(peers) > 0 {
			status += fmt.Sprintf("  %s %s", IconPeer, strings.Join(peers, ", "))
		}
		b.WriteString(StatusStyle.Render(status))
	}
	b.WriteString("\n")

	if m.lastErr != "" {
		b.WriteString(WarningStyle.Render(fmt.Sprintf("%s %s", IconWarning, m.lastErr)))
		b.WriteString("\n")
	}

	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(FooterStyle.Render("↑/↓ scroll • q quit"))

	return b.String()
}
