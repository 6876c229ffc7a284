package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	pb "github.com/fd1az/orderbook-aggregator/pkg/protobuf/orderbook"
)

// Program is the global TUI program reference used to send messages from the
// stream goroutine.
var Program *tea.Program

// Send sends a message to the TUI program if it is running.
func Send(msg tea.Msg) {
	if Program != nil {
		Program.Send(msg)
	}
}

// Model is the main Bubble Tea model for the client TUI.
type Model struct {
	url       string
	connected bool
	summary   *pb.Summary
	received  uint64
	lastMsg   time.Time
	errorMsg  string
	quitting  bool
	width     int
	height    int
	spinner   spinner.Model
}

// New creates a new TUI model.
func New(url string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorPrimary)
	return Model{url: url, spinner: sp}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case ConnectionMsg:
		m.connected = msg.Connected

	case SummaryMsg:
		m.summary = msg.Summary
		m.received++
		m.lastMsg = time.Now()

	case ErrorMsg:
		m.errorMsg = msg.Error.Error()
		m.connected = false

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(TitleStyle.Render("Orderbook Aggregator"))
	b.WriteString("\n\n")

	status := StatusDisconnected.Render("disconnected")
	if m.connected {
		status = StatusConnected.Render("connected")
	}
	b.WriteString(fmt.Sprintf("%s  %s  %s\n\n",
		status,
		MutedValue.Render(m.url),
		MutedValue.Render(fmt.Sprintf("summaries: %d", m.received)),
	))

	if m.errorMsg != "" {
		b.WriteString(StatusDisconnected.Render("error: "+m.errorMsg) + "\n\n")
	}

	if m.summary == nil {
		b.WriteString(m.spinner.View() + " " + MutedValue.Render("waiting for first summary..."))
		b.WriteString("\n\n" + HelpStyle.Render("q: quit"))
		return b.String()
	}

	spread := "n/a"
	if !math.IsNaN(m.summary.Spread) {
		spread = fmt.Sprintf("%.8f", m.summary.Spread)
	}
	b.WriteString(fmt.Sprintf("Spread: %s\n\n", lipgloss.NewStyle().Bold(true).Render(spread)))

	bids := renderSide("BIDS", m.summary.Bids, BidValue)
	asks := renderSide("ASKS", m.summary.Asks, AskValue)
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, BoxStyle.Render(bids), " ", BoxStyle.Render(asks)))

	b.WriteString("\n" + HelpStyle.Render("q: quit"))

	return b.String()
}

func renderSide(title string, levels []*pb.Level, valueStyle lipgloss.Style) string {
	var b strings.Builder

	b.WriteString(TableHeaderStyle.Render(fmt.Sprintf("%-10s %16s %14s", title, "PRICE", "AMOUNT")))
	b.WriteString("\n")

	if len(levels) == 0 {
		b.WriteString(MutedValue.Render("(empty)"))
		return b.String()
	}

	for _, level := range levels {
		line := fmt.Sprintf("%-10s %16.8f %14.8f", level.Exchange, level.Price, level.Amount)
		b.WriteString(valueStyle.Render(line))
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}
