package display

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"example.com/eng-clock/core/ticker"
)

var (
	timeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("33")).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(1, 4)
	phaseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			PaddingLeft(2)
	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))
	helpStyle = lipgloss.NewStyle().Faint(true)
)

type tickMsg ticker.Tick

type tuiModel struct {
	log    *zap.Logger
	now    func() time.Time
	tick   ticker.Tick
	ticks  int64
	quit   bool
	width  int
	height int
}

func (m tuiModel) Init() tea.Cmd {
	return nil
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quit = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.tick = ticker.Tick(msg)
		m.ticks++
		logLatency(m.log, m.now, m.tick)
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.quit {
		return ""
	}
	var b strings.Builder
	if m.ticks == 0 {
		b.WriteString(timeStyle.Render("--:--:--"))
	} else {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Center,
			timeStyle.Render(m.tick.Time.UTC().Format(time.TimeOnly)),
			phaseStyle.Render(Phase(m.tick.ID))))
	}
	b.WriteString("\n\n")
	b.WriteString(labelStyle.Render("offset   "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%+.6f s", m.tick.Offset)))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("stddev   "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%.6f s", m.tick.OffsetStdDev)))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("lateness "))
	b.WriteString(valueStyle.Render(m.tick.Lateness.String()))
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("UTC  q: quit"))
	s := b.String()
	if m.width == 0 || m.height == 0 {
		return s
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, s)
}

// TUI renders ticks full screen with bubbletea.
type TUI struct {
	Log *zap.Logger
	Now func() time.Time
	// Options are appended to the default program options.
	Options []tea.ProgramOption
}

var _ Display = (*TUI)(nil)

func (d *TUI) Run(ctx context.Context, ticks <-chan ticker.Tick) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, d.Options...)
	p := tea.NewProgram(tuiModel{log: d.Log, now: d.Now}, opts...)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-ticks:
				if !ok {
					p.Quit()
					return
				}
				p.Send(tickMsg(t))
			}
		}
	}()

	m, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	if mm, ok := m.(tuiModel); ok && mm.quit {
		return ErrQuit
	}
	return nil
}
