package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#87CEEB"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	pausedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
)

const refreshInterval = 250 * time.Millisecond

type monitorModel struct {
	sim      *simulation
	cancel   context.CancelFunc
	spinner  spinner.Model
	progress progress.Model
	snap     snapshot
	err      error
	done     bool
}

type tickMsg time.Time

type doneMsg struct {
	err error
}

func newMonitorModel(s *simulation, cancel context.CancelFunc) *monitorModel {
	return &monitorModel{
		sim:      s,
		cancel:   cancel,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		snap:     s.snapshot(),
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.cancel()
			if m.done {
				return m, tea.Quit
			}

		case "p":
			m.sim.togglePause()

		case "d":
			m.sim.eng.SimulateDeviceChange()
		}

	case tickMsg:
		m.snap = m.sim.snapshot()
		return m, tick()

	case doneMsg:
		m.done = true
		m.err = msg.err
		m.snap = m.sim.snapshot()
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *monitorModel) View() string {
	var b strings.Builder
	s := m.snap

	b.WriteString(titleStyle.Render("fmodsim monitor"))
	b.WriteString(" ")
	switch {
	case m.done:
		b.WriteString("finished")
	case s.Paused:
		b.WriteString(pausedStyle.Render("spawning paused"))
	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" running")
	}
	b.WriteString("\n\n")

	if d := m.sim.cfg.Run.Duration; d > 0 {
		pct := float64(s.Elapsed) / float64(d)
		if pct > 1 {
			pct = 1
		}
		b.WriteString(m.progress.ViewAs(pct))
		fmt.Fprintf(&b, " %s / %s\n\n", s.Elapsed.Truncate(time.Second), d)
	} else {
		fmt.Fprintf(&b, "elapsed %s\n\n", s.Elapsed.Truncate(time.Second))
	}

	bridgeBox := section("Bridge",
		row("enqueued", s.Bridge.Enqueued),
		row("executed", s.Bridge.Executed),
		row("inline", s.Bridge.Inline),
		row("batches", s.Bridge.Batches),
		row("max batch", s.Bridge.MaxBatch),
		row("pending", s.Bridge.Pending),
		row("panics", s.Bridge.Panics),
	)
	registryBox := section("Registry",
		append([]string{
			row("live", s.Registry.Live),
			row("inserted", s.Registry.Inserted),
			row("removed", s.Registry.Removed),
			row("swept", s.Registry.Swept),
			row("destroyed", s.Registry.Destroyed),
		}, kindRows(s)...)...,
	)
	callbackBox := section("Callbacks",
		row("updates", s.Updates),
		row("spawned", s.Spawned),
		row("ended", s.Ended),
		row("sync points", s.Syncs),
		row("went virtual", s.Virtual),
		row("occlusion", s.Occluded),
		row("rolloff", s.Rolloffs),
		row("event", s.EventCbs),
		row("system", s.System),
		row("device changes", s.Devices),
		row("guest calls", s.GuestCalls),
	)
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, bridgeBox, registryBox, callbackBox))
	b.WriteString("\n")

	fmt.Fprintf(&b, "engine: %d objects, %d channels (%d playing, %d virtual), %d mixes\n",
		s.Engine.Objects, s.Engine.Channels, s.Engine.Playing, s.Engine.Virtual, s.Engine.Mixes)

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	} else if s.LastErr != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Last error: %v", s.LastErr)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("p pause spawning • d device change • q quit"))
	return b.String()
}

func section(title string, rows ...string) string {
	return boxStyle.Render(sectionStyle.Render(title) + "\n" + strings.Join(rows, "\n"))
}

func row(label string, v any) string {
	return labelStyle.Render(label) + valueStyle.Render(fmt.Sprint(v))
}

func kindRows(s snapshot) []string {
	names := make([]string, 0, len(s.Kinds))
	counts := make(map[string]int, len(s.Kinds))
	for k, n := range s.Kinds {
		names = append(names, k.String())
		counts[k.String()] = n
	}
	sort.Strings(names)
	rows := make([]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, row("  "+name, counts[name]))
	}
	return rows
}

// runMonitor runs the simulation under the TUI. Quitting cancels the
// simulation; the program exits once the simulation has stopped.
func runMonitor(ctx context.Context, s *simulation) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newMonitorModel(s, cancel), tea.WithAltScreen(), tea.WithContext(ctx))

	errc := make(chan error, 1)
	go func() {
		err := s.run(ctx)
		errc <- err
		p.Send(doneMsg{err: err})
	}()

	_, uiErr := p.Run()
	cancel()
	if err := <-errc; err != nil {
		return err
	}
	if uiErr != nil && ctx.Err() == nil {
		return uiErr
	}
	return nil
}
