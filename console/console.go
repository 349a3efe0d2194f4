// Package console implements the run's terminal UI: three progress bars
// (Submitted, Started execution, Completed) and an ESC-opened command
// shell for inspecting and stopping jobs mid-run, built on bubbletea.
// Ordinary prints are rendered above the bars rather than through them.
package console

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/martius-lab/cluster-utils-go/orchestrator"
)

// Commands is the subset of *orchestrator.Orchestrator the command shell
// drives. It is expressed as an interface, rather than importing the
// concrete type directly into bubbletea message handlers, so tests can
// exercise the shell against a fake.
type Commands interface {
	ListJobs() []orchestrator.JobRef
	ListRunningJobs() []orchestrator.JobRef
	ListSuccessfulJobs() []orchestrator.JobRef
	ListIdleJobs() []orchestrator.JobRef
	ShowJob(id int) (orchestrator.JobRef, bool)
	StopRemainingJobs()
}

var (
	barLabelStyle = lipgloss.NewStyle().Bold(true).Width(20)
	barFillStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	barEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	suffixStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	shellStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const barWidth = 30

// mode distinguishes the default bars view from the ESC-opened command
// shell.
type mode int

const (
	modeBars mode = iota
	modeShell
	modePromptJobID
	modeConfirmStop
)

type submittedMsg int
type runningMsg struct{ n, failed int }
type completedMsg struct {
	n                   int
	medianETA, bestVal string
}

type model struct {
	cmds Commands

	submitted    int
	total        int
	running      int
	failed       int
	completed    int
	medianETA    string
	bestValue    string

	mode  mode
	input textinput.Model
	log   []string

	pendingShowJob bool
}

// maxLogLines bounds the scrollback rendered above the bars so a long
// session does not grow the View output without limit.
const maxLogLines = 20

// print appends a line to the on-screen log rendered above the progress
// bars. An explicit buffer is used rather than bubbletea's tea.Println
// side channel so the command shell's output stays directly inspectable
// by tests.
func (m model) print(line string) model {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
	return m
}

func newModel(cmds Commands, total int) model {
	ti := textinput.New()
	ti.Placeholder = "list_jobs | list_running_jobs | list_successful_jobs | list_idle_jobs | show_job | stop_remaining_jobs"
	ti.CharLimit = 256
	return model{cmds: cmds, total: total, mode: modeBars, input: ti}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case submittedMsg:
		m.submitted = int(msg)
		return m, nil
	case runningMsg:
		m.running, m.failed = msg.n, msg.failed
		return m, nil
	case completedMsg:
		m.completed, m.medianETA, m.bestValue = msg.n, msg.medianETA, msg.bestVal
		return m, nil
	case tea.KeyMsg:
		return m.updateKey(msg)
	}
	return m, nil
}

func (m model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.mode {
	case modeBars:
		if msg.Type == tea.KeyEsc {
			m.mode = modeShell
			m.input.Focus()
			m.input.SetValue("")
		}
		return m, nil
	case modeShell:
		switch msg.Type {
		case tea.KeyEsc:
			m.mode = modeBars
			m.input.Blur()
			return m, nil
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			return m.runCommand(line)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	case modePromptJobID:
		if msg.Type == tea.KeyEsc {
			m.mode = modeShell
			m.input.SetValue("")
			return m, nil
		}
		if msg.Type == tea.KeyEnter {
			id, err := strconv.Atoi(strings.TrimSpace(m.input.Value()))
			m.input.SetValue("")
			m.mode = modeShell
			if err != nil {
				return m.print(errStyle.Render("not a job id: " + err.Error())), nil
			}
			ref, ok := m.cmds.ShowJob(id)
			if !ok {
				return m.print(errStyle.Render(fmt.Sprintf("no such job: %d", id))), nil
			}
			return m.print(formatJobRef(ref)), nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	case modeConfirmStop:
		m.mode = modeShell
		switch strings.ToLower(msg.String()) {
		case "y":
			m.cmds.StopRemainingJobs()
			return m.print("stop_remaining_jobs: requested"), nil
		default:
			return m.print("stop_remaining_jobs: cancelled"), nil
		}
	}
	return m, nil
}

func (m model) runCommand(line string) (tea.Model, tea.Cmd) {
	switch line {
	case "":
		return m, nil
	case "list_jobs":
		return m.print(formatJobRefs(m.cmds.ListJobs())), nil
	case "list_running_jobs":
		return m.print(formatJobRefs(m.cmds.ListRunningJobs())), nil
	case "list_successful_jobs":
		return m.print(formatJobRefs(m.cmds.ListSuccessfulJobs())), nil
	case "list_idle_jobs":
		return m.print(formatJobRefs(m.cmds.ListIdleJobs())), nil
	case "show_job":
		m.mode = modePromptJobID
		m.input.Placeholder = "job id"
		return m, nil
	case "stop_remaining_jobs":
		m.mode = modeConfirmStop
		return m.print("stop all non-terminal jobs? [y/N]"), nil
	default:
		return m.print(errStyle.Render("unknown command: " + line)), nil
	}
}

func (m model) View() string {
	var b strings.Builder
	for _, line := range m.log {
		b.WriteString(line + "\n")
	}
	b.WriteString(renderBar("Submitted", m.submitted, m.total, "") + "\n")
	b.WriteString(renderBar("Started execution", m.running, m.total, fmt.Sprintf("Failed: %d", m.failed)) + "\n")
	suffix := ""
	if m.medianETA != "" {
		suffix += "MedianETA: " + m.medianETA
	}
	if m.bestValue != "" {
		if suffix != "" {
			suffix += "  "
		}
		suffix += "best_value: " + m.bestValue
	}
	b.WriteString(renderBar("Completed", m.completed, m.total, suffix) + "\n")

	switch m.mode {
	case modeShell, modePromptJobID:
		b.WriteString(shellStyle.Render("> ") + m.input.View())
	case modeConfirmStop:
		b.WriteString(shellStyle.Render("> ") + "[y/N]")
	}
	return b.String()
}

func renderBar(label string, n, total int, suffix string) string {
	if total <= 0 {
		total = 1
	}
	frac := float64(n) / float64(total)
	if frac > 1 {
		frac = 1
	}
	filled := int(frac * barWidth)
	bar := barFillStyle.Render(strings.Repeat("#", filled)) + barEmptyStyle.Render(strings.Repeat("-", barWidth-filled))
	line := fmt.Sprintf("%s [%s] %d/%d", barLabelStyle.Render(label), bar, n, total)
	if suffix != "" {
		line += "  " + suffixStyle.Render(suffix)
	}
	return line
}

func formatJobRef(r orchestrator.JobRef) string {
	metric := "-"
	if r.HasMetric {
		metric = fmt.Sprintf("%.6g", r.BestMetric)
	}
	return fmt.Sprintf("#%-5d iter=%-3d %-12s host=%-16s metric=%-10s %s", r.ID, r.Iteration, r.Status, r.Hostname, metric, r.ErrorInfo)
}

func formatJobRefs(refs []orchestrator.JobRef) string {
	if len(refs) == 0 {
		return "(none)"
	}
	lines := make([]string, len(refs))
	for i, r := range refs {
		lines[i] = formatJobRef(r)
	}
	return strings.Join(lines, "\n")
}
