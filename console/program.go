package console

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/martius-lab/cluster-utils-go/orchestrator"
)

// Program runs the bubbletea progress/shell UI on its own goroutine and
// implements orchestrator.Progress by forwarding bar updates through
// tea.Program.Send, which is safe to call from another goroutine. The
// orchestrator's tick loop is never blocked on terminal I/O.
type Program struct {
	prog *tea.Program
	done chan struct{}
}

// New starts the interactive console against total (the sample budget or
// grid enumeration size, used to size the progress bars) and cmds (the
// orchestrator's read-only job accessors for the command shell).
func New(cmds Commands, total int) *Program {
	p := tea.NewProgram(newModel(cmds, total))
	prog := &Program{prog: p, done: make(chan struct{})}
	go func() {
		defer close(prog.done)
		_, _ = p.Run()
	}()
	return prog
}

// Stop ends the bubbletea program and waits for its goroutine to exit.
func (p *Program) Stop() {
	p.prog.Quit()
	<-p.done
}

func (p *Program) SetSubmitted(n int) { p.prog.Send(submittedMsg(n)) }

func (p *Program) SetRunning(n int, failed int) { p.prog.Send(runningMsg{n: n, failed: failed}) }

func (p *Program) SetCompleted(n int, medianETA string, bestValue string) {
	p.prog.Send(completedMsg{n: n, medianETA: medianETA, bestVal: bestValue})
}

var _ orchestrator.Progress = (*Program)(nil)

// NonInteractive is the no-op console variant for batch/CI runs: it
// implements orchestrator.Progress but renders nothing and never touches
// the tty.
type NonInteractive struct{}

func (NonInteractive) SetSubmitted(int)                       {}
func (NonInteractive) SetRunning(int, int)                    {}
func (NonInteractive) SetCompleted(int, string, string) {}

var _ orchestrator.Progress = NonInteractive{}
