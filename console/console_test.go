package console

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martius-lab/cluster-utils-go/orchestrator"
)

type fakeCommands struct {
	jobs          []orchestrator.JobRef
	running       []orchestrator.JobRef
	successful    []orchestrator.JobRef
	idle          []orchestrator.JobRef
	showJob       orchestrator.JobRef
	showJobOK     bool
	stopRequested bool
}

func (f *fakeCommands) ListJobs() []orchestrator.JobRef          { return f.jobs }
func (f *fakeCommands) ListRunningJobs() []orchestrator.JobRef    { return f.running }
func (f *fakeCommands) ListSuccessfulJobs() []orchestrator.JobRef { return f.successful }
func (f *fakeCommands) ListIdleJobs() []orchestrator.JobRef       { return f.idle }
func (f *fakeCommands) ShowJob(id int) (orchestrator.JobRef, bool) {
	return f.showJob, f.showJobOK
}
func (f *fakeCommands) StopRemainingJobs() { f.stopRequested = true }

func keyMsg(t tea.KeyType) tea.KeyMsg { return tea.KeyMsg{Type: t} }

func runeMsg(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestEscEntersAndExitsShell(t *testing.T) {
	m := newModel(&fakeCommands{}, 10)
	require.Equal(t, modeBars, m.mode)

	next, _ := m.updateKey(keyMsg(tea.KeyEsc))
	m2 := next.(model)
	assert.Equal(t, modeShell, m2.mode)

	next, _ = m2.updateKey(keyMsg(tea.KeyEsc))
	m3 := next.(model)
	assert.Equal(t, modeBars, m3.mode)
}

func TestListJobsCommandPrintsJobs(t *testing.T) {
	fake := &fakeCommands{jobs: []orchestrator.JobRef{{ID: 1, Status: "RUNNING"}}}
	m := newModel(fake, 10)
	m.mode = modeShell

	next, cmd := m.runCommand("list_jobs")
	m2 := next.(model)
	assert.Equal(t, modeShell, m2.mode)
	assert.Nil(t, cmd)
	require.Len(t, m2.log, 1)
	assert.Contains(t, m2.log[0], "#1")
	assert.Contains(t, m2.log[0], "RUNNING")
}

func TestUnknownCommandPrintsError(t *testing.T) {
	m := newModel(&fakeCommands{}, 10)
	m.mode = modeShell
	next, _ := m.runCommand("not_a_real_command")
	m2 := next.(model)
	require.Len(t, m2.log, 1)
	assert.Contains(t, m2.log[0], "unknown command")
}

func TestShowJobPromptsThenReports(t *testing.T) {
	fake := &fakeCommands{showJob: orchestrator.JobRef{ID: 7, Status: "CONCLUDED"}, showJobOK: true}
	m := newModel(fake, 10)
	m.mode = modeShell

	next, _ := m.runCommand("show_job")
	m2 := next.(model)
	assert.Equal(t, modePromptJobID, m2.mode)

	m2.input.SetValue("7")
	next, _ = m2.updateKey(keyMsg(tea.KeyEnter))
	m3 := next.(model)
	assert.Equal(t, modeShell, m3.mode)
	require.Len(t, m3.log, 1)
	assert.Contains(t, m3.log[0], "#7")
}

func TestShowJobUnknownID(t *testing.T) {
	fake := &fakeCommands{showJobOK: false}
	m := newModel(fake, 10)
	m.mode = modePromptJobID
	m.input.SetValue("99")
	next, _ := m.updateKey(keyMsg(tea.KeyEnter))
	m2 := next.(model)
	require.Len(t, m2.log, 1)
	assert.Contains(t, m2.log[0], "no such job")
}

func TestStopRemainingJobsRequiresConfirmation(t *testing.T) {
	fake := &fakeCommands{}
	m := newModel(fake, 10)
	m.mode = modeShell

	next, _ := m.runCommand("stop_remaining_jobs")
	m2 := next.(model)
	assert.Equal(t, modeConfirmStop, m2.mode)

	next, _ = m2.updateKey(runeMsg('n'))
	m3 := next.(model)
	assert.Equal(t, modeShell, m3.mode)
	assert.False(t, fake.stopRequested)

	m3.mode = modeConfirmStop
	next, _ = m3.updateKey(runeMsg('y'))
	m4 := next.(model)
	assert.True(t, fake.stopRequested)
	assert.Contains(t, m4.log[len(m4.log)-1], "requested")
}

func TestRenderBarClampsAtTotal(t *testing.T) {
	line := renderBar("Completed", 15, 10, "")
	assert.Contains(t, line, "15/10")
}

func TestProgressUpdatesApplyToModel(t *testing.T) {
	m := newModel(&fakeCommands{}, 10)
	next, _ := m.Update(submittedMsg(4))
	m2 := next.(model)
	assert.Equal(t, 4, m2.submitted)

	next, _ = m2.Update(runningMsg{n: 2, failed: 1})
	m3 := next.(model)
	assert.Equal(t, 2, m3.running)
	assert.Equal(t, 1, m3.failed)

	next, _ = m3.Update(completedMsg{n: 1, medianETA: "1m", bestVal: "0.5"})
	m4 := next.(model)
	assert.Equal(t, 1, m4.completed)
	assert.Equal(t, "1m", m4.medianETA)
	view := m4.View()
	assert.Contains(t, view, "best_value: 0.5")
}

func TestLogBufferCaps(t *testing.T) {
	m := newModel(&fakeCommands{}, 10)
	for i := 0; i < maxLogLines+5; i++ {
		m = m.print("line")
	}
	assert.Len(t, m.log, maxLogLines)
}
