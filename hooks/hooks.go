// Package hooks implements cluster.Hook submission hooks: side effects run
// immediately before and after a job is submitted. A hook's error does not
// abort submission -- the backend logs a warning and continues (see
// cluster.Base.SubmitNext) -- but a hook remembers its own last error so the
// orchestrator can surface it through UpdateStatus rather than only in a
// log line.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/martius-lab/cluster-utils-go/job"
)

// statusState is the sticky ok/error state shared by every hook in this
// package.
type statusState struct {
	mu     sync.Mutex
	ok     bool
	detail string
}

func newStatusState() *statusState { return &statusState{ok: true} }

func (s *statusState) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.ok = false
		s.detail = err.Error()
	} else {
		s.ok = true
		s.detail = ""
	}
}

func (s *statusState) status() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ok, s.detail
}

// JobEvent is the payload posted to a WebhookHook's URL around a
// submission.
type JobEvent struct {
	JobID     int       `json:"job_id"`
	Iteration int       `json:"iteration"`
	Phase     string    `json:"phase"` // "pre_run" or "post_run"
	Timestamp time.Time `json:"timestamp"`
}

// WebhookHook posts a JSON notification to a configured URL around every
// submission. Delivery runs in its own goroutine so a slow or unreachable
// endpoint never delays submission; failures are recorded in the sticky
// status rather than returned.
type WebhookHook struct {
	id         string
	url        string
	httpClient *http.Client
	wg         sync.WaitGroup
	status     *statusState
}

// NewWebhookHook builds a WebhookHook posting to url, identified by id in
// logs and UpdateStatus output.
func NewWebhookHook(id, url string) *WebhookHook {
	return &WebhookHook{
		id:         id,
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		status:     newStatusState(),
	}
}

func (h *WebhookHook) Identifier() string { return h.id }

func (h *WebhookHook) PreRunRoutine(j *job.Job) error {
	h.notify(j, "pre_run")
	return nil
}

func (h *WebhookHook) PostRunRoutine(j *job.Job) error {
	h.notify(j, "post_run")
	return nil
}

func (h *WebhookHook) UpdateStatus() (bool, string) { return h.status.status() }

func (h *WebhookHook) notify(j *job.Job, phase string) {
	if h.url == "" {
		return
	}
	event := JobEvent{JobID: j.ID, Iteration: j.Iteration, Phase: phase, Timestamp: time.Now()}
	payload, err := json.Marshal(event)
	if err != nil {
		h.status.record(fmt.Errorf("marshal job event: %w", err))
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
		if err != nil {
			h.status.record(fmt.Errorf("build webhook request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.httpClient.Do(req)
		if err != nil {
			h.status.record(fmt.Errorf("deliver webhook: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			h.status.record(fmt.Errorf("webhook %s returned status %d", h.url, resp.StatusCode))
			return
		}
		h.status.record(nil)
	}()
}

// Close waits for any in-flight webhook deliveries to finish.
func (h *WebhookHook) Close() { h.wg.Wait() }

// CommandHook runs an external command before every submission, e.g.
// capturing the current git commit so each job's metadata records which
// revision produced it. Its sticky status reports the last command's
// exit error, if any.
type CommandHook struct {
	id     string
	dir    string
	name   string
	args   []string
	status *statusState

	mu       sync.Mutex
	lastOutput string
}

// NewCommandHook builds a CommandHook that runs name(args...) in dir
// ahead of every submission.
func NewCommandHook(id, dir, name string, args ...string) *CommandHook {
	return &CommandHook{id: id, dir: dir, name: name, args: args, status: newStatusState()}
}

// NewGitRevisionHook is a CommandHook preconfigured to capture `git
// rev-parse HEAD` in workDir, the same snapshot-the-working-tree idea a
// submission hook is meant to cover.
func NewGitRevisionHook(workDir string) *CommandHook {
	return NewCommandHook("git-revision", workDir, "git", "rev-parse", "HEAD")
}

func (h *CommandHook) Identifier() string { return h.id }

func (h *CommandHook) PreRunRoutine(j *job.Job) error {
	cmd := exec.Command(h.name, h.args...)
	cmd.Dir = h.dir
	out, err := cmd.Output()
	if err != nil {
		h.status.record(fmt.Errorf("%s: %w", h.id, err))
		return err
	}

	h.mu.Lock()
	h.lastOutput = string(bytes.TrimSpace(out))
	h.mu.Unlock()

	h.status.record(nil)
	if j.OtherParams == nil {
		j.OtherParams = make(map[string]any)
	}
	j.OtherParams[h.id] = h.lastOutput
	return nil
}

func (h *CommandHook) PostRunRoutine(j *job.Job) error { return nil }

func (h *CommandHook) UpdateStatus() (bool, string) { return h.status.status() }

// LastOutput returns the trimmed stdout of the most recent successful run.
func (h *CommandHook) LastOutput() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastOutput
}
