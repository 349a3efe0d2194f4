package hooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/martius-lab/cluster-utils-go/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(id int) *job.Job {
	return job.New(id, map[string]any{"lr": 0.1}, nil, 0, "loss", job.Paths{})
}

func TestWebhookHookDeliversAndReportsStatus(t *testing.T) {
	received := make(chan JobEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev JobEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		received <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewWebhookHook("test-webhook", srv.URL)
	require.Equal(t, "test-webhook", h.Identifier())

	j := newTestJob(7)
	require.NoError(t, h.PreRunRoutine(j))
	h.Close()

	select {
	case ev := <-received:
		assert.Equal(t, 7, ev.JobID)
		assert.Equal(t, "pre_run", ev.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never delivered")
	}

	ok, detail := h.UpdateStatus()
	assert.True(t, ok)
	assert.Empty(t, detail)
}

func TestWebhookHookEmptyURLIsNoOp(t *testing.T) {
	h := NewWebhookHook("noop", "")
	j := newTestJob(1)
	require.NoError(t, h.PreRunRoutine(j))
	h.Close()
	ok, _ := h.UpdateStatus()
	assert.True(t, ok)
}

func TestWebhookHookRecordsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewWebhookHook("failing", srv.URL)
	j := newTestJob(2)
	require.NoError(t, h.PreRunRoutine(j))
	h.Close()

	ok, detail := h.UpdateStatus()
	assert.False(t, ok)
	assert.Contains(t, detail, "500")
}

func TestCommandHookCapturesOutputIntoJob(t *testing.T) {
	h := NewCommandHook("echo-hook", "", "echo", "-n", "abc123")
	j := newTestJob(3)

	require.NoError(t, h.PreRunRoutine(j))
	assert.Equal(t, "abc123", h.LastOutput())
	assert.Equal(t, "abc123", j.OtherParams["echo-hook"])

	ok, _ := h.UpdateStatus()
	assert.True(t, ok)
}

func TestCommandHookFailureIsReportedNotFatal(t *testing.T) {
	h := NewCommandHook("bad-hook", "", "false")
	j := newTestJob(4)

	err := h.PreRunRoutine(j)
	assert.Error(t, err)

	ok, detail := h.UpdateStatus()
	assert.False(t, ok)
	assert.NotEmpty(t, detail)
}
