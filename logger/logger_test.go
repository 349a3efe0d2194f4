package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsToInfoLevel(t *testing.T) {
	l := New("", "json")
	assert.NotNil(t, l)
	// Must not panic at any level.
	l.Infof("hello %s", "world")
	l.Warnf("warn %d", 1)
	l.Errorf("err")
}

func TestNewTextFormat(t *testing.T) {
	l := New("debug", "text")
	assert.NotNil(t, l)
	l.Infof("text formatted")
}

func TestWithJobAndWithField(t *testing.T) {
	l := NewSilent()
	withJob := l.WithJob(42)
	assert.NotNil(t, withJob)
	withJob.Infof("job event")

	tagged := l.WithField("iteration", 3)
	assert.NotNil(t, tagged)
	tagged.Infof("iteration event")
}

func TestNewSilentDiscardsOutput(t *testing.T) {
	l := NewSilent()
	// Should not panic and should not write to stderr/stdout.
	l.Errorf("this should be discarded")
}
