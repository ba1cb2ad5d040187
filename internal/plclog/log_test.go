package plclog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFilteringSuppressesBelowMinimum(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test", Warn)

	l.Infof("should not appear")
	l.Warnf("should appear: %d", 42)

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "should appear: 42")
	require.Contains(t, out, "WARN")
	require.Contains(t, out, " test: ")
}

func TestWithAppendsDottedComponentName(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "sched", Debug)
	child := l.With("task.3")

	child.Infof("hello")
	require.Contains(t, buf.String(), "sched.task.3")
}

func TestEachLineIsFlushedImmediately(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "hal", Debug)

	l.Infof("line one")
	firstLen := buf.Len()
	require.Greater(t, firstLen, 0)

	l.Infof("line two")
	require.Equal(t, 2, strings.Count(buf.String(), "\n"))
}
