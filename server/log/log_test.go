package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewWriterLog(buf)
	l.MinLevel = LevelInfo
	l.Debugf("hidden %v", 1)
	l.Infof("shown %v", 2)
	l.Errorf("bad %v", 3)
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, " Info shown 2\n")
	require.Contains(t, out, " Error bad 3\n")
	require.Equal(t, 2, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "Info", "WARNING", "warn", "error", "critical"} {
		_, err := ParseLevel(s)
		require.NoError(t, err, s)
	}
	lvl, _ := ParseLevel("warn")
	require.Equal(t, LevelWarn, lvl)
	require.Equal(t, "Warning", lvl.String())
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestPrefixLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewPrefixLogger(NewPrefixLogger(NewWriterLog(buf), "Broker"), "Session 7")
	l.Warnf("queue full (%v)", 100)
	require.Contains(t, buf.String(), "Warning Broker Session 7 queue full (100)")
}
