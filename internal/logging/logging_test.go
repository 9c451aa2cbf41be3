package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelsCarryComponentPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New("capstore", &buf)

	l.Infof("registered %s", "cap_1")
	l.Warnf("quota at %d%%", 90)
	l.Errorf("put failed: %v", "boom")

	out := buf.String()
	require.Contains(t, out, "INFO [capstore] registered cap_1")
	require.Contains(t, out, "WARN [capstore] quota at 90%")
	require.Contains(t, out, "ERROR [capstore] put failed: boom")
}

func TestNewDefaultsToStderrWithoutPanicking(t *testing.T) {
	l := New("audit", nil)
	require.NotNil(t, l)
	l.Debugf("no writer given, falls back to stderr")
}

func TestComponentIsolation(t *testing.T) {
	var buf bytes.Buffer
	a := New("authz", &buf)
	b := New("reflex", &buf)

	a.Infof("granted")
	b.Infof("blocked")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "[authz] granted")
	require.Contains(t, lines[1], "[reflex] blocked")
}
