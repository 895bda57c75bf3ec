package session_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noctics/nox-runner/internal/session"
)

func TestStreamWriter_Coalescing(t *testing.T) {
	var buf strings.Builder
	w := session.NewStreamWriter(&buf, 8)

	_, err := w.WriteString("ab")
	require.NoError(t, err)
	assert.Empty(t, buf.String(), "below threshold must not flush yet")

	_, err = w.WriteString("cd")
	require.NoError(t, err)
	assert.Empty(t, buf.String(), "still below threshold")

	_, err = w.WriteString("efghi")
	require.NoError(t, err)
	assert.Equal(t, "abcdefghi", buf.String(), "reaching the threshold flushes everything accumulated")

	_, err = w.WriteString("j")
	require.NoError(t, err)
	assert.Equal(t, "abcdefghi", buf.String(), "new bytes under threshold stay buffered")

	require.NoError(t, w.Flush())
	assert.Equal(t, "abcdefghij", buf.String(), "Flush writes out whatever remains regardless of threshold")
}

func TestStreamWriter_PassThroughWhenThresholdZero(t *testing.T) {
	var buf strings.Builder
	w := session.NewStreamWriter(&buf, 0)

	_, err := w.WriteString("immediate")
	require.NoError(t, err)
	assert.Equal(t, "immediate", buf.String())
}

func TestStreamWriter_FlushNoopWhenEmpty(t *testing.T) {
	var buf strings.Builder
	w := session.NewStreamWriter(&buf, 16)
	require.NoError(t, w.Flush())
	assert.Empty(t, buf.String())
}
