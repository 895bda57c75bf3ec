package session_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noctics/nox-runner/internal/backend"
	"github.com/noctics/nox-runner/internal/backend/backendtest"
	"github.com/noctics/nox-runner/internal/config"
	"github.com/noctics/nox-runner/internal/nerr"
	"github.com/noctics/nox-runner/internal/session"
)

type fakeLoader struct{ m backend.Model }

func (f fakeLoader) Load(path string, opts backend.LoadOpts) (backend.Model, error) {
	return f.m, nil
}

func baseCfg(t *testing.T) *config.RunnerConfig {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	return &config.RunnerConfig{
		ModelPath: path,
		MaxTokens: 16,
		CtxLength: 1024,
		BatchSize: 8,
		Threads:   4,
		Fast:      true,
	}
}

func TestController_SingleShot_Basic(t *testing.T) {
	cfg := baseCfg(t)
	cfg.Prompt = "hi"

	script := []int32{5, 6, 7, backendtest.EOGToken}
	model := backendtest.NewModel(script)

	var stdout, stderr bytes.Buffer
	c := &session.Controller{
		Cfg:    cfg,
		Loader: fakeLoader{model},
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
		Stderr: &stderr,
	}

	res, restored, err := c.Load()
	require.NoError(t, err)
	defer res.Close()
	assert.Empty(t, restored)

	err = c.RunSingleShot(context.Background(), res, restored)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(stdout.String(), "nox:\n"))
	assert.Contains(t, stderr.String(), "completed in")
}

func TestController_SingleShot_NoPromptOnTTY(t *testing.T) {
	cfg := baseCfg(t)
	model := backendtest.NewModel(nil)

	var stdout, stderr bytes.Buffer
	c := &session.Controller{
		Cfg:    cfg,
		Loader: fakeLoader{model},
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
		Stderr: &stderr,
		IsTTY:  func() bool { return true },
	}

	res, restored, err := c.Load()
	require.NoError(t, err)
	defer res.Close()

	err = c.RunSingleShot(context.Background(), res, restored)
	require.Error(t, err)
	assert.True(t, nerr.Is(err, nerr.KindNoPrompt))
}

func TestController_SingleShot_PromptFromStdin(t *testing.T) {
	cfg := baseCfg(t)
	model := backendtest.NewModel([]int32{5, backendtest.EOGToken})

	var stdout, stderr bytes.Buffer
	c := &session.Controller{
		Cfg:    cfg,
		Loader: fakeLoader{model},
		Stdin:  strings.NewReader("piped prompt\n"),
		Stdout: &stdout,
		Stderr: &stderr,
		IsTTY:  func() bool { return false },
	}

	res, restored, err := c.Load()
	require.NoError(t, err)
	defer res.Close()

	err = c.RunSingleShot(context.Background(), res, restored)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "nox:\n")
}

func TestController_Serve_LineDelimited_TwoTurns(t *testing.T) {
	cfg := baseCfg(t)
	cfg.Serve = true
	cfg.Append = true

	model := backendtest.NewModel([]int32{5, 6, backendtest.EOGToken})

	var stdout, stderr bytes.Buffer
	c := &session.Controller{
		Cfg:    cfg,
		Loader: fakeLoader{model},
		Stdin:  strings.NewReader("hello\nhello world\n"),
		Stdout: &stdout,
		Stderr: &stderr,
	}

	res, restored, err := c.Load()
	require.NoError(t, err)
	defer res.Close()

	err = c.RunServe(context.Background(), res, restored)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	assert.GreaterOrEqual(t, len(lines), 2)
}

func TestController_Serve_KeepCache_PrefixReuse(t *testing.T) {
	cfg := baseCfg(t)
	cfg.Serve = true
	cfg.KeepCache = true

	model := backendtest.NewModel([]int32{5, backendtest.EOGToken})

	var stdout, stderr bytes.Buffer
	c := &session.Controller{
		Cfg:    cfg,
		Loader: fakeLoader{model},
		Stdin:  strings.NewReader("hello\nhello world\n"),
		Stdout: &stdout,
		Stderr: &stderr,
	}

	res, restored, err := c.Load()
	require.NoError(t, err)
	defer res.Close()

	err = c.RunServe(context.Background(), res, restored)
	require.NoError(t, err)
}

func TestController_Serve_RSDelimiter(t *testing.T) {
	cfg := baseCfg(t)
	cfg.Serve = true
	cfg.Delimiter = config.DelimiterRS

	model := backendtest.NewModel([]int32{5, backendtest.EOGToken})

	var stdout, stderr bytes.Buffer
	input := "first prompt\x1esecond prompt\x1e"
	c := &session.Controller{
		Cfg:    cfg,
		Loader: fakeLoader{model},
		Stdin:  strings.NewReader(input),
		Stdout: &stdout,
		Stderr: &stderr,
	}

	res, restored, err := c.Load()
	require.NoError(t, err)
	defer res.Close()

	err = c.RunServe(context.Background(), res, restored)
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(stdout.String(), "\x1e"))
}

func TestController_Serve_ExitSentinelStopsLoop(t *testing.T) {
	cfg := baseCfg(t)
	cfg.Serve = true
	model := backendtest.NewModel([]int32{5, backendtest.EOGToken})

	var stdout, stderr bytes.Buffer
	c := &session.Controller{
		Cfg:    cfg,
		Loader: fakeLoader{model},
		Stdin:  strings.NewReader("hello\nexit\nnever reached\n"),
		Stdout: &stdout,
		Stderr: &stderr,
	}

	res, restored, err := c.Load()
	require.NoError(t, err)
	defer res.Close()

	err = c.RunServe(context.Background(), res, restored)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(stdout.String(), "\n"))
	assert.Contains(t, stdout.String(), "<<<NOX_END>>>")
}

func TestController_StateSaveLoad_RoundTrip(t *testing.T) {
	cfg := baseCfg(t)
	statePath := filepath.Join(t.TempDir(), "state.bin")
	cfg.Prompt = "hi"
	cfg.StateSave = statePath

	model := backendtest.NewModel([]int32{5, backendtest.EOGToken})

	var stdout, stderr bytes.Buffer
	c := &session.Controller{
		Cfg:    cfg,
		Loader: fakeLoader{model},
		Stdin:  strings.NewReader(""),
		Stdout: &stdout,
		Stderr: &stderr,
	}

	res, restored, err := c.Load()
	require.NoError(t, err)
	err = c.RunSingleShot(context.Background(), res, restored)
	require.NoError(t, err)
	res.Close()

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	cfg2 := baseCfg(t)
	cfg2.ModelPath = cfg.ModelPath
	cfg2.Prompt = "continue"
	cfg2.StateLoad = statePath

	var stdout2, stderr2 bytes.Buffer
	c2 := &session.Controller{
		Cfg:    cfg2,
		Loader: fakeLoader{backendtest.NewModel([]int32{6, backendtest.EOGToken})},
		Stdin:  strings.NewReader(""),
		Stdout: &stdout2,
		Stderr: &stderr2,
	}
	res2, restored2, err := c2.Load()
	require.NoError(t, err)
	defer res2.Close()
	assert.NotEmpty(t, restored2)

	err = c2.RunSingleShot(context.Background(), res2, restored2)
	require.NoError(t, err)
}
