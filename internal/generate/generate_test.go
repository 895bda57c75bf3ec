package generate_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noctics/nox-runner/internal/backend"
	"github.com/noctics/nox-runner/internal/backend/backendtest"
	"github.com/noctics/nox-runner/internal/generate"
	"github.com/noctics/nox-runner/internal/nerr"
	"github.com/noctics/nox-runner/internal/sampler"
)

type stringWriter struct {
	strings.Builder
	flushed bool
}

func (w *stringWriter) Flush() error { w.flushed = true; return nil }

func setup(t *testing.T, script []int32) (backend.Context, backend.Model, *sampler.Sampler) {
	t.Helper()
	m := backendtest.NewModel(script)
	ctx, err := m.NewContext(backend.ContextOpts{CtxLength: 1024})
	require.NoError(t, err)
	s, err := sampler.New(m, sampler.Params{}, true)
	require.NoError(t, err)
	return ctx, m, s
}

func TestRun_GreedyDeterministic(t *testing.T) {
	script := []int32{5, 6, 7, 8, backendtest.EOGToken}
	ctx, model, smp := setup(t, script)

	out := &stringWriter{}
	res, err := generate.Run(context.Background(), ctx, model, smp, out, nil, generate.RunInput{
		Toks:      []int32{10, 11, 12},
		MaxTokens: 16,
		BatchSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 6, 7, 8}, res.Generated)
	assert.True(t, out.flushed)
	assert.Equal(t, 4, len(res.Generated))
}

func TestRun_MaxTokensZero_NoGeneration(t *testing.T) {
	ctx, model, smp := setup(t, []int32{5, 6, 7})
	out := &stringWriter{}
	res, err := generate.Run(context.Background(), ctx, model, smp, out, nil, generate.RunInput{
		Toks:      []int32{10, 11},
		MaxTokens: 0,
		BatchSize: 4,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Generated)
}

func TestRun_PromptExceedsWindow_Fails(t *testing.T) {
	ctx, model, smp := setup(t, []int32{5})
	out := &stringWriter{}
	_, err := generate.Run(context.Background(), ctx, model, smp, out, nil, generate.RunInput{
		Toks:      make([]int32, 65),
		MaxTokens: 10,
		BatchSize: 32,
		KVWindow:  64,
	})
	require.Error(t, err)
	assert.True(t, nerr.Is(err, nerr.KindPromptTooLong))
}

func TestRun_PromptEqualsWindow_Accepted(t *testing.T) {
	ctx, model, smp := setup(t, []int32{backendtest.EOGToken})
	out := &stringWriter{}
	_, err := generate.Run(context.Background(), ctx, model, smp, out, nil, generate.RunInput{
		Toks:      make([]int32, 64),
		MaxTokens: 10,
		BatchSize: 32,
		KVWindow:  64,
	})
	require.NoError(t, err)
}

func TestRun_SlidingWindow_ContinuesPastCapacity(t *testing.T) {
	script := make([]int32, 100)
	for i := range script {
		script[i] = int32(2 + i%50)
	}
	ctx, model, smp := setup(t, script)
	out := &stringWriter{}
	res, err := generate.Run(context.Background(), ctx, model, smp, out, nil, generate.RunInput{
		Toks:      make([]int32, 40),
		MaxTokens: 80,
		BatchSize: 32,
		KVWindow:  64,
	})
	require.NoError(t, err)
	assert.Greater(t, len(res.Generated), 64)
}

type metricsSink struct {
	lines []string
}

func (m *metricsSink) WriteString(s string) (int, error) {
	m.lines = append(m.lines, s)
	return len(s), nil
}

func TestRun_MetricsLineCountMatchesGeneratedTokens(t *testing.T) {
	script := []int32{5, 6, 7, backendtest.EOGToken}
	ctx, model, smp := setup(t, script)
	out := &stringWriter{}
	metrics := &metricsSink{}
	res, err := generate.Run(context.Background(), ctx, model, smp, out, metrics, generate.RunInput{
		Toks:      []int32{10, 11},
		MaxTokens: 16,
		BatchSize: 8,
		Metrics:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, len(res.Generated), len(metrics.lines))
}

func TestRun_SaveFnInvokedAfterPrefill(t *testing.T) {
	ctx, model, smp := setup(t, []int32{backendtest.EOGToken})
	out := &stringWriter{}
	called := false
	_, err := generate.Run(context.Background(), ctx, model, smp, out, nil, generate.RunInput{
		Toks:      []int32{10, 11},
		MaxTokens: 5,
		BatchSize: 8,
		SaveFn:    func() error { called = true; return nil },
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRun_KvCacheFullDuringPrefill(t *testing.T) {
	m := backendtest.NewModel(nil)
	m.KVFull = true
	ctx, err := m.NewContext(backend.ContextOpts{CtxLength: 1024})
	require.NoError(t, err)
	smp, err := sampler.New(m, sampler.Params{}, true)
	require.NoError(t, err)

	out := &stringWriter{}
	_, err = generate.Run(context.Background(), ctx, m, smp, out, nil, generate.RunInput{
		Toks:      []int32{10, 11, 12},
		MaxTokens: 5,
		BatchSize: 2,
	})
	require.Error(t, err)
	assert.True(t, nerr.Is(err, nerr.KindKvCacheFull))
}
