// Package llamacpp adapts github.com/ollama/ollama/llama — the cgo bindings
// onto llama.cpp that Ollama's own runner/llamarunner is built on — to the
// backend.Model/Context/Batch/Sampler capability set. Every method here is a
// single pass-through call; no cache or sampling policy lives in this
// package.
package llamacpp

import (
	"context"
	"errors"
	"fmt"

	"github.com/ollama/ollama/llama"

	"github.com/noctics/nox-runner/internal/backend"
)

// Loader loads GGUF models via llama.cpp.
type Loader struct{}

func (Loader) Load(path string, opts backend.LoadOpts) (backend.Model, error) {
	params := llama.NewModelParams()
	params.UseMmap = opts.UseMmap
	params.UseMlock = opts.UseMlock
	params.ProgressCallback = opts.ProgressCB

	m, err := llama.LoadModelFromFile(path, params)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	return &model{m: m}, nil
}

type model struct {
	m *llama.Model
}

func (m *model) Tokenize(prompt string, addSpecial, parseSpecial bool) ([]int32, error) {
	toks, err := m.m.Tokenize(prompt, addSpecial, parseSpecial)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(toks))
	for i, t := range toks {
		out[i] = int32(t)
	}
	return out, nil
}

func (m *model) DetokenizePiece(token int32) string {
	return m.m.TokenToPiece(int(token))
}

func (m *model) IsEndOfGeneration(token int32) bool {
	return m.m.TokenIsEog(int(token))
}

func (m *model) SupportsMlock() bool {
	return llama.SupportsMlock()
}

func (m *model) NewContext(opts backend.ContextOpts) (backend.Context, error) {
	params := llama.NewContextParams(opts.CtxLength, opts.BatchSize, opts.Seqs, opts.Threads)
	lc, err := llama.NewContextWithModel(m.m, params)
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	return &llamaContext{lc: lc, model: m.m}, nil
}

func (m *model) NewSampler(opts backend.SamplerOpts) (backend.Sampler, error) {
	params := llama.SamplingParams{
		TopK:          opts.TopK,
		TopP:          opts.TopP,
		Temp:          opts.Temp,
		RepeatLastN:   opts.RepeatLastN,
		RepeatPenalty: opts.RepeatPenalty,
	}
	sc, err := llama.NewSamplingContext(m.m, params)
	if err != nil {
		return nil, fmt.Errorf("create sampler: %w", err)
	}
	return &sampler{sc: sc}, nil
}

func (m *model) Close() error {
	m.m.Free()
	return nil
}

type llamaContext struct {
	lc    *llama.Context
	model *llama.Model
}

func (c *llamaContext) NewBatch(capacity, seqs int) (backend.Batch, error) {
	b, err := llama.NewBatch(capacity, seqs, 0)
	if err != nil {
		return nil, fmt.Errorf("allocate batch: %w", err)
	}
	return &batch{b: b}, nil
}

func (c *llamaContext) Decode(ctx context.Context, b backend.Batch) error {
	lb := b.(*batch).b
	err := c.lc.Decode(lb)
	if err == nil {
		return nil
	}
	if errors.Is(err, llama.ErrKvCacheFull) {
		return backend.ErrKvCacheFull
	}
	return fmt.Errorf("decode: %w", err)
}

func (c *llamaContext) GetLogitsLast() []float32 {
	return c.lc.GetLogitsIth(-1)
}

func (c *llamaContext) KvClear() {
	c.lc.KvCacheClear()
}

func (c *llamaContext) KvSeqRm(seq, from, toExclusive int) bool {
	return c.lc.KvCacheSeqRm(seq, from, toExclusive)
}

func (c *llamaContext) KvSeqAdd(seq, from, to, delta int) {
	c.lc.KvCacheSeqAdd(seq, from, to, delta)
}

func (c *llamaContext) KvCanShift() bool {
	return c.lc.KvCacheCanShift()
}

func (c *llamaContext) StateSaveFile(path string, tokens []int32) error {
	toks := make([]int, len(tokens))
	for i, t := range tokens {
		toks[i] = int(t)
	}
	if err := c.lc.StateSaveFile(path, toks); err != nil {
		return fmt.Errorf("save state %s: %w", path, err)
	}
	return nil
}

func (c *llamaContext) StateLoadFile(path string, maxTokens int) ([]int32, error) {
	toks, err := c.lc.StateLoadFile(path, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", path, err)
	}
	out := make([]int32, len(toks))
	for i, t := range toks {
		out[i] = int32(t)
	}
	return out, nil
}

func (c *llamaContext) Close() error {
	c.lc.Free()
	return nil
}

type batch struct {
	b *llama.Batch
}

func (b *batch) Clear() { b.b.Clear() }

func (b *batch) Add(token int32, position int, emitLogits bool, seqID int) {
	b.b.Add(int(token), nil, position, emitLogits, seqID)
}

func (b *batch) Size() int { return b.b.Size() }

func (b *batch) Free() { b.b.Free() }

type sampler struct {
	sc *llama.SamplingContext
}

func (s *sampler) Sample(ctx backend.Context, batchSlot int) (int32, error) {
	lc := ctx.(*llamaContext).lc
	tok := s.sc.Sample(lc, batchSlot)
	return int32(tok), nil
}

func (s *sampler) Accept(token int32, applyGrammar bool) {
	s.sc.Accept(int(token), applyGrammar)
}

func (s *sampler) Reset() {
	s.sc.Reset()
}
