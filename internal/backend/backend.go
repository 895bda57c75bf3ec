// Package backend defines the capability set the runner needs from a model
// backend: load, tokenize, batch, decode, sample, and manipulate the KV
// cache. No policy lives here — every method is a single call into the
// underlying inference library. internal/backend/llamacpp provides the real
// adapter over github.com/ollama/ollama/llama; internal/backend/backendtest
// provides a hermetic double for tests.
package backend

import (
	"context"
	"errors"
)

// ErrKvCacheFull is the sentinel a Context.Decode implementation must return
// (possibly wrapped) when the backend could not find a KV cache slot for
// the batch. Callers dispatch on it with errors.Is.
var ErrKvCacheFull = errors.New("could not find a kv cache slot")

// LoadOpts configures model loading.
type LoadOpts struct {
	UseMmap     bool
	UseMlock    bool
	ProgressCB  func(progress float32)
}

// ContextOpts configures a new inference context.
type ContextOpts struct {
	CtxLength int
	BatchSize int
	Seqs      int
	Threads   int
}

// SamplerOpts configures a new sampler.
type SamplerOpts struct {
	TopK          int
	TopP          float64
	Temp          float64
	RepeatLastN   int
	RepeatPenalty float64
}

// Model is an opaque handle to loaded weights plus a tokenizer.
type Model interface {
	Tokenize(prompt string, addSpecial, parseSpecial bool) ([]int32, error)
	DetokenizePiece(token int32) string
	IsEndOfGeneration(token int32) bool
	NewContext(opts ContextOpts) (Context, error)
	NewSampler(opts SamplerOpts) (Sampler, error)
	SupportsMlock() bool
	Close() error
}

// Batch is a fixed-capacity slot buffer for one decode call.
type Batch interface {
	Clear()
	Add(token int32, position int, emitLogits bool, seqID int)
	Size() int
	Free()
}

// Context is the per-instance decoder state, including the attached KV
// cache. Samplers are created separately via Model.NewSampler.
type Context interface {
	NewBatch(capacity, seqs int) (Batch, error)
	Decode(ctx context.Context, b Batch) error
	GetLogitsLast() []float32

	KvClear()
	KvSeqRm(seq, from, toExclusive int) bool
	KvSeqAdd(seq, from, to, delta int)
	KvCanShift() bool

	StateSaveFile(path string, tokens []int32) error
	StateLoadFile(path string, maxTokens int) ([]int32, error)

	Close() error
}

// Sampler converts a logits vector at the last batch slot into a token id
// and maintains repetition memory across a single generation run.
type Sampler interface {
	Sample(ctx Context, batchSlot int) (int32, error)
	Accept(token int32, applyGrammar bool)
	Reset()
}

// Load opens a GGUF model file.
type Loader interface {
	Load(path string, opts LoadOpts) (Model, error)
}
