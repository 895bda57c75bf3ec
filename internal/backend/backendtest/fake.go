// Package backendtest provides a hermetic backend.Model/Context/Batch/
// Sampler double with a fixed vocabulary and a scripted, deterministic
// token stream. It lets internal/kvcache, internal/sampler,
// internal/generate, and internal/session be tested without a real GGUF
// file or cgo dependency.
package backendtest

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/noctics/nox-runner/internal/backend"
)

// EOGToken is the fixed end-of-generation sentinel used by the fake vocab.
const EOGToken int32 = 1

// Model is a scripted backend.Model double.
type Model struct {
	// Script is the token stream the sampler emits, in order, before
	// falling back to EOGToken forever.
	Script []int32
	// KVFull, when true, makes every Decode fail with backend.ErrKvCacheFull.
	KVFull bool
	// DecodeErr, when set, makes every Decode fail with this error instead.
	DecodeErr error
	// ShiftDisabled makes KvCanShift report false.
	ShiftDisabled bool
}

// NewModel returns a Model that emits script and then EOGToken forever.
func NewModel(script []int32) *Model {
	return &Model{Script: script}
}

// Tokenize maps each rune to 2 + (its ordinal mod 62), a token in [2, 63],
// reserving 0 for BOS and 1 for EOG so ordinary prompt text never
// accidentally emits them.
func (m *Model) Tokenize(prompt string, addSpecial, parseSpecial bool) ([]int32, error) {
	if prompt == "" {
		return nil, fmt.Errorf("tokenize: empty input")
	}
	toks := make([]int32, 0, len(prompt)+1)
	if addSpecial {
		toks = append(toks, 0)
	}
	for _, r := range prompt {
		t := int32(r)%62 + 2
		toks = append(toks, t)
	}
	return toks, nil
}

func (m *Model) DetokenizePiece(token int32) string {
	if token == EOGToken || token == 0 {
		return ""
	}
	return string(rune('a' + int(token)%26))
}

func (m *Model) IsEndOfGeneration(token int32) bool { return token == EOGToken }

func (m *Model) SupportsMlock() bool { return true }

func (m *Model) NewContext(opts backend.ContextOpts) (backend.Context, error) {
	return &Context{model: m, capacity: opts.CtxLength}, nil
}

func (m *Model) NewSampler(opts backend.SamplerOpts) (backend.Sampler, error) {
	return &Sampler{model: m}, nil
}

func (m *Model) Close() error { return nil }

// Context is a scripted backend.Context double. Resident mirrors the
// logical token sequence the KV cache would hold, so kvcache policy tests
// can assert on it directly.
type Context struct {
	model    *Model
	capacity int

	Resident []int32

	DecodeCount int
}

func (c *Context) NewBatch(capacity, seqs int) (backend.Batch, error) {
	return &Batch{capacity: capacity}, nil
}

func (c *Context) Decode(_ context.Context, b backend.Batch) error {
	if c.model.DecodeErr != nil {
		return c.model.DecodeErr
	}
	if c.model.KVFull {
		return backend.ErrKvCacheFull
	}
	bat := b.(*Batch)
	for _, s := range bat.slots {
		for len(c.Resident) <= s.position {
			c.Resident = append(c.Resident, 0)
		}
		c.Resident[s.position] = s.token
	}
	c.DecodeCount++
	return nil
}

// GetLogitsLast returns a small deterministic vocabulary-sized vector whose
// top-1 and top-2 entries have a fixed, known margin (3.0), so metrics
// tests can assert exact stderr telemetry values.
func (c *Context) GetLogitsLast() []float32 {
	logits := make([]float32, 64)
	for i := range logits {
		logits[i] = float32(i) * 0.01
	}
	logits[5] = 9.0
	logits[6] = 6.0
	return logits
}

func (c *Context) KvClear() { c.Resident = nil }

func (c *Context) KvSeqRm(seq, from, toExclusive int) bool {
	if c.model.ShiftDisabled {
		return false
	}
	if toExclusive < 0 {
		if from >= len(c.Resident) {
			return true
		}
		c.Resident = c.Resident[:from]
		return true
	}
	if from >= len(c.Resident) {
		return true
	}
	end := toExclusive
	if end > len(c.Resident) {
		end = len(c.Resident)
	}
	c.Resident = append(c.Resident[:from], c.Resident[end:]...)
	return true
}

func (c *Context) KvSeqAdd(seq, from, to, delta int) {
	// positions are renumbered logically by the caller; the fake has no
	// separate position field to shift, Resident is already contiguous
	// after KvSeqRm compacted it.
}

func (c *Context) KvCanShift() bool { return !c.model.ShiftDisabled }

func (c *Context) StateSaveFile(path string, tokens []int32) error {
	strs := make([]string, len(tokens))
	for i, t := range tokens {
		strs[i] = strconv.Itoa(int(t))
	}
	return os.WriteFile(path, []byte(strings.Join(strs, ",")), 0o600)
}

func (c *Context) StateLoadFile(path string, maxTokens int) ([]int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	parts := strings.Split(string(data), ",")
	out := make([]int32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("corrupt state file: %w", err)
		}
		out = append(out, int32(n))
		if maxTokens > 0 && len(out) >= maxTokens {
			break
		}
	}
	c.Resident = append([]int32(nil), out...)
	return out, nil
}

func (c *Context) Close() error { return nil }

// Batch is a scripted backend.Batch double.
type Batch struct {
	capacity int
	slots    []slot
}

type slot struct {
	token      int32
	position   int
	emitLogits bool
	seqID      int
}

func (b *Batch) Clear() { b.slots = b.slots[:0] }

func (b *Batch) Add(token int32, position int, emitLogits bool, seqID int) {
	b.slots = append(b.slots, slot{token, position, emitLogits, seqID})
}

func (b *Batch) Size() int { return b.capacity }

func (b *Batch) Free() {}

// Sampler is a scripted backend.Sampler double: it always emits the next
// token from Model.Script (falling back to EOGToken), deterministically and
// without reading logits, so fast-preset determinism is trivially true by
// construction, matching the real fast preset's argmax behavior.
type Sampler struct {
	model *Model
	idx   int
}

func (s *Sampler) Sample(ctx backend.Context, batchSlot int) (int32, error) {
	if s.idx < len(s.model.Script) {
		return s.model.Script[s.idx], nil
	}
	return EOGToken, nil
}

func (s *Sampler) Accept(token int32, applyGrammar bool) {
	s.idx++
}

func (s *Sampler) Reset() { s.idx = 0 }
