// Package sampler wraps a backend.Sampler with the fast-preset collapse
// rule and the reset-per-run contract described in the runner's sampler
// design.
package sampler

import (
	"github.com/noctics/nox-runner/internal/backend"
	"github.com/noctics/nox-runner/internal/nerr"
)

// Params mirrors backend.SamplerOpts at the sampler package's boundary so
// callers don't need to import backend just to build one.
type Params struct {
	Temp          float64
	TopP          float64
	TopK          int
	RepeatLastN   int
	RepeatPenalty float64
}

// IsFast reports whether params already describe the deterministic greedy
// preset: temp=0, top_p=1, top_k=1. The fast flag forces this collapse
// explicitly; this predicate lets resolved defaults collapse to it too.
func IsFast(p Params) bool {
	return p.Temp == 0 && p.TopP == 1 && p.TopK == 1
}

// FastParams returns the canonical fast-preset parameters: no repetition
// penalty, deterministic argmax.
func FastParams() Params {
	return Params{Temp: 0, TopP: 1, TopK: 1, RepeatLastN: 0, RepeatPenalty: 1.0}
}

// Sampler owns a single generation run's repetition memory via the
// underlying backend.Sampler. It never leaks state across runs — Reset
// must be (and is, by New) called at the start of every run.
type Sampler struct {
	backend.Sampler
}

// New constructs a Sampler for one generation run. If fast is true the
// params are forced to the fast preset regardless of what was supplied.
func New(model backend.Model, p Params, fast bool) (*Sampler, error) {
	if fast || IsFast(p) {
		p = FastParams()
	}
	bs, err := model.NewSampler(backend.SamplerOpts{
		TopK:          p.TopK,
		TopP:          p.TopP,
		Temp:          p.Temp,
		RepeatLastN:   p.RepeatLastN,
		RepeatPenalty: p.RepeatPenalty,
	})
	if err != nil {
		return nil, nerr.New(nerr.KindSampler, "create sampler", err)
	}
	bs.Reset()
	return &Sampler{Sampler: bs}, nil
}
