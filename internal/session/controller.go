// Package session implements the runner's outer control loop: loading the
// model and allocating its context once, then either running a single
// prompt to completion or serving successive prompts from stdin, choosing a
// KV-cache retention strategy per turn and reporting timing and diagnostics
// to stderr in the runner's stdio framing.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noctics/nox-runner/internal/backend"
	"github.com/noctics/nox-runner/internal/config"
	"github.com/noctics/nox-runner/internal/generate"
	"github.com/noctics/nox-runner/internal/kvcache"
	"github.com/noctics/nox-runner/internal/nerr"
	"github.com/noctics/nox-runner/internal/sampler"
)

// Resources holds every handle the controller must release, in acquisition
// order, so Close can release them in reverse.
type Resources struct {
	Model backend.Model
	Ctx   backend.Context
}

// Close releases ctx before model, collecting rather than short-circuiting
// on failure so a broken context doesn't mask a broken model unload.
func (r *Resources) Close() error {
	var errs []error
	if r.Ctx != nil {
		if err := r.Ctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
	}
	if r.Model != nil {
		if err := r.Model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Warmup performs the size-based prefetch heuristic: a best-effort
// sequential read of the model file to prime the OS page cache before
// mmap'd random access begins. Failure here is never fatal — it is purely
// an optimization.
func Warmup(path string, prefetch bool) {
	if !prefetch {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		logrus.WithError(err).Debug("prefetch: could not open model file")
		return
	}
	defer f.Close()
	if _, err := io.Copy(io.Discard, f); err != nil {
		logrus.WithError(err).Debug("prefetch: sequential read failed")
	}
}

// Controller owns one process invocation's session: resolved config, a
// model loader, and the stdio streams it reads prompts from and writes
// pieces and diagnostics to.
type Controller struct {
	Cfg    *config.RunnerConfig
	Loader backend.Loader
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	IsTTY  func() bool
}

// Load performs model load, context allocation, and (if requested)
// session-state restore, returning the assembled Resources plus any tokens
// restored from -state-load. Samplers are built per run, not here.
func (c *Controller) Load() (*Resources, []int32, error) {
	Warmup(c.Cfg.ModelPath, c.Cfg.Prefetch)

	fmt.Fprintf(c.Stderr, "loading model: %s (threads=%d ctx=%d batch=%d)\n",
		c.Cfg.ModelPath, c.Cfg.Threads, c.Cfg.CtxLength, c.Cfg.BatchSize)

	model, err := c.Loader.Load(c.Cfg.ModelPath, backend.LoadOpts{
		UseMmap:  true,
		UseMlock: c.Cfg.Prepack,
	})
	if err != nil {
		return nil, nil, nerr.New(nerr.KindModelLoad, "load model", err)
	}
	res := &Resources{Model: model}

	if c.Cfg.Prepack && !model.SupportsMlock() {
		logrus.Warn("prepack requested but mlock is not supported on this platform; continuing without it")
	}

	ctx, err := model.NewContext(backend.ContextOpts{
		CtxLength: c.Cfg.CtxLength,
		BatchSize: c.Cfg.BatchSize,
		Seqs:      1,
		Threads:   c.Cfg.Threads,
	})
	if err != nil {
		res.Close()
		return nil, nil, nerr.New(nerr.KindContext, "allocate context", err)
	}
	res.Ctx = ctx

	var restored []int32
	if c.Cfg.StateLoad != "" {
		toks, err := ctx.StateLoadFile(c.Cfg.StateLoad, c.Cfg.CtxLength)
		if err != nil {
			res.Close()
			return nil, nil, nerr.New(nerr.KindStateIO, "load session state", err)
		}
		restored = toks
	}

	return res, restored, nil
}

// newSampler builds a per-run sampler from the resolved config.
func (c *Controller) newSampler(model backend.Model) (*sampler.Sampler, error) {
	return sampler.New(model, sampler.Params{
		Temp:          c.Cfg.Sampling.Temp,
		TopP:          c.Cfg.Sampling.TopP,
		TopK:          c.Cfg.Sampling.TopK,
		RepeatLastN:   c.Cfg.Sampling.RepeatLastN,
		RepeatPenalty: c.Cfg.Sampling.RepeatPenalty,
	}, c.Cfg.Fast)
}

// resolvePrompt returns the single-shot prompt: the positional-arg prompt if
// one was given, otherwise the whole of stdin when stdin isn't a terminal.
func (c *Controller) resolvePrompt() (string, error) {
	if c.Cfg.Prompt != "" {
		return c.Cfg.Prompt, nil
	}
	if c.IsTTY != nil && c.IsTTY() {
		return "", nil
	}
	data, err := io.ReadAll(c.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func (c *Controller) applyTemplate(prompt string) string {
	if c.Cfg.Chat || c.Cfg.System != "" || c.Cfg.Cot {
		return BuildChatPrompt(c.Cfg.System, c.Cfg.Cot, prompt)
	}
	return prompt
}

// RunSingleShot runs exactly one prompt to completion and reports stats,
// matching the single-shot framing: an optional "nox:\n" header, the
// streamed pieces, and (unless -raw) a trailing newline plus a completion
// line on stderr.
func (c *Controller) RunSingleShot(ctx context.Context, res *Resources, restored []int32) error {
	prompt, err := c.resolvePrompt()
	if err != nil {
		return nerr.New(nerr.KindTokenize, "read prompt", err)
	}
	if prompt == "" && len(restored) == 0 {
		return nerr.New(nerr.KindNoPrompt, "resolve prompt", errors.New("no prompt given on the command line or stdin"))
	}

	smp, err := c.newSampler(res.Model)
	if err != nil {
		return err
	}

	var toks []int32
	var startPos, posOffset int
	var saveFn func() error

	if len(restored) == 0 {
		toks, err = res.Model.Tokenize(c.applyTemplate(prompt), true, true)
		if err != nil {
			return nerr.New(nerr.KindTokenize, "tokenize prompt", err)
		}
		if c.Cfg.StateSave != "" {
			saveFn = func() error { return res.Ctx.StateSaveFile(c.Cfg.StateSave, toks) }
		}
	} else {
		toks, err = res.Model.Tokenize(c.applyTemplate(prompt), false, true)
		if err != nil {
			return nerr.New(nerr.KindTokenize, "tokenize prompt", err)
		}
		posOffset = len(restored)
		if c.Cfg.StateSave != "" {
			saveFn = func() error {
				return res.Ctx.StateSaveFile(c.Cfg.StateSave, append(append([]int32(nil), restored...), toks...))
			}
		}
	}

	out := NewStreamWriter(c.Stdout, c.Cfg.StreamBytes)
	var metrics MetricsWriter
	if c.Cfg.Metrics {
		metrics = MetricsWriter{w: c.Stderr}
	}

	if !c.Cfg.Raw {
		fmt.Fprint(c.Stdout, "nox:\n")
	}

	start := time.Now()
	result, err := generate.Run(ctx, res.Ctx, res.Model, smp, out, metrics, generate.RunInput{
		Toks:      toks,
		StartPos:  startPos,
		PosOffset: posOffset,
		MaxTokens: c.Cfg.MaxTokens,
		BatchSize: c.Cfg.BatchSize,
		KVWindow:  c.Cfg.KVWindow,
		Metrics:   c.Cfg.Metrics,
		SaveFn:    saveFn,
	})
	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	if !c.Cfg.Raw {
		fmt.Fprintln(c.Stdout)
	}
	c.reportStats(elapsed, result.Stats)
	return nil
}

// reportStats writes the non-raw "completed in" stderr line and, if -bench
// was given, the bench summary line, matching the single-shot and per-turn
// serve-mode reporting contract.
func (c *Controller) reportStats(elapsed time.Duration, stats generate.Stats) {
	if !c.Cfg.Raw {
		fmt.Fprintf(c.Stderr, "completed in %s\n", elapsed.Round(time.Millisecond))
	}
	if c.Cfg.Bench {
		var tokS float64
		if stats.GenerateDuration > 0 {
			tokS = float64(stats.GeneratedTokens) / stats.GenerateDuration.Seconds()
		}
		fmt.Fprintf(c.Stderr, "bench: prompt_tokens=%d generated_tokens=%d prefill_ms=%d gen_ms=%d total_ms=%d tok_s=%.2f\n",
			stats.PromptTokens, stats.GeneratedTokens,
			stats.PrefillDuration.Milliseconds(), stats.GenerateDuration.Milliseconds(),
			elapsed.Milliseconds(), tokS)
	}
}

// RunServe loops over successive prompts from stdin, choosing a cache
// retention strategy per the resolved -append/-keep-cache/-input-only
// configuration, and emits an end-of-turn delimiter after each turn so a
// parent process can frame the streamed output.
func (c *Controller) RunServe(ctx context.Context, res *Resources, restored []int32) error {
	reader := NewPromptReader(c.Stdin, c.Cfg.Delimiter)
	prevTokens := restored
	retaining := c.Cfg.Append || c.Cfg.KeepCache

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		prompt, ok, err := reader.ReadPrompt()
		if err != nil {
			return nerr.New(nerr.KindTokenize, "read prompt", err)
		}
		if !ok {
			return nil
		}
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			continue
		}
		if prompt == "exit" || prompt == "quit" {
			return nil
		}

		addSpecial := !(c.Cfg.Append && len(prevTokens) > 0)
		toks, err := res.Model.Tokenize(c.applyTemplate(prompt), addSpecial, true)
		if err != nil {
			fmt.Fprintf(c.Stderr, "%v\n", nerr.New(nerr.KindTokenize, "tokenize prompt", err))
			c.emitTurnEnd()
			continue
		}

		var startPos, posOffset int
		switch {
		case c.Cfg.Append:
			startPos = 0
			posOffset = len(prevTokens)
		case c.Cfg.KeepCache:
			cLen := kvcache.PrefixRetain(res.Ctx, prevTokens, toks)
			startPos = cLen
			posOffset = 0
		default:
			kvcache.Reset(res.Ctx)
			startPos = 0
			posOffset = 0
		}

		smp, err := c.newSampler(res.Model)
		if err != nil {
			fmt.Fprintf(c.Stderr, "%v\n", err)
			c.emitTurnEnd()
			continue
		}

		out := NewStreamWriter(c.Stdout, c.Cfg.StreamBytes)
		var metrics MetricsWriter
		if c.Cfg.Metrics {
			metrics = MetricsWriter{w: c.Stderr}
		}

		turnStart := time.Now()
		result, err := generate.Run(ctx, res.Ctx, res.Model, smp, out, metrics, generate.RunInput{
			Toks:      toks,
			StartPos:  startPos,
			PosOffset: posOffset,
			MaxTokens: c.Cfg.MaxTokens,
			BatchSize: c.Cfg.BatchSize,
			KVWindow:  c.Cfg.KVWindow,
			Metrics:   c.Cfg.Metrics,
		})
		elapsed := time.Since(turnStart)
		if err != nil {
			fmt.Fprintf(c.Stderr, "%v\n", err)
			c.emitTurnEnd()
			continue
		}
		c.reportStats(elapsed, result.Stats)

		if c.Cfg.Append {
			prevTokens = append(prevTokens, toks...)
		} else {
			prevTokens = toks
		}
		if retaining {
			if c.Cfg.InputOnly {
				res.Ctx.KvSeqRm(0, len(prevTokens), -1)
			} else {
				prevTokens = append(prevTokens, result.Generated...)
			}
		}
		prevTokens = kvcache.TrimWindow(prevTokens, c.Cfg.KVWindow)

		c.emitTurnEnd()
	}
}

func (c *Controller) emitTurnEnd() {
	if c.Cfg.Delimiter == config.DelimiterRS {
		fmt.Fprintf(c.Stdout, "%c", recordSeparator)
	} else {
		fmt.Fprint(c.Stdout, "\n<<<NOX_END>>>\n")
	}
}

// MetricsWriter adapts an io.Writer to generate.MetricsSink.
type MetricsWriter struct {
	w io.Writer
}

func (m MetricsWriter) WriteString(s string) (int, error) {
	if m.w == nil {
		return len(s), nil
	}
	return io.WriteString(m.w, s)
}
