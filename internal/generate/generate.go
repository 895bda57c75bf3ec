// Package generate implements the autoregressive generation loop: chunked
// prefill followed by a token-at-a-time decode loop that honors sliding
// KV-window shifts, emits optional top-2 logit telemetry, and streams
// detokenized pieces to a writer.
package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noctics/nox-runner/internal/backend"
	"github.com/noctics/nox-runner/internal/kvcache"
	"github.com/noctics/nox-runner/internal/nerr"
	"github.com/noctics/nox-runner/internal/sampler"
)

// PieceWriter is the subset of the session controller's coalescing stream
// writer that the generation loop needs: write a detokenized piece, and
// flush at the end of the run.
type PieceWriter interface {
	WriteString(s string) (int, error)
	Flush() error
}

// MetricsSink receives one formatted telemetry line per generated token
// when RunInput.Metrics is set. Session wires this to stderr.
type MetricsSink interface {
	WriteString(s string) (int, error)
}

// RunInput is the generation loop's input, matching the runner's
// description of the loop's parameters exactly: toks plus where in toks to
// start feeding, the absolute position already resident in cache, and the
// generation cap.
type RunInput struct {
	Toks      []int32
	StartPos  int
	PosOffset int
	MaxTokens int
	BatchSize int
	KVWindow  int
	Metrics   bool

	// SaveFn, if non-nil, is invoked once immediately after prefill
	// completes, letting the caller persist session state that captures
	// exactly the logical sequence just prefilled (including any
	// pre-existing prefix the caller is tracking).
	SaveFn func() error
}

// Stats carries the per-prompt timing and counts the session controller
// reports on completion.
type Stats struct {
	PromptTokens     int
	GeneratedTokens  int
	PrefillDuration  time.Duration
	GenerateDuration time.Duration
}

// Result is what Run returns: the generated token ids (useful for history
// bookkeeping) and the run's stats.
type Result struct {
	Generated []int32
	Stats     Stats
}

// Run performs chunked prefill then streams sampled tokens until EOG or
// MaxTokens, writing each detokenized piece to out.
func Run(ctx context.Context, bctx backend.Context, model backend.Model, smp *sampler.Sampler, out PieceWriter, metrics MetricsSink, in RunInput) (_ Result, runErr error) {
	startPos := in.StartPos
	if startPos < 0 {
		startPos = 0
	}
	if startPos > len(in.Toks) {
		startPos = len(in.Toks)
	}

	if in.KVWindow > 0 && in.PosOffset+len(in.Toks) > in.KVWindow {
		return Result{}, nerr.New(nerr.KindPromptTooLong, "prefill prompt",
			fmt.Errorf("prompt of %d tokens at offset %d exceeds kv-window %d", len(in.Toks), in.PosOffset, in.KVWindow))
	}

	batchSize := in.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	batch, err := bctx.NewBatch(batchSize, 1)
	if err != nil {
		return Result{}, nerr.New(nerr.KindBatch, "allocate generation batch", err)
	}
	defer batch.Free()

	prefillStart := time.Now()
	for pos := startPos; pos < len(in.Toks); {
		chunkEnd := pos + batchSize
		if chunkEnd > len(in.Toks) {
			chunkEnd = len(in.Toks)
		}

		batch.Clear()
		for idx := pos; idx < chunkEnd; idx++ {
			emit := idx == len(in.Toks)-1
			batch.Add(in.Toks[idx], in.PosOffset+idx, emit, 0)
		}
		if err := bctx.Decode(ctx, batch); err != nil {
			if errors.Is(err, backend.ErrKvCacheFull) {
				return Result{}, nerr.New(nerr.KindKvCacheFull, "prefill batch",
					fmt.Errorf("%w (try increasing -ctx or enabling -kv-window)", err))
			}
			return Result{}, nerr.New(nerr.KindDecode, "prefill batch", err)
		}
		pos = chunkEnd
	}
	prefillDuration := time.Since(prefillStart)

	if in.SaveFn != nil {
		if err := in.SaveFn(); err != nil {
			return Result{}, nerr.New(nerr.KindStateIO, "save session state", err)
		}
	}

	result := Result{Stats: Stats{PromptTokens: len(in.Toks) - startPos, PrefillDuration: prefillDuration}}

	if len(in.Toks) == 0 {
		return result, nil
	}

	lastToken := in.Toks[len(in.Toks)-1]
	curPos := in.PosOffset + len(in.Toks)

	generateStart := time.Now()
	defer func() {
		// A failed generation step still writes out the pieces it buffered.
		if runErr != nil {
			out.Flush()
		}
	}()
	for i := 0; i < in.MaxTokens; i++ {
		if in.KVWindow > 0 && curPos >= in.KVWindow {
			shift := kvcache.SlideWindow(bctx, curPos, in.KVWindow)
			curPos = shift.NewPos
			if shift.Shifted {
				logrus.Debugf("slid kv window: discarded %d positions, curPos now %d", shift.Discard, curPos)
			}
		}

		batch.Clear()
		batch.Add(lastToken, curPos, true, 0)

		if err := bctx.Decode(ctx, batch); err != nil {
			result.Stats.GenerateDuration = time.Since(generateStart)
			msg := fmt.Errorf("%w", err)
			if in.KVWindow > 0 {
				msg = fmt.Errorf("%w (kv-window=%d active)", err, in.KVWindow)
			}
			if errors.Is(err, backend.ErrKvCacheFull) {
				return result, nerr.New(nerr.KindKvCacheFull, "generation step", msg)
			}
			return result, nerr.New(nerr.KindDecode, "generation step", msg)
		}

		var max1, max2 float32
		if in.Metrics {
			max1, max2 = topTwo(bctx.GetLogitsLast())
		}

		token, err := smp.Sample(bctx, 0)
		if err != nil {
			return result, nerr.New(nerr.KindSampler, "sample token", err)
		}
		smp.Accept(token, true)

		if model.IsEndOfGeneration(token) {
			break
		}

		if in.Metrics && metrics != nil {
			metrics.WriteString(fmt.Sprintf("NR|%d|%g|%g|%g\n", token, max1, max2, max1-max2))
		}

		result.Generated = append(result.Generated, token)
		piece := model.DetokenizePiece(token)
		if _, err := out.WriteString(piece); err != nil {
			return result, nerr.New(nerr.KindDecode, "write generated piece", err)
		}

		lastToken = token
		curPos++
	}

	if err := out.Flush(); err != nil {
		return result, nerr.New(nerr.KindDecode, "flush output", err)
	}

	result.Stats.GenerateDuration = time.Since(generateStart)
	result.Stats.GeneratedTokens = len(result.Generated)
	return result, nil
}

// topTwo scans a logits vector in a single pass, starting from a large
// negative sentinel (-2^62); a tie for the top value produces a zero margin.
func topTwo(logits []float32) (max1, max2 float32) {
	max1, max2 = negInf, negInf
	for _, v := range logits {
		if v > max1 {
			max2 = max1
			max1 = v
		} else if v > max2 {
			max2 = v
		}
	}
	if max2 == negInf {
		max2 = max1
	}
	return max1, max2
}

const negInf = float32(-1) * (1 << 62)
