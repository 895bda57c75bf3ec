// Package kvcache implements the policy layer over a backend.Context's raw
// KV cache operations: full reset, prefix-retaining truncation, and
// sliding-window shifting, plus helpers over the logical token history. It
// holds no state of its own — the cache functions take the context (and,
// where needed, the logical token history) as arguments.
package kvcache

import "github.com/noctics/nox-runner/internal/backend"

// seq0 is the only sequence id the runner ever uses; it is single-sequence
// by design (see spec Non-goals).
const seq0 = 0

// Reset drops every token from the KV cache.
func Reset(ctx backend.Context) {
	ctx.KvClear()
}

// LongestCommonPrefix returns the length of the longest shared prefix of a
// and b.
func LongestCommonPrefix(a, b []int32) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// PrefixRetain computes the longest common prefix between prevTokens and
// newTokens, truncates the KV cache tail beyond it (or clears it entirely
// if nothing is shared), and returns the common prefix length — the index
// at which the caller should resume prefilling newTokens.
func PrefixRetain(ctx backend.Context, prevTokens, newTokens []int32) int {
	c := LongestCommonPrefix(prevTokens, newTokens)
	if c == 0 {
		ctx.KvClear()
		return 0
	}
	if c < len(prevTokens) {
		ctx.KvSeqRm(seq0, c, -1)
	}
	return c
}

// ShiftResult reports the outcome of a sliding-shift attempt.
type ShiftResult struct {
	Shifted  bool
	NewPos   int
	Discard  int
}

// SlideWindow discards the oldest tokens so that curPos falls back under
// window, renumbering the surviving slice down to [0, window-1). It is a
// no-op (Shifted=false) when curPos is already under window or the backend
// reports it cannot shift the cache — in the latter case the caller must
// let the next decode surface KvCacheFull.
func SlideWindow(ctx backend.Context, curPos, window int) ShiftResult {
	if window <= 0 || curPos < window {
		return ShiftResult{Shifted: false, NewPos: curPos}
	}
	if !ctx.KvCanShift() {
		return ShiftResult{Shifted: false, NewPos: curPos}
	}

	discard := curPos - (window - 1)
	if discard <= 0 {
		return ShiftResult{Shifted: false, NewPos: curPos}
	}

	ctx.KvSeqRm(seq0, 0, discard)
	ctx.KvSeqAdd(seq0, discard, curPos, -discard)

	return ShiftResult{Shifted: true, NewPos: curPos - discard, Discard: discard}
}

// TrimWindow trims the logical token history to at most the last window
// entries, keeping it aligned with a sliding-window cache at the end of a
// serve turn. window<=0 disables trimming.
func TrimWindow(tokens []int32, window int) []int32 {
	if window <= 0 || len(tokens) <= window {
		return tokens
	}
	return append([]int32(nil), tokens[len(tokens)-window:]...)
}
