// Package config resolves the runner's operational parameters from flags,
// environment variables, an optional YAML file of defaults, and size-based
// warmup heuristics, in that precedence order (flag > env > file > built-in
// default > auto).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DelimiterMode selects how prompts are framed on stdin and how turns are
// bracketed on stdout in serve mode.
type DelimiterMode int

const (
	DelimiterLine DelimiterMode = iota
	DelimiterRS
)

// Sampling groups the decode-time sampling knobs.
type Sampling struct {
	Temp           float64
	TopP           float64
	TopK           int
	RepeatLastN    int
	RepeatPenalty  float64
}

// RunnerConfig is the fully resolved set of operational parameters driving a
// single process invocation of the runner.
type RunnerConfig struct {
	ModelPath string
	MaxTokens int
	CtxLength int
	BatchSize int
	Threads   int

	Sampling Sampling
	Fast     bool

	Raw         bool
	StreamBytes int
	KVWindow    int

	Serve     bool
	Delimiter DelimiterMode

	KeepCache bool
	Append    bool
	InputOnly bool

	StateSave string
	StateLoad string

	Chat   bool
	System string
	Cot    bool

	Bench   bool
	Metrics bool

	LogLevel string

	Prepack  bool
	Prefetch bool

	// Prompt is the single-shot prompt assembled from positional args, if any.
	Prompt string
}

// FileConfig is the shape of an optional -config YAML file. Every field is a
// pointer so that "absent from the file" is distinguishable from "zero
// value in the file" — only present fields participate in the file layer of
// the precedence chain.
type FileConfig struct {
	Model         *string  `yaml:"model"`
	MaxTokens     *int     `yaml:"max_tokens"`
	Ctx           *int     `yaml:"ctx"`
	Batch         *int     `yaml:"batch"`
	Temp          *float64 `yaml:"temp"`
	TopP          *float64 `yaml:"top_p"`
	TopK          *int     `yaml:"top_k"`
	RepeatLastN   *int     `yaml:"repeat_last_n"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	StreamBytes   *int     `yaml:"stream_bytes"`
	KVWindow      *int     `yaml:"kv_window"`
	System        *string  `yaml:"system"`
	LogLevel      *string  `yaml:"log_level"`
}

// LoadFileConfig reads and parses a YAML config file. A missing path is not
// an error at the call site — callers only invoke this when -config was
// given.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &fc, nil
}

// flagSet bundles the raw flag.Value destinations before resolution,
// including the tri-state prepack/prefetch flags that plain bool flags
// cannot represent.
type flagSet struct {
	model         string
	maxTokens     int
	ctx           int
	batch         int
	temp          float64
	topP          float64
	topK          int
	repeatLastN   int
	repeatPenalty float64
	fast          bool
	raw           bool
	streamBytes   int
	kvWindow      int
	metrics       bool
	bench         bool
	chat          bool
	cot           bool
	system        string
	serve         bool
	serveRS       bool
	keepCache     bool
	appendOnly    bool
	inputOnly     bool
	stateSave     string
	stateLoad     string
	logLevel      string
	configPath    string
	prepack       TriState
	prefetch      TriState
}

// Parse builds a RunnerConfig from argv, the process environment, and
// (optionally) a -config YAML file, applying the documented precedence.
func Parse(args []string, getenv func(string) string) (*RunnerConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	fs := flag.NewFlagSet("nox-runner", flag.ContinueOnError)
	var f flagSet

	fs.StringVar(&f.model, "model", "assets/models/nox.gguf", "path to the GGUF model file")
	fs.IntVar(&f.maxTokens, "max-tokens", 128, "maximum tokens to generate")
	fs.IntVar(&f.ctx, "ctx", 1024, "context length in tokens")
	fs.IntVar(&f.batch, "batch", 32, "prefill batch size")
	fs.Float64Var(&f.temp, "temp", 0.6, "sampling temperature")
	fs.Float64Var(&f.topP, "top-p", 0.9, "nucleus sampling threshold")
	fs.IntVar(&f.topK, "top-k", 40, "top-k truncation")
	fs.IntVar(&f.repeatLastN, "repeat-last-n", 64, "repetition penalty window")
	fs.Float64Var(&f.repeatPenalty, "repeat-penalty", 1.05, "repetition penalty")
	fs.BoolVar(&f.fast, "fast", false, "force deterministic greedy sampling")
	fs.BoolVar(&f.raw, "raw", false, "suppress header/newline framing")
	fs.IntVar(&f.streamBytes, "stream-bytes", 0, "stdout flush coalescing threshold")
	fs.IntVar(&f.kvWindow, "kv-window", 0, "sliding KV window size (0 disables)")
	fs.BoolVar(&f.metrics, "metrics", false, "emit per-token top-2 logit telemetry")
	fs.BoolVar(&f.bench, "bench", false, "emit a bench summary line on completion")
	fs.BoolVar(&f.chat, "chat", false, "wrap the prompt in the chat template")
	fs.BoolVar(&f.cot, "cot", false, "append a chain-of-thought instruction")
	fs.StringVar(&f.system, "system", "", "system message for chat mode")
	fs.BoolVar(&f.serve, "serve", false, "serve successive prompts from stdin")
	fs.BoolVar(&f.serveRS, "serve-rs", false, "use ASCII RS framing in serve mode")
	fs.BoolVar(&f.keepCache, "keep-cache", false, "retain KV cache across serve turns via prefix match")
	fs.BoolVar(&f.appendOnly, "append", false, "append each serve turn onto the existing cache")
	fs.BoolVar(&f.inputOnly, "input-only", false, "do not retain generated tokens in history")
	fs.StringVar(&f.stateSave, "state-save", "", "path to write session state after prefill")
	fs.StringVar(&f.stateLoad, "state-load", "", "path to restore session state from")
	fs.StringVar(&f.logLevel, "log-level", "warn", "logrus level for internal diagnostics")
	fs.StringVar(&f.configPath, "config", "", "optional YAML file of defaults")
	fs.Var(&f.prepack, "prepack", "force mlock warmup on/off (unset = size-based auto)")
	fs.Var(&f.prefetch, "prefetch", "force sequential prefetch on/off (unset = size-based auto)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var file *FileConfig
	if f.configPath != "" {
		var err error
		file, err = LoadFileConfig(f.configPath)
		if err != nil {
			return nil, err
		}
	}

	cfg := &RunnerConfig{
		ModelPath: firstNonEmptyStr(f.model, fileStr(file, func(fc *FileConfig) *string { return fc.Model }), "assets/models/nox.gguf"),
		MaxTokens: f.maxTokens,
		CtxLength: f.ctx,
		BatchSize: f.batch,
		Sampling: Sampling{
			Temp:          f.temp,
			TopP:          f.topP,
			TopK:          f.topK,
			RepeatLastN:   f.repeatLastN,
			RepeatPenalty: f.repeatPenalty,
		},
		Fast:        f.fast,
		Raw:         f.raw,
		StreamBytes: f.streamBytes,
		KVWindow:    f.kvWindow,
		Serve:       f.serve,
		KeepCache:   f.keepCache,
		Append:      f.appendOnly,
		InputOnly:   f.inputOnly,
		StateSave:   f.stateSave,
		StateLoad:   f.stateLoad,
		Chat:        f.chat,
		System:      f.system,
		Cot:         f.cot,
		Bench:       f.bench,
		Metrics:     f.metrics,
		LogLevel:    f.logLevel,
		Prompt:      joinPrompt(fs.Args()),
	}
	if f.serveRS {
		cfg.Delimiter = DelimiterRS
		cfg.Serve = true
	}

	applyFileOverlay(cfg, &f, file, fs)

	if cfg.Fast || IsFastPreset(cfg.Sampling) {
		ApplyFast(cfg)
	}

	// Open question §4.5: state_load supplies prior tokens but neither
	// -append nor -keep-cache was requested — append is forced on so the
	// loaded tokens are not silently discarded on the first turn.
	if f.stateLoad != "" && !f.appendOnly && !f.keepCache {
		cfg.Append = true
	}

	cfg.Threads = resolveThreads(getenv)

	modelSize := fileSize(cfg.ModelPath)
	bigModel := modelSize >= 1<<30
	cfg.Prepack = f.prepack.Resolve(getenv("NOX_PREPACK"), func() bool { return bigModel })
	cfg.Prefetch = f.prefetch.Resolve(getenv("NOX_PREFETCH"), func() bool { return bigModel })

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	return cfg, nil
}

func applyFileOverlay(cfg *RunnerConfig, f *flagSet, file *FileConfig, fs *flag.FlagSet) {
	if file == nil {
		return
	}
	wasSet := func(name string) bool {
		set := false
		fs.Visit(func(fl *flag.Flag) {
			if fl.Name == name {
				set = true
			}
		})
		return set
	}
	if file.Model != nil && !wasSet("model") {
		cfg.ModelPath = *file.Model
	}
	if file.MaxTokens != nil && !wasSet("max-tokens") {
		cfg.MaxTokens = *file.MaxTokens
	}
	if file.Ctx != nil && !wasSet("ctx") {
		cfg.CtxLength = *file.Ctx
	}
	if file.Batch != nil && !wasSet("batch") {
		cfg.BatchSize = *file.Batch
	}
	if file.Temp != nil && !wasSet("temp") {
		cfg.Sampling.Temp = *file.Temp
	}
	if file.TopP != nil && !wasSet("top-p") {
		cfg.Sampling.TopP = *file.TopP
	}
	if file.TopK != nil && !wasSet("top-k") {
		cfg.Sampling.TopK = *file.TopK
	}
	if file.RepeatLastN != nil && !wasSet("repeat-last-n") {
		cfg.Sampling.RepeatLastN = *file.RepeatLastN
	}
	if file.RepeatPenalty != nil && !wasSet("repeat-penalty") {
		cfg.Sampling.RepeatPenalty = *file.RepeatPenalty
	}
	if file.StreamBytes != nil && !wasSet("stream-bytes") {
		cfg.StreamBytes = *file.StreamBytes
	}
	if file.KVWindow != nil && !wasSet("kv-window") {
		cfg.KVWindow = *file.KVWindow
	}
	if file.System != nil && !wasSet("system") {
		cfg.System = *file.System
	}
	if file.LogLevel != nil && !wasSet("log-level") {
		cfg.LogLevel = *file.LogLevel
	}
}

// ApplyFast rewrites the sampling parameters to the deterministic greedy
// preset. Parse invokes this once, after the file overlay, when either -fast
// was given or the resolved parameters already describe the fast preset.
func ApplyFast(cfg *RunnerConfig) {
	cfg.Fast = true
	cfg.Sampling = Sampling{Temp: 0, TopP: 1, TopK: 1, RepeatLastN: 0, RepeatPenalty: 1.0}
}

// IsFastPreset reports whether the sampling parameters already describe the
// fast preset, independent of the -fast flag.
func IsFastPreset(s Sampling) bool {
	return s.Temp == 0 && s.TopP == 1 && s.TopK == 1
}

func resolveThreads(getenv func(string) string) int {
	if v := getenv("NOX_NUM_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 4
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func firstNonEmptyStr(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func fileStr(fc *FileConfig, get func(*FileConfig) *string) string {
	if fc == nil {
		return ""
	}
	p := get(fc)
	if p == nil {
		return ""
	}
	return *p
}

func joinPrompt(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
