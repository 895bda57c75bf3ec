package session

import (
	"bufio"
	"io"
	"strings"

	"github.com/noctics/nox-runner/internal/config"
)

// recordSeparator is the ASCII RS control byte used to frame prompts and
// turns when -serve-rs is given, letting prompts embed literal newlines.
const recordSeparator = 0x1E

// PromptReader pulls successive prompts off stdin in serve mode, framed
// either by newlines (default) or by the ASCII RS byte (-serve-rs).
type PromptReader struct {
	r     *bufio.Reader
	delim config.DelimiterMode
}

// NewPromptReader wraps r for reading according to mode.
func NewPromptReader(r io.Reader, mode config.DelimiterMode) *PromptReader {
	return &PromptReader{r: bufio.NewReader(r), delim: mode}
}

// ReadPrompt returns the next framed prompt. ok is false only at a clean EOF
// with no trailing partial prompt; err is non-nil only on a genuine read
// failure.
func (p *PromptReader) ReadPrompt() (prompt string, ok bool, err error) {
	sep := byte('\n')
	if p.delim == config.DelimiterRS {
		sep = recordSeparator
	}

	s, rerr := p.r.ReadString(sep)
	if rerr != nil {
		if rerr != io.EOF {
			return "", false, rerr
		}
		if s == "" {
			return "", false, nil
		}
		return trimFrame(s, sep), true, nil
	}
	return trimFrame(s, sep), true, nil
}

func trimFrame(s string, sep byte) string {
	s = strings.TrimSuffix(s, string(sep))
	if sep == '\n' {
		s = strings.TrimSuffix(s, "\r")
	}
	return s
}
