package session_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noctics/nox-runner/internal/session"
)

func TestChatTemplate_DefaultSystem(t *testing.T) {
	prompt := session.BuildChatPrompt("", false, "hi there")
	assert.Contains(t, prompt, "You are nox. Be helpful, accurate, and concise.")
	assert.Contains(t, prompt, "hi there")
	assert.NotContains(t, prompt, "step by step")
}

func TestChatTemplate_CustomSystem(t *testing.T) {
	prompt := session.BuildChatPrompt("You are a pirate.", false, "ahoy")
	assert.Contains(t, prompt, "You are a pirate.")
	assert.NotContains(t, prompt, "You are nox.")
}

func TestChatTemplate_CotAppendsInstruction(t *testing.T) {
	withCot := session.BuildChatPrompt("", true, "explain recursion")
	withoutCot := session.BuildChatPrompt("", false, "explain recursion")

	assert.Contains(t, withCot, "Think step by step and show your reasoning. End with a final short answer.")
	assert.NotContains(t, withoutCot, "Think step by step")

	sysStart := strings.Index(withCot, "<|im_start|>system\n")
	sysEnd := strings.Index(withCot, "\n<|im_end|>\n<|im_start|>user")
	requireFound(t, sysStart)
	requireFound(t, sysEnd)
	assert.Contains(t, withCot[sysStart:sysEnd], "Think step by step",
		"cot instruction must be appended to the system message, not the user turn")
}

func requireFound(t *testing.T, i int) {
	t.Helper()
	if i < 0 {
		t.Fatalf("expected index to be found, got -1")
	}
}
