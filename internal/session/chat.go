package session

import "strings"

// defaultSystem is used whenever chat mode is active and no -system message
// was supplied.
const defaultSystem = "You are nox. Be helpful, accurate, and concise."

const cotInstruction = "Think step by step and show your reasoning. End with a final short answer."

// BuildChatPrompt wraps a raw user prompt in the runner's chat template. cot
// appends a chain-of-thought instruction to the system message rather than
// to the user turn, so it survives -keep-cache prefix matching across turns
// that share the same system preamble.
func BuildChatPrompt(system string, cot bool, userPrompt string) string {
	sys := system
	if sys == "" {
		sys = defaultSystem
	}
	if cot {
		sys = sys + " " + cotInstruction
	}

	var b strings.Builder
	b.WriteString("<|im_start|>system\n")
	b.WriteString(sys)
	b.WriteString("\n<|im_end|>\n<|im_start|>user\n")
	b.WriteString(userPrompt)
	b.WriteString("\n<|im_end|>\n<|im_start|>assistant\n")
	return b.String()
}
