package runtime

import (
	"fmt"
	"strings"
)

// Prompt templates understood by FormatPrompt.
const (
	TemplateRaw    = "raw"
	TemplateChatML = "chatml"
	TemplateLlama3 = "llama3"
	TemplateGemma  = "gemma"
	TemplatePhi3   = "phi3"
	TemplateZephyr = "zephyr"
)

// FormatPrompt wraps a single user turn (and optional system message) in the
// named chat template, ending where the assistant's reply begins.
func FormatPrompt(template, system, user string) (string, error) {
	var b strings.Builder
	switch strings.ToLower(strings.TrimSpace(template)) {
	case "", TemplateRaw:
		if system != "" {
			b.WriteString(system)
			b.WriteString("\n\n")
		}
		b.WriteString(user)

	case TemplateChatML:
		fmt.Fprintf(&b, "<|im_start|>system\n%s\n<|im_end|>\n", system)
		fmt.Fprintf(&b, "<|im_start|>user\n%s\n<|im_end|>\n", user)
		b.WriteString("<|im_start|>assistant\n")

	case TemplateLlama3:
		if system != "" {
			fmt.Fprintf(&b, "<|start_header_id|>system<|end_header_id|>\n\n%s<|eot_id|>", system)
		}
		fmt.Fprintf(&b, "<|start_header_id|>user<|end_header_id|>\n\n%s<|eot_id|>", user)
		b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	case TemplateGemma:
		// Gemma has no system role; the system text leads the user turn.
		b.WriteString("<start_of_turn>user\n")
		if system != "" {
			b.WriteString(system)
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s<end_of_turn>\n<start_of_turn>model\n", user)

	case TemplatePhi3:
		if system != "" {
			fmt.Fprintf(&b, "<|system|>\n%s<|end|>\n", system)
		}
		fmt.Fprintf(&b, "<|user|>\n%s<|end|>\n<|assistant|>\n", user)

	case TemplateZephyr:
		if system != "" {
			fmt.Fprintf(&b, "<|system|>\n%s</s>\n", system)
		}
		fmt.Fprintf(&b, "<|user|>\n%s</s>\n<|assistant|>\n", user)

	default:
		return "", fmt.Errorf("runtime: unknown prompt template %q", template)
	}
	return b.String(), nil
}
