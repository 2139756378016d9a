package runtime

import (
	"strings"

	"LlamaRun/internal/config"
)

// ModelPreset holds the chat conventions of a known model family. Values are
// fallbacks; explicit configuration always takes precedence.
type ModelPreset struct {
	Name     string
	Template string
	Stop     []string
}

// presetEntry pairs a match key with its preset for ordered iteration.
type presetEntry struct {
	key    string
	preset ModelPreset
}

// knownPresets is checked in order, so more specific keys come first.
var knownPresets = []presetEntry{
	{"qwen", ModelPreset{Name: "Qwen", Template: TemplateChatML, Stop: []string{"<|im_end|>", "<|endoftext|>"}}},
	{"smollm", ModelPreset{Name: "SmolLM", Template: TemplateChatML, Stop: []string{"<|im_end|>", "<|endoftext|>"}}},
	{"openhermes", ModelPreset{Name: "OpenHermes", Template: TemplateChatML, Stop: []string{"<|im_end|>"}}},
	{"llama 3", ModelPreset{Name: "Llama-3", Template: TemplateLlama3, Stop: []string{"<|eot_id|>", "<|end_of_text|>"}}},
	{"gemma", ModelPreset{Name: "Gemma", Template: TemplateGemma, Stop: []string{"<end_of_turn>", "<eos>"}}},
	{"phi 3", ModelPreset{Name: "Phi-3", Template: TemplatePhi3, Stop: []string{"<|end|>", "<|endoftext|>"}}},
	{"tinyllama", ModelPreset{Name: "TinyLlama", Template: TemplateZephyr, Stop: []string{"</s>"}}},
}

// matchPreset looks for a preset key in the model description or file path.
// Matching is a case-insensitive substring search with '-', '_' and '.'
// treated as spaces.
func matchPreset(description, filePath string) (ModelPreset, bool) {
	norm := strings.NewReplacer("-", " ", "_", " ", ".", " ")
	desc := norm.Replace(strings.ToLower(description))
	file := norm.Replace(strings.ToLower(filePath))

	for _, entry := range knownPresets {
		if strings.Contains(desc, entry.key) || strings.Contains(file, entry.key) {
			return entry.preset, true
		}
	}
	return ModelPreset{}, false
}

// applyPreset fills the template and stop list when configuration leaves
// them empty.
func applyPreset(cfg *config.Config, preset ModelPreset) {
	if cfg.Conversation.Template == "" {
		cfg.Conversation.Template = preset.Template
	}
	if len(cfg.Runtime.Defaults.Stop) == 0 && len(preset.Stop) > 0 {
		cfg.Runtime.Defaults.Stop = append([]string(nil), preset.Stop...)
	}
}
