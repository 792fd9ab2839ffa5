package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/minios-linux/lokitd/langmeta"
)

// DefaultTargetLang is used when a job names no target language.
const DefaultTargetLang = "en"

// SystemPrompt is the instruction sent with every batch. {{targetLang}} is
// replaced with the target language name.
const SystemPrompt = `You are a professional translator. You translate long-form text that has been cut into numbered segments.

TRANSLATION PRINCIPLES:
- Translate into {{targetLang}} for naturalness and fluency, not word-for-word.
- Keep each segment's meaning inside that segment; never merge or split segments.
- Keep proper nouns, brand names, numbers and code unchanged.

TECHNICAL REQUIREMENTS:
- Return ONLY a JSON array of translated strings, one per input segment, in the same order.
- The array MUST have exactly as many elements as there are input segments.
- Preserve leading/trailing whitespace, inner newlines, punctuation patterns and any markup tags exactly.
- Do not add explanations, notes or markdown code fences.`

// BuildPrompt asks for exactly len(units) translated strings in order.
func BuildPrompt(units []string, targetLang string) Prompt {
	if strings.TrimSpace(targetLang) == "" {
		targetLang = DefaultTargetLang
	}
	langName := langmeta.PromptName(targetLang)

	var user strings.Builder
	fmt.Fprintf(&user, "Translate these %d segments into %s:\n\n", len(units), langName)
	payload, _ := json.MarshalIndent(units, "", "  ")
	user.Write(payload)
	fmt.Fprintf(&user, "\n\nReturn a JSON array with exactly %d translated strings.", len(units))

	return Prompt{
		System: strings.ReplaceAll(SystemPrompt, "{{targetLang}}", langName),
		User:   user.String(),
	}
}
