package segment

import (
	"strings"
	"unicode"
)

// SplitByLength cuts text into trimmed chunks of at most maxLen runes.
//
// Within each window the cut point is chosen in priority order: the last
// newline, the end of the last sentence ([.!?] plus whitespace), the last
// space. Only when none exists is the window hard-cut at maxLen, so words
// are split only if the window has no space at all. Empty chunks are
// dropped.
func SplitByLength(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxLen <= 0 {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > maxLen {
		cut := cutPoint(runes[:maxLen])
		if chunk := strings.TrimSpace(string(runes[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// cutPoint returns the rune offset (exclusive, > 0) at which window should
// be cut.
func cutPoint(window []rune) int {
	for i := len(window) - 1; i > 0; i-- {
		if window[i] == '\n' {
			return i
		}
	}
	for i := len(window) - 2; i > 0; i-- {
		if (window[i] == '.' || window[i] == '!' || window[i] == '?') && unicode.IsSpace(window[i+1]) {
			return i + 1
		}
	}
	for i := len(window) - 1; i > 0; i-- {
		if window[i] == ' ' {
			return i
		}
	}
	return len(window)
}
