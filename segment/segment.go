// Package segment splits source text into ordered translation units.
//
// Segmentation never fails: every strategy degrades to a simpler one
// (token-aware -> boundary regex -> sentence split) and the result is
// always a best-effort list of non-empty, trimmed units.
package segment

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mode selects the segmentation strategy.
type Mode string

const (
	// ModeTokenAware accumulates tokens until a script-specific boundary
	// mark (shad and friends for Tibetan) closes the unit.
	ModeTokenAware Mode = "token-aware"
	// ModeSentence splits on [.!?] followed by whitespace.
	ModeSentence Mode = "sentence"
	// ModeNewline splits on line breaks, re-splitting by length when the
	// lines are unusable (one line, or any line over NewlineMaxUnit).
	ModeNewline Mode = "newline"
	// ModeNone keeps the whole text as a single unit.
	ModeNone Mode = "none"
)

const (
	// NewlineMaxUnit is the largest line accepted as-is in newline mode.
	NewlineMaxUnit = 1500
	// NewlineSplitLength is the target chunk size used when newline mode
	// falls back to length-based splitting.
	NewlineSplitLength = 1000
)

// ParseMode maps user input (including legacy names) to a Mode.
// The second return value is false for unrecognized input.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "token-aware", "token", "botok", "tibetan":
		return ModeTokenAware, true
	case "sentence", "sentences", "":
		return ModeSentence, true
	case "newline", "lines", "line":
		return ModeNewline, true
	case "none", "off", "whole":
		return ModeNone, true
	}
	return Mode(s), false
}

// Unit is one minimal segment of source text with its original position.
type Unit struct {
	Index int
	Text  string
}

// TokenizeFunc splits text on script boundaries for token-aware mode.
// sentencePunct also closes units on [.!?] followed by whitespace.
type TokenizeFunc func(text string, sentencePunct bool) ([]string, error)

// Segmenter splits text into units. The zero value is usable.
type Segmenter struct {
	// Tokenizer backs token-aware mode (default Tokenize). On error the
	// boundary regex is used instead.
	Tokenizer TokenizeFunc
	// OnLog receives warnings about fallbacks (unknown mode, tokenizer
	// failure). Nil means silent.
	OnLog func(format string, args ...any)
}

func (s *Segmenter) log(format string, args ...any) {
	if s != nil && s.OnLog != nil {
		s.OnLog(format, args...)
	}
}

// Segment splits text according to mode. languageHint is a language code
// (e.g. "bo", "en"); it only influences token-aware mode.
func (s *Segmenter) Segment(text, languageHint string, mode Mode) (units []Unit) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []Unit{}
	}

	defer func() {
		if r := recover(); r != nil {
			s.log("segmentation in %s mode panicked (%v), falling back to sentence mode", mode, r)
			units = toUnits(splitSentences(text))
		}
	}()

	var parts []string
	switch mode {
	case ModeTokenAware:
		parts = s.tokenAware(text, languageHint)
	case ModeSentence:
		parts = splitSentences(text)
	case ModeNewline:
		parts = s.newline(text)
	case ModeNone:
		parts = []string{text}
	default:
		s.log("unknown segmentation mode %q, using %s", mode, ModeSentence)
		parts = splitSentences(text)
	}
	return toUnits(parts)
}

func toUnits(parts []string) []Unit {
	units := make([]Unit, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		units = append(units, Unit{Index: len(units), Text: p})
	}
	return units
}

// ---------------------------------------------------------------------------
// Sentence mode
// ---------------------------------------------------------------------------

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// splitSentences splits after each [.!?] that is followed by whitespace,
// keeping the punctuation with the preceding sentence.
func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		// loc[0] is the punctuation byte; keep it in the sentence.
		out = append(out, text[last:loc[0]+1])
		last = loc[1]
	}
	if last < len(text) {
		out = append(out, text[last:])
	}
	return out
}

// ---------------------------------------------------------------------------
// Newline mode
// ---------------------------------------------------------------------------

func (s *Segmenter) newline(text string) []string {
	lines := strings.Split(text, "\n")
	var kept []string
	tooLong := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if utf8.RuneCountInString(l) > NewlineMaxUnit {
			tooLong = true
		}
		kept = append(kept, l)
	}
	if len(kept) <= 1 || tooLong {
		return SplitByLength(text, NewlineSplitLength)
	}
	return kept
}

// ---------------------------------------------------------------------------
// Token-aware mode
// ---------------------------------------------------------------------------

// Boundaries lists the marks that close a unit in token-aware mode:
// shad, nyis shad, rin chen spungs shad, sbrul shad, gter tsheg and the
// two ornate shads.
var Boundaries = []rune{'།', '༎', '༑', '༈', '༏', '༐', '༔'}

const tsheg = '་'

var boundaryRegex = regexp.MustCompile(`[^།༎༑༈༏༐༔]+[།༎༑༈༏༐༔]+|[^།༎༑༈༏༐༔]+$`)

func isBoundary(r rune) bool {
	for _, b := range Boundaries {
		if r == b {
			return true
		}
	}
	return false
}

// usesShad reports whether the language hint names a language written
// with Tibetan-script punctuation. An empty hint is treated as "maybe".
func usesShad(hint string) bool {
	base := strings.ToLower(hint)
	if i := strings.IndexAny(base, "-_"); i >= 0 {
		base = base[:i]
	}
	switch base {
	case "", "bo", "bod", "tib", "dz", "dzo", "xct", "lbj", "sip":
		return true
	}
	return false
}

// ErrNoBoundary is returned by Tokenize for a run longer than
// NewlineMaxUnit that contains no boundary mark.
var ErrNoBoundary = errors.New("no boundary mark in text")

// tokenAware runs the tokenizer and falls back to regex splitting on the
// same boundary set when it fails or yields nothing.
func (s *Segmenter) tokenAware(text, hint string) []string {
	tok := s.Tokenizer
	if tok == nil {
		tok = Tokenize
	}
	units, err := tok(text, !usesShad(hint))
	if err != nil || len(units) == 0 {
		if err == nil {
			err = errors.New("no units")
		}
		s.log("tokenizer failed (%v), falling back to boundary regex", err)
		units = boundaryRegex.FindAllString(text, -1)
		if len(units) == 0 {
			return splitSentences(text)
		}
	}
	// A single run without boundaries is kept translatable.
	if len(units) == 1 && utf8.RuneCountInString(units[0]) > NewlineMaxUnit {
		return SplitByLength(units[0], NewlineSplitLength)
	}
	return units
}

// Tokenize accumulates runes into the current unit and closes it after a
// boundary mark. Marks, tsheg and spaces directly after the boundary stay
// with the closing unit. With sentencePunct, '.', '!' and '?' followed by
// whitespace also close a unit.
func Tokenize(text string, sentencePunct bool) ([]string, error) {
	var (
		units   []string
		current strings.Builder
		closed  bool
	)
	runes := []rune(text)
	flush := func() {
		if u := strings.TrimSpace(current.String()); u != "" {
			units = append(units, u)
		}
		current.Reset()
	}
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		closes := isBoundary(r)
		if !closes && sentencePunct && (r == '.' || r == '!' || r == '?') {
			closes = i+1 == len(runes) || unicode.IsSpace(runes[i+1])
		}
		if !closes {
			continue
		}
		closed = true
		// Absorb trailing marks, tsheg and spaces belonging to this boundary.
		for i+1 < len(runes) && (isBoundary(runes[i+1]) || runes[i+1] == tsheg || runes[i+1] == ' ') {
			i++
			current.WriteRune(runes[i])
		}
		flush()
	}
	flush()
	if !closed && len(runes) > NewlineMaxUnit {
		return nil, ErrNoBoundary
	}
	return units, nil
}
