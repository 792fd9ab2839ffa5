// Package langmeta maps language codes to the names used in translation
// prompts and API responses.
package langmeta

import "strings"

// Meta describes a language.
type Meta struct {
	// Code is the canonical code the entry was found under.
	Code string
	// English is the English name, which models follow most reliably.
	English string
	// Native is the endonym.
	Native string
}

var registry = map[string]Meta{
	"ar":    {English: "Arabic", Native: "العربية"},
	"bg":    {English: "Bulgarian", Native: "Български"},
	"bn":    {English: "Bengali", Native: "বাংলা"},
	"bo":    {English: "Tibetan", Native: "བོད་སྐད"},
	"cs":    {English: "Czech", Native: "Čeština"},
	"da":    {English: "Danish", Native: "Dansk"},
	"de":    {English: "German", Native: "Deutsch"},
	"dz":    {English: "Dzongkha", Native: "རྫོང་ཁ"},
	"el":    {English: "Greek", Native: "Ελληνικά"},
	"en":    {English: "English", Native: "English"},
	"es":    {English: "Spanish", Native: "Español"},
	"fa":    {English: "Persian", Native: "فارسی"},
	"fi":    {English: "Finnish", Native: "Suomi"},
	"fr":    {English: "French", Native: "Français"},
	"he":    {English: "Hebrew", Native: "עברית"},
	"hi":    {English: "Hindi", Native: "हिन्दी"},
	"hu":    {English: "Hungarian", Native: "Magyar"},
	"id":    {English: "Indonesian", Native: "Bahasa Indonesia"},
	"it":    {English: "Italian", Native: "Italiano"},
	"ja":    {English: "Japanese", Native: "日本語"},
	"ko":    {English: "Korean", Native: "한국어"},
	"mn":    {English: "Mongolian", Native: "Монгол"},
	"ne":    {English: "Nepali", Native: "नेपाली"},
	"nl":    {English: "Dutch", Native: "Nederlands"},
	"no":    {English: "Norwegian", Native: "Norsk"},
	"pl":    {English: "Polish", Native: "Polski"},
	"pt":    {English: "Portuguese", Native: "Português"},
	"pt-BR": {English: "Brazilian Portuguese", Native: "Português (Brasil)"},
	"ro":    {English: "Romanian", Native: "Română"},
	"ru":    {English: "Russian", Native: "Русский"},
	"sv":    {English: "Swedish", Native: "Svenska"},
	"th":    {English: "Thai", Native: "ไทย"},
	"tr":    {English: "Turkish", Native: "Türkçe"},
	"uk":    {English: "Ukrainian", Native: "Українська"},
	"vi":    {English: "Vietnamese", Native: "Tiếng Việt"},
	"zh":    {English: "Chinese", Native: "中文"},
	"zh-CN": {English: "Simplified Chinese", Native: "简体中文"},
	"zh-TW": {English: "Traditional Chinese", Native: "繁體中文"},
}

// canonicalize turns "pt_br" or " PT-br " into "pt-BR".
func canonicalize(lang string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(lang), "_", "-")
	if normalized == "" {
		return ""
	}
	parts := strings.Split(normalized, "-")
	parts[0] = strings.ToLower(parts[0])
	if len(parts) >= 2 {
		parts[1] = strings.ToUpper(parts[1])
	}
	return strings.Join(parts, "-")
}

// Resolve looks up lang, falling back from a regional variant to its base
// language. Unknown codes come back with English and Native set to the
// input so callers can always print something.
func Resolve(lang string) (Meta, bool) {
	code := canonicalize(lang)
	if m, ok := registry[code]; ok {
		m.Code = code
		return m, true
	}
	if base, _, found := strings.Cut(code, "-"); found {
		if m, ok := registry[base]; ok {
			m.Code = base
			return m, true
		}
	}
	name := strings.TrimSpace(lang)
	return Meta{Code: code, English: name, Native: name}, false
}

// PromptName renders a language for an instruction, e.g. "Russian (Русский)".
// Names that are identical in English and natively are not repeated.
func PromptName(lang string) string {
	m, ok := Resolve(lang)
	if !ok || m.English == m.Native {
		return m.English
	}
	return m.English + " (" + m.Native + ")"
}
