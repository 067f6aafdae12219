// Package sanitize hardens user-controlled strings before they reach a
// system prompt. It normalizes Unicode look-alikes, strips invisible
// code points, and redacts known prompt-manipulation phrasing.
//
// All functions are pure: the same input always yields the same output.
package sanitize

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Mode hints accepted from the client. Anything that does not normalize
// to an exact member of this set collapses to ModeAuto.
const (
	ModeArtifact = "artifact"
	ModeImage    = "image"
	ModeAuto     = "auto"
)

// confusables maps Cyrillic, Greek, and full-width look-alikes of Latin
// letters to their ASCII equivalents. Applied after NFKC so that
// compatibility forms (full-width, ligatures) are already folded.
var confusables = map[rune]rune{
	// Cyrillic
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x',
	'у': 'y', 'і': 'i', 'ѕ': 's', 'ј': 'j', 'һ': 'h', 'ԁ': 'd',
	'ɡ': 'g', 'ԛ': 'q', 'ѡ': 'w', 'ʀ': 'r', 'ɩ': 'i', 'ո': 'n',
	'ʍ': 'w', 'ν': 'v',
	'А': 'A', 'В': 'B', 'Е': 'E', 'К': 'K', 'М': 'M', 'Н': 'H',
	'О': 'O', 'Р': 'P', 'С': 'C', 'Т': 'T', 'Х': 'X', 'І': 'I',
	'Ѕ': 'S', 'Ј': 'J', 'Ԍ': 'G', 'Ү': 'Y',
	// Greek
	'α': 'a', 'ε': 'e', 'ι': 'i', 'κ': 'k', 'ο': 'o', 'ρ': 'p',
	'τ': 't', 'υ': 'u', 'χ': 'x', 'η': 'n',
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Ζ': 'Z', 'Η': 'H', 'Ι': 'I',
	'Κ': 'K', 'Μ': 'M', 'Ν': 'N', 'Ο': 'O', 'Ρ': 'P', 'Τ': 'T',
	'Υ': 'Y', 'Χ': 'X',
}

// invisible code points stripped from context strings: zero-width
// characters, BOM, soft hyphen, and directional marks used to hide or
// reorder injected instructions.
var invisible = map[rune]bool{
	'​': true, // zero width space
	'‌': true, // zero width non-joiner
	'‍': true, // zero width joiner
	'⁠': true, // word joiner
	'\ufeff': true, // BOM
	'­': true, // soft hyphen
	'‎': true, // left-to-right mark
	'‏': true, // right-to-left mark
	'‪': true, // LRE
	'‫': true, // RLE
	'‬': true, // PDF
	'‭': true, // LRO
	'‮': true, // RLO
}

// injectionPatterns are redacted from context strings: role overrides,
// delimiter injection, and instruction markers.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*`),
	regexp.MustCompile(`(?i)\[/?(system|assistant|user|inst)\]`),
	regexp.MustCompile(`(?i)<\|[a-z_]+\|>`),
	regexp.MustCompile("(?i)```\\s*system"),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
}

const redacted = "[removed]"

// DefaultMaxContextChars is the hard truncation applied by Context when
// the caller does not supply its own ceiling.
const DefaultMaxContextChars = 4000

// fold applies NFKC normalization and the confusable table, returning a
// lowercase ASCII-leaning form suitable for exact matching.
func fold(s string) string {
	normalized := norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if sub, ok := confusables[r]; ok {
			r = sub
		}
		b.WriteRune(r)
	}
	return strings.ToLower(strings.TrimSpace(b.String()))
}

// ModeHint sanitizes a client-supplied mode hint. The hint is folded
// (NFKC + confusable substitution) and then matched exactly against the
// allow-list. Anything else, including near matches, returns ModeAuto.
func ModeHint(input string) string {
	switch fold(input) {
	case ModeArtifact:
		return ModeArtifact
	case ModeImage:
		return ModeImage
	case ModeAuto:
		return ModeAuto
	default:
		return ModeAuto
	}
}

// Context sanitizes a user-controlled string destined for prompt-adjacent
// use: strips invisible code points, redacts injection phrasing, and
// hard-truncates to maxChars runes (DefaultMaxContextChars when <= 0).
func Context(input string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxContextChars
	}

	normalized := norm.NFKC.String(input)
	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if invisible[r] {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()

	for _, re := range injectionPatterns {
		out = re.ReplaceAllString(out, redacted)
	}

	runes := []rune(out)
	if len(runes) > maxChars {
		out = string(runes[:maxChars])
	}
	return out
}

// DetectInjection reports whether the input matches any known
// prompt-manipulation pattern after folding. Detection is advisory: the
// gateway logs it but does not block the call on its own.
func DetectInjection(input string) bool {
	folded := fold(input)
	for _, re := range injectionPatterns {
		if re.MatchString(folded) {
			return true
		}
	}
	return false
}
