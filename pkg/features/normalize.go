package features

import (
	"strings"
	"unicode"
)

// Normalizer canonicalizes a single stringified property value.
type Normalizer func(string) string

var normalizers = map[string]Normalizer{
	"lowercase":          strings.ToLower,
	"trim":               strings.TrimSpace,
	"digits_only":        keepRunes(unicode.IsDigit),
	"alphanumeric":       keepRunes(func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }),
	"remove_punctuation": dropRunes(unicode.IsPunct),
	"remove_whitespace":  dropRunes(unicode.IsSpace),
	"name":               NormalizeName,
	"email":              func(s string) string { return strings.ToLower(strings.TrimSpace(s)) },
	"phone":              NormalizePhone,
	"ssn":                NormalizeSSN,
}

// RegisterNormalizer adds or replaces a named normalizer.
func RegisterNormalizer(name string, fn Normalizer) {
	normalizers[name] = fn
}

// ApplyNormalizers runs the named normalizers in order. Unknown names are skipped.
func ApplyNormalizers(value string, names ...string) string {
	for _, name := range names {
		if fn, ok := normalizers[name]; ok {
			value = fn(value)
		}
	}
	return value
}

func keepRunes(keep func(rune) bool) Normalizer {
	return func(s string) string {
		return strings.Map(func(r rune) rune {
			if keep(r) {
				return r
			}
			return -1
		}, s)
	}
}

func dropRunes(drop func(rune) bool) Normalizer {
	return keepRunes(func(r rune) bool { return !drop(r) })
}

var nameSuffixes = map[string]struct{}{
	"jr": {}, "sr": {}, "ii": {}, "iii": {}, "iv": {}, "phd": {}, "md": {},
}

// NormalizeName lowercases, strips punctuation, collapses whitespace and drops generational
// or professional suffixes.
func NormalizeName(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})
	kept := fields[:0]
	for i, f := range fields {
		f = strings.ReplaceAll(f, "'", "")
		if _, suffix := nameSuffixes[f]; suffix && i > 0 {
			continue
		}
		if f != "" {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

// NormalizePhone keeps digits and drops a leading US country code.
func NormalizePhone(s string) string {
	digits := keepRunes(unicode.IsDigit)(s)
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

// NormalizeSSN keeps the nine digits of a US social security number, or returns "".
func NormalizeSSN(s string) string {
	digits := keepRunes(unicode.IsDigit)(s)
	if len(digits) != 9 {
		return ""
	}
	return digits
}
