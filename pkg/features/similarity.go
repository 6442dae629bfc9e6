package features

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Similarity compares two canonical values and returns a score in [0, 1].
type Similarity func(a, b string) float64

// Metric names accepted in a feature schema.
const (
	MetricExact       = "exact"
	MetricJaroWinkler = "jaro_winkler"
	MetricLevenshtein = "levenshtein"
	MetricSoundex     = "soundex"
	MetricMetaphone   = "metaphone"
	MetricNumeric     = "numeric"
	MetricDate        = "date"
)

var similarities = map[string]Similarity{
	MetricExact:       Exact,
	MetricJaroWinkler: JaroWinkler,
	MetricLevenshtein: Levenshtein,
	MetricSoundex:     func(a, b string) float64 { return codeMatch(Soundex(a), Soundex(b)) },
	MetricMetaphone:   func(a, b string) float64 { return codeMatch(Metaphone(a), Metaphone(b)) },
	MetricNumeric:     func(a, b string) float64 { return NumericProximity(a, b, 10) },
	MetricDate:        func(a, b string) float64 { return DateProximity(a, b, 365) },
}

// LookupSimilarity returns the similarity registered under name.
func LookupSimilarity(name string) (Similarity, bool) {
	fn, ok := similarities[name]
	return fn, ok
}

// Exact returns 1 when the values are identical.
func Exact(a, b string) float64 {
	if a == b {
		return 1
	}
	return 0
}

// JaroWinkler is Jaro similarity boosted by up to four characters of common prefix.
func JaroWinkler(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	j := jaro(ra, rb)
	prefix := 0
	for prefix < 4 && prefix < len(ra) && prefix < len(rb) && ra[prefix] == rb[prefix] {
		prefix++
	}
	return j + float64(prefix)*0.1*(1-j)
}

func jaro(a, b []rune) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	window := max(len(a), len(b))/2 - 1
	if window < 0 {
		window = 0
	}

	matchedA := make([]bool, len(a))
	matchedB := make([]bool, len(b))
	matches := 0
	for i := range a {
		lo := max(0, i-window)
		hi := min(len(b), i+window+1)
		for j := lo; j < hi; j++ {
			if matchedB[j] || a[i] != b[j] {
				continue
			}
			matchedA[i], matchedB[j] = true, true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	half := 0
	k := 0
	for i := range a {
		if !matchedA[i] {
			continue
		}
		for !matchedB[k] {
			k++
		}
		if a[i] != b[k] {
			half++
		}
		k++
	}

	m := float64(matches)
	return (m/float64(len(a)) + m/float64(len(b)) + (m-float64(half)/2)/m) / 3
}

// Levenshtein converts the edit distance into a similarity relative to the longer value.
func Levenshtein(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(editDistance(ra, rb))/float64(longest)
}

func editDistance(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			sub := prev[j-1]
			if a[i-1] != b[j-1] {
				sub++
			}
			cur[j] = min(sub, prev[j]+1, cur[j-1]+1)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

var soundexDigits = map[rune]byte{
	'B': '1', 'F': '1', 'P': '1', 'V': '1',
	'C': '2', 'G': '2', 'J': '2', 'K': '2', 'Q': '2', 'S': '2', 'X': '2', 'Z': '2',
	'D': '3', 'T': '3',
	'L': '4',
	'M': '5', 'N': '5',
	'R': '6',
}

// Soundex returns the four character American Soundex code, or "" when s has no letters.
func Soundex(s string) string {
	var letters []rune
	for _, r := range strings.ToUpper(s) {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, r)
		}
	}
	if len(letters) == 0 {
		return ""
	}

	code := []byte{byte(letters[0])}
	last := soundexDigits[letters[0]]
	for _, r := range letters[1:] {
		if len(code) == 4 {
			break
		}
		digit, ok := soundexDigits[r]
		switch {
		case !ok && (r == 'H' || r == 'W'):
			// H and W do not separate letters with the same code.
			continue
		case !ok:
			last = 0
		case digit != last:
			code = append(code, digit)
			last = digit
		}
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}

// Metaphone returns a reduced phonetic key of at most six characters. It covers the common
// English consonant rules and is intended for blocking and coarse comparison only.
func Metaphone(s string) string {
	var word []rune
	for _, r := range strings.ToUpper(s) {
		if unicode.IsLetter(r) {
			word = append(word, r)
		}
	}
	if len(word) == 0 {
		return ""
	}

	next := func(i int) rune {
		if i+1 < len(word) {
			return word[i+1]
		}
		return 0
	}

	var key []rune
	var last rune
	emit := func(r rune) {
		if r != last {
			key = append(key, r)
			last = r
		}
	}

	for i := 0; i < len(word) && len(key) < 6; i++ {
		r := word[i]
		switch r {
		case 'A', 'E', 'I', 'O', 'U':
			if i == 0 {
				emit(r)
			}
		case 'C':
			switch next(i) {
			case 'I', 'E', 'Y':
				emit('S')
			case 'H':
				emit('X')
				i++
			default:
				emit('K')
			}
		case 'D':
			emit('T')
		case 'G':
			switch next(i) {
			case 'I', 'E', 'Y':
				emit('J')
			case 'H':
				emit('F')
				i++
			default:
				emit('K')
			}
		case 'P':
			if next(i) == 'H' {
				emit('F')
				i++
			} else {
				emit('P')
			}
		case 'S':
			if next(i) == 'H' {
				emit('X')
				i++
			} else {
				emit('S')
			}
		case 'T':
			if next(i) == 'H' {
				emit('0')
				i++
			} else {
				emit('T')
			}
		case 'Q':
			emit('K')
		case 'V':
			emit('F')
		case 'X', 'Z':
			emit('S')
		case 'H', 'W', 'Y':
			// silent in this reduced rule set
		default:
			emit(r)
		}
	}
	return string(key)
}

func codeMatch(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return Exact(a, b)
}

// NumericProximity decays linearly from 1 at equality to 0 at maxDiff. Unparseable values
// fall back to exact comparison.
func NumericProximity(a, b string, maxDiff float64) float64 {
	x, errA := strconv.ParseFloat(a, 64)
	y, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return Exact(a, b)
	}
	diff := math.Abs(x - y)
	if diff >= maxDiff {
		return 0
	}
	return 1 - diff/maxDiff
}

// DateProximity decays linearly from 1 for the same day to 0 at maxDays apart. Values must be
// ISO dates (2006-01-02); anything else falls back to exact comparison.
func DateProximity(a, b string, maxDays int) float64 {
	x, errA := time.Parse(time.DateOnly, a)
	y, errB := time.Parse(time.DateOnly, b)
	if errA != nil || errB != nil {
		return Exact(a, b)
	}
	days := math.Abs(x.Sub(y).Hours() / 24)
	if days >= float64(maxDays) {
		return 0
	}
	return 1 - days/float64(maxDays)
}
