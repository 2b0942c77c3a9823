package moderation

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/veilchat/core/internal/chat"
)

// FilterResult is the outcome of screening one payload.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // the matched term or pattern name
}

// defaultTerms is the built-in prohibited term list. Deployments extend it
// through NewFilterWithTerms.
var defaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
	"send nudes",
}

var (
	// urlPattern matches http/https URLs, www. hosts, and bare domains with
	// a trailing path. The trailing "/" on the bare-domain variant avoids
	// false positives on version strings like "v2.0".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn)/\S*)`)

	// phonePattern matches common phone number shapes, anchored to
	// whitespace so digit runs inside words don't trip it.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// Filter screens text payloads for prohibited terms and spam patterns. It
// is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]bool // single tokens, matched per word
	phrases []string        // multi-word terms, matched as substrings
}

// NewFilter returns a Filter with the built-in term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter screening for the given terms.
// Single-word terms match whole words only; multi-word terms match as
// substrings. Matching is case-insensitive.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]bool)}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.ContainsRune(term, ' ') {
			f.phrases = append(f.phrases, term)
		} else {
			f.words[term] = true
		}
	}
	return f
}

// Check screens text and returns a blocking result on the first match:
// prohibited terms first, then spam patterns (URLs, phone numbers,
// character and word flooding).
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)

	for _, phrase := range f.phrases {
		if strings.Contains(lower, phrase) {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: phrase}
		}
	}

	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if f.words[w] {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: w}
		}
	}

	if urlPattern.MatchString(text) {
		return FilterResult{Blocked: true, Reason: "spam_pattern", Term: "url"}
	}
	if phonePattern.MatchString(text) {
		return FilterResult{Blocked: true, Reason: "spam_pattern", Term: "phone"}
	}
	if hasCharFlood(text) {
		return FilterResult{Blocked: true, Reason: "spam_pattern", Term: "char_flood"}
	}
	if hasWordFlood(lower) {
		return FilterResult{Blocked: true, Reason: "spam_pattern", Term: "word_flood"}
	}

	return FilterResult{}
}

// CheckContent adapts the filter to the relay content-policy hook. It is a
// pure function over the payload bytes.
func (f *Filter) CheckContent(payload []byte) chat.Verdict {
	res := f.Check(string(payload))
	return chat.Verdict{Blocked: res.Blocked, Category: res.Reason}
}

// hasCharFlood reports 5+ consecutive identical runes. RE2 has no
// backreferences, so this is a linear scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same word repeated 3+ times in a row.
func hasWordFlood(lower string) bool {
	const threshold = 3

	words := strings.Fields(lower)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		if w == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = w
		}
	}
	return false
}
