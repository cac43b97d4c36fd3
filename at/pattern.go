package at

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchRule selects how a Pattern is searched for in received text.
type MatchRule int

const (
	// Regex treats the pattern text as a regular expression. The dot
	// matches line breaks so a single pattern can span a multi-line
	// response.
	Regex MatchRule = iota
	// Exact requires the pattern text to occur verbatim.
	Exact
)

func (r MatchRule) String() string {
	switch r {
	case Regex:
		return "regex"
	case Exact:
		return "exact"
	default:
		return fmt.Sprintf("MatchRule(%d)", int(r))
	}
}

// ParseMatchRule parses "exact" or "regex" (case-insensitive). An empty
// string yields Regex.
func ParseMatchRule(s string) (MatchRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "regex":
		return Regex, nil
	case "exact":
		return Exact, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRule, s)
	}
}

// Match searches haystack for text according to rule and returns the
// matched substring, or "" when there is no match.
//
// For Exact the result is text itself when it occurs anywhere in haystack.
// For Regex the result is the leftmost match. A regular expression that
// does not compile is reported as an error, never as "no match".
func Match(text, haystack string, rule MatchRule) (string, error) {
	switch rule {
	case Exact:
		return matchExact(text, haystack), nil
	case Regex:
		re, err := compile(text)
		if err != nil {
			return "", err
		}
		return re.FindString(haystack), nil
	default:
		return "", fmt.Errorf("%w: %v", ErrUnknownRule, rule)
	}
}

func matchExact(text, haystack string) string {
	if text != "" && strings.Contains(haystack, text) {
		return text
	}
	return ""
}

func compile(text string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?s)" + text)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, text, err)
	}
	return re, nil
}

// Pattern is a named piece of text, together with the rule used to find
// it. Patterns describe both command responses (success and error) and
// unsolicited events.
//
// A Pattern is immutable. Regex patterns are compiled once by NewPattern.
type Pattern struct {
	name string
	text string
	rule MatchRule
	re   *regexp.Regexp
}

// NewPattern builds a Pattern, compiling text when rule is Regex.
func NewPattern(name, text string, rule MatchRule) (Pattern, error) {
	if text == "" {
		return Pattern{}, fmt.Errorf("%w: %q", ErrEmptyPattern, name)
	}
	p := Pattern{name: name, text: text, rule: rule}
	switch rule {
	case Exact:
	case Regex:
		re, err := compile(text)
		if err != nil {
			return Pattern{}, fmt.Errorf("pattern %q: %w", name, err)
		}
		p.re = re
	default:
		return Pattern{}, fmt.Errorf("pattern %q: %w: %v", name, ErrUnknownRule, rule)
	}
	return p, nil
}

// MustPattern is like NewPattern but panics on error. It is meant for
// package level catalogs built from literals.
func MustPattern(name, text string, rule MatchRule) Pattern {
	p, err := NewPattern(name, text, rule)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) Name() string    { return p.name }
func (p Pattern) Text() string    { return p.text }
func (p Pattern) Rule() MatchRule { return p.rule }

// IsZero reports whether p is the zero Pattern, which never matches.
func (p Pattern) IsZero() bool { return p.text == "" }

// Match returns the part of haystack matched by p, or "".
func (p Pattern) Match(haystack string) string {
	switch p.rule {
	case Exact:
		return matchExact(p.text, haystack)
	case Regex:
		if p.re == nil {
			return ""
		}
		return p.re.FindString(haystack)
	}
	return ""
}

func (p Pattern) String() string {
	return fmt.Sprintf("%s(%s %q)", p.name, p.rule, strings.TrimSpace(p.text))
}
