package scheduler

import (
	"regexp"
	"strings"
)

// IntentMatcher classifies user text for "open floor" intent: an explicit
// invitation for the characters to keep talking amongst themselves. The
// default is a fixed phrase set; it is an interface so hosts can swap in a
// smarter classifier.
type IntentMatcher interface {
	OpenFloor(text string) bool
}

// RegexIntentMatcher matches open-floor intent against a phrase list
type RegexIntentMatcher struct {
	patterns []*regexp.Regexp
}

var defaultOpenFloorPatterns = []string{
	`talk among(st)? yourselves`,
	`keep (talking|chatting|going)( without me)?`,
	`carry on( without me)?`,
	`go on without me`,
	`don'?t mind me`,
	`you (guys|two|all|folks) (talk|chat)`,
	`chat among(st)? yourselves`,
	`i'?ll just (listen|watch|lurk)`,
}

// NewRegexIntentMatcher builds the default open-floor matcher
func NewRegexIntentMatcher() *RegexIntentMatcher {
	m := &RegexIntentMatcher{}
	for _, p := range defaultOpenFloorPatterns {
		m.patterns = append(m.patterns, regexp.MustCompile(p))
	}
	return m
}

// OpenFloor reports whether the text invites the characters to continue
// without further user input
func (m *RegexIntentMatcher) OpenFloor(text string) bool {
	lowered := strings.ToLower(text)
	for _, re := range m.patterns {
		if re.MatchString(lowered) {
			return true
		}
	}
	return false
}
