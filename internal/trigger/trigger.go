// Package trigger evaluates inbound message text against a group's trigger
// set.
//
// Matching is case- and accent-insensitive. When several triggers match the
// same message the winner is picked by priority (higher first), then by
// matched span length (longer first), then by creation time (older first) —
// so "cotação usdt" beats "cotação" at equal priority.
package trigger

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"otc-desk-bot/pkg/types"
)

// regexBudget bounds one regex evaluation. Operator-supplied patterns are
// validated at the API boundary, but a pathological pattern must not stall
// the dispatch worker.
const regexBudget = 50 * time.Millisecond

// Matcher evaluates triggers. It is stateless apart from the compiled-regex
// cache and safe for concurrent use.
type Matcher struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp // pattern → compiled, nil for invalid
}

// NewMatcher creates a Matcher.
func NewMatcher() *Matcher {
	return &Matcher{cache: make(map[string]*regexp.Regexp)}
}

// Match returns the winning trigger for text among the group's triggers, or
// false if none matches. control selects which scope is eligible.
func (m *Matcher) Match(text string, triggers []types.Trigger, control bool) (types.TriggerMatch, bool) {
	norm := Normalize(text)
	if norm == "" {
		return types.TriggerMatch{}, false
	}

	var best types.TriggerMatch
	found := false
	for _, t := range triggers {
		if !t.IsActive {
			continue
		}
		if control != (t.Scope == types.ScopeControlOnly) {
			continue
		}

		span, ok := m.evaluate(norm, t)
		if !ok {
			continue
		}

		cand := types.TriggerMatch{Trigger: t, MatchedSpan: span, Priority: t.Priority}
		if !found || better(cand, best) {
			best = cand
			found = true
		}
	}
	return best, found
}

func better(a, b types.TriggerMatch) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if len(a.MatchedSpan) != len(b.MatchedSpan) {
		return len(a.MatchedSpan) > len(b.MatchedSpan)
	}
	return a.Trigger.CreatedAt.Before(b.Trigger.CreatedAt)
}

// evaluate runs one trigger against normalized text, returning the matched
// span.
func (m *Matcher) evaluate(norm string, t types.Trigger) (string, bool) {
	phrase := Normalize(t.Phrase)
	switch t.PatternType {
	case types.PatternExact:
		if norm == phrase {
			return phrase, true
		}
	case types.PatternContains:
		if phrase != "" && strings.Contains(norm, phrase) {
			return phrase, true
		}
	case types.PatternRegex:
		re := m.compiled(t.Phrase)
		if re == nil {
			return "", false
		}
		return m.matchWithBudget(re, norm)
	}
	return "", false
}

// matchWithBudget runs the regex in a goroutine and abandons it past the
// budget. Go's RE2 engine is linear-time, so the budget only ever trips on
// absurdly long inputs.
func (m *Matcher) matchWithBudget(re *regexp.Regexp, text string) (string, bool) {
	type result struct {
		span string
		ok   bool
	}
	ch := make(chan result, 1)
	go func() {
		span := re.FindString(text)
		ch <- result{span, span != ""}
	}()

	select {
	case r := <-ch:
		return r.span, r.ok
	case <-time.After(regexBudget):
		return "", false
	}
}

func (m *Matcher) compiled(pattern string) *regexp.Regexp {
	m.mu.RLock()
	re, ok := m.cache[pattern]
	m.mu.RUnlock()
	if ok {
		return re
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = nil
	}
	m.mu.Lock()
	m.cache[pattern] = re
	m.mu.Unlock()
	return re
}

// ValidatePattern reports whether a pattern of the given type is usable.
// Called at the API boundary before a trigger row is stored.
func ValidatePattern(patternType types.PatternType, pattern string) error {
	if patternType != types.PatternRegex {
		return nil
	}
	_, err := regexp.Compile("(?i)" + pattern)
	return err
}

// accentFold maps the Portuguese accented letters to their base forms.
var accentFold = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a",
	"é", "e", "ê", "e",
	"í", "i",
	"ó", "o", "ô", "o", "õ", "o",
	"ú", "u", "ü", "u",
	"ç", "c",
)

// Normalize lowercases, strips accents and collapses whitespace so "Cotação"
// and "cotacao" match the same trigger.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = accentFold.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
