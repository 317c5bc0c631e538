package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize bounds the name -> rule cache of each compiled table.
const DefaultCacheSize = 4096

// regexPrefix marks a pattern as a raw RE2 expression instead of a glob.
const regexPrefix = "re:"

type compiledRule struct {
	rule *Rule
	re   *regexp.Regexp
}

// Table is an immutable, compiled rule set. Rules are evaluated in
// declaration order; the first match wins.
type Table struct {
	rules []compiledRule
	def   *Rule
	cache *lru.Cache
}

// Compile validates rules against the configured intervals and compiles
// their patterns.
func Compile(rs []Rule, def Rule, intervals []string) (*Table, error) {
	known := make(map[string]bool, len(intervals))
	for _, iv := range intervals {
		known[iv] = true
	}

	if len(def.Intervals) == 0 {
		def.Intervals = append([]string(nil), intervals...)
	}
	for _, iv := range def.Intervals {
		if !known[iv] {
			return nil, fmt.Errorf("default rule: %w: %q", ErrUnknownInterval, iv)
		}
	}

	t := &Table{
		rules: make([]compiledRule, 0, len(rs)),
		def:   &def,
	}

	for i := range rs {
		r := rs[i]
		re, err := compilePattern(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if len(r.Aggregations) == 0 {
			r.Aggregations = append([]AggKind(nil), def.Aggregations...)
		}
		if len(r.Intervals) == 0 {
			r.Intervals = append([]string(nil), intervals...)
		}
		for _, iv := range r.Intervals {
			if !known[iv] {
				return nil, fmt.Errorf("rule %d (%s): %w: %q", i, r.Pattern, ErrUnknownInterval, iv)
			}
		}
		t.rules = append(t.rules, compiledRule{rule: &r, re: re})
	}

	cache, err := lru.New(DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	t.cache = cache

	return t, nil
}

// Match returns the first rule whose pattern matches name, or the default.
func (t *Table) Match(name string) *Rule {
	if v, ok := t.cache.Get(name); ok {
		return v.(*Rule)
	}

	r := t.def
	for _, cr := range t.rules {
		if cr.re.MatchString(name) {
			r = cr.rule
			break
		}
	}
	t.cache.Add(name, r)
	return r
}

// Rules returns a copy of the declared rules, in order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, cr := range t.rules {
		out[i] = *cr.rule
	}
	return out
}

// Default returns the fallback rule.
func (t *Table) Default() Rule { return *t.def }

// Matcher holds the active Table and swaps it on policy updates.
// Readers never block; a Rule obtained from an old table stays valid.
type Matcher struct {
	table     atomic.Pointer[Table]
	def       Rule
	intervals []string
}

// NewMatcher compiles the initial rule set.
func NewMatcher(rs []Rule, def Rule, intervals []string) (*Matcher, error) {
	m := &Matcher{
		def:       def,
		intervals: append([]string(nil), intervals...),
	}
	if err := m.Update(rs); err != nil {
		return nil, err
	}
	return m, nil
}

// Match resolves a metric name against the active table.
func (m *Matcher) Match(name string) *Rule {
	return m.table.Load().Match(name)
}

// Update compiles a new rule set and installs it. On error the active
// table is left untouched.
func (m *Matcher) Update(rs []Rule) error {
	t, err := Compile(rs, m.def, m.intervals)
	if err != nil {
		return err
	}
	m.table.Store(t)
	return nil
}

// Table returns the active compiled table.
func (m *Matcher) Table() *Table {
	return m.table.Load()
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	var expr string
	if strings.HasPrefix(pattern, regexPrefix) {
		expr = strings.TrimPrefix(pattern, regexPrefix)
	} else {
		expr = "^" + globToRegex(pattern) + "$"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	return re, nil
}

// globToRegex converts a glob pattern (*, ?, [...], \x) to a regular
// expression body.
func globToRegex(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) * 2)

	inClass := false
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]

		switch {
		case ch == '\\' && i < len(pattern)-1:
			i++
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		case ch == '*' && !inClass:
			b.WriteString(".*")
		case ch == '?' && !inClass:
			b.WriteByte('.')
		case ch == '[' && !inClass:
			inClass = true
			b.WriteByte(ch)
		case ch == ']' && inClass:
			inClass = false
			b.WriteByte(ch)
		case inClass:
			b.WriteByte(ch)
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	return b.String()
}
