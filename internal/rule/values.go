package rule

import (
	"fmt"
	"sort"

	"github.com/dlclark/regexp2"
)

// ValueSet is a sorted, deduplicated set of integers associated with a
// match entry or a CSV-bound argument. Immutable after construction.
type ValueSet struct {
	sorted []int64
}

// NewValueSet builds a ValueSet from literal integers, sorting and
// deduplicating them.
func NewValueSet(values []int64) *ValueSet {
	cp := append([]int64(nil), values...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	out := cp[:0]
	for i, v := range cp {
		if i == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return &ValueSet{sorted: out}
}

// Len reports the number of distinct values.
func (v *ValueSet) Len() int { return len(v.sorted) }

// Contains reports membership.
func (v *ValueSet) Contains(x int64) bool {
	i := sort.Search(len(v.sorted), func(i int) bool { return v.sorted[i] >= x })
	return i < len(v.sorted) && v.sorted[i] == x
}

// Min returns the smallest value. Panics if empty; callers must check
// Len() first (a CSV column with no rows parses to an empty set, which
// compareInt treats as matching nothing).
func (v *ValueSet) Min() int64 { return v.sorted[0] }

// Max returns the largest value.
func (v *ValueSet) Max() int64 { return v.sorted[len(v.sorted)-1] }

// CompiledRegex wraps a dlclark/regexp2 pattern compiled for full-string
// match semantics resembling std::regex_match, used by the assembly and
// mnemonic match attributes.
type CompiledRegex struct {
	re *regexp2.Regexp
}

// CompileRegex compiles pattern (already anchored by the caller, see
// parse.go's parseRegexValues) for full-string matching.
func CompileRegex(pattern string) (*CompiledRegex, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("rule: bad regex %q: %w", pattern, err)
	}
	return &CompiledRegex{re: re}, nil
}

// MatchString reports whether subject fully matches the compiled
// pattern (the pattern is anchored with ^...$ at compile time so a
// partial Match call is equivalent to std::regex_match).
func (c *CompiledRegex) MatchString(subject string) bool {
	ok, err := c.re.MatchString(subject)
	return err == nil && ok
}
