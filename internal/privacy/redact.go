// Package privacy masks sensitive substrings in forwarded message content.
package privacy

import (
	"fmt"
	"regexp"
)

// DefaultPlaceholder replaces every match when no placeholder is configured.
const DefaultPlaceholder = "[REDACTED]"

// Redactor rewrites message content before it leaves the process.
// A nil *Redactor passes content through unchanged.
type Redactor struct {
	patterns    []*regexp.Regexp
	placeholder string
}

// New compiles patterns. It returns nil, nil when there is nothing to redact.
func New(patterns []string, placeholder string) (*Redactor, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}

	r := &Redactor{
		patterns:    make([]*regexp.Regexp, 0, len(patterns)),
		placeholder: placeholder,
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// MustNew is New for patterns known at compile time.
func MustNew(patterns []string, placeholder string) *Redactor {
	r, err := New(patterns, placeholder)
	if err != nil {
		panic(err)
	}
	return r
}

// Len reports the number of compiled patterns.
func (r *Redactor) Len() int {
	if r == nil {
		return 0
	}
	return len(r.patterns)
}

// Apply returns content with every match replaced by the placeholder.
// Patterns run in configuration order, so a later pattern sees the output
// of earlier ones.
func (r *Redactor) Apply(content string) string {
	if r == nil {
		return content
	}
	for _, re := range r.patterns {
		content = re.ReplaceAllString(content, r.placeholder)
	}
	return content
}
