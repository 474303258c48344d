package capture

import (
	"fmt"
	"log/slog"
	"regexp"
)

// Policy decides whether a request should be recorded. Ignore patterns
// always win and are checked first; the sampling predicate only runs
// for paths that survive them.
type Policy struct {
	ignore []*regexp.Regexp
	sample func() bool
	log    *slog.Logger
}

// NewPolicy compiles the ignore patterns. A nil predicate means
// "record everything not ignored".
func NewPolicy(patterns []string, sample func() bool, log *slog.Logger) (*Policy, error) {
	ignore := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", pattern, err)
		}
		ignore = append(ignore, re)
	}
	return &Policy{ignore: ignore, sample: sample, log: log}, nil
}

// ShouldRecord reports whether a request to path should produce a
// measurement. A panicking predicate fails closed: the request is
// skipped and the failure logged, never surfaced to the caller.
func (p *Policy) ShouldRecord(path string) bool {
	for _, re := range p.ignore {
		if re.MatchString(path) {
			return false
		}
	}
	if p.sample == nil {
		return true
	}
	return p.evalPredicate(path)
}

func (p *Policy) evalPredicate(path string) (record bool) {
	defer func() {
		if r := recover(); r != nil {
			record = false
			if p.log != nil {
				p.log.Error("sampling predicate panicked, skipping request", "path", path, "panic", r)
			}
		}
	}()
	return p.sample()
}
