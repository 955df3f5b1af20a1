// Package urlfilter decides which request URLs are captured.
package urlfilter

import (
	"fmt"
	"regexp"
)

// Filter holds pre-compiled include and exclude patterns. Patterns that
// failed to compile are dropped and never match.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	// hasInclude is true when any include pattern was configured, even one
	// that failed to compile.
	hasInclude bool
}

// New compiles include and exclude with full-match semantics. The returned
// errors describe patterns that were skipped.
func New(include, exclude []string) (*Filter, []error) {
	var errs []error
	f := &Filter{hasInclude: len(include) > 0}
	f.include, errs = compile(include, "include", errs)
	f.exclude, errs = compile(exclude, "exclude", errs)
	return f, errs
}

// ShouldMonitor reports whether url should be captured. Exclude patterns take
// precedence over include patterns; with no include patterns every URL that
// is not excluded is monitored.
func (f *Filter) ShouldMonitor(url string) bool {
	if f == nil {
		return true
	}
	for _, re := range f.exclude {
		if re.MatchString(url) {
			return false
		}
	}
	if !f.hasInclude {
		return true
	}
	for _, re := range f.include {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// ShouldMonitor is the one-shot form of (*Filter).ShouldMonitor.
func ShouldMonitor(url string, include, exclude []string) bool {
	f, _ := New(include, exclude)
	return f.ShouldMonitor(url)
}

func compile(patterns []string, kind string, errs []error) ([]*regexp.Regexp, []error) {
	ret := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			errs = append(errs, fmt.Errorf("netmon: invalid %s pattern %q: %w", kind, p, err))
			continue
		}
		ret = append(ret, re)
	}
	return ret, errs
}
