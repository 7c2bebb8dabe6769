package rules

import (
	"sync"

	"github.com/dlclark/regexp2"
)

// patternCache compiles each author-supplied pattern exactly once, mirroring
// pkg/exprlang's ExpressionCache but backed by sync.Map since entries are
// write-once and read-mostly under concurrent rule evaluation (spec.md §5:
// "no phase spawns parallelism" for the request path itself, but multiple
// requests share one process and one RuleSet).
var patternCache sync.Map // pattern string -> *regexp2.Regexp

// compilePattern returns the cached compiled pattern, compiling it with
// .NET-compatible semantics on first use (original_source is C#, so rule
// authors write .NET regex, not RE2 — see DESIGN.md).
func compilePattern(pattern string) (*regexp2.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp2.Regexp), nil
	}
	compiled, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, err
	}
	actual, _ := patternCache.LoadOrStore(pattern, compiled)
	return actual.(*regexp2.Regexp), nil
}
