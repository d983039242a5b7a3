package engine

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// unifiedDiff renders a line-level unified diff between the pre-change and
// post-change config captures. Identical captures produce the empty
// string. The result is capped at maxLines with an explicit truncation
// marker; content is never dropped silently.
func unifiedDiff(before, after string, maxLines int) (string, error) {
	if before == after {
		return "", nil
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "running-config.before",
		ToFile:   "running-config.after",
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("failed to compute config diff: %w", err)
	}
	return capLines(text, maxLines), nil
}

// capLines truncates s after n lines. The marker line names how many
// lines were dropped so readers know the diff is partial.
func capLines(s string, n int) string {
	if s == "" || n <= 0 {
		return s
	}
	seen := 0
	for i := 0; i < len(s); i++ {
		if s[i] != '\n' {
			continue
		}
		seen++
		if seen == n && i+1 < len(s) {
			dropped := strings.Count(s[i+1:], "\n")
			if s[len(s)-1] != '\n' {
				dropped++
			}
			return s[:i+1] + fmt.Sprintf("... diff truncated after %d lines (%d more)", n, dropped)
		}
	}
	return s
}
