// Package diff renders configuration changes as unified diffs.
package diff

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/vm"
)

const (
	fromLabel = "current"
	toLabel   = "updated"
)

// ConfigDiff returns the unified diff between two stored configurations, or
// "" when they render identically.
func ConfigDiff(before, after vm.Config) (string, error) {
	a, err := before.MarshalIndent()
	if err != nil {
		return "", err
	}
	b, err := after.MarshalIndent()
	if err != nil {
		return "", err
	}
	return Unified(a, b)
}

// Unified diffs two texts line by line with three lines of context.
func Unified(a, b string) (string, error) {
	if a == b {
		return "", nil
	}
	out, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(ensureNewline(a)),
		B:        difflib.SplitLines(ensureNewline(b)),
		FromFile: fromLabel,
		ToFile:   toLabel,
		Context:  3,
	})
	if err != nil {
		return "", errors.Errorf("computing diff: %w", err)
	}
	return out, nil
}

// Stat counts added and removed lines of a unified diff.
func Stat(unified string) (added, removed int) {
	for _, line := range strings.Split(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
