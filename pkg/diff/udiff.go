package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
	godiff "github.com/sourcegraph/go-diff/diff"
	"gitlab.com/tozd/go/errors"
)

// Colorize renders a unified diff for a terminal. Single-line replacements
// get their changed characters highlighted. Anything that does not parse as
// a unified diff is returned unchanged.
func Colorize(unified string) string {
	if unified == "" {
		return ""
	}
	fd, err := parse(unified)
	if err != nil {
		return unified
	}
	return render(fd)
}

func parse(unified string) (*godiff.FileDiff, error) {
	fd, err := godiff.ParseFileDiff([]byte(unified))
	if err != nil {
		return nil, errors.Errorf("parsing unified diff: %w", err)
	}
	return fd, nil
}

var (
	styleFaint   = color.New(color.Faint)
	styleRemoved = color.New(color.FgRed)
	styleAdded   = color.New(color.FgGreen)
)

func render(fd *godiff.FileDiff) string {
	var out []string

	out = append(out,
		styleFaint.Sprint("--- ")+styleRemoved.Sprint(fd.OrigName),
		styleFaint.Sprint("+++ ")+styleAdded.Sprint(fd.NewName),
	)

	for _, hunk := range fd.Hunks {
		out = append(out, styleFaint.Sprintf("@@ -%d,%d +%d,%d @@%s",
			hunk.OrigStartLine, hunk.OrigLines,
			hunk.NewStartLine, hunk.NewLines,
			hunk.Section))

		for _, group := range groupRelatedChanges(strings.Split(string(hunk.Body), "\n")) {
			for _, line := range group.contextLines {
				out = append(out, styleFaint.Sprint(line))
			}

			if len(group.oldLines) == 1 && len(group.newLines) == 1 {
				o, n := group.oldLines[0], group.newLines[0]
				out = append(out,
					styleRemoved.Sprint("-")+highlight(o, n, diffmatchpatch.DiffDelete, styleRemoved),
					styleAdded.Sprint("+")+highlight(o, n, diffmatchpatch.DiffInsert, styleAdded),
				)
				continue
			}
			for _, line := range group.oldLines {
				out = append(out, styleRemoved.Sprint("-"+line))
			}
			for _, line := range group.newLines {
				out = append(out, styleAdded.Sprint("+"+line))
			}
		}
	}

	return strings.Join(out, "\n") + "\n"
}

// highlight renders one side of a replaced line, emboldening the characters
// of kind and dropping the other side's edits.
func highlight(oldLine, newLine string, kind diffmatchpatch.Operation, c *color.Color) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(oldLine, newLine, false))

	bold := color.New(color.Bold)
	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			b.WriteString(c.Sprint(d.Text))
		case kind:
			b.WriteString(bold.Sprint(c.Sprint(d.Text)))
		}
	}
	return b.String()
}

type lineGroup struct {
	contextLines []string
	oldLines     []string
	newLines     []string
}

// groupRelatedChanges splits hunk lines into runs of context followed by
// removals and additions, so replacements can be compared pairwise.
func groupRelatedChanges(lines []string) []lineGroup {
	var groups []lineGroup
	var current lineGroup
	inChange := false

	flush := func() {
		if len(current.contextLines) > 0 || len(current.oldLines) > 0 || len(current.newLines) > 0 {
			groups = append(groups, current)
			current = lineGroup{}
		}
	}

	for _, line := range lines {
		if line == "" {
			continue
		}
		switch line[0] {
		case '-':
			inChange = true
			current.oldLines = append(current.oldLines, line[1:])
		case '+':
			inChange = true
			current.newLines = append(current.newLines, line[1:])
		default:
			if inChange {
				flush()
				inChange = false
			}
			current.contextLines = append(current.contextLines, line)
		}
	}
	flush()

	return groups
}

// Summary is a one-line description of a diff's size.
func Summary(unified string) string {
	a, r := Stat(unified)
	return fmt.Sprintf("%d line(s) added, %d line(s) removed", a, r)
}

// ColorizeEmbedded colours the first unified diff found inside a longer
// transcript and leaves the surrounding lines alone.
func ColorizeEmbedded(text string) string {
	lines := strings.Split(text, "\n")
	start := -1
	for i := 0; i+1 < len(lines); i++ {
		if strings.HasPrefix(lines[i], "--- ") && strings.HasPrefix(lines[i+1], "+++ ") {
			start = i
			break
		}
	}
	if start < 0 {
		return text
	}

	end := start + 2
	for end < len(lines) && isDiffBody(lines[end]) {
		end++
	}

	unified := strings.Join(lines[start:end], "\n") + "\n"
	var b strings.Builder
	for _, line := range lines[:start] {
		b.WriteString(line + "\n")
	}
	b.WriteString(Colorize(unified))
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}
	b.WriteString(strings.Join(lines[end:], "\n"))
	return b.String()
}

func isDiffBody(line string) bool {
	return strings.HasPrefix(line, "@@") ||
		strings.HasPrefix(line, " ") ||
		strings.HasPrefix(line, "+") ||
		strings.HasPrefix(line, "-")
}
