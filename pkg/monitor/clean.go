package monitor

import (
	"regexp"
	"strings"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b[()][0-9A-Za-z]|\x1b[=>]`)

// Clean strips terminal control sequences and the monitor's prompt and banner
// lines, leaving only substantive output.
func Clean(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "\r", "")

	var kept []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		// the prompt, and every banner the hypervisor prints, names itself
		if strings.Contains(line, "(qemu)") || strings.Contains(line, "QEMU") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// Transcript formats one exchange the way operation results present it.
func Transcript(vmID, command, output string) string {
	var b strings.Builder
	b.WriteString("monitor(" + vmID + ") => " + command + "\n")
	if output != "" {
		b.WriteString(output)
		if !strings.HasSuffix(output, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("OK\n")
	return b.String()
}
