package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/diff"
	"github.com/walteh/vmcontrol/pkg/supervisor"
	"github.com/walteh/vmcontrol/pkg/vm"
)

var (
	warningStyle = color.New(color.FgYellow)
	noticeStyle  = color.New(color.FgCyan)
	successStyle = color.New(color.FgGreen)
	errorStyle   = color.New(color.FgRed, color.Bold)
)

// printTranscript writes an operation transcript, colouring an embedded
// config diff and flagging warnings and notices.
func printTranscript(w io.Writer, out string) {
	for _, line := range strings.SplitAfter(diff.ColorizeEmbedded(out), "\n") {
		switch {
		case strings.HasPrefix(line, "WARNING:"):
			warningStyle.Fprint(w, line)
		case strings.HasPrefix(line, "NOTICE:"):
			noticeStyle.Fprint(w, line)
		case strings.HasSuffix(strings.TrimSpace(line), "successfully"):
			successStyle.Fprint(w, line)
		default:
			fmt.Fprint(w, line)
		}
	}
}

// PrintError renders err with its kind and, for a crashed hypervisor, the
// captured log tail.
func PrintError(w io.Writer, err error) {
	errorStyle.Fprintf(w, "error (%s): ", vm.Kind(err))
	fmt.Fprintln(w, err)

	var crash *supervisor.CrashError
	if errors.As(err, &crash) && crash.Tail != "" {
		fmt.Fprintf(w, "--- last lines of %s ---\n%s\n", crash.LogPath, strings.TrimRight(crash.Tail, "\n"))
	}
}
