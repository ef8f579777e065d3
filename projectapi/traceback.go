package projectapi

import (
	"strings"
)

const outermostFrameNote = "  # <--- Outermost server-side stack frame"

// dispatchFrame is the function whose frame is annotated in tracebacks.
const dispatchFrame = "projectapi.(*Server).dispatch("

// formatTraceback renders a goroutine stack as sent in data.traceback. Frames
// above the dispatch call (the stack capture itself) are dropped and the
// dispatch frame's location line is annotated.
func formatTraceback(stack []byte, failure string) string {
	lines := strings.Split(strings.TrimRight(string(stack), "\n"), "\n")

	var b strings.Builder
	b.WriteString("Traceback (most recent call first):\n")

	start := 1
	for i := 1; i < len(lines); i++ {
		// Skip the frames of runtime/debug.Stack and the capture helpers.
		if strings.Contains(lines[i], "runtime/debug.Stack(") || strings.Contains(lines[i], "projectapi.captureStack(") {
			start = i + 2
		}
	}
	if start > len(lines) {
		start = 1
	}
	annotated := false
	for i := start; i < len(lines); i++ {
		line := lines[i]
		b.WriteString(line)
		if !annotated && i > start && strings.Contains(lines[i-1], dispatchFrame) {
			b.WriteString(outermostFrameNote)
			annotated = true
		}
		b.WriteByte('\n')
	}
	b.WriteString(failure)
	return b.String()
}
