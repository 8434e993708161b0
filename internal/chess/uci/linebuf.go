package uci

import (
	"bytes"
	"strings"
)

// lineBuffer reassembles newline-terminated lines from arbitrary chunks.
// The trailing fragment after the last '\n' is kept for the next Write.
type lineBuffer struct {
	partial []byte
}

// Write appends chunk and returns the complete lines it finished, trimmed,
// in arrival order. Empty lines are dropped.
func (b *lineBuffer) Write(chunk []byte) []string {
	b.partial = append(b.partial, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(b.partial, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(b.partial[:idx]))
		b.partial = b.partial[idx+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(b.partial) == 0 {
		b.partial = nil
	}
	return lines
}

// Pending returns the bytes held back waiting for a newline.
func (b *lineBuffer) Pending() string { return string(b.partial) }
