// SPDX-License-Identifier: MIT

package engine

import (
	"strings"
	"sync"
)

const maxLineBytes = 2048

// LineRing is a thread-safe ring buffer keeping the last N lines of tool
// output. Lines longer than maxLineBytes are truncated on write.
type LineRing struct {
	mu    sync.RWMutex
	lines []string
	head  int
	size  int
}

// NewLineRing creates a LineRing with the given line capacity.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 64
	}
	return &LineRing{
		lines: make([]string, capacity),
		size:  capacity,
	}
}

// Write implements io.Writer for line-oriented log output. Input is split on
// newlines; empty lines are dropped.
func (r *LineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}
		if len(line) > maxLineBytes {
			line = line[:maxLineBytes]
		}
		r.lines[r.head] = line
		r.head = (r.head + 1) % r.size
	}
	return len(p), nil
}

// LastN returns the last n lines in chronological order.
func (r *LineRing) LastN(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}

	// r.head is the next write position, so r.head is also the oldest slot
	// once the buffer has wrapped.
	ordered := make([]string, 0, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % r.size
		if r.lines[idx] != "" {
			ordered = append(ordered, r.lines[idx])
		}
	}

	if len(ordered) <= n {
		return ordered
	}
	return ordered[len(ordered)-n:]
}

// Tail joins the buffered lines and returns at most maxBytes from the end,
// trimming whole lines from the front.
func (r *LineRing) Tail(maxBytes int) string {
	lines := r.LastN(r.size)
	if len(lines) == 0 {
		return ""
	}

	total := 0
	for _, l := range lines {
		total += len(l) + 1
	}
	start := 0
	for start < len(lines) && total > maxBytes {
		total -= len(lines[start]) + 1
		start++
	}
	return strings.Join(lines[start:], "\n")
}
