// SPDX-License-Identifier: MIT

// Package srt provides helpers for the SubRip subtitle format produced by
// the recognizer.
package srt

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// BOM is the UTF-8 byte order mark expected by some subtitle consumers when
// an SRT file is delivered as a download.
var BOM = []byte{0xEF, 0xBB, 0xBF}

// Entry is one subtitle cue.
type Entry struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// Timestamp renders a duration as the SubRip HH:MM:SS,mmm form.
func Timestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// Write renders entries in SubRip form: index line, timing line, text, blank
// separator.
func Write(w io.Writer, entries []Entry) error {
	for i, e := range entries {
		idx := e.Index
		if idx == 0 {
			idx = i + 1
		}
		text := strings.TrimRight(e.Text, "\n")
		if _, err := fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n", idx, Timestamp(e.Start), Timestamp(e.End), text); err != nil {
			return err
		}
	}
	return nil
}

// WithBOM returns data prefixed with the UTF-8 BOM, unless one is already
// present.
func WithBOM(data []byte) []byte {
	if bytes.HasPrefix(data, BOM) {
		return data
	}
	out := make([]byte, 0, len(BOM)+len(data))
	out = append(out, BOM...)
	return append(out, data...)
}

// Validate reads an SRT stream and checks each cue block: an index line, a
// timing line with start before end, and at least one text line. A leading
// BOM is tolerated. It returns the number of cues.
func Validate(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	cues := 0
	first := true
	for {
		line, ok := nextNonBlank(scanner)
		if !ok {
			break
		}
		if first {
			line = strings.TrimPrefix(line, string(BOM))
			first = false
		}

		idx, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || idx <= 0 {
			return cues, fmt.Errorf("cue %d: bad index line %q", cues+1, line)
		}

		if !scanner.Scan() {
			return cues, fmt.Errorf("cue %d: missing timing line", cues+1)
		}
		start, end, err := parseTiming(scanner.Text())
		if err != nil {
			return cues, fmt.Errorf("cue %d: %w", cues+1, err)
		}
		if end < start {
			return cues, fmt.Errorf("cue %d: end precedes start", cues+1)
		}

		textLines := 0
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == "" {
				break
			}
			textLines++
		}
		if textLines == 0 {
			return cues, fmt.Errorf("cue %d: missing text", cues+1)
		}
		cues++
	}
	if err := scanner.Err(); err != nil {
		return cues, err
	}
	return cues, nil
}

func nextNonBlank(scanner *bufio.Scanner) (string, bool) {
	for scanner.Scan() {
		if line := scanner.Text(); strings.TrimSpace(line) != "" {
			return line, true
		}
	}
	return "", false
}

func parseTiming(line string) (time.Duration, time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(line), " --> ")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad timing line %q", line)
	}
	start, err := parseTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := parseTimestamp(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// parseTimestamp is the inverse of Timestamp. Hours may exceed two digits.
func parseTimestamp(s string) (time.Duration, error) {
	fields := strings.Split(strings.TrimSpace(s), ":")
	if len(fields) != 3 {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	secMs := strings.Split(fields[2], ",")
	if len(secMs) != 2 || len(secMs[1]) != 3 {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}

	h, err1 := strconv.Atoi(fields[0])
	m, err2 := strconv.Atoi(fields[1])
	sec, err3 := strconv.Atoi(secMs[0])
	ms, err4 := strconv.Atoi(secMs[1])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil ||
		h < 0 || m < 0 || m > 59 || sec < 0 || sec > 59 || ms < 0 {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(ms)*time.Millisecond, nil
}
