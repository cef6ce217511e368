// SPDX-License-Identifier: MIT

package srt

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "00:00:00,000"},
		{"millis", 42 * time.Millisecond, "00:00:00,042"},
		{"seconds", 9*time.Second + 7*time.Millisecond, "00:00:09,007"},
		{"minutes", 3*time.Minute + 2*time.Second, "00:03:02,000"},
		{"hours", 2*time.Hour + 15*time.Minute + 30*time.Second + 500*time.Millisecond, "02:15:30,500"},
		{"over a day", 25 * time.Hour, "25:00:00,000"},
		{"negative clamps", -time.Second, "00:00:00,000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Timestamp(tt.d))
		})
	}
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []Entry{
		{Start: 0, End: 1500 * time.Millisecond, Text: "hello"},
		{Start: 2 * time.Second, End: 3 * time.Second, Text: "world\n"},
	})
	require.NoError(t, err)

	want := "1\n00:00:00,000 --> 00:00:01,500\nhello\n\n" +
		"2\n00:00:02,000 --> 00:00:03,000\nworld\n\n"
	assert.Equal(t, want, buf.String())
}

func TestWrite_ExplicitIndex(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []Entry{{Index: 7, Start: 0, End: time.Second, Text: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "7\n00:00:00,000 --> 00:00:01,000\nx\n\n", buf.String())
}

func TestWithBOM(t *testing.T) {
	plain := []byte("1\n00:00:00,000 --> 00:00:01,000\nhi\n\n")

	withBOM := WithBOM(plain)
	require.True(t, bytes.HasPrefix(withBOM, BOM))
	assert.Equal(t, plain, withBOM[len(BOM):])

	// Already prefixed: unchanged.
	again := WithBOM(withBOM)
	assert.Equal(t, withBOM, again)
}

func TestValidateRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []Entry{
		{Start: 0, End: 1500 * time.Millisecond, Text: "hello"},
		{Start: 2 * time.Second, End: 3 * time.Second, Text: "two\nlines"},
	})
	require.NoError(t, err)

	n, err := Validate(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestValidateBOM(t *testing.T) {
	data := WithBOM([]byte("1\n00:00:00,000 --> 00:00:01,000\nhi\n\n"))
	n, err := Validate(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			"index not a number",
			"one\n00:00:00,000 --> 00:00:01,000\nhi\n\n",
			"bad index line",
		},
		{
			"index zero",
			"0\n00:00:00,000 --> 00:00:01,000\nhi\n\n",
			"bad index line",
		},
		{
			"truncated after index",
			"1\n",
			"missing timing line",
		},
		{
			"malformed arrow",
			"1\n00:00:00,000 -> 00:00:01,000\nhi\n\n",
			"bad timing line",
		},
		{
			"malformed timestamp",
			"1\n00:00:00,00 --> 00:00:01,000\nhi\n\n",
			"bad timestamp",
		},
		{
			"minutes out of range",
			"1\n00:61:00,000 --> 00:62:00,000\nhi\n\n",
			"bad timestamp",
		},
		{
			"end precedes start",
			"1\n00:00:02,000 --> 00:00:01,000\nhi\n\n",
			"end precedes start",
		},
		{
			"missing text",
			"1\n00:00:00,000 --> 00:00:01,000\n\n",
			"missing text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateEmpty(t *testing.T) {
	n, err := Validate(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
