// SPDX-License-Identifier: MIT

package log

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigureSecondCallIgnored(t *testing.T) {
	buf := captureBase(t)
	buf.Reset()

	// A repeated Configure must not replace the active logger.
	Configure(Config{Output: io.Discard, Service: "other"})

	Base().Info().Msg("still captured")
	if buf.Len() == 0 {
		t.Error("second Configure call replaced the logger")
	}
}

func TestSetLevel(t *testing.T) {
	Configure(Config{})
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	tests := []struct {
		name  string
		level string
		want  zerolog.Level
	}{
		{name: "debug", level: "debug", want: zerolog.DebugLevel},
		{name: "warn", level: "warn", want: zerolog.WarnLevel},
		{name: "mixed case", level: "ERROR", want: zerolog.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.level)
			if got := zerolog.GlobalLevel(); got != tt.want {
				t.Errorf("GlobalLevel() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("unknown level ignored", func(t *testing.T) {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		SetLevel("bogus")
		if got := zerolog.GlobalLevel(); got != zerolog.WarnLevel {
			t.Errorf("GlobalLevel() = %v, want warn after rejected level", got)
		}
	})
}

func TestSetLevelFiltersOutput(t *testing.T) {
	buf := captureBase(t)

	SetLevel("warn")
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	Base().Info().Msg("suppressed")
	if buf.Len() != 0 {
		t.Errorf("info entry written despite warn level: %q", buf.String())
	}

	Base().Warn().Msg("emitted")
	if buf.Len() == 0 {
		t.Error("warn entry missing at warn level")
	}
}

func TestWithComponent(t *testing.T) {
	buf := captureBase(t)

	WithComponent("queue").Info().Msg("component field")

	entry := decodeEntry(t, buf)
	if entry["component"] != "queue" {
		t.Errorf("component = %v, want queue", entry["component"])
	}
}
