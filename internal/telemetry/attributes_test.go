// SPDX-License-Identifier: MIT
package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestJobAttributes(t *testing.T) {
	attrs := JobAttributes("2f6c7c1e", "asr-demucs")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, JobIDKey, "2f6c7c1e")
	verifyAttribute(t, attrs, JobTypeKey, "asr-demucs")
}

func TestBatchAttributes(t *testing.T) {
	attrs := BatchAttributes("b-9000", 7)

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, BatchIDKey, "b-9000")
	verifyIntAttribute(t, attrs, BatchItemsKey, 7)
}

func TestEngineAttributes(t *testing.T) {
	attrs := EngineAttributes("transcode", "ffmpeg")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, EngineNameKey, "transcode")
	verifyAttribute(t, attrs, EngineBinKey, "ffmpeg")
}

func TestErrorCode(t *testing.T) {
	attr := ErrorCode("bad_audio")

	if string(attr.Key) != ErrorCodeKey {
		t.Errorf("Expected key %s, got %s", ErrorCodeKey, attr.Key)
	}
	if attr.Value.AsString() != "bad_audio" {
		t.Errorf("Expected bad_audio, got %s", attr.Value.AsString())
	}
}

// Helper functions for attribute verification

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("Expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}
