// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by job, batch and engine spans.
const (
	JobIDKey   = "job.id"
	JobTypeKey = "job.type"

	BatchIDKey    = "batch.id"
	BatchItemsKey = "batch.items"

	EngineNameKey = "engine.name"
	EngineBinKey  = "engine.bin"

	ErrorCodeKey = "error.code"
)

// JobAttributes identifies a job span.
func JobAttributes(id, jobType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, id),
		attribute.String(JobTypeKey, jobType),
	}
}

// BatchAttributes identifies a batch span.
func BatchAttributes(id string, items int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(BatchIDKey, id),
		attribute.Int(BatchItemsKey, items),
	}
}

// EngineAttributes identifies an engine invocation span.
func EngineAttributes(name, bin string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(EngineNameKey, name),
		attribute.String(EngineBinKey, bin),
	}
}

// ErrorCode tags a span with the taxonomy code of a failed task.
func ErrorCode(code string) attribute.KeyValue {
	return attribute.String(ErrorCodeKey, code)
}
