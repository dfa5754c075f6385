// Package domain holds the wire-level data model shared by every stage of
// the pipeline: the ingest envelope, the log/class/resource/event records,
// and the errors each transformer can return.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by transformers. The per-partition worker in
// pkg/natsutil does not inspect them; the resource handler in cmd/processor
// treats a *FieldError as a skipped record and returns nil, so it is acked.
var (
	// ErrMalformedEnvelope means the record body or JSON envelope could not
	// be decoded. Recoverable: skip the record, advance the offset.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrOversizeRecord means a serialized record exceeds the topic or
	// embedding-payload cap. Recoverable: skip the record, advance the offset.
	ErrOversizeRecord = errors.New("record exceeds size cap")
	// ErrMissingField means a required field (most often "uid") was absent
	// from the incoming object. Recoverable: skip the record.
	ErrMissingField = errors.New("missing required field")
)

// FieldError wraps a sentinel with the field/record context that produced it.
type FieldError struct {
	Field   string
	Wrapped error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: field %q", e.Wrapped, e.Field)
}

func (e *FieldError) Unwrap() error { return e.Wrapped }

// NewMissingFieldError reports that field was required but absent.
func NewMissingFieldError(field string) *FieldError {
	return &FieldError{Field: field, Wrapped: ErrMissingField}
}

// OversizeError carries the identifying tuple logged with every oversize
// warning.
type OversizeError struct {
	Tenant   string
	Key      string
	RecordID string
	Len      int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("%s: tenant=%s key=%s record_id=%s len=%d", ErrOversizeRecord, e.Tenant, e.Key, e.RecordID, e.Len)
}

func (e *OversizeError) Unwrap() error { return ErrOversizeRecord }
