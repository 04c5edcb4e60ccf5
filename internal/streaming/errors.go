package streaming

import "fmt"

// RollbackRequired signals that the pipeline could not finish uploading and
// the caller (the saga coordinator) must compensate the already-uploaded
// chunks listed here.
type RollbackRequired struct {
	DocumentID       string
	UploadedChunkKeys []string
	Cause            error
}

func (e *RollbackRequired) Error() string {
	return fmt.Sprintf("streaming: rollback required for %s after %d uploaded chunks: %v", e.DocumentID, len(e.UploadedChunkKeys), e.Cause)
}

func (e *RollbackRequired) Unwrap() error { return e.Cause }

// IntegrityCheck names one of the verification steps run after upload.
type IntegrityCheck string

const (
	CheckChunkCount    IntegrityCheck = "chunk_count"
	CheckNativeKeys    IntegrityCheck = "native_keys_listed"
	CheckAggregateHash IntegrityCheck = "aggregate_hash"
	CheckTotalSize     IntegrityCheck = "total_size"
)

// IntegrityError carries which specific post-upload check failed.
type IntegrityError struct {
	DocumentID        string
	Check             IntegrityCheck
	Expected, Actual  any
	UploadedChunkKeys []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("streaming: integrity check %q failed for %s: expected %v, got %v", e.Check, e.DocumentID, e.Expected, e.Actual)
}
