package checkpoint

import "fmt"

// NotFoundError reports a missing checkpoint.
type NotFoundError struct {
	CheckpointID string
	WorkflowID   string
}

func (e *NotFoundError) Error() string {
	if e.CheckpointID != "" {
		return fmt.Sprintf("checkpoint %q not found", e.CheckpointID)
	}
	return fmt.Sprintf("no checkpoint for workflow %q", e.WorkflowID)
}

// ChecksumError reports a checkpoint whose stored checksum does not match
// its data. It is never silently swallowed: a corrupt checkpoint must not
// fall through to a default state.
type ChecksumError struct {
	CheckpointID string
	Expected     string
	Actual       string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checkpoint %q failed checksum validation: stored %s, computed %s",
		e.CheckpointID, e.Expected, e.Actual)
}

// AtomicWriteError reports a failure in the temp-write/sync/rename path.
type AtomicWriteError struct {
	Path string
	Err  error
}

func (e *AtomicWriteError) Error() string {
	return fmt.Sprintf("atomic checkpoint write to %s failed: %v", e.Path, e.Err)
}

func (e *AtomicWriteError) Unwrap() error { return e.Err }
