package training

import "fmt"

// InstanceNotReadyError means the job's target instance is absent, not yet
// running, or has no published SSH endpoint. Jobs fail fast on it.
type InstanceNotReadyError struct {
	InstanceID int64
	Reason     string
}

func (e *InstanceNotReadyError) Error() string {
	return fmt.Sprintf("instance %d not ready: %s", e.InstanceID, e.Reason)
}

// ArtifactTransferError means the trained artifact could not be verified,
// encoded, transferred, or stored. The remote copy is left in place for
// manual recovery.
type ArtifactTransferError struct {
	Op  string
	Err error
}

func (e *ArtifactTransferError) Error() string {
	return fmt.Sprintf("artifact transfer failed during %s: %v", e.Op, e.Err)
}

func (e *ArtifactTransferError) Unwrap() error {
	return e.Err
}
