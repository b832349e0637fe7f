package upload

import (
	"errors"
	"fmt"
)

var (
	ErrAborted        = errors.New("upload aborted")
	ErrInterrupted    = errors.New("upload interrupted")
	ErrAlreadyStarted = errors.New("uploader has already been started")
	ErrPlanMismatch   = errors.New("session does not match the local part plan")
	ErrEmptyTarget    = errors.New("nothing to upload: target is empty")

	// ErrSessionGone is wrapped by a resume that found the session aborted
	// or unknown to the backend. Nothing of it can be reused.
	ErrSessionGone = errors.New("session no longer exists")

	// errStopped is returned by a worker that gave up waiting because the
	// upload was stopped. It never escapes the package.
	errStopped = errors.New("worker stopped")
)

// InitializationError reports that no session could be opened or resolved.
type InitializationError struct {
	Name string
	Err  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize upload of %q: %v", e.Name, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// PartUploadError reports a part that failed on every attempt.
type PartUploadError struct {
	Part     int
	Attempts int
	Err      error
}

func (e *PartUploadError) Error() string {
	return fmt.Sprintf("part %d failed after %d attempts: %v", e.Part, e.Attempts, e.Err)
}

func (e *PartUploadError) Unwrap() error {
	return e.Err
}

// FinalizeError reports that the backend rejected the manifest. The session
// is left in place so the upload can be resumed.
type FinalizeError struct {
	UploadID string
	Err      error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize upload %s: %v", e.UploadID, e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}

// AbortError reports a failed best-effort abort.
type AbortError struct {
	UploadID string
	Err      error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("abort upload %s: %v", e.UploadID, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}
