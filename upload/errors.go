package upload

import (
	"errors"
	"fmt"
)

// ErrCancelled marks errors caused by the batch being cancelled. It is never reported as a failure.
var ErrCancelled = errors.New("upload cancelled")

// ErrAlreadyUploading is returned when the queue is modified or restarted during a batch.
var ErrAlreadyUploading = errors.New("upload already in progress")

// JobError is a failure of one file's upload job.
type JobError struct {
	// State is the state the job was in when it failed.
	State JobState
	// Fragment is the index of the fragment being uploaded, -1 outside of the Uploading state.
	Fragment int
	Err      error
}

func (e *JobError) Error() string {
	if e.State == Uploading {
		return fmt.Sprintf("%s fragment %d: %s", e.State, e.Fragment, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
