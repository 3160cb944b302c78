// Package upload runs chunked uploads of a queue of files with bounded concurrency,
// tracking progress and done/failed bookkeeping in a single observable store.
package upload

import (
	"github.com/copperc/uploader/fragment"
)

// QueuedFile is a file waiting in the upload queue.
type QueuedFile struct {
	// UID is unique per session.
	UID    int64
	Source fragment.Source
	// UploadedBytes only grows while the file is queued; a cancelled batch resets it to 0.
	UploadedBytes int64
}

// Name ...
func (f QueuedFile) Name() string {
	return f.Source.Name()
}

// Size ...
func (f QueuedFile) Size() int64 {
	return f.Source.Size()
}

// Event is a mutation of the upload state, emitted by the scheduler.
type Event interface {
	event()
}

// ProgressEvent reports the cumulative number of bytes uploaded for a file.
type ProgressEvent struct {
	UID           int64
	UploadedBytes int64
}

// FinishedEvent reports a file whose finish call succeeded.
type FinishedEvent struct {
	UID      int64
	UploadID string
}

// FailedEvent reports a file that hit a non-cancellation error.
type FailedEvent struct {
	UID int64
	Err error
}

// CancelledEvent reports that the batch was cancelled.
type CancelledEvent struct{}

func (ProgressEvent) event()  {}
func (FinishedEvent) event()  {}
func (FailedEvent) event()    {}
func (CancelledEvent) event() {}

// EventSink receives the events of a batch.
type EventSink interface {
	Apply(Event)
}
