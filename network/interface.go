package network

import (
	"context"
)

// FileInfo describes the blob an upload job is opened for.
type FileInfo struct {
	Name string
	Size int64
}

// Job is a server-side upload context opened for one file.
type Job struct {
	// ID is the server job identifier.
	ID string
	// FileID identifies the file inside a multi-file job (or the object key for S3).
	FileID string
	// RequestBodyLimit is the largest request body the server accepts, in bytes.
	RequestBodyLimit int64
}

// Part is one fragment of a file.
type Part struct {
	Index int
	Data  []byte
	// Hash is the rolling digest of every fragment up to and including this one. Empty when hashing is disabled.
	Hash string
}

// Finish closes a job after its last fragment.
type Finish struct {
	FragmentCount int
	// Hash is the digest of the whole file. Empty when hashing is disabled.
	Hash string
}

// PipelineRun starts downstream processing of an uploaded blob.
type PipelineRun struct {
	PipelineID string
	JobID      string
	InputName  string
	UploadID   string
}

// Backend is the server side of a chunked upload.
type Backend interface {
	StartUpload(ctx context.Context, file FileInfo) (Job, error)
	UploadPart(ctx context.Context, job Job, part Part) error
	// FinishUpload returns the upload id that identifies the stored blob.
	FinishUpload(ctx context.Context, job Job, finish Finish) (string, error)
}

// Abandoner is implemented by backends that hold state for open jobs.
// Abandon is called once when a job ends without FinishUpload succeeding.
type Abandoner interface {
	Abandon(ctx context.Context, job Job) error
}

// PipelineRunner ...
type PipelineRunner interface {
	RunPipeline(ctx context.Context, run PipelineRun) error
}
