package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/copperc/uploader/fragment"
	"github.com/copperc/uploader/network"
)

// JobState is the lifecycle state of one file's upload job.
type JobState int

const (
	NotStarted JobState = iota
	JobOpened
	Uploading
	Finishing
	Done
	Failed
	Cancelled
)

func (s JobState) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case JobOpened:
		return "job opened"
	case Uploading:
		return "uploading"
	case Finishing:
		return "finishing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

func (s JobState) terminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

// Controller drives the upload of a single file: start job, upload fragments in order, finish.
// A Controller is used for one file and is not safe for concurrent use.
type Controller struct {
	backend network.Backend
	config  Config
	stats   *Stats
	logger  log.Logger

	state    JobState
	fragment int
	job      *network.Job
}

// NewController ...
func NewController(backend network.Backend, config Config, stats *Stats, logger log.Logger) *Controller {
	if stats == nil {
		stats = NewStats()
	}
	return &Controller{
		backend:  backend,
		config:   config,
		stats:    stats,
		logger:   logger,
		state:    NotStarted,
		fragment: -1,
	}
}

// State returns the current state of the job.
func (c *Controller) State() JobState {
	return c.state
}

// Run uploads file and returns the upload id of the stored blob.
// onProgress receives the cumulative number of uploaded bytes after every fragment.
// Errors caused by ctx being cancelled wrap ErrCancelled, every other error is a *JobError.
func (c *Controller) Run(ctx context.Context, file QueuedFile, onProgress func(uploaded int64)) (string, error) {
	if c.state != NotStarted {
		return "", fmt.Errorf("controller already used, state: %s", c.state)
	}
	if err := ctx.Err(); err != nil {
		return "", c.abort(ctx, err)
	}

	job, err := c.backend.StartUpload(ctx, network.FileInfo{Name: file.Name(), Size: file.Size()})
	if err != nil {
		return "", c.abort(ctx, err)
	}
	c.job = &job
	c.transition(JobOpened)

	maxFragmentSize, err := fragment.MaxFragmentSize(job.RequestBodyLimit, c.config.ReservedHeaderBudget)
	if err != nil {
		return "", c.abort(ctx, err)
	}
	ranges, err := fragment.Ranges(file.Size(), maxFragmentSize)
	if err != nil {
		return "", c.abort(ctx, err)
	}
	c.logger.Debugf("Uploading %s in %d fragments of at most %d bytes (job %s)", file.Name(), len(ranges), maxFragmentSize, job.ID)

	var hasher *fragment.Hasher
	if c.config.Hashing {
		hasher = fragment.NewHasher()
	}

	var uploaded int64
	for _, r := range ranges {
		c.fragment = r.Index
		c.transition(Uploading)

		if err := ctx.Err(); err != nil {
			return "", c.abort(ctx, err)
		}

		data, err := fragment.Read(file.Source, r)
		if err != nil {
			return "", c.abort(ctx, err)
		}

		part := network.Part{Index: r.Index, Data: data}
		if hasher != nil {
			hasher.Write(data)
			part.Hash = hasher.Sum()
		}

		start := time.Now()
		if err := c.backend.UploadPart(ctx, job, part); err != nil {
			return "", c.abort(ctx, err)
		}
		c.stats.Update(time.Since(start), int64(len(data)))

		uploaded += int64(len(data))
		if onProgress != nil {
			onProgress(uploaded)
		}
	}

	c.fragment = -1
	c.transition(Finishing)

	finish := network.Finish{FragmentCount: len(ranges)}
	if hasher != nil {
		finish.Hash = hasher.Sum()
	}
	uploadID, err := c.backend.FinishUpload(ctx, job, finish)
	if err != nil {
		return "", c.abort(ctx, err)
	}

	c.transition(Done)
	return uploadID, nil
}

func (c *Controller) transition(to JobState) {
	if c.state == to && to != Uploading {
		return
	}
	if to == Uploading {
		c.logger.Debugf("Job state: %s -> %s(%d)", c.state, to, c.fragment)
	} else {
		c.logger.Debugf("Job state: %s -> %s", c.state, to)
	}
	c.state = to
}

// abort moves the job into Cancelled or Failed. Only a done ctx counts as a cancel:
// transport timeouts also match context.DeadlineExceeded and are failures.
func (c *Controller) abort(ctx context.Context, err error) error {
	if c.state.terminal() {
		return err
	}
	c.abandon(ctx)

	if ctx.Err() != nil {
		c.transition(Cancelled)
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	jobErr := &JobError{State: c.state, Fragment: c.fragment, Err: err}
	if c.state != Uploading {
		jobErr.Fragment = -1
	}
	c.transition(Failed)
	return jobErr
}

// abandon lets backends that keep per-job state release the opened job.
func (c *Controller) abandon(ctx context.Context) {
	abandoner, ok := c.backend.(network.Abandoner)
	if !ok || c.job == nil {
		return
	}
	if err := abandoner.Abandon(context.WithoutCancel(ctx), *c.job); err != nil {
		c.logger.Warnf("Failed to release upload job %s: %s", c.job.ID, err)
	}
}
