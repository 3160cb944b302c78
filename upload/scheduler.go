package upload

import (
	"context"
	"errors"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/copperc/uploader/network"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// Scheduler uploads a batch of files with at most Config.Concurrency files in flight.
type Scheduler struct {
	backend  network.Backend
	pipeline network.PipelineRunner
	config   Config
	stats    *Stats
	logger   log.Logger
}

// NewScheduler creates a Scheduler. `pipeline` can be nil, pipeline runs are skipped in that case.
func NewScheduler(backend network.Backend, pipeline network.PipelineRunner, config Config, logger log.Logger) *Scheduler {
	return &Scheduler{
		backend:  backend,
		pipeline: pipeline,
		config:   config,
		stats:    NewStats(),
		logger:   logger,
	}
}

// Stats returns the fragment statistics collected over every batch run by this scheduler.
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// workQueue hands out files strictly in queue order to whichever worker asks first.
type workQueue struct {
	mu    sync.Mutex
	files []QueuedFile
}

func (q *workQueue) next() (QueuedFile, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.files) == 0 {
		return QueuedFile{}, false
	}
	file := q.files[0]
	q.files = q.files[1:]
	return file, true
}

// Run uploads files and reports every outcome to sink. A failed file doesn't stop the batch.
// When ctx is cancelled the workers stop after their in-flight requests unwind, a CancelledEvent
// is applied and ErrCancelled is returned.
func (s *Scheduler) Run(ctx context.Context, files []QueuedFile, sink EventSink) error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	queue := &workQueue{files: append([]QueuedFile(nil), files...)}
	workers := s.config.Concurrency
	if workers > len(files) {
		workers = len(files)
	}
	s.logger.Debugf("Starting %d upload workers for %d files", workers, len(files))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(ctx, id, queue, sink)
		}(i)
	}
	wg.Wait()

	if ctx.Err() != nil {
		sink.Apply(CancelledEvent{})
		return ErrCancelled
	}
	return nil
}

func (s *Scheduler) worker(ctx context.Context, id int, queue *workQueue, sink EventSink) {
	for {
		if ctx.Err() != nil {
			return
		}
		file, ok := queue.next()
		if !ok {
			return
		}

		s.logger.Infof("[worker %d] Uploading %s (%s)", id, file.Name(), units.HumanSizeWithPrecision(float64(file.Size()), 3))
		controller := NewController(s.backend, s.config, s.stats, s.logger)
		uploadID, err := controller.Run(ctx, file, func(uploaded int64) {
			sink.Apply(ProgressEvent{UID: file.UID, UploadedBytes: uploaded})
		})
		if errors.Is(err, ErrCancelled) && ctx.Err() != nil {
			s.logger.Warnf("[worker %d] Upload of %s cancelled", id, file.Name())
			return
		}
		if err != nil {
			s.logger.Errorf("[worker %d] Upload of %s failed: %s", id, file.Name(), err)
			sink.Apply(FailedEvent{UID: file.UID, Err: err})
			continue
		}

		s.logger.Donef("[worker %d] Uploaded %s, upload id: %s", id, file.Name(), uploadID)
		sink.Apply(FinishedEvent{UID: file.UID, UploadID: uploadID})
		s.runPipeline(ctx, file, uploadID)
	}
}

func (s *Scheduler) runPipeline(ctx context.Context, file QueuedFile, uploadID string) {
	if s.pipeline == nil || s.config.PipelineID == "" {
		return
	}

	run := network.PipelineRun{
		PipelineID: s.config.PipelineID,
		JobID:      uuid.NewString(),
		InputName:  s.config.PipelineInput,
		UploadID:   uploadID,
	}
	if err := s.pipeline.RunPipeline(ctx, run); err != nil {
		s.logger.Warnf("Failed to start pipeline %s for %s: %s", run.PipelineID, file.Name(), err)
		return
	}
	s.logger.Infof("Pipeline %s started for %s (job %s)", run.PipelineID, file.Name(), run.JobID)
}
