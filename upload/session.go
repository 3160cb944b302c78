package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Session ties the upload state to a scheduler and owns the cancellation of the running batch.
type Session struct {
	store     *Store
	scheduler *Scheduler
	logger    log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSession ...
func NewSession(store *Store, scheduler *Scheduler, logger log.Logger) *Session {
	return &Session{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Store returns the state the session uploads from.
func (s *Session) Store() *Store {
	return s.store
}

// Start uploads every queued file and blocks until the batch completes or is cancelled.
// Each batch gets its own cancellation scope; a cancelled batch returns ErrCancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyUploading
	}
	files := s.store.Pending()
	if len(files) == 0 {
		s.mu.Unlock()
		s.logger.Warnf("Upload queue is empty")
		return nil
	}
	batchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.store.setUploading(true)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancel()
		s.cancel = nil
		s.mu.Unlock()
		s.store.setUploading(false)
	}()

	start := time.Now()
	err := s.scheduler.Run(batchCtx, files, s.store)
	s.logSummary(time.Since(start), err)

	return err
}

// Cancel stops the running batch. It is a no-op when nothing is uploading.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.logger.Warnf("Cancelling upload...")
		s.cancel()
	}
}

func (s *Session) logSummary(took time.Duration, err error) {
	snapshot := s.store.Snapshot()
	stats := s.scheduler.Stats().Snapshot()

	s.logger.Println()
	if errors.Is(err, ErrCancelled) {
		s.logger.Warnf("Upload cancelled after %s, %d files left in the queue", took.Round(time.Millisecond), len(snapshot.Queue))
	} else {
		s.logger.Infof("Upload finished in %s", took.Round(time.Millisecond))
	}
	s.logger.Printf("Done: %d (%s)", snapshot.DoneUploads, units.HumanSize(float64(snapshot.DoneSize)))
	if snapshot.FailedUploads > 0 {
		s.logger.Errorf("Failed: %d (%s)", snapshot.FailedUploads, units.HumanSize(float64(snapshot.FailedSize)))
	}
	s.logger.Debugf("Fragments: %d, %s, average %s per request, %s/s", stats.Fragments, units.HumanSize(float64(stats.Bytes)), stats.Average(), units.HumanSize(stats.Throughput()))
}
