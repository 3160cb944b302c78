package upload

import (
	"fmt"
	"sync"

	"github.com/copperc/uploader/fragment"
	"github.com/samber/lo"
)

// Snapshot is a copy of the upload state at one point in time.
type Snapshot struct {
	Queue         []QueuedFile
	DoneSize      int64
	DoneUploads   int
	FailedSize    int64
	FailedUploads int
	IsUploading   bool
}

// QueuedSize is the total size of the files still in the queue.
func (s Snapshot) QueuedSize() int64 {
	return lo.SumBy(s.Queue, func(f QueuedFile) int64 {
		return f.Size()
	})
}

// UploadedBytes is the number of bytes uploaded so far for files still in the queue.
func (s Snapshot) UploadedBytes() int64 {
	return lo.SumBy(s.Queue, func(f QueuedFile) int64 {
		return f.UploadedBytes
	})
}

// Store is the single owner of the upload state. Every mutation coming from a batch
// goes through Apply; a file is either queued, done or failed, never more than one.
type Store struct {
	mu            sync.Mutex
	state         Snapshot
	fileIDCounter int64

	notifyMu  sync.Mutex
	observers []func(Snapshot)
}

// NewStore ...
func NewStore() *Store {
	return &Store{}
}

// Add queues a file and assigns it the next uid.
func (s *Store) Add(src fragment.Source) QueuedFile {
	s.mu.Lock()
	file := QueuedFile{UID: s.fileIDCounter, Source: src}
	s.fileIDCounter++
	s.state.Queue = append(s.state.Queue, file)
	s.mu.Unlock()

	s.notify()
	return file
}

// Remove drops a pending file from the queue. Files can't be removed while a batch is running.
func (s *Store) Remove(uid int64) error {
	s.mu.Lock()
	if s.state.IsUploading {
		s.mu.Unlock()
		return ErrAlreadyUploading
	}
	if _, ok := s.dequeue(uid); !ok {
		s.mu.Unlock()
		return fmt.Errorf("file %d is not queued", uid)
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// Pending returns the queued files in queue order.
func (s *Store) Pending() []QueuedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedFile(nil), s.state.Queue...)
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state
	snapshot.Queue = append([]QueuedFile(nil), s.state.Queue...)
	return snapshot
}

// Subscribe registers fn to be called with a fresh snapshot after every mutation.
// Calls are serialized; fn may read the store but must not block for long.
func (s *Store) Subscribe(fn func(Snapshot)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Apply mutates the state according to a batch event.
func (s *Store) Apply(ev Event) {
	s.mu.Lock()
	changed := s.apply(ev)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Store) apply(ev Event) bool {
	switch e := ev.(type) {
	case ProgressEvent:
		idx := s.indexOf(e.UID)
		if idx < 0 || e.UploadedBytes <= s.state.Queue[idx].UploadedBytes {
			return false
		}
		s.state.Queue[idx].UploadedBytes = e.UploadedBytes
		return true
	case FinishedEvent:
		file, ok := s.dequeue(e.UID)
		if !ok {
			return false
		}
		s.state.DoneSize += file.Size()
		s.state.DoneUploads++
		return true
	case FailedEvent:
		file, ok := s.dequeue(e.UID)
		if !ok {
			return false
		}
		s.state.FailedSize += file.Size()
		s.state.FailedUploads++
		return true
	case CancelledEvent:
		for i := range s.state.Queue {
			s.state.Queue[i].UploadedBytes = 0
		}
		s.state.IsUploading = false
		return true
	default:
		return false
	}
}

// setUploading flips the uploading flag and reports whether it changed.
func (s *Store) setUploading(uploading bool) bool {
	s.mu.Lock()
	if s.state.IsUploading == uploading {
		s.mu.Unlock()
		return false
	}
	s.state.IsUploading = uploading
	s.mu.Unlock()

	s.notify()
	return true
}

func (s *Store) indexOf(uid int64) int {
	_, idx, ok := lo.FindIndexOf(s.state.Queue, func(f QueuedFile) bool {
		return f.UID == uid
	})
	if !ok {
		return -1
	}
	return idx
}

func (s *Store) dequeue(uid int64) (QueuedFile, bool) {
	idx := s.indexOf(uid)
	if idx < 0 {
		return QueuedFile{}, false
	}
	file := s.state.Queue[idx]
	s.state.Queue = append(s.state.Queue[:idx], s.state.Queue[idx+1:]...)
	return file, true
}

func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	if len(s.observers) == 0 {
		return
	}
	snapshot := s.Snapshot()
	for _, fn := range s.observers {
		fn(snapshot)
	}
}
