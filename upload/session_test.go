package upload

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/copperc/uploader/fragment"
	"github.com/copperc/uploader/network"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(backend *fakeBackend, pipeline network.PipelineRunner, config Config) *Session {
	scheduler := NewScheduler(backend, pipeline, config, log.NewLogger())
	return NewSession(NewStore(), scheduler, log.NewLogger())
}

func TestSession_TwoFilesInParallel(t *testing.T) {
	backend := newFakeBackend(2*units.MiB + 16*units.KiB)
	session := newTestSession(backend, nil, DefaultConfig())
	store := session.Store()

	store.Add(fragment.NewBytesSource("fileA", make([]byte, 10*units.MiB)))
	store.Add(fragment.NewBytesSource("fileB", make([]byte, 5*units.MiB)))

	require.NoError(t, session.Start(context.Background()))

	assert.Len(t, backend.partsOf("fileA"), 5)
	assert.Len(t, backend.partsOf("fileB"), 3)
	for _, name := range []string{"fileA", "fileB"} {
		var sum int
		for _, p := range backend.partsOf(name) {
			assert.LessOrEqual(t, len(p.Data), 2*units.MiB)
			sum += len(p.Data)
		}
		finish, ok := backend.finishOf(name)
		require.True(t, ok)
		assert.Equal(t, len(backend.partsOf(name)), finish.FragmentCount)
		if name == "fileA" {
			assert.Equal(t, 10*units.MiB, sum)
		} else {
			assert.Equal(t, 5*units.MiB, sum)
		}
	}

	snapshot := store.Snapshot()
	assert.Empty(t, snapshot.Queue)
	assert.Equal(t, 2, snapshot.DoneUploads)
	assert.Equal(t, int64(15*units.MiB), snapshot.DoneSize)
	assert.Equal(t, 0, snapshot.FailedUploads)
	assert.False(t, snapshot.IsUploading)
}

func TestSession_FailedFileDoesNotStopBatch(t *testing.T) {
	backend := newFakeBackend(testReserved + 10)
	backend.failPart["b"] = 2
	config := testConfig()
	config.Concurrency = 1
	session := newTestSession(backend, nil, config)
	store := session.Store()

	store.Add(fragment.NewBytesSource("a", make([]byte, 25)))
	store.Add(fragment.NewBytesSource("b", make([]byte, 35)))
	store.Add(fragment.NewBytesSource("c", make([]byte, 5)))

	require.NoError(t, session.Start(context.Background()))

	snapshot := store.Snapshot()
	assert.Empty(t, snapshot.Queue)
	assert.Equal(t, 2, snapshot.DoneUploads)
	assert.Equal(t, int64(30), snapshot.DoneSize)
	assert.Equal(t, 1, snapshot.FailedUploads)
	assert.Equal(t, int64(35), snapshot.FailedSize, "failed size is the whole file despite partial progress")

	_, finished := backend.finishOf("b")
	assert.False(t, finished)
	assert.Equal(t, []string{"a", "b", "c"}, backend.startedNames(), "files are served in queue order")
}

func TestSession_TransportErrorsAreFailures(t *testing.T) {
	backend := newFakeBackend(testReserved + 10)
	backend.partErr["a"] = dialTimeout()
	backend.partErr["b"] = errors.New("connection reset by peer")
	config := testConfig()
	config.Concurrency = 1
	session := newTestSession(backend, nil, config)
	store := session.Store()

	store.Add(fragment.NewBytesSource("a", make([]byte, 25)))
	store.Add(fragment.NewBytesSource("b", make([]byte, 25)))
	store.Add(fragment.NewBytesSource("c", make([]byte, 15)))

	require.NoError(t, session.Start(context.Background()))

	snapshot := store.Snapshot()
	assert.Empty(t, snapshot.Queue)
	assert.Equal(t, 2, snapshot.FailedUploads)
	assert.Equal(t, int64(50), snapshot.FailedSize)
	assert.Equal(t, 1, snapshot.DoneUploads)
	assert.Equal(t, int64(15), snapshot.DoneSize)
	assert.Equal(t, []string{"a", "b", "c"}, backend.startedNames(), "later files still upload")
	assert.Len(t, backend.partsOf("c"), 2)
}

func TestSession_CancelAfterSecondFragment(t *testing.T) {
	backend := newFakeBackend(testReserved + 10)
	config := testConfig()
	config.Concurrency = 1
	session := newTestSession(backend, nil, config)
	store := session.Store()

	store.Add(fragment.NewBytesSource("fileA", make([]byte, 50)))
	fileB := store.Add(fragment.NewBytesSource("fileB", make([]byte, 20)))

	var progressSeen int64
	store.Subscribe(func(s Snapshot) {
		for _, f := range s.Queue {
			if f.Name() == "fileA" && f.UploadedBytes > progressSeen {
				progressSeen = f.UploadedBytes
			}
		}
	})
	backend.onPart = func(name string, index int) {
		if name == "fileA" && index == 1 {
			session.Cancel()
		}
	}

	err := session.Start(context.Background())
	require.ErrorIs(t, err, ErrCancelled)

	snapshot := store.Snapshot()
	require.Len(t, snapshot.Queue, 2)
	assert.Equal(t, int64(20), progressSeen, "fileA progressed through two fragments before the cancel")
	assert.Equal(t, int64(0), snapshot.Queue[0].UploadedBytes)
	assert.Equal(t, fileB, snapshot.Queue[1])
	assert.False(t, snapshot.IsUploading)
	assert.Equal(t, 0, snapshot.DoneUploads)
	assert.Equal(t, 0, snapshot.FailedUploads)
	assert.Equal(t, []string{"fileA"}, backend.startedNames())

	// a new batch starts fresh jobs
	backend.onPart = nil
	require.NoError(t, session.Start(context.Background()))
	assert.Equal(t, 2, store.Snapshot().DoneUploads)
	assert.Equal(t, []string{"fileA", "fileA", "fileB"}, backend.startedNames())
}

func TestSession_StartWhileUploading(t *testing.T) {
	backend := newFakeBackend(testReserved + 10)
	session := newTestSession(backend, nil, testConfig())
	store := session.Store()
	store.Add(fragment.NewBytesSource("a", make([]byte, 30)))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	backend.onPart = func(name string, index int) {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Start(context.Background())
	}()

	<-entered
	assert.True(t, store.Snapshot().IsUploading)
	assert.ErrorIs(t, session.Start(context.Background()), ErrAlreadyUploading)
	assert.ErrorIs(t, store.Remove(0), ErrAlreadyUploading)

	session.Cancel()
	close(release)
	assert.ErrorIs(t, <-done, ErrCancelled)
	assert.False(t, store.Snapshot().IsUploading)
}

func TestSession_EmptyQueue(t *testing.T) {
	backend := newFakeBackend(testReserved + 10)
	session := newTestSession(backend, nil, testConfig())

	require.NoError(t, session.Start(context.Background()))
	assert.Empty(t, backend.startedNames())
	session.Cancel() // no-op when idle
}

func TestSession_PipelineRunAfterFinish(t *testing.T) {
	backend := newFakeBackend(testReserved + 10)
	pipeline := &fakePipelineRunner{err: errors.New("pipeline busy")}
	config := testConfig()
	config.PipelineID = "ingest"
	session := newTestSession(backend, pipeline, config)
	store := session.Store()
	store.Add(fragment.NewBytesSource("a", make([]byte, 12)))
	store.Add(fragment.NewBytesSource("b", make([]byte, 3)))

	require.NoError(t, session.Start(context.Background()))

	require.Len(t, pipeline.runs, 2)
	var uploadIDs []string
	for _, run := range pipeline.runs {
		assert.Equal(t, "ingest", run.PipelineID)
		assert.Equal(t, DefaultPipelineInput, run.InputName)
		assert.NotEmpty(t, run.JobID)
		uploadIDs = append(uploadIDs, run.UploadID)
	}
	assert.ElementsMatch(t, []string{"upload-job-1", "upload-job-2"}, uploadIDs)
	assert.Equal(t, 2, store.Snapshot().DoneUploads, "a failing pipeline run doesn't fail the upload")
}
