package upload

import (
	"errors"
	"testing"

	"github.com/copperc/uploader/fragment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AddAssignsUniqueIDs(t *testing.T) {
	store := NewStore()
	a := store.Add(fragment.NewBytesSource("a", []byte("aaaa")))
	b := store.Add(fragment.NewBytesSource("b", []byte("bb")))

	assert.Equal(t, int64(0), a.UID)
	assert.Equal(t, int64(1), b.UID)

	snapshot := store.Snapshot()
	require.Len(t, snapshot.Queue, 2)
	assert.Equal(t, int64(6), snapshot.QueuedSize())
	assert.Equal(t, int64(0), snapshot.UploadedBytes())

	require.NoError(t, store.Remove(a.UID))
	c := store.Add(fragment.NewBytesSource("c", nil))
	assert.Equal(t, int64(2), c.UID, "uids are never reused")
	assert.Error(t, store.Remove(a.UID))
}

func TestStore_ProgressIsMonotonic(t *testing.T) {
	store := NewStore()
	f := store.Add(fragment.NewBytesSource("a", make([]byte, 100)))

	store.Apply(ProgressEvent{UID: f.UID, UploadedBytes: 40})
	store.Apply(ProgressEvent{UID: f.UID, UploadedBytes: 20})
	assert.Equal(t, int64(40), store.Snapshot().Queue[0].UploadedBytes)

	store.Apply(ProgressEvent{UID: f.UID, UploadedBytes: 60})
	assert.Equal(t, int64(60), store.Snapshot().Queue[0].UploadedBytes)

	// unknown uid
	store.Apply(ProgressEvent{UID: 99, UploadedBytes: 1})
	assert.Len(t, store.Snapshot().Queue, 1)
}

func TestStore_FileCountedInExactlyOneBucket(t *testing.T) {
	store := NewStore()
	a := store.Add(fragment.NewBytesSource("a", make([]byte, 10)))
	b := store.Add(fragment.NewBytesSource("b", make([]byte, 7)))

	store.Apply(ProgressEvent{UID: b.UID, UploadedBytes: 3})
	store.Apply(FinishedEvent{UID: a.UID, UploadID: "u1"})
	store.Apply(FailedEvent{UID: b.UID, Err: errors.New("boom")})

	// late events for files that already left the queue change nothing
	store.Apply(FinishedEvent{UID: b.UID})
	store.Apply(FailedEvent{UID: a.UID})
	store.Apply(ProgressEvent{UID: a.UID, UploadedBytes: 10})

	snapshot := store.Snapshot()
	assert.Empty(t, snapshot.Queue)
	assert.Equal(t, 1, snapshot.DoneUploads)
	assert.Equal(t, int64(10), snapshot.DoneSize)
	assert.Equal(t, 1, snapshot.FailedUploads)
	assert.Equal(t, int64(7), snapshot.FailedSize, "failed size counts the whole file")
}

func TestStore_CancelResetsProgress(t *testing.T) {
	store := NewStore()
	a := store.Add(fragment.NewBytesSource("a", make([]byte, 10)))
	b := store.Add(fragment.NewBytesSource("b", make([]byte, 10)))
	require.True(t, store.setUploading(true))
	assert.False(t, store.setUploading(true))

	store.Apply(ProgressEvent{UID: a.UID, UploadedBytes: 5})
	store.Apply(ProgressEvent{UID: b.UID, UploadedBytes: 2})
	store.Apply(CancelledEvent{})

	snapshot := store.Snapshot()
	assert.False(t, snapshot.IsUploading)
	require.Len(t, snapshot.Queue, 2)
	for _, f := range snapshot.Queue {
		assert.Equal(t, int64(0), f.UploadedBytes)
	}
}

func TestStore_RemoveRefusedWhileUploading(t *testing.T) {
	store := NewStore()
	a := store.Add(fragment.NewBytesSource("a", nil))
	store.setUploading(true)

	assert.ErrorIs(t, store.Remove(a.UID), ErrAlreadyUploading)
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	store := NewStore()
	store.Add(fragment.NewBytesSource("a", make([]byte, 4)))

	snapshot := store.Snapshot()
	snapshot.Queue[0].UploadedBytes = 4

	assert.Equal(t, int64(0), store.Snapshot().Queue[0].UploadedBytes)
}

func TestStore_Subscribe(t *testing.T) {
	store := NewStore()
	var seen []Snapshot
	store.Subscribe(func(s Snapshot) {
		seen = append(seen, s)
	})

	f := store.Add(fragment.NewBytesSource("a", make([]byte, 4)))
	store.Apply(ProgressEvent{UID: f.UID, UploadedBytes: 2})
	store.Apply(ProgressEvent{UID: f.UID, UploadedBytes: 1}) // ignored, no notification
	store.Apply(FinishedEvent{UID: f.UID})

	require.Len(t, seen, 3)
	assert.Equal(t, int64(2), seen[1].Queue[0].UploadedBytes)
	assert.Equal(t, 1, seen[2].DoneUploads)
}
