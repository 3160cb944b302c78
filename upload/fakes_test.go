package upload

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/copperc/uploader/network"
)

type fakeBackend struct {
	mu sync.Mutex

	limit     int64
	nextJobID int
	jobNames  map[string]string
	started   []string
	parts     map[string][]network.Part
	finishes  map[string]network.Finish

	failStart  map[string]bool
	failPart   map[string]int
	failFinish map[string]bool
	partErr    map[string]error
	onPart     func(name string, index int)
	abandoned  []string
}

func newFakeBackend(limit int64) *fakeBackend {
	return &fakeBackend{
		limit:      limit,
		jobNames:   map[string]string{},
		parts:      map[string][]network.Part{},
		finishes:   map[string]network.Finish{},
		failStart:  map[string]bool{},
		failPart:   map[string]int{},
		failFinish: map[string]bool{},
		partErr:    map[string]error{},
	}
}

func (b *fakeBackend) StartUpload(ctx context.Context, file network.FileInfo) (network.Job, error) {
	if err := ctx.Err(); err != nil {
		return network.Job{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.started = append(b.started, file.Name)
	if b.failStart[file.Name] {
		return network.Job{}, &network.HTTPError{StatusCode: http.StatusServiceUnavailable, Body: "unavailable"}
	}

	b.nextJobID++
	id := fmt.Sprintf("job-%d", b.nextJobID)
	b.jobNames[id] = file.Name
	return network.Job{ID: id, RequestBodyLimit: b.limit}, nil
}

func (b *fakeBackend) UploadPart(ctx context.Context, job network.Job, part network.Part) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	name := b.jobNames[job.ID]
	if idx, ok := b.failPart[name]; ok && idx == part.Index {
		b.mu.Unlock()
		return &network.HTTPError{StatusCode: http.StatusInternalServerError, Body: "boom"}
	}
	if err := b.partErr[name]; err != nil {
		b.mu.Unlock()
		return err
	}
	data := append([]byte(nil), part.Data...)
	b.parts[name] = append(b.parts[name], network.Part{Index: part.Index, Data: data, Hash: part.Hash})
	hook := b.onPart
	b.mu.Unlock()

	if hook != nil {
		hook(name, part.Index)
	}
	return nil
}

func (b *fakeBackend) FinishUpload(ctx context.Context, job network.Job, finish network.Finish) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	name := b.jobNames[job.ID]
	if b.failFinish[name] {
		return "", &network.HTTPError{StatusCode: http.StatusBadRequest, Body: "hash mismatch"}
	}
	if _, ok := b.finishes[name]; ok {
		return "", fmt.Errorf("finish called twice for %s", name)
	}
	b.finishes[name] = finish
	return "upload-" + job.ID, nil
}

func (b *fakeBackend) Abandon(_ context.Context, job network.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abandoned = append(b.abandoned, b.jobNames[job.ID])
	return nil
}

func (b *fakeBackend) abandonedNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.abandoned...)
}

func (b *fakeBackend) partsOf(name string) []network.Part {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]network.Part(nil), b.parts[name]...)
}

func (b *fakeBackend) finishOf(name string) (network.Finish, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.finishes[name]
	return f, ok
}

func (b *fakeBackend) startedNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.started...)
}

// timeoutError behaves like the net package's i/o timeout: it matches context.DeadlineExceeded.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
func (timeoutError) Is(err error) bool {
	return err == context.DeadlineExceeded
}

func dialTimeout() error {
	return &url.Error{
		Op:  "Post",
		URL: "http://10.255.255.1/storage/upload/job-1/part",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: timeoutError{}},
	}
}

type fakePipelineRunner struct {
	mu   sync.Mutex
	runs []network.PipelineRun
	err  error
}

func (r *fakePipelineRunner) RunPipeline(_ context.Context, run network.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return r.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Apply(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}
