package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docval/docval/internal/queue"
	"github.com/docval/docval/internal/store"
	"github.com/docval/docval/pkg/models"
)

type fakeStore struct {
	mu             sync.Mutex
	markRunningErr error
	running        []uuid.UUID
	completed      map[uuid.UUID]string
	failed         map[uuid.UUID]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		completed: make(map[uuid.UUID]string),
		failed:    make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) MarkReportRunning(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markRunningErr != nil {
		return s.markRunningErr
	}
	s.running = append(s.running, id)
	return nil
}

func (s *fakeStore) CompleteReport(_ context.Context, id uuid.UUID, resultRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = resultRef
	return nil
}

func (s *fakeStore) FailReport(_ context.Context, id uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = errMsg
	return nil
}

type memCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
}

func newMemCache() *memCache {
	return &memCache{statuses: make(map[uuid.UUID]string)}
}

func (c *memCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *memCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *memCache) Delete(context.Context, string) error                     { return nil }
func (c *memCache) Ping(context.Context) error                               { return nil }
func (c *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

func (c *memCache) SetReportStatus(_ context.Context, id uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = status
	return nil
}

func (c *memCache) GetReportStatus(_ context.Context, id uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[id]
	return s, ok, nil
}

type funcProcessor func(ctx context.Context, task queue.Task) (string, error)

func (f funcProcessor) Process(ctx context.Context, task queue.Task) (string, error) {
	return f(ctx, task)
}

type chanQueue struct {
	tasks chan queue.Task
}

func (q *chanQueue) Dequeue(ctx context.Context, timeout time.Duration) (queue.Task, bool, error) {
	select {
	case task := <-q.tasks:
		return task, true, nil
	case <-time.After(timeout):
		return queue.Task{}, false, nil
	case <-ctx.Done():
		return queue.Task{}, false, ctx.Err()
	}
}

func TestRunner_SuccessfulTask(t *testing.T) {
	st := newFakeStore()
	c := newMemCache()
	proc := funcProcessor(func(_ context.Context, task queue.Task) (string, error) {
		return "reports/" + task.ReportID.String() + ".json", nil
	})
	r := NewRunner(nil, st, c, proc, 1, time.Second)

	task := queue.Task{ReportID: uuid.New(), OwnerID: uuid.New(), InputRef: "uploads/doc.pdf"}
	r.handle(context.Background(), task)

	if len(st.running) != 1 || st.running[0] != task.ReportID {
		t.Errorf("expected report marked running, got %v", st.running)
	}
	want := "reports/" + task.ReportID.String() + ".json"
	if st.completed[task.ReportID] != want {
		t.Errorf("expected completion with %q, got %q", want, st.completed[task.ReportID])
	}
	if status, _, _ := c.GetReportStatus(context.Background(), task.ReportID); status != models.ReportStatusSucceeded {
		t.Errorf("expected cached status succeeded, got %q", status)
	}
}

func TestRunner_FailedTask(t *testing.T) {
	st := newFakeStore()
	c := newMemCache()
	proc := funcProcessor(func(context.Context, queue.Task) (string, error) {
		return "", errors.New("provider unavailable")
	})
	r := NewRunner(nil, st, c, proc, 1, time.Second)

	task := queue.Task{ReportID: uuid.New(), OwnerID: uuid.New(), InputRef: "uploads/doc.pdf"}
	r.handle(context.Background(), task)

	if st.failed[task.ReportID] != "provider unavailable" {
		t.Errorf("expected failure recorded, got %q", st.failed[task.ReportID])
	}
	if _, ok := st.completed[task.ReportID]; ok {
		t.Error("failed task must not be completed")
	}
	if status, _, _ := c.GetReportStatus(context.Background(), task.ReportID); status != models.ReportStatusFailed {
		t.Errorf("expected cached status failed, got %q", status)
	}
}

func TestRunner_PanicIsRecovered(t *testing.T) {
	st := newFakeStore()
	proc := funcProcessor(func(context.Context, queue.Task) (string, error) {
		panic("corrupt document")
	})
	r := NewRunner(nil, st, newMemCache(), proc, 1, time.Second)

	task := queue.Task{ReportID: uuid.New(), OwnerID: uuid.New(), InputRef: "uploads/doc.pdf"}
	r.handle(context.Background(), task)

	if msg := st.failed[task.ReportID]; !strings.Contains(msg, "processing panic") {
		t.Errorf("expected panic recorded as failure, got %q", msg)
	}
}

func TestRunner_SkipsCachedTerminalStatus(t *testing.T) {
	st := newFakeStore()
	c := newMemCache()
	task := queue.Task{ReportID: uuid.New(), OwnerID: uuid.New(), InputRef: "uploads/doc.pdf"}
	_ = c.SetReportStatus(context.Background(), task.ReportID, models.ReportStatusSucceeded, 0)

	called := false
	proc := funcProcessor(func(context.Context, queue.Task) (string, error) {
		called = true
		return "", nil
	})
	r := NewRunner(nil, st, c, proc, 1, time.Second)
	r.handle(context.Background(), task)

	if called {
		t.Error("finished report must not be reprocessed")
	}
	if len(st.running) != 0 {
		t.Error("finished report must not be marked running again")
	}
}

func TestRunner_UnknownReportIsDropped(t *testing.T) {
	st := newFakeStore()
	st.markRunningErr = store.ErrNotFound

	called := false
	proc := funcProcessor(func(context.Context, queue.Task) (string, error) {
		called = true
		return "", nil
	})
	r := NewRunner(nil, st, newMemCache(), proc, 1, time.Second)
	r.handle(context.Background(), queue.Task{ReportID: uuid.New(), OwnerID: uuid.New()})

	if called {
		t.Error("unknown report must not be processed")
	}
}

func TestRunner_RunConsumesQueue(t *testing.T) {
	st := newFakeStore()
	q := &chanQueue{tasks: make(chan queue.Task, 2)}
	task1 := queue.Task{ReportID: uuid.New(), OwnerID: uuid.New(), InputRef: "uploads/a.pdf"}
	task2 := queue.Task{ReportID: uuid.New(), OwnerID: uuid.New(), InputRef: "uploads/b.pdf"}
	q.tasks <- task1
	q.tasks <- task2

	done := make(chan struct{}, 2)
	proc := funcProcessor(func(_ context.Context, task queue.Task) (string, error) {
		done <- struct{}{}
		return "reports/" + task.ReportID.String() + ".json", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(q, st, newMemCache(), proc, 2, 50*time.Millisecond)

	finished := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(finished)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for tasks to be processed")
		}
	}
	cancel()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runner to stop")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.completed) != 2 {
		t.Errorf("expected 2 completed reports, got %d", len(st.completed))
	}
}
