package task

import (
	"context"
	"testing"
	"time"

	"github.com/basket/chaperone/internal/concurrency"
	"github.com/basket/chaperone/internal/pubsub"
)

// fakeStore is an in-memory stand-in for the pub/sub client's keyed store.
type fakeStore struct {
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(ctx context.Context, key string) (string, error) {
	v, ok := f.data[key]
	if !ok {
		return "", pubsub.ErrMissingKey
	}
	return v, nil
}

func (f *fakeStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.data[key] = value
	return nil
}

func newTask(id string) Task {
	return Task{
		ID:             id,
		Channel:        "c1",
		Thread:         "t1",
		User:           "u1",
		Prompt:         "do something",
		RepositoryURL:  "https://example.com/o/r",
		Status:         StatusPending,
		IdempotencyKey: id,
	}
}

func TestSubmitTransitionsToStartingWithoutConcurrencyController(t *testing.T) {
	m := New(newFakeStore(), nil, nil)
	id, err := m.Submit(context.Background(), newTask("task-1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "task-1" {
		t.Fatalf("Submit() id = %q, want task-1", id)
	}

	status, err := m.GetStatus(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status != StatusStarting {
		t.Fatalf("GetStatus() = %q, want starting", status)
	}
}

func TestSubmitIsIdempotentOnRepeatedKey(t *testing.T) {
	m := New(newFakeStore(), nil, nil)
	ctx := context.Background()

	first, err := m.Submit(ctx, newTask("task-1"))
	if err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	dup := newTask("task-2")
	dup.IdempotencyKey = "task-1" // same idempotency key as first
	second, err := m.Submit(ctx, dup)
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if second != first {
		t.Fatalf("second Submit() = %q, want %q (recovered id)", second, first)
	}
}

func TestSubmitWithResultQueuesAtCapacity(t *testing.T) {
	controller := concurrency.New[Task](1, nil)
	m := New(newFakeStore(), controller, nil)
	ctx := context.Background()

	r1, err := m.SubmitWithResult(ctx, newTask("task-1"))
	if err != nil || r1.Queued {
		t.Fatalf("first SubmitWithResult() = %+v, err=%v, want queued=false", r1, err)
	}

	r2, err := m.SubmitWithResult(ctx, newTask("task-2"))
	if err != nil {
		t.Fatalf("second SubmitWithResult() error = %v", err)
	}
	if !r2.Queued {
		t.Fatalf("second SubmitWithResult() = %+v, want queued=true", r2)
	}
}

func TestOnTaskCompleteStartsQueuedTask(t *testing.T) {
	controller := concurrency.New[Task](1, nil)
	m := New(newFakeStore(), controller, nil)
	ctx := context.Background()

	if _, err := m.SubmitWithResult(ctx, newTask("task-1")); err != nil {
		t.Fatalf("Submit task-1 error = %v", err)
	}
	r2, err := m.SubmitWithResult(ctx, newTask("task-2"))
	if err != nil || !r2.Queued {
		t.Fatalf("Submit task-2 = %+v, err=%v, want queued", r2, err)
	}

	next, err := m.OnTaskComplete(ctx, "task-1")
	if err != nil {
		t.Fatalf("OnTaskComplete() error = %v", err)
	}
	if next == nil || next.ID != "task-2" {
		t.Fatalf("OnTaskComplete() = %v, want task-2", next)
	}

	status, err := m.GetStatus(ctx, "task-2")
	if err != nil {
		t.Fatalf("GetStatus(task-2) error = %v", err)
	}
	if status != StatusStarting {
		t.Fatalf("GetStatus(task-2) = %q, want starting", status)
	}
}

func TestGetStatusUnknownTaskReturnsErrNotFound(t *testing.T) {
	m := New(newFakeStore(), nil, nil)
	_, err := m.GetStatus(context.Background(), "missing")
	if err == nil {
		t.Fatal("GetStatus() error = nil, want ErrNotFound")
	}
}

func TestCancelNonTerminalTaskSucceeds(t *testing.T) {
	m := New(newFakeStore(), nil, nil)
	ctx := context.Background()
	m.Submit(ctx, newTask("task-1"))

	ok, err := m.Cancel(ctx, "task-1")
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v, want true, nil", ok, err)
	}

	status, _ := m.GetStatus(ctx, "task-1")
	if status != StatusCancelled {
		t.Fatalf("GetStatus() = %q, want cancelled", status)
	}
}

func TestCancelTerminalTaskFails(t *testing.T) {
	m := New(newFakeStore(), nil, nil)
	ctx := context.Background()
	m.Submit(ctx, newTask("task-1"))
	m.Cancel(ctx, "task-1") // now cancelled, a terminal state

	ok, err := m.Cancel(ctx, "task-1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if ok {
		t.Fatal("Cancel() on already-terminal task = true, want false")
	}
}

func TestCancelUnknownTaskReturnsFalseNoError(t *testing.T) {
	m := New(newFakeStore(), nil, nil)
	ok, err := m.Cancel(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Cancel() error = %v, want nil", err)
	}
	if ok {
		t.Fatal("Cancel() on unknown task = true, want false")
	}
}
