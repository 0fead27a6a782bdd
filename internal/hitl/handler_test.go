package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/basket/chaperone/internal/task"
)

type fakeStore struct {
	tasks map[string]task.Task
}

func newFakeStore(t task.Task) *fakeStore {
	return &fakeStore{tasks: map[string]task.Task{t.ID: t}}
}

func (f *fakeStore) Load(ctx context.Context, taskID string) (task.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) Persist(ctx context.Context, t task.Task) error {
	f.tasks[t.ID] = t
	return nil
}

type fakePublisher struct {
	channel, message string
}

func (f *fakePublisher) Publish(ctx context.Context, channel, message string) {
	f.channel, f.message = channel, message
}

type fakeMessenger struct {
	texts []string
}

func (f *fakeMessenger) SendMessage(ctx context.Context, channel, text, threadID string) error {
	f.texts = append(f.texts, text)
	return nil
}

func sampleTask() task.Task {
	return task.Task{ID: "task-1", Channel: "c1", Thread: "t1", User: "u1", Status: task.StatusRunning}
}

func TestHandleQuestionTransitionsToWaitingThenRunningOnAnswer(t *testing.T) {
	store := newFakeStore(sampleTask())
	pub := &fakePublisher{}
	chat := &fakeMessenger{}
	h := New(store, pub, nil, chat, time.Second, nil)

	done := make(chan struct{})
	go func() {
		h.handleQuestion(context.Background(), "task-1", "which branch?", nil)
		close(done)
	}()

	// wait until the question is registered, then answer it
	for !h.HasPendingQuestion("task-1") {
		time.Sleep(time.Millisecond)
	}
	if ok := h.SubmitAnswer("task-1", "main"); !ok {
		t.Fatal("SubmitAnswer() = false, want true")
	}
	<-done

	if pub.channel != "answer:task-1" || pub.message != "main" {
		t.Fatalf("Publish(%q, %q), want answer:task-1, main", pub.channel, pub.message)
	}
	final := store.tasks["task-1"]
	if final.Status != task.StatusRunning {
		t.Fatalf("final status = %q, want running", final.Status)
	}
	if len(chat.texts) != 1 {
		t.Fatalf("SendMessage calls = %d, want 1", len(chat.texts))
	}
}

func TestHandleQuestionTimeoutCancelsTask(t *testing.T) {
	store := newFakeStore(sampleTask())
	pub := &fakePublisher{}
	chat := &fakeMessenger{}
	h := New(store, pub, nil, chat, 10*time.Millisecond, nil)

	h.handleQuestion(context.Background(), "task-1", "which branch?", nil)

	final := store.tasks["task-1"]
	if final.Status != task.StatusCancelled {
		t.Fatalf("final status = %q, want cancelled", final.Status)
	}
	if len(chat.texts) != 2 {
		t.Fatalf("SendMessage calls = %d, want 2 (question + timeout notice)", len(chat.texts))
	}
	if h.HasPendingQuestion("task-1") {
		t.Fatal("HasPendingQuestion() = true after timeout, want cleaned up")
	}
}

func TestSubmitAnswerWithoutPendingQuestionReturnsFalse(t *testing.T) {
	h := New(newFakeStore(sampleTask()), &fakePublisher{}, nil, &fakeMessenger{}, time.Second, nil)
	if ok := h.SubmitAnswer("unknown", "answer"); ok {
		t.Fatal("SubmitAnswer() = true, want false")
	}
}

func TestSubmitAnswerIsOneShot(t *testing.T) {
	store := newFakeStore(sampleTask())
	h := New(store, &fakePublisher{}, nil, &fakeMessenger{}, time.Second, nil)

	done := make(chan struct{})
	go func() {
		h.handleQuestion(context.Background(), "task-1", "q", nil)
		close(done)
	}()
	for !h.HasPendingQuestion("task-1") {
		time.Sleep(time.Millisecond)
	}

	if ok := h.SubmitAnswer("task-1", "first"); !ok {
		t.Fatal("first SubmitAnswer() = false, want true")
	}
	<-done

	if ok := h.SubmitAnswer("task-1", "second"); ok {
		t.Fatal("second SubmitAnswer() = true, want false (already consumed)")
	}
}
