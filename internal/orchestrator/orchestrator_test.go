package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/chaperone/internal/sandbox"
	"github.com/basket/chaperone/internal/task"
)

type fakeSandboxes struct {
	mu        sync.Mutex
	created   []string
	destroyed []string
	status    sandbox.Status
	createErr error
	logs      string
	logsErr   error
}

func (f *fakeSandboxes) Create(ctx context.Context, taskID string, cfg sandbox.Config) (*sandbox.Sandbox, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	f.created = append(f.created, taskID)
	f.mu.Unlock()
	return &sandbox.Sandbox{TaskID: taskID}, nil
}

func (f *fakeSandboxes) Destroy(ctx context.Context, taskID string) {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, taskID)
	f.mu.Unlock()
}

func (f *fakeSandboxes) GetStatus(ctx context.Context, taskID string) sandbox.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSandboxes) Logs(ctx context.Context, taskID string) (string, error) {
	return f.logs, f.logsErr
}

func (f *fakeSandboxes) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destroyed)
}

type fakeTasks struct {
	mu         sync.Mutex
	persisted  []task.Task
	completeID string
	next       *task.Task
}

func (f *fakeTasks) Load(ctx context.Context, taskID string) (task.Task, error) {
	return task.Task{ID: taskID}, nil
}

func (f *fakeTasks) Persist(ctx context.Context, t task.Task) error {
	f.mu.Lock()
	f.persisted = append(f.persisted, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeTasks) OnTaskComplete(ctx context.Context, taskID string) (*task.Task, error) {
	f.mu.Lock()
	f.completeID = taskID
	f.mu.Unlock()
	return f.next, nil
}

func (f *fakeTasks) lastStatus() task.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.persisted) == 0 {
		return ""
	}
	return f.persisted[len(f.persisted)-1].Status
}

type fakeQuestions struct{ listened []string }

func (f *fakeQuestions) ListenForQuestions(ctx context.Context, taskID string) error {
	f.listened = append(f.listened, taskID)
	<-ctx.Done()
	return nil
}

type fakeProgress struct {
	mu       sync.Mutex
	notified []task.Status
	listened []string
}

func (f *fakeProgress) Notify(ctx context.Context, taskID string, status task.Status, step, total int) {
	f.mu.Lock()
	f.notified = append(f.notified, status)
	f.mu.Unlock()
}

func (f *fakeProgress) StartListening(ctx context.Context, taskID, channelID, messageID string) error {
	f.mu.Lock()
	f.listened = append(f.listened, taskID)
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

type fakeMessenger struct {
	mu      sync.Mutex
	results []string
}

func (f *fakeMessenger) SendTrackedMessage(ctx context.Context, channel, text, threadID string) (string, error) {
	return "msg-1", nil
}

func (f *fakeMessenger) SendResult(ctx context.Context, channel, taskID, content, threadID string) error {
	f.mu.Lock()
	f.results = append(f.results, content)
	f.mu.Unlock()
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestLaunchRunsTaskToCompletion(t *testing.T) {
	sb := &fakeSandboxes{status: sandbox.StatusTerminated, logs: "claude output here"}
	ts := &fakeTasks{}
	qs := &fakeQuestions{}
	pr := &fakeProgress{}
	msg := &fakeMessenger{}

	r := New(sb, ts, qs, pr, msg, "", nil)
	r.pollInterval = time.Millisecond

	r.Launch(context.Background(), task.Task{ID: "t1", Channel: "c1", Thread: "th1"})

	waitFor(t, time.Second, func() bool { return sb.destroyCount() == 1 })
	waitFor(t, time.Second, func() bool { return ts.lastStatus() == task.StatusCompleted })

	if len(sb.created) != 1 || sb.created[0] != "t1" {
		t.Fatalf("created = %v, want [t1]", sb.created)
	}

	pr.mu.Lock()
	notified := append([]task.Status(nil), pr.notified...)
	pr.mu.Unlock()
	sawCloning := false
	for _, s := range notified {
		if s == task.StatusCloning {
			sawCloning = true
		}
	}
	if !sawCloning {
		t.Fatalf("notified statuses = %v, want StatusCloning among them", notified)
	}

	msg.mu.Lock()
	results := append([]string(nil), msg.results...)
	msg.mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("SendResult calls = %d, want 1", len(results))
	}
	if results[0] != "claude output here" {
		t.Fatalf("result = %q, want captured sandbox logs", results[0])
	}
}

func TestLaunchMarksTaskFailedOnSandboxCreateError(t *testing.T) {
	sb := &fakeSandboxes{createErr: context.DeadlineExceeded}
	ts := &fakeTasks{}
	qs := &fakeQuestions{}
	pr := &fakeProgress{}
	msg := &fakeMessenger{}

	r := New(sb, ts, qs, pr, msg, "", nil)
	r.pollInterval = time.Millisecond

	r.Launch(context.Background(), task.Task{ID: "t2", Channel: "c1", Thread: "th1"})

	waitFor(t, time.Second, func() bool { return ts.lastStatus() == task.StatusFailed })

	if sb.destroyCount() != 0 {
		t.Fatalf("destroy called = %d, want 0 after create failure", sb.destroyCount())
	}
}

func TestLaunchStartsNextQueuedTaskOnCompletion(t *testing.T) {
	sb := &fakeSandboxes{status: sandbox.StatusTerminated}
	next := task.Task{ID: "t3", Channel: "c1", Thread: "th1"}
	ts := &fakeTasks{next: &next}
	qs := &fakeQuestions{}
	pr := &fakeProgress{}
	msg := &fakeMessenger{}

	r := New(sb, ts, qs, pr, msg, "", nil)
	r.pollInterval = time.Millisecond

	r.Launch(context.Background(), task.Task{ID: "t1", Channel: "c1", Thread: "th1"})

	waitFor(t, time.Second, func() bool { return sb.destroyCount() == 2 })

	found := false
	for _, id := range sb.created {
		if id == "t3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("created = %v, want t3 to be launched as the dequeued task", sb.created)
	}
}

func TestCancelStopsBackgroundListeners(t *testing.T) {
	sb := &fakeSandboxes{status: sandbox.StatusRunning}
	ts := &fakeTasks{}
	qs := &fakeQuestions{}
	pr := &fakeProgress{}
	msg := &fakeMessenger{}

	r := New(sb, ts, qs, pr, msg, "", nil)
	r.pollInterval = time.Millisecond

	r.Launch(context.Background(), task.Task{ID: "t1", Channel: "c1", Thread: "th1"})
	waitFor(t, time.Second, func() bool { return len(sb.created) == 1 })

	r.Cancel("t1")

	waitFor(t, time.Second, func() bool { return sb.destroyCount() == 1 })
}
