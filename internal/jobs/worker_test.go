package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type memoryAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (m *memoryAudit) Record(_ context.Context, e AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memoryAudit) statuses(jobID string) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Status
	for _, e := range m.entries {
		if e.JobID == jobID {
			out = append(out, e.Status)
		}
	}
	return out
}

func waitFor(t *testing.T, w *Worker, id string, want Status) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := w.Get(id); ok && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := w.Get(id)
	t.Fatalf("job %s did not reach %s, last status %s", id, want, job.Status)
	return Job{}
}

func TestWorkerRunsRegisteredHandler(t *testing.T) {
	audit := &memoryAudit{}
	w := NewWorker(4, WithAudit(audit))
	got := make(chan string, 1)
	w.Register("echo", HandlerFunc(func(_ context.Context, job Job) error {
		var payload struct{ Name string }
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		got <- payload.Name
		return nil
	}))
	w.Start()
	defer func() { _ = w.Stop(context.Background()) }()

	job, err := w.Enqueue(context.Background(), "echo", map[string]string{"Name": "alpha"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != StatusQueued || job.ID == "" {
		t.Fatalf("unexpected queued job %+v", job)
	}
	done := waitFor(t, w, job.ID, StatusSucceeded)
	if done.CompletedAt == nil {
		t.Fatalf("completed time missing")
	}
	if name := <-got; name != "alpha" {
		t.Fatalf("payload = %q", name)
	}
	statuses := audit.statuses(job.ID)
	want := []Status{StatusQueued, StatusRunning, StatusSucceeded}
	if len(statuses) != len(want) {
		t.Fatalf("audit statuses = %v", statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("audit statuses = %v", statuses)
		}
	}
}

func TestWorkerRecordsFailuresAndPanics(t *testing.T) {
	w := NewWorker(4)
	w.Register("fail", HandlerFunc(func(context.Context, Job) error { return errors.New("boom") }))
	w.Register("panic", HandlerFunc(func(context.Context, Job) error { panic("bad") }))
	w.Start()
	defer func() { _ = w.Stop(context.Background()) }()

	failed, _ := w.Enqueue(context.Background(), "fail", nil)
	panicked, _ := w.Enqueue(context.Background(), "panic", nil)
	if job := waitFor(t, w, failed.ID, StatusFailed); job.Error != "boom" {
		t.Fatalf("error = %q", job.Error)
	}
	if job := waitFor(t, w, panicked.ID, StatusFailed); job.Error != "job panicked: bad" {
		t.Fatalf("error = %q", job.Error)
	}
}

func TestEnqueueRejectsUnknownKindAndFullQueue(t *testing.T) {
	w := NewWorker(1)
	if _, err := w.Enqueue(context.Background(), "missing", nil); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	w.Register("noop", HandlerFunc(func(context.Context, Job) error { return nil }))
	first, err := w.Enqueue(context.Background(), "noop", nil)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := w.Enqueue(context.Background(), "noop", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if jobs := w.List(); len(jobs) != 1 || jobs[0].ID != first.ID {
		t.Fatalf("rejected job should not be listed: %+v", jobs)
	}
}

func TestQueueFullRecordsDroppedJob(t *testing.T) {
	audit := &memoryAudit{}
	w := NewWorker(1, WithAudit(audit))
	w.Register("noop", HandlerFunc(func(context.Context, Job) error { return nil }))
	if _, err := w.Enqueue(context.Background(), "noop", nil); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := w.Enqueue(context.Background(), "noop", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	audit.mu.Lock()
	entries := append([]AuditEntry(nil), audit.entries...)
	audit.mu.Unlock()
	if len(entries) != 3 {
		t.Fatalf("audit entries = %+v", entries)
	}
	dropped := entries[1].JobID
	if dropped == entries[0].JobID {
		t.Fatalf("dropped job shares id with accepted job")
	}
	statuses := audit.statuses(dropped)
	if len(statuses) != 2 || statuses[0] != StatusQueued || statuses[1] != StatusFailed {
		t.Fatalf("dropped job statuses = %v", statuses)
	}
	if entries[2].Metadata["error"] != ErrQueueFull.Error() {
		t.Fatalf("dropped entry metadata = %v", entries[2].Metadata)
	}
}

func TestQueuedAuditPrecedesExecution(t *testing.T) {
	audit := &memoryAudit{}
	w := NewWorker(64, WithAudit(audit))
	w.Register("noop", HandlerFunc(func(context.Context, Job) error { return nil }))
	w.Start()
	defer func() { _ = w.Stop(context.Background()) }()

	var ids []string
	for i := 0; i < 50; i++ {
		job, err := w.Enqueue(context.Background(), "noop", nil)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, job.ID)
	}
	want := []Status{StatusQueued, StatusRunning, StatusSucceeded}
	for _, id := range ids {
		waitFor(t, w, id, StatusSucceeded)
		statuses := audit.statuses(id)
		if len(statuses) != len(want) {
			t.Fatalf("job %s audit statuses = %v", id, statuses)
		}
		for i := range want {
			if statuses[i] != want[i] {
				t.Fatalf("job %s audit statuses = %v", id, statuses)
			}
		}
	}
}

func TestStopHonoursContext(t *testing.T) {
	w := NewWorker(1)
	release := make(chan struct{})
	started := make(chan struct{})
	w.Register("block", HandlerFunc(func(context.Context, Job) error {
		close(started)
		<-release
		return nil
	}))
	w.Start()
	if _, err := w.Enqueue(context.Background(), "block", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := w.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	close(release)
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
