// Package jobs runs asynchronous work in-process: a bounded queue drained by
// one loop goroutine, handlers registered per job kind, and status records
// kept in memory for polling.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"studycore/internal/observability"
)

// Status describes the lifecycle stage of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// DefaultQueueSize bounds the pending queue when none is configured.
const DefaultQueueSize = 32

// ErrQueueFull is returned by Enqueue when the pending queue is at capacity.
var ErrQueueFull = errors.New("job queue full")

// Job tracks one queued unit of work.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (j Job) copy() Job {
	cp := j
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// Handler executes jobs of one kind.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// AuditLogger records job status transitions.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry captures one status transition.
type AuditEntry struct {
	ID         string         `json:"id"`
	JobID      string         `json:"job_id"`
	Kind       string         `json:"kind"`
	Status     Status         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Worker executes jobs asynchronously.
type Worker struct {
	audit    AuditLogger
	log      *zap.SugaredLogger
	recorder observability.Recorder
	now      func() time.Time

	handlers map[string]Handler
	queue    chan string
	mu       sync.RWMutex
	jobs     map[string]*Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Worker.
type Option func(*Worker)

// WithAudit records status transitions.
func WithAudit(a AuditLogger) Option { return func(w *Worker) { w.audit = a } }

// WithLogger sets the worker logger.
func WithLogger(log *zap.SugaredLogger) Option { return func(w *Worker) { w.log = log } }

// WithRecorder records job durations.
func WithRecorder(rec observability.Recorder) Option {
	return func(w *Worker) { w.recorder = rec }
}

// NewWorker constructs a worker whose queue holds queueSize pending jobs.
func NewWorker(queueSize int, opts ...Option) *Worker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		log:      zap.NewNop().Sugar(),
		recorder: observability.NoopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]Handler),
		queue:    make(chan string, queueSize),
		jobs:     make(map[string]*Job),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register binds h to kind. Registering a kind twice replaces the handler.
func (w *Worker) Register(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Start begins processing queued jobs.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the running job, if any.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// Enqueue records a job of kind with payload encoded as JSON and queues it.
func (w *Worker) Enqueue(ctx context.Context, kind string, payload any) (Job, error) {
	if strings.TrimSpace(kind) == "" {
		return Job{}, fmt.Errorf("job kind required")
	}
	w.mu.RLock()
	_, known := w.handlers[kind]
	w.mu.RUnlock()
	if !known {
		return Job{}, fmt.Errorf("no handler registered for job kind %s", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	now := w.now()
	job := Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	w.mu.Lock()
	w.jobs[job.ID] = &job
	snapshot := job.copy()
	w.mu.Unlock()

	// queued is recorded before the loop can pick the job up
	w.record(ctx, snapshot, nil)
	select {
	case w.queue <- job.ID:
	default:
		w.mu.Lock()
		delete(w.jobs, job.ID)
		w.mu.Unlock()
		dropped := snapshot
		dropped.Status = StatusFailed
		dropped.Error = ErrQueueFull.Error()
		dropped.UpdatedAt = w.now()
		w.record(ctx, dropped, map[string]any{"error": ErrQueueFull.Error()})
		return Job{}, ErrQueueFull
	}
	return snapshot, nil
}

// Get returns a snapshot of the job.
func (w *Worker) Get(id string) (Job, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	job, ok := w.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.copy(), true
}

// List returns every known job, oldest first.
func (w *Worker) List() []Job {
	w.mu.RLock()
	out := make([]Job, 0, len(w.jobs))
	for _, j := range w.jobs {
		out = append(out, j.copy())
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func (w *Worker) process(id string) {
	job, ok := w.transition(id, StatusRunning, "")
	if !ok {
		return
	}
	w.mu.RLock()
	h := w.handlers[job.Kind]
	w.mu.RUnlock()

	timer := observability.Start(w.recorder, "job_"+job.Kind)
	err := w.run(h, job)
	timer.Done(w.ctx, err)
	if err != nil {
		w.log.Errorw("job failed", "job", id, "kind", job.Kind, "error", err)
		w.transition(id, StatusFailed, err.Error())
		return
	}
	w.log.Infow("job succeeded", "job", id, "kind", job.Kind)
	w.transition(id, StatusSucceeded, "")
}

func (w *Worker) run(h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h.Handle(w.ctx, job)
}

func (w *Worker) transition(id string, status Status, reason string) (Job, bool) {
	now := w.now()
	w.mu.Lock()
	job, ok := w.jobs[id]
	if !ok {
		w.mu.Unlock()
		return Job{}, false
	}
	job.Status = status
	job.Error = reason
	job.UpdatedAt = now
	if status == StatusSucceeded || status == StatusFailed {
		job.CompletedAt = &now
	}
	snapshot := job.copy()
	w.mu.Unlock()

	var meta map[string]any
	if reason != "" {
		meta = map[string]any{"error": reason}
	}
	w.record(w.ctx, snapshot, meta)
	return snapshot, true
}

func (w *Worker) record(ctx context.Context, job Job, meta map[string]any) {
	if w.audit == nil {
		return
	}
	w.audit.Record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		Kind:       job.Kind,
		Status:     job.Status,
		Metadata:   meta,
		OccurredAt: job.UpdatedAt,
	})
}

// LogAudit writes audit entries to a logger.
type LogAudit struct {
	Log *zap.SugaredLogger
}

// Record logs entry at info level.
func (a LogAudit) Record(_ context.Context, entry AuditEntry) {
	if a.Log == nil {
		return
	}
	a.Log.Infow("job audit", "job", entry.JobID, "kind", entry.Kind, "status", string(entry.Status), "metadata", entry.Metadata)
}
