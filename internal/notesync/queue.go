package notesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/notesync/internal/note"
	"github.com/kalambet/notesync/internal/storage"
)

// OpKind names a pending remote operation.
type OpKind string

const (
	OpUpdate OpKind = "note_update"
	OpDelete OpKind = "note_delete"
)

// Op is a remote update or delete waiting to be replayed.
type Op struct {
	ID       string
	Kind     OpKind
	LocalID  string
	RemoteID string
	OwnerID  string
	Patch    note.Patch
	Attempts int
}

// OpQueue holds pending remote operations. Operations for the same LocalID
// are claimed in the order they were enqueued.
type OpQueue interface {
	Enqueue(ctx context.Context, op Op) error
	// Claim returns the next due operation, or nil when none is due.
	Claim(ctx context.Context) (*Op, error)
	Complete(ctx context.Context, id string) error
	// Fail records a failed attempt and reports whether the operation has
	// exhausted its attempts and will not be retried.
	Fail(ctx context.Context, id string, cause error) (dead bool, err error)
	Pending(ctx context.Context) (int, error)
}

func newOpID() string { return uuid.New().String() }

// backoff returns the delay before retry number attempts.
func backoff(base time.Duration, attempts int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
	if d > 5*time.Minute || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// --- In-memory queue ---

type memEntry struct {
	op       Op
	running  bool
	runAfter time.Time
}

// MemoryQueue is an OpQueue that lives for the lifetime of the process.
type MemoryQueue struct {
	maxAttempts int
	base        time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries []*memEntry
}

// NewMemoryQueue creates a queue that gives up on an operation after
// maxAttempts failures, waiting base, 2*base, 4*base... between attempts.
func NewMemoryQueue(maxAttempts int, base time.Duration) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if base <= 0 {
		base = time.Second
	}
	return &MemoryQueue{maxAttempts: maxAttempts, base: base, now: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, op Op) error {
	if op.ID == "" {
		op.ID = newOpID()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &memEntry{op: op, runAfter: q.now()})
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context) (*Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	blocked := make(map[string]struct{})
	for _, e := range q.entries {
		if _, ok := blocked[e.op.LocalID]; ok {
			continue
		}
		if e.running || e.runAfter.After(now) {
			blocked[e.op.LocalID] = struct{}{}
			continue
		}
		e.running = true
		op := e.op
		return &op, nil
	}
	return nil, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return fmt.Errorf("op %s: %w", id, storage.ErrNotFound)
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id string, _ error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return false, fmt.Errorf("op %s: %w", id, storage.ErrNotFound)
	}
	e := q.entries[i]
	e.op.Attempts++
	if e.op.Attempts >= q.maxAttempts {
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return true, nil
	}
	e.running = false
	e.runAfter = q.now().Add(backoff(q.base, e.op.Attempts))
	return false, nil
}

func (q *MemoryQueue) Pending(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

func (q *MemoryQueue) indexOf(id string) int {
	for i, e := range q.entries {
		if e.op.ID == id {
			return i
		}
	}
	return -1
}

// --- SQLite-backed queue ---

// JobStore is the subset of the storage job queue used by JobQueue.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) (bool, error)
	FailJobPermanently(id string, errMsg string) error
	CountJobs(status string) (int, error)
	ResetRunningJobs() (int, error)
}

// JobQueue is an OpQueue stored in the jobs table, so pending operations
// survive process restarts.
type JobQueue struct {
	store       JobStore
	maxAttempts int
}

// NewJobQueue wraps store. Backoff between attempts is applied by the store.
func NewJobQueue(store JobStore, maxAttempts int) *JobQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &JobQueue{store: store, maxAttempts: maxAttempts}
}

type opPayload struct {
	LocalID  string     `json:"local_id"`
	RemoteID string     `json:"remote_id"`
	OwnerID  string     `json:"owner_id"`
	Patch    note.Patch `json:"patch"`
}

var opKinds = []string{string(OpUpdate), string(OpDelete)}

func (q *JobQueue) Enqueue(_ context.Context, op Op) error {
	if op.ID == "" {
		op.ID = newOpID()
	}
	payload, err := json.Marshal(opPayload{
		LocalID:  op.LocalID,
		RemoteID: op.RemoteID,
		OwnerID:  op.OwnerID,
		Patch:    op.Patch,
	})
	if err != nil {
		return fmt.Errorf("encoding op payload: %w", err)
	}
	return q.store.EnqueueJob(storage.Job{
		ID:          op.ID,
		Type:        string(op.Kind),
		Key:         op.LocalID,
		PayloadJSON: string(payload),
		MaxAttempts: q.maxAttempts,
	})
}

func (q *JobQueue) Claim(_ context.Context) (*Op, error) {
	job, err := q.store.ClaimNextJob(opKinds)
	if err != nil || job == nil {
		return nil, err
	}
	var payload opPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		// An unreadable payload can never succeed.
		if failErr := q.store.FailJobPermanently(job.ID, "parsing payload: "+err.Error()); failErr != nil {
			return nil, errors.Join(err, failErr)
		}
		return nil, fmt.Errorf("parsing payload of job %s: %w", job.ID, err)
	}
	return &Op{
		ID:       job.ID,
		Kind:     OpKind(job.Type),
		LocalID:  payload.LocalID,
		RemoteID: payload.RemoteID,
		OwnerID:  payload.OwnerID,
		Patch:    payload.Patch,
		Attempts: job.Attempts,
	}, nil
}

func (q *JobQueue) Complete(_ context.Context, id string) error {
	return q.store.CompleteJob(id)
}

func (q *JobQueue) Fail(_ context.Context, id string, cause error) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return q.store.FailJob(id, msg)
}

func (q *JobQueue) Pending(_ context.Context) (int, error) {
	pending, err := q.store.CountJobs("pending")
	if err != nil {
		return 0, err
	}
	running, err := q.store.CountJobs("running")
	if err != nil {
		return 0, err
	}
	return pending + running, nil
}

// Recover returns operations left running by a crashed process to the queue.
func (q *JobQueue) Recover(_ context.Context) (int, error) {
	return q.store.ResetRunningJobs()
}
