// Package notesync keeps the local note collection and the remote,
// owner-scoped note table in step.
//
// Every mutation is applied to memory and written to the local cache before
// it returns. Remote work happens afterwards: inserts run detached, updates
// and deletes go through an OpQueue drained by Run, and Reconcile merges the
// remote collection back in, uploading records that never reached it.
package notesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/notesync/internal/metrics"
	"github.com/kalambet/notesync/internal/note"
)

// ErrNoOwner is returned by Reconcile when called without an owner.
var ErrNoOwner = errors.New("no owner signed in")

// Options configures a Synchronizer. Zero values pick defaults.
type Options struct {
	// Queue holds pending remote updates and deletes. Defaults to a MemoryQueue.
	Queue OpQueue
	// UploadConcurrency bounds parallel inserts during Reconcile.
	UploadConcurrency int
	// PollInterval is how often Run checks the queue when idle.
	PollInterval time.Duration
	// OnOpFailed is called when a queued operation exhausts its attempts.
	OnOpFailed func(op Op, err error)
	Metrics    *metrics.SyncMetrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// reconcileDelta records mutations made while a reconcile is in flight so
// the merge does not undo them.
type reconcileDelta struct {
	touched map[string]struct{}
	// deleted maps LocalID to the RemoteID known when it was deleted.
	deleted map[string]string
}

// Synchronizer is the single authority over the note collection.
type Synchronizer struct {
	cache   LocalCache
	remote  RemoteStore
	session SessionSource
	queue   OpQueue

	uploadConcurrency int
	poll              time.Duration
	onOpFailed        func(Op, error)
	metrics           *metrics.SyncMetrics
	logger            *slog.Logger
	now               func() time.Time

	mu       sync.Mutex
	notes    []note.Record
	owner    string
	// inflight holds records whose first upload is running. The value is
	// set once the record is patched during the upload.
	inflight map[string]bool
	delta    *reconcileDelta
	started  bool

	reconciling atomic.Bool

	pubMu  sync.Mutex
	subMu  sync.Mutex
	subs   map[int]func([]note.Record)
	nextID int

	unsubscribe func()
	wake        chan struct{}
	bgCtx       context.Context
	bgCancel    context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a Synchronizer. Call Initialize before using it.
func New(cache LocalCache, remote RemoteStore, session SessionSource, opts Options) *Synchronizer {
	if opts.Queue == nil {
		opts.Queue = NewMemoryQueue(5, time.Second)
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Synchronizer{
		cache:             cache,
		remote:            remote,
		session:           session,
		queue:             opts.Queue,
		uploadConcurrency: opts.UploadConcurrency,
		poll:              opts.PollInterval,
		onOpFailed:        opts.OnOpFailed,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		now:               opts.Now,
		inflight:          make(map[string]bool),
		subs:              make(map[int]func([]note.Record)),
		wake:              make(chan struct{}, 1),
		bgCtx:             bgCtx,
		bgCancel:          bgCancel,
	}
}

// Initialize loads the cached collection, publishes it, and starts a
// background reconcile when an owner is signed in. It never waits on the
// network. Calling it again has no effect.
func (s *Synchronizer) Initialize(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true

	loaded, err := s.cache.Load(ctx)
	if err != nil {
		s.logger.Warn("loading note cache, starting empty", "error", err)
		loaded = nil
	}
	loaded = note.Dedupe(note.CloneAll(loaded))
	note.SortNewestFirst(loaded)
	s.notes = loaded
	s.mu.Unlock()

	s.publish()

	// Subscribe before reading so a sign-in racing with startup is not lost.
	s.unsubscribe = s.session.Subscribe(s.ownerChanged)
	owner := s.session.CurrentOwnerID()

	s.mu.Lock()
	s.owner = owner
	s.mu.Unlock()

	if owner != "" {
		s.reconcileInBackground(owner)
	}
}

func (s *Synchronizer) ownerChanged(ownerID string) {
	s.mu.Lock()
	prev := s.owner
	s.owner = ownerID
	s.mu.Unlock()

	if ownerID == prev {
		return
	}
	s.logger.Info("owner changed", "owner_id", ownerID)
	if ownerID != "" {
		s.reconcileInBackground(ownerID)
	}
}

func (s *Synchronizer) reconcileInBackground(ownerID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Reconcile(s.bgCtx, ownerID); err != nil {
			s.logger.Warn("background reconcile failed", "owner_id", ownerID, "error", err)
		}
	}()
}

// OwnerID returns the last owner reported by the session source.
func (s *Synchronizer) OwnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Notes returns a copy of the collection, newest first.
func (s *Synchronizer) Notes() []note.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return note.CloneAll(s.notes)
}

// Get returns the record with localID.
func (s *Synchronizer) Get(localID string) (note.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := note.IndexOf(s.notes, localID)
	if i < 0 {
		return note.Record{}, fmt.Errorf("%s: %w", localID, note.ErrNotFound)
	}
	return s.notes[i].Clone(), nil
}

// Subscribe registers fn to receive the collection after every change. fn
// runs on the goroutine that made the change and must not block.
func (s *Synchronizer) Subscribe(fn func([]note.Record)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Synchronizer) publish() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	snapshot := s.Notes()
	s.metrics.SetNotes(len(snapshot))

	s.subMu.Lock()
	fns := make([]func([]note.Record), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(note.CloneAll(snapshot))
	}
}

// persistLocked writes the whole collection. Callers hold s.mu.
func (s *Synchronizer) persistLocked(ctx context.Context) {
	if err := s.cache.Save(context.WithoutCancel(ctx), note.CloneAll(s.notes)); err != nil {
		s.logger.Error("persisting note cache", "error", err)
	}
}

func (s *Synchronizer) touchLocked(localID string) {
	if s.delta != nil {
		s.delta.touched[localID] = struct{}{}
	}
}

// Add creates a record, stores it locally and, when signed in, uploads it in
// the background. The returned record is the local version without a
// remote id.
func (s *Synchronizer) Add(ctx context.Context, topic, content string, opts note.Options) (note.Record, error) {
	s.mu.Lock()
	owner := s.owner
	rec, err := note.New(topic, content, opts, owner, s.now())
	if err != nil {
		s.mu.Unlock()
		return note.Record{}, err
	}
	s.notes = append([]note.Record{rec}, s.notes...)
	note.SortNewestFirst(s.notes)
	s.touchLocked(rec.LocalID)
	if owner != "" {
		s.inflight[rec.LocalID] = false
	}
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.publish()

	if owner != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.insert(rec.Clone(), owner)
		}()
	}
	return rec.Clone(), nil
}

// insert uploads a freshly added record and merges the server identity back
// by LocalID. Failures leave the record for the next reconcile.
func (s *Synchronizer) insert(rec note.Record, owner string) {
	stored, err := s.remote.Insert(s.bgCtx, rec, owner)
	if err != nil {
		s.mu.Lock()
		delete(s.inflight, rec.LocalID)
		s.mu.Unlock()
		s.metrics.RecordRemoteOp("insert", metrics.ResultError)
		s.logger.Warn("remote insert failed, record stays local", "local_id", rec.LocalID, "error", err)
		return
	}
	s.metrics.RecordRemoteOp("insert", metrics.ResultSuccess)

	s.mu.Lock()
	dirty := s.inflight[rec.LocalID]
	delete(s.inflight, rec.LocalID)
	i := note.IndexOf(s.notes, rec.LocalID)
	if i < 0 {
		s.mu.Unlock()
		// Deleted while the insert was in flight.
		s.enqueue(context.Background(), Op{Kind: OpDelete, LocalID: rec.LocalID, RemoteID: stored.RemoteID, OwnerID: owner})
		return
	}
	s.notes[i] = withIdentity(s.notes[i], stored, owner, s.now())
	cur := s.notes[i].Clone()
	s.touchLocked(rec.LocalID)
	s.persistLocked(s.bgCtx)
	s.mu.Unlock()

	s.publish()
	if dirty {
		// The row holds the version that was uploaded, not the edited one.
		s.enqueue(context.Background(), Op{Kind: OpUpdate, LocalID: cur.LocalID, RemoteID: cur.RemoteID, OwnerID: owner, Patch: fullPatch(cur)})
	}
}

// withIdentity copies the server identity of stored onto local.
func withIdentity(local, stored note.Record, owner string, now time.Time) note.Record {
	local.RemoteID = stored.RemoteID
	local.OwnerID = owner
	local.SyncedAt = stored.SyncedAt
	if local.SyncedAt == 0 {
		local.SyncedAt = note.Millis(now)
	}
	return local
}

// ToggleSave flips IsSaved and, for synced records, queues the remote update.
func (s *Synchronizer) ToggleSave(ctx context.Context, localID string) (note.Record, error) {
	s.mu.Lock()
	i := note.IndexOf(s.notes, localID)
	if i < 0 {
		s.mu.Unlock()
		return note.Record{}, fmt.Errorf("%s: %w", localID, note.ErrNotFound)
	}
	patch := note.SavedPatch(!s.notes[i].IsSaved)
	rec, op := s.applyLocked(ctx, i, patch)
	s.mu.Unlock()

	s.publish()
	if op != nil {
		s.enqueue(ctx, *op)
	}
	return rec, nil
}

// Update edits a record in place, keeping its identity and CreatedAt.
func (s *Synchronizer) Update(ctx context.Context, localID string, patch note.Patch) (note.Record, error) {
	if err := patch.Validate(); err != nil {
		return note.Record{}, err
	}

	s.mu.Lock()
	i := note.IndexOf(s.notes, localID)
	if i < 0 {
		s.mu.Unlock()
		return note.Record{}, fmt.Errorf("%s: %w", localID, note.ErrNotFound)
	}
	if patch.Empty() {
		rec := s.notes[i].Clone()
		s.mu.Unlock()
		return rec, nil
	}
	rec, op := s.applyLocked(ctx, i, patch)
	s.mu.Unlock()

	s.publish()
	if op != nil {
		s.enqueue(ctx, *op)
	}
	return rec, nil
}

// applyLocked patches the record at i and persists. It returns the remote
// update to queue, if the record is synced for the current owner.
func (s *Synchronizer) applyLocked(ctx context.Context, i int, patch note.Patch) (note.Record, *Op) {
	s.notes[i] = patch.Apply(s.notes[i])
	rec := s.notes[i].Clone()
	s.touchLocked(rec.LocalID)
	s.persistLocked(ctx)
	if _, ok := s.inflight[rec.LocalID]; ok {
		s.inflight[rec.LocalID] = true
	}

	if rec.RemoteID == "" || s.owner == "" || rec.OwnerID != s.owner {
		return rec, nil
	}
	return rec, &Op{Kind: OpUpdate, LocalID: rec.LocalID, RemoteID: rec.RemoteID, OwnerID: s.owner, Patch: patch}
}

// Delete removes a record locally and, when it was synced, queues the remote
// delete scoped by both record id and owner id.
func (s *Synchronizer) Delete(ctx context.Context, localID string) error {
	s.mu.Lock()
	i := note.IndexOf(s.notes, localID)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", localID, note.ErrNotFound)
	}
	rec := s.notes[i]
	s.notes = append(s.notes[:i:i], s.notes[i+1:]...)
	if s.delta != nil {
		s.delta.deleted[localID] = rec.RemoteID
		delete(s.delta.touched, localID)
	}
	s.persistLocked(ctx)

	var op *Op
	if rec.RemoteID != "" {
		owner := rec.OwnerID
		if s.owner != "" {
			owner = s.owner
		}
		op = &Op{Kind: OpDelete, LocalID: localID, RemoteID: rec.RemoteID, OwnerID: owner}
	}
	s.mu.Unlock()

	s.publish()
	if op != nil {
		s.enqueue(ctx, *op)
	}
	return nil
}

func (s *Synchronizer) enqueue(ctx context.Context, op Op) {
	if err := s.queue.Enqueue(context.WithoutCancel(ctx), op); err != nil {
		s.logger.Error("queueing remote operation", "op", op.Kind, "local_id", op.LocalID, "error", err)
		return
	}
	s.refreshPending(ctx)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) refreshPending(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	n, err := s.queue.Pending(ctx)
	if err != nil {
		s.logger.Debug("counting pending operations", "error", err)
		return
	}
	s.metrics.SetPendingOps(n)
}

// Flush waits for detached inserts and background reconciles, then replays
// every queued operation that is currently due. Operations waiting on a
// retry backoff stay queued.
func (s *Synchronizer) Flush(ctx context.Context) error {
	if err := s.waitDetached(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := s.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

// Close stops listening to the session and waits for detached work until
// ctx is done, after which that work is cancelled.
func (s *Synchronizer) Close(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	err := s.waitDetached(ctx)
	s.bgCancel()
	s.wg.Wait()
	return err
}

func (s *Synchronizer) waitDetached(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
