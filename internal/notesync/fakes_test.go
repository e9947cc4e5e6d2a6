package notesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/notesync/internal/note"
)

var errOffline = errors.New("network unreachable")

type fakeCache struct {
	mu      sync.Mutex
	records []note.Record
	loadErr error
	saveErr error
	saves   int
}

func (c *fakeCache) Load(context.Context) ([]note.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	return note.CloneAll(c.records), nil
}

func (c *fakeCache) Save(_ context.Context, records []note.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.saves++
	c.records = note.CloneAll(records)
	return nil
}

func (c *fakeCache) snapshot() []note.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return note.CloneAll(c.records)
}

// fakeRemote is an owner-scoped table with failure injection.
type fakeRemote struct {
	mu     sync.Mutex
	rows   map[string][]note.Record // owner -> rows
	nextID int
	now    int64

	listErr   error
	insertErr func(rec note.Record) error
	updateErr error
	deleteErr error
	// listGate, when set, blocks ListByOwner until closed. listEntered
	// receives once per call after the call started.
	listGate    chan struct{}
	listEntered chan struct{}

	lists   atomic.Int32
	inserts atomic.Int32
	updates atomic.Int32
	deletes atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{rows: make(map[string][]note.Record), now: 5_000_000}
}

func (r *fakeRemote) ListByOwner(ctx context.Context, ownerID string) ([]note.Record, error) {
	r.lists.Add(1)
	if r.listEntered != nil {
		r.listEntered <- struct{}{}
	}
	if r.listGate != nil {
		select {
		case <-r.listGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := note.CloneAll(r.rows[ownerID])
	note.SortNewestFirst(out)
	return out, nil
}

func (r *fakeRemote) Insert(_ context.Context, rec note.Record, ownerID string) (note.Record, error) {
	r.inserts.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		if err := r.insertErr(rec); err != nil {
			return note.Record{}, err
		}
	}
	r.nextID++
	r.now++
	rec = rec.Clone()
	rec.RemoteID = fmt.Sprintf("r%d", r.nextID)
	rec.OwnerID = ownerID
	rec.SyncedAt = r.now
	r.rows[ownerID] = append(r.rows[ownerID], rec)
	return rec.Clone(), nil
}

func (r *fakeRemote) Update(_ context.Context, remoteID, ownerID string, patch note.Patch) (note.Record, error) {
	r.updates.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return note.Record{}, r.updateErr
	}
	for i, row := range r.rows[ownerID] {
		if row.RemoteID == remoteID {
			r.now++
			row = patch.Apply(row)
			row.SyncedAt = r.now
			r.rows[ownerID][i] = row
			return row.Clone(), nil
		}
	}
	return note.Record{}, note.ErrNotFound
}

func (r *fakeRemote) Delete(_ context.Context, remoteID, ownerID string) error {
	r.deletes.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	rows := r.rows[ownerID]
	for i, row := range rows {
		if row.RemoteID == remoteID {
			r.rows[ownerID] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return note.ErrNotFound
}

func (r *fakeRemote) seed(ownerID string, recs ...note.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[ownerID] = append(r.rows[ownerID], note.CloneAll(recs)...)
}

func (r *fakeRemote) rowsOf(ownerID string) []note.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return note.CloneAll(r.rows[ownerID])
}

func (r *fakeRemote) setErrors(update, del error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateErr = update
	r.deleteErr = del
}

type fakeSession struct {
	mu    sync.Mutex
	owner string
	subs  map[int]func(string)
	next  int
}

func newFakeSession(owner string) *fakeSession {
	return &fakeSession{owner: owner, subs: make(map[int]func(string))}
}

func (s *fakeSession) CurrentOwnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *fakeSession) Subscribe(fn func(string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *fakeSession) set(owner string) {
	s.mu.Lock()
	s.owner = owner
	fns := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(owner)
	}
}

// stepClock returns strictly increasing times one millisecond apart.
func stepClock() func() time.Time {
	var tick atomic.Int64
	base := time.UnixMilli(1_700_000_000_000)
	return func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
	}
}

type harness struct {
	sync    *Synchronizer
	cache   *fakeCache
	remote  *fakeRemote
	session *fakeSession
	queue   *MemoryQueue
}

func newHarness(t *testing.T, owner string, cached ...note.Record) *harness {
	t.Helper()
	h := &harness{
		cache:   &fakeCache{records: note.CloneAll(cached)},
		remote:  newFakeRemote(),
		session: newFakeSession(owner),
		queue:   NewMemoryQueue(3, time.Hour),
	}
	h.sync = New(h.cache, h.remote, h.session, Options{
		Queue:        h.queue,
		PollInterval: 10 * time.Millisecond,
		Now:          stepClock(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.sync.Close(ctx))
	})
	return h
}

// start initializes the synchronizer and waits for any background reconcile.
func (h *harness) start(t *testing.T) {
	t.Helper()
	h.sync.Initialize(context.Background())
	h.flush(t)
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.sync.Flush(ctx))
}

// requireConsistent checks durability, uniqueness and ordering.
func requireConsistent(t require.TestingT, s *Synchronizer, cache *fakeCache) {
	notes := s.Notes()
	require.Equal(t, normalize(notes), normalize(cache.snapshot()), "cache diverged from memory")
	seen := make(map[string]struct{}, len(notes))
	for _, r := range notes {
		_, dup := seen[r.LocalID]
		require.False(t, dup, "duplicate local id %s", r.LocalID)
		seen[r.LocalID] = struct{}{}
	}
	require.True(t, note.IsNewestFirst(notes), "collection not newest first")
}

// normalize maps nil and empty collections to nil for comparison.
func normalize(records []note.Record) []note.Record {
	if len(records) == 0 {
		return nil
	}
	return records
}

func localRecord(id, topic string, createdAt int64) note.Record {
	return note.Record{LocalID: id, Topic: topic, Content: topic + " body", CreatedAt: createdAt}
}

func syncedRecord(id, remoteID, owner, topic string, createdAt int64) note.Record {
	r := localRecord(id, topic, createdAt)
	r.RemoteID = remoteID
	r.OwnerID = owner
	r.SyncedAt = createdAt + 1
	return r
}
