package notesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/notesync/internal/note"
)

func TestInitialize_LoadsCacheNewestFirst(t *testing.T) {
	h := newHarness(t, "",
		localRecord("old", "Old", 100),
		localRecord("new", "New", 300),
		localRecord("mid", "Mid", 200),
	)

	var published [][]note.Record
	var mu sync.Mutex
	cancel := h.sync.Subscribe(func(notes []note.Record) {
		mu.Lock()
		published = append(published, notes)
		mu.Unlock()
	})
	defer cancel()

	h.start(t)

	notes := h.sync.Notes()
	require.Len(t, notes, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, localIDs(notes))

	mu.Lock()
	require.NotEmpty(t, published)
	assert.Len(t, published[0], 3)
	mu.Unlock()

	assert.Zero(t, h.remote.lists.Load(), "signed out start must not touch the remote")
}

func TestInitialize_CacheReadFailureStartsEmpty(t *testing.T) {
	h := newHarness(t, "")
	h.cache.loadErr = errors.New("corrupt cache")

	h.start(t)

	assert.Empty(t, h.sync.Notes())
}

func TestInitialize_Twice(t *testing.T) {
	h := newHarness(t, "", localRecord("a", "A", 1))
	h.start(t)
	h.cache.loadErr = errors.New("should not be read again")

	h.sync.Initialize(context.Background())

	assert.Len(t, h.sync.Notes(), 1)
}

func TestInitialize_ReconcilesWhenSignedIn(t *testing.T) {
	h := newHarness(t, "u1")
	h.remote.seed("u1", syncedRecord("l-remote", "r-remote", "u1", "From server", 50))

	h.start(t)

	notes := h.sync.Notes()
	require.Len(t, notes, 1)
	assert.Equal(t, "r-remote", notes[0].RemoteID)
	assert.Equal(t, "u1", h.sync.OwnerID())
	requireConsistent(t, h.sync, h.cache)
}

// Scenario: signed-out add produces a local-only record at the front.
func TestAdd_SignedOut(t *testing.T) {
	h := newHarness(t, "", localRecord("older", "Older", 1))
	h.start(t)

	rec, err := h.sync.Add(context.Background(), "Photosynthesis", "light into sugar", note.Options{KeyPoints: []string{"chlorophyll"}})
	require.NoError(t, err)

	assert.Empty(t, rec.OwnerID)
	assert.Empty(t, rec.RemoteID)
	assert.False(t, rec.IsSaved)
	assert.NotEmpty(t, rec.LocalID)

	notes := h.sync.Notes()
	require.Len(t, notes, 2)
	assert.Equal(t, rec.LocalID, notes[0].LocalID)
	assert.Zero(t, h.remote.inserts.Load())
	requireConsistent(t, h.sync, h.cache)
}

func TestAdd_RejectsEmptyTopic(t *testing.T) {
	h := newHarness(t, "")
	h.start(t)

	_, err := h.sync.Add(context.Background(), "  ", "body", note.Options{})
	require.ErrorIs(t, err, note.ErrInvalid)
	assert.Empty(t, h.sync.Notes())
	assert.Zero(t, h.cache.saves)
}

func TestAdd_SignedInMergesRemoteIdentity(t *testing.T) {
	h := newHarness(t, "u1")
	h.start(t)

	rec, err := h.sync.Add(context.Background(), "Mitosis", "cells divide", note.Options{})
	require.NoError(t, err)
	assert.Empty(t, rec.RemoteID, "Add returns the pre-merge record")
	assert.Equal(t, "u1", rec.OwnerID)

	h.flush(t)

	got, err := h.sync.Get(rec.LocalID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.RemoteID)
	assert.NotZero(t, got.SyncedAt)
	assert.Equal(t, "u1", got.OwnerID)
	requireConsistent(t, h.sync, h.cache)

	rows := h.remote.rowsOf("u1")
	require.Len(t, rows, 1)
	assert.Equal(t, rec.LocalID, rows[0].LocalID)
}

func TestAdd_InsertFailureLeavesRecordForReconcile(t *testing.T) {
	h := newHarness(t, "u1")
	h.start(t)
	h.remote.insertErr = func(note.Record) error { return errOffline }

	rec, err := h.sync.Add(context.Background(), "Offline", "written on a plane", note.Options{})
	require.NoError(t, err)
	h.flush(t)

	got, err := h.sync.Get(rec.LocalID)
	require.NoError(t, err)
	assert.Empty(t, got.RemoteID)
	assert.Equal(t, "u1", got.OwnerID)

	h.remote.mu.Lock()
	h.remote.insertErr = nil
	h.remote.mu.Unlock()

	res, err := h.sync.RefreshFromRemote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)

	got, err = h.sync.Get(rec.LocalID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.RemoteID)
}

// Scenario: two near-simultaneous adds both persist with distinct ids.
func TestAdd_Concurrent(t *testing.T) {
	h := newHarness(t, "")
	h.start(t)

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := h.sync.Add(context.Background(), "Topic", "body", note.Options{})
			assert.NoError(t, err)
			ids[i] = rec.LocalID
		}()
	}
	wg.Wait()

	assert.NotEqual(t, ids[0], ids[1])
	cached := h.cache.snapshot()
	require.Len(t, cached, 2)
	assert.ElementsMatch(t, ids, localIDs(cached))
	requireConsistent(t, h.sync, h.cache)
}

// Scenario: a failed isSaved push is not repaired by reconcile.
func TestToggleSave_OfflineDriftSurvivesReconcile(t *testing.T) {
	rec := syncedRecord("localId-123", "r9", "u1", "Saved later", 10)
	h := newHarness(t, "", rec)
	h.remote.seed("u1", rec)
	h.start(t)
	h.session.set("u1")
	h.flush(t)
	updatesBefore := h.remote.updates.Load()

	h.remote.setErrors(errOffline, nil)

	got, err := h.sync.ToggleSave(context.Background(), "localId-123")
	require.NoError(t, err)
	assert.True(t, got.IsSaved)

	cached := h.cache.snapshot()
	require.Len(t, cached, 1)
	assert.True(t, cached[0].IsSaved)

	h.flush(t)
	assert.Equal(t, updatesBefore+1, h.remote.updates.Load())
	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "failed update waits for retry")

	res, err := h.sync.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Uploaded)
	assert.Equal(t, updatesBefore+1, h.remote.updates.Load(), "reconcile must not push isSaved")
	assert.False(t, h.remote.rowsOf("u1")[0].IsSaved)
}

func TestToggleSave_QueuedUpdateReachesRemote(t *testing.T) {
	rec := syncedRecord("l1", "r1", "u1", "Keep", 10)
	h := newHarness(t, "u1", rec)
	h.remote.seed("u1", rec)
	h.start(t)

	_, err := h.sync.ToggleSave(context.Background(), "l1")
	require.NoError(t, err)
	h.flush(t)

	rows := h.remote.rowsOf("u1")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsSaved)

	got, err := h.sync.Get("l1")
	require.NoError(t, err)
	assert.True(t, got.IsSaved)
	assert.Equal(t, rows[0].SyncedAt, got.SyncedAt)
}

func TestToggleSave_LocalOnlyDoesNotQueue(t *testing.T) {
	h := newHarness(t, "u1", localRecord("l1", "Local", 1))
	h.remote.insertErr = func(note.Record) error { return errOffline }
	h.start(t)

	_, err := h.sync.ToggleSave(context.Background(), "l1")
	require.NoError(t, err)

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestToggleSave_Unknown(t *testing.T) {
	h := newHarness(t, "")
	h.start(t)

	_, err := h.sync.ToggleSave(context.Background(), "missing")
	assert.ErrorIs(t, err, note.ErrNotFound)
}

// Scenario: deleting a local-only record never calls the remote.
func TestDelete_LocalOnly(t *testing.T) {
	h := newHarness(t, "", localRecord("localId-123", "Gone", 1), localRecord("keep", "Keep", 2))
	h.start(t)

	require.NoError(t, h.sync.Delete(context.Background(), "localId-123"))
	h.flush(t)

	assert.Equal(t, []string{"keep"}, localIDs(h.sync.Notes()))
	assert.Equal(t, []string{"keep"}, localIDs(h.cache.snapshot()))
	assert.Zero(t, h.remote.deletes.Load())
}

func TestDelete_SyncedIsScopedByOwner(t *testing.T) {
	rec := syncedRecord("l1", "r1", "u1", "Bye", 10)
	h := newHarness(t, "u1", rec)
	h.remote.seed("u1", rec)
	h.remote.seed("u2", syncedRecord("other", "r1", "u2", "Not mine", 10))
	h.start(t)

	require.NoError(t, h.sync.Delete(context.Background(), "l1"))
	h.flush(t)

	assert.Empty(t, h.remote.rowsOf("u1"))
	assert.Len(t, h.remote.rowsOf("u2"), 1, "another owner's row with the same id survives")
}

func TestDelete_RemoteAlreadyGoneCompletes(t *testing.T) {
	rec := syncedRecord("l1", "r1", "u1", "Bye", 10)
	h := newHarness(t, "", rec)
	h.start(t)
	h.remote.listErr = errOffline // keep the sign-in reconcile from dropping l1
	h.session.set("u1")
	h.flush(t)

	require.NoError(t, h.sync.Delete(context.Background(), "l1"))
	h.flush(t)

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDelete_DuringInsertCleansUpRemoteRow(t *testing.T) {
	h := newHarness(t, "u1")
	h.start(t)

	gate := make(chan struct{})
	h.remote.insertErr = func(note.Record) error {
		<-gate
		return nil
	}

	rec, err := h.sync.Add(context.Background(), "Short lived", "body", note.Options{})
	require.NoError(t, err)
	require.NoError(t, h.sync.Delete(context.Background(), rec.LocalID))
	close(gate)
	h.flush(t)

	assert.Empty(t, h.remote.rowsOf("u1"))
	assert.Empty(t, h.sync.Notes())
}

func TestEdit_DuringInsertReachesRemote(t *testing.T) {
	h := newHarness(t, "u1")
	h.start(t)

	gate := make(chan struct{})
	h.remote.insertErr = func(note.Record) error {
		<-gate
		return nil
	}

	ctx := context.Background()
	rec, err := h.sync.Add(ctx, "Draft", "first body", note.Options{})
	require.NoError(t, err)
	_, err = h.sync.ToggleSave(ctx, rec.LocalID)
	require.NoError(t, err)
	content := "second body"
	_, err = h.sync.Update(ctx, rec.LocalID, note.Patch{Content: &content})
	require.NoError(t, err)
	close(gate)
	h.flush(t)

	rows := h.remote.rowsOf("u1")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsSaved)
	assert.Equal(t, "second body", rows[0].Content)

	_, err = h.sync.Reconcile(ctx, "u1")
	require.NoError(t, err)
	got, err := h.sync.Get(rec.LocalID)
	require.NoError(t, err)
	assert.True(t, got.IsSaved)
	assert.Equal(t, "second body", got.Content)
	assert.Equal(t, rows[0].RemoteID, got.RemoteID)
	requireConsistent(t, h.sync, h.cache)
}

func TestDelete_Unknown(t *testing.T) {
	h := newHarness(t, "")
	h.start(t)

	assert.ErrorIs(t, h.sync.Delete(context.Background(), "missing"), note.ErrNotFound)
}

func TestUpdate_KeepsIdentity(t *testing.T) {
	rec := syncedRecord("l1", "r1", "u1", "Draft", 10)
	rec.KeyPoints = []string{"one"}
	h := newHarness(t, "u1", rec)
	h.remote.seed("u1", rec)
	h.start(t)

	topic := "Final"
	points := []string{"one", "two"}
	got, err := h.sync.Update(context.Background(), "l1", note.Patch{Topic: &topic, KeyPoints: &points})
	require.NoError(t, err)

	assert.Equal(t, "l1", got.LocalID)
	assert.Equal(t, "r1", got.RemoteID)
	assert.Equal(t, int64(10), got.CreatedAt)
	assert.Equal(t, "Final", got.Topic)
	assert.Equal(t, []string{"one", "two"}, got.KeyPoints)
	requireConsistent(t, h.sync, h.cache)

	h.flush(t)
	rows := h.remote.rowsOf("u1")
	require.Len(t, rows, 1)
	assert.Equal(t, "Final", rows[0].Topic)
	assert.Equal(t, []string{"one", "two"}, rows[0].KeyPoints)
}

func TestUpdate_Validation(t *testing.T) {
	h := newHarness(t, "", localRecord("l1", "Topic", 1))
	h.start(t)

	blank := ""
	_, err := h.sync.Update(context.Background(), "l1", note.Patch{Topic: &blank})
	assert.ErrorIs(t, err, note.ErrInvalid)

	_, err = h.sync.Update(context.Background(), "missing", note.SavedPatch(true))
	assert.ErrorIs(t, err, note.ErrNotFound)

	saves := h.cache.saves
	got, err := h.sync.Update(context.Background(), "l1", note.Patch{})
	require.NoError(t, err)
	assert.Equal(t, "Topic", got.Topic)
	assert.Equal(t, saves, h.cache.saves, "empty patch writes nothing")
}

func TestCacheWriteFailureKeepsMemory(t *testing.T) {
	h := newHarness(t, "")
	h.start(t)
	h.cache.mu.Lock()
	h.cache.saveErr = errors.New("disk full")
	h.cache.mu.Unlock()

	rec, err := h.sync.Add(context.Background(), "Still here", "body", note.Options{})
	require.NoError(t, err)

	_, err = h.sync.Get(rec.LocalID)
	assert.NoError(t, err)
	assert.Empty(t, h.cache.snapshot())
}

func TestSubscribe_Cancel(t *testing.T) {
	h := newHarness(t, "")
	h.start(t)

	calls := 0
	cancel := h.sync.Subscribe(func([]note.Record) { calls++ })
	_, err := h.sync.Add(context.Background(), "One", "", note.Options{})
	require.NoError(t, err)
	cancel()
	cancel()
	_, err = h.sync.Add(context.Background(), "Two", "", note.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestDeadOperationIsSurfaced(t *testing.T) {
	rec := syncedRecord("l1", "r1", "u1", "Stuck", 10)
	cache := &fakeCache{records: []note.Record{rec}}
	remote := newFakeRemote()
	remote.seed("u1", rec)
	remote.updateErr = errOffline
	queue := NewMemoryQueue(1, time.Millisecond)

	var failed []Op
	var mu sync.Mutex
	s := New(cache, remote, newFakeSession("u1"), Options{
		Queue: queue,
		Now:   stepClock(),
		OnOpFailed: func(op Op, err error) {
			mu.Lock()
			defer mu.Unlock()
			assert.ErrorIs(t, err, errOffline)
			failed = append(failed, op)
		},
	})
	defer s.Close(context.Background())
	s.Initialize(context.Background())

	_, err := s.ToggleSave(context.Background(), "l1")
	require.NoError(t, err)
	require.NoError(t, s.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	assert.Equal(t, OpUpdate, failed[0].Kind)
	assert.Equal(t, "r1", failed[0].RemoteID)
	pending, err := queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRun_ReplaysQueuedOperations(t *testing.T) {
	rec := syncedRecord("l1", "r1", "u1", "Run", 10)
	h := newHarness(t, "u1", rec)
	h.remote.seed("u1", rec)
	h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sync.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err := h.sync.ToggleSave(context.Background(), "l1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rows := h.remote.rowsOf("u1")
		return len(rows) == 1 && rows[0].IsSaved
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSignInTriggersReconcile(t *testing.T) {
	h := newHarness(t, "")
	h.start(t)

	rec, err := h.sync.Add(context.Background(), "Photosynthesis", "light", note.Options{})
	require.NoError(t, err)

	h.session.set("u1")
	h.flush(t)

	// Upload-then-merge: reachable by the original local id with identity.
	got, err := h.sync.Get(rec.LocalID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.RemoteID)
	assert.NotZero(t, got.SyncedAt)
	assert.Equal(t, "u1", got.OwnerID)

	rows := h.remote.rowsOf("u1")
	require.Len(t, rows, 1)
	assert.Equal(t, "Photosynthesis", rows[0].Topic)
	assert.Equal(t, "light", rows[0].Content)
	assert.Equal(t, got.RemoteID, rows[0].RemoteID)
}

func TestSignOutKeepsNotes(t *testing.T) {
	rec := syncedRecord("l1", "r1", "u1", "Mine", 10)
	h := newHarness(t, "u1")
	h.remote.seed("u1", rec)
	h.start(t)

	h.session.set("")
	h.flush(t)

	assert.Empty(t, h.sync.OwnerID())
	assert.Len(t, h.sync.Notes(), 1)
	res, err := h.sync.RefreshFromRemote(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func localIDs(records []note.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.LocalID
	}
	return out
}
