package notesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/notesync/internal/metrics"
	"github.com/kalambet/notesync/internal/note"
)

// ReconcileResult summarises one reconcile pass.
type ReconcileResult struct {
	// Skipped is set when another reconcile was already running, or when
	// RefreshFromRemote found nobody signed in.
	Skipped  bool
	Uploaded int
	Failed   int
	// Total is the size of the published collection.
	Total int
}

// RefreshFromRemote reconciles for the current owner. It does nothing when
// signed out.
func (s *Synchronizer) RefreshFromRemote(ctx context.Context) (ReconcileResult, error) {
	owner := s.OwnerID()
	if owner == "" {
		return ReconcileResult{Skipped: true}, nil
	}
	return s.Reconcile(ctx, owner)
}

// Reconcile fetches the remote collection for ownerID, uploads local-only
// records and publishes the merged, remote-authoritative collection. Only one
// pass runs at a time; a call made while another is running returns
// immediately with Skipped set. A failed remote fetch leaves all state
// untouched and is returned.
//
// Reconcile only uploads records that have no remote id. Fields changed on
// synced records are pushed by the operation queue, never by Reconcile.
func (s *Synchronizer) Reconcile(ctx context.Context, ownerID string) (ReconcileResult, error) {
	if ownerID == "" {
		return ReconcileResult{}, ErrNoOwner
	}
	if !s.reconciling.CompareAndSwap(false, true) {
		s.metrics.RecordReconcile(metrics.ResultSkipped, 0)
		return ReconcileResult{Skipped: true}, nil
	}
	defer s.reconciling.Store(false)

	start := time.Now()

	s.mu.Lock()
	snapshot := note.CloneAll(s.notes)
	inflight := make(map[string]struct{}, len(s.inflight))
	for id := range s.inflight {
		inflight[id] = struct{}{}
	}
	s.delta = &reconcileDelta{touched: make(map[string]struct{}), deleted: make(map[string]string)}
	s.mu.Unlock()

	remoteRecs, err := s.remote.ListByOwner(ctx, ownerID)
	if err != nil {
		s.mu.Lock()
		s.delta = nil
		s.mu.Unlock()
		s.metrics.RecordReconcile(metrics.ResultError, time.Since(start).Seconds())
		return ReconcileResult{}, fmt.Errorf("fetching remote notes for %s: %w", ownerID, err)
	}

	remoteRecs = s.normalizeRemote(remoteRecs, snapshot, ownerID)
	remoteLocalIDs := make(map[string]struct{}, len(remoteRecs))
	for _, r := range remoteRecs {
		remoteLocalIDs[r.LocalID] = struct{}{}
	}

	var candidates, keep []note.Record
	for _, r := range snapshot {
		switch {
		case r.RemoteID != "":
			// Synced records come back through the remote listing or not at all.
		case hasKey(inflight, r.LocalID):
			keep = append(keep, r)
		case r.OwnerID != "" && r.OwnerID != ownerID:
			keep = append(keep, r)
		case hasKey(remoteLocalIDs, r.LocalID):
			// Already stored remotely; a previous insert response was lost.
		default:
			candidates = append(candidates, r)
		}
	}

	uploaded, failed := s.upload(ctx, ownerID, candidates)

	merged := make([]note.Record, 0, len(remoteRecs)+len(uploaded)+len(failed)+len(keep))
	merged = append(merged, remoteRecs...)
	merged = append(merged, uploaded...)
	merged = append(merged, failed...)
	merged = append(merged, keep...)
	merged = note.Dedupe(merged)

	s.mu.Lock()
	final, orphans := s.applyDeltaLocked(merged)
	note.SortNewestFirst(final)
	s.notes = final
	s.delta = nil
	s.persistLocked(ctx)
	total := len(s.notes)
	s.mu.Unlock()

	s.publish()
	for _, op := range orphans {
		s.enqueue(ctx, op)
	}

	res := ReconcileResult{Uploaded: len(uploaded), Failed: len(failed), Total: total}
	s.metrics.RecordReconcile(metrics.ResultSuccess, time.Since(start).Seconds())
	s.logger.Info("reconcile complete", "owner_id", ownerID,
		"remote", len(remoteRecs), "uploaded", res.Uploaded, "failed", res.Failed, "total", res.Total)
	return res, nil
}

// normalizeRemote makes remote rows addressable by LocalID. A local record
// that already carries the row's remote id keeps its LocalID.
func (s *Synchronizer) normalizeRemote(rows, snapshot []note.Record, ownerID string) []note.Record {
	byRemote := make(map[string]string, len(snapshot))
	for _, r := range snapshot {
		if r.RemoteID != "" {
			byRemote[r.RemoteID] = r.LocalID
		}
	}
	out := make([]note.Record, 0, len(rows))
	for _, r := range rows {
		if r.RemoteID == "" {
			s.logger.Warn("ignoring remote note without id", "owner_id", ownerID)
			continue
		}
		if localID, ok := byRemote[r.RemoteID]; ok {
			r.LocalID = localID
		} else if r.LocalID == "" {
			r.LocalID = r.RemoteID
		}
		r.OwnerID = ownerID
		out = append(out, r.Clone())
	}
	note.SortNewestFirst(out)
	return out
}

// upload inserts candidates with bounded concurrency. Each failure is
// isolated to its record.
func (s *Synchronizer) upload(ctx context.Context, ownerID string, candidates []note.Record) (uploaded, failed []note.Record) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.uploadConcurrency)
	for _, rec := range candidates {
		g.Go(func() error {
			stored, err := s.remote.Insert(gctx, rec, ownerID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.metrics.RecordUpload(metrics.ResultError)
				s.logger.Warn("uploading local note", "local_id", rec.LocalID, "error", err)
				failed = append(failed, rec)
				return nil
			}
			s.metrics.RecordUpload(metrics.ResultSuccess)
			uploaded = append(uploaded, withIdentity(rec, stored, ownerID, s.now()))
			return nil
		})
	}
	_ = g.Wait()
	return uploaded, failed
}

// applyDeltaLocked re-applies mutations made since the snapshot on top of
// merged. It returns the remote operations that carry those mutations onto
// rows this pass created.
func (s *Synchronizer) applyDeltaLocked(merged []note.Record) ([]note.Record, []Op) {
	d := s.delta
	if d == nil || (len(d.touched) == 0 && len(d.deleted) == 0) {
		return merged, nil
	}

	var orphans []Op
	out := make([]note.Record, 0, len(merged)+len(d.touched))
	for _, r := range merged {
		if knownRemote, ok := d.deleted[r.LocalID]; ok {
			if r.RemoteID != "" && r.RemoteID != knownRemote {
				orphans = append(orphans, Op{Kind: OpDelete, LocalID: r.LocalID, RemoteID: r.RemoteID, OwnerID: r.OwnerID})
			}
			continue
		}
		if _, ok := d.touched[r.LocalID]; ok {
			continue
		}
		out = append(out, r)
	}

	mergedIdx := make(map[string]int, len(merged))
	for i, r := range merged {
		mergedIdx[r.LocalID] = i
	}
	for id := range d.touched {
		i := note.IndexOf(s.notes, id)
		if i < 0 {
			continue
		}
		cur := s.notes[i].Clone()
		if j, ok := mergedIdx[id]; ok && cur.RemoteID == "" && merged[j].RemoteID != "" {
			// Uploaded by this pass while being edited locally.
			cur.RemoteID = merged[j].RemoteID
			cur.OwnerID = merged[j].OwnerID
			cur.SyncedAt = merged[j].SyncedAt
			orphans = append(orphans, Op{Kind: OpUpdate, LocalID: cur.LocalID, RemoteID: cur.RemoteID, OwnerID: cur.OwnerID, Patch: fullPatch(cur)})
		}
		out = append(out, cur)
	}
	return out, orphans
}

// fullPatch sets every mutable field of r.
func fullPatch(r note.Record) note.Patch {
	keyPoints := append([]string(nil), r.KeyPoints...)
	return note.Patch{
		Topic:     &r.Topic,
		Content:   &r.Content,
		IsSaved:   &r.IsSaved,
		ImageURI:  &r.ImageURI,
		Summary:   &r.Summary,
		KeyPoints: &keyPoints,
		Source:    &r.Source,
		Language:  &r.Language,
	}
}

func hasKey(m map[string]struct{}, id string) bool {
	_, ok := m[id]
	return ok
}
