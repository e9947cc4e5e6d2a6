package notesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/notesync/internal/metrics"
	"github.com/kalambet/notesync/internal/note"
)

// Run replays queued remote operations until ctx is cancelled. It wakes up
// immediately when an operation is queued and otherwise polls.
func (s *Synchronizer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("supervisor iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(s.poll):
		}
	}
}

// RunOnce claims and replays a single due operation. It returns true when an
// operation was processed, whether or not it succeeded.
func (s *Synchronizer) RunOnce(ctx context.Context) (bool, error) {
	op, err := s.queue.Claim(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming operation: %w", err)
	}
	if op == nil {
		return false, nil
	}
	defer s.refreshPending(ctx)

	kind := opLabel(op.Kind)
	err = s.replay(ctx, op)
	if errors.Is(err, note.ErrNotFound) {
		// The row is already gone; nothing left to do.
		s.logger.Debug("remote row missing, dropping operation", "op", op.Kind, "remote_id", op.RemoteID)
		err = nil
	}
	if err != nil {
		dead, failErr := s.queue.Fail(ctx, op.ID, err)
		if failErr != nil {
			return true, fmt.Errorf("marking operation %s failed: %w", op.ID, failErr)
		}
		if !dead {
			s.metrics.RecordRemoteOp(kind, metrics.ResultError)
			s.logger.Warn("remote operation failed, will retry", "op", op.Kind, "local_id", op.LocalID, "attempt", op.Attempts+1, "error", err)
			return true, nil
		}
		s.metrics.RecordRemoteOp(kind, metrics.ResultDead)
		s.logger.Error("remote operation abandoned", "op", op.Kind, "local_id", op.LocalID, "remote_id", op.RemoteID, "error", err)
		if s.onOpFailed != nil {
			s.onOpFailed(*op, err)
		}
		return true, nil
	}

	s.metrics.RecordRemoteOp(kind, metrics.ResultSuccess)
	if err := s.queue.Complete(ctx, op.ID); err != nil {
		return true, fmt.Errorf("completing operation %s: %w", op.ID, err)
	}
	return true, nil
}

func (s *Synchronizer) replay(ctx context.Context, op *Op) error {
	switch op.Kind {
	case OpDelete:
		return s.remote.Delete(ctx, op.RemoteID, op.OwnerID)
	case OpUpdate:
		stored, err := s.remote.Update(ctx, op.RemoteID, op.OwnerID, op.Patch)
		if err != nil {
			return err
		}
		s.confirmUpdate(op, stored)
		return nil
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// confirmUpdate records the sync time of a pushed update. Local fields are
// left alone: a newer local edit may already be queued behind this one.
func (s *Synchronizer) confirmUpdate(op *Op, stored note.Record) {
	s.mu.Lock()
	i := note.IndexOf(s.notes, op.LocalID)
	if i < 0 || s.notes[i].RemoteID != op.RemoteID {
		s.mu.Unlock()
		return
	}
	s.notes[i].SyncedAt = stored.SyncedAt
	if s.notes[i].SyncedAt == 0 {
		s.notes[i].SyncedAt = note.Millis(s.now())
	}
	s.persistLocked(s.bgCtx)
	s.mu.Unlock()

	s.publish()
}

func opLabel(k OpKind) string {
	switch k {
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return string(k)
}
