package notesync

import (
	"context"

	"github.com/kalambet/notesync/internal/note"
)

// LocalCache persists the whole note collection.
type LocalCache interface {
	Load(ctx context.Context) ([]note.Record, error)
	Save(ctx context.Context, records []note.Record) error
}

// RemoteStore is the owner-scoped remote note table. Update and Delete
// return note.ErrNotFound when no row matches both ids.
type RemoteStore interface {
	ListByOwner(ctx context.Context, ownerID string) ([]note.Record, error)
	Insert(ctx context.Context, rec note.Record, ownerID string) (note.Record, error)
	Update(ctx context.Context, remoteID, ownerID string, patch note.Patch) (note.Record, error)
	Delete(ctx context.Context, remoteID, ownerID string) error
}

// SessionSource reports the signed-in owner and notifies on changes.
// The empty string means signed out.
type SessionSource interface {
	CurrentOwnerID() string
	Subscribe(fn func(ownerID string)) (unsubscribe func())
}
