package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/notesync/internal/note"
	"github.com/kalambet/notesync/internal/storage"
)

type listNotesResponse struct {
	Notes []note.Record `json:"notes"`
}

func handleListNotes(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := chi.URLParam(r, "ownerID")
		notes, err := deps.Store.ListNotesByOwner(owner)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list notes: %v", err)
			return
		}
		if notes == nil {
			notes = []note.Record{}
		}
		writeJSON(w, http.StatusOK, listNotesResponse{Notes: notes})
	}
}

func handleCreateNote(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var rec note.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		now := note.Millis(deps.Now())
		rec.RemoteID = uuid.New().String()
		rec.OwnerID = chi.URLParam(r, "ownerID")
		rec.SyncedAt = now
		if rec.LocalID == "" {
			rec.LocalID = rec.RemoteID
		}
		if rec.CreatedAt == 0 {
			rec.CreatedAt = now
		}
		if err := rec.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		err := deps.Store.InsertNote(rec)
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent upload of the same local record won the race.
			existing, getErr := deps.Store.GetNoteByLocalID(rec.OwnerID, rec.LocalID)
			if getErr != nil {
				httpError(w, http.StatusConflict, "conflict_error", "note already exists")
				return
			}
			writeJSON(w, http.StatusOK, existing)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store note: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func handleUpdateNote(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var patch note.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := patch.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		owner := chi.URLParam(r, "ownerID")
		id := chi.URLParam(r, "noteID")
		rec, err := deps.Store.GetNote(id, owner)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get note: %v", err)
			return
		}

		rec = patch.Apply(rec)
		rec.SyncedAt = note.Millis(deps.Now())
		err = deps.Store.UpdateNote(rec)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update note: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleDeleteNote(deps ServerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteNote(chi.URLParam(r, "noteID"), chi.URLParam(r, "ownerID"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete note: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
