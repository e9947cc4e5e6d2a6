package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/notesync/internal/note"
)

const noteColumns = `id, owner_id, local_id, topic, content, created_at, synced_at, is_saved, image_uri, summary, key_points, source, language`

// --- Remote notes ---

// InsertNote stores a note row. rec.RemoteID and rec.OwnerID must be set.
// Returns ErrConflict when the owner already has a row for rec.LocalID.
func (s *Store) InsertNote(rec note.Record) error {
	keyPoints, err := marshalKeyPoints(rec.KeyPoints)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO notes (`+noteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RemoteID, rec.OwnerID, rec.LocalID, rec.Topic, rec.Content, rec.CreatedAt, rec.SyncedAt,
		boolToInt(rec.IsSaved), rec.ImageURI, rec.Summary, keyPoints, rec.Source, rec.Language,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetNote returns the note with id owned by ownerID.
func (s *Store) GetNote(id, ownerID string) (note.Record, error) {
	row := s.db.QueryRow(`SELECT `+noteColumns+` FROM notes WHERE id = ? AND owner_id = ?`, id, ownerID)
	rec, err := scanNote(row)
	if err == sql.ErrNoRows {
		return note.Record{}, ErrNotFound
	}
	return rec, err
}

// GetNoteByLocalID returns the note ownerID uploaded under localID.
func (s *Store) GetNoteByLocalID(ownerID, localID string) (note.Record, error) {
	row := s.db.QueryRow(`SELECT `+noteColumns+` FROM notes WHERE owner_id = ? AND local_id = ?`, ownerID, localID)
	rec, err := scanNote(row)
	if err == sql.ErrNoRows {
		return note.Record{}, ErrNotFound
	}
	return rec, err
}

// ListNotesByOwner returns every note owned by ownerID, newest first.
func (s *Store) ListNotesByOwner(ownerID string) ([]note.Record, error) {
	rows, err := s.db.Query(`SELECT `+noteColumns+` FROM notes WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []note.Record
	for rows.Next() {
		rec, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// UpdateNote overwrites the mutable columns of an existing note. The row is
// matched on both id and owner.
func (s *Store) UpdateNote(rec note.Record) error {
	keyPoints, err := marshalKeyPoints(rec.KeyPoints)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE notes SET topic = ?, content = ?, synced_at = ?, is_saved = ?, image_uri = ?,
			summary = ?, key_points = ?, source = ?, language = ?
		WHERE id = ? AND owner_id = ?`,
		rec.Topic, rec.Content, rec.SyncedAt, boolToInt(rec.IsSaved), rec.ImageURI,
		rec.Summary, keyPoints, rec.Source, rec.Language,
		rec.RemoteID, rec.OwnerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNote removes the note with id owned by ownerID.
func (s *Store) DeleteNote(id, ownerID string) error {
	res, err := s.db.Exec(`DELETE FROM notes WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (note.Record, error) {
	var rec note.Record
	var isSaved int
	var keyPoints string
	if err := row.Scan(&rec.RemoteID, &rec.OwnerID, &rec.LocalID, &rec.Topic, &rec.Content,
		&rec.CreatedAt, &rec.SyncedAt, &isSaved, &rec.ImageURI, &rec.Summary, &keyPoints,
		&rec.Source, &rec.Language); err != nil {
		return note.Record{}, err
	}
	rec.IsSaved = isSaved != 0
	if keyPoints != "" && keyPoints != "[]" {
		if err := json.Unmarshal([]byte(keyPoints), &rec.KeyPoints); err != nil {
			return note.Record{}, fmt.Errorf("parsing key_points for note %s: %w", rec.RemoteID, err)
		}
	}
	return rec, nil
}

func marshalKeyPoints(points []string) (string, error) {
	if len(points) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(points)
	if err != nil {
		return "", fmt.Errorf("marshalling key points: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Accounts ---

// CreateUser stores a new account. Returns ErrConflict when the email is taken.
func (s *Store) CreateUser(u User) error {
	_, err := s.db.Exec(`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, strings.ToLower(u.Email), u.PasswordHash, u.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetUserByEmail looks an account up by its (case-insensitive) email.
func (s *Store) GetUserByEmail(email string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRow(`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`,
		strings.ToLower(email)).Scan(&u.ID, &u.Email, &u.PasswordHash, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return u, nil
}

func (s *Store) CreateSession(sess Session) error {
	_, err := s.db.Exec(`INSERT INTO sessions (token_hash, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.TokenHash, sess.UserID,
		sess.CreatedAt.UTC().Format(time.RFC3339), sess.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSession(tokenHash string) (Session, error) {
	var sess Session
	var createdAt, expiresAt string
	err := s.db.QueryRow(`SELECT token_hash, user_id, created_at, expires_at FROM sessions WHERE token_hash = ?`,
		tokenHash).Scan(&sess.TokenHash, &sess.UserID, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return Session{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	return sess, nil
}

func (s *Store) DeleteSession(tokenHash string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	return err
}
