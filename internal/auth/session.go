// Package auth holds the client-side session and the credential helpers used
// by the remote store server.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SessionFileName is the file inside the data dir that holds the session.
const SessionFileName = "session.json"

// State is the persisted session.
type State struct {
	OwnerID    string    `json:"owner_id"`
	Email      string    `json:"email"`
	Token      string    `json:"token"`
	SignedInAt time.Time `json:"signed_in_at"`
}

// FileSession is a session source backed by a JSON file so that every
// notesync process on the machine sees the same owner.
type FileSession struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	state State

	subMu  sync.Mutex
	subs   map[int]func(ownerID string)
	nextID int
}

// OpenFileSession loads the session stored in dataDir. A missing file means
// signed out.
func OpenFileSession(dataDir string) (*FileSession, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	s := &FileSession{
		path:   filepath.Join(dataDir, SessionFileName),
		logger: slog.Default(),
		subs:   make(map[int]func(string)),
	}
	st, err := readState(s.path)
	if err != nil {
		return nil, err
	}
	s.state = st
	return s, nil
}

// Path returns the session file location.
func (s *FileSession) Path() string { return s.path }

// CurrentOwnerID returns the signed-in owner, or "" when signed out.
func (s *FileSession) CurrentOwnerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.OwnerID
}

// Token returns the bearer token for the remote store.
func (s *FileSession) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Token
}

// State returns a copy of the current session.
func (s *FileSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn to be called with the new owner id after every
// sign-in or sign-out. The returned func removes the subscription.
func (s *FileSession) Subscribe(fn func(ownerID string)) func() {
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

// SignIn persists st and notifies subscribers.
func (s *FileSession) SignIn(st State) error {
	if st.OwnerID == "" || st.Token == "" {
		return errors.New("sign in requires an owner id and a token")
	}
	if st.SignedInAt.IsZero() {
		st.SignedInAt = time.Now().UTC()
	}
	if err := writeState(s.path, st); err != nil {
		return err
	}
	s.set(st)
	return nil
}

// SignOut removes the session file and notifies subscribers.
func (s *FileSession) SignOut() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing session: %w", err)
	}
	s.set(State{})
	return nil
}

// Reload re-reads the session file, notifying subscribers when the owner
// changed underneath us.
func (s *FileSession) Reload() error {
	st, err := readState(s.path)
	if err != nil {
		return err
	}
	s.set(st)
	return nil
}

// Watch follows the session file for changes made by other processes. The
// watcher is running when Watch returns; the returned channel is closed once
// ctx is cancelled and the watcher has shut down.
func (s *FileSession) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	// Watch the directory: the file itself is replaced on every write.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != SessionFileName {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn("reloading session", "path", s.path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("session watcher error", "error", err)
			}
		}
	}()
	return done, nil
}

func (s *FileSession) set(st State) {
	s.mu.Lock()
	prev := s.state.OwnerID
	s.state = st
	s.mu.Unlock()

	if prev == st.OwnerID {
		return
	}
	s.logger.Info("session changed", "owner_id", st.OwnerID)

	s.subMu.Lock()
	fns := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(st.OwnerID)
	}
}

func readState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading session: %w", err)
	}
	// A writer in another process may have truncated the file mid-rename.
	if len(data) == 0 {
		return State{}, nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parsing session %s: %w", path, err)
	}
	return st, nil
}

func writeState(path string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".session-*.json")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing session: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting session permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing session file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}
