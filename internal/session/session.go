// Package session stores the active user's identity and remote credentials.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// User is the active user. Credentials are only ever attached to remote
// requests at call time; they are never written into a repository.
type User struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// HasCredentials reports whether a username/password pair is stored.
func (u *User) HasCredentials() bool {
	return u != nil && u.Username != "" && u.Password != ""
}

// Store loads and saves the active user.
type Store interface {
	Load() (*User, error)
	Save(*User) error
}

// DefaultUser is returned when nothing has been stored yet.
var DefaultUser = User{Name: "tdvc", Email: "tdvc@localhost"}

// MemoryStore keeps the user in memory.
type MemoryStore struct {
	mu   sync.Mutex
	user *User
}

// NewMemoryStore creates a store holding u (nil means DefaultUser).
func NewMemoryStore(u *User) *MemoryStore {
	return &MemoryStore{user: u}
}

// Load returns a copy of the stored user.
func (s *MemoryStore) Load() (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		u := DefaultUser
		return &u, nil
	}
	u := *s.user
	return &u, nil
}

// Save replaces the stored user.
func (s *MemoryStore) Save(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.user = &cp
	return nil
}

// FileStore keeps the user in a JSON file readable only by its owner.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath returns ~/.config/tdvc/session.json.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tdvc", "session.json")
}

// Load reads the stored user, falling back to DefaultUser when the file does
// not exist.
func (s *FileStore) Load() (*User, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		u := DefaultUser
		return &u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &u, nil
}

// Save writes the user with 0600 permissions.
func (s *FileStore) Save(u *User) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}
