// Package account keeps the signed-in user between runs.
// It is a local placeholder: no credentials are verified.
package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketName = []byte("account")
	userKey    = []byte("user")
)

// ErrInvalidEmail is returned by SignIn for an address without a local part and domain.
var ErrInvalidEmail = errors.New("account: invalid email")

// User is the signed-in identity shown by the dashboard shell.
type User struct {
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	SignedInAt time.Time `json:"signed_in_at"`
}

// Session is an explicit handle on the signed-in user. It is created once at
// startup with Open and passed to whatever needs it.
type Session struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	user *User
}

// Open loads the persisted user at path, if any. A missing file means signed out.
func Open(path string) (*Session, error) {
	s := &Session{path: path, now: time.Now}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		v := b.Get(userKey)
		if len(v) == 0 {
			return nil
		}
		var u User
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("decode stored user: %w", err)
		}
		s.user = &u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// User returns the signed-in user.
func (s *Session) User() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// SignIn records email as the signed-in user. The display name is the part before '@'.
func (s *Session) SignIn(email string) (User, error) {
	email = strings.TrimSpace(email)
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return User{}, ErrInvalidEmail
	}
	u := User{Name: local, Email: email, SignedInAt: s.now().UTC()}
	enc, err := json.Marshal(u)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.open()
	if err != nil {
		return User{}, err
	}
	defer func() { _ = db.Close() }()
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.Put(userKey, enc)
	})
	if err != nil {
		return User{}, fmt.Errorf("store user: %w", err)
	}
	s.user = &u
	return u, nil
}

// SignOut forgets the user, in memory and on disk.
func (s *Session) SignOut() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

func (s *Session) open() (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return db, nil
}
