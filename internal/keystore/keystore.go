// Package keystore authenticates remote callers against a file of hashed
// API keys. The file is externally owned shared state: the daemon and any
// co-located tooling may touch it, so every write happens under an advisory
// file lock and lands via an atomic rename. An unreadable or corrupt file
// fails closed: every key is rejected until an operator intervenes.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/spullara/k7/pkg/model"
)

const (
	// KeyPrefix makes leaked keys easy to attribute in scans.
	KeyPrefix = "k7_"

	// DefaultTTL applies when a generate call does not say otherwise.
	DefaultTTL = 365 * 24 * time.Hour

	DefaultPath = "/etc/k7/api_keys.json"
)

// ErrUnauthorized is returned for any verification failure: unknown key,
// expired key, or an unreadable store.
var ErrUnauthorized = errors.New("unauthorized")

// fileRecord is the on-disk value, keyed by the hex SHA-256 of the plaintext.
// Timestamps are unix seconds.
type fileRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Created  int64  `json:"created"`
	Expires  int64  `json:"expires"`
	LastUsed *int64 `json:"last_used"`
}

type Store struct {
	path string
	mu   sync.RWMutex
}

func New(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// HashKey returns the stored form of a plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Generate mints a new key and returns the plaintext exactly once; only the
// hash is persisted. A non-positive ttl picks the default.
func (s *Store) Generate(name string, ttl time.Duration) (*model.GenerateKeyResponse, error) {
	if name == "" {
		return nil, &model.ValidationError{Field: "name", Message: "name is required"}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lockFile()
	if err != nil {
		return nil, err
	}
	defer unlock()

	keys, _, err := s.load()
	if err != nil {
		// Never clobber a store we cannot parse.
		return nil, fmt.Errorf("load key store: %w", err)
	}

	now := time.Now()
	rec := fileRecord{
		ID:      uuid.New().String()[:8],
		Name:    name,
		Created: now.Unix(),
		Expires: now.Add(ttl).Unix(),
	}
	keys[HashKey(plaintext)] = rec
	if err := s.save(keys); err != nil {
		return nil, err
	}

	return &model.GenerateKeyResponse{
		ID:        rec.ID,
		Name:      rec.Name,
		Key:       plaintext,
		ExpiresAt: time.Unix(rec.Expires, 0),
	}, nil
}

// Verify hashes the presented key and scans every stored hash with a
// constant-time comparison, never exiting early, so timing reveals nothing
// about which (if any) entry matched. last_used is updated only on success.
func (s *Store) Verify(presented string) (*model.APIKey, error) {
	if presented == "" {
		return nil, ErrUnauthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, _, err := s.load()
	if err != nil {
		return nil, ErrUnauthorized
	}

	hash := []byte(HashKey(presented))
	var matched string
	for stored := range keys {
		if subtle.ConstantTimeCompare(hash, []byte(stored)) == 1 {
			matched = stored
		}
	}
	if matched == "" {
		return nil, ErrUnauthorized
	}

	rec := keys[matched]
	now := time.Now()
	if rec.Expires > 0 && now.Unix() > rec.Expires {
		return nil, ErrUnauthorized
	}

	used := now.Unix()
	rec.LastUsed = &used
	keys[matched] = rec

	unlock, err := s.lockFile()
	if err != nil {
		return nil, ErrUnauthorized
	}
	defer unlock()
	if err := s.save(keys); err != nil {
		return nil, ErrUnauthorized
	}

	return recordMeta(rec), nil
}

// Revoke removes a key by id. Revoking an unknown id is a no-op: the
// caller's goal state already holds.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	keys, purged, err := s.load()
	if err != nil {
		return fmt.Errorf("load key store: %w", err)
	}

	changed := purged
	for hash, rec := range keys {
		if rec.ID == id {
			delete(keys, hash)
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}
	return s.save(keys)
}

// List returns key metadata, oldest first. Hashes never leave the store.
func (s *Store) List() ([]model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, _, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("load key store: %w", err)
	}

	now := time.Now().Unix()
	out := make([]model.APIKey, 0, len(keys))
	for _, rec := range keys {
		if rec.Expires > 0 && now > rec.Expires {
			continue
		}
		out = append(out, *recordMeta(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func recordMeta(rec fileRecord) *model.APIKey {
	meta := &model.APIKey{
		ID:        rec.ID,
		Name:      rec.Name,
		CreatedAt: time.Unix(rec.Created, 0),
		ExpiresAt: time.Unix(rec.Expires, 0),
	}
	if rec.LastUsed != nil {
		t := time.Unix(*rec.LastUsed, 0)
		meta.LastUsedAt = &t
	}
	return meta
}

// load reads the file into memory and drops entries that expired. It
// reports whether anything was purged so mutating callers persist the sweep;
// read-only callers just ignore the flag.
func (s *Store) load() (map[string]fileRecord, bool, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]fileRecord{}, false, nil
		}
		return nil, false, err
	}
	keys := map[string]fileRecord{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, false, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	now := time.Now().Unix()
	purged := false
	for hash, rec := range keys {
		if rec.Expires > 0 && now > rec.Expires {
			delete(keys, hash)
			purged = true
		}
	}
	return keys, purged, nil
}

// save writes the full map through a temp file and an atomic rename so a
// reader can never observe a half-written store.
func (s *Store) save(keys map[string]fileRecord) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".api_keys-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// lockFile takes an exclusive advisory lock on a sidecar so concurrent
// processes serialize their read-modify-write cycles. The returned func
// releases on every exit path.
func (s *Store) lockFile() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", s.path, err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
