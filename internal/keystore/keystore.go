// Package keystore manages client-facing API keys: format validation,
// admin CRUD and the masked representation used in logs and API responses.
package keystore

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

var keyFormat = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	// ErrNotFound is returned when a key id has no matching record.
	ErrNotFound = errors.New("keystore: key not found")
	// ErrInvalidFormat is returned when a candidate key fails format validation.
	ErrInvalidFormat = errors.New("keystore: invalid key format")
	// ErrDuplicateID is returned when creating a key whose id already exists.
	ErrDuplicateID = errors.New("keystore: key id already exists")
)

// Limits bounds per-key throughput, enforced by the rate limiter.
type Limits struct {
	RequestsPerMinute  int `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour    int `yaml:"requests_per_hour" json:"requests_per_hour"`
	ConcurrentRequests int `yaml:"concurrent_requests" json:"concurrent_requests"`
}

// ApiKey is the gateway's admission credential: an opaque "sk-" identifier
// mapped to a human name, active flag, per-key limits and an optional set
// of upstream provider credential overrides.
type ApiKey struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Active            bool              `json:"active"`
	Limits            Limits            `json:"limits"`
	ProviderCredRefs  map[string]string `json:"provider_credential_refs,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Masked returns the log/response-safe form: prefix + last 4 characters.
func (k *ApiKey) Masked() string {
	return Mask(k.ID)
}

// Mask renders "sk-xxxx…abcd" for a raw key, showing only a short prefix
// and the last 4 characters.
func Mask(id string) string {
	if len(id) <= 8 {
		return "sk-****"
	}
	return fmt.Sprintf("%s…%s", id[:7], id[len(id)-4:])
}

// ValidateFormat enforces the wire format: "sk-" prefix, length in [10,200],
// and only [A-Za-z0-9_-] characters.
func ValidateFormat(id string) error {
	if len(id) < 10 || len(id) > 200 {
		return ErrInvalidFormat
	}
	if id[:3] != "sk-" {
		return ErrInvalidFormat
	}
	if !keyFormat.MatchString(id) {
		return ErrInvalidFormat
	}
	return nil
}

// Store is a thread-safe, in-process key registry. Keys are seeded at
// startup from configuration and mutated only through admin operations;
// there is no self-service key creation path.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*ApiKey
}

// NewStore creates an empty key store.
func NewStore() *Store {
	return &Store{keys: make(map[string]*ApiKey)}
}

// Seed loads a batch of keys at startup, bypassing uniqueness checks
// beyond last-write-wins (config is the source of truth at boot).
func (s *Store) Seed(keys []*ApiKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, k := range keys {
		if k.CreatedAt.IsZero() {
			k.CreatedAt = now
		}
		k.UpdatedAt = now
		s.keys[k.ID] = k
	}
}

// Resolve looks up a key by its raw identifier. It returns ErrNotFound for
// unknown keys and does not itself check the Active flag -- callers decide
// what "inactive" means for their admission path.
func (s *Store) Resolve(id string) (*ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return k, nil
}

// Create adds a new key record. Returns ErrInvalidFormat or ErrDuplicateID.
func (s *Store) Create(k *ApiKey) error {
	if err := ValidateFormat(k.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[k.ID]; exists {
		return ErrDuplicateID
	}
	now := time.Now()
	k.CreatedAt = now
	k.UpdatedAt = now
	s.keys[k.ID] = k
	return nil
}

// Update applies a partial mutation via fn and bumps UpdatedAt.
func (s *Store) Update(id string, fn func(*ApiKey)) (*ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	fn(k)
	k.UpdatedAt = time.Now()
	return k, nil
}

// Revoke deactivates a key. The spec treats revocation as a permanent
// admin action, so this flips Active to false rather than deleting the
// record -- deletion is a separate, explicit operation.
func (s *Store) Revoke(id string) error {
	_, err := s.Update(id, func(k *ApiKey) { k.Active = false })
	return err
}

// Delete permanently removes a key record.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

// List returns a snapshot of all keys, unordered.
func (s *Store) List() []*ApiKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ApiKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out
}
