// Package approval holds the process-wide approval token store. A token is
// minted at the end of a plan run that recorded at least one command-class
// operation; presenting it in a subsequent apply run authorises the recorded
// command set en bloc. Tokens are single-use and expire on a schedule so the
// store cannot grow without bound under failure conditions.
//
// Tokens are in-memory only and do not survive a process restart.
package approval

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// DefaultTTL is the lifetime of a minted token.
const DefaultTTL = 5 * time.Minute

// Operation is one blocked high-impact operation recorded at plan time.
type Operation struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

// Record is the state associated with a token.
type Record struct {
	Operations []Operation `json:"operations"`
	// OperationsHash is the SHA-256 of the canonical (RFC 8785) JSON
	// encoding of Operations, so auditors can pin exactly what a token
	// authorised.
	OperationsHash string    `json:"operationsHash"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Store is a concurrent token → record map with scheduled expiry.
type Store struct {
	mu      sync.Mutex
	records map[string]Record
	timers  map[string]*time.Timer
	clock   func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]Record),
		timers:  make(map[string]*time.Timer),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing. The scheduled
// reaper still uses real timers; expiry checks on Get use the injected clock.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Mint generates a fresh token, stores the record, and schedules its
// removal at expiry.
func (s *Store) Mint(ops []Operation, ttl time.Duration) (string, Record) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := NewToken()
	rec := Record{
		Operations:     ops,
		OperationsHash: hashOperations(ops),
		ExpiresAt:      s.clock().Add(ttl),
	}

	s.mu.Lock()
	s.records[token] = rec
	s.timers[token] = time.AfterFunc(ttl, func() { s.Delete(token) })
	s.mu.Unlock()

	return token, rec
}

// Get looks up a token. A record whose expiry has passed is treated as
// missing and removed.
func (s *Store) Get(token string) (Record, bool) {
	s.mu.Lock()
	rec, ok := s.records[token]
	if ok && s.clock().After(rec.ExpiresAt) {
		s.removeLocked(token)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return Record{}, false
	}
	return rec, true
}

// Delete removes a token and cancels its scheduled expiry. Presenting a
// token consumes it, so apply calls Delete after a successful run.
func (s *Store) Delete(token string) {
	s.mu.Lock()
	s.removeLocked(token)
	s.mu.Unlock()
}

func (s *Store) removeLocked(token string) {
	if t, ok := s.timers[token]; ok {
		t.Stop()
		delete(s.timers, token)
	}
	delete(s.records, token)
}

// Len returns the number of live tokens.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// NewToken returns an opaque, uniformly random 128-bit identifier in hex.
func NewToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// The system RNG failing is not recoverable for a security token.
		panic("approval: system RNG unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

func hashOperations(ops []Operation) string {
	if ops == nil {
		ops = []Operation{}
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}
