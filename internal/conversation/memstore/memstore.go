// Package memstore provides an in-memory implementation of conversation.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/mhmd-249/cbi/internal/conversation"
)

type record struct {
	data      []byte
	expiresAt time.Time
}

type session struct {
	convID    string
	expiresAt time.Time
}

// Store holds encoded conversation records in memory with TTLs. Suitable
// for dev/testing.
type Store struct {
	mu         sync.Mutex
	records    map[string]record  // conversation ID -> encoded state
	sessions   map[string]session // channel:hash -> conversation ID
	hasher     conversation.Hasher
	stateTTL   time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTLs sets the state and session lifetimes.
func WithTTLs(state, session time.Duration) Option {
	return func(s *Store) {
		if state > 0 {
			s.stateTTL = state
		}
		if session > 0 {
			s.sessionTTL = session
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New initializes a new in-memory Store.
func New(hasher conversation.Hasher, opts ...Option) *Store {
	s := &Store{
		records:    make(map[string]record),
		sessions:   make(map[string]session),
		hasher:     hasher,
		stateTTL:   conversation.DefaultStateTTL,
		sessionTTL: conversation.DefaultSessionTTL,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetOrCreate returns the sender's active conversation or starts a new one.
func (s *Store) GetOrCreate(_ context.Context, channel, identity string) (*conversation.State, bool, error) {
	hash := s.hasher.Hash(identity)
	key := conversation.SessionKey(channel, hash)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if sess, ok := s.sessions[key]; ok && now.Before(sess.expiresAt) {
		if st, ok := s.loadLocked(sess.convID, now); ok {
			return st, false, nil
		}
		// dangling session, fall through and replace it
	}
	st, err := s.createLocked(channel, hash, now)
	return st, true, err
}

// Create starts a fresh conversation for the sender.
func (s *Store) Create(_ context.Context, channel, identity string) (*conversation.State, error) {
	hash := s.hasher.Hash(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(channel, hash, s.now())
}

func (s *Store) createLocked(channel, hash string, now time.Time) (*conversation.State, error) {
	st := conversation.NewState(conversation.NewID(), channel, hash, now)
	if err := s.putLocked(st, now); err != nil {
		return nil, err
	}
	return st, nil
}

// Load returns a copy of the conversation when it exists and has not expired.
func (s *Store) Load(_ context.Context, id string) (*conversation.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.loadLocked(id, s.now())
	return st, ok, nil
}

func (s *Store) loadLocked(id string, now time.Time) (*conversation.State, bool) {
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	if !now.Before(rec.expiresAt) {
		delete(s.records, id)
		return nil, false
	}
	st, err := conversation.Decode(rec.data)
	if err != nil {
		return nil, false
	}
	return st, true
}

// Save stores st and refreshes the state and session TTLs together.
func (s *Store) Save(_ context.Context, st *conversation.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(st, s.now())
}

func (s *Store) putLocked(st *conversation.State, now time.Time) error {
	b, err := conversation.Encode(st)
	if err != nil {
		return err
	}
	s.records[st.ID] = record{data: b, expiresAt: now.Add(s.stateTTL)}
	s.sessions[conversation.SessionKey(st.Platform, st.IdentityHash)] = session{
		convID:    st.ID,
		expiresAt: now.Add(s.sessionTTL),
	}
	return nil
}

// Delete removes the conversation record. Sessions pointing at it become
// dangling and are replaced on next use.
func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	delete(s.records, id)
	return ok, nil
}

// CountActive returns the number of unexpired conversation records.
func (s *Store) CountActive(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, rec := range s.records {
		if now.Before(rec.expiresAt) {
			n++
		}
	}
	return n, nil
}

// Lookup returns the sender's session and its remaining TTL.
func (s *Store) Lookup(_ context.Context, channel, identity string) (conversation.Session, bool, error) {
	hash := s.hasher.Hash(identity)
	key := conversation.SessionKey(channel, hash)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	now := s.now()
	if !ok || !now.Before(sess.expiresAt) {
		return conversation.Session{}, false, nil
	}
	return conversation.Session{
		ConversationID: sess.convID,
		Channel:        channel,
		IdentityHash:   hash,
		TTL:            sess.expiresAt.Sub(now),
	}, true, nil
}

// ExtendSession resets the session TTL. It reports false when no live
// session exists.
func (s *Store) ExtendSession(_ context.Context, channel, identity string) (bool, error) {
	key := conversation.SessionKey(channel, s.hasher.Hash(identity))

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	now := s.now()
	if !ok || !now.Before(sess.expiresAt) {
		return false, nil
	}
	sess.expiresAt = now.Add(s.sessionTTL)
	s.sessions[key] = sess
	return true, nil
}

// DeleteExpired drops expired records and sessions.
func (s *Store) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, rec := range s.records {
		if !now.Before(rec.expiresAt) {
			delete(s.records, id)
			n++
		}
	}
	for key, sess := range s.sessions {
		if !now.Before(sess.expiresAt) {
			delete(s.sessions, key)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

var _ conversation.Store = (*Store)(nil)
