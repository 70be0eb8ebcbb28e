// Package session keeps the per-session document cache. Each session holds
// at most one built index, keyed by the SHA-256 of the uploaded PDF.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pdf-rag/internal/index"
	"pdf-rag/internal/models"
)

// Document is the cached result of ingesting one upload.
type Document struct {
	Hash     string
	Filename string
	Pages    []models.Page
	Index    index.Index
	Indexed  int
}

type entry struct {
	credential string
	doc        *Document
	lastSeen   time.Time
}

type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	ttl      time.Duration
	now      func() time.Time
}

// NewStore creates a store that forgets sessions idle for longer than ttl.
// A zero ttl keeps sessions until Close.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *Store) touch(id string) *entry {
	e, ok := s.sessions[id]
	if !ok {
		e = &entry{}
		s.sessions[id] = e
	}
	e.lastSeen = s.now()
	return e
}

// Lookup returns the session's document if it was built from the same bytes.
func (s *Store) Lookup(id, hash string) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.touch(id)
	if e.doc == nil || e.doc.Hash != hash {
		return nil, false
	}
	return e.doc, true
}

// Current returns the session's document, if any.
func (s *Store) Current(id string) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.touch(id)
	return e.doc, e.doc != nil
}

// Put stores doc for the session and returns the document that is current
// afterwards. If the session already holds a document with the same hash, that
// one stays and doc's index is closed instead. Otherwise the previous document
// is closed.
func (s *Store) Put(ctx context.Context, id string, doc *Document) *Document {
	s.mu.Lock()
	e := s.touch(id)
	old := e.doc
	if old != nil && old.Hash == doc.Hash {
		s.mu.Unlock()
		if old.Index != doc.Index {
			closeDoc(ctx, id, doc)
		}
		return old
	}
	e.doc = doc
	s.mu.Unlock()

	if old != nil && old.Index != doc.Index {
		closeDoc(ctx, id, old)
	}
	return doc
}

// Remove drops the session's document and closes its index.
func (s *Store) Remove(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	var old *Document
	if ok {
		old = e.doc
		e.doc = nil
	}
	s.mu.Unlock()

	if old == nil {
		return false
	}
	closeDoc(ctx, id, old)
	return true
}

// SetCredential keeps a credential for the session in memory only.
func (s *Store) SetCredential(id, credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(id).credential = credential
}

func (s *Store) Credential(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[id]; ok {
		return e.credential
	}
	return ""
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Expire removes sessions idle for longer than the ttl and returns how many
// were removed.
func (s *Store) Expire(ctx context.Context) int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	expired := make(map[string]*entry)
	for id, e := range s.sessions {
		if e.lastSeen.Before(cutoff) {
			expired[id] = e
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for id, e := range expired {
		if e.doc != nil {
			closeDoc(ctx, id, e.doc)
		}
	}
	if len(expired) > 0 {
		log.Info().Int("sessions", len(expired)).Msg("Expired idle sessions")
	}
	return len(expired)
}

// Run calls Expire every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Expire(ctx)
		}
	}
}

// Close closes every cached index and forgets all sessions.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*entry)
	s.mu.Unlock()

	for id, e := range all {
		if e.doc != nil {
			closeDoc(ctx, id, e.doc)
		}
	}
}

func closeDoc(ctx context.Context, id string, doc *Document) {
	if doc.Index == nil {
		return
	}
	if err := doc.Index.Close(ctx); err != nil {
		log.Error().Err(err).Str("session", id).Str("hash", doc.Hash).Msg("Error closing index")
	}
}
