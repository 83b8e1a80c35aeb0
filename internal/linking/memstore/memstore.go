// Package memstore provides an in-memory implementation of linking.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mhmd-249/cbi/internal/conversation"
	"github.com/mhmd-249/cbi/internal/linking"
)

type linkKey struct {
	a, b string
	typ  linking.LinkType
}

// Store holds reports and links in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	reports map[string]*linking.Report // report ID -> report
	byConv  map[string]string          // conversation ID -> report ID
	links   map[linkKey]linking.Link
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		reports: make(map[string]*linking.Report),
		byConv:  make(map[string]string),
		links:   make(map[linkKey]linking.Link),
	}
}

func clone(r *linking.Report) *linking.Report {
	cp := *r
	cp.Symptoms = append([]string(nil), r.Symptoms...)
	cp.RecommendedActions = append([]string(nil), r.RecommendedActions...)
	return &cp
}

// SaveReport stores a copy of r, one report per conversation.
func (s *Store) SaveReport(_ context.Context, r *linking.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ConversationID != "" {
		if id, ok := s.byConv[r.ConversationID]; ok && id != r.ID {
			return linking.ErrDuplicateReport
		}
		s.byConv[r.ConversationID] = r.ID
	}
	s.reports[r.ID] = clone(r)
	return nil
}

// ReportForConversation returns a copy of the conversation's report.
func (s *Store) ReportForConversation(_ context.Context, conversationID string) (*linking.Report, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byConv[conversationID]
	if !ok {
		return nil, false, nil
	}
	return clone(s.reports[id]), true, nil
}

// GetReport returns a copy of the report.
func (s *Store) GetReport(_ context.Context, id string) (*linking.Report, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, false, nil
	}
	return clone(r), true, nil
}

// Recent returns copies of matching reports, newest first.
func (s *Store) Recent(_ context.Context, disease conversation.Disease, since time.Time, limit int) ([]*linking.Report, error) {
	s.mu.RLock()
	var out []*linking.Report
	for _, r := range s.reports {
		if r.Disease == disease && !r.CreatedAt.Before(since) {
			out = append(out, clone(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveLink stores l once per unordered pair and type.
func (s *Store) SaveLink(_ context.Context, l linking.Link) error {
	a, b := l.ReportA, l.ReportB
	if b < a {
		a, b = b, a
	}
	k := linkKey{a: a, b: b, typ: l.Type}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[k]; ok {
		return linking.ErrDuplicateLink
	}
	l.ReportA, l.ReportB = a, b
	s.links[k] = l
	return nil
}

// LinksFor returns links touching reportID.
func (s *Store) LinksFor(_ context.Context, reportID string) ([]linking.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []linking.Link
	for k, l := range s.links {
		if k.a == reportID || k.b == reportID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReportA != out[j].ReportA {
			return out[i].ReportA < out[j].ReportA
		}
		if out[i].ReportB != out[j].ReportB {
			return out[i].ReportB < out[j].ReportB
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

var _ linking.Store = (*Store)(nil)
