// Package memory provides an in-process Repository implementation for
// development and for tests that should not depend on a live
// database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jake-fetch/urlfetch/internal/fetchstore"
	"github.com/jake-fetch/urlfetch/internal/urlnorm"
)

// Store is a sync.RWMutex-guarded in-memory Repository.
type Store struct {
	mu      sync.RWMutex
	records map[string]fetchstore.Record
	now     func() time.Time
}

// New constructs an empty Store. The optional clock function defaults
// to time.Now and exists so tests can control timestamps.
func New(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		records: make(map[string]fetchstore.Record),
		now:     clock,
	}
}

// Create implements fetchstore.Repository.
func (s *Store) Create(_ context.Context, partial fetchstore.Record) (fetchstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := partial.ID
	if id == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return fetchstore.Record{}, fmt.Errorf("generate record id: %w", err)
		}
		id = generated.String()
	}
	now := s.now().UTC()
	rec := partial
	rec.ID = id
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[id] = rec.Clone()
	return rec.Clone(), nil
}

// FindByID implements fetchstore.Repository.
func (s *Store) FindByID(_ context.Context, id string) (fetchstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return fetchstore.Record{}, fetchstore.ErrNotFound
	}
	return rec.Clone(), nil
}

// FindByURL implements fetchstore.Repository.
func (s *Store) FindByURL(_ context.Context, rawURL string) (fetchstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := s.matchURL(rawURL)
	if len(matches) == 0 {
		return fetchstore.Record{}, fetchstore.ErrNotFound
	}
	sortByCreatedDesc(matches)
	return matches[0].Clone(), nil
}

// FindLatestSuccessByURL implements fetchstore.Repository.
func (s *Store) FindLatestSuccessByURL(_ context.Context, rawURL string) (fetchstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := s.matchURL(rawURL)
	var successes []fetchstore.Record
	for _, m := range matches {
		if m.Status == fetchstore.StatusSuccess {
			successes = append(successes, m)
		}
	}
	if len(successes) == 0 {
		return fetchstore.Record{}, fetchstore.ErrNotFound
	}
	sortByFetchedDesc(successes)
	return successes[0].Clone(), nil
}

// FindAll implements fetchstore.Repository.
func (s *Store) FindAll(_ context.Context, filter fetchstore.Filter, limit, offset int) ([]fetchstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []fetchstore.Record
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.HTTPStatus != 0 && rec.HTTPStatus != filter.HTTPStatus {
			continue
		}
		all = append(all, rec)
	}
	sortByCreatedDesc(all)

	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	out := make([]fetchstore.Record, len(all))
	for i, rec := range all {
		out[i] = rec.Clone()
	}
	return out, nil
}

// Update implements fetchstore.Repository.
func (s *Store) Update(_ context.Context, id string, partial fetchstore.Update) (fetchstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fetchstore.Record{}, fetchstore.ErrNotFound
	}
	fetchstore.ApplyUpdate(&rec, partial)
	rec.UpdatedAt = s.now().UTC()
	s.records[id] = rec.Clone()
	return rec.Clone(), nil
}

// GetRecentByURL implements fetchstore.Repository.
func (s *Store) GetRecentByURL(_ context.Context, rawURL string, window time.Duration) (fetchstore.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().UTC()
	cutoff := now.Add(-window)
	variantSet := variantSet(rawURL)

	var best fetchstore.Record
	found := false

	consider := func(rec fetchstore.Record) {
		if !found || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
			found = true
		}
	}

	for _, rec := range s.records {
		if _, direct := variantSet[rec.URL]; direct {
			if rec.Status == fetchstore.StatusSuccess && rec.FetchedAt != nil && !rec.FetchedAt.Before(cutoff) {
				consider(rec)
				continue
			}
			if (rec.Status == fetchstore.StatusPending || rec.Status == fetchstore.StatusProcessing) && !rec.CreatedAt.Before(cutoff) {
				consider(rec)
				continue
			}
		}
		if rec.Status == fetchstore.StatusSuccess && rec.FetchedAt != nil && !rec.FetchedAt.Before(cutoff) {
			for _, hop := range rec.RedirectChain {
				if _, ok := variantSet[hop]; ok {
					consider(rec)
					break
				}
			}
		}
	}

	if !found {
		return fetchstore.Record{}, false, nil
	}
	return best.Clone(), true, nil
}

// FindStalePending implements fetchstore.Repository.
func (s *Store) FindStalePending(_ context.Context, timeout time.Duration) ([]fetchstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().UTC().Add(-timeout)
	var out []fetchstore.Record
	for _, rec := range s.records {
		if rec.Status == fetchstore.StatusPending && rec.CreatedAt.Before(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

// GetHistory implements fetchstore.Repository.
func (s *Store) GetHistory(_ context.Context, rawURL string) ([]fetchstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := s.matchURL(rawURL)
	sortByFetchedDesc(matches)
	out := make([]fetchstore.Record, len(matches))
	for i, rec := range matches {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (s *Store) matchURL(rawURL string) []fetchstore.Record {
	set := variantSet(rawURL)
	var out []fetchstore.Record
	for _, rec := range s.records {
		if _, ok := set[rec.URL]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func variantSet(rawURL string) map[string]struct{} {
	variants := urlnorm.Variants(rawURL)
	set := make(map[string]struct{}, len(variants))
	for _, v := range variants {
		set[v] = struct{}{}
	}
	return set
}

func sortByCreatedDesc(recs []fetchstore.Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

func sortByFetchedDesc(recs []fetchstore.Record) {
	sort.Slice(recs, func(i, j int) bool {
		fi, fj := recs[i].FetchedAt, recs[j].FetchedAt
		switch {
		case fi == nil && fj == nil:
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		case fi == nil:
			return false
		case fj == nil:
			return true
		default:
			return fi.After(*fj)
		}
	})
}
