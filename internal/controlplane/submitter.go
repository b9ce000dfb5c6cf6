// Package controlplane implements the API-facing submission path and
// the three result consumers and maintenance sweeps that keep fetch
// records consistent as scrape attempts complete.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jake-fetch/urlfetch/internal/bus"
	"github.com/jake-fetch/urlfetch/internal/fetchstore"
	"github.com/jake-fetch/urlfetch/internal/idgen"
	"github.com/jake-fetch/urlfetch/internal/obsmetrics"
	"github.com/jake-fetch/urlfetch/internal/pipeline"
	"github.com/jake-fetch/urlfetch/internal/urlnorm"
)

// SubmitResult is the response shape for a submitted batch.
type SubmitResult struct {
	Submitted []string     `json:"submitted"`
	Skipped   []SkippedURL `json:"skipped"`
	Queued    []string     `json:"queued"`
}

// SkippedURL explains why one URL in a batch was not queued.
type SkippedURL struct {
	URL             string     `json:"url"`
	Reason          string     `json:"reason"`
	NextAvailableAt *time.Time `json:"nextAvailableAt,omitempty"`
}

// Submitter implements the submission path: dedup against recent
// scrapes, then create a PENDING record and publish a ScrapeRequest
// for anything new.
type Submitter struct {
	repo        fetchstore.Repository
	bus         bus.Bus
	ids         *idgen.Generator
	dedupWindow time.Duration
}

// NewSubmitter constructs a Submitter.
func NewSubmitter(repo fetchstore.Repository, b bus.Bus, ids *idgen.Generator, dedupWindow time.Duration) *Submitter {
	return &Submitter{repo: repo, bus: b, ids: ids, dedupWindow: dedupWindow}
}

// Submit implements the batch submission algorithm.
func (s *Submitter) Submit(ctx context.Context, urls []string) (SubmitResult, error) {
	result := SubmitResult{}

	for _, raw := range urls {
		skipped, err := s.submitOne(ctx, raw, &result)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedURL{
				URL:    raw,
				Reason: fmt.Sprintf("Processing error: %s", err.Error()),
			})
			obsmetrics.ObserveSubmission("error")
			continue
		}
		if skipped != nil {
			result.Skipped = append(result.Skipped, *skipped)
			obsmetrics.ObserveSubmission("skipped")
			continue
		}
		obsmetrics.ObserveSubmission("queued")
	}
	return result, nil
}

func (s *Submitter) submitOne(ctx context.Context, raw string, result *SubmitResult) (*SkippedURL, error) {
	canonical := urlnorm.Canonical(raw)

	recent, ok, err := s.repo.GetRecentByURL(ctx, raw, s.dedupWindow)
	if err != nil {
		return nil, fmt.Errorf("lookup recent record: %w", err)
	}
	if ok {
		return describeSkip(recent, raw, s.dedupWindow), nil
	}

	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate record id: %w", err)
	}

	rec, err := s.repo.Create(ctx, fetchstore.Record{
		ID:         id,
		URL:        canonical,
		Status:     fetchstore.StatusPending,
		RetryCount: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	req := pipeline.ScrapeRequest{
		ID:         rec.ID,
		URL:        canonical,
		RetryCount: 0,
		Priority:   pipeline.PriorityInitial,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal scrape request: %w", err)
	}
	if err := s.bus.Publish(ctx, bus.QueueScrapeRequests, body); err != nil {
		return nil, fmt.Errorf("publish scrape request: %w", err)
	}

	result.Submitted = append(result.Submitted, raw)
	result.Queued = append(result.Queued, rec.ID)
	return nil, nil
}

// describeSkip builds the skip reason and optional nextAvailableAt
// for a record GetRecentByURL already matched, per the three-way
// disjunction in the submission algorithm.
func describeSkip(r fetchstore.Record, raw string, window time.Duration) *SkippedURL {
	switch {
	case r.Status == fetchstore.StatusSuccess && r.FetchedAt != nil:
		reason := "Already scraped via redirect"
		if urlnorm.Equivalent(r.URL, raw) {
			reason = "Successfully scraped within N minutes"
		}
		next := r.FetchedAt.Add(window)
		return &SkippedURL{URL: raw, Reason: reason, NextAvailableAt: &next}
	case r.Status == fetchstore.StatusPending || r.Status == fetchstore.StatusProcessing:
		return &SkippedURL{URL: raw, Reason: fmt.Sprintf("Already queued (status=%s)", r.Status)}
	default:
		return &SkippedURL{URL: raw, Reason: fmt.Sprintf("Recent request exists with status: %s", r.Status)}
	}
}
