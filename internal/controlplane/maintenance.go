package controlplane

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jake-fetch/urlfetch/internal/fetchstore"
	"github.com/jake-fetch/urlfetch/internal/logging"
	"github.com/jake-fetch/urlfetch/internal/obsmetrics"
)

// staleTimeoutMessage is the fixed error message a stale-pending sweep
// writes onto the records it fails.
const staleTimeoutMessage = "Request timed out - no response from scraper"

// Maintenance runs the periodic sweeps that keep the document store
// consistent in the face of lost messages and worker crashes: records
// stuck in PENDING past the worker TTL, and records whose status and
// content fields have drifted from invariants 1 and 2.
type Maintenance struct {
	repo          fetchstore.Repository
	staleTimeout  time.Duration
	sweepInterval time.Duration
}

// NewMaintenance constructs a Maintenance.
func NewMaintenance(repo fetchstore.Repository, staleTimeout, sweepInterval time.Duration) *Maintenance {
	return &Maintenance{repo: repo, staleTimeout: staleTimeout, sweepInterval: sweepInterval}
}

// Run periodically sweeps stale PENDING records until ctx is
// cancelled. Consistency repair is an on-demand admin operation (see
// RepairInconsistencies) rather than part of this loop.
func (m *Maintenance) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.SweepStalePending(ctx); err != nil {
				logging.L.Error("stale-pending sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepStalePending marks every PENDING record older than staleTimeout
// as FAILED, per §4.9. Each failure is applied independently so one
// bad record cannot block the rest of the sweep.
func (m *Maintenance) SweepStalePending(ctx context.Context) error {
	stale, err := m.repo.FindStalePending(ctx, m.staleTimeout)
	if err != nil {
		return err
	}

	for _, rec := range stale {
		_, err := m.repo.Update(ctx, rec.ID, fetchstore.Update{
			Status:       fetchstore.StatusPtr(fetchstore.StatusFailed),
			ErrorMessage: fetchstore.StrPtr(staleTimeoutMessage),
		})
		if err != nil {
			logging.L.Error("stale-pending sweep: update failed", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		obsmetrics.ObserveStaleSweepFixed()
	}
	return nil
}

// RepairResult reports what a consistency-repair pass changed.
type RepairResult struct {
	Fixed   int    `json:"fixed"`
	Message string `json:"message"`
}

// RepairInconsistencies scans every record for violations of
// invariants 1 and 2 (SUCCESS with a non-empty errorMessage, or FAILED
// with non-empty content fields) and clears the offending fields
// without altering the authoritative status. Exposed as the
// POST /fix-inconsistencies admin operation.
func (m *Maintenance) RepairInconsistencies(ctx context.Context) (RepairResult, error) {
	records, err := m.repo.FindAll(ctx, fetchstore.Filter{}, 0, 0)
	if err != nil {
		return RepairResult{}, err
	}

	fixed := 0
	for _, rec := range records {
		update, dirty := inconsistencyFix(rec)
		if !dirty {
			continue
		}
		if _, err := m.repo.Update(ctx, rec.ID, update); err != nil {
			logging.L.Error("consistency repair: update failed", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		fixed++
	}

	return RepairResult{
		Fixed:   fixed,
		Message: "consistency repair complete",
	}, nil
}

// inconsistencyFix reports the Update needed to clear an invariant
// violation on rec, if any.
func inconsistencyFix(rec fetchstore.Record) (fetchstore.Update, bool) {
	var update fetchstore.Update
	dirty := false

	switch rec.Status {
	case fetchstore.StatusSuccess:
		if rec.ErrorMessage != "" {
			update.ErrorMessage = fetchstore.StrPtr("")
			dirty = true
		}
	case fetchstore.StatusFailed:
		if rec.Content != "" || rec.ContentType != "" || rec.ContentHash != "" {
			update.Content = fetchstore.StrPtr("")
			update.ContentType = fetchstore.StrPtr("")
			update.ContentHash = fetchstore.StrPtr("")
			dirty = true
		}
	}
	return update, dirty
}
