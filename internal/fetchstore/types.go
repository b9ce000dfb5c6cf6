// Package fetchstore defines the FetchRecord persistence model and the
// Repository interface the control plane consumes. The document store
// itself (Postgres/JSONB here, per internal/fetchstore/postgres) is an
// external collaborator behind this interface.
package fetchstore

import "time"

// Status is the lifecycle state of a FetchRecord.
type Status string

// Status values. ARCHIVED is reserved and intentionally unreachable:
// no transition in this package ever produces it.
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusArchived   Status = "ARCHIVED"
)

// Record is one row per submission-attempt-chain; retries reuse the
// same record rather than creating a new one.
type Record struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Status        Status     `json:"status"`
	Content       string     `json:"content,omitempty"`
	ContentType   string     `json:"contentType,omitempty"`
	HTTPStatus    int        `json:"httpStatus,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	FinalURL      string     `json:"finalUrl,omitempty"`
	RedirectChain []string   `json:"redirectChain,omitempty"`
	ContentHash   string     `json:"contentHash,omitempty"`
	ContentLength int        `json:"contentLength,omitempty"`
	ResponseTime  int64      `json:"responseTime,omitempty"`
	UserAgent     string     `json:"userAgent,omitempty"`
	RetryCount    int        `json:"retryCount"`
	FetchedAt     *time.Time `json:"fetchedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// HasHTTPStatus reports whether an HTTP status has been observed.
func (r Record) HasHTTPStatus() bool { return r.HTTPStatus != 0 }

// Update is a partial mutation applied to a Record. Pointer fields
// distinguish "leave untouched" (nil) from "explicitly clear"
// (pointer to the zero value) — the repository boundary's single
// "absent" sentinel, per the design note on the distilled spec's
// undefined-vs-null ambiguity.
type Update struct {
	Status        *Status
	Content       *string
	ContentType   *string
	HTTPStatus    *int
	ErrorMessage  *string
	FinalURL      *string
	RedirectChain *[]string
	ContentHash   *string
	ContentLength *int
	ResponseTime  *int64
	UserAgent     *string
	RetryCount    *int
	FetchedAt     **time.Time
}

// StrPtr is a convenience constructor for Update string fields.
func StrPtr(s string) *string { return &s }

// IntPtr is a convenience constructor for Update int fields.
func IntPtr(i int) *int { return &i }

// Int64Ptr is a convenience constructor for Update int64 fields.
func Int64Ptr(i int64) *int64 { return &i }

// StatusPtr is a convenience constructor for Update status fields.
func StatusPtr(s Status) *Status { return &s }

// StrSlicePtr is a convenience constructor for Update slice fields.
func StrSlicePtr(s []string) *[]string { return &s }

// TimePtr wraps a *time.Time for use as an Update.FetchedAt value,
// distinguishing "clear fetchedAt" (TimePtr(nil)) from "leave
// untouched" (nil Update.FetchedAt).
func TimePtr(t *time.Time) **time.Time { return &t }

// Filter narrows FindAll results.
type Filter struct {
	Status     Status
	HTTPStatus int
}

// Clone returns a deep copy of a Record so callers can mutate a result
// without affecting the store's internal state.
func (r Record) Clone() Record {
	cp := r
	if r.RedirectChain != nil {
		cp.RedirectChain = append([]string(nil), r.RedirectChain...)
	}
	if r.FetchedAt != nil {
		t := *r.FetchedAt
		cp.FetchedAt = &t
	}
	return cp
}

// ApplyUpdate mutates rec in place, following Update's
// pointer-distinguishes-untouched-from-cleared convention, and then
// enforces the record invariants so every adapter persists the same
// consistent shape regardless of backing store.
func ApplyUpdate(rec *Record, u Update) {
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Content != nil {
		rec.Content = *u.Content
	}
	if u.ContentType != nil {
		rec.ContentType = *u.ContentType
	}
	if u.HTTPStatus != nil {
		rec.HTTPStatus = *u.HTTPStatus
	}
	if u.ErrorMessage != nil {
		rec.ErrorMessage = *u.ErrorMessage
	}
	if u.FinalURL != nil {
		rec.FinalURL = *u.FinalURL
	}
	if u.RedirectChain != nil {
		rec.RedirectChain = *u.RedirectChain
	}
	if u.ContentHash != nil {
		rec.ContentHash = *u.ContentHash
	}
	if u.ContentLength != nil {
		rec.ContentLength = *u.ContentLength
	}
	if u.ResponseTime != nil {
		rec.ResponseTime = *u.ResponseTime
	}
	if u.UserAgent != nil {
		rec.UserAgent = *u.UserAgent
	}
	if u.RetryCount != nil {
		rec.RetryCount = *u.RetryCount
	}
	if u.FetchedAt != nil {
		rec.FetchedAt = *u.FetchedAt
	}

	switch rec.Status {
	case StatusSuccess:
		rec.ErrorMessage = ""
	case StatusFailed:
		rec.Content = ""
		rec.ContentType = ""
		rec.ContentHash = ""
	case StatusProcessing:
		if u.Status != nil {
			rec.ErrorMessage = ""
		}
	case StatusPending:
		rec.Content = ""
		rec.ContentHash = ""
	}
}
