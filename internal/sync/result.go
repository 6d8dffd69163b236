package sync

import (
	"time"

	"github.com/openregistry/bizmirror/internal/upstream"
)

// Outcome classifies the terminal state of one entity fetch.
type Outcome string

// Fetch outcomes. A FetchResult is terminal before it reaches the
// persistence phase; no fetch retries happen there.
const (
	OutcomeOK       Outcome = "ok"
	OutcomeNotFound Outcome = "not_found"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeError    Outcome = "error"
)

// FetchResult is the outcome of fetching one entity's details. Created fresh
// per entity per run and consumed exactly once by the persistence phase.
type FetchResult struct {
	OrgNumber string
	Outcome   Outcome

	// Company is set only when Outcome is OutcomeOK.
	Company *upstream.Company

	// ErrorMessage carries the fetch error for OutcomeError results.
	ErrorMessage string

	// NewlyDiscovered is filled in by the persistence phase when the
	// company had never been polled before.
	NewlyDiscovered bool
}

// maxErrorSamples bounds how many error messages a run accumulates; the
// counters keep the full totals.
const maxErrorSamples = 20

// BatchResult aggregates the counters of one sync run. It is returned to
// the caller and logged, never persisted.
type BatchResult struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	PagesFetched int `json:"pages_fetched"`
	EntitiesSeen int `json:"entities_seen"`
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	Skipped      int `json:"skipped"`
	APIErrors    int `json:"api_errors"`
	DBErrors     int `json:"db_errors"`

	StatementsUpserted int `json:"statements_upserted"`

	// LastSequenceID is the highest cursor value committed during the run.
	LastSequenceID int64 `json:"last_sequence_id"`

	ErrorSamples []string `json:"error_samples,omitempty"`
}

// AddErrorSample records an error message up to the sample bound.
func (r *BatchResult) AddErrorSample(msg string) {
	if len(r.ErrorSamples) < maxErrorSamples {
		r.ErrorSamples = append(r.ErrorSamples, msg)
	}
}

// Duration returns the wall time of the run.
func (r *BatchResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
