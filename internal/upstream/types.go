// Package upstream contains the client and wire types for the national
// business registry API: the change feed, entity details and financial
// statements.
package upstream

import (
	"encoding/json"
	"regexp"
	"time"
)

// ChangeKind classifies a change feed event.
type ChangeKind string

// Change kinds reported by the upstream feed.
const (
	ChangeKindCreated  ChangeKind = "created"
	ChangeKindModified ChangeKind = "modified"
	ChangeKindDeleted  ChangeKind = "deleted"
	ChangeKindUnknown  ChangeKind = "unknown"
)

// normalizeChangeKind maps upstream strings onto the known kinds.
func normalizeChangeKind(raw string) ChangeKind {
	switch ChangeKind(raw) {
	case ChangeKindCreated, ChangeKindModified, ChangeKindDeleted:
		return ChangeKind(raw)
	default:
		return ChangeKindUnknown
	}
}

// ChangeEvent is one entry of the upstream change feed. Events are read-only;
// only their effects are persisted.
type ChangeEvent struct {
	OrgNumber  string     `json:"entityId"`
	Kind       ChangeKind `json:"changeKind"`
	SequenceID int64      `json:"sequenceId"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// UpdatesPage is one page of the change feed.
type UpdatesPage struct {
	Events []ChangeEvent

	// NextURL is the explicit next-page link, when the upstream provides one.
	NextURL string

	// RequestedSize is the page size that was requested, used by the
	// fetcher's end-of-stream check.
	RequestedSize int
}

// MaxSequenceID returns the highest sequence id observed on the page,
// or zero for an empty page.
func (p *UpdatesPage) MaxSequenceID() int64 {
	var maxSeq int64
	for _, e := range p.Events {
		if e.SequenceID > maxSeq {
			maxSeq = e.SequenceID
		}
	}
	return maxSeq
}

// Company is the detail payload for one registry entity. Raw preserves the
// full upstream document for the details jsonb column.
type Company struct {
	OrgNumber     string `json:"entityId"`
	Name          string `json:"name"`
	OrgForm       string `json:"orgForm"`
	IndustryCode  string `json:"industryCode"`
	Municipality  string `json:"municipality"`
	Website       string `json:"website"`
	EmployeeCount *int   `json:"employeeCount"`
	RegisteredAt  string `json:"registeredAt"`

	Raw json.RawMessage `json:"-"`
}

// FinancialStatement is one annual statement of a company.
type FinancialStatement struct {
	Year            int      `json:"year"`
	Currency        string   `json:"currency"`
	Revenue         *float64 `json:"revenue"`
	OperatingProfit *float64 `json:"operatingProfit"`
	NetIncome       *float64 `json:"netIncome"`
	TotalAssets     *float64 `json:"totalAssets"`
	Equity          *float64 `json:"equity"`

	Raw json.RawMessage `json:"-"`
}

var orgNumberPattern = regexp.MustCompile(`^\d{9}$`)

// ValidOrgNumber reports whether s is a well-formed organization number.
func ValidOrgNumber(s string) bool {
	return orgNumberPattern.MatchString(s)
}
