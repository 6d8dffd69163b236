package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/openregistry/bizmirror/internal/httpclient"
)

// ErrNotFound is returned when the upstream reports an entity as absent.
var ErrNotFound = errors.New("entity not found upstream")

// Client fetches change feed pages, entity details and financial statements
// from the upstream registry API.
type Client struct {
	httpClient httpclient.Client
	baseURL    string
}

// NewClient creates a new upstream API client. baseURL is the API root
// without a trailing slash.
func NewClient(httpClient httpclient.Client, baseURL string) *Client {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// UpdatesQuery describes one change feed page request. Exactly one of
// PageURL, AfterSequence or Since drives the request: an explicit PageURL
// (a next link from the previous page) takes precedence over the derived
// keyset cursor, which takes precedence over the date fallback.
type UpdatesQuery struct {
	// PageURL is an explicit next-page link from the previous page.
	PageURL string

	// AfterSequence requests events with sequence ids greater than this value.
	AfterSequence int64

	// Since requests events that occurred on or after this date. Used on
	// first runs, before any cursor exists.
	Since time.Time

	// Size is the requested page size.
	Size int
}

// updatesDocument is the wire shape of a change feed page (HAL-style).
type updatesDocument struct {
	Embedded struct {
		Updates []struct {
			EntityID   string    `json:"entityId"`
			ChangeKind string    `json:"changeKind"`
			SequenceID int64     `json:"sequenceId"`
			OccurredAt time.Time `json:"occurredAt"`
		} `json:"updates"`
	} `json:"_embedded"`
	Links struct {
		Next struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// FetchUpdates retrieves one page of the change feed.
func (c *Client) FetchUpdates(ctx context.Context, q UpdatesQuery) (*UpdatesPage, error) {
	pageURL := q.PageURL
	if pageURL == "" {
		params := url.Values{}
		if q.Size > 0 {
			params.Set("size", strconv.Itoa(q.Size))
		}
		switch {
		case q.AfterSequence > 0:
			params.Set("cursor", strconv.FormatInt(q.AfterSequence, 10))
		case !q.Since.IsZero():
			params.Set("since", q.Since.Format("2006-01-02"))
		}
		pageURL = c.baseURL + "/updates?" + params.Encode()
	}

	resp, err := c.httpClient.Get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch change feed page: %w", err)
	}
	if resp.NotFound() {
		// An absent feed page means the stream is exhausted.
		return &UpdatesPage{RequestedSize: q.Size}, nil
	}

	var doc updatesDocument
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode change feed page: %w", err)
	}

	page := &UpdatesPage{
		Events:        make([]ChangeEvent, 0, len(doc.Embedded.Updates)),
		NextURL:       doc.Links.Next.Href,
		RequestedSize: q.Size,
	}
	for _, u := range doc.Embedded.Updates {
		page.Events = append(page.Events, ChangeEvent{
			OrgNumber:  u.EntityID,
			Kind:       normalizeChangeKind(u.ChangeKind),
			SequenceID: u.SequenceID,
			OccurredAt: u.OccurredAt,
		})
	}
	return page, nil
}

// GetCompany retrieves the detail payload for one entity. Returns
// ErrNotFound when the upstream reports 404.
func (c *Client) GetCompany(ctx context.Context, orgNumber string) (*Company, error) {
	resp, err := c.httpClient.Get(ctx, c.baseURL+"/entities/"+url.PathEscape(orgNumber))
	if err != nil {
		return nil, err
	}
	if resp.NotFound() {
		return nil, ErrNotFound
	}

	var company Company
	if err := json.Unmarshal(resp.Body, &company); err != nil {
		return nil, fmt.Errorf("failed to decode entity %s: %w", orgNumber, err)
	}
	if company.OrgNumber == "" {
		company.OrgNumber = orgNumber
	}
	company.Raw = json.RawMessage(resp.Body)
	return &company, nil
}

// GetFinancialStatements retrieves the financial statements for one entity.
// A 404 means the entity has none; it is returned as an empty slice.
func (c *Client) GetFinancialStatements(ctx context.Context, orgNumber string) ([]FinancialStatement, error) {
	resp, err := c.httpClient.Get(ctx, c.baseURL+"/entities/"+url.PathEscape(orgNumber)+"/statements")
	if err != nil {
		return nil, err
	}
	if resp.NotFound() {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode statements for %s: %w", orgNumber, err)
	}

	statements := make([]FinancialStatement, 0, len(raw))
	for _, doc := range raw {
		var fs FinancialStatement
		if err := json.Unmarshal(doc, &fs); err != nil {
			return nil, fmt.Errorf("failed to decode statement for %s: %w", orgNumber, err)
		}
		fs.Raw = doc
		statements = append(statements, fs)
	}
	return statements, nil
}
