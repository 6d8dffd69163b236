package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/openregistry/bizmirror/internal/upstream"
)

// updatesClient is the slice of the upstream client the fetcher needs.
type updatesClient interface {
	FetchUpdates(ctx context.Context, q upstream.UpdatesQuery) (*upstream.UpdatesPage, error)
}

// Fetcher walks the upstream change feed page by page using keyset
// pagination. It holds no cursor state of its own; the caller feeds each
// page back in to derive the next request.
type Fetcher struct {
	client   updatesClient
	pageSize int
	log      *slog.Logger
}

// NewFetcher creates a change feed fetcher with the given page size.
func NewFetcher(client updatesClient, pageSize int, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		client:   client,
		pageSize: pageSize,
		log:      log,
	}
}

// FirstQuery derives the initial page request. A positive sequence cursor
// takes precedence over the date fallback.
func (f *Fetcher) FirstQuery(afterSequence int64, since time.Time) upstream.UpdatesQuery {
	q := upstream.UpdatesQuery{Size: f.pageSize}
	if afterSequence > 0 {
		q.AfterSequence = afterSequence
	} else {
		q.Since = since
	}
	return q
}

// FetchPage retrieves one page of the feed.
func (f *Fetcher) FetchPage(ctx context.Context, q upstream.UpdatesQuery) (*upstream.UpdatesPage, error) {
	return f.client.FetchUpdates(ctx, q)
}

// NextQuery derives the request for the page after the one given, or false
// when the stream is exhausted. An explicit next link, when the upstream
// provides one, wins over the derived keyset cursor.
func (f *Fetcher) NextQuery(page *upstream.UpdatesPage) (upstream.UpdatesQuery, bool) {
	if len(page.Events) == 0 {
		return upstream.UpdatesQuery{}, false
	}
	// A short page with no explicit continuation is end-of-stream even when
	// nothing was skipped; this keeps a quiet feed from being polled forever.
	if len(page.Events) < page.RequestedSize && page.NextURL == "" {
		return upstream.UpdatesQuery{}, false
	}

	if page.NextURL != "" {
		return upstream.UpdatesQuery{PageURL: page.NextURL, Size: f.pageSize}, true
	}
	return upstream.UpdatesQuery{AfterSequence: page.MaxSequenceID(), Size: f.pageSize}, true
}

// PartitionEvents splits a page's events into the ones worth detail-fetching
// and the ones to skip. Deletions are skipped because the feed carries no
// payload for them and the upstream has no delete-by-id detail endpoint;
// malformed identifiers are skipped and never retried.
func (f *Fetcher) PartitionEvents(events []upstream.ChangeEvent) (fetchable []upstream.ChangeEvent, skipped int) {
	fetchable = make([]upstream.ChangeEvent, 0, len(events))
	for _, e := range events {
		switch {
		case !upstream.ValidOrgNumber(e.OrgNumber):
			f.log.Warn("skipping malformed change event", "org_number", e.OrgNumber, "sequence_id", e.SequenceID)
			skipped++
		case e.Kind == upstream.ChangeKindDeleted:
			skipped++
		default:
			fetchable = append(fetchable, e)
		}
	}
	return fetchable, skipped
}
