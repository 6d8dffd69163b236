package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/openregistry/bizmirror/internal/httpclient"
	"github.com/openregistry/bizmirror/internal/sync/state"
	"github.com/openregistry/bizmirror/internal/sync/writer"
	"github.com/openregistry/bizmirror/internal/upstream"
)

// ----- fakes -----

type fakeUpstream struct {
	mu gosync.Mutex

	pages   []*upstream.UpdatesPage
	queries []upstream.UpdatesQuery

	companies  map[string]*upstream.Company
	companyErr map[string]error
	statements map[string][]upstream.FinancialStatement

	detailCalls    []string
	statementCalls map[string]int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		companies:      make(map[string]*upstream.Company),
		companyErr:     make(map[string]error),
		statements:     make(map[string][]upstream.FinancialStatement),
		statementCalls: make(map[string]int),
	}
}

func (f *fakeUpstream) addCompany(orgNumber, name string) {
	f.companies[orgNumber] = &upstream.Company{
		OrgNumber: orgNumber,
		Name:      name,
		Raw:       json.RawMessage(`{"entityId": "` + orgNumber + `"}`),
	}
}

func (f *fakeUpstream) FetchUpdates(_ context.Context, q upstream.UpdatesQuery) (*upstream.UpdatesPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if len(f.pages) == 0 {
		return &upstream.UpdatesPage{RequestedSize: q.Size}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeUpstream) GetCompany(_ context.Context, orgNumber string) (*upstream.Company, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls = append(f.detailCalls, orgNumber)
	if err, ok := f.companyErr[orgNumber]; ok {
		return nil, err
	}
	company, ok := f.companies[orgNumber]
	if !ok {
		return nil, upstream.ErrNotFound
	}
	return company, nil
}

func (f *fakeUpstream) GetFinancialStatements(_ context.Context, orgNumber string) ([]upstream.FinancialStatement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statementCalls[orgNumber]++
	return f.statements[orgNumber], nil
}

type companyRow struct {
	name   string
	polled bool
}

type memStore struct {
	mu gosync.Mutex

	companies  map[string]companyRow
	statements map[string]int

	commits      int
	refreshCalls int
	refreshErr   error

	// failUpsert makes UpsertCompany fail once per listed org number.
	failUpsert map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		companies:  make(map[string]companyRow),
		statements: make(map[string]int),
		failUpsert: make(map[string]bool),
	}
}

func (s *memStore) Begin(context.Context) (writer.EntityTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s, marks: make(map[string]txSnapshot)}
	tx.companies = make(map[string]companyRow, len(s.companies))
	for k, v := range s.companies {
		tx.companies[k] = v
	}
	tx.statements = make(map[string]int, len(s.statements))
	for k, v := range s.statements {
		tx.statements[k] = v
	}
	return tx, nil
}

func (s *memStore) RefreshAggregates(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCalls++
	return s.refreshErr
}

func (s *memStore) CountCompanies(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.companies)), nil
}

type txSnapshot struct {
	companies  map[string]companyRow
	statements map[string]int
}

type memTx struct {
	store      *memStore
	companies  map[string]companyRow
	statements map[string]int
	marks      map[string]txSnapshot
	done       bool
}

func (t *memTx) snapshot() txSnapshot {
	snap := txSnapshot{
		companies:  make(map[string]companyRow, len(t.companies)),
		statements: make(map[string]int, len(t.statements)),
	}
	for k, v := range t.companies {
		snap.companies[k] = v
	}
	for k, v := range t.statements {
		snap.statements[k] = v
	}
	return snap
}

func (t *memTx) UpsertCompany(_ context.Context, company *upstream.Company) (writer.UpsertOutcome, error) {
	t.store.mu.Lock()
	fail := t.store.failUpsert[company.OrgNumber]
	if fail {
		delete(t.store.failUpsert, company.OrgNumber)
	}
	t.store.mu.Unlock()
	if fail {
		return writer.UpsertOutcome{}, fmt.Errorf("constraint violation on %s", company.OrgNumber)
	}

	row, exists := t.companies[company.OrgNumber]
	t.companies[company.OrgNumber] = companyRow{name: company.Name, polled: row.polled}
	return writer.UpsertOutcome{Created: !exists, NewlyDiscovered: !row.polled}, nil
}

func (t *memTx) UpsertFinancialStatement(_ context.Context, orgNumber string, _ *upstream.FinancialStatement) error {
	t.statements[orgNumber]++
	return nil
}

func (t *memTx) MarkPolled(_ context.Context, orgNumber string) error {
	row := t.companies[orgNumber]
	row.polled = true
	t.companies[orgNumber] = row
	return nil
}

func (t *memTx) Savepoint(_ context.Context, name string) error {
	t.marks[name] = t.snapshot()
	return nil
}

func (t *memTx) ReleaseSavepoint(_ context.Context, name string) error {
	delete(t.marks, name)
	return nil
}

func (t *memTx) RollbackToSavepoint(_ context.Context, name string) error {
	snap, ok := t.marks[name]
	if !ok {
		return fmt.Errorf("no savepoint %s", name)
	}
	t.companies = snap.companies
	t.statements = snap.statements
	return nil
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.companies = t.companies
	t.store.statements = t.statements
	t.store.commits++
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	t.done = true
	return nil
}

type memCursors struct {
	mu     gosync.Mutex
	values map[string]string
	sets   []string
	// failSet makes every SetState of the given key fail.
	failSet map[string]error
}

func newMemCursors() *memCursors {
	return &memCursors{
		values:  make(map[string]string),
		failSet: make(map[string]error),
	}
}

func (c *memCursors) GetState(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}

func (c *memCursors) SetState(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failSet[key]; err != nil {
		return err
	}
	c.values[key] = value
	c.sets = append(c.sets, key+"="+value)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func event(orgNumber string, kind upstream.ChangeKind, seq int64) upstream.ChangeEvent {
	return upstream.ChangeEvent{
		OrgNumber:  orgNumber,
		Kind:       kind,
		SequenceID: seq,
		OccurredAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestRunner(feed *fakeUpstream, store *memStore, cursors *memCursors, chunkSize, commitEvery int) *Runner {
	log := discardLogger()
	fetcher := NewFetcher(feed, 1000, log)
	processor := NewProcessor(feed, store, semaphore.NewWeighted(8), chunkSize, commitEvery, log)
	return NewRunner(fetcher, processor, cursors, store, nil, log)
}

// ----- fetcher -----

func TestFetcher_NextQuery(t *testing.T) {
	t.Parallel()

	fetcher := NewFetcher(newFakeUpstream(), 100, discardLogger())

	tests := []struct {
		name     string
		page     *upstream.UpdatesPage
		wantMore bool
		want     upstream.UpdatesQuery
	}{
		{
			name:     "empty page terminates",
			page:     &upstream.UpdatesPage{RequestedSize: 100},
			wantMore: false,
		},
		{
			name: "short page without next link terminates",
			page: &upstream.UpdatesPage{
				Events:        []upstream.ChangeEvent{event("914748123", upstream.ChangeKindCreated, 10)},
				RequestedSize: 100,
			},
			wantMore: false,
		},
		{
			name: "short page with next link continues",
			page: &upstream.UpdatesPage{
				Events:        []upstream.ChangeEvent{event("914748123", upstream.ChangeKindCreated, 10)},
				NextURL:       "https://api.example/updates?cursor=10",
				RequestedSize: 100,
			},
			wantMore: true,
			want:     upstream.UpdatesQuery{PageURL: "https://api.example/updates?cursor=10", Size: 100},
		},
		{
			name: "full page without next link derives keyset cursor",
			page: &upstream.UpdatesPage{
				Events: []upstream.ChangeEvent{
					event("914748123", upstream.ChangeKindCreated, 11),
					event("974760673", upstream.ChangeKindModified, 13),
				},
				RequestedSize: 2,
			},
			wantMore: true,
			want:     upstream.UpdatesQuery{AfterSequence: 13, Size: 100},
		},
		{
			name: "explicit next link wins over derived cursor",
			page: &upstream.UpdatesPage{
				Events: []upstream.ChangeEvent{
					event("914748123", upstream.ChangeKindCreated, 11),
					event("974760673", upstream.ChangeKindModified, 13),
				},
				NextURL:       "https://api.example/updates?page=2",
				RequestedSize: 2,
			},
			wantMore: true,
			want:     upstream.UpdatesQuery{PageURL: "https://api.example/updates?page=2", Size: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, more := fetcher.NextQuery(tt.page)
			assert.Equal(t, tt.wantMore, more)
			if tt.wantMore {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestFetcher_PartitionEvents(t *testing.T) {
	t.Parallel()

	fetcher := NewFetcher(newFakeUpstream(), 100, discardLogger())

	fetchable, skipped := fetcher.PartitionEvents([]upstream.ChangeEvent{
		event("914748123", upstream.ChangeKindCreated, 1),
		event("974760673", upstream.ChangeKindDeleted, 2),
		event("not-a-number", upstream.ChangeKindModified, 3),
		event("", upstream.ChangeKindCreated, 4),
		event("912345678", upstream.ChangeKindUnknown, 5),
	})

	require.Len(t, fetchable, 2)
	assert.Equal(t, "914748123", fetchable[0].OrgNumber)
	assert.Equal(t, "912345678", fetchable[1].OrgNumber)
	assert.Equal(t, 3, skipped)
}

// ----- runner -----

func TestRunner_PageOfMixedEvents(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	feed.addCompany("914748123", "Created AS")
	feed.addCompany("974760673", "Modified AS")
	feed.pages = []*upstream.UpdatesPage{{
		Events: []upstream.ChangeEvent{
			event("914748123", upstream.ChangeKindCreated, 101),
			event("974760673", upstream.ChangeKindModified, 102),
			event("918654321", upstream.ChangeKindDeleted, 103),
		},
		RequestedSize: 1000,
	}}

	store := newMemStore()
	cursors := newMemCursors()
	runner := newTestRunner(feed, store, cursors, 10, 50)

	batch, err := runner.Run(context.Background(), Options{})
	require.NoError(t, err)

	// The deleted event is never detail-fetched.
	assert.ElementsMatch(t, []string{"914748123", "974760673"}, feed.detailCalls)
	assert.Equal(t, 1, batch.Skipped)
	assert.Equal(t, 2, batch.Created)
	assert.Equal(t, 3, batch.EntitiesSeen)

	// The cursor still advances over the skipped event's sequence id.
	assert.Equal(t, int64(103), batch.LastSequenceID)
	assert.Equal(t, "103", cursors.values[state.KeyLastSequence])
	assert.NotEmpty(t, cursors.values[state.KeyLastRunDate])
}

func TestRunner_NotFoundIsSkippedNotFatal(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	feed.addCompany("914748123", "Exists AS")
	// 974760673 is absent upstream: detail fetch returns 404.
	feed.pages = []*upstream.UpdatesPage{{
		Events: []upstream.ChangeEvent{
			event("914748123", upstream.ChangeKindModified, 201),
			event("974760673", upstream.ChangeKindModified, 202),
		},
		RequestedSize: 1000,
	}}

	store := newMemStore()
	runner := newTestRunner(feed, store, newMemCursors(), 10, 50)

	batch, err := runner.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Skipped)
	assert.Equal(t, 1, batch.Created)
	assert.Zero(t, batch.APIErrors)
	assert.Contains(t, store.companies, "914748123")
	assert.NotContains(t, store.companies, "974760673")
}

func TestRunner_CursorMonotonicity(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	for _, org := range []string{"914748123", "974760673", "912345678"} {
		feed.addCompany(org, "Company "+org)
	}
	feed.pages = []*upstream.UpdatesPage{
		{
			Events:        []upstream.ChangeEvent{event("914748123", upstream.ChangeKindCreated, 10)},
			RequestedSize: 1,
		},
		{
			Events:        []upstream.ChangeEvent{event("974760673", upstream.ChangeKindCreated, 20)},
			RequestedSize: 1,
		},
		// Out-of-order page: its max sequence is below the committed cursor.
		{
			Events:        []upstream.ChangeEvent{event("912345678", upstream.ChangeKindCreated, 15)},
			RequestedSize: 1000,
		},
	}
	// Keep the walk going past the one-event pages.
	feed.pages[0].NextURL = "https://api.example/updates?page=2"
	feed.pages[1].NextURL = "https://api.example/updates?page=3"

	cursors := newMemCursors()
	runner := newTestRunner(feed, newMemStore(), cursors, 10, 50)

	batch, err := runner.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(20), batch.LastSequenceID)
	assert.Equal(t, "20", cursors.values[state.KeyLastSequence])
	// Cursor writes only ever increased.
	assert.Equal(t, []string{
		state.KeyLastSequence + "=10",
		state.KeyLastSequence + "=20",
	}, cursors.sets[:2])
}

func TestRunner_CursorCommitFailureAborts(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	feed.addCompany("914748123", "Company AS")
	feed.pages = []*upstream.UpdatesPage{{
		Events:        []upstream.ChangeEvent{event("914748123", upstream.ChangeKindCreated, 10)},
		RequestedSize: 1000,
	}}

	cursors := newMemCursors()
	cursors.values[state.KeyLastSequence] = "5"
	cursors.failSet[state.KeyLastSequence] = fmt.Errorf("connection reset")

	store := newMemStore()
	runner := newTestRunner(feed, store, cursors, 10, 50)

	batch, err := runner.Run(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cursor")

	// The previous cursor stands; the next invocation resumes from it.
	assert.Equal(t, "5", cursors.values[state.KeyLastSequence])
	// Entity work before the failure is still committed and counted.
	assert.Equal(t, 1, batch.Created)
	assert.Zero(t, store.refreshCalls)
}

func TestRunner_ResumesFromPersistedCursor(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	cursors := newMemCursors()
	cursors.values[state.KeyLastSequence] = "4711"

	runner := newTestRunner(feed, newMemStore(), cursors, 10, 50)
	_, err := runner.Run(context.Background(), Options{})
	require.NoError(t, err)

	require.NotEmpty(t, feed.queries)
	assert.Equal(t, int64(4711), feed.queries[0].AfterSequence)
}

func TestRunner_SinceDateFallback(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	runner := newTestRunner(feed, newMemStore(), newMemCursors(), 10, 50)

	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err := runner.Run(context.Background(), Options{SinceDate: since})
	require.NoError(t, err)

	require.NotEmpty(t, feed.queries)
	assert.Zero(t, feed.queries[0].AfterSequence)
	assert.Equal(t, since, feed.queries[0].Since)
}

func TestRunner_NewlyDiscoveredBackfillsStatements(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	feed.addCompany("914748123", "Fresh AS")
	feed.statements["914748123"] = []upstream.FinancialStatement{
		{Year: 2023}, {Year: 2024},
	}
	page := func(seq int64) *upstream.UpdatesPage {
		return &upstream.UpdatesPage{
			Events:        []upstream.ChangeEvent{event("914748123", upstream.ChangeKindModified, seq)},
			RequestedSize: 1000,
		}
	}

	store := newMemStore()
	cursors := newMemCursors()

	feed.pages = []*upstream.UpdatesPage{page(10)}
	runner := newTestRunner(feed, store, cursors, 10, 50)
	batch, err := runner.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, batch.StatementsUpserted)
	assert.Equal(t, 1, feed.statementCalls["914748123"])
	assert.True(t, store.companies["914748123"].polled)
	assert.Equal(t, 2, store.statements["914748123"])

	// Already-polled companies do not refetch statements on later runs.
	feed.pages = []*upstream.UpdatesPage{page(11)}
	batch, err = runner.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Zero(t, batch.StatementsUpserted)
	assert.Equal(t, 1, feed.statementCalls["914748123"])
}

func TestRunner_RefreshFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	store := newMemStore()
	store.refreshErr = fmt.Errorf("view is being rebuilt")

	runner := newTestRunner(feed, store, newMemCursors(), 10, 50)
	_, err := runner.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, store.refreshCalls)
}

// ----- processor -----

func TestProcessor_ChunkIsolation(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	orgs := []string{"914748121", "914748122", "914748123", "914748124", "914748125"}
	for _, org := range orgs {
		feed.addCompany(org, "Company "+org)
	}

	store := newMemStore()
	// Third entity fails at persistence time.
	store.failUpsert["914748123"] = true

	events := make([]upstream.ChangeEvent, len(orgs))
	for i, org := range orgs {
		events[i] = event(org, upstream.ChangeKindCreated, int64(i+1))
	}

	processor := NewProcessor(feed, store, semaphore.NewWeighted(8), len(orgs), 100, discardLogger())
	batch := &BatchResult{}
	require.NoError(t, processor.ProcessPage(context.Background(), events, batch))

	assert.Equal(t, 1, batch.DBErrors)
	assert.Equal(t, 4, batch.Created)
	require.Len(t, batch.ErrorSamples, 1)
	assert.Contains(t, batch.ErrorSamples[0], "914748123")

	// Everything except the failing entity is committed.
	assert.Len(t, store.companies, 4)
	assert.NotContains(t, store.companies, "914748123")
}

func TestProcessor_ChunkedCommits(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	var events []upstream.ChangeEvent
	for i := range 5 {
		org := fmt.Sprintf("91474812%d", i)
		feed.addCompany(org, "Company "+org)
		events = append(events, event(org, upstream.ChangeKindCreated, int64(i+1)))
	}

	store := newMemStore()
	processor := NewProcessor(feed, store, semaphore.NewWeighted(8), 5, 2, discardLogger())
	batch := &BatchResult{}
	require.NoError(t, processor.ProcessPage(context.Background(), events, batch))

	assert.Equal(t, 5, batch.Created)
	assert.Len(t, store.companies, 5)
	// Five entities at a commit window of two: 2 + 2 + 1.
	assert.Equal(t, 3, store.commits)
}

func TestProcessor_APIErrorsAreCountedNotFatal(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	feed.addCompany("914748121", "Good AS")
	feed.companyErr["914748122"] = fmt.Errorf("upstream exploded")

	store := newMemStore()
	processor := NewProcessor(feed, store, semaphore.NewWeighted(8), 10, 50, discardLogger())
	batch := &BatchResult{}
	events := []upstream.ChangeEvent{
		event("914748121", upstream.ChangeKindCreated, 1),
		event("914748122", upstream.ChangeKindCreated, 2),
	}
	require.NoError(t, processor.ProcessPage(context.Background(), events, batch))

	assert.Equal(t, 1, batch.Created)
	assert.Equal(t, 1, batch.APIErrors)
	require.Len(t, batch.ErrorSamples, 1)
	assert.Contains(t, batch.ErrorSamples[0], "914748122")
}

func TestProcessor_ErrorSamplesAreBounded(t *testing.T) {
	t.Parallel()

	batch := &BatchResult{}
	for i := range 100 {
		batch.AddErrorSample(fmt.Sprintf("error %d", i))
	}
	assert.Len(t, batch.ErrorSamples, maxErrorSamples)
}

func TestProcessor_SharedRateLimiterThrottlesFetches(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/statements") {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`{"entityId": "914748123", "name": "Throttled AS"}`))
	}))
	defer server.Close()

	// 50 tokens/second with burst 1: ten concurrent fetches need at least
	// nine refills, so the chunk cannot finish faster than ~180ms.
	limiter := rate.NewLimiter(rate.Limit(50), 1)
	hc := httpclient.NewRetryingClient(5*time.Second, httpclient.WithRateLimiter(limiter))
	client := upstream.NewClient(hc, server.URL)

	store := newMemStore()
	processor := NewProcessor(client, store, semaphore.NewWeighted(10), 10, 50, discardLogger())

	var events []upstream.ChangeEvent
	for i := range 10 {
		events = append(events, event("914748123", upstream.ChangeKindModified, int64(i+1)))
	}

	batch := &BatchResult{}
	start := time.Now()
	require.NoError(t, processor.ProcessPage(context.Background(), events, batch))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 170*time.Millisecond)
	assert.Zero(t, batch.APIErrors)
}

func TestProcessor_ProcessOne(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	feed.addCompany("914748123", "Imported AS")
	feed.statements["914748123"] = []upstream.FinancialStatement{{Year: 2022}, {Year: 2023}, {Year: 2024}}

	store := newMemStore()
	processor := NewProcessor(feed, store, semaphore.NewWeighted(8), 10, 50, discardLogger())

	count, err := processor.ProcessOne(context.Background(), "914748123")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.True(t, store.companies["914748123"].polled)
	assert.Equal(t, 3, store.statements["914748123"])
}

func TestProcessor_ProcessOneNotFound(t *testing.T) {
	t.Parallel()

	feed := newFakeUpstream()
	store := newMemStore()
	processor := NewProcessor(feed, store, semaphore.NewWeighted(8), 10, 50, discardLogger())

	_, err := processor.ProcessOne(context.Background(), "914748123")
	require.ErrorIs(t, err, upstream.ErrNotFound)
	assert.Empty(t, store.companies)
}
