package rangecache

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/unkn0wn-root/rangecache/reqstate"
)

// queryFetcher serves canned result sets per query string, with the same
// gate and error controls as idFetcher.
type queryFetcher struct {
	mu      sync.Mutex
	results map[string][]user
	errs    map[string]error
	calls   atomic.Int64
	gate    chan struct{}
}

func newQueryFetcher() *queryFetcher {
	return &queryFetcher{results: make(map[string][]user), errs: make(map[string]error)}
}

func (f *queryFetcher) hold()    { f.gate = make(chan struct{}) }
func (f *queryFetcher) release() { close(f.gate) }

func (f *queryFetcher) set(q string, users ...user) {
	f.mu.Lock()
	f.results[q] = users
	f.mu.Unlock()
}

func (f *queryFetcher) fail(q string, err error) {
	f.mu.Lock()
	f.errs[q] = err
	f.mu.Unlock()
}

func (f *queryFetcher) fetch(_ context.Context, q string) ([]user, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[q]; err != nil {
		return nil, err
	}
	return slices.Clone(f.results[q]), nil
}

func newTestSearch(t *testing.T, idf *idFetcher, qf *queryFetcher, tweak func(*SearchOptions[string, string, user])) *SearchRepository[string, string, user] {
	t.Helper()
	opts := SearchOptions[string, string, user]{
		Options: Options[string, user]{
			FetchByID: idf.fetch,
			IDOf:      func(u user) string { return u.ID },
		},
		FetchByQuery: qf.fetch,
	}
	if tweak != nil {
		tweak(&opts)
	}
	s, err := NewSearch(opts)
	if err != nil {
		t.Fatalf("NewSearch: %v", err)
	}
	return s
}

func names(users []user) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Name
	}
	return out
}

// TestGetByQueryMergesIntoByID: a query load lands every result entity in
// the by-id cache, so id reads afterwards never touch the id provider.
func TestGetByQueryMergesIntoByID(t *testing.T) {
	ctx := context.Background()
	idf := newIDFetcher()
	qf := newQueryFetcher()
	qf.set("team:a", user{ID: "1", Name: "Ada"}, user{ID: "2", Name: "Bob"})
	s := newTestSearch(t, idf, qf, nil)

	got, err := s.GetByQuery(ctx, "team:a")
	if err != nil {
		t.Fatalf("GetByQuery: %v", err)
	}
	if !slices.Equal(names(got), []string{"Ada", "Bob"}) {
		t.Fatalf("result order mismatch: %v", names(got))
	}

	if u, err := s.GetByID(ctx, "2"); err != nil || u.Name != "Bob" {
		t.Fatalf("GetByID after query: %v %+v", err, u)
	}
	if idf.calls.Load() != 0 {
		t.Fatalf("merged entity must not hit the id provider, got %d calls", idf.calls.Load())
	}

	ids, ok := s.QueryIDs("team:a")
	if !ok || !slices.Equal(ids, []string{"1", "2"}) {
		t.Fatalf("QueryIDs = %v %v", ids, ok)
	}
	if st := s.QueryStatus("team:a"); st != reqstate.Done {
		t.Fatalf("status = %v, want done", st)
	}

	if _, err := s.GetByQuery(ctx, "team:a"); err != nil {
		t.Fatalf("cached GetByQuery: %v", err)
	}
	if qf.calls.Load() != 1 {
		t.Fatalf("settled query must not refetch, got %d calls", qf.calls.Load())
	}
}

func TestGetByQueryFetchesOnce(t *testing.T) {
	ctx := context.Background()
	qf := newQueryFetcher()
	qf.set("all", user{ID: "1", Name: "Ada"})
	qf.hold()
	s := newTestSearch(t, newIDFetcher(), qf, nil)

	const callers = 6
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := s.GetByQuery(ctx, "all")
			results <- err
		}()
	}

	waitFor(t, func() bool { return s.QueryStatus("all") == reqstate.InProgress })
	qf.release()
	for i := 0; i < callers; i++ {
		if err := <-results; err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := qf.calls.Load(); got != 1 {
		t.Fatalf("provider called %d times, want 1", got)
	}
}

// TestEvictEntityInvalidatesContainingQuery: evicting an entity drops every
// settled query whose result referenced it, and only those.
func TestEvictEntityInvalidatesContainingQuery(t *testing.T) {
	ctx := context.Background()
	qf := newQueryFetcher()
	qf.set("team:a", user{ID: "1", Name: "Ada"}, user{ID: "2", Name: "Bob"})
	qf.set("team:b", user{ID: "3", Name: "Cid"})
	s := newTestSearch(t, newIDFetcher(), qf, nil)

	if _, err := s.GetByQuery(ctx, "team:a"); err != nil {
		t.Fatalf("team:a: %v", err)
	}
	if _, err := s.GetByQuery(ctx, "team:b"); err != nil {
		t.Fatalf("team:b: %v", err)
	}

	s.Evict("2")
	if st := s.QueryStatus("team:a"); st != reqstate.None {
		t.Fatalf("team:a should be invalidated, status %v", st)
	}
	if st := s.QueryStatus("team:b"); st != reqstate.Done {
		t.Fatalf("team:b should survive, status %v", st)
	}

	qf.set("team:a", user{ID: "1", Name: "Ada"}, user{ID: "2", Name: "Bob2"})
	got, err := s.GetByQuery(ctx, "team:a")
	if err != nil {
		t.Fatalf("refetch team:a: %v", err)
	}
	if !slices.Equal(names(got), []string{"Ada", "Bob2"}) {
		t.Fatalf("refetch should see the new backend state: %v", names(got))
	}
	if got := qf.calls.Load(); got != 3 {
		t.Fatalf("query calls = %d, want 3", got)
	}
}

func TestEvictQueryRejectsPendingWaiters(t *testing.T) {
	ctx := context.Background()
	qf := newQueryFetcher()
	qf.set("all", user{ID: "1", Name: "Ada"})
	qf.hold()
	s := newTestSearch(t, newIDFetcher(), qf, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := s.GetByQuery(ctx, "all")
		errc <- err
	}()
	waitFor(t, func() bool { return s.QueryStatus("all") == reqstate.InProgress })

	s.EvictQuery("all")
	if err := <-errc; !errors.Is(err, ErrEvicted) {
		t.Fatalf("want ErrEvicted, got %v", err)
	}
	qf.release()
}

// TestGetByQueryPromotesDemotedEntities: when a referenced entity left the
// hot map, GetByQuery refetches it by id instead of re-running the query.
func TestGetByQueryPromotesDemotedEntities(t *testing.T) {
	ctx := context.Background()
	idf := newIDFetcher(user{ID: "2", Name: "Bob"})
	qf := newQueryFetcher()
	qf.set("team:a", user{ID: "1", Name: "Ada"}, user{ID: "2", Name: "Bob"})
	s := newTestSearch(t, idf, qf, nil)

	if _, err := s.GetByQuery(ctx, "team:a"); err != nil {
		t.Fatalf("GetByQuery: %v", err)
	}
	s.Demote("2") // no overflow tier: the entity is simply dropped

	got, err := s.GetByQuery(ctx, "team:a")
	if err != nil {
		t.Fatalf("GetByQuery after demote: %v", err)
	}
	if !slices.Equal(names(got), []string{"Ada", "Bob"}) {
		t.Fatalf("promoted result mismatch: %v", names(got))
	}
	if qf.calls.Load() != 1 {
		t.Fatalf("promotion must not re-run the query, got %d calls", qf.calls.Load())
	}
	if idf.calls.Load() != 1 {
		t.Fatalf("promotion refetches the one missing id, got %d calls", idf.calls.Load())
	}
}

// TestByQueryReturnsPartialAndSchedules: the synchronous accessor returns
// the resident prefix of a settled result and repairs the rest in the
// background.
func TestByQueryReturnsPartialAndSchedules(t *testing.T) {
	ctx := context.Background()
	idf := newIDFetcher(user{ID: "2", Name: "Bob"})
	qf := newQueryFetcher()
	qf.set("team:a", user{ID: "1", Name: "Ada"}, user{ID: "2", Name: "Bob"})
	s := newTestSearch(t, idf, qf, nil)

	if _, ok := s.ByQuery(ctx, "team:a"); ok {
		t.Fatalf("first ByQuery must miss")
	}
	if err := s.WaitForIdle(ctx); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}
	if got, ok := s.ByQuery(ctx, "team:a"); !ok || len(got) != 2 {
		t.Fatalf("settled ByQuery: ok=%v %v", ok, names(got))
	}

	s.Demote("2")
	got, ok := s.ByQuery(ctx, "team:a")
	if ok || !slices.Equal(names(got), []string{"Ada"}) {
		t.Fatalf("partial read: ok=%v %v", ok, names(got))
	}
	if err := s.WaitForIdle(ctx); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}
	if got, ok := s.ByQuery(ctx, "team:a"); !ok || len(got) != 2 {
		t.Fatalf("promotion should restore the full set: ok=%v %v", ok, names(got))
	}
	if qf.calls.Load() != 1 {
		t.Fatalf("query calls = %d, want 1", qf.calls.Load())
	}
}

// TestWaitForQueryNeverTriggersAFetch: waiting observes settlement but never
// causes one.
func TestWaitForQueryNeverTriggersAFetch(t *testing.T) {
	ctx := context.Background()
	qf := newQueryFetcher()
	qf.set("all", user{ID: "1", Name: "Ada"})
	s := newTestSearch(t, newIDFetcher(), qf, nil)

	if err := s.WaitForQuery(ctx, "all"); err != nil {
		t.Fatalf("WaitForQuery on untracked query: %v", err)
	}
	if qf.calls.Load() != 0 {
		t.Fatalf("WaitForQuery must not fetch, got %d calls", qf.calls.Load())
	}

	qf.hold()
	if _, ok := s.ByQuery(ctx, "all"); ok {
		t.Fatalf("ByQuery should miss and schedule")
	}
	errc := make(chan error, 1)
	go func() { errc <- s.WaitForQuery(ctx, "all") }()
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.queryWaiters.count("all") == 1
	})

	qf.release()
	if err := <-errc; err != nil {
		t.Fatalf("WaitForQuery: %v", err)
	}
	if got, ok := s.ByQuery(ctx, "all"); !ok || len(got) != 1 {
		t.Fatalf("settled ByQuery: ok=%v %v", ok, names(got))
	}
}

func TestQueryErrorStickyAndReload(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("search backend down")
	qf := newQueryFetcher()
	qf.fail("all", boom)
	s := newTestSearch(t, newIDFetcher(), qf, nil)

	if _, err := s.GetByQuery(ctx, "all"); !errors.Is(err, boom) {
		t.Fatalf("want fetch error, got %v", err)
	}
	if _, err := s.GetByQuery(ctx, "all"); !errors.Is(err, boom) {
		t.Fatalf("error state must return the stored error, got %v", err)
	}
	if qf.calls.Load() != 1 {
		t.Fatalf("error state must not refetch, got %d calls", qf.calls.Load())
	}

	qf.fail("all", nil)
	qf.set("all", user{ID: "1", Name: "Ada"})
	got, err := s.ReloadQuery(ctx, "all")
	if err != nil || len(got) != 1 {
		t.Fatalf("ReloadQuery: %v %v", err, names(got))
	}
	if qf.calls.Load() != 2 {
		t.Fatalf("reload should fetch exactly once more, got %d calls", qf.calls.Load())
	}
}

func TestResetClearsQueries(t *testing.T) {
	ctx := context.Background()
	qf := newQueryFetcher()
	qf.set("all", user{ID: "1", Name: "Ada"})
	s := newTestSearch(t, newIDFetcher(), qf, nil)

	if _, err := s.GetByQuery(ctx, "all"); err != nil {
		t.Fatalf("GetByQuery: %v", err)
	}
	s.Reset()
	if st := s.QueryStatus("all"); st != reqstate.None {
		t.Fatalf("status after reset = %v, want none", st)
	}
	if s.Len() != 0 {
		t.Fatalf("reset must clear entities, Len = %d", s.Len())
	}
	if _, err := s.GetByQuery(ctx, "all"); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if qf.calls.Load() != 2 {
		t.Fatalf("query calls = %d, want 2", qf.calls.Load())
	}
}
