package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/leadforge/backend/internal/config"
	"github.com/leadforge/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// mockStore reproduces the repository's claim/complete/fail semantics in
// memory, including the claim-token guard and the attempt-ceiling CASE, so
// service tests exercise the same state machine the SQL implements.
type mockStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*models.QueueItem
	seq   int // insertion order stands in for created_at
	order map[uuid.UUID]int
}

func newMockStore() *mockStore {
	return &mockStore{items: make(map[uuid.UUID]*models.QueueItem), order: make(map[uuid.UUID]int)}
}

func (m *mockStore) InsertTx(_ context.Context, _ pgx.Tx, it *models.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *it
	m.items[it.ID] = &cp
	m.seq++
	m.order[it.ID] = m.seq
	return nil
}

func (m *mockStore) FindActiveByDedupKeyTx(_ context.Context, _ pgx.Tx, dedupKey string) (*models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.DedupKey == dedupKey &&
			(it.Status == models.QueueStatusPending || it.Status == models.QueueStatusProcessing) {
			cp := *it
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) ClaimNext(_ context.Context, workerID string, token uuid.UUID) (*models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var eligible []*models.QueueItem
	for _, it := range m.items {
		if it.Status == models.QueueStatusPending && !it.RunAt.After(now) {
			eligible = append(eligible, it)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return m.order[eligible[i].ID] < m.order[eligible[j].ID]
	})
	it := eligible[0]
	it.Status = models.QueueStatusProcessing
	it.ClaimedBy = workerID
	it.ClaimedAt = &now
	tok := token
	it.ClaimToken = &tok
	cp := *it
	return &cp, nil
}

func (m *mockStore) CompleteTx(_ context.Context, _ pgx.Tx, id, token uuid.UUID, result []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != models.QueueStatusProcessing || it.ClaimToken == nil || *it.ClaimToken != token {
		return false, nil
	}
	it.Status = models.QueueStatusDone
	it.Result = result
	now := time.Now().UTC()
	it.CompletedAt = &now
	return true, nil
}

func (m *mockStore) Fail(_ context.Context, id, token uuid.UUID, lastError string, maxAttempts int, runAt time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != models.QueueStatusProcessing || it.ClaimToken == nil || *it.ClaimToken != token {
		return "", false, nil
	}
	it.AttemptCount++
	it.LastError = lastError
	it.ClaimedBy = ""
	it.ClaimedAt = nil
	it.ClaimToken = nil
	if it.AttemptCount >= maxAttempts {
		it.Status = models.QueueStatusFailed
	} else {
		it.Status = models.QueueStatusPending
		it.RunAt = runAt
	}
	return it.Status, true, nil
}

func (m *mockStore) ReapStale(_ context.Context, claimedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, it := range m.items {
		if it.Status == models.QueueStatusProcessing && it.ClaimedAt != nil && it.ClaimedAt.Before(claimedBefore) {
			it.Status = models.QueueStatusPending
			it.ClaimedBy = ""
			it.ClaimedAt = nil
			it.ClaimToken = nil
			n++
		}
	}
	return n, nil
}

func (m *mockStore) PruneFinished(_ context.Context, doneBefore, failedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, it := range m.items {
		prune := (it.Status == models.QueueStatusDone && it.CompletedAt != nil && it.CompletedAt.Before(doneBefore)) ||
			(it.Status == models.QueueStatusFailed && it.CompletedAt != nil && it.CompletedAt.Before(failedBefore))
		if prune {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *mockStore) get(id uuid.UUID) *models.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id]
}

// --- LeadStore mock ---

type mockLeadStore struct {
	mu      sync.Mutex
	results map[uuid.UUID]json.RawMessage
}

func newMockLeadStore() *mockLeadStore {
	return &mockLeadStore{results: make(map[uuid.UUID]json.RawMessage)}
}

func (m *mockLeadStore) SetEnrichmentResultTx(_ context.Context, _ pgx.Tx, id uuid.UUID, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[id] = data
	return nil
}

// --- ExhaustedHandler mock ---

type mockExhausted struct {
	mu    sync.Mutex
	items []*models.QueueItem
}

func (m *mockExhausted) EnrichmentExhausted(_ context.Context, item *models.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	return nil
}

func (m *mockExhausted) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func testQueueConfig() config.Queue {
	return config.Queue{
		MaxAttempts:  3,
		Workers:      2,
		BackoffBase:  30 * time.Second,
		BackoffCap:   30 * time.Minute,
		StaleAfter:   10 * time.Minute,
		PollInterval: 5 * time.Second,
		ReapInterval: time.Minute,
	}
}

func newTestQueue() (*Service, *mockStore, *mockLeadStore) {
	store := newMockStore()
	leads := newMockLeadStore()
	return NewService(mockPool{}, store, leads, testQueueConfig(), nil), store, leads
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestEnqueueAndClaim(t *testing.T) {
	svc, store, _ := newTestQueue()
	ctx := context.Background()
	leadID := uuid.New()

	it, err := svc.Enqueue(ctx, EnqueueRequest{
		Kind:    models.QueueKindPartnerLookup,
		Payload: json.RawMessage(`{"external_id":"123"}`),
		LeadID:  &leadID,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if it.Status != models.QueueStatusPending {
		t.Errorf("status = %s, want pending", it.Status)
	}

	claimed, err := svc.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID != it.ID {
		t.Fatalf("claimed = %+v, want item %s", claimed, it.ID)
	}
	if claimed.Status != models.QueueStatusProcessing || claimed.ClaimedBy != "w1" || claimed.ClaimToken == nil {
		t.Errorf("claim did not stamp ownership: %+v", claimed)
	}
	if stored := store.get(it.ID); stored.Status != models.QueueStatusProcessing {
		t.Errorf("stored status = %s", stored.Status)
	}
}

// Logically equal payloads collapse to one item even when JSON key order
// differs; a distinct payload gets its own item.
func TestEnqueueDeduplicates(t *testing.T) {
	svc, _, _ := newTestQueue()
	ctx := context.Background()

	a, err := svc.Enqueue(ctx, EnqueueRequest{Kind: "partner_lookup", Payload: json.RawMessage(`{"a":1,"b":2}`)})
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Enqueue(ctx, EnqueueRequest{Kind: "partner_lookup", Payload: json.RawMessage(`{"b":2,"a":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("equal payloads produced distinct items %s and %s", a.ID, b.ID)
	}

	c, err := svc.Enqueue(ctx, EnqueueRequest{Kind: "partner_lookup", Payload: json.RawMessage(`{"a":1,"b":3}`)})
	if err != nil {
		t.Fatal(err)
	}
	if c.ID == a.ID {
		t.Error("distinct payload reused existing item")
	}

	// Same payload, different kind: distinct work.
	d, err := svc.Enqueue(ctx, EnqueueRequest{Kind: "cpf_lookup", Payload: json.RawMessage(`{"a":1,"b":2}`)})
	if err != nil {
		t.Fatal(err)
	}
	if d.ID == a.ID {
		t.Error("different kind reused existing item")
	}

	// Omitted payload and explicit empty object are the same request.
	e, err := svc.Enqueue(ctx, EnqueueRequest{Kind: "health_check"})
	if err != nil {
		t.Fatal(err)
	}
	g, err := svc.Enqueue(ctx, EnqueueRequest{Kind: "health_check", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != g.ID {
		t.Errorf("nil and explicit empty payload produced distinct items %s and %s", e.ID, g.ID)
	}
}

// A done item does not block re-enqueueing the same work later.
func TestEnqueueIgnoresFinishedItems(t *testing.T) {
	svc, _, _ := newTestQueue()
	ctx := context.Background()
	payload := json.RawMessage(`{"external_id":"9"}`)

	a, err := svc.Enqueue(ctx, EnqueueRequest{Kind: "partner_lookup", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	claimed, _ := svc.ClaimNext(ctx, "w1")
	if err := svc.Complete(ctx, claimed, json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}

	b, err := svc.Enqueue(ctx, EnqueueRequest{Kind: "partner_lookup", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if b.ID == a.ID {
		t.Error("done item blocked re-enqueue")
	}
}

func TestClaimOrderPriorityThenAge(t *testing.T) {
	svc, _, _ := newTestQueue()
	ctx := context.Background()

	low1, _ := svc.Enqueue(ctx, EnqueueRequest{Kind: "k", Payload: json.RawMessage(`{"n":1}`)})
	low2, _ := svc.Enqueue(ctx, EnqueueRequest{Kind: "k", Payload: json.RawMessage(`{"n":2}`)})
	high, _ := svc.Enqueue(ctx, EnqueueRequest{Kind: "k", Payload: json.RawMessage(`{"n":3}`), Priority: 10})

	want := []uuid.UUID{high.ID, low1.ID, low2.ID}
	for i, id := range want {
		it, err := svc.ClaimNext(ctx, "w1")
		if err != nil {
			t.Fatal(err)
		}
		if it == nil || it.ID != id {
			t.Fatalf("claim %d = %v, want %s", i, it, id)
		}
	}
}

// Many workers claiming concurrently: every item is claimed exactly once.
func TestConcurrentClaimsAreExclusive(t *testing.T) {
	svc, _, _ := newTestQueue()
	ctx := context.Background()
	const items = 20

	for i := 0; i < items; i++ {
		if _, err := svc.Enqueue(ctx, EnqueueRequest{Kind: "k", Payload: json.RawMessage(`{"n":"` + uuid.NewString() + `"}`)}); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	claims := make(chan uuid.UUID, items*2)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				it, err := svc.ClaimNext(ctx, worker)
				if err != nil {
					t.Error(err)
					return
				}
				if it == nil {
					return
				}
				claims <- it.ID
			}
		}("w" + uuid.NewString()[:4])
	}
	wg.Wait()
	close(claims)

	seen := make(map[uuid.UUID]bool)
	for id := range claims {
		if seen[id] {
			t.Fatalf("item %s claimed twice", id)
		}
		seen[id] = true
	}
	if len(seen) != items {
		t.Errorf("claimed %d items, want %d", len(seen), items)
	}
}

func TestCompleteWritesLeadEnrichment(t *testing.T) {
	svc, store, leads := newTestQueue()
	ctx := context.Background()
	leadID := uuid.New()

	if _, err := svc.Enqueue(ctx, EnqueueRequest{Kind: "partner_lookup", Payload: json.RawMessage(`{"x":1}`), LeadID: &leadID}); err != nil {
		t.Fatal(err)
	}
	it, _ := svc.ClaimNext(ctx, "w1")
	result := json.RawMessage(`{"partners":[{"name":"Ana"}]}`)
	if err := svc.Complete(ctx, it, result); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := store.get(it.ID); got.Status != models.QueueStatusDone || string(got.Result) != string(result) {
		t.Errorf("stored = %s %s", got.Status, got.Result)
	}
	if string(leads.results[leadID]) != string(result) {
		t.Errorf("lead enrichment = %s, want %s", leads.results[leadID], result)
	}
}

func TestRetryBackoffThenTerminalFailure(t *testing.T) {
	svc, store, _ := newTestQueue()
	handler := &mockExhausted{}
	svc.SetExhaustedHandler(handler)
	ctx := context.Background()
	cause := errors.New("upstream returned 503")

	it, err := svc.Enqueue(ctx, EnqueueRequest{Kind: "partner_lookup", Payload: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatal(err)
	}

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		// Clear the backoff so the next claim is eligible immediately.
		stored := store.get(it.ID)
		store.mu.Lock()
		stored.RunAt = time.Now().UTC().Add(-time.Second)
		store.mu.Unlock()

		claimed, err := svc.ClaimNext(ctx, "w1")
		if err != nil {
			t.Fatal(err)
		}
		if claimed == nil {
			t.Fatalf("attempt %d: nothing to claim", attempt)
		}
		before := time.Now()
		status, err := svc.Fail(ctx, claimed, cause)
		if err != nil {
			t.Fatalf("attempt %d Fail: %v", attempt, err)
		}
		after := store.get(it.ID)
		if attempt < 3 {
			if status != models.QueueStatusPending {
				t.Fatalf("attempt %d status = %s, want pending", attempt, status)
			}
			delays = append(delays, after.RunAt.Sub(before))
		} else {
			if status != models.QueueStatusFailed {
				t.Fatalf("final attempt status = %s, want failed", status)
			}
		}
		if after.AttemptCount != attempt {
			t.Errorf("attempt_count = %d, want %d", after.AttemptCount, attempt)
		}
		if after.LastError != cause.Error() {
			t.Errorf("last_error = %q", after.LastError)
		}
	}

	// Backoff doubles: attempt 1 ~30s, attempt 2 ~60s.
	if len(delays) != 2 {
		t.Fatalf("delays = %v", delays)
	}
	if delays[0] < 29*time.Second || delays[0] > 31*time.Second {
		t.Errorf("first delay = %v, want ~30s", delays[0])
	}
	if delays[1] < 59*time.Second || delays[1] > 61*time.Second {
		t.Errorf("second delay = %v, want ~60s", delays[1])
	}

	if handler.count() != 1 {
		t.Errorf("exhausted handler ran %d times, want 1", handler.count())
	}
	// The failed item stays out of the claimable pool.
	if claimed, _ := svc.ClaimNext(ctx, "w1"); claimed != nil {
		t.Errorf("failed item was claimable: %+v", claimed)
	}
}

func TestFailPermanentSkipsRetries(t *testing.T) {
	svc, store, _ := newTestQueue()
	handler := &mockExhausted{}
	svc.SetExhaustedHandler(handler)
	ctx := context.Background()

	it, _ := svc.Enqueue(ctx, EnqueueRequest{Kind: "partner_lookup", Payload: json.RawMessage(`{"x":1}`)})
	claimed, _ := svc.ClaimNext(ctx, "w1")

	status, err := svc.FailPermanent(ctx, claimed, errors.New("upstream returned 404"))
	if err != nil {
		t.Fatalf("FailPermanent: %v", err)
	}
	if status != models.QueueStatusFailed {
		t.Errorf("status = %s, want failed", status)
	}
	if store.get(it.ID).Status != models.QueueStatusFailed {
		t.Errorf("stored status = %s", store.get(it.ID).Status)
	}
	if handler.count() != 1 {
		t.Errorf("exhausted handler ran %d times, want 1", handler.count())
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	svc, _, _ := newTestQueue()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{7, 30 * time.Minute},  // 32m uncapped
		{50, 30 * time.Minute}, // far past the cap, no overflow
	}
	for _, c := range cases {
		if got := svc.backoffDelay(c.attempt); got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

// A reaped item can be reclaimed; the slow original worker's Complete and
// Fail are rejected with ErrClaimLost instead of clobbering the new claim.
func TestReapStaleAndClaimLost(t *testing.T) {
	svc, store, leads := newTestQueue()
	ctx := context.Background()
	leadID := uuid.New()

	it, _ := svc.Enqueue(ctx, EnqueueRequest{Kind: "partner_lookup", Payload: json.RawMessage(`{"x":1}`), LeadID: &leadID})
	slow, _ := svc.ClaimNext(ctx, "slow")

	// Backdate the claim past the stale deadline.
	stored := store.get(it.ID)
	store.mu.Lock()
	old := time.Now().UTC().Add(-time.Hour)
	stored.ClaimedAt = &old
	store.mu.Unlock()

	n, err := svc.ReapStale(ctx)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if got := store.get(it.ID); got.Status != models.QueueStatusPending || got.AttemptCount != 0 {
		t.Errorf("after reap: status=%s attempts=%d, want pending/0", got.Status, got.AttemptCount)
	}

	fresh, _ := svc.ClaimNext(ctx, "fresh")
	if fresh == nil || fresh.ID != it.ID {
		t.Fatal("reaped item not reclaimable")
	}

	if err := svc.Complete(ctx, slow, json.RawMessage(`{"stale":true}`)); !errors.Is(err, ErrClaimLost) {
		t.Errorf("stale Complete err = %v, want ErrClaimLost", err)
	}
	if _, err := svc.Fail(ctx, slow, errors.New("late failure")); !errors.Is(err, ErrClaimLost) {
		t.Errorf("stale Fail err = %v, want ErrClaimLost", err)
	}
	if len(leads.results) != 0 {
		t.Error("stale completion wrote lead enrichment")
	}

	// The fresh claim still works.
	if err := svc.Complete(ctx, fresh, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Errorf("fresh Complete: %v", err)
	}
}

func TestPruneFinished(t *testing.T) {
	svc, store, _ := newTestQueue()
	ctx := context.Background()

	oldDone, _ := svc.Enqueue(ctx, EnqueueRequest{Kind: "k", Payload: json.RawMessage(`{"n":1}`)})
	freshDone, _ := svc.Enqueue(ctx, EnqueueRequest{Kind: "k", Payload: json.RawMessage(`{"n":2}`)})
	for range 2 {
		it, _ := svc.ClaimNext(ctx, "w1")
		if err := svc.Complete(ctx, it, json.RawMessage(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	// Backdate one completion past the done retention.
	store.mu.Lock()
	stale := time.Now().UTC().Add(-8 * 24 * time.Hour)
	store.items[oldDone.ID].CompletedAt = &stale
	store.mu.Unlock()

	n, err := svc.PruneFinished(ctx)
	if err != nil {
		t.Fatalf("PruneFinished: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if store.get(oldDone.ID) != nil {
		t.Error("old done item survived prune")
	}
	if store.get(freshDone.ID) == nil {
		t.Error("fresh done item was pruned")
	}
}
