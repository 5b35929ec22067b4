package service_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"wanotify/internal/client"
	"wanotify/internal/model"
	"wanotify/internal/repo"
	"wanotify/internal/service"
)

// memRepo is an in-memory MessageRepository with the same
// compare-and-swap transition rules as the Postgres implementation.
type memRepo struct {
	mu   sync.Mutex
	seq  int64
	msgs map[uuid.UUID]*model.Message
}

var _ repo.MessageRepository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{msgs: make(map[uuid.UUID]*model.Message)}
}

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func (r *memRepo) nextCreatedAt() time.Time {
	r.seq++
	return baseTime.Add(time.Duration(r.seq) * time.Second)
}

func (r *memRepo) Enqueue(ctx context.Context, m model.NewMessage) (uuid.UUID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.FromNumber == "" {
		m.FromNumber = model.SystemNumber
	}
	if m.Kind == "" {
		m.Kind = model.KindOutgoing
	}

	if m.DedupeKey != "" {
		for _, existing := range r.msgs {
			if existing.DedupeKey != nil && *existing.DedupeKey == m.DedupeKey && existing.Status != model.StatusFailed {
				return existing.ID, false, nil
			}
		}
	}

	msg := &model.Message{
		ID:         uuid.New(),
		ToNumber:   m.ToNumber,
		FromNumber: m.FromNumber,
		Content:    m.Content,
		Kind:       m.Kind,
		Status:     model.StatusPending,
		CreatedAt:  r.nextCreatedAt(),
	}
	msg.UpdatedAt = msg.CreatedAt
	if m.DedupeKey != "" {
		key := m.DedupeKey
		msg.DedupeKey = &key
	}
	r.msgs[msg.ID] = msg
	return msg.ID, true, nil
}

func (r *memRepo) Claim(ctx context.Context, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*model.Message
	for _, m := range r.msgs {
		if m.Status == model.StatusPending {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now().UTC()
	out := make([]model.Message, 0, len(pending))
	for _, m := range pending {
		m.Status = model.StatusClaimed
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (r *memRepo) ClaimByID(ctx context.Context, id uuid.UUID) (model.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok || m.Status != model.StatusPending {
		return model.Message{}, false, nil
	}
	m.Status = model.StatusClaimed
	m.UpdatedAt = time.Now().UTC()
	return *m, true, nil
}

func (r *memRepo) MarkSent(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.msgs[id]; ok && m.Status == model.StatusClaimed {
		now := time.Now().UTC()
		m.Status = model.StatusSent
		m.SentAt = &now
		m.ErrorDetail = nil
		m.UpdatedAt = now
	}
	return nil
}

func (r *memRepo) MarkFailed(ctx context.Context, id uuid.UUID, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.msgs[id]; ok && m.Status == model.StatusClaimed {
		m.Status = model.StatusFailed
		m.ErrorDetail = &detail
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *memRepo) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var n int64
	for _, m := range r.msgs {
		if m.Status == model.StatusClaimed && m.UpdatedAt.Before(cutoff) {
			m.Status = model.StatusPending
			m.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (r *memRepo) GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[id]
	if !ok {
		return model.Message{}, repo.ErrMessageNotFound
	}
	return *m, nil
}

func (r *memRepo) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Message
	for _, m := range r.msgs {
		if m.Status == status {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type fakeEndpoints struct {
	eps []model.Endpoint
	err error
}

func (f *fakeEndpoints) ListActive(ctx context.Context) ([]model.Endpoint, error) {
	return f.eps, f.err
}

type fakeDelivery struct {
	mu        sync.Mutex
	delivered []model.Message
	count     atomic.Int64
	failFor   map[string]error // keyed by to_number
}

func (f *fakeDelivery) Deliver(ctx context.Context, url string, msg model.Message) error {
	f.count.Add(1)
	if err, ok := f.failFor[msg.ToNumber]; ok {
		return err
	}
	f.mu.Lock()
	f.delivered = append(f.delivered, msg)
	f.mu.Unlock()
	return nil
}

type fakeDedup struct {
	mu        sync.Mutex
	entries   map[string]uuid.UUID
	forgotten []string
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{entries: make(map[string]uuid.UUID)}
}

func (f *fakeDedup) Lookup(ctx context.Context, key string) (uuid.UUID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.entries[key]
	return id, ok, nil
}

func (f *fakeDedup) Remember(ctx context.Context, key string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = id
	return nil
}

func (f *fakeDedup) Forget(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	f.forgotten = append(f.forgotten, key)
	return nil
}

func newDispatcher(r repo.MessageRepository, eps *fakeEndpoints, c service.DeliveryClient) *service.Dispatcher {
	return service.NewDispatcher(r, eps, c, nil, service.DispatcherConfig{
		BatchSize:       10,
		MessageDelay:    0,
		StaleClaimAfter: 5 * time.Minute,
	})
}

func TestDispatcher_RunCycle_NoEndpoint(t *testing.T) {
	t.Parallel()

	r := newMemRepo()
	id, _, err := r.Enqueue(context.Background(), model.NewMessage{
		ToNumber: "+966500000000",
		Content:  "test",
		Kind:     "outgoing",
	})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	d := newDispatcher(r, &fakeEndpoints{}, &fakeDelivery{})

	sum := d.RunCycle(context.Background())
	if sum.Claimed != 1 || sum.Sent != 0 || sum.Failed != 1 {
		t.Fatalf("expected {claimed:1, sent:0, failed:1}, got %+v", sum)
	}

	m, err := r.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if m.Status != model.StatusFailed {
		t.Fatalf("expected status failed, got %s", m.Status)
	}
	if m.ErrorDetail == nil || *m.ErrorDetail != "no endpoint" {
		t.Fatalf("expected error_detail %q, got %v", "no endpoint", m.ErrorDetail)
	}
}

func TestDispatcher_RunCycle_DeliversViaWebhook(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	r := newMemRepo()
	id, _, _ := r.Enqueue(context.Background(), model.NewMessage{
		ToNumber: "+966500000000",
		Content:  "hello",
	})

	eps := &fakeEndpoints{eps: []model.Endpoint{
		{ID: 1, URL: srv.URL, Purpose: "outgoing", Active: true},
	}}
	d := newDispatcher(r, eps, client.NewWebhookClient(time.Second))

	sum := d.RunCycle(context.Background())
	if sum.Claimed != 1 || sum.Sent != 1 || sum.Failed != 0 {
		t.Fatalf("expected {claimed:1, sent:1, failed:0}, got %+v", sum)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected exactly one webhook call, got %d", hits.Load())
	}

	m, _ := r.GetMessage(context.Background(), id)
	if m.Status != model.StatusSent {
		t.Fatalf("expected status sent, got %s", m.Status)
	}
	if m.SentAt == nil {
		t.Fatalf("expected sent_at to be set")
	}
}

func TestDispatcher_RunCycle_RejectionRecordsResponseBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("channel unavailable"))
	}))
	t.Cleanup(srv.Close)

	r := newMemRepo()
	id, _, _ := r.Enqueue(context.Background(), model.NewMessage{
		ToNumber: "+966500000000",
		Content:  "hello",
	})

	eps := &fakeEndpoints{eps: []model.Endpoint{
		{ID: 1, URL: srv.URL, Purpose: "outgoing", Active: true},
	}}
	d := newDispatcher(r, eps, client.NewWebhookClient(time.Second))

	sum := d.RunCycle(context.Background())
	if sum.Failed != 1 {
		t.Fatalf("expected failed=1, got %+v", sum)
	}

	m, _ := r.GetMessage(context.Background(), id)
	if m.Status != model.StatusFailed {
		t.Fatalf("expected status failed, got %s", m.Status)
	}
	if m.ErrorDetail == nil {
		t.Fatalf("expected error_detail to be set")
	}
	if got := *m.ErrorDetail; got != `unexpected status code: 502 body="channel unavailable"` {
		t.Fatalf("unexpected error_detail: %q", got)
	}
}

func TestDispatcher_RunCycle_FailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	r := newMemRepo()
	_, _, _ = r.Enqueue(context.Background(), model.NewMessage{ToNumber: "+1bad", Content: "a"})
	okID, _, _ := r.Enqueue(context.Background(), model.NewMessage{ToNumber: "+1ok", Content: "b"})

	fd := &fakeDelivery{failFor: map[string]error{"+1bad": errors.New("connection refused")}}
	eps := &fakeEndpoints{eps: []model.Endpoint{
		{ID: 1, URL: "https://hook.example", Purpose: "outgoing", Active: true},
	}}
	d := newDispatcher(r, eps, fd)

	sum := d.RunCycle(context.Background())
	if sum.Claimed != 2 || sum.Sent != 1 || sum.Failed != 1 {
		t.Fatalf("expected {claimed:2, sent:1, failed:1}, got %+v", sum)
	}

	m, _ := r.GetMessage(context.Background(), okID)
	if m.Status != model.StatusSent {
		t.Fatalf("expected second message sent despite first failing, got %s", m.Status)
	}
}

func TestDispatcher_RunCycle_OldestFirst(t *testing.T) {
	t.Parallel()

	r := newMemRepo()
	var want []string
	for _, to := range []string{"+100", "+200", "+300"} {
		_, _, _ = r.Enqueue(context.Background(), model.NewMessage{ToNumber: to, Content: "x"})
		want = append(want, to)
	}

	fd := &fakeDelivery{}
	eps := &fakeEndpoints{eps: []model.Endpoint{
		{ID: 1, URL: "https://hook.example", Purpose: "outgoing", Active: true},
	}}
	d := newDispatcher(r, eps, fd)

	d.RunCycle(context.Background())

	fd.mu.Lock()
	defer fd.mu.Unlock()

	if len(fd.delivered) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(fd.delivered))
	}
	for i, m := range fd.delivered {
		if m.ToNumber != want[i] {
			t.Fatalf("expected delivery order %v, got position %d = %s", want, i, m.ToNumber)
		}
	}
}

func TestDispatcher_ConcurrentCycles_NoDoubleDelivery(t *testing.T) {
	t.Parallel()

	r := newMemRepo()
	_, _, _ = r.Enqueue(context.Background(), model.NewMessage{ToNumber: "+966500000000", Content: "once"})

	fd := &fakeDelivery{}
	eps := &fakeEndpoints{eps: []model.Endpoint{
		{ID: 1, URL: "https://hook.example", Purpose: "outgoing", Active: true},
	}}
	d := newDispatcher(r, eps, fd)

	const runs = 8
	var wg sync.WaitGroup
	var totalClaimed atomic.Int64

	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum := d.RunCycle(context.Background())
			totalClaimed.Add(int64(sum.Claimed))
		}()
	}
	wg.Wait()

	if totalClaimed.Load() != 1 {
		t.Fatalf("expected exactly one cycle to claim the message, total claimed=%d", totalClaimed.Load())
	}
	if fd.count.Load() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", fd.count.Load())
	}
}

func TestDispatcher_RunCycle_ReclaimsStaleClaims(t *testing.T) {
	t.Parallel()

	r := newMemRepo()
	id, _, _ := r.Enqueue(context.Background(), model.NewMessage{ToNumber: "+966500000000", Content: "stuck"})

	// Simulate a worker that claimed the message and died.
	if _, err := r.Claim(context.Background(), 1); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	r.mu.Lock()
	r.msgs[id].UpdatedAt = time.Now().UTC().Add(-time.Hour)
	r.mu.Unlock()

	fd := &fakeDelivery{}
	eps := &fakeEndpoints{eps: []model.Endpoint{
		{ID: 1, URL: "https://hook.example", Purpose: "outgoing", Active: true},
	}}
	d := newDispatcher(r, eps, fd)

	sum := d.RunCycle(context.Background())
	if sum.Claimed != 1 || sum.Sent != 1 {
		t.Fatalf("expected reclaimed message to be delivered, got %+v", sum)
	}

	m, _ := r.GetMessage(context.Background(), id)
	if m.Status != model.StatusSent {
		t.Fatalf("expected status sent after reclaim, got %s", m.Status)
	}
}

func TestDispatcher_RunCycle_FreshClaimIsNotReclaimed(t *testing.T) {
	t.Parallel()

	r := newMemRepo()
	_, _, _ = r.Enqueue(context.Background(), model.NewMessage{ToNumber: "+966500000000", Content: "in flight"})

	// Another cycle holds a fresh claim on the message.
	if _, err := r.Claim(context.Background(), 1); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}

	fd := &fakeDelivery{}
	eps := &fakeEndpoints{eps: []model.Endpoint{
		{ID: 1, URL: "https://hook.example", Purpose: "outgoing", Active: true},
	}}
	d := newDispatcher(r, eps, fd)

	sum := d.RunCycle(context.Background())
	if sum.Claimed != 0 {
		t.Fatalf("expected nothing claimable, got %+v", sum)
	}
	if fd.count.Load() != 0 {
		t.Fatalf("expected no delivery, got %d", fd.count.Load())
	}
}

func TestDispatcher_DispatchOne(t *testing.T) {
	t.Parallel()

	r := newMemRepo()
	id, _, _ := r.Enqueue(context.Background(), model.NewMessage{ToNumber: "+966500000000", Content: "now"})

	fd := &fakeDelivery{}
	eps := &fakeEndpoints{eps: []model.Endpoint{
		{ID: 1, URL: "https://hook.example", Purpose: "outgoing", Active: true},
	}}
	d := newDispatcher(r, eps, fd)

	sum, err := d.DispatchOne(context.Background(), id)
	if err != nil {
		t.Fatalf("DispatchOne() error: %v", err)
	}
	if sum.Claimed != 1 || sum.Sent != 1 || sum.Failed != 0 {
		t.Fatalf("expected {claimed:1, sent:1, failed:0}, got %+v", sum)
	}

	// A second targeted dispatch of the same message must refuse.
	_, err = d.DispatchOne(context.Background(), id)
	if !errors.Is(err, service.ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable, got %v", err)
	}

	_, err = d.DispatchOne(context.Background(), uuid.New())
	if !errors.Is(err, service.ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable for unknown id, got %v", err)
	}
}

func TestDispatcher_FailedDeliveryForgetsDedupeKey(t *testing.T) {
	t.Parallel()

	r := newMemRepo()
	dedup := newFakeDedup()

	id, _, _ := r.Enqueue(context.Background(), model.NewMessage{
		ToNumber:  "+966500000000",
		Content:   "reminder",
		DedupeKey: "overdue:42",
	})
	_ = dedup.Remember(context.Background(), "overdue:42", id)

	d := service.NewDispatcher(r, &fakeEndpoints{}, &fakeDelivery{}, dedup, service.DispatcherConfig{
		BatchSize:       10,
		StaleClaimAfter: 5 * time.Minute,
	})

	sum := d.RunCycle(context.Background())
	if sum.Failed != 1 {
		t.Fatalf("expected failed=1, got %+v", sum)
	}

	dedup.mu.Lock()
	defer dedup.mu.Unlock()
	if len(dedup.forgotten) != 1 || dedup.forgotten[0] != "overdue:42" {
		t.Fatalf("expected dedupe key to be forgotten, got %v", dedup.forgotten)
	}
}
