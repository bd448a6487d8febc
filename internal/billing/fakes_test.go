package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"tripledger/internal/external"
	"tripledger/internal/types"
)

// memStore is an in-memory stand-in for the Postgres repositories. It
// implements BillingLookup, PlanLookup, StateWriter and ReprocessLedger with
// the same semantics as the SQL.
type memStore struct {
	mu      sync.Mutex
	orgs    map[string]*types.OrganizationBilling
	history []types.SubscriptionHistoryEntry
	plans   map[string]*types.SubscriptionPlan
	events  map[string]*types.WebhookEvent
	nextID  int64

	applyErr   error
	recordErr  error
	failureErr error
	claimErr   error
	planErr    error
}

func newMemStore() *memStore {
	return &memStore{
		orgs:   map[string]*types.OrganizationBilling{},
		plans:  map[string]*types.SubscriptionPlan{},
		events: map[string]*types.WebhookEvent{},
	}
}

func (s *memStore) addPlan(id, priceID, name string) {
	s.plans[priceID] = &types.SubscriptionPlan{ID: id, StripePriceID: priceID, Name: name, Active: true}
}

func (s *memStore) addOrg(b types.OrganizationBilling) {
	s.orgs[b.OrganizationID] = &b
}

func (s *memStore) org(id string) types.OrganizationBilling {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.orgs[id]; ok {
		return *b
	}
	return types.OrganizationBilling{}
}

func (s *memStore) historyFor(orgID string) []types.SubscriptionHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.SubscriptionHistoryEntry
	for _, h := range s.history {
		if h.OrganizationID == orgID {
			out = append(out, h)
		}
	}
	return out
}

func (s *memStore) event(id string) *types.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.events[id]; ok {
		cp := *e
		return &cp
	}
	return nil
}

// --- BillingLookup ---

func (s *memStore) FindBySubscriptionID(_ context.Context, subID string) (*types.OrganizationBilling, error) {
	return s.find(func(b *types.OrganizationBilling) bool { return b.StripeSubscriptionID == subID }, "stripe_subscription_id", subID)
}

func (s *memStore) FindByCustomerID(_ context.Context, cusID string) (*types.OrganizationBilling, error) {
	return s.find(func(b *types.OrganizationBilling) bool { return b.StripeCustomerID == cusID }, "stripe_customer_id", cusID)
}

func (s *memStore) find(match func(*types.OrganizationBilling) bool, column, value string) (*types.OrganizationBilling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.orgs {
		if match(b) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundBilling, "no billing record", nil, map[string]any{column: value})
}

// --- PlanLookup ---

func (s *memStore) GetByPriceID(_ context.Context, priceID string) (*types.SubscriptionPlan, error) {
	if s.planErr != nil {
		return nil, s.planErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.plans[priceID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "no plan for price", nil)
}

// --- StateWriter ---

func (s *memStore) Apply(_ context.Context, change types.BillingChange, entry *types.SubscriptionHistoryEntry) (*types.OrganizationBilling, error) {
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.orgs[change.OrganizationID]
	if !ok {
		b = &types.OrganizationBilling{OrganizationID: change.OrganizationID}
		s.orgs[change.OrganizationID] = b
	}
	b.SubscriptionStatus = change.Status
	if change.Plan != "" {
		b.SubscriptionPlan = change.Plan
	}
	if change.StripeCustomerID != "" {
		b.StripeCustomerID = change.StripeCustomerID
	}
	switch {
	case change.ClearSubscription:
		b.StripeSubscriptionID = ""
	case change.StripeSubscriptionID != "":
		b.StripeSubscriptionID = change.StripeSubscriptionID
	}
	b.UpdatedAt = time.Now()

	s.nextID++
	entry.ID = s.nextID
	entry.OrganizationID = change.OrganizationID
	entry.CreatedAt = time.Now()
	s.history = append(s.history, *entry)

	cp := *b
	return &cp, nil
}

// --- ReprocessLedger ---

func (s *memStore) RecordIfNew(_ context.Context, eventID, eventType string, payload []byte) (bool, error) {
	if s.recordErr != nil {
		return false, s.recordErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; ok {
		return false, nil
	}
	now := time.Now()
	s.events[eventID] = &types.WebhookEvent{
		StripeEventID: eventID,
		EventType:     eventType,
		Payload:       append([]byte(nil), payload...),
		Attempts:      1,
		LastAttemptAt: &now,
		CreatedAt:     now,
	}
	return true, nil
}

func (s *memStore) MarkProcessed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundWebhookEvent, "no such event", nil)
	}
	if !e.Processed {
		now := time.Now()
		e.Processed = true
		e.ProcessedAt = &now
	}
	return nil
}

func (s *memStore) RecordFailure(_ context.Context, eventID string, reason string) error {
	if s.failureErr != nil {
		return s.failureErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.events[eventID]; ok && !e.Processed {
		now := time.Now()
		e.LastError = reason
		e.LastAttemptAt = &now
		e.ClaimedUntil = nil
	}
	return nil
}

func (s *memStore) Claim(_ context.Context, eventID string, lease time.Duration) (*types.WebhookEvent, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundWebhookEvent, "no such event", nil)
	}
	if e.Processed {
		return nil, nil
	}
	now := time.Now()
	if e.ClaimedUntil != nil && now.Before(*e.ClaimedUntil) {
		return nil, types.NewAppError(types.ErrCodeConflictEventClaimed, "event is leased", nil)
	}
	until := now.Add(lease)
	e.Attempts++
	e.LastAttemptAt = &now
	e.ClaimedUntil = &until
	cp := *e
	return &cp, nil
}

func (s *memStore) ListPending(_ context.Context, olderThan time.Time, limit int) ([]*types.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []*types.WebhookEvent
	for _, e := range s.events {
		leased := e.ClaimedUntil != nil && now.Before(*e.ClaimedUntil)
		if !e.Processed && !leased && e.CreatedAt.Before(olderThan) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastAttemptAt, out[j].LastAttemptAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountPending(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.events {
		if !e.Processed {
			n++
		}
	}
	return n, nil
}

// age backdates an event so it is old enough for the sweep window.
func (s *memStore) age(eventID string, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.events[eventID]
	created := e.CreatedAt.Add(-by)
	e.CreatedAt = created
	e.LastAttemptAt = &created
}

// --- Provider ---

type fakeFetcher struct {
	mu          sync.Mutex
	subs        map[string]*external.Subscription
	err         error
	calls       int
	hadDeadline bool
}

func (f *fakeFetcher) RetrieveSubscription(ctx context.Context, id string) (*external.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	_, f.hadDeadline = ctx.Deadline()
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.subs[id]; ok {
		return s, nil
	}
	return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "no such subscription", nil)
}

// --- Metrics ---

type recordingMetrics struct {
	mu        sync.Mutex
	counts    map[string]int
	fallbacks []string
	providers []string
	pending   []int64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: map[string]int{}}
}

func (m *recordingMetrics) RecordWebhook(_ context.Context, metric string, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[metric]++
}

func (m *recordingMetrics) RecordFailure(_ context.Context, _ string, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[types.MetricWebhookFailed]++
	m.counts["code:"+code]++
}

func (m *recordingMetrics) RecordPlanFallback(_ context.Context, priceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, priceID)
}

func (m *recordingMetrics) RecordProviderFailure(_ context.Context, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, code)
}

func (m *recordingMetrics) RecordPending(_ context.Context, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, n)
}

func (m *recordingMetrics) count(metric string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[metric]
}

// --- Queue ---

type fakeEnqueuer struct {
	mu   sync.Mutex
	msgs []types.ReprocessMessage
	err  error
}

func (q *fakeEnqueuer) EnqueueReprocess(_ context.Context, msg types.ReprocessMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

// --- Harness ---

const testSecret = "whsec_billing_test"

type harness struct {
	store    *memStore
	fetcher  *fakeFetcher
	metrics  *recordingMetrics
	queue    *fakeEnqueuer
	deps     HandlerDeps
	ingestor *Ingestor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(),
		fetcher: &fakeFetcher{subs: map[string]*external.Subscription{}},
		metrics: newRecordingMetrics(),
		queue:   &fakeEnqueuer{},
	}
	h.store.addPlan("plan_basic", "price_basic", "basic")
	h.store.addPlan("plan_pro", "price_pro", "pro")

	plans := NewPlanResolver(h.store, "basic", h.metrics, nil)
	h.deps = HandlerDeps{
		Resolver:        NewIdentityResolver(h.store, nil),
		Reconciler:      NewReconciler(h.store, plans, nil),
		Subscriptions:   h.fetcher,
		ProviderTimeout: time.Second,
		Metrics:         h.metrics,
	}
	h.ingestor = NewIngestor(IngestorConfig{
		Verifier:      external.NewStripeVerifier(5 * time.Minute),
		WebhookSecret: types.SecretString(testSecret),
		Ledger:        h.store,
		Dispatcher:    NewStandardDispatcher(h.deps),
		Enqueuer:      h.queue,
		Metrics:       h.metrics,
	})
	return h
}

// deliver signs payload and runs it through the ingestor.
func (h *harness) deliver(t *testing.T, payload string) Result {
	t.Helper()
	res, err := h.ingestor.Ingest(context.Background(), []byte(payload), sign(payload))
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	return res
}

func sign(payload string) string {
	return signWith(payload, testSecret, time.Now())
}

func signWith(payload, secret string, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: at,
		Scheme:    "v1",
	}).Header
}

func appCode(err error) types.ErrorCode {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
