package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripledger/internal/external"
	"tripledger/internal/types"
)

func (h *harness) reprocessor() *Reprocessor {
	return NewReprocessor(h.store, NewStandardDispatcher(h.deps), ReprocessorConfig{
		Lease:       time.Minute,
		Concurrency: 2,
		Metrics:     h.metrics,
	})
}

// seedFailedCheckout leaves evt_1 pending after a provider outage and then
// brings the provider back.
func seedFailedCheckout(t *testing.T, h *harness) {
	t.Helper()
	h.fetcher.err = types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request timed out", nil)
	res := h.deliver(t, checkoutEvent("evt_1", "org_1", "sub_1", "cus_1"))
	require.True(t, IsTransientProvider(res.Err))
	require.Equal(t, types.SubStatusTrial, h.store.org("org_1").SubscriptionStatus)

	h.fetcher.err = nil
	h.fetcher.subs["sub_1"] = &external.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "active", PriceID: "price_pro"}
}

func TestReprocessByID_RecoversAfterProviderOutage(t *testing.T) {
	h := newHarness(t)
	seedFailedCheckout(t, h)
	h.store.age("evt_1", 5*time.Minute)

	outcome, err := h.reprocessor().ReprocessByID(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	org := h.store.org("org_1")
	assert.Equal(t, types.SubStatusActive, org.SubscriptionStatus)
	assert.Equal(t, "pro", org.SubscriptionPlan)

	row := h.store.event("evt_1")
	assert.True(t, row.Processed)
	assert.Equal(t, 2, row.Attempts)
	assert.Len(t, h.store.historyFor("org_1"), 2, "fail-safe entry plus the confirmed one")
}

func TestReprocessByID_LeasedRowIsSkipped(t *testing.T) {
	h := newHarness(t)
	seedFailedCheckout(t, h)

	// Another worker holds the row.
	_, err := h.store.Claim(context.Background(), "evt_1", time.Minute)
	require.NoError(t, err)

	outcome, err := h.reprocessor().ReprocessByID(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLeased, outcome)
	assert.False(t, h.store.event("evt_1").Processed)
}

// The queued message arrives seconds after the ingest attempt failed. The
// failed attempt holds no lease, so the worker processes it at once.
func TestReprocessMessage_ImmediatelyAfterIngestFailure(t *testing.T) {
	h := newHarness(t)
	seedFailedCheckout(t, h)
	require.Len(t, h.queue.msgs, 1)

	outcome, err := h.reprocessor().ReprocessMessage(context.Background(), h.queue.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	row := h.store.event("evt_1")
	assert.True(t, row.Processed)
	assert.Equal(t, 2, row.Attempts)
	assert.Equal(t, types.SubStatusActive, h.store.org("org_1").SubscriptionStatus)
	assert.Equal(t, "pro", h.store.org("org_1").SubscriptionPlan)
}

func TestReprocessByID_FailureReleasesLease(t *testing.T) {
	h := newHarness(t)
	res := h.deliver(t, invoiceEvent("evt_d", "invoice.payment_failed", "sub_x", "cus_x"))
	require.True(t, IsUnresolvedIdentity(res.Err))

	_, err := h.reprocessor().ReprocessByID(context.Background(), "evt_d")
	require.True(t, IsUnresolvedIdentity(err))
	assert.Nil(t, h.store.event("evt_d").ClaimedUntil)

	// Once the customer is linked, a redelivered message succeeds straight away.
	h.store.addOrg(types.OrganizationBilling{OrganizationID: "org_d", StripeCustomerID: "cus_x", SubscriptionStatus: types.SubStatusActive})
	outcome, err := h.reprocessor().ReprocessByID(context.Background(), "evt_d")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, types.SubStatusPastDue, h.store.org("org_d").SubscriptionStatus)
}

func TestReprocessByID_AlreadyProcessed(t *testing.T) {
	h := newHarness(t)
	h.fetcher.subs["sub_1"] = &external.Subscription{ID: "sub_1", Status: "active", PriceID: "price_basic"}
	require.NoError(t, h.deliver(t, checkoutEvent("evt_1", "org_1", "sub_1", "cus_1")).Err)

	outcome, err := h.reprocessor().ReprocessByID(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome)
	assert.Len(t, h.store.historyFor("org_1"), 1)
}

func TestReprocessByID_StillFailing(t *testing.T) {
	h := newHarness(t)
	res := h.deliver(t, invoiceEvent("evt_d", "invoice.payment_failed", "sub_x", "cus_x"))
	require.True(t, IsUnresolvedIdentity(res.Err))
	h.store.age("evt_d", 5*time.Minute)

	outcome, err := h.reprocessor().ReprocessByID(context.Background(), "evt_d")
	assert.Equal(t, OutcomeFailed, outcome)
	assert.True(t, IsUnresolvedIdentity(err))
	assert.Equal(t, 2, h.store.event("evt_d").Attempts)
}

func TestReprocessByID_UnreadableStoredPayloadLogsLedgerError(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.RecordIfNew(context.Background(), "evt_bad", "invoice.paid", []byte(`{"nope":true}`))
	require.NoError(t, err)
	h.store.failureErr = types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event failure", errors.New("conn closed"))

	var logs bytes.Buffer
	r := NewReprocessor(h.store, NewStandardDispatcher(h.deps), ReprocessorConfig{
		Logger: slog.New(slog.NewJSONHandler(&logs, nil)),
	})

	outcome, err := r.ReprocessByID(context.Background(), "evt_bad")
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, types.ErrCodeWebhookPayloadMalformed, appCode(err))
	assert.Contains(t, logs.String(), "failed to record processing failure")
	assert.Contains(t, logs.String(), string(types.ErrCodeInternalDB))
}

func TestReprocessByID_ClaimError(t *testing.T) {
	h := newHarness(t)
	h.store.claimErr = types.NewAppError(types.ErrCodeInternalDB, "failed to claim", errors.New("broken pipe"))

	outcome, err := h.reprocessor().ReprocessByID(context.Background(), "evt_any")
	assert.Equal(t, OutcomeFailed, outcome)
	assert.True(t, IsPersistence(err))
}

func TestReprocessMessage_RecordsCarriedPayload(t *testing.T) {
	h := newHarness(t)
	h.store.addOrg(types.OrganizationBilling{OrganizationID: "org_9", StripeCustomerID: "cus_9", SubscriptionStatus: types.SubStatusPastDue})
	payload := invoiceEvent("evt_9", "invoice.paid", "", "cus_9")

	// The ingest path could not insert the row; the worker records it and
	// processes it in the same call.
	outcome, err := h.reprocessor().ReprocessMessage(context.Background(), types.ReprocessMessage{
		Reason:  string(types.ErrCodeInternalDB),
		Payload: json.RawMessage(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	require.NotNil(t, h.store.event("evt_9"))
	assert.True(t, h.store.event("evt_9").Processed)
	assert.Equal(t, types.SubStatusActive, h.store.org("org_9").SubscriptionStatus)

	// A redelivery of the same message is harmless.
	outcome, err = h.reprocessor().ReprocessMessage(context.Background(), types.ReprocessMessage{
		Payload: json.RawMessage(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome)
	assert.Len(t, h.store.historyFor("org_9"), 1)
}

func TestReprocessMessage_Invalid(t *testing.T) {
	h := newHarness(t)
	r := h.reprocessor()

	_, err := r.ReprocessMessage(context.Background(), types.ReprocessMessage{})
	assert.Equal(t, types.ErrCodeValidationMissingField, appCode(err))

	_, err = r.ReprocessMessage(context.Background(), types.ReprocessMessage{Payload: json.RawMessage(`{"nope":true}`)})
	assert.Equal(t, types.ErrCodeWebhookPayloadMalformed, appCode(err))
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	seedFailedCheckout(t, h)
	h.store.age("evt_1", 10*time.Minute)

	res := h.deliver(t, invoiceEvent("evt_d", "invoice.payment_failed", "sub_x", "cus_x"))
	require.True(t, IsUnresolvedIdentity(res.Err))
	h.store.age("evt_d", 10*time.Minute)

	// Too young for the sweep window.
	h.fetcher.err = types.NewAppError(types.ErrCodeUpstreamUnavailable, "down", nil)
	h.deliver(t, checkoutEvent("evt_young", "org_2", "sub_2", "cus_2"))
	h.fetcher.err = nil

	report, err := h.reprocessor().Sweep(context.Background(), 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 2, Processed: 1, Failed: 1}, report)

	assert.True(t, h.store.event("evt_1").Processed)
	assert.False(t, h.store.event("evt_d").Processed)
	assert.False(t, h.store.event("evt_young").Processed)
}

func TestSweep_RespectsLimit(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		h.deliver(t, invoiceEvent(id, "invoice.payment_failed", "sub_x", "cus_x"))
		h.store.age(id, 10*time.Minute)
	}

	report, err := h.reprocessor().Sweep(context.Background(), time.Minute, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Failed)
}

// Rows that can never succeed must not crowd out newer recoverable ones.
func TestSweep_PermanentFailuresDoNotStarveBacklog(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"evt_a", "evt_b"} {
		res := h.deliver(t, invoiceEvent(id, "invoice.payment_failed", "sub_x", "cus_x"))
		require.True(t, IsUnresolvedIdentity(res.Err))
		h.store.age(id, 30*time.Minute)
	}
	seedFailedCheckout(t, h)
	h.store.age("evt_1", 10*time.Minute)

	r := h.reprocessor()
	first, err := r.Sweep(context.Background(), 5*time.Minute, 2)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 2, Failed: 2}, first, "oldest attempts go first")
	assert.False(t, h.store.event("evt_1").Processed)

	second, err := r.Sweep(context.Background(), 5*time.Minute, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Processed)
	assert.True(t, h.store.event("evt_1").Processed)
	assert.Equal(t, types.SubStatusActive, h.store.org("org_1").SubscriptionStatus)
}

func TestSweep_SkipsLeasedRows(t *testing.T) {
	h := newHarness(t)
	seedFailedCheckout(t, h)
	h.store.age("evt_1", 10*time.Minute)
	_, err := h.store.Claim(context.Background(), "evt_1", time.Minute)
	require.NoError(t, err)

	report, err := h.reprocessor().Sweep(context.Background(), 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
}

func TestReportBacklog(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, invoiceEvent("evt_a", "invoice.payment_failed", "sub_x", "cus_x"))
	h.deliver(t, `{"id":"evt_b","object":"event","type":"customer.created","data":{"object":{}}}`)

	n, err := h.reprocessor().ReportBacklog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []int64{1}, h.metrics.pending)
}
