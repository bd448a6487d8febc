package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"tripledger/internal/config"
	"tripledger/internal/types"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/billing-reprocess"

func newTestPublisher(mock *mockSQSSender) *ReprocessPublisher {
	return NewReprocessPublisher(mock, config.AWSConfig{ReprocessQueueURL: testQueueURL}, nil)
}

func TestEnqueueReprocess_SendsMessage(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	enqueued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := pub.EnqueueReprocess(context.Background(), types.ReprocessMessage{
		EventID:    "evt_1",
		EventType:  "checkout.session.completed",
		Reason:     "upstream_unavailable",
		TraceID:    "trace_abc",
		EnqueuedAt: enqueued,
	})
	if err != nil {
		t.Fatalf("EnqueueReprocess returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}
	call := mock.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *call.QueueUrl)
	}

	var msg types.ReprocessMessage
	if err := json.Unmarshal([]byte(*call.MessageBody), &msg); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}
	if msg.EventID != "evt_1" || msg.TraceID != "trace_abc" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if !msg.EnqueuedAt.Equal(enqueued) {
		t.Errorf("expected enqueued_at %v, got %v", enqueued, msg.EnqueuedAt)
	}
	if strings.Contains(*call.MessageBody, `"payload"`) {
		t.Errorf("payload should be omitted when empty: %s", *call.MessageBody)
	}

	reason, ok := call.MessageAttributes["reason"]
	if !ok || *reason.StringValue != "upstream_unavailable" {
		t.Errorf("expected reason attribute, got %+v", call.MessageAttributes)
	}
}

func TestEnqueueReprocess_FillsTraceAndTimestamp(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	if err := pub.EnqueueReprocess(context.Background(), types.ReprocessMessage{EventID: "evt_2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var msg types.ReprocessMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &msg); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}
	if msg.TraceID == "" {
		t.Error("expected generated trace id")
	}
	if msg.EnqueuedAt.IsZero() {
		t.Error("expected enqueued_at to be set")
	}
	if got := *mock.calls[0].MessageAttributes["trace_id"].StringValue; got != msg.TraceID {
		t.Errorf("trace_id attribute %q does not match body %q", got, msg.TraceID)
	}
}

func TestEnqueueReprocess_CarriesPayload(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	payload := json.RawMessage(`{"id":"evt_3","type":"invoice.paid"}`)
	if err := pub.EnqueueReprocess(context.Background(), types.ReprocessMessage{EventID: "evt_3", Payload: payload}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var msg types.ReprocessMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &msg); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}
	if string(msg.Payload) != string(payload) {
		t.Errorf("expected payload %s, got %s", payload, msg.Payload)
	}
}

func TestEnqueueReprocess_SQSError(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("AccessDenied")}
	pub := newTestPublisher(mock)

	err := pub.EnqueueReprocess(context.Background(), types.ReprocessMessage{EventID: "evt_4"})
	if err == nil {
		t.Fatal("expected error")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamQueue {
		t.Errorf("expected %s, got %v", types.ErrCodeUpstreamQueue, err)
	}
	if !errors.Is(err, mock.err) {
		t.Error("expected wrapped SQS error")
	}
}

func TestNewReprocessPublisher_DisabledWithoutURL(t *testing.T) {
	if pub := NewReprocessPublisher(&mockSQSSender{}, config.AWSConfig{}, nil); pub != nil {
		t.Errorf("expected nil publisher without a queue URL, got %+v", pub)
	}
}
