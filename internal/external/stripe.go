package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"tripledger/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient reads subscription state from the Stripe REST API. Requests go
// through BaseClient so the breaker and retry policy apply.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"TripLedger/1.0",
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// RetrieveSubscription fetches the current state of a subscription.
func (s *StripeClient) RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if subscriptionID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "subscription id is required", nil)
	}

	resp, err := s.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return nil, s.wrapStripeError("RetrieveSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "RetrieveSubscription")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to read Stripe subscription response", err)
	}
	sub, err := ParseSubscription(body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to decode Stripe subscription response", err)
	}

	s.logger.DebugContext(ctx, "retrieved stripe subscription",
		"subscription_id", sub.ID,
		"status", sub.Status,
		"price_id", sub.PriceID,
	)
	return sub, nil
}

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	return s.base.Do(req)
}

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a non-2xx Stripe response and maps it to an
// AppError. Retryable statuses never reach here; BaseClient consumes them.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
		nil,
		map[string]any{
			"http_status": resp.StatusCode,
			"stripe_type": stripeErr.Error.Type,
			"stripe_code": stripeErr.Error.Code,
		},
	)
}

func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// Subscription is the subset of a Stripe subscription object that billing
// reconciliation reads. It is decoded from API responses and from
// customer.subscription.* event payloads alike.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	Metadata           map[string]string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           json.RawMessage   `json:"customer"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []stripeSubscriptionItem `json:"data"`
	} `json:"items"`
}

type stripeSubscriptionItem struct {
	Price              stripePrice `json:"price"`
	CurrentPeriodStart int64       `json:"current_period_start"`
	CurrentPeriodEnd   int64       `json:"current_period_end"`
}

type stripePrice struct {
	ID string `json:"id"`
}

// ParseSubscription decodes a subscription object. Newer API versions moved
// the billing period onto the subscription item, so the top-level fields are
// used when set and items.data[0] otherwise.
func ParseSubscription(raw []byte) (*Subscription, error) {
	var ss stripeSubscription
	if err := json.Unmarshal(raw, &ss); err != nil {
		return nil, err
	}
	if ss.ID == "" {
		return nil, fmt.Errorf("subscription object has no id")
	}

	sub := &Subscription{
		ID:                ss.ID,
		CustomerID:        ExpandableID(ss.Customer),
		Status:            ss.Status,
		Metadata:          ss.Metadata,
		CancelAtPeriodEnd: ss.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(ss.CanceledAt),
	}

	start, end := ss.CurrentPeriodStart, ss.CurrentPeriodEnd
	if len(ss.Items.Data) > 0 {
		item := ss.Items.Data[0]
		sub.PriceID = item.Price.ID
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	sub.CurrentPeriodStart = unixPtr(start)
	sub.CurrentPeriodEnd = unixPtr(end)
	return sub, nil
}

// ExpandableID returns the id of a field Stripe may send either as a bare id
// string or as an expanded object.
func ExpandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
