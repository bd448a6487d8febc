package billing

import (
	"context"
	"log/slog"
	"strings"

	"tripledger/internal/types"
)

// IdentityHints are the identifiers an event carries that can point at an
// organization.
type IdentityHints struct {
	Metadata          map[string]string
	ClientReferenceID string
	SubscriptionID    string
	CustomerID        string
}

// BillingLookup finds an organization by its stored Stripe identifiers.
// Implemented by db.BillingRepository.
type BillingLookup interface {
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*types.OrganizationBilling, error)
	FindByCustomerID(ctx context.Context, customerID string) (*types.OrganizationBilling, error)
}

// ResolutionStrategy is one step of the identity chain. It returns "" with
// a nil error when it has no opinion.
type ResolutionStrategy interface {
	Name() string
	Resolve(ctx context.Context, hints IdentityHints) (string, error)
}

// MetadataStrategy trusts an organization id we stamped on the Stripe
// object ourselves.
type MetadataStrategy struct {
	Keys []string
}

var defaultMetadataKeys = []string{"organization_id", "org_id"}

func (s MetadataStrategy) Name() string { return "metadata" }

func (s MetadataStrategy) Resolve(_ context.Context, hints IdentityHints) (string, error) {
	keys := s.Keys
	if len(keys) == 0 {
		keys = defaultMetadataKeys
	}
	for _, k := range keys {
		if v := strings.TrimSpace(hints.Metadata[k]); v != "" {
			return v, nil
		}
	}
	// Checkout sessions are created with client_reference_id set to the org.
	return strings.TrimSpace(hints.ClientReferenceID), nil
}

type SubscriptionStrategy struct {
	Lookup BillingLookup
}

func (s SubscriptionStrategy) Name() string { return "subscription_id" }

func (s SubscriptionStrategy) Resolve(ctx context.Context, hints IdentityHints) (string, error) {
	if hints.SubscriptionID == "" {
		return "", nil
	}
	return orgFromLookup(s.Lookup.FindBySubscriptionID(ctx, hints.SubscriptionID))
}

type CustomerStrategy struct {
	Lookup BillingLookup
}

func (s CustomerStrategy) Name() string { return "customer_id" }

func (s CustomerStrategy) Resolve(ctx context.Context, hints IdentityHints) (string, error) {
	if hints.CustomerID == "" {
		return "", nil
	}
	return orgFromLookup(s.Lookup.FindByCustomerID(ctx, hints.CustomerID))
}

func orgFromLookup(b *types.OrganizationBilling, err error) (string, error) {
	if err != nil {
		if code, ok := codeOf(err); ok && code == types.ErrCodeNotFoundBilling {
			return "", nil
		}
		return "", err
	}
	return b.OrganizationID, nil
}

// IdentityResolver walks its strategies in order and stops at the first
// match. New strategies are appended, never interleaved.
type IdentityResolver struct {
	strategies []ResolutionStrategy
	logger     *slog.Logger
}

// NewIdentityResolver builds the standard chain: metadata, then stored
// subscription id, then stored customer id.
func NewIdentityResolver(lookup BillingLookup, logger *slog.Logger) *IdentityResolver {
	return NewIdentityResolverWith(logger,
		MetadataStrategy{},
		SubscriptionStrategy{Lookup: lookup},
		CustomerStrategy{Lookup: lookup},
	)
}

func NewIdentityResolverWith(logger *slog.Logger, strategies ...ResolutionStrategy) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityResolver{strategies: strategies, logger: logger}
}

// Resolve returns the organization id for hints, or an
// ErrCodeBillingUnresolvedIdentity error when no strategy matches.
func (r *IdentityResolver) Resolve(ctx context.Context, hints IdentityHints) (string, error) {
	for _, s := range r.strategies {
		orgID, err := s.Resolve(ctx, hints)
		if err != nil {
			return "", err
		}
		if orgID != "" {
			r.logger.DebugContext(ctx, "resolved organization",
				"org_id", orgID,
				"strategy", s.Name(),
				"event_id", types.GetWebhookEventID(ctx),
			)
			return orgID, nil
		}
	}

	return "", types.NewAppErrorWithDetails(
		types.ErrCodeBillingUnresolvedIdentity,
		"no organization matches event identifiers",
		nil,
		map[string]any{
			"subscription_id": hints.SubscriptionID,
			"customer_id":     hints.CustomerID,
		},
	)
}
