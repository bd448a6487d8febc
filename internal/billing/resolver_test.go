package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripledger/internal/types"
)

func resolverStore() *memStore {
	s := newMemStore()
	s.addOrg(types.OrganizationBilling{OrganizationID: "org_sub", StripeSubscriptionID: "sub_1", StripeCustomerID: "cus_other"})
	s.addOrg(types.OrganizationBilling{OrganizationID: "org_cus", StripeCustomerID: "cus_1"})
	return s
}

func TestIdentityResolver_Order(t *testing.T) {
	tests := []struct {
		name  string
		hints IdentityHints
		want  string
	}{
		{
			name:  "metadata wins over stored ids",
			hints: IdentityHints{Metadata: map[string]string{"organization_id": "org_meta"}, SubscriptionID: "sub_1", CustomerID: "cus_1"},
			want:  "org_meta",
		},
		{
			name:  "alternate metadata key",
			hints: IdentityHints{Metadata: map[string]string{"org_id": " org_alt "}},
			want:  "org_alt",
		},
		{
			name:  "client reference id",
			hints: IdentityHints{ClientReferenceID: "org_ref", SubscriptionID: "sub_1"},
			want:  "org_ref",
		},
		{
			name:  "subscription before customer",
			hints: IdentityHints{SubscriptionID: "sub_1", CustomerID: "cus_1"},
			want:  "org_sub",
		},
		{
			name:  "unknown subscription falls through to customer",
			hints: IdentityHints{SubscriptionID: "sub_nope", CustomerID: "cus_1"},
			want:  "org_cus",
		},
		{
			name:  "blank metadata is ignored",
			hints: IdentityHints{Metadata: map[string]string{"organization_id": "  "}, CustomerID: "cus_1"},
			want:  "org_cus",
		},
	}

	r := NewIdentityResolver(resolverStore(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.hints)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdentityResolver_Unresolved(t *testing.T) {
	r := NewIdentityResolver(resolverStore(), nil)

	_, err := r.Resolve(context.Background(), IdentityHints{SubscriptionID: "sub_x", CustomerID: "cus_x"})
	require.Error(t, err)
	assert.True(t, IsUnresolvedIdentity(err))

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "sub_x", appErr.Details["subscription_id"])
	assert.Equal(t, "cus_x", appErr.Details["customer_id"])
}

type failingLookup struct{ err error }

func (f failingLookup) FindBySubscriptionID(context.Context, string) (*types.OrganizationBilling, error) {
	return nil, f.err
}

func (f failingLookup) FindByCustomerID(context.Context, string) (*types.OrganizationBilling, error) {
	return nil, f.err
}

func TestIdentityResolver_LookupErrorStopsChain(t *testing.T) {
	dbErr := types.NewAppError(types.ErrCodeInternalDB, "failed to query billing", errors.New("conn refused"))
	r := NewIdentityResolver(failingLookup{err: dbErr}, nil)

	_, err := r.Resolve(context.Background(), IdentityHints{SubscriptionID: "sub_1", CustomerID: "cus_1"})
	assert.True(t, IsPersistence(err))
	assert.False(t, IsUnresolvedIdentity(err), "a storage failure must not look like a missing org")
}

type staticStrategy string

func (s staticStrategy) Name() string { return "static" }
func (s staticStrategy) Resolve(context.Context, IdentityHints) (string, error) {
	return string(s), nil
}

func TestIdentityResolver_CustomChain(t *testing.T) {
	r := NewIdentityResolverWith(nil, staticStrategy(""), staticStrategy("org_last"))

	got, err := r.Resolve(context.Background(), IdentityHints{})
	require.NoError(t, err)
	assert.Equal(t, "org_last", got)
}
