package voucher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_ClaimEligible_PartialClaim(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	v := store.Put(newVoucher(3, "1111111111"))
	svc := NewService(store, nil)

	// 1111 already holds the code; two slots remain for three new phones.
	claim, err := svc.ClaimEligible(ctx, "early50", "r1",
		[]string{"1111111111", "2222222222", "3333333333", "4444444444"})
	require.NoError(t, err)

	assert.Equal(t, v.ID, claim.VoucherID)
	assert.Equal(t, []string{"2222222222", "3333333333"}, claim.Phones)
	assert.Equal(t, 2, claim.AvailableSlots)
	assert.Equal(t, 3, claim.RequiredSlots)
	assert.Equal(t, []string{"1111111111"}, claim.Held)
	assert.Equal(t, []string{"1111111111", "2222222222", "3333333333"}, claim.OrderPhones())

	got, _ := store.GetByID(ctx, v.ID)
	assert.Len(t, got.ClaimedPhones, 3)
}

func TestService_ClaimEligible_Exhausted(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	store.Put(newVoucher(1, "1111111111"))
	svc := NewService(store, nil)

	claim, err := svc.ClaimEligible(ctx, "EARLY50", "r1", []string{"2222222222"})
	assert.ErrorIs(t, err, ErrExhausted)
	require.NotNil(t, claim)
	assert.Equal(t, 0, claim.AvailableSlots)
	assert.Equal(t, 1, claim.RequiredSlots)
}

func TestService_ClaimEligible_AllPhonesAlreadyHold(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	store.Put(newVoucher(1, "1111111111"))
	svc := NewService(store, nil)

	claim, err := svc.ClaimEligible(ctx, "EARLY50", "r1", []string{"1111111111"})
	require.NoError(t, err)
	assert.Empty(t, claim.Phones)
	assert.Equal(t, []string{"1111111111"}, claim.OrderPhones())
}

func TestService_ClaimEligible_ExhaustedKeepsHeldPhones(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	store.Put(newVoucher(1, "1111111111"))
	svc := NewService(store, nil)

	claim, err := svc.ClaimEligible(ctx, "EARLY50", "r1", []string{"1111111111", "2222222222"})
	assert.ErrorIs(t, err, ErrExhausted)
	require.NotNil(t, claim)
	assert.Equal(t, []string{"1111111111"}, claim.OrderPhones())
}

func TestService_ClaimEligible_NotApplicable(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	v := newVoucher(5)
	v.ApplicableResources = []string{"other"}
	store.Put(v)
	svc := NewService(store, nil)

	_, err := svc.ClaimEligible(ctx, "EARLY50", "r1", []string{"2222222222"})
	assert.ErrorIs(t, err, ErrNotApplicable)
}

func TestService_CheckAvailabilityDoesNotClaim(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	v := store.Put(newVoucher(2))
	svc := NewService(store, nil)

	plan, err := svc.CheckAvailability(ctx, "EARLY50", "r1", []string{"2222222222", "3333333333", "4444444444"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2222222222", "3333333333"}, plan.Phones)

	got, _ := store.GetByID(ctx, v.ID)
	assert.Empty(t, got.ClaimedPhones)
}

func TestService_ReleaseAndConfirmIgnoreEmptyInput(t *testing.T) {
	svc := NewService(NewInMemoryStore(), nil)
	assert.NoError(t, svc.Release(context.Background(), "", []string{"1"}))
	assert.NoError(t, svc.Release(context.Background(), "v1", nil))
	assert.NoError(t, svc.Confirm(context.Background(), "v1", 0))
}
