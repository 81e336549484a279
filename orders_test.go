package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCreateOrderMarketerInvariants(t *testing.T) {
	villageID := 55
	req := twoItemOrderRequest()
	req.Status = "confirmed"
	req.ShippingCompany = "Ultra Pal"
	req.ShippingAddress.VillageID = &villageID
	req.ShippingAddress.VillageName = "Gaza-Rimal"
	req.ShippingAddress.ManualVillageName = "somewhere near Rimal"

	o, err := buildCreateOrder("marketer", req)
	require.NoError(t, err)

	// A marketer checkout always starts pending with no carrier or village;
	// only the free-text placeholder survives until admin assignment.
	assert.Equal(t, "pending", o.Status)
	assert.Empty(t, o.ShippingCompany)
	assert.Nil(t, o.ShippingAddress.VillageID)
	assert.Empty(t, o.ShippingAddress.VillageName)
	assert.Equal(t, "somewhere near Rimal", o.ShippingAddress.ManualVillageName)

	assert.True(t, strings.HasPrefix(o.OrderNumber, "ORD-"))
	assert.Equal(t, "90", o.Subtotal)
	assert.Equal(t, "0", o.ShippingCost)
	assert.Equal(t, "90", o.Total)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "45", o.Items[0].UnitPrice)
	assert.Equal(t, "90", o.Items[0].TotalPrice)
}

func TestBuildCreateOrderAdminPassthrough(t *testing.T) {
	req := twoItemOrderRequest()
	req.Status = "confirmed"
	req.ShippingCompany = "Ultra Pal"

	o, err := buildCreateOrder("admin", req)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", o.Status)
	assert.Equal(t, "Ultra Pal", o.ShippingCompany)
}

func TestBuildCreateOrderValidation(t *testing.T) {
	req := twoItemOrderRequest()
	req.CustomerID = ""
	_, err := buildCreateOrder("marketer", req)
	assert.Error(t, err)

	req = twoItemOrderRequest()
	req.Items[0].Quantity = 0
	_, err = buildCreateOrder("marketer", req)
	assert.Error(t, err)

	req = twoItemOrderRequest()
	req.Items[0].UnitPrice = "not-money"
	_, err = buildCreateOrder("marketer", req)
	assert.Error(t, err)
}

func TestBuildCreateOrderCommission(t *testing.T) {
	req := twoItemOrderRequest()
	req.Commission = "4.50"

	o, err := buildCreateOrder("marketer", req)
	require.NoError(t, err)
	assert.Equal(t, "4.5", o.Commission)
	assert.Equal(t, "94.5", o.Total)
}

func TestAssignShippingMergesAddress(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	seedVillage(t, s, 55, "Gaza-Rimal", "10", true)
	req := twoItemOrderRequest()
	req.ShippingAddress.Notes = "call first"
	o := seedOrder(t, s, "marketer", req)

	updated, err := s.assignShipping(ctx, o.ID, assignShippingRequest{ShippingCompany: "Ultra Pal", VillageID: 55})
	require.NoError(t, err)

	require.NotNil(t, updated.ShippingAddress.VillageID)
	assert.Equal(t, 55, *updated.ShippingAddress.VillageID)
	assert.Equal(t, "Gaza-Rimal", updated.ShippingAddress.VillageName)
	assert.Equal(t, "Gaza", updated.ShippingAddress.City)
	assert.Equal(t, "Ultra Pal", updated.ShippingCompany)
	assert.Equal(t, "10", updated.ShippingCost)
	assert.Equal(t, "100", updated.Total)

	// Existing address fields are merged into, not replaced.
	assert.Equal(t, "Abu Khalil", updated.ShippingAddress.FullName)
	assert.Equal(t, "call first", updated.ShippingAddress.Notes)
}

func TestAssignShippingRejectsBadVillage(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	seedVillage(t, s, 11, "Gaza-Shejaiya", "10", false)
	o := seedOrder(t, s, "marketer", twoItemOrderRequest())

	_, err := s.assignShipping(ctx, o.ID, assignShippingRequest{ShippingCompany: "Ultra Pal", VillageID: 11})
	assert.ErrorIs(t, err, errInvalidOrStaleVillage)

	_, err = s.assignShipping(ctx, o.ID, assignShippingRequest{ShippingCompany: "Ultra Pal", VillageID: 404})
	assert.ErrorIs(t, err, errInvalidOrStaleVillage)

	// A rejected assignment leaves the order untouched.
	unchanged, err := s.getOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, unchanged.ShippingCompany)
	assert.Nil(t, unchanged.ShippingAddress.VillageID)
	assert.Equal(t, "0", unchanged.ShippingCost)
}

func TestAssignShippingCanBeCorrected(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	seedVillage(t, s, 1, "Gaza-Rimal", "10", true)
	seedVillage(t, s, 2, "Nablus-Rafidia", "20", true)
	o := seedOrder(t, s, "marketer", twoItemOrderRequest())

	_, err := s.assignShipping(ctx, o.ID, assignShippingRequest{ShippingCompany: "A", VillageID: 1})
	require.NoError(t, err)
	updated, err := s.assignShipping(ctx, o.ID, assignShippingRequest{ShippingCompany: "B", VillageID: 2})
	require.NoError(t, err)

	assert.Equal(t, "B", updated.ShippingCompany)
	assert.Equal(t, 2, *updated.ShippingAddress.VillageID)
	assert.Equal(t, "20", updated.ShippingCost)
	assert.Equal(t, "110", updated.Total)
}

func TestUpdateOrderStatus(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	o := seedOrder(t, s, "marketer", twoItemOrderRequest())

	updated, err := s.updateOrderStatus(ctx, o.ID, "Confirmed")
	require.NoError(t, err)
	assert.Equal(t, "confirmed", updated.Status)

	_, err = s.updateOrderStatus(ctx, o.ID, "launched")
	assert.Error(t, err)
}

func TestListOrdersCursorAndCache(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedOrder(t, s, "marketer", twoItemOrderRequest())
	}

	first, err := s.listOrders(ctx, "", "", "", 3)
	require.NoError(t, err)
	assert.Len(t, first.Items, 3)
	require.NotEmpty(t, first.NextCursor)
	assert.False(t, first.Cached)

	rest, err := s.listOrders(ctx, "", "", first.NextCursor, 3)
	require.NoError(t, err)
	assert.Len(t, rest.Items, 2)
	assert.Empty(t, rest.NextCursor)

	// Second uncursored read is served from cache until a write invalidates it.
	cached, err := s.listOrders(ctx, "", "", "", 3)
	require.NoError(t, err)
	assert.True(t, cached.Cached)

	seedOrder(t, s, "marketer", twoItemOrderRequest())
	fresh, err := s.listOrders(ctx, "", "", "", 10)
	require.NoError(t, err)
	assert.False(t, fresh.Cached)
	assert.Len(t, fresh.Items, 6)
}

func TestNormalizeOrderStatus(t *testing.T) {
	assert.Equal(t, "pending", normalizeOrderStatus(" Pending "))
	assert.Equal(t, "returned", normalizeOrderStatus("returned"))
	assert.Equal(t, "", normalizeOrderStatus("launched"))
}
