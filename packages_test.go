package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func carrierStub(t *testing.T, calls *atomic.Int32, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildAndDispatchHappyPath(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	var calls atomic.Int32
	var gotAuth atomic.Value
	var gotPayload atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotAuth.Store(r.Header.Get("Authorization"))
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotPayload.Store(payload)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":200,"state":"success","data":{"package_id":918273}}`))
	}))
	defer srv.Close()

	seedVillage(t, s, 55, "Gaza-Rimal", "10", true)
	seedCompany(t, s, "Ultra Pal", srv.URL, "tok-123", true)

	o := seedOrder(t, s, "marketer", twoItemOrderRequest())
	_, err := s.assignShipping(ctx, o.ID, assignShippingRequest{ShippingCompany: "Ultra Pal", VillageID: 55})
	require.NoError(t, err)

	result, err := s.buildAndDispatchPackage(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, result.APICallSucceeded)
	assert.False(t, result.AlreadyExists)
	assert.Equal(t, "918273", result.ExternalRef)
	assert.Equal(t, o.OrderNumber, result.OrderNumber)
	assert.Equal(t, int32(1), calls.Load())

	p, err := s.getPackage(ctx, result.PackageID)
	require.NoError(t, err)
	assert.Equal(t, 55, p.VillageID)
	assert.Equal(t, "100", p.TotalCost) // subtotal 90 + delivery 10
	assert.Equal(t, o.OrderNumber, p.Barcode)
	assert.Equal(t, "normal", p.PackageType)
	assert.Equal(t, "Abu Khalil", p.ToName)
	assert.Equal(t, "0599000001", p.ToPhone)
	// Secondary phone mirrors the primary when none was supplied.
	assert.Equal(t, "0599000001", p.AlterPhone)
	assert.Equal(t, "Order "+o.OrderNumber, p.Note)

	updated, err := s.getOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, result.PackageID, updated.PackageID)

	assert.Equal(t, "Bearer tok-123", gotAuth.Load())
	payload := gotPayload.Load().(map[string]any)
	assert.Equal(t, "55", payload["village_id"])
	assert.Equal(t, "100", payload["total_cost"])
	assert.Equal(t, o.OrderNumber, payload["barcode"])
}

func TestBuildPackageIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	var calls atomic.Int32
	srv := carrierStub(t, &calls, http.StatusOK, `{"code":200,"state":"success","data":{"package_id":1}}`)

	seedVillage(t, s, 7, "Nablus-Rafidia", "5", true)
	seedCompany(t, s, "Ultra Pal", srv.URL, "tok", true)
	o := seedOrder(t, s, "marketer", twoItemOrderRequest())
	_, err := s.assignShipping(ctx, o.ID, assignShippingRequest{ShippingCompany: "Ultra Pal", VillageID: 7})
	require.NoError(t, err)

	first, err := s.buildAndDispatchPackage(ctx, o.ID)
	require.NoError(t, err)
	require.False(t, first.AlreadyExists)

	second, err := s.buildAndDispatchPackage(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyExists)
	assert.Equal(t, first.PackageID, second.PackageID)
	assert.False(t, second.APICallSucceeded)

	// Exactly one package row and one carrier call.
	items, err := s.listPackages(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBuildPackageMissingVillage(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	seedCompany(t, s, "Ultra Pal", "", "", true)
	o := seedOrder(t, s, "marketer", twoItemOrderRequest())

	_, err := s.buildAndDispatchPackage(ctx, o.ID)
	assert.ErrorIs(t, err, errMissingVillageAssignment)

	items, err := s.listPackages(ctx, "", 100)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestBuildPackageStaleVillage(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	seedVillage(t, s, 999, "Hebron-Old Town", "8", true)
	seedCompany(t, s, "Ultra Pal", "", "", true)
	o := seedOrder(t, s, "marketer", twoItemOrderRequest())
	_, err := s.assignShipping(ctx, o.ID, assignShippingRequest{ShippingCompany: "Ultra Pal", VillageID: 999})
	require.NoError(t, err)

	// Village deactivated between assignment and dispatch.
	s.memMu.Lock()
	v := s.memVillages[999]
	v.IsActive = false
	s.memVillages[999] = v
	s.memMu.Unlock()

	_, err = s.buildAndDispatchPackage(ctx, o.ID)
	assert.ErrorIs(t, err, errInvalidOrStaleVillage)

	items, err := s.listPackages(ctx, "", 100)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestBuildPackageOrderNotFound(t *testing.T) {
	s := newTestService(t)
	_, err := s.buildAndDispatchPackage(context.Background(), "ord_missing")
	assert.ErrorIs(t, err, errOrderNotFound)
}

func TestCarrierResolutionFallbackChain(t *testing.T) {
	ctx := context.Background()

	t.Run("named company wins", func(t *testing.T) {
		s := newTestService(t)
		seedCompany(t, s, "First Active", "", "", true)
		want := seedCompany(t, s, "Ultra Pal", "", "", true)
		co, err := s.resolveCarrier(ctx, "Ultra Pal")
		require.NoError(t, err)
		assert.Equal(t, want.ID, co.ID)
	})

	t.Run("unknown name falls back to default", func(t *testing.T) {
		s := newTestService(t)
		seedCompany(t, s, "First Active", "", "", true)
		want := seedCompany(t, s, "Default Co", "", "", true)
		require.NoError(t, s.setSetting(ctx, settingDefaultCompany, "Default Co"))
		co, err := s.resolveCarrier(ctx, "Ghost Shipping")
		require.NoError(t, err)
		assert.Equal(t, want.ID, co.ID)
	})

	t.Run("no default falls back to first active", func(t *testing.T) {
		s := newTestService(t)
		seedCompany(t, s, "Dormant", "", "", false)
		want := seedCompany(t, s, "First Active", "", "", true)
		seedCompany(t, s, "Second Active", "", "", true)
		co, err := s.resolveCarrier(ctx, "Ghost Shipping")
		require.NoError(t, err)
		assert.Equal(t, want.ID, co.ID)
	})

	t.Run("inactive default is skipped", func(t *testing.T) {
		s := newTestService(t)
		seedCompany(t, s, "Default Co", "", "", false)
		want := seedCompany(t, s, "First Active", "", "", true)
		require.NoError(t, s.setSetting(ctx, settingDefaultCompany, "Default Co"))
		co, err := s.resolveCarrier(ctx, "Ghost Shipping")
		require.NoError(t, err)
		assert.Equal(t, want.ID, co.ID)
	})

	t.Run("nothing active", func(t *testing.T) {
		s := newTestService(t)
		seedCompany(t, s, "Dormant", "", "", false)
		_, err := s.resolveCarrier(ctx, "Ghost Shipping")
		assert.ErrorIs(t, err, errNoCarrierConfigured)
	})
}

func TestPackagePersistsDespiteCarrierOutage(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	var calls atomic.Int32
	srv := carrierStub(t, &calls, http.StatusBadGateway, "<html><body>upstream error</body></html>")

	seedVillage(t, s, 12, "Gaza-Beach Camp", "15", true)
	seedCompany(t, s, "Ultra Pal", srv.URL, "tok", true)
	o := seedOrder(t, s, "marketer", twoItemOrderRequest())
	_, err := s.assignShipping(ctx, o.ID, assignShippingRequest{ShippingCompany: "Ultra Pal", VillageID: 12})
	require.NoError(t, err)

	result, err := s.buildAndDispatchPackage(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, result.APICallSucceeded)
	assert.Contains(t, result.ErrorDetail, "502")

	// Local durability: package row and order back-reference both survive.
	p, err := s.packageByOrderID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, result.PackageID, p.ID)
	updated, err := s.getOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, result.PackageID, updated.PackageID)
}

func TestDispatchSkippedWithoutEndpoint(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	seedVillage(t, s, 3, "Jenin-Center", "5", true)
	seedCompany(t, s, "Paper Courier", "", "", true)
	o := seedOrder(t, s, "marketer", twoItemOrderRequest())
	_, err := s.assignShipping(ctx, o.ID, assignShippingRequest{ShippingCompany: "Paper Courier", VillageID: 3})
	require.NoError(t, err)

	result, err := s.buildAndDispatchPackage(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, result.SkippedNoEndpoint)
	assert.False(t, result.APICallSucceeded)

	p, err := s.packageByOrderID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", p.Status)
}

func TestDescribeItems(t *testing.T) {
	items := []orderItem{
		{ProductName: "A", Quantity: 2},
		{ProductName: "B", Quantity: 1},
	}
	assert.Equal(t, "A x2, B x1", describeItems(items))
	assert.Equal(t, "Order items", describeItems(nil))
}

func TestPackageNotePreference(t *testing.T) {
	o := order{OrderNumber: "ORD-AA11"}
	assert.Equal(t, "Order ORD-AA11", packageNote(o))

	o.ShippingAddress.Notes = "ring the bell"
	assert.Equal(t, "ring the bell", packageNote(o))

	o.DeliveryNotes = "leave at door"
	assert.Equal(t, "leave at door", packageNote(o))
}

func TestCreatePackageRace(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	p := pkg{ID: "pkg-a", OrderID: "ord-1", ExternalCompanyID: "xco-1", ToName: "n", ToPhone: "p",
		Description: "d", PackageType: "normal", VillageID: 1, TotalCost: "1", Barcode: "ORD-X", Status: "pending"}
	require.NoError(t, s.createPackage(ctx, p))

	loser := p
	loser.ID = "pkg-b"
	err := s.createPackage(ctx, loser)
	assert.ErrorIs(t, err, errPackageExists)

	existing, err := s.packageByOrderID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "pkg-a", existing.ID)
}
