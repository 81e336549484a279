package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// All tests run the service in memory mode (db == nil), the same degraded
// mode the binary falls back to when Postgres is unreachable.
func newTestService(t *testing.T) *service {
	t.Helper()
	s := newService()
	s.cacheTTL = time.Minute
	s.carrier = newCarrierClient(2 * time.Second)
	return s
}

func seedVillage(t *testing.T, s *service, id int, name, cost string, active bool) village {
	t.Helper()
	v, err := buildCreateVillage(createVillageRequest{
		VillageID:    id,
		VillageName:  name,
		DeliveryCost: cost,
		IsActive:     &active,
	})
	require.NoError(t, err)
	require.NoError(t, s.createVillage(context.Background(), v))
	return v
}

func seedCompany(t *testing.T, s *service, name, endpoint, token string, active bool) externalCompany {
	t.Helper()
	co, err := buildCreateCompany(createCompanyRequest{
		CompanyName:    name,
		APIEndpointURL: endpoint,
		APIToken:       token,
		IsActive:       &active,
	})
	require.NoError(t, err)
	require.NoError(t, s.createCompany(context.Background(), co))
	return co
}

func seedOrder(t *testing.T, s *service, role string, req createOrderRequest) order {
	t.Helper()
	o, err := buildCreateOrder(role, req)
	require.NoError(t, err)
	require.NoError(t, s.createOrder(context.Background(), o))
	return o
}

func twoItemOrderRequest() createOrderRequest {
	return createOrderRequest{
		CustomerID: "cust_1",
		Items: []orderItem{
			{ProductID: "p1", ProductName: "Olive Oil 1L", Quantity: 2, UnitPrice: "45"},
		},
		ShippingAddress: shippingAddress{
			FullName: "Abu Khalil",
			Phone:    "0599000001",
			Street:   "Main St 4",
		},
	}
}
