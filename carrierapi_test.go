package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func dispatchAgainst(t *testing.T, handler http.HandlerFunc, companyName string) (*carrierClient, dispatchOutcome) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := newCarrierClient(2 * time.Second)
	co := externalCompany{CompanyName: companyName, APIEndpointURL: srv.URL, APIToken: "tok"}
	p := pkg{ToName: "n", ToPhone: "p", Description: "d", PackageType: "normal",
		VillageID: 55, TotalCost: "100", Barcode: "ORD-1001", Status: "pending"}
	return c, c.dispatch(context.Background(), co, p)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "Bearer abc", bearerToken("abc"))
	assert.Equal(t, "Bearer abc", bearerToken("Bearer abc"))
}

func TestDispatchSuccessEnvelope(t *testing.T) {
	_, out := dispatchAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":200,"state":"success","data":{"package_id":4471}}`))
	}, "Ultra Pal")
	assert.True(t, out.Succeeded)
	assert.Equal(t, "4471", out.ExternalRef)
	assert.Empty(t, out.Detail)
}

func TestDispatchBusinessFailure(t *testing.T) {
	// Well-formed JSON, HTTP 200, but the envelope reports a failure.
	_, out := dispatchAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":422,"state":"failed","message":"village not covered"}`))
	}, "Ultra Pal")
	assert.False(t, out.Succeeded)
	assert.Equal(t, "village not covered", out.Detail)
}

func TestDispatchHTMLOutagePage(t *testing.T) {
	_, out := dispatchAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>Bad Gateway</html>"))
	}, "Ultra Pal")
	assert.False(t, out.Succeeded)
	assert.Equal(t, "HTTP 502 Bad Gateway", out.Detail)
}

func TestDispatchNonJSONOn200(t *testing.T) {
	// A misconfigured endpoint returning HTML with a 200 must still classify
	// as a failure, not a panic.
	_, out := dispatchAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>login page</html>"))
	}, "Ultra Pal")
	assert.False(t, out.Succeeded)
	assert.Equal(t, "HTTP 200 OK", out.Detail)
}

func TestDispatchSuccessEnvelopeWithNon200HTTP(t *testing.T) {
	// Success is HTTP OK *and* the envelope rule; a 202 does not qualify.
	_, out := dispatchAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"code":200,"state":"success"}`))
	}, "Ultra Pal")
	assert.False(t, out.Succeeded)
}

func TestDispatchTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := newCarrierClient(time.Second)
	co := externalCompany{CompanyName: "Ultra Pal", APIEndpointURL: srv.URL, APIToken: "tok"}
	out := c.dispatch(context.Background(), co, pkg{})
	assert.False(t, out.Succeeded)
	assert.Contains(t, out.Detail, "carrier request failed")
}

func TestPerCarrierResponseRule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":0,"state":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	c := newCarrierClient(2 * time.Second)
	c.registerRule("Other Carrier", func(env carrierEnvelope) bool { return env.State == "ok" })
	co := externalCompany{CompanyName: "Other Carrier", APIEndpointURL: srv.URL, APIToken: "tok"}

	out := c.dispatch(context.Background(), co, pkg{})
	assert.True(t, out.Succeeded)

	// The default envelope rule still governs everyone else.
	co.CompanyName = "Ultra Pal"
	out = c.dispatch(context.Background(), co, pkg{})
	assert.False(t, out.Succeeded)
}
