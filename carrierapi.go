package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Carrier wire format
// ---------------------------------------------------------------------------

// carrierPayload is the carrier's expected request body. Carriers in this
// domain expect string-typed totals and village ids.
type carrierPayload struct {
	ToName      string `json:"to_name"`
	ToPhone     string `json:"to_phone"`
	AlterPhone  string `json:"alter_phone"`
	Description string `json:"description"`
	PackageType string `json:"package_type"`
	VillageID   string `json:"village_id"`
	Street      string `json:"street"`
	TotalCost   string `json:"total_cost"`
	Note        string `json:"note"`
	Barcode     string `json:"barcode"`
}

type carrierEnvelope struct {
	Code    int    `json:"code"`
	State   string `json:"state"`
	Message string `json:"message"`
	Data    struct {
		PackageID json.Number `json:"package_id"`
	} `json:"data"`
}

// dispatchOutcome is the three-way classification of a carrier response:
// acknowledged, business failure, or transport failure. Never an exception;
// the package persisted before the call stays valid either way.
type dispatchOutcome struct {
	Succeeded   bool
	ExternalRef string
	Detail      string
}

// responseRule decides whether a well-formed carrier envelope counts as an
// acknowledgment. The envelope convention varies per carrier, so rules are
// keyed by company name with the documented {code:200, state:"success"}
// shape as the default.
type responseRule func(env carrierEnvelope) bool

func defaultResponseRule(env carrierEnvelope) bool {
	return env.Code == 200 && env.State == "success"
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

type carrierClient struct {
	httpClient *http.Client
	rules      map[string]responseRule
}

func newCarrierClient(timeout time.Duration) *carrierClient {
	return &carrierClient{
		httpClient: &http.Client{Timeout: timeout},
		rules:      make(map[string]responseRule),
	}
}

func (c *carrierClient) registerRule(companyName string, rule responseRule) {
	c.rules[companyName] = rule
}

func (c *carrierClient) ruleFor(companyName string) responseRule {
	if rule, ok := c.rules[companyName]; ok {
		return rule
	}
	return defaultResponseRule
}

// bearerToken prefixes "Bearer " only when the stored token does not already
// carry it.
func bearerToken(token string) string {
	if strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bearer " + token
}

// dispatch transmits a package to the carrier's remote API and classifies the
// response. Carriers return HTML error pages on outages, so the body is read
// as text first and JSON decoding failures are captured as transport
// failures, never propagated as errors.
func (c *carrierClient) dispatch(ctx context.Context, co externalCompany, p pkg) dispatchOutcome {
	payload := carrierPayload{
		ToName:      p.ToName,
		ToPhone:     p.ToPhone,
		AlterPhone:  p.AlterPhone,
		Description: p.Description,
		PackageType: p.PackageType,
		VillageID:   strconv.Itoa(p.VillageID),
		Street:      p.Street,
		TotalCost:   p.TotalCost,
		Note:        p.Note,
		Barcode:     p.Barcode,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return dispatchOutcome{Detail: fmt.Sprintf("encode payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, co.APIEndpointURL, bytes.NewReader(body))
	if err != nil {
		return dispatchOutcome{Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", bearerToken(co.APIToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return dispatchOutcome{Detail: fmt.Sprintf("carrier request failed: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return dispatchOutcome{Detail: fmt.Sprintf("read carrier response: %v", err)}
	}

	var env carrierEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return dispatchOutcome{Detail: fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
	}

	if resp.StatusCode != http.StatusOK || !c.ruleFor(co.CompanyName)(env) {
		detail := env.Message
		if detail == "" {
			detail = fmt.Sprintf("carrier returned code %d state %q (HTTP %d)", env.Code, env.State, resp.StatusCode)
		}
		return dispatchOutcome{Detail: detail}
	}

	return dispatchOutcome{
		Succeeded:   true,
		ExternalRef: env.Data.PackageID.String(),
	}
}
