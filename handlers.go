package main

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *service) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := intParam(r, "limit", 50, 1, 200)
		cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		customerID := strings.TrimSpace(r.URL.Query().Get("customer_id"))
		resp, err := s.listOrders(r.Context(), status, customerID, cursor, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": resp.Items, "next_cursor": resp.NextCursor, "cached": resp.Cached})
	case http.MethodPost:
		var req createOrderRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		o, err := buildCreateOrder(actorRole(r), req)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := s.createOrder(r.Context(), o); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"item": o})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *service) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		o, err := s.getOrder(r.Context(), id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": o})

	case "shipping":
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		var req assignShippingRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		o, err := s.assignShipping(r.Context(), id, req)
		if err != nil {
			switch {
			case errors.Is(err, errOrderNotFound):
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
			case errors.Is(err, errInvalidOrStaleVillage):
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "village does not exist or is inactive"})
			default:
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": o})

	case "status":
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		var req updateStatusRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		o, err := s.updateOrderStatus(r.Context(), id, req.Status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": o})

	case "package":
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		result, err := s.buildAndDispatchPackage(r.Context(), id)
		if err != nil {
			writeJSON(w, pipelineErrorStatus(err), map[string]any{
				"error":           err.Error(),
				"package_created": false,
			})
			return
		}
		code := http.StatusCreated
		if result.AlreadyExists {
			code = http.StatusOK
		}
		writeJSON(w, code, map[string]any{"result": result, "package_created": !result.AlreadyExists})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown order action"})
	}
}

// ---------------------------------------------------------------------------
// Packages
// ---------------------------------------------------------------------------

func (s *service) handlePackages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	limit := intParam(r, "limit", 50, 1, 200)
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	items, err := s.listPackages(r.Context(), status, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *service) handlePackageByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/packages/"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}
	p, err := s.getPackage(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "package not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": p})
}

// ---------------------------------------------------------------------------
// Villages / Regions
// ---------------------------------------------------------------------------

func (s *service) handleVillages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		activeOnly := strings.TrimSpace(r.URL.Query().Get("all")) == ""
		items, err := s.listVillages(r.Context(), activeOnly)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req createVillageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		v, err := buildCreateVillage(req)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := s.createVillage(r.Context(), v); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"item": v})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *service) handleRegions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.listRegions(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req createRegionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		rg, err := buildCreateRegion(req)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := s.createRegion(r.Context(), rg); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"item": rg})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// handleRegionVillages resolves a region's candidate village set for
// admin-facing destination selection. Orphaned explicit IDs surface as a
// warning so stale configuration is visible instead of silently widening the
// region.
func (s *service) handleRegionVillages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/regions/")
	name, tail, _ := strings.Cut(rest, "/")
	if name == "" || tail != "villages" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown region resource"})
		return
	}

	rg, err := s.regionByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "region not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	villages, err := s.listVillages(r.Context(), false)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	matches, level, orphaned := resolveRegionVillages(rg, villages)
	body := map[string]any{"items": matches, "resolution": level}
	if len(orphaned) > 0 {
		ids := make([]string, 0, len(orphaned))
		for _, id := range orphaned {
			ids = append(ids, strconv.Itoa(id))
		}
		body["warning"] = "configured village ids not found: " + strings.Join(ids, ", ")
	}
	writeJSON(w, http.StatusOK, body)
}

// ---------------------------------------------------------------------------
// Companies / Settings
// ---------------------------------------------------------------------------

func (s *service) handleCompanies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.listCompanies(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		sortCompaniesByName(items)
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req createCompanyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		co, err := buildCreateCompany(req)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := s.createCompany(r.Context(), co); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"item": co})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *service) handleDefaultCarrier(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		name, err := s.getSetting(r.Context(), settingDefaultCompany)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"company_name": name})
	case http.MethodPut:
		var req struct {
			CompanyName string `json:"company_name"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := s.setSetting(r.Context(), settingDefaultCompany, strings.TrimSpace(req.CompanyName)); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"company_name": strings.TrimSpace(req.CompanyName)})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}
