package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ---------------------------------------------------------------------------
// Village / Region entities
// ---------------------------------------------------------------------------

// village is the smallest addressable delivery destination. VillageID is a
// stable external identifier and must never change once an order or package
// references it. VillageName is conventionally "<Governorate>-<LocalName>".
type village struct {
	VillageID    int       `json:"village_id"`
	VillageName  string    `json:"village_name"`
	DeliveryCost string    `json:"delivery_cost"`
	AreaID       int       `json:"area_id"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// shippingRegion is an admin-facing named grouping of villages. It either
// enumerates member villages explicitly, matches them by governorate prefix,
// or (when neither is set) stands for all active villages.
type shippingRegion struct {
	ID              string    `json:"id"`
	RegionName      string    `json:"region_name"`
	GovernorateName string    `json:"governorate_name,omitempty"`
	VillageIDs      []int     `json:"village_ids,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type createVillageRequest struct {
	VillageID    int    `json:"village_id"`
	VillageName  string `json:"village_name"`
	DeliveryCost string `json:"delivery_cost"`
	AreaID       int    `json:"area_id"`
	IsActive     *bool  `json:"is_active,omitempty"`
}

type createRegionRequest struct {
	RegionName      string `json:"region_name"`
	GovernorateName string `json:"governorate_name"`
	VillageIDs      []int  `json:"village_ids"`
}

func buildCreateVillage(req createVillageRequest) (village, error) {
	if req.VillageID <= 0 {
		return village{}, errors.New("village_id must be a positive integer")
	}
	if strings.TrimSpace(req.VillageName) == "" {
		return village{}, errors.New("village_name is required")
	}
	cost := strings.TrimSpace(req.DeliveryCost)
	if cost == "" {
		cost = "0"
	}
	d, err := decimal.NewFromString(cost)
	if err != nil {
		return village{}, errors.New("delivery_cost must be a decimal amount")
	}
	if d.IsNegative() {
		return village{}, errors.New("delivery_cost must not be negative")
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return village{
		VillageID:    req.VillageID,
		VillageName:  strings.TrimSpace(req.VillageName),
		DeliveryCost: d.String(),
		AreaID:       req.AreaID,
		IsActive:     active,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func buildCreateRegion(req createRegionRequest) (shippingRegion, error) {
	if strings.TrimSpace(req.RegionName) == "" {
		return shippingRegion{}, errors.New("region_name is required")
	}
	return shippingRegion{
		ID:              newRecordID("rgn"),
		RegionName:      strings.TrimSpace(req.RegionName),
		GovernorateName: strings.TrimSpace(req.GovernorateName),
		VillageIDs:      req.VillageIDs,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// ---------------------------------------------------------------------------
// Name segments
// ---------------------------------------------------------------------------

// governorateOf returns the segment before the first "-" of a village name,
// localNameOf the segment after it. A name with no delimiter is its own
// governorate and local name.
func governorateOf(villageName string) string {
	name, _, _ := strings.Cut(villageName, "-")
	return strings.TrimSpace(name)
}

func localNameOf(villageName string) string {
	_, local, found := strings.Cut(villageName, "-")
	if !found {
		return strings.TrimSpace(villageName)
	}
	return strings.TrimSpace(local)
}

// ---------------------------------------------------------------------------
// Region resolution
// ---------------------------------------------------------------------------

// The directory carries Arabic names; plain byte ordering scrambles them.
var villageCollator = collate.New(language.Arabic)

const (
	resolutionExplicit    = "explicit"
	resolutionGovernorate = "governorate"
	resolutionRegionName  = "region_name"
	resolutionAllActive   = "all_active"
)

// resolveRegionVillages computes a region's candidate village set. Priority:
// explicit village IDs, governorate prefix, region-name prefix, then every
// active village. Explicit IDs that match no known village are reported back
// as orphaned so callers can warn about stale configuration instead of the
// region silently widening to all villages.
func resolveRegionVillages(region shippingRegion, villages []village) (matches []village, level string, orphaned []int) {
	if len(region.VillageIDs) > 0 {
		byID := make(map[int]village, len(villages))
		for _, v := range villages {
			byID[v.VillageID] = v
		}
		for _, id := range region.VillageIDs {
			if v, ok := byID[id]; ok {
				matches = append(matches, v)
			} else {
				orphaned = append(orphaned, id)
			}
		}
		if len(matches) > 0 {
			sortVillagesByLocalName(matches)
			return matches, resolutionExplicit, orphaned
		}
		// Every configured ID is stale; fall through rather than block selection.
	}

	if region.GovernorateName != "" {
		for _, v := range villages {
			if governorateOf(v.VillageName) == region.GovernorateName {
				matches = append(matches, v)
			}
		}
		if len(matches) > 0 {
			sortVillagesByLocalName(matches)
			return matches, resolutionGovernorate, orphaned
		}
	}

	for _, v := range villages {
		if governorateOf(v.VillageName) == region.RegionName {
			matches = append(matches, v)
		}
	}
	if len(matches) > 0 {
		sortVillagesByLocalName(matches)
		return matches, resolutionRegionName, orphaned
	}

	for _, v := range villages {
		if v.IsActive {
			matches = append(matches, v)
		}
	}
	sortVillagesByLocalName(matches)
	return matches, resolutionAllActive, orphaned
}

func sortVillagesByLocalName(vs []village) {
	sort.SliceStable(vs, func(i, j int) bool {
		return villageCollator.CompareString(localNameOf(vs[i].VillageName), localNameOf(vs[j].VillageName)) < 0
	})
}

// ---------------------------------------------------------------------------
// Village store
// ---------------------------------------------------------------------------

func (s *service) createVillage(ctx context.Context, v village) error {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		if _, exists := s.memVillages[v.VillageID]; exists {
			return errors.New("village_id already exists")
		}
		s.memVillages[v.VillageID] = v
		return nil
	}
	q := `INSERT INTO shipping_villages (village_id, village_name, delivery_cost, area_id, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.db.ExecContext(ctx, q, v.VillageID, v.VillageName, v.DeliveryCost, v.AreaID, v.IsActive, v.CreatedAt)
	return err
}

// activeVillage confirms a referenced village still exists and is active.
// Returns sql.ErrNoRows when it does not qualify.
func (s *service) activeVillage(ctx context.Context, villageID int) (village, error) {
	if s.db == nil {
		s.memMu.RLock()
		v, ok := s.memVillages[villageID]
		s.memMu.RUnlock()
		if !ok || !v.IsActive {
			return village{}, sql.ErrNoRows
		}
		return v, nil
	}
	q := `SELECT village_id, village_name, delivery_cost, area_id, is_active, created_at
		FROM shipping_villages WHERE village_id=$1 AND is_active=TRUE`
	var v village
	err := s.db.QueryRowContext(ctx, q, villageID).Scan(
		&v.VillageID, &v.VillageName, &v.DeliveryCost, &v.AreaID, &v.IsActive, &v.CreatedAt,
	)
	if err != nil {
		return village{}, err
	}
	return v, nil
}

func (s *service) listVillages(ctx context.Context, activeOnly bool) ([]village, error) {
	if s.db == nil {
		s.memMu.RLock()
		items := make([]village, 0, len(s.memVillages))
		for _, v := range s.memVillages {
			if activeOnly && !v.IsActive {
				continue
			}
			items = append(items, v)
		}
		s.memMu.RUnlock()
		sort.Slice(items, func(i, j int) bool { return items[i].VillageID < items[j].VillageID })
		return items, nil
	}

	q := `SELECT village_id, village_name, delivery_cost, area_id, is_active, created_at FROM shipping_villages`
	if activeOnly {
		q += ` WHERE is_active=TRUE`
	}
	q += ` ORDER BY village_id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]village, 0)
	for rows.Next() {
		var v village
		if err := rows.Scan(&v.VillageID, &v.VillageName, &v.DeliveryCost, &v.AreaID, &v.IsActive, &v.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

// ---------------------------------------------------------------------------
// Region store
// ---------------------------------------------------------------------------

func (s *service) createRegion(ctx context.Context, rg shippingRegion) error {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		if _, exists := s.memRegions[rg.RegionName]; exists {
			return errors.New("region_name already exists")
		}
		s.memRegions[rg.RegionName] = rg
		return nil
	}
	idsJSON, err := json.Marshal(rg.VillageIDs)
	if err != nil {
		return err
	}
	q := `INSERT INTO shipping_regions (id, region_name, governorate_name, village_ids_json, created_at)
		VALUES ($1,$2,$3,$4,$5)`
	_, err = s.db.ExecContext(ctx, q, rg.ID, rg.RegionName, nilIfEmpty(rg.GovernorateName), string(idsJSON), rg.CreatedAt)
	return err
}

func (s *service) regionByName(ctx context.Context, name string) (shippingRegion, error) {
	if s.db == nil {
		s.memMu.RLock()
		rg, ok := s.memRegions[name]
		s.memMu.RUnlock()
		if !ok {
			return shippingRegion{}, sql.ErrNoRows
		}
		return rg, nil
	}
	q := `SELECT id, region_name, governorate_name, village_ids_json, created_at
		FROM shipping_regions WHERE region_name=$1`
	var rg shippingRegion
	var gov, idsJSON sql.NullString
	err := s.db.QueryRowContext(ctx, q, name).Scan(&rg.ID, &rg.RegionName, &gov, &idsJSON, &rg.CreatedAt)
	if err != nil {
		return shippingRegion{}, err
	}
	rg.GovernorateName = gov.String
	if idsJSON.String != "" {
		if err := json.Unmarshal([]byte(idsJSON.String), &rg.VillageIDs); err != nil {
			return shippingRegion{}, err
		}
	}
	return rg, nil
}

func (s *service) listRegions(ctx context.Context) ([]shippingRegion, error) {
	if s.db == nil {
		s.memMu.RLock()
		items := make([]shippingRegion, 0, len(s.memRegions))
		for _, rg := range s.memRegions {
			items = append(items, rg)
		}
		s.memMu.RUnlock()
		sort.Slice(items, func(i, j int) bool { return items[i].RegionName < items[j].RegionName })
		return items, nil
	}

	q := `SELECT id, region_name, governorate_name, village_ids_json, created_at
		FROM shipping_regions ORDER BY region_name ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]shippingRegion, 0)
	for rows.Next() {
		var rg shippingRegion
		var gov, idsJSON sql.NullString
		if err := rows.Scan(&rg.ID, &rg.RegionName, &gov, &idsJSON, &rg.CreatedAt); err != nil {
			return nil, err
		}
		rg.GovernorateName = gov.String
		if idsJSON.String != "" {
			if err := json.Unmarshal([]byte(idsJSON.String), &rg.VillageIDs); err != nil {
				return nil, err
			}
		}
		items = append(items, rg)
	}
	return items, rows.Err()
}
