package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Package entity
// ---------------------------------------------------------------------------

// pkg is the internal record of a physical shipment derived from exactly one
// order. OrderID carries a storage-level uniqueness constraint; Barcode always
// equals the source order's order number, character for character.
type pkg struct {
	ID                string    `json:"package_id"`
	ExternalCompanyID string    `json:"external_company_id"`
	OrderID           string    `json:"order_id"`
	ToName            string    `json:"to_name"`
	ToPhone           string    `json:"to_phone"`
	AlterPhone        string    `json:"alter_phone,omitempty"`
	Description       string    `json:"description"`
	PackageType       string    `json:"package_type"`
	VillageID         int       `json:"village_id"`
	Street            string    `json:"street,omitempty"`
	TotalCost         string    `json:"total_cost"`
	Note              string    `json:"note,omitempty"`
	Barcode           string    `json:"barcode"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// dispatchResult distinguishes "package created and acknowledged", "package
// created but dispatch failed or skipped", and "package already existed".
// Support staff rely on this to re-dispatch rather than re-create.
type dispatchResult struct {
	PackageID         string `json:"package_id"`
	OrderNumber       string `json:"order_number"`
	AlreadyExists     bool   `json:"already_exists"`
	APICallSucceeded  bool   `json:"api_call_succeeded"`
	SkippedNoEndpoint bool   `json:"skipped_no_endpoint,omitempty"`
	ExternalRef       string `json:"external_ref,omitempty"`
	ErrorDetail       string `json:"error_detail,omitempty"`
}

// Pipeline failures that prevent package creation entirely.
var (
	errOrderNotFound            = errors.New("order not found")
	errNoCarrierConfigured      = errors.New("no active shipping company configured")
	errMissingVillageAssignment = errors.New("order has no delivery village assigned")
	errInvalidOrStaleVillage    = errors.New("assigned village no longer exists or is inactive")

	// Storage-level signal, never returned to callers.
	errPackageExists = errors.New("package already exists for order")
)

func pipelineErrorStatus(err error) int {
	switch {
	case errors.Is(err, errOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, errNoCarrierConfigured):
		return http.StatusConflict
	case errors.Is(err, errMissingVillageAssignment), errors.Is(err, errInvalidOrStaleVillage):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ---------------------------------------------------------------------------
// Package builder
// ---------------------------------------------------------------------------

// describeItems aggregates line items into the human-readable contents
// description printed on the carrier waybill.
func describeItems(items []orderItem) string {
	if len(items) == 0 {
		return "Order items"
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%s x%d", it.ProductName, it.Quantity))
	}
	return strings.Join(parts, ", ")
}

// packageNote prefers explicit delivery notes, then address notes, then a
// generated reference to the order number.
func packageNote(o order) string {
	if o.DeliveryNotes != "" {
		return o.DeliveryNotes
	}
	if o.ShippingAddress.Notes != "" {
		return o.ShippingAddress.Notes
	}
	return "Order " + o.OrderNumber
}

// buildAndDispatchPackage runs the fulfillment pipeline for one order: load,
// idempotency check, carrier resolution, village validation, package
// persistence, order back-reference, then best-effort remote dispatch. The
// package is committed before the carrier call on purpose; a carrier outage
// must not erase the local record of intent, so dispatch failures surface in
// the result rather than as errors.
func (s *service) buildAndDispatchPackage(ctx context.Context, orderID string) (dispatchResult, error) {
	o, err := s.getOrder(ctx, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatchResult{}, errOrderNotFound
	}
	if err != nil {
		return dispatchResult{}, err
	}

	if existing, err := s.packageByOrderID(ctx, o.ID); err == nil {
		return dispatchResult{
			PackageID:     existing.ID,
			OrderNumber:   o.OrderNumber,
			AlreadyExists: true,
		}, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return dispatchResult{}, err
	}

	co, err := s.resolveCarrier(ctx, o.ShippingCompany)
	if err != nil {
		return dispatchResult{}, err
	}

	if o.ShippingAddress.VillageID == nil {
		return dispatchResult{}, errMissingVillageAssignment
	}
	v, err := s.activeVillage(ctx, *o.ShippingAddress.VillageID)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatchResult{}, errInvalidOrStaleVillage
	}
	if err != nil {
		return dispatchResult{}, err
	}

	alterPhone := o.ShippingAddress.AlterPhone
	if alterPhone == "" {
		alterPhone = o.ShippingAddress.Phone
	}
	now := time.Now().UTC()
	p := pkg{
		ID:                uuid.NewString(),
		ExternalCompanyID: co.ID,
		OrderID:           o.ID,
		ToName:            o.ShippingAddress.FullName,
		ToPhone:           o.ShippingAddress.Phone,
		AlterPhone:        alterPhone,
		Description:       describeItems(o.Items),
		PackageType:       "normal",
		VillageID:         v.VillageID,
		Street:            o.ShippingAddress.Street,
		TotalCost:         o.Total,
		Note:              packageNote(o),
		Barcode:           o.OrderNumber,
		Status:            "pending",
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.createPackage(ctx, p); err != nil {
		if errors.Is(err, errPackageExists) {
			// Lost a creation race; degrade to the already-exists path.
			existing, lookupErr := s.packageByOrderID(ctx, o.ID)
			if lookupErr != nil {
				return dispatchResult{}, lookupErr
			}
			return dispatchResult{
				PackageID:     existing.ID,
				OrderNumber:   o.OrderNumber,
				AlreadyExists: true,
			}, nil
		}
		return dispatchResult{}, err
	}

	if err := s.setOrderPackageID(ctx, o.ID, p.ID); err != nil {
		// The package row stands on its own; the missing back-reference is
		// repairable by support, so it must not abort the dispatch.
		log.Printf("warn: failed to set package_id on order %s (package %s): %v", o.OrderNumber, p.ID, err)
	}

	result := dispatchResult{PackageID: p.ID, OrderNumber: o.OrderNumber}
	if co.APIEndpointURL == "" || co.APIToken == "" {
		result.SkippedNoEndpoint = true
		return result, nil
	}

	outcome := s.carrier.dispatch(ctx, co, p)
	result.APICallSucceeded = outcome.Succeeded
	result.ExternalRef = outcome.ExternalRef
	result.ErrorDetail = outcome.Detail
	return result, nil
}

// ---------------------------------------------------------------------------
// Package store
// ---------------------------------------------------------------------------

// createPackage inserts exactly once per order. In Postgres mode the unique
// index on order_id is the atomic decision region; a 23505 from a concurrent
// insert comes back as errPackageExists. In memory mode the store mutex
// covers check and insert.
func (s *service) createPackage(ctx context.Context, p pkg) error {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		if _, exists := s.memPkgByOrder[p.OrderID]; exists {
			return errPackageExists
		}
		s.memPackages[p.ID] = p
		s.memPkgByOrder[p.OrderID] = p.ID
		return nil
	}
	q := `INSERT INTO shipping_packages (id, external_company_id, order_id, to_name, to_phone, alter_phone,
			description, package_type, village_id, street, total_cost, note, barcode, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := s.db.ExecContext(ctx, q,
		p.ID, p.ExternalCompanyID, p.OrderID, p.ToName, p.ToPhone, nilIfEmpty(p.AlterPhone),
		p.Description, p.PackageType, p.VillageID, nilIfEmpty(p.Street), p.TotalCost,
		nilIfEmpty(p.Note), p.Barcode, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
		return errPackageExists
	}
	return err
}

// SQLSTATE class 23 integrity violation.
const pgErrUniqueViolation = "23505"

func (s *service) packageByOrderID(ctx context.Context, orderID string) (pkg, error) {
	if s.db == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		id, ok := s.memPkgByOrder[orderID]
		if !ok {
			return pkg{}, sql.ErrNoRows
		}
		return s.memPackages[id], nil
	}
	q := packageSelect + ` WHERE order_id=$1`
	return scanPackage(s.db.QueryRowContext(ctx, q, orderID))
}

func (s *service) getPackage(ctx context.Context, id string) (pkg, error) {
	if s.db == nil {
		s.memMu.RLock()
		p, ok := s.memPackages[id]
		s.memMu.RUnlock()
		if !ok {
			return pkg{}, sql.ErrNoRows
		}
		return p, nil
	}
	q := packageSelect + ` WHERE id=$1`
	return scanPackage(s.db.QueryRowContext(ctx, q, id))
}

func (s *service) listPackages(ctx context.Context, status string, limit int) ([]pkg, error) {
	if s.db == nil {
		s.memMu.RLock()
		items := make([]pkg, 0, len(s.memPackages))
		for _, p := range s.memPackages {
			if status != "" && p.Status != status {
				continue
			}
			items = append(items, p)
		}
		s.memMu.RUnlock()
		sort.Slice(items, func(i, j int) bool {
			if items[i].CreatedAt.Equal(items[j].CreatedAt) {
				return items[i].ID > items[j].ID
			}
			return items[i].CreatedAt.After(items[j].CreatedAt)
		})
		if len(items) > limit {
			items = items[:limit]
		}
		return items, nil
	}

	args := []any{}
	q := packageSelect
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]pkg, 0, limit)
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

const packageSelect = `SELECT id, external_company_id, order_id, to_name, to_phone, alter_phone,
		description, package_type, village_id, street, total_cost, note, barcode, status, created_at, updated_at
	FROM shipping_packages`

func scanPackage(row rowScanner) (pkg, error) {
	var p pkg
	var alterPhone, street, note sql.NullString
	err := row.Scan(
		&p.ID, &p.ExternalCompanyID, &p.OrderID, &p.ToName, &p.ToPhone, &alterPhone,
		&p.Description, &p.PackageType, &p.VillageID, &street, &p.TotalCost,
		&note, &p.Barcode, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return pkg{}, err
	}
	p.AlterPhone = alterPhone.String
	p.Street = street.String
	p.Note = note.String
	return p, nil
}
