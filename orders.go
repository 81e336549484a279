package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Order entity
// ---------------------------------------------------------------------------

type orderItem struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	TotalPrice  string `json:"total_price"`
	PriceType   string `json:"price_type,omitempty"`
}

type shippingAddress struct {
	FullName          string `json:"full_name"`
	Phone             string `json:"phone"`
	AlterPhone        string `json:"alter_phone,omitempty"`
	Street            string `json:"street"`
	City              string `json:"city,omitempty"`
	Governorate       string `json:"governorate,omitempty"`
	PostalCode        string `json:"postal_code,omitempty"`
	Notes             string `json:"notes,omitempty"`
	VillageID         *int   `json:"village_id,omitempty"`
	VillageName       string `json:"village_name,omitempty"`
	ManualVillageName string `json:"manual_village_name,omitempty"`
}

// order is the marketplace order record. Item names and prices are snapshots
// taken at creation time and never re-derived from the live product catalog.
type order struct {
	ID              string          `json:"id"`
	OrderNumber     string          `json:"order_number"`
	CustomerID      string          `json:"customer_id"`
	CustomerRole    string          `json:"customer_role"`
	SupplierID      string          `json:"supplier_id,omitempty"`
	Items           []orderItem     `json:"items"`
	Subtotal        string          `json:"subtotal"`
	ShippingCost    string          `json:"shipping_cost"`
	Commission      string          `json:"commission"`
	Total           string          `json:"total"`
	MarketerProfit  string          `json:"marketer_profit,omitempty"`
	Status          string          `json:"status"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	PaymentStatus   string          `json:"payment_status,omitempty"`
	ShippingAddress shippingAddress `json:"shipping_address"`
	ShippingCompany string          `json:"shipping_company,omitempty"`
	PackageID       string          `json:"package_id,omitempty"`
	DeliveryNotes   string          `json:"delivery_notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type createOrderRequest struct {
	CustomerID      string          `json:"customer_id"`
	SupplierID      string          `json:"supplier_id"`
	Items           []orderItem     `json:"items"`
	Commission      string          `json:"commission"`
	MarketerProfit  string          `json:"marketer_profit"`
	PaymentMethod   string          `json:"payment_method"`
	ShippingAddress shippingAddress `json:"shipping_address"`
	DeliveryNotes   string          `json:"delivery_notes"`
	// Admin-only: honored only when the actor role is admin.
	Status          string `json:"status"`
	ShippingCompany string `json:"shipping_company"`
}

type assignShippingRequest struct {
	ShippingCompany string `json:"shipping_company"`
	VillageID       int    `json:"village_id"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type orderListResponse struct {
	Items      []order `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
	Cached     bool    `json:"cached"`
}

type cacheItem struct {
	Response orderListResponse
	Expires  time.Time
}

func normalizeOrderStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "pending", "confirmed", "processing", "shipped", "delivered", "cancelled", "returned":
		return s
	default:
		return ""
	}
}

// ---------------------------------------------------------------------------
// Build / Validate
// ---------------------------------------------------------------------------

// buildCreateOrder snapshots line items and computes the pricing fields.
// Non-admin actors always start at status pending with no carrier and no
// village; only a free-text manual village name may be carried as a
// placeholder until an admin runs shipping assignment.
func buildCreateOrder(actorRole string, req createOrderRequest) (order, error) {
	if strings.TrimSpace(req.CustomerID) == "" {
		return order{}, errors.New("customer_id is required")
	}
	if strings.TrimSpace(req.ShippingAddress.FullName) == "" {
		return order{}, errors.New("shipping_address.full_name is required")
	}
	if strings.TrimSpace(req.ShippingAddress.Phone) == "" {
		return order{}, errors.New("shipping_address.phone is required")
	}

	subtotal := decimal.Zero
	items := make([]orderItem, 0, len(req.Items))
	for i, it := range req.Items {
		if strings.TrimSpace(it.ProductName) == "" {
			return order{}, fmt.Errorf("items[%d].product_name is required", i)
		}
		if it.Quantity <= 0 {
			return order{}, fmt.Errorf("items[%d].quantity must be positive", i)
		}
		unit, err := decimal.NewFromString(strings.TrimSpace(it.UnitPrice))
		if err != nil {
			return order{}, fmt.Errorf("items[%d].unit_price must be a decimal amount", i)
		}
		line := unit.Mul(decimal.NewFromInt(int64(it.Quantity)))
		items = append(items, orderItem{
			ProductID:   strings.TrimSpace(it.ProductID),
			ProductName: strings.TrimSpace(it.ProductName),
			Quantity:    it.Quantity,
			UnitPrice:   unit.String(),
			TotalPrice:  line.String(),
			PriceType:   strings.TrimSpace(it.PriceType),
		})
		subtotal = subtotal.Add(line)
	}

	commission := decimal.Zero
	if c := strings.TrimSpace(req.Commission); c != "" {
		var err error
		commission, err = decimal.NewFromString(c)
		if err != nil {
			return order{}, errors.New("commission must be a decimal amount")
		}
	}

	admin := actorRole == "admin"
	status := "pending"
	if admin {
		if ns := normalizeOrderStatus(req.Status); ns != "" {
			status = ns
		}
	}

	addr := req.ShippingAddress
	addr.FullName = strings.TrimSpace(addr.FullName)
	addr.Phone = strings.TrimSpace(addr.Phone)
	addr.Street = strings.TrimSpace(addr.Street)
	addr.ManualVillageName = strings.TrimSpace(addr.ManualVillageName)
	shippingCompany := ""
	if admin {
		shippingCompany = strings.TrimSpace(req.ShippingCompany)
	} else {
		// Marketers cannot pre-assign a delivery village or carrier.
		addr.VillageID = nil
		addr.VillageName = ""
	}

	now := time.Now().UTC()
	return order{
		ID:              newRecordID("ord"),
		OrderNumber:     newOrderNumber(),
		CustomerID:      strings.TrimSpace(req.CustomerID),
		CustomerRole:    actorRole,
		SupplierID:      strings.TrimSpace(req.SupplierID),
		Items:           items,
		Subtotal:        subtotal.String(),
		ShippingCost:    "0",
		Commission:      commission.String(),
		Total:           subtotal.Add(commission).String(),
		MarketerProfit:  strings.TrimSpace(req.MarketerProfit),
		Status:          status,
		PaymentMethod:   strings.TrimSpace(req.PaymentMethod),
		PaymentStatus:   "pending",
		ShippingAddress: addr,
		ShippingCompany: shippingCompany,
		DeliveryNotes:   strings.TrimSpace(req.DeliveryNotes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ---------------------------------------------------------------------------
// Order store
// ---------------------------------------------------------------------------

func (s *service) createOrder(ctx context.Context, o order) error {
	if s.db == nil {
		s.memMu.Lock()
		s.memOrders[o.ID] = o
		s.memMu.Unlock()
		s.invalidateOrderCache()
		return nil
	}
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	addrJSON, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	q := `INSERT INTO marketplace_orders (id, order_number, customer_id, customer_role, supplier_id, items_json,
			subtotal, shipping_cost, commission, total, marketer_profit, status, payment_method, payment_status,
			shipping_address_json, shipping_company, package_id, delivery_notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	if _, err := s.db.ExecContext(ctx, q,
		o.ID, o.OrderNumber, o.CustomerID, o.CustomerRole, nilIfEmpty(o.SupplierID), string(itemsJSON),
		o.Subtotal, o.ShippingCost, o.Commission, o.Total, nilIfEmpty(o.MarketerProfit),
		o.Status, nilIfEmpty(o.PaymentMethod), nilIfEmpty(o.PaymentStatus),
		string(addrJSON), nilIfEmpty(o.ShippingCompany), nilIfEmpty(o.PackageID), nilIfEmpty(o.DeliveryNotes),
		o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return err
	}
	s.invalidateOrderCache()
	return nil
}

func (s *service) getOrder(ctx context.Context, id string) (order, error) {
	if s.db == nil {
		s.memMu.RLock()
		o, ok := s.memOrders[id]
		s.memMu.RUnlock()
		if !ok {
			return order{}, sql.ErrNoRows
		}
		return o, nil
	}
	q := `SELECT id, order_number, customer_id, customer_role, supplier_id, items_json,
			subtotal, shipping_cost, commission, total, marketer_profit, status, payment_method, payment_status,
			shipping_address_json, shipping_company, package_id, delivery_notes, created_at, updated_at
		FROM marketplace_orders WHERE id=$1`
	return scanOrder(s.db.QueryRowContext(ctx, q, id))
}

func scanOrder(row rowScanner) (order, error) {
	var o order
	var supplierID, itemsJSON, marketerProfit, paymentMethod, paymentStatus sql.NullString
	var addrJSON, shippingCompany, packageID, deliveryNotes sql.NullString
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.CustomerID, &o.CustomerRole, &supplierID, &itemsJSON,
		&o.Subtotal, &o.ShippingCost, &o.Commission, &o.Total, &marketerProfit,
		&o.Status, &paymentMethod, &paymentStatus,
		&addrJSON, &shippingCompany, &packageID, &deliveryNotes, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return order{}, err
	}
	o.SupplierID = supplierID.String
	o.MarketerProfit = marketerProfit.String
	o.PaymentMethod = paymentMethod.String
	o.PaymentStatus = paymentStatus.String
	o.ShippingCompany = shippingCompany.String
	o.PackageID = packageID.String
	o.DeliveryNotes = deliveryNotes.String
	if itemsJSON.String != "" {
		if err := json.Unmarshal([]byte(itemsJSON.String), &o.Items); err != nil {
			return order{}, err
		}
	}
	if addrJSON.String != "" {
		if err := json.Unmarshal([]byte(addrJSON.String), &o.ShippingAddress); err != nil {
			return order{}, err
		}
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// Shipping assignment
// ---------------------------------------------------------------------------

// assignShipping merges the admin's carrier and village selection into the
// order's shipping address, refreshing the shipping cost from the village's
// delivery cost. The order is left untouched when the village does not
// qualify. No package is created here; dispatch is a separate explicit step
// so the assignment can be corrected any number of times first.
func (s *service) assignShipping(ctx context.Context, orderID string, req assignShippingRequest) (order, error) {
	o, err := s.getOrder(ctx, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return order{}, errOrderNotFound
	}
	if err != nil {
		return order{}, err
	}

	v, err := s.activeVillage(ctx, req.VillageID)
	if errors.Is(err, sql.ErrNoRows) {
		return order{}, errInvalidOrStaleVillage
	}
	if err != nil {
		return order{}, err
	}

	villageID := v.VillageID
	o.ShippingCompany = strings.TrimSpace(req.ShippingCompany)
	o.ShippingAddress.VillageID = &villageID
	o.ShippingAddress.VillageName = v.VillageName
	o.ShippingAddress.City = governorateOf(v.VillageName)

	subtotal, err := decimal.NewFromString(o.Subtotal)
	if err != nil {
		return order{}, fmt.Errorf("corrupt subtotal on order %s: %w", o.OrderNumber, err)
	}
	commission, err := decimal.NewFromString(o.Commission)
	if err != nil {
		return order{}, fmt.Errorf("corrupt commission on order %s: %w", o.OrderNumber, err)
	}
	shipping, err := decimal.NewFromString(v.DeliveryCost)
	if err != nil {
		return order{}, fmt.Errorf("corrupt delivery cost on village %d: %w", v.VillageID, err)
	}
	o.ShippingCost = shipping.String()
	o.Total = subtotal.Add(shipping).Add(commission).String()
	o.UpdatedAt = time.Now().UTC()

	if err := s.saveOrderShipping(ctx, o); err != nil {
		return order{}, err
	}
	return o, nil
}

func (s *service) saveOrderShipping(ctx context.Context, o order) error {
	if s.db == nil {
		s.memMu.Lock()
		s.memOrders[o.ID] = o
		s.memMu.Unlock()
		s.invalidateOrderCache()
		return nil
	}
	addrJSON, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	q := `UPDATE marketplace_orders
		SET shipping_company=$3, shipping_address_json=$4, shipping_cost=$5, total=$6, updated_at=$7
		WHERE id=$1 AND order_number=$2`
	res, err := s.db.ExecContext(ctx, q, o.ID, o.OrderNumber,
		nilIfEmpty(o.ShippingCompany), string(addrJSON), o.ShippingCost, o.Total, o.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.invalidateOrderCache()
	return nil
}

// setOrderPackageID records the permanent order→package back-reference.
func (s *service) setOrderPackageID(ctx context.Context, orderID, packageID string) error {
	if s.db == nil {
		s.memMu.Lock()
		o, ok := s.memOrders[orderID]
		if !ok {
			s.memMu.Unlock()
			return sql.ErrNoRows
		}
		o.PackageID = packageID
		o.UpdatedAt = time.Now().UTC()
		s.memOrders[orderID] = o
		s.memMu.Unlock()
		s.invalidateOrderCache()
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE marketplace_orders SET package_id=$2, updated_at=$3 WHERE id=$1`,
		orderID, packageID, time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.invalidateOrderCache()
	return nil
}

// ---------------------------------------------------------------------------
// Status updates
// ---------------------------------------------------------------------------

func (s *service) updateOrderStatus(ctx context.Context, orderID, status string) (order, error) {
	ns := normalizeOrderStatus(status)
	if ns == "" {
		return order{}, errors.New("invalid status")
	}
	if s.db == nil {
		s.memMu.Lock()
		o, ok := s.memOrders[orderID]
		if !ok {
			s.memMu.Unlock()
			return order{}, sql.ErrNoRows
		}
		o.Status = ns
		o.UpdatedAt = time.Now().UTC()
		s.memOrders[orderID] = o
		s.memMu.Unlock()
		s.invalidateOrderCache()
		return o, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE marketplace_orders SET status=$2, updated_at=$3 WHERE id=$1`,
		orderID, ns, time.Now().UTC())
	if err != nil {
		return order{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return order{}, err
	}
	if affected == 0 {
		return order{}, sql.ErrNoRows
	}
	s.invalidateOrderCache()
	return s.getOrder(ctx, orderID)
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

func (s *service) listOrders(ctx context.Context, status, customerID, cursor string, limit int) (orderListResponse, error) {
	if cursor == "" {
		if cached, ok := s.getOrderListCache(status, customerID, limit); ok {
			cached.Cached = true
			return cached, nil
		}
	}

	if s.db == nil {
		resp, err := s.listOrdersMemory(status, customerID, cursor, limit)
		if err != nil {
			return orderListResponse{}, err
		}
		if cursor == "" {
			s.setOrderListCache(status, customerID, limit, resp)
		}
		return resp, nil
	}

	cursorTime, cursorID, err := parseCursor(cursor)
	if err != nil {
		return orderListResponse{}, err
	}

	args := []any{}
	where := []string{}
	nextArg := 1
	if status != "" {
		where = append(where, fmt.Sprintf("status = $%d", nextArg))
		args = append(args, normalizeOrderStatus(status))
		nextArg++
	}
	if customerID != "" {
		where = append(where, fmt.Sprintf("customer_id = $%d", nextArg))
		args = append(args, customerID)
		nextArg++
	}
	if !cursorTime.IsZero() {
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", nextArg, nextArg+1))
		args = append(args, cursorTime, cursorID)
		nextArg += 2
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit+1)
	q := fmt.Sprintf(`
		SELECT id, order_number, customer_id, customer_role, supplier_id, items_json,
			subtotal, shipping_cost, commission, total, marketer_profit, status, payment_method, payment_status,
			shipping_address_json, shipping_company, package_id, delivery_notes, created_at, updated_at
		FROM marketplace_orders
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, clause, nextArg)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return orderListResponse{}, err
	}
	defer rows.Close()

	items := make([]order, 0, limit)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return orderListResponse{}, err
		}
		items = append(items, o)
	}
	if err := rows.Err(); err != nil {
		return orderListResponse{}, err
	}

	resp := orderListResponse{Items: items}
	if len(items) > limit {
		last := items[limit-1]
		resp.Items = items[:limit]
		resp.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	if cursor == "" {
		s.setOrderListCache(status, customerID, limit, resp)
	}
	return resp, nil
}

func (s *service) listOrdersMemory(status, customerID, cursor string, limit int) (orderListResponse, error) {
	cursorTime, cursorID, err := parseCursor(cursor)
	if err != nil {
		return orderListResponse{}, err
	}

	s.memMu.RLock()
	items := make([]order, 0)
	for _, o := range s.memOrders {
		if status != "" && o.Status != normalizeOrderStatus(status) {
			continue
		}
		if customerID != "" && o.CustomerID != customerID {
			continue
		}
		items = append(items, o)
	}
	s.memMu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	if !cursorTime.IsZero() {
		filtered := items[:0]
		for _, it := range items {
			if it.CreatedAt.Before(cursorTime) || (it.CreatedAt.Equal(cursorTime) && it.ID < cursorID) {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}

	resp := orderListResponse{}
	if len(items) <= limit {
		resp.Items = append(resp.Items, items...)
		return resp, nil
	}
	resp.Items = append(resp.Items, items[:limit]...)
	last := items[limit-1]
	resp.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	return resp, nil
}

// ---------------------------------------------------------------------------
// List cache
// ---------------------------------------------------------------------------

func orderCacheKey(status, customerID string, limit int) string {
	return fmt.Sprintf("orders|%s|%s|%d", normalizeOrderStatus(status), customerID, limit)
}

func (s *service) getOrderListCache(status, customerID string, limit int) (orderListResponse, bool) {
	key := orderCacheKey(status, customerID, limit)
	s.cacheMu.RLock()
	item, ok := s.listCache[key]
	s.cacheMu.RUnlock()
	if !ok || time.Now().After(item.Expires) {
		return orderListResponse{}, false
	}
	return item.Response, true
}

func (s *service) setOrderListCache(status, customerID string, limit int, value orderListResponse) {
	key := orderCacheKey(status, customerID, limit)
	s.cacheMu.Lock()
	s.listCache[key] = cacheItem{Response: value, Expires: time.Now().Add(s.cacheTTL)}
	s.cacheMu.Unlock()
}

func (s *service) invalidateOrderCache() {
	s.cacheMu.Lock()
	for k := range s.listCache {
		if strings.HasPrefix(k, "orders|") {
			delete(s.listCache, k)
		}
	}
	s.cacheMu.Unlock()
}
