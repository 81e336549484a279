package main

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// External company (carrier) entity
// ---------------------------------------------------------------------------

// externalCompany is a third-party shipping provider. Orders reference it by
// CompanyName (a loose string reference, not a foreign key); the name is
// re-resolved against active companies at package-creation time.
type externalCompany struct {
	ID             string    `json:"id"`
	CompanyName    string    `json:"company_name"`
	APIEndpointURL string    `json:"api_endpoint_url,omitempty"`
	APIToken       string    `json:"-"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type createCompanyRequest struct {
	CompanyName    string `json:"company_name"`
	APIEndpointURL string `json:"api_endpoint_url"`
	APIToken       string `json:"api_token"`
	IsActive       *bool  `json:"is_active,omitempty"`
}

func buildCreateCompany(req createCompanyRequest) (externalCompany, error) {
	if strings.TrimSpace(req.CompanyName) == "" {
		return externalCompany{}, errors.New("company_name is required")
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	now := time.Now().UTC()
	return externalCompany{
		ID:             newRecordID("xco"),
		CompanyName:    strings.TrimSpace(req.CompanyName),
		APIEndpointURL: strings.TrimSpace(req.APIEndpointURL),
		APIToken:       strings.TrimSpace(req.APIToken),
		IsActive:       active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// ---------------------------------------------------------------------------
// Company store
// ---------------------------------------------------------------------------

func (s *service) createCompany(ctx context.Context, co externalCompany) error {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		for _, existing := range s.memCompanies {
			if existing.CompanyName == co.CompanyName {
				return errors.New("company_name already exists")
			}
		}
		s.memCompanies = append(s.memCompanies, co)
		return nil
	}
	q := `INSERT INTO shipping_companies (id, company_name, api_endpoint_url, api_token, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.db.ExecContext(ctx, q,
		co.ID, co.CompanyName, nilIfEmpty(co.APIEndpointURL), nilIfEmpty(co.APIToken),
		co.IsActive, co.CreatedAt, co.UpdatedAt,
	)
	return err
}

func (s *service) activeCompanyByName(ctx context.Context, name string) (externalCompany, error) {
	if s.db == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		for _, co := range s.memCompanies {
			if co.CompanyName == name && co.IsActive {
				return co, nil
			}
		}
		return externalCompany{}, sql.ErrNoRows
	}
	q := `SELECT id, company_name, api_endpoint_url, api_token, is_active, created_at, updated_at
		FROM shipping_companies WHERE company_name=$1 AND is_active=TRUE`
	return s.scanCompany(s.db.QueryRowContext(ctx, q, name))
}

// firstActiveCompany is the last-resort fallback: deterministic by natural
// insertion order.
func (s *service) firstActiveCompany(ctx context.Context) (externalCompany, error) {
	if s.db == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		for _, co := range s.memCompanies {
			if co.IsActive {
				return co, nil
			}
		}
		return externalCompany{}, sql.ErrNoRows
	}
	q := `SELECT id, company_name, api_endpoint_url, api_token, is_active, created_at, updated_at
		FROM shipping_companies WHERE is_active=TRUE ORDER BY created_at ASC, id ASC LIMIT 1`
	return s.scanCompany(s.db.QueryRowContext(ctx, q))
}

func (s *service) listCompanies(ctx context.Context) ([]externalCompany, error) {
	if s.db == nil {
		s.memMu.RLock()
		items := make([]externalCompany, len(s.memCompanies))
		copy(items, s.memCompanies)
		s.memMu.RUnlock()
		return items, nil
	}
	q := `SELECT id, company_name, api_endpoint_url, api_token, is_active, created_at, updated_at
		FROM shipping_companies ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]externalCompany, 0)
	for rows.Next() {
		var co externalCompany
		var endpoint, token sql.NullString
		if err := rows.Scan(&co.ID, &co.CompanyName, &endpoint, &token, &co.IsActive, &co.CreatedAt, &co.UpdatedAt); err != nil {
			return nil, err
		}
		co.APIEndpointURL = endpoint.String
		co.APIToken = token.String
		items = append(items, co)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *service) scanCompany(row rowScanner) (externalCompany, error) {
	var co externalCompany
	var endpoint, token sql.NullString
	err := row.Scan(&co.ID, &co.CompanyName, &endpoint, &token, &co.IsActive, &co.CreatedAt, &co.UpdatedAt)
	if err != nil {
		return externalCompany{}, err
	}
	co.APIEndpointURL = endpoint.String
	co.APIToken = token.String
	return co, nil
}

// ---------------------------------------------------------------------------
// Settings (system default carrier)
// ---------------------------------------------------------------------------

const settingDefaultCompany = "default_shipping_company"

func (s *service) setSetting(ctx context.Context, key, value string) error {
	if s.db == nil {
		s.memMu.Lock()
		s.memSettings[key] = value
		s.memMu.Unlock()
		return nil
	}
	q := `INSERT INTO shipping_settings (key, value, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`
	_, err := s.db.ExecContext(ctx, q, key, value, time.Now().UTC())
	return err
}

func (s *service) getSetting(ctx context.Context, key string) (string, error) {
	if s.db == nil {
		s.memMu.RLock()
		v := s.memSettings[key]
		s.memMu.RUnlock()
		return v, nil
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM shipping_settings WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// ---------------------------------------------------------------------------
// Carrier resolution
// ---------------------------------------------------------------------------

// resolveCarrier picks the company a package will be dispatched through:
// the order's named company if it is still active, else the system default,
// else the first active company. errNoCarrierConfigured when nothing matches.
func (s *service) resolveCarrier(ctx context.Context, companyName string) (externalCompany, error) {
	if name := strings.TrimSpace(companyName); name != "" {
		co, err := s.activeCompanyByName(ctx, name)
		if err == nil {
			return co, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return externalCompany{}, err
		}
	}

	if def, err := s.getSetting(ctx, settingDefaultCompany); err != nil {
		return externalCompany{}, err
	} else if def != "" {
		co, err := s.activeCompanyByName(ctx, def)
		if err == nil {
			return co, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return externalCompany{}, err
		}
	}

	co, err := s.firstActiveCompany(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return externalCompany{}, errNoCarrierConfigured
	}
	if err != nil {
		return externalCompany{}, err
	}
	return co, nil
}

// sortCompaniesByName is used by admin listings only.
func sortCompaniesByName(cs []externalCompany) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].CompanyName < cs[j].CompanyName })
}
