package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

type service struct {
	db       *sql.DB
	cacheTTL time.Duration
	carrier  *carrierClient

	cacheMu   sync.RWMutex
	listCache map[string]cacheItem

	memMu         sync.RWMutex
	memVillages   map[int]village
	memRegions    map[string]shippingRegion
	memCompanies  []externalCompany
	memSettings   map[string]string
	memOrders     map[string]order
	memPackages   map[string]pkg
	memPkgByOrder map[string]string
}

func newService() *service {
	return &service{
		cacheTTL:      durationEnv("CACHE_TTL", 45*time.Second),
		carrier:       newCarrierClient(durationEnv("CARRIER_TIMEOUT", 10*time.Second)),
		listCache:     make(map[string]cacheItem),
		memVillages:   make(map[int]village),
		memRegions:    make(map[string]shippingRegion),
		memSettings:   make(map[string]string),
		memOrders:     make(map[string]order),
		memPackages:   make(map[string]pkg),
		memPkgByOrder: make(map[string]string),
	}
}

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	port := env("PORT", "8080")
	module := env("MODULE_NAME", "Ribh")
	svc := newService()

	if db, err := connectDB(); err != nil {
		log.Printf("warn: database unavailable, running shipping in memory mode: %v", err)
	} else {
		svc.db = db
		if err := svc.ensureSchema(context.Background()); err != nil {
			log.Printf("warn: schema setup failed, using memory mode: %v", err)
			_ = svc.db.Close()
			svc.db = nil
		}
	}
	defer func() {
		if svc.db != nil {
			_ = svc.db.Close()
		}
	}()

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           withServerDefaults(svc.routes(module)),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	log.Printf("shipping-service listening on :%s", port)
	log.Fatal(srv.ListenAndServe())
}

func connectDB() (*sql.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		host := env("DB_HOST", "")
		if host == "" {
			return nil, errors.New("missing DATABASE_URL or DB_HOST")
		}
		port := env("DB_PORT", "5432")
		user := env("DB_USER", "postgres")
		pass := env("DB_PASSWORD", "postgres")
		name := env("DB_NAME", "ribh_marketplace")
		ssl := env("DB_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, name, ssl)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(intEnv("DB_MAX_OPEN_CONNS", 60))
	db.SetMaxIdleConns(intEnv("DB_MAX_IDLE_CONNS", 20))
	db.SetConnMaxIdleTime(durationEnv("DB_CONN_MAX_IDLE", 5*time.Minute))
	db.SetConnMaxLifetime(durationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (s *service) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS shipping_villages (
			village_id INTEGER PRIMARY KEY,
			village_name TEXT NOT NULL,
			delivery_cost TEXT NOT NULL DEFAULT '0',
			area_id INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shipping_regions (
			id TEXT PRIMARY KEY,
			region_name TEXT NOT NULL UNIQUE,
			governorate_name TEXT,
			village_ids_json TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shipping_companies (
			id TEXT PRIMARY KEY,
			company_name TEXT NOT NULL UNIQUE,
			api_endpoint_url TEXT,
			api_token TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shipping_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS marketplace_orders (
			id TEXT PRIMARY KEY,
			order_number TEXT NOT NULL UNIQUE,
			customer_id TEXT NOT NULL,
			customer_role TEXT NOT NULL,
			supplier_id TEXT,
			items_json TEXT,
			subtotal TEXT NOT NULL DEFAULT '0',
			shipping_cost TEXT NOT NULL DEFAULT '0',
			commission TEXT NOT NULL DEFAULT '0',
			total TEXT NOT NULL DEFAULT '0',
			marketer_profit TEXT,
			status TEXT CHECK (status IN ('pending','confirmed','processing','shipped','delivered','cancelled','returned')) DEFAULT 'pending',
			payment_method TEXT,
			payment_status TEXT,
			shipping_address_json TEXT,
			shipping_company TEXT,
			package_id TEXT,
			delivery_notes TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created ON marketplace_orders (created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON marketplace_orders (status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_customer ON marketplace_orders (customer_id)`,
		`CREATE TABLE IF NOT EXISTS shipping_packages (
			id TEXT PRIMARY KEY,
			external_company_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			to_name TEXT NOT NULL,
			to_phone TEXT NOT NULL,
			alter_phone TEXT,
			description TEXT NOT NULL,
			package_type TEXT NOT NULL DEFAULT 'normal',
			village_id INTEGER NOT NULL,
			street TEXT,
			total_cost TEXT NOT NULL DEFAULT '0',
			note TEXT,
			barcode TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		// One package per order, enforced at the storage layer: the
		// check-then-create in the builder is otherwise a race window.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_packages_order_unique ON shipping_packages (order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_created ON shipping_packages (created_at DESC, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func (s *service) routes(module string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		mode := "postgres"
		if s.db == nil {
			mode = "memory"
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "module": module, "service": "shipping-service", "mode": mode})
	})

	mux.HandleFunc("/v1/orders", s.handleOrders)
	mux.HandleFunc("/v1/orders/", s.handleOrderByID)
	mux.HandleFunc("/v1/packages", s.handlePackages)
	mux.HandleFunc("/v1/packages/", s.handlePackageByID)
	mux.HandleFunc("/v1/villages", s.handleVillages)
	mux.HandleFunc("/v1/regions", s.handleRegions)
	mux.HandleFunc("/v1/regions/", s.handleRegionVillages)
	mux.HandleFunc("/v1/companies", s.handleCompanies)
	mux.HandleFunc("/v1/settings/default-carrier", s.handleDefaultCarrier)

	return mux
}

// actorRole is supplied by the upstream auth gateway; role checks beyond the
// marketer-creation invariant happen there.
func actorRole(r *http.Request) string {
	role := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Actor-Role")))
	if role == "" {
		role = "marketer"
	}
	return role
}
