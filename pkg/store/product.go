package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/revback/revback/pkg/contracts"
)

// ProductStore persists canonical products and their provider id mappings.
type ProductStore struct {
	db *sql.DB
}

func NewProductStore(db *sql.DB) *ProductStore {
	return &ProductStore{db: db}
}

// GetByExternalID finds the product whose mapping for source equals externalID.
func (s *ProductStore) GetByExternalID(ctx context.Context, orgID string, source contracts.BillingSource, externalID string) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, external_ids, active, created_at
		FROM products WHERE org_id = $1 AND external_ids->>$2 = $3
	`, orgID, string(source), externalID).Scan(&p.ID, &p.OrgID, &p.Name, &p.ExternalIDs, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get product by external id: %w", err)
	}
	return &p, nil
}

// ResolveOrCreate returns the product mapped to (source, externalID),
// auto-creating one named after the external id when no mapping exists.
// Auto-creation keeps onboarding friction-free.
func (s *ProductStore) ResolveOrCreate(ctx context.Context, orgID string, source contracts.BillingSource, externalID string) (*Product, error) {
	p, err := s.GetByExternalID(ctx, orgID, source, externalID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	p = &Product{
		ID:          uuid.New().String(),
		OrgID:       orgID,
		Name:        externalID,
		ExternalIDs: StringMap{string(source): externalID},
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (id, org_id, name, external_ids, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.OrgID, p.Name, p.ExternalIDs, p.Active, p.CreatedAt)
	if err != nil {
		// Lost a race with a concurrent insert for the same mapping; re-read.
		if existing, lookupErr := s.GetByExternalID(ctx, orgID, source, externalID); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("store: create product: %w", err)
	}
	return p, nil
}

// Get returns a product by id within the tenant.
func (s *ProductStore) Get(ctx context.Context, orgID, id string) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, external_ids, active, created_at
		FROM products WHERE id = $1 AND org_id = $2
	`, id, orgID).Scan(&p.ID, &p.OrgID, &p.Name, &p.ExternalIDs, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get product: %w", err)
	}
	return &p, nil
}

// ListByOrg returns a tenant's products.
func (s *ProductStore) ListByOrg(ctx context.Context, orgID string) ([]*Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, external_ids, active, created_at
		FROM products WHERE org_id = $1 ORDER BY created_at ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var products []*Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.ExternalIDs, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		products = append(products, &p)
	}
	return products, rows.Err()
}
