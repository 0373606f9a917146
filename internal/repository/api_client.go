package repository

import (
	"context"
	"database/sql"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

// ApiClientRepository stores API credentials. Secrets are kept only as bcrypt hashes.
type ApiClientRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewApiClientRepository(db *sql.DB, clock core.Clock) *ApiClientRepository {
	return &ApiClientRepository{db: db, clock: clock}
}

// Create hashes secret and stores a new enabled client.
func (r *ApiClientRepository) Create(ctx context.Context, tenantID int64, name, secret string) (*domain.ApiClient, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	c := &domain.ApiClient{TenantID: tenantID, Name: name, KeyHash: string(hash), Enabled: true, Created: r.clock.Now()}
	id, err := insertReturningID(ctx, r.db, `INSERT INTO api_clients (tenant_id, name, key_hash, enabled, created) VALUES (?, ?, ?, ?, ?)`,
		c.TenantID, c.Name, c.KeyHash, c.Enabled, formatDateInDatabase(c.Created))
	if err != nil {
		return nil, err
	}
	c.ID = id
	return c, nil
}

// FindByID returns (nil, nil) if not found.
func (r *ApiClientRepository) FindByID(ctx context.Context, id int64) (*domain.ApiClient, error) {
	var c domain.ApiClient
	err := r.db.QueryRowContext(ctx, rebind(`SELECT id, tenant_id, name, key_hash, enabled, created FROM api_clients WHERE id = ?`), id).
		Scan(&c.ID, &c.TenantID, &c.Name, &c.KeyHash, &c.Enabled, &c.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Authenticate returns the enabled client whose hash matches secret, or nil.
func (r *ApiClientRepository) Authenticate(ctx context.Context, id int64, secret string) (*domain.ApiClient, error) {
	c, err := r.FindByID(ctx, id)
	if err != nil || c == nil || !c.Enabled {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(c.KeyHash), []byte(secret)) != nil {
		return nil, nil
	}
	return c, nil
}
