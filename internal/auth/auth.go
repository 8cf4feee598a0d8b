package auth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"campaign-pipeline/internal/db"
)

type Tenant struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
}

// AuthService resolves the calling tenant from its API key. Tenancy itself
// is owned upstream; this is only the request-edge resolver.
type AuthService struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewAuthService(database *db.PostgresDB, logger *zap.Logger) *AuthService {
	return &AuthService{db: database, logger: logger}
}

func (a *AuthService) CreateTenant(ctx context.Context, name, apiKey string) (*Tenant, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash API key: %w", err)
	}

	tenant := &Tenant{
		ID:         uuid.New(),
		Name:       name,
		APIKeyHash: string(hashed),
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, api_key_hash) VALUES ($1, $2, $3)`,
		tenant.ID, tenant.Name, tenant.APIKeyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert tenant: %w", err)
	}

	return tenant, nil
}

func (a *AuthService) GetTenantByID(ctx context.Context, tenantID uuid.UUID) (*Tenant, error) {
	var tenant Tenant
	err := a.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash FROM tenants WHERE id = $1`, tenantID).
		Scan(&tenant.ID, &tenant.Name, &tenant.APIKeyHash)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &tenant, nil
}

// RequireAPIKey authenticates X-Tenant-ID + X-API-Key and stashes the tenant
// in the request locals.
func (a *AuthService) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenantID, err := uuid.Parse(c.Get("X-Tenant-ID"))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing or invalid tenant id",
			})
		}

		tenant, err := a.GetTenantByID(c.Context(), tenantID)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unknown tenant",
			})
		}

		apiKey := c.Get("X-API-Key")
		if bcrypt.CompareHashAndPassword([]byte(tenant.APIKeyHash), []byte(apiKey)) != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid API key",
			})
		}

		c.Locals("tenant", tenant)
		return c.Next()
	}
}

func TenantFromContext(c *fiber.Ctx) (*Tenant, error) {
	tenant, ok := c.Locals("tenant").(*Tenant)
	if !ok {
		return nil, fmt.Errorf("tenant not found in context")
	}
	return tenant, nil
}
