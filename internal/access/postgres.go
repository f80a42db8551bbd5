package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresOracle resolves permissions from the document_permissions table,
// treating the document owner as an editor.
type PostgresOracle struct {
	pool *pgxpool.Pool
}

func NewPostgresOracle(pool *pgxpool.Pool) *PostgresOracle {
	return &PostgresOracle{pool: pool}
}

func (o *PostgresOracle) CheckAccess(ctx context.Context, principalID, documentID string, required Tier) (Decision, error) {
	var ownerID string
	err := o.pool.QueryRow(ctx,
		`SELECT owner_id FROM documents WHERE id = $1`, documentID,
	).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Decision{Allowed: false, Reason: "document not found"}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("lookup document %s: %w", documentID, err)
	}
	if ownerID == principalID {
		return Decision{Allowed: true, Tier: TierEditor}, nil
	}

	var tierName string
	err = o.pool.QueryRow(ctx,
		`SELECT permission FROM document_permissions WHERE document_id = $1 AND user_id = $2`,
		documentID, principalID,
	).Scan(&tierName)
	if errors.Is(err, pgx.ErrNoRows) {
		return Decision{Allowed: false, Reason: "no permission on document"}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("lookup permission for %s on %s: %w", principalID, documentID, err)
	}

	tier, err := ParseTier(tierName)
	if err != nil {
		return Decision{}, err
	}
	if !tier.AtLeast(required) {
		return Decision{Allowed: false, Tier: tier, Reason: fmt.Sprintf("requires %s, has %s", required, tier)}, nil
	}
	return Decision{Allowed: true, Tier: tier}, nil
}
