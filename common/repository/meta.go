package repository

import (
	"context"
	"fmt"

	"github.com/chittyos/evidence-ledger/common/db"
)

const metaAlgorithm = "digest_algorithm"

// MetaRepository handles ledger_meta, the settings a ledger is bound to
// for its whole life
type MetaRepository struct {
	db *db.DB
}

// NewMetaRepository creates a new meta repository
func NewMetaRepository(database *db.DB) *MetaRepository {
	return &MetaRepository{db: database}
}

// Pin stores value under key unless a value is already there and returns
// the stored value
func (r *MetaRepository) Pin(ctx context.Context, key, value string) (string, error) {
	query := `
		INSERT INTO ledger_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, key, value); err != nil {
		return "", fmt.Errorf("failed to write ledger meta: %w", err)
	}

	var stored string
	if err := r.db.QueryRow(ctx, `SELECT value FROM ledger_meta WHERE key = $1`, key).Scan(&stored); err != nil {
		return "", fmt.Errorf("failed to read ledger meta: %w", err)
	}
	return stored, nil
}
