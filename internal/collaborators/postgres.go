package collaborators

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCollaborators implements ExecutionStore, ServerLocker, and
// PlaybookConfigStore against a shared pgx pool. The three are small
// enough, and queried together often enough by the same hook, that one
// adapter backs all three contracts rather than three separate structs.
type PostgresCollaborators struct {
	pool *pgxpool.Pool
}

// NewPostgresCollaborators wraps an already-constructed pool.
func NewPostgresCollaborators(pool *pgxpool.Pool) *PostgresCollaborators {
	return &PostgresCollaborators{pool: pool}
}

func (c *PostgresCollaborators) Get(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT id, state, servers FROM executions WHERE id = $1`
	var e Execution
	err := c.pool.QueryRow(ctx, query, id).Scan(&e.ID, &e.State, &e.Servers)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("collaborators: execution %s: %w", id, pgx.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *PostgresCollaborators) Save(ctx context.Context, e *Execution) error {
	query := `
		INSERT INTO executions (id, state, servers)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			servers = EXCLUDED.servers
	`
	_, err := c.pool.Exec(ctx, query, e.ID, e.State, e.Servers)
	return err
}

// UnlockServers releases every named server's lock. Idempotent: servers
// already unlocked simply match zero rows.
func (c *PostgresCollaborators) UnlockServers(ctx context.Context, serverIDs []string) error {
	if len(serverIDs) == 0 {
		return nil
	}
	query := `UPDATE servers SET locked = false WHERE id = ANY($1)`
	_, err := c.pool.Exec(ctx, query, serverIDs)
	return err
}

func (c *PostgresCollaborators) GetConfig(ctx context.Context, id string) (*PlaybookConfiguration, error) {
	query := `SELECT id, model_id, locked FROM playbook_configurations WHERE id = $1`
	var pc PlaybookConfiguration
	err := c.pool.QueryRow(ctx, query, id).Scan(&pc.ID, &pc.ModelID, &pc.Locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("collaborators: playbook configuration %s: %w", id, pgx.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

func (c *PostgresCollaborators) SetLocked(ctx context.Context, id string, locked bool) error {
	_, err := c.pool.Exec(ctx, `UPDATE playbook_configurations SET locked = $2 WHERE id = $1`, id, locked)
	return err
}

func (c *PostgresCollaborators) ClearLockedForModel(ctx context.Context, modelID string) error {
	_, err := c.pool.Exec(ctx, `UPDATE playbook_configurations SET locked = false WHERE model_id = $1`, modelID)
	return err
}
