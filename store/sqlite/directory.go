package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// CLIENTS & SPLITS (commission.ClientDirectory)
// =============================================================================

// SaveClient inserts or replaces a client.
func (s *Store) SaveClient(ctx context.Context, c commission.Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, lead_source, sold_by, assigned_coach)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			lead_source = excluded.lead_source,
			sold_by = excluded.sold_by,
			assigned_coach = excluded.assigned_coach`,
		c.ID, c.Name, c.LeadSource, nullEarner(c.SoldBy), nullEarner(c.AssignedCoach),
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

func (s *Store) Client(ctx context.Context, id commission.ClientID) (*commission.Client, error) {
	var (
		c      commission.Client
		soldBy sql.NullString
		coach  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, lead_source, sold_by, assigned_coach FROM clients WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &c.LeadSource, &soldBy, &coach)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commission.NotFound("client", string(id))
	}
	if err != nil {
		return nil, err
	}
	c.SoldBy = parseNullEarner(soldBy)
	c.AssignedCoach = parseNullEarner(coach)
	return &c, nil
}

// ReplaceSplits atomically swaps a client's split rows. An empty slice
// removes every split.
func (s *Store) ReplaceSplits(ctx context.Context, id commission.ClientID, splits []commission.CommissionSplit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM commission_splits WHERE client_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear splits: %w", err)
	}
	for i, sp := range splits {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commission_splits (client_id, earner_id, role, percentage, position)
			VALUES (?, ?, ?, ?, ?)`,
			id, sp.EarnerID, sp.Role, sp.Percentage, i,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &commission.SplitError{ClientID: id, Reason: fmt.Sprintf("duplicate earner %s", sp.EarnerID)}
			}
			return fmt.Errorf("failed to insert split: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) Splits(ctx context.Context, id commission.ClientID) ([]commission.CommissionSplit, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT client_id, earner_id, role, percentage FROM commission_splits WHERE client_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query splits: %w", err)
	}
	defer rows.Close()

	splits := []commission.CommissionSplit{}
	for rows.Next() {
		var sp commission.CommissionSplit
		if err := rows.Scan(&sp.ClientID, &sp.EarnerID, &sp.Role, &sp.Percentage); err != nil {
			return nil, err
		}
		splits = append(splits, sp)
	}
	return splits, rows.Err()
}

// =============================================================================
// EARNERS (commission.EarnerDirectory)
// =============================================================================

func (s *Store) SaveEarner(ctx context.Context, e commission.Earner) error {
	var config sql.NullString
	if e.Config != nil {
		data, err := json.Marshal(e.Config)
		if err != nil {
			return err
		}
		config = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO earners (id, name, config_json)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			config_json = excluded.config_json`,
		e.ID, e.Name, config,
	)
	if err != nil {
		return fmt.Errorf("failed to save earner: %w", err)
	}
	return nil
}

func (s *Store) Earner(ctx context.Context, id commission.EarnerID) (*commission.Earner, error) {
	var (
		e      commission.Earner
		config sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, config_json FROM earners WHERE id = ?", id,
	).Scan(&e.ID, &e.Name, &config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commission.NotFound("earner", string(id))
	}
	if err != nil {
		return nil, err
	}
	if config.Valid && config.String != "" {
		var cfg commission.CommissionConfig
		if err := json.Unmarshal([]byte(config.String), &cfg); err != nil {
			return nil, fmt.Errorf("earner %s config: %w", id, err)
		}
		e.Config = &cfg
	}
	return &e, nil
}

func nullEarner(id *commission.EarnerID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func parseNullEarner(s sql.NullString) *commission.EarnerID {
	if !s.Valid || s.String == "" {
		return nil
	}
	id := commission.EarnerID(s.String)
	return &id
}
