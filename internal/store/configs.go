package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateMatchConfig persists an immutable configuration snapshot and returns
// it with its assigned id.
func (s *Store) CreateMatchConfig(ctx context.Context, potentialThreshold, autoThreshold float64, comparisonRules string) (*MatchConfig, error) {
	if err := validateThresholds(potentialThreshold, autoThreshold); err != nil {
		return nil, err
	}
	if strings.TrimSpace(comparisonRules) == "" {
		return nil, fmt.Errorf("%w: comparison rules must not be empty", ErrValidation)
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO match_config (created, potential_match_threshold, auto_match_threshold, comparison_rules) VALUES (?, ?, ?, ?)",
		formatTime(now), potentialThreshold, autoThreshold, comparisonRules)
	if err != nil {
		return nil, fmt.Errorf("insert match config: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("match config id: %w", err)
	}
	return &MatchConfig{
		ID:                      id,
		Created:                 now,
		PotentialMatchThreshold: potentialThreshold,
		AutoMatchThreshold:      autoThreshold,
		ComparisonRules:         comparisonRules,
	}, nil
}

func validateThresholds(potential, auto float64) error {
	if potential < 0 || potential > 1 {
		return fmt.Errorf("%w: potential match threshold %v outside [0, 1]", ErrValidation, potential)
	}
	if auto < 0 || auto > 1 {
		return fmt.Errorf("%w: auto match threshold %v outside [0, 1]", ErrValidation, auto)
	}
	if auto < potential {
		return fmt.Errorf("%w: auto match threshold %v below potential match threshold %v", ErrValidation, auto, potential)
	}
	return nil
}

// GetMatchConfig retrieves one configuration by id.
func (s *Store) GetMatchConfig(ctx context.Context, id int64) (*MatchConfig, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, created, potential_match_threshold, auto_match_threshold, comparison_rules FROM match_config WHERE id = ?", id)
	cfg, err := scanMatchConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("match config %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get match config %d: %w", id, err)
	}
	return cfg, nil
}

// LatestMatchConfig returns the most recently created configuration.
func (s *Store) LatestMatchConfig(ctx context.Context) (*MatchConfig, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, created, potential_match_threshold, auto_match_threshold, comparison_rules FROM match_config ORDER BY id DESC LIMIT 1")
	cfg, err := scanMatchConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("match config: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest match config: %w", err)
	}
	return cfg, nil
}

func scanMatchConfig(row scanner) (*MatchConfig, error) {
	var (
		cfg     MatchConfig
		created string
	)
	if err := row.Scan(&cfg.ID, &created, &cfg.PotentialMatchThreshold, &cfg.AutoMatchThreshold, &cfg.ComparisonRules); err != nil {
		return nil, err
	}
	parsed, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse match config created: %w", err)
	}
	cfg.Created = parsed
	return &cfg, nil
}
