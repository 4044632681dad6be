package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const potentialMatchColumns = "id, uuid, created, updated, version, job_id, max_match_probability"

// PredictionInput is one scored record pair to persist alongside a new
// potential match.
type PredictionInput struct {
	MatchProbability float64
	RecordLID        int64
	RecordRID        int64
}

// CreatePotentialMatch persists an unresolved cluster, its person members and
// the pairwise scores that produced it.
func (tx *Tx) CreatePotentialMatch(ctx context.Context, jobID int64, maxProbability float64, personIDs []int64, predictions []PredictionInput, now time.Time) (*PotentialMatch, error) {
	if len(personIDs) < 2 {
		return nil, fmt.Errorf("%w: potential match requires at least two persons", ErrValidation)
	}

	matchUUID := uuid.NewString()
	result, err := tx.tx.ExecContext(ctx,
		"INSERT INTO potential_match (uuid, created, updated, version, job_id, max_match_probability) VALUES (?, ?, ?, 1, ?, ?)",
		matchUUID, formatTime(now), formatTime(now), jobID, maxProbability)
	if err != nil {
		return nil, fmt.Errorf("insert potential match: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("potential match id: %w", err)
	}

	for _, personID := range personIDs {
		if _, err := tx.tx.ExecContext(ctx,
			"INSERT INTO potential_match_person (potential_match_id, person_id) VALUES (?, ?)",
			id, personID); err != nil {
			return nil, fmt.Errorf("insert potential match member %d: %w", personID, err)
		}
	}
	for _, prediction := range predictions {
		if _, err := tx.tx.ExecContext(ctx,
			"INSERT INTO prediction_result (created, job_id, potential_match_id, match_probability, person_record_l_id, person_record_r_id) VALUES (?, ?, ?, ?, ?, ?)",
			formatTime(now), jobID, id, prediction.MatchProbability, prediction.RecordLID, prediction.RecordRID); err != nil {
			return nil, fmt.Errorf("insert prediction result: %w", err)
		}
	}

	return &PotentialMatch{
		ID:                  id,
		UUID:                matchUUID,
		Created:             now,
		Updated:             now,
		Version:             1,
		JobID:               jobID,
		MaxMatchProbability: maxProbability,
	}, nil
}

// DeletePotentialMatch removes a potential match; members and prediction
// results cascade away with it.
func (tx *Tx) DeletePotentialMatch(ctx context.Context, id int64) error {
	result, err := tx.tx.ExecContext(ctx, "DELETE FROM potential_match WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete potential match: %w", err)
	}
	return requireOneRow(result, fmt.Sprintf("potential match %d", id))
}

// LivePotentialMatchSets returns every live potential match id mapped to its
// sorted person-member ids.
func (tx *Tx) LivePotentialMatchSets(ctx context.Context) (map[int64][]int64, error) {
	rows, err := tx.tx.QueryContext(ctx,
		"SELECT potential_match_id, person_id FROM potential_match_person ORDER BY potential_match_id, person_id")
	if err != nil {
		return nil, fmt.Errorf("query potential match members: %w", err)
	}
	defer rows.Close()

	sets := make(map[int64][]int64)
	for rows.Next() {
		var matchID, personID int64
		if err := rows.Scan(&matchID, &personID); err != nil {
			return nil, fmt.Errorf("scan potential match member: %w", err)
		}
		sets[matchID] = append(sets[matchID], personID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate potential match members: %w", err)
	}
	for _, members := range sets {
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	}
	return sets, nil
}

// GetPotentialMatchByUUID loads one potential match inside a transaction.
func (tx *Tx) GetPotentialMatchByUUID(ctx context.Context, matchUUID string) (*PotentialMatch, error) {
	row := tx.tx.QueryRowContext(ctx,
		"SELECT "+potentialMatchColumns+" FROM potential_match WHERE uuid = ?", matchUUID)
	match, err := scanPotentialMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("potential match %s: %w", matchUUID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get potential match %s: %w", matchUUID, err)
	}
	return match, nil
}

// PotentialMatchMembers lists the person members of one potential match with
// the records each currently holds.
func (tx *Tx) PotentialMatchMembers(ctx context.Context, matchID int64) ([]*PotentialMatchMember, error) {
	rows, err := tx.tx.QueryContext(ctx,
		`SELECT p.id, p.uuid, p.version, r.id
		FROM potential_match_person m
		JOIN person p ON p.id = m.person_id
		JOIN person_record r ON r.person_id = p.id
		WHERE m.potential_match_id = ?
		ORDER BY p.id, r.id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("query potential match members: %w", err)
	}
	defer rows.Close()

	var members []*PotentialMatchMember
	for rows.Next() {
		var member PotentialMatchMember
		if err := rows.Scan(&member.PersonID, &member.PersonUUID, &member.PersonVersion, &member.RecordID); err != nil {
			return nil, fmt.Errorf("scan potential match member: %w", err)
		}
		members = append(members, &member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate potential match members: %w", err)
	}
	return members, nil
}

// PredictionResultsForMatch lists the pairwise scores behind one potential
// match.
func (tx *Tx) PredictionResultsForMatch(ctx context.Context, matchID int64) ([]*PredictionResult, error) {
	rows, err := tx.tx.QueryContext(ctx,
		`SELECT id, created, job_id, potential_match_id, match_probability, person_record_l_id, person_record_r_id
		FROM prediction_result WHERE potential_match_id = ? ORDER BY id ASC`, matchID)
	if err != nil {
		return nil, fmt.Errorf("query prediction results: %w", err)
	}
	defer rows.Close()

	var results []*PredictionResult
	for rows.Next() {
		var (
			prediction PredictionResult
			created    string
		)
		if err := rows.Scan(&prediction.ID, &created, &prediction.JobID, &prediction.PotentialMatchID,
			&prediction.MatchProbability, &prediction.RecordLID, &prediction.RecordRID); err != nil {
			return nil, fmt.Errorf("scan prediction result: %w", err)
		}
		createdAt, err := parseTime(created)
		if err != nil {
			return nil, fmt.Errorf("parse prediction created: %w", err)
		}
		prediction.Created = createdAt
		results = append(results, &prediction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prediction results: %w", err)
	}
	return results, nil
}

// ListPotentialMatches returns live potential matches, newest first. A
// non-empty term keeps only matches with a member record whose first or last
// name contains it, case-insensitively; minProbability keeps only matches at
// or above that probability.
func (s *Store) ListPotentialMatches(ctx context.Context, term string, minProbability float64) ([]*PotentialMatch, error) {
	query := "SELECT DISTINCT pm.id, pm.uuid, pm.created, pm.updated, pm.version, pm.job_id, pm.max_match_probability FROM potential_match pm"
	args := []any{}
	if term != "" {
		folded := foldForSearch(term)
		query += ` JOIN potential_match_person m ON m.potential_match_id = pm.id
			JOIN person_record r ON r.person_id = m.person_id`
		query += " WHERE (instr(r.first_name_folded, ?) > 0 OR instr(r.last_name_folded, ?) > 0) AND pm.max_match_probability >= ?"
		args = append(args, folded, folded, minProbability)
	} else {
		query += " WHERE pm.max_match_probability >= ?"
		args = append(args, minProbability)
	}
	query += " ORDER BY pm.id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list potential matches: %w", err)
	}
	defer rows.Close()

	var matches []*PotentialMatch
	for rows.Next() {
		match, err := scanPotentialMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan potential match: %w", err)
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate potential matches: %w", err)
	}
	return matches, nil
}

func scanPotentialMatch(row scanner) (*PotentialMatch, error) {
	var (
		match   PotentialMatch
		created string
		updated string
	)
	if err := row.Scan(&match.ID, &match.UUID, &created, &updated, &match.Version, &match.JobID, &match.MaxMatchProbability); err != nil {
		return nil, err
	}
	createdAt, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse potential match created: %w", err)
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return nil, fmt.Errorf("parse potential match updated: %w", err)
	}
	match.Created = createdAt
	match.Updated = updatedAt
	return &match, nil
}
