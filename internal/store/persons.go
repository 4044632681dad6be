package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const personColumns = "id, uuid, created, updated, version, record_count"

// CreatePerson inserts a fresh person identity with version 1 and no records.
// Callers attach records and refresh the count inside the same transaction.
func (tx *Tx) CreatePerson(ctx context.Context, now time.Time) (*Person, error) {
	personUUID := uuid.NewString()
	result, err := tx.tx.ExecContext(ctx,
		"INSERT INTO person (uuid, created, updated, version, record_count) VALUES (?, ?, ?, 1, 0)",
		personUUID, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert person: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("person id: %w", err)
	}
	return &Person{
		ID:      id,
		UUID:    personUUID,
		Created: now,
		Updated: now,
		Version: 1,
	}, nil
}

// GetPerson loads one person by internal id inside a transaction.
func (tx *Tx) GetPerson(ctx context.Context, id int64) (*Person, error) {
	row := tx.tx.QueryRowContext(ctx, "SELECT "+personColumns+" FROM person WHERE id = ?", id)
	person, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person %d: %w", id, err)
	}
	return person, nil
}

// GetPersonByUUID loads one person by public uuid inside a transaction.
func (tx *Tx) GetPersonByUUID(ctx context.Context, personUUID string) (*Person, error) {
	row := tx.tx.QueryRowContext(ctx, "SELECT "+personColumns+" FROM person WHERE uuid = ?", personUUID)
	person, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person %s: %w", personUUID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person %s: %w", personUUID, err)
	}
	return person, nil
}

// BumpPersonVersion increments a person's version only when the stored version
// still matches the caller's expectation.
func (tx *Tx) BumpPersonVersion(ctx context.Context, person *Person, expectedVersion int64, now time.Time) error {
	result, err := tx.tx.ExecContext(ctx,
		"UPDATE person SET version = version + 1, updated = ? WHERE id = ? AND version = ?",
		formatTime(now), person.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("bump person version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("bump person version affected: %w", err)
	}
	if affected == 0 {
		return newVersionConflict("person", person.UUID, expectedVersion)
	}
	person.Version = expectedVersion + 1
	person.Updated = now
	return nil
}

// RefreshPersonRecordCount recomputes the denormalized record count.
func (tx *Tx) RefreshPersonRecordCount(ctx context.Context, personID int64) error {
	_, err := tx.tx.ExecContext(ctx,
		"UPDATE person SET record_count = (SELECT COUNT(1) FROM person_record WHERE person_id = ?) WHERE id = ?",
		personID, personID)
	if err != nil {
		return fmt.Errorf("refresh person record count: %w", err)
	}
	return nil
}

// DeletePerson removes a person that holds no records. Persons emptied by a
// manual commit are deleted rather than kept as hollow identities.
func (tx *Tx) DeletePerson(ctx context.Context, personID int64) error {
	var remaining int
	row := tx.tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM person_record WHERE person_id = ?", personID)
	if err := row.Scan(&remaining); err != nil {
		return fmt.Errorf("count person records: %w", err)
	}
	if remaining > 0 {
		return fmt.Errorf("%w: person %d still holds %d records", ErrValidation, personID, remaining)
	}
	if _, err := tx.tx.ExecContext(ctx, "DELETE FROM potential_match_person WHERE person_id = ?", personID); err != nil {
		return fmt.Errorf("detach person from potential matches: %w", err)
	}
	result, err := tx.tx.ExecContext(ctx, "DELETE FROM person WHERE id = ?", personID)
	if err != nil {
		return fmt.Errorf("delete person: %w", err)
	}
	return requireOneRow(result, fmt.Sprintf("person %d", personID))
}

// GetPersonDetail returns a person and all records it currently holds.
func (s *Store) GetPersonDetail(ctx context.Context, personUUID string) (*Person, []*PersonRecord, error) {
	var (
		person  *Person
		records []*PersonRecord
	)
	err := s.WithTx(ctx, func(tx *Tx) error {
		found, err := tx.GetPersonByUUID(ctx, personUUID)
		if err != nil {
			return err
		}
		person = found
		records, err = tx.RecordsForPersons(ctx, []int64{found.ID})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return person, records, nil
}

// SearchPersons returns persons holding at least one record whose first or
// last name contains the term, case-insensitively. An empty term lists all
// persons.
func (s *Store) SearchPersons(ctx context.Context, term string) ([]*Person, error) {
	query := "SELECT DISTINCT p.id, p.uuid, p.created, p.updated, p.version, p.record_count FROM person p"
	args := []any{}
	if term != "" {
		folded := foldForSearch(term)
		query += ` JOIN person_record r ON r.person_id = p.id
			WHERE instr(r.first_name_folded, ?) > 0
			OR instr(r.last_name_folded, ?) > 0`
		args = append(args, folded, folded)
	}
	query += " ORDER BY p.id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search persons: %w", err)
	}
	defer rows.Close()

	var persons []*Person
	for rows.Next() {
		person, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, person)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, nil
}

func scanPerson(row scanner) (*Person, error) {
	var (
		person  Person
		created string
		updated string
	)
	if err := row.Scan(&person.ID, &person.UUID, &created, &updated, &person.Version, &person.RecordCount); err != nil {
		return nil, err
	}
	createdAt, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse person created: %w", err)
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return nil, fmt.Errorf("parse person updated: %w", err)
	}
	person.Created = createdAt
	person.Updated = updatedAt
	return &person, nil
}
