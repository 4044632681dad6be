package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const recordColumns = `id, created, job_id, person_id, person_updated, matched_or_reviewed, sha256,
	data_source, source_person_id, first_name, last_name, sex, race, birth_date, death_date,
	social_security_number, address, city, state, zip_code, county, phone`

// InsertPersonRecord stores one immutable source record under a person.
func (tx *Tx) InsertPersonRecord(ctx context.Context, jobID, personID int64, sha string, fields RecordFields, now time.Time) (*PersonRecord, error) {
	result, err := tx.tx.ExecContext(ctx,
		`INSERT INTO person_record (created, job_id, person_id, person_updated, sha256,
			data_source, source_person_id, first_name, last_name, sex, race, birth_date, death_date,
			social_security_number, address, city, state, zip_code, county, phone,
			first_name_folded, last_name_folded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(now), jobID, personID, formatTime(now), sha,
		fields.DataSource, fields.SourcePersonID, fields.FirstName, fields.LastName,
		fields.Sex, fields.Race, fields.BirthDate, fields.DeathDate,
		fields.SocialSecurityNumber, fields.Address, fields.City, fields.State,
		fields.ZipCode, fields.County, fields.Phone,
		foldForSearch(fields.FirstName), foldForSearch(fields.LastName))
	if err != nil {
		return nil, fmt.Errorf("insert person record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("person record id: %w", err)
	}
	return &PersonRecord{
		ID:            id,
		Created:       now,
		JobID:         jobID,
		PersonID:      personID,
		PersonUpdated: now,
		SHA256:        sha,
		Fields:        fields,
	}, nil
}

// ExistingSHA256s reports which of the given digests are already stored.
func (tx *Tx) ExistingSHA256s(ctx context.Context, digests []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(digests))
	if len(digests) == 0 {
		return existing, nil
	}
	args := make([]any, len(digests))
	for i, digest := range digests {
		args[i] = digest
	}
	rows, err := tx.tx.QueryContext(ctx,
		"SELECT DISTINCT sha256 FROM person_record WHERE sha256 IN ("+makePlaceholders(len(digests))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("query existing digests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var digest string
		if err := rows.Scan(&digest); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		existing[digest] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digests: %w", err)
	}
	return existing, nil
}

// ListAllRecords loads every record for a full matching pass.
func (tx *Tx) ListAllRecords(ctx context.Context) ([]*PersonRecord, error) {
	rows, err := tx.tx.QueryContext(ctx, "SELECT "+recordColumns+" FROM person_record ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// RecordsForPersons loads the records currently held by the given persons.
func (tx *Tx) RecordsForPersons(ctx context.Context, personIDs []int64) ([]*PersonRecord, error) {
	if len(personIDs) == 0 {
		return nil, nil
	}
	rows, err := tx.tx.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM person_record WHERE person_id IN ("+makePlaceholders(len(personIDs))+") ORDER BY id ASC",
		int64Args(personIDs)...)
	if err != nil {
		return nil, fmt.Errorf("records for persons: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// GetRecord loads one record inside a transaction.
func (tx *Tx) GetRecord(ctx context.Context, id int64) (*PersonRecord, error) {
	row := tx.tx.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM person_record WHERE id = ?", id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person record %d: %w", id, err)
	}
	return record, nil
}

// MoveRecord reassigns a record to another person and stamps the membership
// change time.
func (tx *Tx) MoveRecord(ctx context.Context, recordID, toPersonID int64, now time.Time) error {
	result, err := tx.tx.ExecContext(ctx,
		"UPDATE person_record SET person_id = ?, person_updated = ? WHERE id = ?",
		toPersonID, formatTime(now), recordID)
	if err != nil {
		return fmt.Errorf("move record: %w", err)
	}
	return requireOneRow(result, fmt.Sprintf("person record %d", recordID))
}

// StampMatchedOrReviewed marks records as having passed through matching or
// human review. Already stamped records keep their original timestamp.
func (tx *Tx) StampMatchedOrReviewed(ctx context.Context, recordIDs []int64, now time.Time) error {
	if len(recordIDs) == 0 {
		return nil
	}
	args := append([]any{formatTime(now)}, int64Args(recordIDs)...)
	_, err := tx.tx.ExecContext(ctx,
		"UPDATE person_record SET matched_or_reviewed = ? WHERE matched_or_reviewed IS NULL AND id IN ("+makePlaceholders(len(recordIDs))+")",
		args...)
	if err != nil {
		return fmt.Errorf("stamp matched or reviewed: %w", err)
	}
	return nil
}

// RecordsByJob lists the records ingested by one job, for export.
func (s *Store) RecordsByJob(ctx context.Context, jobID int64) ([]*PersonRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM person_record WHERE job_id = ? ORDER BY id ASC", jobID)
	if err != nil {
		return nil, fmt.Errorf("records by job: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// AllRecords lists every stored record, for export.
func (s *Store) AllRecords(ctx context.Context) ([]*PersonRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM person_record ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("all records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ExportRow pairs a record with its owning person's public uuid.
type ExportRow struct {
	PersonUUID string
	Record     *PersonRecord
}

// ExportRows lists every record joined with its person uuid, for export.
func (s *Store) ExportRows(ctx context.Context) ([]ExportRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.uuid, r.id, r.created, r.job_id, r.person_id, r.person_updated, r.matched_or_reviewed, r.sha256,
			r.data_source, r.source_person_id, r.first_name, r.last_name, r.sex, r.race, r.birth_date, r.death_date,
			r.social_security_number, r.address, r.city, r.state, r.zip_code, r.county, r.phone
		FROM person_record r JOIN person p ON p.id = r.person_id ORDER BY r.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("export rows: %w", err)
	}
	defer rows.Close()

	var exported []ExportRow
	for rows.Next() {
		var (
			row           ExportRow
			record        PersonRecord
			created       string
			personUpdated string
			reviewed      sql.NullString
		)
		if err := rows.Scan(&row.PersonUUID, &record.ID, &created, &record.JobID, &record.PersonID, &personUpdated, &reviewed, &record.SHA256,
			&record.Fields.DataSource, &record.Fields.SourcePersonID, &record.Fields.FirstName, &record.Fields.LastName,
			&record.Fields.Sex, &record.Fields.Race, &record.Fields.BirthDate, &record.Fields.DeathDate,
			&record.Fields.SocialSecurityNumber, &record.Fields.Address, &record.Fields.City, &record.Fields.State,
			&record.Fields.ZipCode, &record.Fields.County, &record.Fields.Phone); err != nil {
			return nil, fmt.Errorf("scan export row: %w", err)
		}
		createdAt, err := parseTime(created)
		if err != nil {
			return nil, fmt.Errorf("parse export created: %w", err)
		}
		personUpdatedAt, err := parseTime(personUpdated)
		if err != nil {
			return nil, fmt.Errorf("parse export person_updated: %w", err)
		}
		record.Created = createdAt
		record.PersonUpdated = personUpdatedAt
		if reviewed.Valid {
			reviewedAt, err := parseTime(reviewed.String)
			if err != nil {
				return nil, fmt.Errorf("parse export matched_or_reviewed: %w", err)
			}
			record.MatchedOrReviewed = &reviewedAt
		}
		row.Record = &record
		exported = append(exported, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export rows: %w", err)
	}
	return exported, nil
}

func collectRecords(rows *sql.Rows) ([]*PersonRecord, error) {
	var records []*PersonRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate person records: %w", err)
	}
	return records, nil
}

func scanRecord(row scanner) (*PersonRecord, error) {
	var (
		record        PersonRecord
		created       string
		personUpdated string
		reviewed      sql.NullString
	)
	if err := row.Scan(&record.ID, &created, &record.JobID, &record.PersonID, &personUpdated, &reviewed, &record.SHA256,
		&record.Fields.DataSource, &record.Fields.SourcePersonID, &record.Fields.FirstName, &record.Fields.LastName,
		&record.Fields.Sex, &record.Fields.Race, &record.Fields.BirthDate, &record.Fields.DeathDate,
		&record.Fields.SocialSecurityNumber, &record.Fields.Address, &record.Fields.City, &record.Fields.State,
		&record.Fields.ZipCode, &record.Fields.County, &record.Fields.Phone); err != nil {
		return nil, err
	}
	createdAt, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse record created: %w", err)
	}
	personUpdatedAt, err := parseTime(personUpdated)
	if err != nil {
		return nil, fmt.Errorf("parse record person_updated: %w", err)
	}
	record.Created = createdAt
	record.PersonUpdated = personUpdatedAt
	if reviewed.Valid {
		reviewedAt, err := parseTime(reviewed.String)
		if err != nil {
			return nil, fmt.Errorf("parse record matched_or_reviewed: %w", err)
		}
		record.MatchedOrReviewed = &reviewedAt
	}
	return &record, nil
}
