package store

import (
	"context"
	"fmt"
	"time"
)

// InsertPersonRecordNote attaches reviewer commentary to one record.
func (tx *Tx) InsertPersonRecordNote(ctx context.Context, recordID int64, note, author string, now time.Time) (*PersonRecordNote, error) {
	if note == "" {
		return nil, fmt.Errorf("%w: note must not be empty", ErrValidation)
	}
	result, err := tx.tx.ExecContext(ctx,
		"INSERT INTO person_record_note (created, person_record_id, note, author) VALUES (?, ?, ?, ?)",
		formatTime(now), recordID, note, author)
	if err != nil {
		return nil, fmt.Errorf("insert person record note: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("person record note id: %w", err)
	}
	return &PersonRecordNote{ID: id, Created: now, RecordID: recordID, Note: note, Author: author}, nil
}

// NotesForRecord lists commentary on one record, oldest first.
func (s *Store) NotesForRecord(ctx context.Context, recordID int64) ([]*PersonRecordNote, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, created, person_record_id, note, author FROM person_record_note WHERE person_record_id = ? ORDER BY id ASC",
		recordID)
	if err != nil {
		return nil, fmt.Errorf("notes for record: %w", err)
	}
	defer rows.Close()

	var notes []*PersonRecordNote
	for rows.Next() {
		var (
			note    PersonRecordNote
			created string
		)
		if err := rows.Scan(&note.ID, &created, &note.RecordID, &note.Note, &note.Author); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		createdAt, err := parseTime(created)
		if err != nil {
			return nil, fmt.Errorf("parse note created: %w", err)
		}
		note.Created = createdAt
		notes = append(notes, &note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}

// InsertMatchEvent appends one entry to the match audit trail.
func (tx *Tx) InsertMatchEvent(ctx context.Context, jobID *int64, eventType MatchEventType, now time.Time) error {
	var jobArg any
	if jobID != nil {
		jobArg = *jobID
	}
	if _, err := tx.tx.ExecContext(ctx,
		"INSERT INTO match_event (created, job_id, type) VALUES (?, ?, ?)",
		formatTime(now), jobArg, string(eventType)); err != nil {
		return fmt.Errorf("insert match event: %w", err)
	}
	return nil
}

// ListMatchEvents returns the audit trail, oldest first.
func (s *Store) ListMatchEvents(ctx context.Context) ([]*MatchEvent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, created, job_id, type FROM match_event ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("list match events: %w", err)
	}
	defer rows.Close()

	var events []*MatchEvent
	for rows.Next() {
		var (
			event   MatchEvent
			created string
			jobID   *int64
			kind    string
		)
		if err := rows.Scan(&event.ID, &created, &jobID, &kind); err != nil {
			return nil, fmt.Errorf("scan match event: %w", err)
		}
		createdAt, err := parseTime(created)
		if err != nil {
			return nil, fmt.Errorf("parse match event created: %w", err)
		}
		event.Created = createdAt
		event.JobID = jobID
		event.Type = MatchEventType(kind)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match events: %w", err)
	}
	return events, nil
}
