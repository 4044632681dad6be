package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// JobStatus represents the lifecycle of a matching or export job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobKind distinguishes record imports from exports.
type JobKind string

const (
	JobKindImport JobKind = "import"
	JobKindExport JobKind = "export"
)

var jobStatuses = map[JobStatus]struct{}{
	JobPending:   {},
	JobRunning:   {},
	JobSucceeded: {},
	JobFailed:    {},
}

// ParseJobStatus converts a string into a known JobStatus.
func ParseJobStatus(value string) (JobStatus, bool) {
	normalized := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	_, ok := jobStatuses[normalized]
	return normalized, ok
}

// Terminal reports whether the status is succeeded or failed.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job is one matching or export run.
type Job struct {
	ID           int64
	Created      time.Time
	Updated      time.Time
	ConfigID     int64
	SourceURI    string
	Kind         JobKind
	Status       JobStatus
	Reason       string
	RunnerHandle string
}

// MatchConfig is an immutable snapshot of comparison rules and thresholds.
type MatchConfig struct {
	ID                      int64
	Created                 time.Time
	PotentialMatchThreshold float64
	AutoMatchThreshold      float64
	ComparisonRules         string
}

// Person is a cluster identity: the system's current belief about one
// real-world individual.
type Person struct {
	ID          int64
	UUID        string
	Created     time.Time
	Updated     time.Time
	Version     int64
	RecordCount int64
}

// RecordFields holds the immutable demographic payload of a person record.
type RecordFields struct {
	DataSource           string
	SourcePersonID       string
	FirstName            string
	LastName             string
	Sex                  string
	Race                 string
	BirthDate            string
	DeathDate            string
	SocialSecurityNumber string
	Address              string
	City                 string
	State                string
	ZipCode              string
	County               string
	Phone                string
}

// Digest returns the sha256 over all demographic fields, used to drop exact
// duplicate records at import.
func (f RecordFields) Digest() string {
	h := sha256.New()
	for _, field := range []string{
		f.DataSource, f.SourcePersonID, f.FirstName, f.LastName,
		f.Sex, f.Race, f.BirthDate, f.DeathDate,
		f.SocialSecurityNumber, f.Address, f.City, f.State,
		f.ZipCode, f.County, f.Phone,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PersonRecord is one source-system record. The demographic fields are
// immutable once created; only person membership and review timestamps move.
type PersonRecord struct {
	ID                int64
	Created           time.Time
	JobID             int64
	PersonID          int64
	PersonUpdated     time.Time
	MatchedOrReviewed *time.Time
	SHA256            string
	Fields            RecordFields
}

// PotentialMatch is an unresolved cluster awaiting human review.
type PotentialMatch struct {
	ID                  int64
	UUID                string
	Created             time.Time
	Updated             time.Time
	Version             int64
	JobID               int64
	MaxMatchProbability float64
}

// PredictionResult is one scored pairwise comparison justifying a potential
// match.
type PredictionResult struct {
	ID               int64
	Created          time.Time
	JobID            int64
	PotentialMatchID int64
	MatchProbability float64
	RecordLID        int64
	RecordRID        int64
}

// PotentialMatchMember links a potential match to one record and its owning
// person, as observed when the potential match detail is assembled.
type PotentialMatchMember struct {
	PersonID      int64
	PersonUUID    string
	PersonVersion int64
	RecordID      int64
}

// PersonRecordNote is reviewer commentary attached to one record.
type PersonRecordNote struct {
	ID       int64
	Created  time.Time
	RecordID int64
	Note     string
	Author   string
}

// MatchEventType classifies entries in the match audit trail.
type MatchEventType string

const (
	EventNewIDs      MatchEventType = "new-ids"
	EventAutoMatches MatchEventType = "auto-matches"
	EventManualMatch MatchEventType = "manual-match"
)

// MatchEvent records one mutation of match state for auditing.
type MatchEvent struct {
	ID      int64
	Created time.Time
	JobID   *int64
	Type    MatchEventType
}
