package api

import (
	"time"

	"empi/internal/store"
)

// ConfigView is the transport representation of a match configuration.
type ConfigView struct {
	ID                      int64     `json:"id"`
	Created                 time.Time `json:"created"`
	PotentialMatchThreshold float64   `json:"potential_match_threshold"`
	AutoMatchThreshold      float64   `json:"auto_match_threshold"`
	ComparisonRules         string    `json:"comparison_rules"`
}

// JobView is the transport representation of a job.
type JobView struct {
	ID        int64     `json:"id"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
	ConfigID  int64     `json:"config_id"`
	SourceURI string    `json:"source_uri"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
}

// ImportView reports the outcome of an import request.
type ImportView struct {
	Job        JobView `json:"job"`
	Imported   int     `json:"imported"`
	Duplicates int     `json:"duplicates"`
}

// RecordView is the transport representation of a person record.
type RecordView struct {
	ID                   int64      `json:"id"`
	Created              time.Time  `json:"created"`
	MatchedOrReviewed    *time.Time `json:"matched_or_reviewed,omitempty"`
	DataSource           string     `json:"data_source"`
	SourcePersonID       string     `json:"source_person_id"`
	FirstName            string     `json:"first_name"`
	LastName             string     `json:"last_name"`
	Sex                  string     `json:"sex"`
	Race                 string     `json:"race"`
	BirthDate            string     `json:"birth_date"`
	DeathDate            string     `json:"death_date"`
	SocialSecurityNumber string     `json:"social_security_number"`
	Address              string     `json:"address"`
	City                 string     `json:"city"`
	State                string     `json:"state"`
	ZipCode              string     `json:"zip_code"`
	County               string     `json:"county"`
	Phone                string     `json:"phone"`
}

// PersonView is the transport representation of a person, with records when
// the caller asked for detail.
type PersonView struct {
	UUID        string       `json:"uuid"`
	Created     time.Time    `json:"created"`
	Updated     time.Time    `json:"updated"`
	Version     int64        `json:"version"`
	RecordCount int64        `json:"record_count"`
	Records     []RecordView `json:"records,omitempty"`
}

// PredictionView is one pairwise score behind a potential match.
type PredictionView struct {
	MatchProbability float64 `json:"match_probability"`
	RecordLID        int64   `json:"record_l_id"`
	RecordRID        int64   `json:"record_r_id"`
}

// MatchSummaryView lists a potential match without its members.
type MatchSummaryView struct {
	UUID                string    `json:"uuid"`
	Created             time.Time `json:"created"`
	Version             int64     `json:"version"`
	JobID               int64     `json:"job_id"`
	MaxMatchProbability float64   `json:"max_match_probability"`
}

// MatchDetailView carries everything a reviewer needs to decide a match.
type MatchDetailView struct {
	MatchSummaryView
	Persons []PersonView     `json:"persons"`
	Results []PredictionView `json:"results"`
}

func configView(cfg *store.MatchConfig) *ConfigView {
	return &ConfigView{
		ID:                      cfg.ID,
		Created:                 cfg.Created,
		PotentialMatchThreshold: cfg.PotentialMatchThreshold,
		AutoMatchThreshold:      cfg.AutoMatchThreshold,
		ComparisonRules:         cfg.ComparisonRules,
	}
}

func jobView(job *store.Job) JobView {
	return JobView{
		ID:        job.ID,
		Created:   job.Created,
		Updated:   job.Updated,
		ConfigID:  job.ConfigID,
		SourceURI: job.SourceURI,
		Kind:      string(job.Kind),
		Status:    string(job.Status),
		Reason:    job.Reason,
	}
}

func recordView(record *store.PersonRecord) RecordView {
	f := record.Fields
	return RecordView{
		ID:                   record.ID,
		Created:              record.Created,
		MatchedOrReviewed:    record.MatchedOrReviewed,
		DataSource:           f.DataSource,
		SourcePersonID:       f.SourcePersonID,
		FirstName:            f.FirstName,
		LastName:             f.LastName,
		Sex:                  f.Sex,
		Race:                 f.Race,
		BirthDate:            f.BirthDate,
		DeathDate:            f.DeathDate,
		SocialSecurityNumber: f.SocialSecurityNumber,
		Address:              f.Address,
		City:                 f.City,
		State:                f.State,
		ZipCode:              f.ZipCode,
		County:               f.County,
		Phone:                f.Phone,
	}
}

func personView(person *store.Person, records []*store.PersonRecord) PersonView {
	view := PersonView{
		UUID:        person.UUID,
		Created:     person.Created,
		Updated:     person.Updated,
		Version:     person.Version,
		RecordCount: person.RecordCount,
	}
	for _, record := range records {
		view.Records = append(view.Records, recordView(record))
	}
	return view
}

func matchSummaryView(match *store.PotentialMatch) MatchSummaryView {
	return MatchSummaryView{
		UUID:                match.UUID,
		Created:             match.Created,
		Version:             match.Version,
		JobID:               match.JobID,
		MaxMatchProbability: match.MaxMatchProbability,
	}
}
