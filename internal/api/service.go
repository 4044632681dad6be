// Package api exposes the daemon's operations as one facade with
// transport-friendly view types. HTTP handlers and the CLI both go through
// it, so neither couples to store internals.
package api

import (
	"context"
	"log/slog"
	"sort"

	"empi/internal/commit"
	"empi/internal/identity"
	"empi/internal/importer"
	"empi/internal/logging"
	"empi/internal/store"
)

// Service is the operation facade over the store and its collaborators.
type Service struct {
	store    *store.Store
	importer *importer.Importer
	commits  *commit.Service
	logger   *slog.Logger
}

// NewService wires the facade.
func NewService(st *store.Store, imp *importer.Importer, commits *commit.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{store: st, importer: imp, commits: commits, logger: logging.WithComponent(logger, "api")}
}

// CreateConfig stores an immutable configuration snapshot.
func (s *Service) CreateConfig(ctx context.Context, potentialThreshold, autoThreshold float64, comparisonRules string) (*ConfigView, error) {
	cfg, err := s.store.CreateMatchConfig(ctx, potentialThreshold, autoThreshold, comparisonRules)
	if err != nil {
		return nil, err
	}
	return configView(cfg), nil
}

// GetConfig fetches one configuration.
func (s *Service) GetConfig(ctx context.Context, id int64) (*ConfigView, error) {
	cfg, err := s.store.GetMatchConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	return configView(cfg), nil
}

// LatestConfig fetches the most recent configuration.
func (s *Service) LatestConfig(ctx context.Context) (*ConfigView, error) {
	cfg, err := s.store.LatestMatchConfig(ctx)
	if err != nil {
		return nil, err
	}
	return configView(cfg), nil
}

// ImportRecords ingests a record file and enqueues a matching job.
func (s *Service) ImportRecords(ctx context.Context, sourceURI string, configID int64) (*ImportView, error) {
	summary, err := s.importer.ImportRecords(ctx, sourceURI, configID)
	if err != nil {
		return nil, err
	}
	return &ImportView{
		Job:        jobView(summary.Job),
		Imported:   summary.Imported,
		Duplicates: summary.Duplicates,
	}, nil
}

// ExportRecords writes current person assignments to object storage.
func (s *Service) ExportRecords(ctx context.Context, destinationURI string) (*JobView, error) {
	job, err := s.importer.ExportRecords(ctx, destinationURI)
	if err != nil {
		return nil, err
	}
	view := jobView(job)
	return &view, nil
}

// GetJob fetches one job.
func (s *Service) GetJob(ctx context.Context, id int64) (*JobView, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	view := jobView(job)
	return &view, nil
}

// ListJobs lists jobs, optionally filtered by status.
func (s *Service) ListJobs(ctx context.Context, status store.JobStatus) ([]JobView, error) {
	jobs, err := s.store.ListJobs(ctx, status)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, len(jobs))
	for i, job := range jobs {
		views[i] = jobView(job)
	}
	return views, nil
}

// GetPersons searches persons by name term. An empty term lists everyone.
func (s *Service) GetPersons(ctx context.Context, term string) ([]PersonView, error) {
	persons, err := s.store.SearchPersons(ctx, term)
	if err != nil {
		return nil, err
	}
	views := make([]PersonView, len(persons))
	for i, person := range persons {
		views[i] = personView(person, nil)
	}
	return views, nil
}

// GetPerson fetches one person with all of its records.
func (s *Service) GetPerson(ctx context.Context, personUUID string) (*PersonView, error) {
	person, records, err := s.store.GetPersonDetail(ctx, personUUID)
	if err != nil {
		return nil, err
	}
	view := personView(person, records)
	return &view, nil
}

// GetPotentialMatches lists potential matches, filtered by member name term
// and minimum probability.
func (s *Service) GetPotentialMatches(ctx context.Context, term string, minProbability float64) ([]MatchSummaryView, error) {
	matches, err := s.store.ListPotentialMatches(ctx, term, minProbability)
	if err != nil {
		return nil, err
	}
	views := make([]MatchSummaryView, len(matches))
	for i, match := range matches {
		views[i] = matchSummaryView(match)
	}
	return views, nil
}

// GetPotentialMatch assembles the full review detail for one potential match:
// member persons with their current records and the prediction results.
func (s *Service) GetPotentialMatch(ctx context.Context, matchUUID string) (*MatchDetailView, error) {
	var detail *MatchDetailView
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		match, err := tx.GetPotentialMatchByUUID(ctx, matchUUID)
		if err != nil {
			return err
		}
		members, err := tx.PotentialMatchMembers(ctx, match.ID)
		if err != nil {
			return err
		}

		personIDs := make([]int64, 0, len(members))
		seen := make(map[int64]bool)
		for _, member := range members {
			if !seen[member.PersonID] {
				seen[member.PersonID] = true
				personIDs = append(personIDs, member.PersonID)
			}
		}
		sort.Slice(personIDs, func(i, j int) bool { return personIDs[i] < personIDs[j] })

		detail = &MatchDetailView{MatchSummaryView: matchSummaryView(match)}
		for _, personID := range personIDs {
			person, err := tx.GetPerson(ctx, personID)
			if err != nil {
				return err
			}
			records, err := tx.RecordsForPersons(ctx, []int64{personID})
			if err != nil {
				return err
			}
			detail.Persons = append(detail.Persons, personView(person, records))
		}

		results, err := tx.PredictionResultsForMatch(ctx, match.ID)
		if err != nil {
			return err
		}
		for _, result := range results {
			detail.Results = append(detail.Results, PredictionView{
				MatchProbability: result.MatchProbability,
				RecordLID:        result.RecordLID,
				RecordRID:        result.RecordRID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// CommitMatch applies a reviewer decision. When the request does not name who
// performed it, the authenticated caller is used.
func (s *Service) CommitMatch(ctx context.Context, req commit.Request) (*commit.Result, error) {
	if req.PerformedBy == "" {
		if caller := identity.CallerFrom(ctx); caller != nil {
			req.PerformedBy = caller.Subject
		}
	}
	return s.commits.Commit(ctx, req)
}

// Health verifies the database connection.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}
