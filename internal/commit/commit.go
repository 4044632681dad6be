// Package commit applies reviewer decisions on potential matches. A commit
// redistributes the records held by a potential match's persons and retires
// the match, all or nothing.
package commit

import (
	"context"
	"log/slog"
	"time"

	"empi/internal/logging"
	"empi/internal/store"
)

// PersonUpdate describes the desired record set for one person after review.
// An empty UUID asks for a fresh person; existing persons carry the version
// the reviewer last saw.
type PersonUpdate struct {
	UUID      string
	Version   *int64
	RecordIDs []int64
}

// RecordComment attaches reviewer commentary to one record during a commit.
type RecordComment struct {
	RecordID int64
	Note     string
}

// Request is one reviewer decision on a potential match.
type Request struct {
	PotentialMatchUUID    string
	PotentialMatchVersion int64
	Updates               []PersonUpdate
	Comments              []RecordComment
	PerformedBy           string
}

// Result reports what a committed decision produced.
type Result struct {
	CreatedPersonUUIDs []string
	DeletedPersonUUIDs []string
	MovedRecords       int
}

// Service commits reviewer decisions.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// New builds a commit service.
func New(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{store: st, logger: logging.WithComponent(logger, "commit")}
}

// dropEmptyNewPersons removes updates that ask for a fresh person with no
// records. Reviewers building decisions incrementally may leave such stubs
// behind; they carry no information, so no empty person is created for them.
// Empty updates for existing persons stay: they mean the person loses all of
// its records and is deleted.
func dropEmptyNewPersons(updates []PersonUpdate) []PersonUpdate {
	kept := make([]PersonUpdate, 0, len(updates))
	for _, update := range updates {
		if update.UUID == "" && len(update.RecordIDs) == 0 {
			continue
		}
		kept = append(kept, update)
	}
	return kept
}

// Commit validates and applies one reviewer decision in a single transaction.
// Every validation, including the optimistic version checks, runs before the
// first mutation, so a rejected commit leaves match state untouched.
func (s *Service) Commit(ctx context.Context, req Request) (*Result, error) {
	req.Updates = dropEmptyNewPersons(req.Updates)

	var result *Result
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC()

		match, err := tx.GetPotentialMatchByUUID(ctx, req.PotentialMatchUUID)
		if err != nil {
			return err
		}
		if match.Version != req.PotentialMatchVersion {
			return &store.VersionConflictError{
				Entity:   "potential match",
				ID:       match.UUID,
				Expected: req.PotentialMatchVersion,
			}
		}

		members, err := tx.PotentialMatchMembers(ctx, match.ID)
		if err != nil {
			return err
		}
		state, err := validateRequest(req, members)
		if err != nil {
			return err
		}

		applied, err := s.apply(ctx, tx, match, req, state, now)
		if err != nil {
			return err
		}
		result = applied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) apply(ctx context.Context, tx *store.Tx, match *store.PotentialMatch, req Request, state *requestState, now time.Time) (*Result, error) {
	result := &Result{}

	// Check every person version before moving anything.
	personsByUUID := make(map[string]*store.Person, len(req.Updates))
	personsByID := make(map[int64]*store.Person, len(req.Updates))
	for _, update := range req.Updates {
		if update.UUID == "" {
			continue
		}
		person, err := tx.GetPersonByUUID(ctx, update.UUID)
		if err != nil {
			return nil, err
		}
		if person.Version != *update.Version {
			return nil, &store.VersionConflictError{
				Entity:   "person",
				ID:       person.UUID,
				Expected: *update.Version,
			}
		}
		personsByUUID[update.UUID] = person
		personsByID[person.ID] = person
	}

	created := make(map[int64]bool)
	targets := make([]*store.Person, len(req.Updates))
	for i, update := range req.Updates {
		if update.UUID != "" {
			targets[i] = personsByUUID[update.UUID]
			continue
		}
		person, err := tx.CreatePerson(ctx, now)
		if err != nil {
			return nil, err
		}
		targets[i] = person
		created[person.ID] = true
		result.CreatedPersonUUIDs = append(result.CreatedPersonUUIDs, person.UUID)
	}

	touched := make(map[int64]bool)
	for i, update := range req.Updates {
		target := targets[i]
		for _, recordID := range update.RecordIDs {
			from := state.currentPerson[recordID]
			if from == target.ID {
				continue
			}
			if err := tx.MoveRecord(ctx, recordID, target.ID, now); err != nil {
				return nil, err
			}
			result.MovedRecords++
			touched[from] = true
			touched[target.ID] = true
		}
	}

	reviewed := make([]int64, 0, len(state.currentPerson))
	for recordID := range state.currentPerson {
		reviewed = append(reviewed, recordID)
	}
	if err := tx.StampMatchedOrReviewed(ctx, reviewed, now); err != nil {
		return nil, err
	}

	// One version bump per existing person whose record set changed; fresh
	// persons already start at version 1. Member persons absent from the
	// updates lost everything and are deleted below, so their version no
	// longer matters.
	for personID := range touched {
		if err := tx.RefreshPersonRecordCount(ctx, personID); err != nil {
			return nil, err
		}
		if created[personID] {
			continue
		}
		if person, ok := personsByID[personID]; ok {
			if err := tx.BumpPersonVersion(ctx, person, person.Version, now); err != nil {
				return nil, err
			}
		}
	}

	// Persons emptied by the redistribution are deleted, not retained.
	for _, member := range state.memberPersons {
		refreshed, err := tx.GetPerson(ctx, member.ID)
		if err != nil {
			return nil, err
		}
		if refreshed.RecordCount == 0 {
			if err := tx.DeletePerson(ctx, member.ID); err != nil {
				return nil, err
			}
			result.DeletedPersonUUIDs = append(result.DeletedPersonUUIDs, member.UUID)
		}
	}

	for _, comment := range req.Comments {
		if _, err := tx.InsertPersonRecordNote(ctx, comment.RecordID, comment.Note, req.PerformedBy, now); err != nil {
			return nil, err
		}
	}

	if err := tx.DeletePotentialMatch(ctx, match.ID); err != nil {
		return nil, err
	}
	if err := tx.InsertMatchEvent(ctx, &match.JobID, store.EventManualMatch, now); err != nil {
		return nil, err
	}

	s.logger.Info("manual match committed",
		logging.Int64(logging.FieldPotentialMatchID, match.ID),
		logging.Int("moved_records", result.MovedRecords),
		logging.Int("created_persons", len(result.CreatedPersonUUIDs)),
		logging.Int("deleted_persons", len(result.DeletedPersonUUIDs)),
		logging.String("performed_by", req.PerformedBy))
	return result, nil
}
