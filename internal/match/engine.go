// Package match implements the clustering engine: it turns pairwise
// probabilities from the comparison service into person merges and potential
// matches.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"empi/internal/comparator"
	"empi/internal/logging"
	"empi/internal/store"
)

// Engine runs one full matching pass over the record corpus.
type Engine struct {
	store      *store.Store
	comparator comparator.Client
	logger     *slog.Logger
}

// New builds a matching engine.
func New(st *store.Store, client comparator.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		store:      st,
		comparator: client,
		logger:     logging.WithComponent(logger, "match"),
	}
}

// Run scores every stored record pair under the job's configuration, merges
// persons connected above the auto threshold, and records potential matches
// for components that only clear the review threshold. The mutation phase
// happens in a single transaction, so a crash mid-run leaves match state
// untouched.
func (e *Engine) Run(ctx context.Context, jobID int64) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	matchCfg, err := e.store.GetMatchConfig(ctx, job.ConfigID)
	if err != nil {
		return err
	}

	var records []*store.PersonRecord
	if err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		records, err = tx.ListAllRecords(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("load records: %w", err)
	}

	wire := make([]comparator.Record, len(records))
	for i, record := range records {
		wire[i] = comparator.RecordFromStore(record)
	}
	pairs, err := e.comparator.ComparePairs(ctx, matchCfg.ComparisonRules, wire)
	if err != nil {
		return err
	}
	e.logger.Info("comparison complete",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Int("record_count", len(records)),
		logging.Int("scored_pairs", len(pairs)))

	return e.apply(ctx, job, matchCfg, pairs)
}

func (e *Engine) apply(ctx context.Context, job *store.Job, matchCfg *store.MatchConfig, pairs []comparator.ScoredPair) error {
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC()

		// Reload inside the transaction: a manual commit may have moved
		// records while the comparison service was running.
		records, err := tx.ListAllRecords(ctx)
		if err != nil {
			return err
		}
		recordByID := make(map[int64]*store.PersonRecord, len(records))
		for _, record := range records {
			recordByID[record.ID] = record
		}

		valid := pairs[:0]
		for _, pair := range pairs {
			if recordByID[pair.RecordLID] == nil || recordByID[pair.RecordRID] == nil {
				continue
			}
			valid = append(valid, pair)
		}
		pairs = valid

		merged, err := e.applyAutoMerges(ctx, tx, job, matchCfg, records, recordByID, pairs, now)
		if err != nil {
			return err
		}
		return e.applyPotentialMatches(ctx, tx, job, matchCfg, records, recordByID, pairs, merged, now)
	})
}

// applyAutoMerges unions records connected above the auto threshold and
// collapses each resulting component onto one surviving person, stamping the
// component's records as matched. A component that would fold together two or
// more persons that already passed through matching or review is withheld;
// joining those takes a reviewer decision. It returns the ids of potential
// matches invalidated by person deletion.
func (e *Engine) applyAutoMerges(ctx context.Context, tx *store.Tx, job *store.Job, matchCfg *store.MatchConfig, records []*store.PersonRecord, recordByID map[int64]*store.PersonRecord, pairs []comparator.ScoredPair, now time.Time) (map[int64]bool, error) {
	graph := newUnionFind()
	for _, record := range records {
		graph.add(record.ID)
	}
	byPerson := make(map[int64][]int64)
	for _, record := range records {
		byPerson[record.PersonID] = append(byPerson[record.PersonID], record.ID)
	}
	for _, ids := range byPerson {
		for i := 1; i < len(ids); i++ {
			graph.union(ids[0], ids[i])
		}
	}

	autoEdges := 0
	for _, pair := range pairs {
		if pair.MatchProbability < matchCfg.AutoMatchThreshold {
			continue
		}
		graph.union(pair.RecordLID, pair.RecordRID)
		autoEdges++
	}

	staleMatches := make(map[int64]bool)
	if autoEdges == 0 {
		return staleMatches, nil
	}

	liveSets, err := tx.LivePotentialMatchSets(ctx)
	if err != nil {
		return nil, err
	}
	matchesByPerson := make(map[int64][]int64)
	for matchID, personIDs := range liveSets {
		for _, personID := range personIDs {
			matchesByPerson[personID] = append(matchesByPerson[personID], matchID)
		}
	}

	mergedAny := false
	for _, component := range graph.components() {
		personIDs := distinctPersonIDs(component, recordByID)
		if len(personIDs) < 2 {
			continue
		}
		if reviewedPersonCount(component, recordByID) >= 2 {
			continue
		}

		persons := make([]*store.Person, 0, len(personIDs))
		for _, personID := range personIDs {
			person, err := tx.GetPerson(ctx, personID)
			if err != nil {
				return nil, err
			}
			persons = append(persons, person)
		}
		survivor := choosePerson(persons)

		for _, recordID := range component {
			record := recordByID[recordID]
			if record.PersonID == survivor.ID {
				continue
			}
			if err := tx.MoveRecord(ctx, recordID, survivor.ID, now); err != nil {
				return nil, err
			}
			record.PersonID = survivor.ID
		}
		if err := tx.BumpPersonVersion(ctx, survivor, survivor.Version, now); err != nil {
			return nil, err
		}
		if err := tx.RefreshPersonRecordCount(ctx, survivor.ID); err != nil {
			return nil, err
		}

		for _, person := range persons {
			if person.ID == survivor.ID {
				continue
			}
			for _, matchID := range matchesByPerson[person.ID] {
				staleMatches[matchID] = true
			}
			if err := tx.DeletePerson(ctx, person.ID); err != nil {
				return nil, err
			}
		}
		if err := tx.StampMatchedOrReviewed(ctx, component, now); err != nil {
			return nil, err
		}
		mergedAny = true
		e.logger.Info("auto-merged persons",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Int64(logging.FieldPersonID, survivor.ID),
			logging.Int("merged_persons", len(persons)-1))
	}

	if mergedAny {
		if err := tx.InsertMatchEvent(ctx, &job.ID, store.EventAutoMatches, now); err != nil {
			return nil, err
		}
	}
	return staleMatches, nil
}

// applyPotentialMatches groups persons connected above the review threshold
// into potential matches. A component whose exact person set already has a
// live potential match is left alone; components that overlap a live match
// with a different person set supersede it.
func (e *Engine) applyPotentialMatches(ctx context.Context, tx *store.Tx, job *store.Job, matchCfg *store.MatchConfig, records []*store.PersonRecord, recordByID map[int64]*store.PersonRecord, pairs []comparator.ScoredPair, staleMatches map[int64]bool, now time.Time) error {
	graph := newUnionFind()
	for _, record := range records {
		graph.add(record.ID)
	}
	byPerson := make(map[int64][]int64)
	for _, record := range records {
		byPerson[record.PersonID] = append(byPerson[record.PersonID], record.ID)
	}
	for _, ids := range byPerson {
		for i := 1; i < len(ids); i++ {
			graph.union(ids[0], ids[i])
		}
	}
	for _, pair := range pairs {
		if pair.MatchProbability >= matchCfg.PotentialMatchThreshold {
			graph.union(pair.RecordLID, pair.RecordRID)
		}
	}

	liveSets, err := tx.LivePotentialMatchSets(ctx)
	if err != nil {
		return err
	}
	matchesByPerson := make(map[int64][]int64)
	for matchID, personIDs := range liveSets {
		for _, personID := range personIDs {
			matchesByPerson[personID] = append(matchesByPerson[personID], matchID)
		}
	}

	deleted := make(map[int64]bool)
	deleteMatch := func(matchID int64) error {
		if deleted[matchID] {
			return nil
		}
		if err := tx.DeletePotentialMatch(ctx, matchID); err != nil {
			return err
		}
		deleted[matchID] = true
		return nil
	}

	for _, component := range graph.components() {
		personIDs := distinctPersonIDs(component, recordByID)
		if len(personIDs) < 2 {
			continue
		}

		componentSet := make(map[int64]bool, len(component))
		for _, recordID := range component {
			componentSet[recordID] = true
		}
		var (
			predictions []store.PredictionInput
			maxProb     float64
		)
		for _, pair := range pairs {
			if pair.MatchProbability < matchCfg.PotentialMatchThreshold {
				continue
			}
			if !componentSet[pair.RecordLID] || !componentSet[pair.RecordRID] {
				continue
			}
			predictions = append(predictions, store.PredictionInput{
				MatchProbability: pair.MatchProbability,
				RecordLID:        pair.RecordLID,
				RecordRID:        pair.RecordRID,
			})
			if pair.MatchProbability > maxProb {
				maxProb = pair.MatchProbability
			}
		}

		reuseExisting := false
		for _, personID := range personIDs {
			for _, matchID := range matchesByPerson[personID] {
				if deleted[matchID] {
					continue
				}
				if !staleMatches[matchID] && equalIDSets(liveSets[matchID], personIDs) {
					reuseExisting = true
					continue
				}
				if err := deleteMatch(matchID); err != nil {
					return err
				}
			}
		}
		if reuseExisting {
			continue
		}

		match, err := tx.CreatePotentialMatch(ctx, job.ID, maxProb, personIDs, predictions, now)
		if err != nil {
			return err
		}
		e.logger.Info("potential match recorded",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Int64(logging.FieldPotentialMatchID, match.ID),
			logging.Int("person_count", len(personIDs)),
			logging.Float64("max_match_probability", maxProb))
	}

	for matchID := range staleMatches {
		if err := deleteMatch(matchID); err != nil {
			return err
		}
	}
	return nil
}

// reviewedPersonCount counts the distinct persons in a component that already
// hold a matched-or-reviewed record. Person-internal unions guarantee every
// record of a member person is in the component.
func reviewedPersonCount(component []int64, recordByID map[int64]*store.PersonRecord) int {
	reviewed := make(map[int64]bool)
	for _, recordID := range component {
		record := recordByID[recordID]
		if record.MatchedOrReviewed != nil {
			reviewed[record.PersonID] = true
		}
	}
	return len(reviewed)
}

func distinctPersonIDs(component []int64, recordByID map[int64]*store.PersonRecord) []int64 {
	seen := make(map[int64]bool)
	var personIDs []int64
	for _, recordID := range component {
		personID := recordByID[recordID].PersonID
		if !seen[personID] {
			seen[personID] = true
			personIDs = append(personIDs, personID)
		}
	}
	sort.Slice(personIDs, func(i, j int) bool { return personIDs[i] < personIDs[j] })
	return personIDs
}

// choosePerson picks the surviving person for a merge: the one holding the
// most records, with creation time and then id as tie breakers.
func choosePerson(persons []*store.Person) *store.Person {
	survivor := persons[0]
	for _, candidate := range persons[1:] {
		switch {
		case candidate.RecordCount > survivor.RecordCount:
			survivor = candidate
		case candidate.RecordCount == survivor.RecordCount && candidate.Created.Before(survivor.Created):
			survivor = candidate
		case candidate.RecordCount == survivor.RecordCount && candidate.Created.Equal(survivor.Created) && candidate.ID < survivor.ID:
			survivor = candidate
		}
	}
	return survivor
}

func equalIDSets(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
