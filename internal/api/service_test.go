package api_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"empi/internal/api"
	"empi/internal/commit"
	"empi/internal/identity"
	"empi/internal/importer"
	"empi/internal/objstore"
	"empi/internal/store"
	"empi/internal/testsupport"
)

type matchFixture struct {
	svc     *api.Service
	store   *store.Store
	personA *store.Person
	personB *store.Person
	recordA *store.PersonRecord
	recordB *store.PersonRecord
	match   *store.PotentialMatch
}

func newMatchFixture(t *testing.T, probability float64) *matchFixture {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	svc := api.NewService(st, importer.New(st, objstore.NewLocal(), nil), commit.New(st, nil), nil)

	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)
	personA, recordA := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Maria", "Silva", "100"))
	personB, recordB := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Marie", "Silva", "200"))

	f := &matchFixture{svc: svc, store: st, personA: personA, personB: personB, recordA: recordA, recordB: recordB}
	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		match, err := tx.CreatePotentialMatch(context.Background(), job.ID, probability,
			[]int64{personA.ID, personB.ID},
			[]store.PredictionInput{{MatchProbability: probability, RecordLID: recordA.ID, RecordRID: recordB.ID}},
			time.Now().UTC())
		if err != nil {
			return err
		}
		f.match = match
		return nil
	})
	if err != nil {
		t.Fatalf("seed potential match: %v", err)
	}
	return f
}

func TestGetPotentialMatchAssemblesDetail(t *testing.T) {
	f := newMatchFixture(t, 0.72)
	ctx := context.Background()

	detail, err := f.svc.GetPotentialMatch(ctx, f.match.UUID)
	if err != nil {
		t.Fatalf("GetPotentialMatch failed: %v", err)
	}
	if detail.MaxMatchProbability != 0.72 {
		t.Fatalf("expected max probability 0.72, got %v", detail.MaxMatchProbability)
	}
	if len(detail.Persons) != 2 {
		t.Fatalf("expected 2 persons, got %d", len(detail.Persons))
	}
	for _, person := range detail.Persons {
		if len(person.Records) != 1 {
			t.Fatalf("person %s: expected 1 record, got %d", person.UUID, len(person.Records))
		}
	}
	if len(detail.Results) != 1 || detail.Results[0].MatchProbability != 0.72 {
		t.Fatalf("unexpected prediction results: %+v", detail.Results)
	}

	if _, err := f.svc.GetPotentialMatch(ctx, "no-such-match"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown match, got %v", err)
	}
}

func TestCommitMatchAttributesCaller(t *testing.T) {
	f := newMatchFixture(t, 0.8)
	ctx := identity.WithCaller(context.Background(), &identity.Caller{Subject: "reviewer@example.org", Role: identity.RoleReviewer})

	version := f.personA.Version
	result, err := f.svc.CommitMatch(ctx, commit.Request{
		PotentialMatchUUID:    f.match.UUID,
		PotentialMatchVersion: f.match.Version,
		Updates: []commit.PersonUpdate{
			{UUID: f.personA.UUID, Version: &version, RecordIDs: []int64{f.recordA.ID, f.recordB.ID}},
		},
		Comments: []commit.RecordComment{{RecordID: f.recordB.ID, Note: "same patient, name variant"}},
	})
	if err != nil {
		t.Fatalf("CommitMatch failed: %v", err)
	}
	if len(result.DeletedPersonUUIDs) != 1 || result.DeletedPersonUUIDs[0] != f.personB.UUID {
		t.Fatalf("expected %s deleted, got %v", f.personB.UUID, result.DeletedPersonUUIDs)
	}

	notes, err := f.store.NotesForRecord(ctx, f.recordB.ID)
	if err != nil {
		t.Fatalf("NotesForRecord failed: %v", err)
	}
	if len(notes) != 1 || notes[0].Author != "reviewer@example.org" {
		t.Fatalf("expected note attributed to caller, got %+v", notes)
	}
}
