package commit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"empi/internal/commit"
	"empi/internal/store"
	"empi/internal/testsupport"
)

type fixture struct {
	st      *store.Store
	job     *store.Job
	personA *store.Person
	personB *store.Person
	recordA *store.PersonRecord
	recordB *store.PersonRecord
	match   *store.PotentialMatch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)
	personA, recordA := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Ada", "Lovelace", "src-1"))
	personB, recordB := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Ada", "Lovelase", "src-2"))

	var match *store.PotentialMatch
	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		created, err := tx.CreatePotentialMatch(context.Background(), job.ID, 0.7,
			[]int64{personA.ID, personB.ID},
			[]store.PredictionInput{{MatchProbability: 0.7, RecordLID: recordA.ID, RecordRID: recordB.ID}},
			time.Now().UTC())
		match = created
		return err
	})
	if err != nil {
		t.Fatalf("seed potential match: %v", err)
	}

	return &fixture{st: st, job: job, personA: personA, personB: personB, recordA: recordA, recordB: recordB, match: match}
}

func int64Ptr(v int64) *int64 { return &v }

func TestCommitMergesPersons(t *testing.T) {
	f := newFixture(t)
	svc := commit.New(f.st, nil)

	ctx := context.Background()
	result, err := svc.Commit(ctx, commit.Request{
		PotentialMatchUUID:    f.match.UUID,
		PotentialMatchVersion: f.match.Version,
		Updates: []commit.PersonUpdate{
			{UUID: f.personA.UUID, Version: int64Ptr(f.personA.Version), RecordIDs: []int64{f.recordA.ID, f.recordB.ID}},
		},
		Comments:    []commit.RecordComment{{RecordID: f.recordB.ID, Note: "same patient, transposed surname"}},
		PerformedBy: "reviewer@example.org",
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if result.MovedRecords != 1 || len(result.DeletedPersonUUIDs) != 1 || result.DeletedPersonUUIDs[0] != f.personB.UUID {
		t.Fatalf("unexpected result: %#v", result)
	}

	person, records, err := f.st.GetPersonDetail(ctx, f.personA.UUID)
	if err != nil {
		t.Fatalf("GetPersonDetail failed: %v", err)
	}
	if len(records) != 2 || person.RecordCount != 2 {
		t.Fatalf("expected merged person with 2 records, got %#v", person)
	}
	if person.Version != f.personA.Version+1 {
		t.Fatalf("expected one version bump, got %d", person.Version)
	}
	for _, record := range records {
		if record.MatchedOrReviewed == nil {
			t.Fatalf("expected record %d stamped reviewed", record.ID)
		}
	}

	if _, _, err := f.st.GetPersonDetail(ctx, f.personB.UUID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected emptied person deleted, got %v", err)
	}

	matches, err := f.st.ListPotentialMatches(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListPotentialMatches failed: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected committed match removed, got %#v", matches)
	}

	notes, err := f.st.NotesForRecord(ctx, f.recordB.ID)
	if err != nil {
		t.Fatalf("NotesForRecord failed: %v", err)
	}
	if len(notes) != 1 || notes[0].Author != "reviewer@example.org" {
		t.Fatalf("unexpected notes: %#v", notes)
	}

	events, err := f.st.ListMatchEvents(ctx)
	if err != nil {
		t.Fatalf("ListMatchEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != store.EventManualMatch {
		t.Fatalf("expected manual-match event, got %#v", events)
	}
}

func TestCommitSplitBumpsVersionOnce(t *testing.T) {
	f := newFixture(t)
	svc := commit.New(f.st, nil)

	ctx := context.Background()
	result, err := svc.Commit(ctx, commit.Request{
		PotentialMatchUUID:    f.match.UUID,
		PotentialMatchVersion: f.match.Version,
		Updates: []commit.PersonUpdate{
			{UUID: f.personA.UUID, Version: int64Ptr(f.personA.Version), RecordIDs: []int64{f.recordB.ID}},
			{RecordIDs: []int64{f.recordA.ID}},
		},
		PerformedBy: "reviewer@example.org",
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(result.CreatedPersonUUIDs) != 1 {
		t.Fatalf("expected one created person, got %#v", result)
	}

	person, records, err := f.st.GetPersonDetail(ctx, f.personA.UUID)
	if err != nil {
		t.Fatalf("GetPersonDetail failed: %v", err)
	}
	if person.Version != f.personA.Version+1 {
		t.Fatalf("expected exactly one version bump, got %d", person.Version)
	}
	if len(records) != 1 || records[0].ID != f.recordB.ID {
		t.Fatalf("unexpected records after split: %#v", records)
	}

	fresh, freshRecords, err := f.st.GetPersonDetail(ctx, result.CreatedPersonUUIDs[0])
	if err != nil {
		t.Fatalf("created person lookup failed: %v", err)
	}
	if fresh.Version != 1 || len(freshRecords) != 1 || freshRecords[0].ID != f.recordA.ID {
		t.Fatalf("unexpected created person state: %#v records=%#v", fresh, freshRecords)
	}
}

func TestCommitDiscardsEmptyNewPersonUpdates(t *testing.T) {
	f := newFixture(t)
	svc := commit.New(f.st, nil)

	ctx := context.Background()
	result, err := svc.Commit(ctx, commit.Request{
		PotentialMatchUUID:    f.match.UUID,
		PotentialMatchVersion: f.match.Version,
		Updates: []commit.PersonUpdate{
			{UUID: f.personA.UUID, Version: int64Ptr(f.personA.Version), RecordIDs: []int64{f.recordA.ID, f.recordB.ID}},
			{RecordIDs: nil},
		},
		PerformedBy: "reviewer@example.org",
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(result.CreatedPersonUUIDs) != 0 {
		t.Fatalf("expected no person created for the empty update, got %#v", result)
	}

	persons, err := f.st.SearchPersons(ctx, "")
	if err != nil {
		t.Fatalf("SearchPersons failed: %v", err)
	}
	if len(persons) != 1 || persons[0].UUID != f.personA.UUID {
		t.Fatalf("expected only the merged person to remain, got %#v", persons)
	}
}

func TestCommitStaleMatchVersionLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	svc := commit.New(f.st, nil)

	ctx := context.Background()
	_, err := svc.Commit(ctx, commit.Request{
		PotentialMatchUUID:    f.match.UUID,
		PotentialMatchVersion: f.match.Version + 1,
		Updates: []commit.PersonUpdate{
			{UUID: f.personA.UUID, Version: int64Ptr(f.personA.Version), RecordIDs: []int64{f.recordA.ID, f.recordB.ID}},
		},
	})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	assertUnchanged(t, f)
}

func TestCommitStalePersonVersionLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	svc := commit.New(f.st, nil)

	ctx := context.Background()
	_, err := svc.Commit(ctx, commit.Request{
		PotentialMatchUUID:    f.match.UUID,
		PotentialMatchVersion: f.match.Version,
		Updates: []commit.PersonUpdate{
			{UUID: f.personA.UUID, Version: int64Ptr(f.personA.Version + 5), RecordIDs: []int64{f.recordA.ID, f.recordB.ID}},
		},
	})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	var conflict *store.VersionConflictError
	if !errors.As(err, &conflict) || conflict.Entity != "person" {
		t.Fatalf("expected person conflict detail, got %#v", err)
	}

	assertUnchanged(t, f)
}

func TestCommitValidation(t *testing.T) {
	cases := []struct {
		name    string
		updates func(t *testing.T, f *fixture) []commit.PersonUpdate
	}{
		{
			name: "record left unassigned",
			updates: func(t *testing.T, f *fixture) []commit.PersonUpdate {
				return []commit.PersonUpdate{
					{UUID: f.personA.UUID, Version: int64Ptr(f.personA.Version), RecordIDs: []int64{f.recordA.ID}},
				}
			},
		},
		{
			name: "record placed twice",
			updates: func(t *testing.T, f *fixture) []commit.PersonUpdate {
				return []commit.PersonUpdate{
					{UUID: f.personA.UUID, Version: int64Ptr(f.personA.Version), RecordIDs: []int64{f.recordA.ID, f.recordB.ID}},
					{RecordIDs: []int64{f.recordB.ID}},
				}
			},
		},
		{
			name: "new person with version",
			updates: func(t *testing.T, f *fixture) []commit.PersonUpdate {
				return []commit.PersonUpdate{
					{Version: int64Ptr(1), RecordIDs: []int64{f.recordA.ID, f.recordB.ID}},
				}
			},
		},
		{
			name: "existing person without version",
			updates: func(t *testing.T, f *fixture) []commit.PersonUpdate {
				return []commit.PersonUpdate{
					{UUID: f.personA.UUID, RecordIDs: []int64{f.recordA.ID, f.recordB.ID}},
				}
			},
		},
		{
			name: "person outside the match",
			updates: func(t *testing.T, f *fixture) []commit.PersonUpdate {
				outsider, _ := testsupport.SeedPersonWithRecord(t, f.st, f.job.ID, testsupport.Fields("Alan", "Turing", "src-99"))
				return []commit.PersonUpdate{
					{UUID: outsider.UUID, Version: int64Ptr(outsider.Version), RecordIDs: []int64{f.recordA.ID, f.recordB.ID}},
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			svc := commit.New(f.st, nil)

			_, err := svc.Commit(context.Background(), commit.Request{
				PotentialMatchUUID:    f.match.UUID,
				PotentialMatchVersion: f.match.Version,
				Updates:               tc.updates(t, f),
			})
			if !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			assertUnchanged(t, f)
		})
	}
}

func assertUnchanged(t *testing.T, f *fixture) {
	t.Helper()

	ctx := context.Background()
	matches, err := f.st.ListPotentialMatches(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListPotentialMatches failed: %v", err)
	}
	if len(matches) != 1 || matches[0].UUID != f.match.UUID {
		t.Fatalf("expected potential match untouched, got %#v", matches)
	}

	for _, expect := range []struct {
		person *store.Person
		record *store.PersonRecord
	}{
		{f.personA, f.recordA},
		{f.personB, f.recordB},
	} {
		person, records, err := f.st.GetPersonDetail(ctx, expect.person.UUID)
		if err != nil {
			t.Fatalf("GetPersonDetail failed: %v", err)
		}
		if person.Version != expect.person.Version {
			t.Fatalf("expected version %d unchanged, got %d", expect.person.Version, person.Version)
		}
		if len(records) != 1 || records[0].ID != expect.record.ID {
			t.Fatalf("expected record membership unchanged, got %#v", records)
		}
	}
}
