package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"empi/internal/store"
	"empi/internal/testsupport"
)

func TestOpenAppliesMigrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	matchCfg, err := st.CreateMatchConfig(ctx, 0.5, 0.9, `{"rules":[]}`)
	if err != nil {
		t.Fatalf("CreateMatchConfig failed: %v", err)
	}
	if matchCfg.ID == 0 {
		t.Fatal("expected config ID to be assigned")
	}

	fetched, err := st.GetMatchConfig(ctx, matchCfg.ID)
	if err != nil {
		t.Fatalf("GetMatchConfig failed: %v", err)
	}
	if fetched.AutoMatchThreshold != 0.9 || fetched.PotentialMatchThreshold != 0.5 {
		t.Fatalf("unexpected config: %#v", fetched)
	}
}

func TestCreateMatchConfigValidatesThresholds(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	cases := []struct {
		name      string
		potential float64
		auto      float64
	}{
		{"potential above one", 1.2, 1.2},
		{"negative auto", 0.5, -0.1},
		{"auto below potential", 0.8, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := st.CreateMatchConfig(ctx, tc.potential, tc.auto, `{}`)
			if !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if _, err := st.CreateMatchConfig(ctx, 0.5, 0.9, "  "); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for empty rules, got %v", err)
	}
}

func TestClaimNextPendingJobSerializes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	matchCfg := testsupport.SeedMatchConfig(t, st)
	first := testsupport.SeedJob(t, st, matchCfg.ID)
	second := testsupport.SeedJob(t, st, matchCfg.ID)

	claimed, err := st.ClaimNextPendingJob(ctx)
	if err != nil {
		t.Fatalf("ClaimNextPendingJob failed: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("expected oldest pending job %d, got %#v", first.ID, claimed)
	}
	if claimed.Status != store.JobRunning {
		t.Fatalf("expected claimed job running, got %s", claimed.Status)
	}

	blocked, err := st.ClaimNextPendingJob(ctx)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if blocked != nil {
		t.Fatalf("expected no claim while a job runs, got %#v", blocked)
	}

	if err := st.FinishJob(ctx, claimed.ID, store.JobSucceeded, ""); err != nil {
		t.Fatalf("FinishJob failed: %v", err)
	}

	next, err := st.ClaimNextPendingJob(ctx)
	if err != nil {
		t.Fatalf("claim after finish failed: %v", err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("expected job %d after finish, got %#v", second.ID, next)
	}
}

func TestFinishJobRejectsNonTerminalStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)

	err := st.FinishJob(context.Background(), job.ID, store.JobRunning, "")
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResetOrphanedRunningJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	matchCfg := testsupport.SeedMatchConfig(t, st)
	testsupport.SeedJob(t, st, matchCfg.ID)

	claimed, err := st.ClaimNextPendingJob(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v %#v", err, claimed)
	}

	reset, err := st.ResetOrphanedRunningJobs(ctx)
	if err != nil {
		t.Fatalf("ResetOrphanedRunningJobs failed: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 reset job, got %d", reset)
	}

	job, err := st.GetJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != store.JobFailed || job.Reason == "" {
		t.Fatalf("expected failed job with reason, got %#v", job)
	}
}

func TestBumpPersonVersionDetectsStaleVersion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)
	person, _ := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Ada", "Lovelace", "src-1"))

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.BumpPersonVersion(ctx, person, person.Version, time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("first bump failed: %v", err)
	}
	if person.Version != 2 {
		t.Fatalf("expected in-memory version 2, got %d", person.Version)
	}

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.BumpPersonVersion(ctx, person, 1, time.Now().UTC())
	})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	var conflict *store.VersionConflictError
	if !errors.As(err, &conflict) || conflict.Entity != "person" {
		t.Fatalf("expected typed person conflict, got %#v", err)
	}
}

func TestDeletePersonRequiresNoRecords(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)
	holder, record := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Grace", "Hopper", "src-2"))
	empty, _ := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Jean", "Bartik", "src-3"))

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeletePerson(ctx, holder.ID)
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for occupied person, got %v", err)
	}

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.MoveRecord(ctx, record.ID, empty.ID, time.Now().UTC()); err != nil {
			return err
		}
		return tx.DeletePerson(ctx, holder.ID)
	})
	if err != nil {
		t.Fatalf("delete emptied person failed: %v", err)
	}

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		_, getErr := tx.GetPerson(ctx, holder.ID)
		return getErr
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted person not found, got %v", err)
	}
}

func TestExistingSHA256s(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)
	fields := testsupport.Fields("Katherine", "Johnson", "src-4")
	testsupport.SeedPersonWithRecord(t, st, job.ID, fields)

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		existing, err := tx.ExistingSHA256s(ctx, []string{fields.Digest(), "absent"})
		if err != nil {
			return err
		}
		if !existing[fields.Digest()] {
			t.Fatal("expected stored digest to be reported")
		}
		if existing["absent"] {
			t.Fatal("unexpected digest reported")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExistingSHA256s failed: %v", err)
	}
}

func TestStampMatchedOrReviewedKeepsFirstStamp(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)
	_, record := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Mary", "Jackson", "src-5"))

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	later := first.Add(time.Hour)

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.StampMatchedOrReviewed(ctx, []int64{record.ID}, first); err != nil {
			return err
		}
		return tx.StampMatchedOrReviewed(ctx, []int64{record.ID}, later)
	})
	if err != nil {
		t.Fatalf("stamp failed: %v", err)
	}

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		got, err := tx.GetRecord(ctx, record.ID)
		if err != nil {
			return err
		}
		if got.MatchedOrReviewed == nil || !got.MatchedOrReviewed.Equal(first) {
			t.Fatalf("expected first stamp %v preserved, got %v", first, got.MatchedOrReviewed)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
}

func TestPotentialMatchLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)
	personA, recordA := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Dorothy", "Vaughan", "src-6"))
	personB, recordB := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Dorothy", "Vaughn", "src-7"))

	var matchUUID string
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		match, err := tx.CreatePotentialMatch(ctx, job.ID, 0.72,
			[]int64{personA.ID, personB.ID},
			[]store.PredictionInput{{MatchProbability: 0.72, RecordLID: recordA.ID, RecordRID: recordB.ID}},
			time.Now().UTC())
		if err != nil {
			return err
		}
		matchUUID = match.UUID
		return nil
	})
	if err != nil {
		t.Fatalf("CreatePotentialMatch failed: %v", err)
	}

	matches, err := st.ListPotentialMatches(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListPotentialMatches failed: %v", err)
	}
	if len(matches) != 1 || matches[0].UUID != matchUUID {
		t.Fatalf("unexpected matches: %#v", matches)
	}

	filtered, err := st.ListPotentialMatches(ctx, "", 0.8)
	if err != nil {
		t.Fatalf("filtered list failed: %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("expected probability filter to exclude match, got %#v", filtered)
	}

	byName, err := st.ListPotentialMatches(ctx, "VAUGH", 0)
	if err != nil {
		t.Fatalf("name search failed: %v", err)
	}
	if len(byName) != 1 || byName[0].UUID != matchUUID {
		t.Fatalf("expected name search to find match, got %#v", byName)
	}
	if missed, err := st.ListPotentialMatches(ctx, "johnson", 0); err != nil || len(missed) != 0 {
		t.Fatalf("expected no matches for unrelated term, got %#v err %v", missed, err)
	}

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		match, err := tx.GetPotentialMatchByUUID(ctx, matchUUID)
		if err != nil {
			return err
		}
		members, err := tx.PotentialMatchMembers(ctx, match.ID)
		if err != nil {
			return err
		}
		if len(members) != 2 {
			t.Fatalf("expected 2 members, got %#v", members)
		}
		results, err := tx.PredictionResultsForMatch(ctx, match.ID)
		if err != nil {
			return err
		}
		if len(results) != 1 || results[0].MatchProbability != 0.72 {
			t.Fatalf("unexpected prediction results: %#v", results)
		}
		return tx.DeletePotentialMatch(ctx, match.ID)
	})
	if err != nil {
		t.Fatalf("inspect and delete failed: %v", err)
	}

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		sets, err := tx.LivePotentialMatchSets(ctx)
		if err != nil {
			return err
		}
		if len(sets) != 0 {
			t.Fatalf("expected member rows to cascade away, got %#v", sets)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("cascade check failed: %v", err)
	}
}

func TestPersonBelongsToOnePotentialMatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)
	personA, recordA := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Ann", "Moore", "src-8"))
	personB, recordB := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Anne", "Moore", "src-9"))
	personC, recordC := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Anna", "Moore", "src-10"))

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.CreatePotentialMatch(ctx, job.ID, 0.6,
			[]int64{personA.ID, personB.ID},
			[]store.PredictionInput{{MatchProbability: 0.6, RecordLID: recordA.ID, RecordRID: recordB.ID}},
			time.Now().UTC())
		return err
	})
	if err != nil {
		t.Fatalf("first match failed: %v", err)
	}

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.CreatePotentialMatch(ctx, job.ID, 0.6,
			[]int64{personB.ID, personC.ID},
			[]store.PredictionInput{{MatchProbability: 0.6, RecordLID: recordB.ID, RecordRID: recordC.ID}},
			time.Now().UTC())
		return err
	})
	if err == nil {
		t.Fatal("expected overlapping membership to be rejected")
	}
}

func TestSearchPersons(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)
	target, _ := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Margaret", "Hamilton", "src-11"))
	testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Evelyn", "Boyd", "src-12"))
	accented, _ := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Jürgen", "Müller", "src-13"))

	persons, err := st.SearchPersons(ctx, "HAMIL")
	if err != nil {
		t.Fatalf("SearchPersons failed: %v", err)
	}
	if len(persons) != 1 || persons[0].UUID != target.UUID {
		t.Fatalf("unexpected search result: %#v", persons)
	}

	// Case folding reaches past ASCII.
	for _, term := range []string{"MÜLLER", "müller"} {
		persons, err := st.SearchPersons(ctx, term)
		if err != nil {
			t.Fatalf("SearchPersons %q failed: %v", term, err)
		}
		if len(persons) != 1 || persons[0].UUID != accented.UUID {
			t.Fatalf("unexpected result for %q: %#v", term, persons)
		}
	}

	all, err := st.SearchPersons(ctx, "")
	if err != nil {
		t.Fatalf("SearchPersons all failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 persons, got %d", len(all))
	}
}

func TestNotesAndEvents(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	matchCfg := testsupport.SeedMatchConfig(t, st)
	job := testsupport.SeedJob(t, st, matchCfg.ID)
	_, record := testsupport.SeedPersonWithRecord(t, st, job.ID, testsupport.Fields("Radia", "Perlman", "src-13"))

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.InsertPersonRecordNote(ctx, record.ID, "confirmed with source registry", "reviewer@example.org", time.Now().UTC()); err != nil {
			return err
		}
		return tx.InsertMatchEvent(ctx, &job.ID, store.EventNewIDs, time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("insert note and event failed: %v", err)
	}

	notes, err := st.NotesForRecord(ctx, record.ID)
	if err != nil {
		t.Fatalf("NotesForRecord failed: %v", err)
	}
	if len(notes) != 1 || notes[0].Author != "reviewer@example.org" {
		t.Fatalf("unexpected notes: %#v", notes)
	}

	events, err := st.ListMatchEvents(ctx)
	if err != nil {
		t.Fatalf("ListMatchEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != store.EventNewIDs || events[0].JobID == nil {
		t.Fatalf("unexpected events: %#v", events)
	}
}
