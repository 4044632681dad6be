package testsupport

import (
	"context"
	"testing"
	"time"

	"empi/internal/config"
	"empi/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// SeedMatchConfig creates a configuration with sensible test thresholds.
func SeedMatchConfig(t testing.TB, st *store.Store) *store.MatchConfig {
	t.Helper()

	cfg, err := st.CreateMatchConfig(context.Background(), 0.5, 0.9, `{"blocking_keys":["birth_date"]}`)
	if err != nil {
		t.Fatalf("store.CreateMatchConfig: %v", err)
	}
	return cfg
}

// SeedJob creates a pending import job against the given configuration.
func SeedJob(t testing.TB, st *store.Store, configID int64) *store.Job {
	t.Helper()

	job, err := st.CreateJob(context.Background(), configID, "file:///tmp/records.csv", store.JobKindImport)
	if err != nil {
		t.Fatalf("store.CreateJob: %v", err)
	}
	return job
}

// SeedPersonWithRecord creates a fresh person holding one record built from
// the given fields, mirroring what an import does.
func SeedPersonWithRecord(t testing.TB, st *store.Store, jobID int64, fields store.RecordFields) (*store.Person, *store.PersonRecord) {
	t.Helper()

	var (
		person *store.Person
		record *store.PersonRecord
	)
	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		now := time.Now().UTC()
		created, err := tx.CreatePerson(context.Background(), now)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertPersonRecord(context.Background(), jobID, created.ID, fields.Digest(), fields, now)
		if err != nil {
			return err
		}
		if err := tx.RefreshPersonRecordCount(context.Background(), created.ID); err != nil {
			return err
		}
		person = created
		record = inserted
		return nil
	})
	if err != nil {
		t.Fatalf("seed person with record: %v", err)
	}
	person.RecordCount = 1
	return person, record
}

// StampReviewed marks records as matched-or-reviewed, as a prior matching
// pass or reviewer commit would have.
func StampReviewed(t testing.TB, st *store.Store, recordIDs ...int64) {
	t.Helper()

	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.StampMatchedOrReviewed(context.Background(), recordIDs, time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("stamp matched or reviewed: %v", err)
	}
}
