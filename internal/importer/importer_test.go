package importer_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"empi/internal/importer"
	"empi/internal/objstore"
	"empi/internal/store"
	"empi/internal/testsupport"
)

const importCSV = `data_source,source_person_id,first_name,last_name,sex,race,birth_date,death_date,social_security_number,address,city,state,zip_code,county,phone
ehr-a,1001,Ada,Lovelace,F,unknown,1815-12-10,,123-45-6789,12 Elm St,Springfield,MA,01101,Hampden,413-555-0188
ehr-a,1002,Grace,Hopper,F,unknown,1906-12-09,,987-65-4321,34 Oak Ave,Arlington,VA,22201,Arlington,703-555-0110
ehr-a,1001,Ada,Lovelace,F,unknown,1815-12-10,,123-45-6789,12 Elm St,Springfield,MA,01101,Hampden,413-555-0188
`

func writeImportFile(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "records.csv")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write import file: %v", err)
	}
	return path
}

func TestImportRecordsCreatesPersonsAndJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	matchCfg := testsupport.SeedMatchConfig(t, st)

	path := writeImportFile(t, importCSV)
	imp := importer.New(st, objstore.NewLocal(), nil)

	ctx := context.Background()
	summary, err := imp.ImportRecords(ctx, path, matchCfg.ID)
	if err != nil {
		t.Fatalf("ImportRecords failed: %v", err)
	}
	if summary.Imported != 2 || summary.Duplicates != 1 {
		t.Fatalf("unexpected summary: %#v", summary)
	}

	job, err := st.GetJob(ctx, summary.Job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != store.JobPending || job.Kind != store.JobKindImport {
		t.Fatalf("unexpected job: %#v", job)
	}

	persons, err := st.SearchPersons(ctx, "")
	if err != nil {
		t.Fatalf("SearchPersons failed: %v", err)
	}
	if len(persons) != 2 {
		t.Fatalf("expected one fresh person per record, got %d", len(persons))
	}
	for _, person := range persons {
		if person.RecordCount != 1 || person.Version != 1 {
			t.Fatalf("unexpected person shape: %#v", person)
		}
	}

	events, err := st.ListMatchEvents(ctx)
	if err != nil {
		t.Fatalf("ListMatchEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != store.EventNewIDs {
		t.Fatalf("expected new-ids event, got %#v", events)
	}
}

func TestImportRecordsSkipsAlreadyStoredDigests(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	matchCfg := testsupport.SeedMatchConfig(t, st)

	path := writeImportFile(t, importCSV)
	imp := importer.New(st, objstore.NewLocal(), nil)

	ctx := context.Background()
	if _, err := imp.ImportRecords(ctx, path, matchCfg.ID); err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	summary, err := imp.ImportRecords(ctx, path, matchCfg.ID)
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if summary.Imported != 0 || summary.Duplicates != 3 {
		t.Fatalf("expected full dedupe on re-import, got %#v", summary)
	}
}

func TestImportRecordsRejectsMissingColumns(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	matchCfg := testsupport.SeedMatchConfig(t, st)

	path := writeImportFile(t, "first_name,last_name\nAda,Lovelace\n")
	imp := importer.New(st, objstore.NewLocal(), nil)

	_, err := imp.ImportRecords(context.Background(), path, matchCfg.ID)
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestImportFailureLeavesNoJobBehind(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.SeedMatchConfig(t, st)

	path := writeImportFile(t, importCSV)
	imp := importer.New(st, objstore.NewLocal(), nil)

	ctx := context.Background()
	_, err := imp.ImportRecords(ctx, path, 999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not-found for unknown config, got %v", err)
	}

	// The enqueue rolls back with the batch: no claimable job and no
	// half-imported persons survive the failure.
	jobs, err := st.ListJobs(ctx, "")
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs after failed import, got %#v", jobs)
	}
	persons, err := st.SearchPersons(ctx, "")
	if err != nil {
		t.Fatalf("SearchPersons failed: %v", err)
	}
	if len(persons) != 0 {
		t.Fatalf("expected no persons after failed import, got %d", len(persons))
	}
}

func TestExportRecordsWritesPersonAssignments(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	matchCfg := testsupport.SeedMatchConfig(t, st)

	imp := importer.New(st, objstore.NewLocal(), nil)
	ctx := context.Background()
	if _, err := imp.ImportRecords(ctx, writeImportFile(t, importCSV), matchCfg.ID); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "export", "records.csv")
	job, err := imp.ExportRecords(ctx, dest)
	if err != nil {
		t.Fatalf("ExportRecords failed: %v", err)
	}
	if job.Status != store.JobSucceeded || job.Kind != store.JobKindExport {
		t.Fatalf("unexpected export job: %#v", job)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "person_uuid,data_source") {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "Ada") || !strings.Contains(lines[2], "Grace") {
		t.Fatalf("unexpected export body: %v", lines[1:])
	}
}
