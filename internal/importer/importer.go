// Package importer moves record files in and out of the system: CSV imports
// that seed fresh persons and enqueue matching jobs, and CSV exports of the
// current person assignments.
package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"empi/internal/logging"
	"empi/internal/objstore"
	"empi/internal/store"
)

// csvColumns is the required import header, in order.
var csvColumns = []string{
	"data_source", "source_person_id", "first_name", "last_name", "sex", "race",
	"birth_date", "death_date", "social_security_number", "address", "city",
	"state", "zip_code", "county", "phone",
}

// Importer runs imports and exports against the store.
type Importer struct {
	store   *store.Store
	objects objstore.ObjectStore
	logger  *slog.Logger
}

// New builds an importer.
func New(st *store.Store, objects objstore.ObjectStore, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Importer{store: st, objects: objects, logger: logging.WithComponent(logger, "importer")}
}

// ImportSummary reports what one import ingested.
type ImportSummary struct {
	Job        *store.Job
	Imported   int
	Duplicates int
}

// ImportRecords reads a CSV from object storage, creates one fresh person per
// new record, and enqueues a pending matching job. Records whose demographic
// digest is already stored are skipped. The job commits in the same
// transaction as its records, so the scheduler cannot claim it before the
// batch is visible.
func (i *Importer) ImportRecords(ctx context.Context, sourceURI string, configID int64) (*ImportSummary, error) {
	reader, err := i.objects.Get(ctx, sourceURI)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", sourceURI, err)
	}
	defer reader.Close()

	rows, err := parseCSV(reader)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s contains no records", store.ErrValidation, sourceURI)
	}

	summary := &ImportSummary{}
	err = i.store.WithTx(ctx, func(tx *store.Tx) error {
		now := time.Now().UTC()

		job, err := tx.CreateJob(ctx, configID, sourceURI, store.JobKindImport)
		if err != nil {
			return err
		}
		summary.Job = job

		digests := make([]string, len(rows))
		for idx, fields := range rows {
			digests[idx] = fields.Digest()
		}
		existing, err := tx.ExistingSHA256s(ctx, digests)
		if err != nil {
			return err
		}

		seen := make(map[string]bool, len(rows))
		for idx, fields := range rows {
			digest := digests[idx]
			if existing[digest] || seen[digest] {
				summary.Duplicates++
				continue
			}
			seen[digest] = true

			person, err := tx.CreatePerson(ctx, now)
			if err != nil {
				return err
			}
			if _, err := tx.InsertPersonRecord(ctx, job.ID, person.ID, digest, fields, now); err != nil {
				return err
			}
			if err := tx.RefreshPersonRecordCount(ctx, person.ID); err != nil {
				return err
			}
			summary.Imported++
		}

		if summary.Imported > 0 {
			if err := tx.InsertMatchEvent(ctx, &job.ID, store.EventNewIDs, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	i.logger.Info("records imported",
		logging.Int64(logging.FieldJobID, summary.Job.ID),
		logging.String("source_uri", sourceURI),
		logging.Int("imported", summary.Imported),
		logging.Int("duplicates", summary.Duplicates))
	return summary, nil
}

// ExportRecords writes every record with its current person uuid as CSV to
// object storage, tracked as an inline export job.
func (i *Importer) ExportRecords(ctx context.Context, destinationURI string) (*store.Job, error) {
	matchCfg, err := i.store.LatestMatchConfig(ctx)
	if err != nil {
		return nil, err
	}
	job, err := i.store.CreateJob(ctx, matchCfg.ID, destinationURI, store.JobKindExport)
	if err != nil {
		return nil, err
	}

	if err := i.writeExport(ctx, destinationURI); err != nil {
		if finishErr := i.store.FinishJob(ctx, job.ID, store.JobFailed, err.Error()); finishErr != nil {
			i.logger.Error("failing export job failed", logging.Error(finishErr))
		}
		return nil, err
	}
	if err := i.store.FinishJob(ctx, job.ID, store.JobSucceeded, ""); err != nil {
		return nil, err
	}
	job.Status = store.JobSucceeded

	i.logger.Info("records exported",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("destination_uri", destinationURI))
	return job, nil
}

func (i *Importer) writeExport(ctx context.Context, destinationURI string) error {
	rows, err := i.store.ExportRows(ctx)
	if err != nil {
		return err
	}

	var buf strings.Builder
	writer := csv.NewWriter(&buf)
	header := append([]string{"person_uuid"}, csvColumns...)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write export header: %w", err)
	}
	for _, row := range rows {
		f := row.Record.Fields
		record := []string{
			row.PersonUUID,
			f.DataSource, f.SourcePersonID, f.FirstName, f.LastName, f.Sex, f.Race,
			f.BirthDate, f.DeathDate, f.SocialSecurityNumber, f.Address, f.City,
			f.State, f.ZipCode, f.County, f.Phone,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write export row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush export: %w", err)
	}

	return i.objects.Put(ctx, destinationURI, strings.NewReader(buf.String()))
}

func parseCSV(r io.Reader) ([]store.RecordFields, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty import file", store.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", store.ErrValidation, err)
	}
	index := make(map[string]int, len(header))
	for pos, name := range header {
		index[strings.TrimSpace(strings.ToLower(name))] = pos
	}
	for _, column := range csvColumns {
		if _, ok := index[column]; !ok {
			return nil, fmt.Errorf("%w: import file missing column %q", store.ErrValidation, column)
		}
	}

	var rows []store.RecordFields
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read row: %v", store.ErrValidation, err)
		}
		get := func(column string) string {
			pos := index[column]
			if pos >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[pos])
		}
		fields := store.RecordFields{
			DataSource:           get("data_source"),
			SourcePersonID:       get("source_person_id"),
			FirstName:            get("first_name"),
			LastName:             get("last_name"),
			Sex:                  get("sex"),
			Race:                 get("race"),
			BirthDate:            get("birth_date"),
			DeathDate:            get("death_date"),
			SocialSecurityNumber: get("social_security_number"),
			Address:              get("address"),
			City:                 get("city"),
			State:                get("state"),
			ZipCode:              get("zip_code"),
			County:               get("county"),
			Phone:                get("phone"),
		}
		if fields.DataSource == "" || fields.SourcePersonID == "" {
			return nil, fmt.Errorf("%w: data_source and source_person_id are required", store.ErrValidation)
		}
		rows = append(rows, fields)
	}
	return rows, nil
}
