package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"empi/internal/api"
	"empi/internal/commit"
	"empi/internal/config"
	"empi/internal/daemon"
	"empi/internal/importer"
	"empi/internal/objstore"
	"empi/internal/orchestrator"
	"empi/internal/runner"
	"empi/internal/store"
	"empi/internal/testsupport"
)

type idleRunner struct{}

func (idleRunner) Start(ctx context.Context, job *store.Job) (runner.Handle, error) {
	return runner.Handle("idle"), nil
}

func (idleRunner) Poll(ctx context.Context, handle runner.Handle) (runner.Result, error) {
	return runner.Result{Phase: runner.PhaseSucceeded}, nil
}

func (idleRunner) Teardown(ctx context.Context, handle runner.Handle) error { return nil }

func startDaemon(t *testing.T, cfg *config.Config) *daemon.Daemon {
	t.Helper()

	st := testsupport.MustOpenStore(t, cfg)
	imp := importer.New(st, objstore.NewLocal(), nil)
	commits := commit.New(st, nil)
	svc := api.NewService(st, imp, commits, nil)
	orch := orchestrator.New(cfg, st, idleRunner{}, nil)

	d, err := daemon.New(cfg, st, svc, orch, nil)
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start failed: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func apiRequest(t *testing.T, method, url, token string, payload any) *http.Response {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	return resp
}

func TestAPIRequiresToken(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAPIToken("secret"))
	cfg.Matching.PollInterval = 1
	d := startDaemon(t, cfg)
	base := "http://" + d.APIAddr()

	resp := apiRequest(t, http.MethodGet, base+"/api/health", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = apiRequest(t, http.MethodGet, base+"/api/health", "wrong", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", resp.StatusCode)
	}

	resp = apiRequest(t, http.MethodGet, base+"/api/health", "secret", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
}

func TestAPIEndToEndImportFlow(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAPIToken("secret"))
	cfg.Matching.PollInterval = 1
	cfg.Matching.RunnerPollInterval = 0
	d := startDaemon(t, cfg)
	base := "http://" + d.APIAddr()

	resp := apiRequest(t, http.MethodPost, base+"/api/configs", "secret", map[string]any{
		"potential_match_threshold": 0.5,
		"auto_match_threshold":      0.9,
		"comparison_rules":          `{"blocking_keys":["birth_date"]}`,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create config: expected 201, got %d", resp.StatusCode)
	}
	var cfgView struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfgView); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	resp.Body.Close()

	csvPath := filepath.Join(t.TempDir(), "records.csv")
	contents := "data_source,source_person_id,first_name,last_name,sex,race,birth_date,death_date,social_security_number,address,city,state,zip_code,county,phone\n" +
		"ehr-a,1,Ada,Lovelace,F,unknown,1815-12-10,,111-11-1111,1 Elm St,Springfield,MA,01101,Hampden,413-555-0101\n"
	if err := os.WriteFile(csvPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	resp = apiRequest(t, http.MethodPost, base+"/api/imports", "secret", map[string]any{
		"source_uri": csvPath,
		"config_id":  cfgView.ID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("import: expected 201, got %d", resp.StatusCode)
	}
	var importView struct {
		Job struct {
			ID int64 `json:"id"`
		} `json:"job"`
		Imported int `json:"imported"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&importView); err != nil {
		t.Fatalf("decode import: %v", err)
	}
	resp.Body.Close()
	if importView.Imported != 1 {
		t.Fatalf("expected 1 imported record, got %d", importView.Imported)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp = apiRequest(t, http.MethodGet, fmt.Sprintf("%s/api/jobs/%d", base, importView.Job.ID), "secret", nil)
		var jobView struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&jobView); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		resp.Body.Close()
		if jobView.Status == "succeeded" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never succeeded, last status %q", jobView.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}

	resp = apiRequest(t, http.MethodGet, base+"/api/persons?q=lovel", "secret", nil)
	var persons []struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&persons); err != nil {
		t.Fatalf("decode persons: %v", err)
	}
	resp.Body.Close()
	if len(persons) != 1 {
		t.Fatalf("expected 1 person, got %d", len(persons))
	}

	resp = apiRequest(t, http.MethodGet, base+"/api/jobs/999", "secret", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing job, got %d", resp.StatusCode)
	}
}

func TestDaemonEnforcesSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Matching.PollInterval = 1
	d := startDaemon(t, cfg)
	_ = d

	st := testsupport.MustOpenStore(t, cfg)
	svc := api.NewService(st, importer.New(st, objstore.NewLocal(), nil), commit.New(st, nil), nil)
	orch := orchestrator.New(cfg, st, idleRunner{}, nil)
	second, err := daemon.New(cfg, st, svc, orch, nil)
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("expected second daemon start to fail while lock is held")
	}
}
