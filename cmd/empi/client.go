package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"empi/internal/api"
)

// apiClient talks to the daemon's HTTP API.
type apiClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newAPIClient(addr, token string) *apiClient {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{
		baseURL: strings.TrimRight(addr, "/"),
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type commitResult struct {
	CreatedPersonUUIDs []string `json:"created_person_uuids"`
	DeletedPersonUUIDs []string `json:"deleted_person_uuids"`
	MovedRecords       int      `json:"moved_records"`
}

func (c *apiClient) Health() error {
	return c.do(http.MethodGet, "/api/health", nil, nil)
}

func (c *apiClient) CreateConfig(potentialThreshold, autoThreshold float64, comparisonRules string) (*api.ConfigView, error) {
	payload := map[string]any{
		"potential_match_threshold": potentialThreshold,
		"auto_match_threshold":      autoThreshold,
		"comparison_rules":          comparisonRules,
	}
	var view api.ConfigView
	if err := c.do(http.MethodPost, "/api/configs", payload, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *apiClient) LatestConfig() (*api.ConfigView, error) {
	var view api.ConfigView
	if err := c.do(http.MethodGet, "/api/configs", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *apiClient) GetConfig(id int64) (*api.ConfigView, error) {
	var view api.ConfigView
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/configs/%d", id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *apiClient) ImportRecords(sourceURI string, configID int64) (*api.ImportView, error) {
	payload := map[string]any{"source_uri": sourceURI, "config_id": configID}
	var view api.ImportView
	if err := c.do(http.MethodPost, "/api/imports", payload, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *apiClient) ExportRecords(destinationURI string) (*api.JobView, error) {
	payload := map[string]any{"destination_uri": destinationURI}
	var view api.JobView
	if err := c.do(http.MethodPost, "/api/exports", payload, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *apiClient) ListJobs(status string) ([]api.JobView, error) {
	path := "/api/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var views []api.JobView
	if err := c.do(http.MethodGet, path, nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *apiClient) GetJob(id int64) (*api.JobView, error) {
	var view api.JobView
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/jobs/%d", id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *apiClient) ListPersons(term string) ([]api.PersonView, error) {
	path := "/api/persons"
	if term != "" {
		path += "?q=" + url.QueryEscape(term)
	}
	var views []api.PersonView
	if err := c.do(http.MethodGet, path, nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *apiClient) GetPerson(personUUID string) (*api.PersonView, error) {
	var view api.PersonView
	if err := c.do(http.MethodGet, "/api/persons/"+url.PathEscape(personUUID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *apiClient) ListMatches(term string, minProbability float64) ([]api.MatchSummaryView, error) {
	params := url.Values{}
	if term != "" {
		params.Set("q", term)
	}
	if minProbability > 0 {
		params.Set("min_probability", strconv.FormatFloat(minProbability, 'g', -1, 64))
	}
	path := "/api/matches"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var views []api.MatchSummaryView
	if err := c.do(http.MethodGet, path, nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *apiClient) GetMatch(matchUUID string) (*api.MatchDetailView, error) {
	var view api.MatchDetailView
	if err := c.do(http.MethodGet, "/api/matches/"+url.PathEscape(matchUUID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// CommitMatch forwards a prepared decision document untouched, so the file
// format is exactly the API's commit payload.
func (c *apiClient) CommitMatch(matchUUID string, decision json.RawMessage) (*commitResult, error) {
	var result commitResult
	path := "/api/matches/" + url.PathEscape(matchUUID) + "/commit"
	if err := c.do(http.MethodPost, path, decision, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *apiClient) do(method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := encodePayload(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w (is empid running?)", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func encodePayload(payload any) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return data, nil
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("daemon: %s (%s)", payload.Error, resp.Status)
	}
	return fmt.Errorf("daemon: %s", resp.Status)
}
