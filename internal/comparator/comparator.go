// Package comparator talks to the external probabilistic comparison service.
// The service is a black box: it receives candidate records and returns
// scored pairs, and this package never interprets the comparison rules it
// forwards.
package comparator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"empi/internal/config"
	"empi/internal/store"
)

const userAgent = "empi/0.1.0"

// ErrComparator wraps every failure of the external comparison service so
// callers can map it to an upstream error class.
var ErrComparator = errors.New("comparator error")

// Record is one candidate record sent for comparison.
type Record struct {
	ID                   int64  `json:"id"`
	DataSource           string `json:"data_source"`
	SourcePersonID       string `json:"source_person_id"`
	FirstName            string `json:"first_name"`
	LastName             string `json:"last_name"`
	Sex                  string `json:"sex"`
	Race                 string `json:"race"`
	BirthDate            string `json:"birth_date"`
	DeathDate            string `json:"death_date"`
	SocialSecurityNumber string `json:"social_security_number"`
	Address              string `json:"address"`
	City                 string `json:"city"`
	State                string `json:"state"`
	ZipCode              string `json:"zip_code"`
	County               string `json:"county"`
	Phone                string `json:"phone"`
}

// ScoredPair is one pairwise probability returned by the service. The service
// only returns pairs it considers worth reporting; absent pairs score zero.
type ScoredPair struct {
	RecordLID        int64   `json:"record_l_id"`
	RecordRID        int64   `json:"record_r_id"`
	MatchProbability float64 `json:"match_probability"`
}

// Client scores candidate record pairs.
type Client interface {
	ComparePairs(ctx context.Context, comparisonRules string, records []Record) ([]ScoredPair, error)
}

// NewClient builds an HTTP comparator client from configuration.
func NewClient(cfg *config.Config) Client {
	timeout := time.Duration(cfg.Comparator.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &httpClient{
		baseURL: strings.TrimRight(cfg.Comparator.BaseURL, "/"),
		apiKey:  cfg.Comparator.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type httpClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type compareHeader struct {
	ComparisonRules json.RawMessage `json:"comparison_rules"`
}

// ComparePairs streams records to the service as NDJSON, one header line with
// the comparison rules followed by one record per line, and decodes the
// scored pairs streamed back the same way.
func (c *httpClient) ComparePairs(ctx context.Context, comparisonRules string, records []Record) ([]ScoredPair, error) {
	if len(records) < 2 {
		return nil, nil
	}

	body := &bytes.Buffer{}
	encoder := json.NewEncoder(body)
	if err := encoder.Encode(compareHeader{ComparisonRules: json.RawMessage(comparisonRules)}); err != nil {
		return nil, fmt.Errorf("%w: encode header: %v", ErrComparator, err)
	}
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return nil, fmt.Errorf("%w: encode record %d: %v", ErrComparator, record.ID, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/compare", body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrComparator, err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Accept", "application/x-ndjson")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrComparator, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrComparator, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var pairs []ScoredPair
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var pair ScoredPair
		if err := json.Unmarshal(line, &pair); err != nil {
			return nil, fmt.Errorf("%w: decode scored pair: %v", ErrComparator, err)
		}
		if pair.MatchProbability < 0 || pair.MatchProbability > 1 {
			return nil, fmt.Errorf("%w: probability %v outside [0, 1]", ErrComparator, pair.MatchProbability)
		}
		pairs = append(pairs, pair)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrComparator, err)
	}
	return pairs, nil
}

// RecordFromStore converts a stored record into the comparator wire shape.
func RecordFromStore(record *store.PersonRecord) Record {
	f := record.Fields
	return Record{
		ID:                   record.ID,
		DataSource:           f.DataSource,
		SourcePersonID:       f.SourcePersonID,
		FirstName:            f.FirstName,
		LastName:             f.LastName,
		Sex:                  f.Sex,
		Race:                 f.Race,
		BirthDate:            f.BirthDate,
		DeathDate:            f.DeathDate,
		SocialSecurityNumber: f.SocialSecurityNumber,
		Address:              f.Address,
		City:                 f.City,
		State:                f.State,
		ZipCode:              f.ZipCode,
		County:               f.County,
		Phone:                f.Phone,
	}
}
