package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"empi/internal/config"
	"empi/internal/logging"
	"empi/internal/store"
)

// Cluster submits matching jobs as workloads to a remote job orchestrator
// over HTTP and polls their phase until the orchestrator reports a terminal
// state.
type Cluster struct {
	baseURL        string
	token          string
	jobImage       string
	namespace      string
	serviceAccount string
	logger         *slog.Logger
	client         *http.Client
}

// NewCluster builds the cluster backend from configuration.
func NewCluster(cfg *config.Config, logger *slog.Logger) *Cluster {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := time.Duration(cfg.Cluster.SubmitTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Cluster{
		baseURL:        strings.TrimRight(cfg.Cluster.BaseURL, "/"),
		token:          cfg.Cluster.Token,
		jobImage:       cfg.Cluster.JobImage,
		namespace:      cfg.Cluster.Namespace,
		serviceAccount: cfg.Cluster.ServiceAccount,
		logger:         logging.WithComponent(logger, "runner.cluster"),
		client:         &http.Client{Timeout: timeout},
	}
}

type workloadSpec struct {
	Name           string   `json:"name"`
	Image          string   `json:"image"`
	Namespace      string   `json:"namespace,omitempty"`
	ServiceAccount string   `json:"service_account,omitempty"`
	Args           []string `json:"args"`
}

type workloadStatus struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
}

// Start submits a uniquely named workload running the job in match mode.
func (c *Cluster) Start(ctx context.Context, job *store.Job) (Handle, error) {
	name := "match-job-" + uuid.NewString()
	spec := workloadSpec{
		Name:           name,
		Image:          c.jobImage,
		Namespace:      c.namespace,
		ServiceAccount: c.serviceAccount,
		Args:           []string{"match-job", "--job-id", strconv.FormatInt(job.ID, 10)},
	}
	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("%w: encode workload: %v", ErrRunner, err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/workloads", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	c.logger.Info("workload submitted",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("workload", name))
	return Handle(name), nil
}

// Poll asks the orchestrator for the workload's phase.
func (c *Cluster) Poll(ctx context.Context, handle Handle) (Result, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/workloads/"+string(handle), nil)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Result{}, fmt.Errorf("%w: workload %s disappeared", ErrRunner, handle)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, statusError(resp)
	}

	var status workloadStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return Result{}, fmt.Errorf("%w: decode workload status: %v", ErrRunner, err)
	}
	phase := Phase(status.Phase)
	switch phase {
	case PhasePending, PhaseRunning, PhaseSucceeded, PhaseFailed:
	default:
		return Result{}, fmt.Errorf("%w: unknown workload phase %q", ErrRunner, status.Phase)
	}
	return Result{Phase: phase, Reason: status.Reason}, nil
}

// Teardown deletes the workload; an already absent workload is not an error.
func (c *Cluster) Teardown(ctx context.Context, handle Handle) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/workloads/"+string(handle), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return statusError(resp)
	}
	return nil
}

func (c *Cluster) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRunner, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunner, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: unexpected status %d: %s", ErrRunner, resp.StatusCode, strings.TrimSpace(string(detail)))
}
