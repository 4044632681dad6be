package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"empi/internal/api"
	"empi/internal/commit"
	"empi/internal/comparator"
	"empi/internal/config"
	"empi/internal/identity"
	"empi/internal/logging"
	"empi/internal/runner"
	"empi/internal/store"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	svc    *api.Service
	auth   identity.Authorizer

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, svc *api.Service, st *store.Store, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.WithComponent(logger, "api-server"),
		svc:    svc,
		auth:   identity.NewStaticToken(cfg.Paths.APIToken),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", srv.requireCaller(srv.handleHealth))
	mux.HandleFunc("/api/configs", srv.requireCaller(srv.handleConfigs))
	mux.HandleFunc("/api/configs/", srv.requireCaller(srv.handleConfig))
	mux.HandleFunc("/api/imports", srv.requireCaller(srv.handleImports))
	mux.HandleFunc("/api/exports", srv.requireCaller(srv.handleExports))
	mux.HandleFunc("/api/jobs", srv.requireCaller(srv.handleJobs))
	mux.HandleFunc("/api/jobs/", srv.requireCaller(srv.handleJob))
	mux.HandleFunc("/api/persons", srv.requireCaller(srv.handlePersons))
	mux.HandleFunc("/api/persons/", srv.requireCaller(srv.handlePerson))
	mux.HandleFunc("/api/matches", srv.requireCaller(srv.handleMatches))
	mux.HandleFunc("/api/matches/", srv.requireCaller(srv.handleMatch))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context, group *errgroup.Group) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	group.Go(func() error {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return nil
	})

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
}

func (s *apiServer) addr() string {
	if s.listener == nil {
		return s.bind
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.svc.Health(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleConfigs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			PotentialMatchThreshold float64 `json:"potential_match_threshold"`
			AutoMatchThreshold      float64 `json:"auto_match_threshold"`
			ComparisonRules         string  `json:"comparison_rules"`
		}
		if !s.decode(w, r, &payload) {
			return
		}
		view, err := s.svc.CreateConfig(r.Context(), payload.PotentialMatchThreshold, payload.AutoMatchThreshold, payload.ComparisonRules)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, view)
	case http.MethodGet:
		view, err := s.svc.LatestConfig(r.Context())
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, view)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/configs/"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid config id")
		return
	}
	view, err := s.svc.GetConfig(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handleImports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload struct {
		SourceURI string `json:"source_uri"`
		ConfigID  int64  `json:"config_id"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	view, err := s.svc.ImportRecords(r.Context(), payload.SourceURI, payload.ConfigID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

func (s *apiServer) handleExports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload struct {
		DestinationURI string `json:"destination_uri"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	view, err := s.svc.ExportRecords(r.Context(), payload.DestinationURI)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var status store.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := store.ParseJobStatus(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job status %q", raw))
			return
		}
		status = parsed
	}
	views, err := s.svc.ListJobs(r.Context(), status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	view, err := s.svc.GetJob(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handlePersons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	views, err := s.svc.GetPersons(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *apiServer) handlePerson(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	view, err := s.svc.GetPerson(r.Context(), strings.TrimPrefix(r.URL.Path, "/api/persons/"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handleMatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var minProbability float64
	if raw := r.URL.Query().Get("min_probability"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid min_probability")
			return
		}
		minProbability = parsed
	}
	views, err := s.svc.GetPotentialMatches(r.Context(), r.URL.Query().Get("q"), minProbability)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *apiServer) handleMatch(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/matches/")
	if matchUUID, ok := strings.CutSuffix(rest, "/commit"); ok {
		s.handleCommit(w, r, matchUUID)
		return
	}
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	view, err := s.svc.GetPotentialMatch(r.Context(), rest)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handleCommit(w http.ResponseWriter, r *http.Request, matchUUID string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload struct {
		Version int64 `json:"version"`
		Updates []struct {
			UUID      string  `json:"uuid,omitempty"`
			Version   *int64  `json:"version,omitempty"`
			RecordIDs []int64 `json:"record_ids"`
		} `json:"updates"`
		Comments []struct {
			RecordID int64  `json:"record_id"`
			Note     string `json:"note"`
		} `json:"comments,omitempty"`
	}
	if !s.decode(w, r, &payload) {
		return
	}

	req := commit.Request{
		PotentialMatchUUID:    matchUUID,
		PotentialMatchVersion: payload.Version,
	}
	for _, update := range payload.Updates {
		req.Updates = append(req.Updates, commit.PersonUpdate{
			UUID:      update.UUID,
			Version:   update.Version,
			RecordIDs: update.RecordIDs,
		})
	}
	for _, comment := range payload.Comments {
		req.Comments = append(req.Comments, commit.RecordComment{
			RecordID: comment.RecordID,
			Note:     comment.Note,
		})
	}

	result, err := s.svc.CommitMatch(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"created_person_uuids": result.CreatedPersonUUIDs,
		"deleted_person_uuids": result.DeletedPersonUUIDs,
		"moved_records":        result.MovedRecords,
	})
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (s *apiServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, comparator.ErrComparator):
		s.writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, runner.ErrRunner):
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.logger.Error("request failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response failed", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
