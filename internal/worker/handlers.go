package worker

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/kwgroup/internal/db/gorm"
	"github.com/thebtf/kwgroup/internal/grouping"
	"github.com/thebtf/kwgroup/internal/keywords"
	"github.com/thebtf/kwgroup/internal/outline"
	"github.com/thebtf/kwgroup/internal/worker/sse"
	"github.com/thebtf/kwgroup/pkg/models"
)

const maxBodyBytes = 1 << 20

// AddKeywordsRequest is the body of POST /api/keywords. Text is split on
// commas, semicolons and newlines; Keywords are taken one per element.
type AddKeywordsRequest struct {
	Owner    string   `json:"owner"`
	Text     string   `json:"text,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// AddKeywordsResponse reports what was stored.
type AddKeywordsResponse struct {
	Keywords []models.Keyword `json:"keywords"`
	Added    int              `json:"added"`
	Skipped  int              `json:"skipped"`
	Pending  int64            `json:"pending"`
}

// OwnerRequest is the body of endpoints that act on an owner's latest state.
type OwnerRequest struct {
	Owner string `json:"owner"`
}

// PreviewRequest groups keywords without storing them.
type PreviewRequest struct {
	Owner    string   `json:"owner"`
	Keywords []string `json:"keywords"`
}

// EmailRequest is the body of PUT /api/users/{owner}/email.
type EmailRequest struct {
	Email string `json:"email"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

// writeGroupingError maps grouping failures onto HTTP statuses. The body
// never carries a partial result.
func writeGroupingError(w http.ResponseWriter, err error) {
	kind := grouping.Kind(err)
	resp := ErrorResponse{Kind: kind, Retryable: grouping.IsRetryable(err)}
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, grouping.ErrInvalidInput):
		status = http.StatusBadRequest
		resp.Error = "cannot group keywords: " + err.Error()
	case errors.Is(err, grouping.ErrEmptyKeywordSet):
		status = http.StatusNotFound
		resp.Error = "no keywords waiting to be grouped"
	case errors.Is(err, grouping.ErrEmbeddingUnavailable):
		status = http.StatusServiceUnavailable
		resp.Error = "cannot group keywords right now, the embedding service is unavailable"
		if resp.Retryable {
			w.Header().Set("Retry-After", "5")
		}
	case errors.Is(err, grouping.ErrGroupingTimeout):
		status = http.StatusGatewayTimeout
		resp.Error = "cannot group keywords right now, grouping took too long"
	case errors.Is(err, gorm.ErrSnapshotConflict):
		status = http.StatusConflict
		resp.Kind = "conflict"
		resp.Error = "keywords changed while grouping, try again"
		resp.Retryable = true
	default:
		resp.Error = "cannot group keywords right now"
		log.Error().Err(err).Msg("Unexpected grouping error")
	}
	writeJSON(w, status, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_input")
		return false
	}
	return true
}

func requireOwner(w http.ResponseWriter, owner string) (string, bool) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required", "invalid_input")
		return "", false
	}
	return owner, true
}

// handleAddKeywords normalizes, validates and stores keywords.
func (s *Service) handleAddKeywords(w http.ResponseWriter, r *http.Request) {
	var req AddKeywordsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, ok := requireOwner(w, req.Owner)
	if !ok {
		return
	}

	norm := s.normalizer.Load()
	input := req.Text
	if len(req.Keywords) > 0 {
		input = strings.Join(append([]string{input}, req.Keywords...), "\n")
	}
	entries := norm.Parse(input)
	if len(entries) == 0 {
		writeError(w, http.StatusBadRequest, "no keywords found in request", "invalid_input")
		return
	}
	if limit := s.config.MaxKeywordsPerRequest; limit > 0 && len(entries) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "too many keywords in one request", "invalid_input")
		return
	}

	records := make([]*models.Keyword, 0, len(entries))
	for i, e := range entries {
		if s.validator != nil {
			if err := s.validator.Validate(e.Text); err != nil {
				writeGroupingError(w, grouping.NewInputError(i, e.Raw, "", err))
				return
			}
		}
		records = append(records, models.NewKeyword(owner, e.Text, e.Raw))
	}

	stored, skipped, err := s.keywordStore.AddKeywords(r.Context(), owner, records)
	if err != nil {
		log.Error().Err(err).Str("owner", owner).Msg("Failed to store keywords")
		writeError(w, http.StatusInternalServerError, "failed to store keywords", "internal")
		return
	}
	pending, err := s.keywordStore.CountUnprocessed(r.Context(), owner)
	if err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("Failed to count pending keywords")
	}

	if len(stored) > 0 {
		s.sseBroadcaster.Broadcast(sse.Event{
			Type:  sse.EventKeywordsAdded,
			Owner: owner,
			Data:  map[string]any{"added": len(stored), "pending": pending},
		})
	}
	if stored == nil {
		stored = []models.Keyword{}
	}
	writeJSON(w, http.StatusOK, AddKeywordsResponse{
		Keywords: stored,
		Added:    len(stored),
		Skipped:  skipped,
		Pending:  pending,
	})
}

func (s *Service) handlePendingKeywords(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r.URL.Query().Get("owner"))
	if !ok {
		return
	}
	rows, err := s.keywordStore.FetchUnprocessedKeywords(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load keywords", "internal")
		return
	}
	if rows == nil {
		rows = []models.Keyword{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleGroup groups the owner's pending keywords and persists the run.
// Concurrent requests for the same owner share one run.
func (s *Service) handleGroup(w http.ResponseWriter, r *http.Request) {
	var req OwnerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, ok := requireOwner(w, req.Owner)
	if !ok {
		return
	}

	v, err, shared := s.runs.Do(owner, func() (any, error) {
		return s.groupOwner(owner)
	})
	if err != nil {
		s.sseBroadcaster.Broadcast(sse.Event{
			Type:  sse.EventGroupingFailed,
			Owner: owner,
			Data:  map[string]any{"kind": grouping.Kind(err), "retryable": grouping.IsRetryable(err)},
		})
		writeGroupingError(w, err)
		return
	}
	if shared {
		log.Debug().Str("owner", owner).Msg("Grouping request joined an in-flight run")
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Service) groupOwner(owner string) (*models.GroupingResult, error) {
	result, err := s.engine.Run(s.ctx, s.keywordStore, owner)
	if err != nil {
		return nil, err
	}
	if err := s.keywordStore.MarkGrouped(s.ctx, owner, result); err != nil {
		return nil, err
	}
	s.sseBroadcaster.Broadcast(sse.Event{
		Type:  sse.EventGroupsReady,
		Owner: owner,
		RunID: result.RunID,
		Data:  map[string]any{"k": result.K, "labels": result.Labels()},
	})
	return result, nil
}

// handlePreviewGroups groups the given keywords without touching storage.
func (s *Service) handlePreviewGroups(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if limit := s.config.MaxKeywordsPerRequest; limit > 0 && len(req.Keywords) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "too many keywords in one request", "invalid_input")
		return
	}
	result, err := s.engine.GroupTexts(r.Context(), req.Owner, req.Keywords)
	if err != nil {
		writeGroupingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleLatestGroups(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r.URL.Query().Get("owner"))
	if !ok {
		return
	}
	result, err := s.groupStore.LatestRun(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load groups", "internal")
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "no groups yet, add keywords and group them first", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleGetRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.groupStore.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run", "internal")
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "run not found", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleListRuns(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r.URL.Query().Get("owner"))
	if !ok {
		return
	}
	runs, err := s.groupStore.ListRuns(r.Context(), owner, gorm.ParseLimitParam(r, s.historyLimit()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load runs", "internal")
		return
	}
	if runs == nil {
		runs = []*models.GroupingResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGenerateOutlines builds outlines from the owner's latest run.
func (s *Service) handleGenerateOutlines(w http.ResponseWriter, r *http.Request) {
	var req OwnerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, ok := requireOwner(w, req.Owner)
	if !ok {
		return
	}

	result, err := s.groupStore.LatestRun(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load groups", "internal")
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "no groups yet, group keywords before generating outlines", "not_found")
		return
	}

	batch := models.NewOutlineBatch(owner, result.RunID, outline.Generate(result.Groups))
	s.saveAndAnnounce(w, r, batch)
}

// handleRefineOutlines appends refinement guidance to the latest outlines
// and stores the result as a new batch.
func (s *Service) handleRefineOutlines(w http.ResponseWriter, r *http.Request) {
	var req OwnerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, ok := requireOwner(w, req.Owner)
	if !ok {
		return
	}

	latest, err := s.outlineStore.LatestBatch(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load outlines", "internal")
		return
	}
	if latest == nil {
		writeError(w, http.StatusNotFound, "no outlines to refine", "not_found")
		return
	}

	batch := models.NewOutlineBatch(owner, latest.RunID, outline.Refine(latest.Outlines))
	s.saveAndAnnounce(w, r, batch)
}

func (s *Service) saveAndAnnounce(w http.ResponseWriter, r *http.Request, batch *models.OutlineBatch) {
	if _, err := s.outlineStore.SaveBatch(r.Context(), batch); err != nil {
		log.Error().Err(err).Str("owner", batch.Owner).Msg("Failed to save outlines")
		writeError(w, http.StatusInternalServerError, "failed to save outlines", "internal")
		return
	}
	s.sseBroadcaster.Broadcast(sse.Event{
		Type:  sse.EventOutlinesReady,
		Owner: batch.Owner,
		RunID: batch.RunID,
		Data:  map[string]any{"batch_id": batch.ID, "outlines": len(batch.Outlines)},
	})
	writeJSON(w, http.StatusOK, batch)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r.URL.Query().Get("owner"))
	if !ok {
		return
	}
	history, err := s.outlineStore.History(r.Context(), owner, gorm.ParseLimitParam(r, s.historyLimit()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history", "internal")
		return
	}
	if history == nil {
		history = []*models.OutlineBatch{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Service) handleSetEmail(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, chi.URLParam(r, "owner"))
	if !ok {
		return
	}
	var req EmailRequest
	if !decodeBody(w, r, &req) {
		return
	}
	email, err := s.userStore.SetEmail(r.Context(), owner, req.Email)
	if errors.Is(err, gorm.ErrInvalidEmail) {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_input")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save email", "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": owner, "email": email})
}

func (s *Service) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, chi.URLParam(r, "owner"))
	if !ok {
		return
	}
	email, err := s.userStore.GetEmail(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load email", "internal")
		return
	}
	if email == "" {
		writeError(w, http.StatusNotFound, "no email set", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": owner, "email": email})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	dbErr := s.store.Ping()
	switch {
	case !s.ready.Load():
		status = "starting"
		code = http.StatusServiceUnavailable
	case dbErr != nil:
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":        status,
		"version":       s.version,
		"model_version": s.engine.ModelVersion(),
		"db_driver":     s.store.Driver(),
		"db_ok":         dbErr == nil,
		"uptime":        time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"grouping":    s.engine.Metrics().Snapshot(),
		"sse_clients": s.sseBroadcaster.ClientCount(),
		"events_sent": s.sseBroadcaster.EventsSent(),
		"canonicals":  len(s.normalizer.Load().Rules().Canonicals()),
	}
	if s.cache != nil {
		stats["cache"] = s.cache.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) historyLimit() int {
	if s.config.HistoryLimit > 0 {
		return s.config.HistoryLimit
	}
	return gorm.DefaultHistoryLimit
}

var _ grouping.Validator = (*keywords.Validator)(nil)
