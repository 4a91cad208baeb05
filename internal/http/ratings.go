package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Clark-Hu/rateable/internal/domain"
	"github.com/Clark-Hu/rateable/internal/rating"
)

const (
	maxRequestBody   = 1 << 20 // 1 MiB
	defaultPrecision = 1
	reviewerHeader   = "X-Reviewer-Id"
)

type errorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type scoreRequest struct {
	Score *int `json:"score"`
}

type ratingResponse struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	ResourceID string    `json:"resourceId"`
	ReviewerID string    `json:"reviewerId"`
	Score      int       `json:"score"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type ratingListResponse struct {
	Items []ratingResponse `json:"items"`
}

type aggregateResponse struct {
	Kind       string  `json:"kind"`
	ResourceID string  `json:"resourceId"`
	Votes      int64   `json:"votes"`
	Total      int64   `json:"total"`
	Average    float64 `json:"average"`
	Precision  int     `json:"precision"`
}

type recomputeResponse struct {
	Kind        string `json:"kind"`
	ResourceID  string `json:"resourceId"`
	Corrected   bool   `json:"corrected"`
	StoredVotes int64  `json:"storedVotes"`
	StoredTotal int64  `json:"storedTotal"`
	Votes       int64  `json:"votes"`
	Total       int64  `json:"total"`
}

type purgeResponse struct {
	Removed int `json:"removed"`
}

type scoreBoundsDetails struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (s *Server) handleAddRating(w http.ResponseWriter, r *http.Request) {
	ref, reviewer, ok := s.mutationTarget(w, r)
	if !ok {
		return
	}
	score, ok := s.decodeScore(w, r)
	if !ok {
		return
	}

	created, err := s.ratings.AddRating(r.Context(), ref, reviewer, score)
	if err != nil {
		s.respondServiceError(w, "add rating", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, toRatingResponse(created))
}

func (s *Server) handleChangeRating(w http.ResponseWriter, r *http.Request) {
	ref, reviewer, ok := s.mutationTarget(w, r)
	if !ok {
		return
	}
	score, ok := s.decodeScore(w, r)
	if !ok {
		return
	}

	updated, err := s.ratings.ChangeRating(r.Context(), ref, reviewer, score)
	if err != nil {
		s.respondServiceError(w, "change rating", err)
		return
	}
	s.respondJSON(w, http.StatusOK, toRatingResponse(updated))
}

func (s *Server) handleRemoveRating(w http.ResponseWriter, r *http.Request) {
	ref, reviewer, ok := s.mutationTarget(w, r)
	if !ok {
		return
	}

	if err := s.ratings.RemoveRating(r.Context(), ref, reviewer); err != nil {
		s.respondServiceError(w, "remove rating", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetOwnRating(w http.ResponseWriter, r *http.Request) {
	ref, reviewer, ok := s.mutationTarget(w, r)
	if !ok {
		return
	}

	found, exists, err := s.ratings.FindRating(r.Context(), ref, reviewer)
	if err != nil {
		s.respondServiceError(w, "find rating", err)
		return
	}
	if !exists {
		s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
		return
	}
	s.respondJSON(w, http.StatusOK, toRatingResponse(found))
}

func (s *Server) handleListRatings(w http.ResponseWriter, r *http.Request) {
	ref, err := resourceParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	ratings, err := s.ratings.FindRatingsForResource(r.Context(), ref)
	if err != nil {
		s.respondServiceError(w, "list ratings", err)
		return
	}
	items := make([]ratingResponse, 0, len(ratings))
	for _, rt := range ratings {
		items = append(items, toRatingResponse(rt))
	}
	s.respondJSON(w, http.StatusOK, ratingListResponse{Items: items})
}

func (s *Server) handleGetAggregate(w http.ResponseWriter, r *http.Request) {
	ref, err := resourceParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	precision, err := parsePrecision(r.URL.Query())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	agg, err := s.ratings.GetAggregate(r.Context(), ref)
	if err != nil {
		s.respondServiceError(w, "get aggregate", err)
		return
	}
	s.respondJSON(w, http.StatusOK, aggregateResponse{
		Kind:       ref.Kind,
		ResourceID: ref.ID,
		Votes:      agg.Votes,
		Total:      agg.Total,
		Average:    rating.AverageScore(agg, precision),
		Precision:  precision,
	})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	if !s.verifyBearer(r.Header.Get("Authorization")) {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}
	ref, err := resourceParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	drift, err := s.ratings.RecomputeAggregate(r.Context(), ref)
	if err != nil {
		s.respondServiceError(w, "recompute aggregate", err)
		return
	}
	s.respondJSON(w, http.StatusOK, recomputeResponse{
		Kind:        ref.Kind,
		ResourceID:  ref.ID,
		Corrected:   drift.Drifted(),
		StoredVotes: drift.StoredVotes,
		StoredTotal: drift.StoredTotal,
		Votes:       drift.ExpectedVotes,
		Total:       drift.ExpectedTotal,
	})
}

func (s *Server) handlePurgeResource(w http.ResponseWriter, r *http.Request) {
	if !s.verifyBearer(r.Header.Get("Authorization")) {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}
	ref, err := resourceParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	removed, err := s.ratings.PurgeResource(r.Context(), ref)
	if err != nil {
		s.respondServiceError(w, "purge resource", err)
		return
	}
	s.respondJSON(w, http.StatusOK, purgeResponse{Removed: removed})
}

// mutationTarget extracts the resource and the calling reviewer, writing an
// error response when either is missing.
func (s *Server) mutationTarget(w http.ResponseWriter, r *http.Request) (domain.ResourceRef, string, bool) {
	ref, err := resourceParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return domain.ResourceRef{}, "", false
	}
	reviewer := strings.TrimSpace(r.Header.Get(reviewerHeader))
	if reviewer == "" {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return domain.ResourceRef{}, "", false
	}
	return ref, reviewer, true
}

func (s *Server) decodeScore(w http.ResponseWriter, r *http.Request) (int, bool) {
	var req scoreRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return 0, false
	}
	if req.Score == nil {
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "score is required")
		return 0, false
	}
	return *req.Score, true
}

func (s *Server) respondServiceError(w http.ResponseWriter, op string, err error) {
	var scoreErr *domain.ScoreError
	switch {
	case errors.As(err, &scoreErr):
		s.respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Code:    "VALIDATION_ERROR",
			Message: scoreErr.Error(),
			Details: scoreBoundsDetails{Min: scoreErr.Min, Max: scoreErr.Max},
		})
	case errors.Is(err, domain.ErrInvalidArgument):
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		s.respondError(w, http.StatusForbidden, "FORBIDDEN", "Reviewer is not allowed to perform this action")
	case errors.Is(err, domain.ErrAlreadyRated):
		s.respondError(w, http.StatusConflict, "ALREADY_RATED", "Reviewer has already rated this resource")
	case errors.Is(err, domain.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
	case errors.Is(err, domain.ErrConflict):
		s.logger.Warn("giving up after concurrent modifications", "operation", op, "error", err)
		s.respondError(w, http.StatusServiceUnavailable, "CONFLICT", "Too many concurrent modifications, retry later")
	default:
		s.logger.Error("request failed", "operation", op, "error", err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprintf("Failed to %s", op))
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Error("failed to encode response", "error", err)
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, errorResponse{
		Code:    code,
		Message: message,
	})
}

func (s *Server) respondDecodeError(w http.ResponseWriter, err error) {
	var syntaxError *json.SyntaxError
	var typeError *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxError):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Malformed JSON payload")
	case errors.As(err, &typeError):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("Invalid value for field %s", typeError.Field))
	case errors.Is(err, io.EOF):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body cannot be empty")
	default:
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Unable to parse request body")
	}
}

func toRatingResponse(rt domain.Rating) ratingResponse {
	return ratingResponse{
		ID:         rt.ID,
		Kind:       rt.Resource.Kind,
		ResourceID: rt.Resource.ID,
		ReviewerID: rt.ReviewerID,
		Score:      rt.Score,
		CreatedAt:  rt.CreatedAt,
		UpdatedAt:  rt.UpdatedAt,
	}
}

func resourceParam(r *http.Request) (domain.ResourceRef, error) {
	var ref domain.ResourceRef
	for _, p := range []struct {
		name string
		dst  *string
	}{{"kind", &ref.Kind}, {"id", &ref.ID}} {
		raw := chi.URLParam(r, p.name)
		if raw == "" {
			return domain.ResourceRef{}, fmt.Errorf("missing %s parameter", p.name)
		}
		val, err := url.PathUnescape(raw)
		if err != nil {
			return domain.ResourceRef{}, fmt.Errorf("invalid %s parameter", p.name)
		}
		*p.dst = val
	}
	if err := ref.Validate(); err != nil {
		return domain.ResourceRef{}, err
	}
	return ref, nil
}

// parsePrecision reads ?precision=N, defaulting to one decimal digit.
func parsePrecision(query url.Values) (int, error) {
	raw := strings.TrimSpace(query.Get("precision"))
	if raw == "" {
		return defaultPrecision, nil
	}
	p, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("precision must be an integer")
	}
	if p < 0 || p > domain.MaxPrecision {
		return 0, fmt.Errorf("precision must be between 0 and %d", domain.MaxPrecision)
	}
	return p, nil
}

func (s *Server) verifyBearer(header string) bool {
	if header == "" || s.cfg.AuthToken == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token == s.cfg.AuthToken
}
