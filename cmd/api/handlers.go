package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/engine/index"
	"github.com/meetpoint/recommender/engine/jobs"
	"github.com/meetpoint/recommender/engine/recommend"
	"github.com/meetpoint/recommender/pkg/metrics"
	"github.com/meetpoint/recommender/pkg/mid"
)

const maxBodyBytes = 1 << 20

type recommender interface {
	Recommend(ctx context.Context, req domain.RecommendationRequest) (domain.RecommendationResult, error)
	Rank(ctx context.Context, req domain.RecommendationRequest) (recommend.Ranked, error)
}

type indexAdmin interface {
	Current() *index.Snapshot
	Refresh(ctx context.Context) (*index.Snapshot, error)
	Status() index.Status
}

type jobPublisher interface {
	EnqueuePlaceCrawl(ctx context.Context, j jobs.PlaceCrawl) (jobs.PlaceCrawl, error)
	EnqueueReviewCrawl(ctx context.Context, j jobs.ReviewCrawl) (jobs.ReviewCrawl, error)
}

// server holds the handler dependencies. jobs is nil when messaging is not
// configured.
type server struct {
	svc          recommender
	idx          indexAdmin
	jobs         jobPublisher
	nearRadiusKm float64
	logger       *slog.Logger
}

func (s *server) routes(reg *metrics.Registry) *http.ServeMux {
	m := mid.Metrics(reg)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /api/v1/recommendations", m("recommendations", http.HandlerFunc(s.handleRecommend)))
	mux.Handle("POST /recommend-places", m("recommend_places", http.HandlerFunc(s.handleRecommendPlaces)))
	mux.Handle("GET /api/v1/places", m("places", http.HandlerFunc(s.handlePlaces)))
	mux.Handle("POST /api/v1/crawl", m("crawl", http.HandlerFunc(s.handleCrawl)))
	mux.Handle("POST /api/v1/crawl/reviews", m("crawl_reviews", http.HandlerFunc(s.handleCrawlReviews)))
	mux.Handle("POST /api/v1/index/refresh", m("index_refresh", http.HandlerFunc(s.handleRefresh)))
	mux.Handle("GET /api/v1/index", m("index_status", http.HandlerFunc(s.handleIndexStatus)))
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req domain.RecommendationRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Recommend(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, res)
}

// springRequest is the body sent by the appointment backend.
type springRequest struct {
	Query     string   `json:"query"`
	PromiseID *int64   `json:"promise_id,omitempty"`
	Limit     *int     `json:"limit,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type springPlace struct {
	PlaceID              string   `json:"place_id"`
	PlaceName            string   `json:"place_name"`
	Category             string   `json:"category"`
	Address              string   `json:"address"`
	Latitude             float64  `json:"latitude"`
	Longitude            float64  `json:"longitude"`
	AIScore              *float64 `json:"ai_score"`
	DistanceFromMidpoint *float64 `json:"distance_from_midpoint"`
}

type springResponse struct {
	PromiseID       *int64        `json:"promise_id"`
	Recommendations []springPlace `json:"recommendations"`
}

func (s *server) handleRecommendPlaces(w http.ResponseWriter, r *http.Request) {
	var in springRequest
	if !s.decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Query) == "" {
		s.writeError(w, r, domain.NewValidationError("query", "", "required"))
		return
	}
	noExplain := false
	req := domain.RecommendationRequest{QueryText: in.Query, TopK: in.Limit, Explain: &noExplain}
	if in.Latitude != nil && in.Longitude != nil {
		req.Filters.Near = &domain.GeoFilter{Lat: *in.Latitude, Lon: *in.Longitude, RadiusKm: s.nearRadiusKm}
	}

	ranked, err := s.svc.Rank(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := springResponse{PromiseID: in.PromiseID, Recommendations: make([]springPlace, 0, len(ranked.Places))}
	for _, sp := range ranked.Places {
		p := sp.Place
		item := springPlace{
			PlaceID:   p.ID,
			PlaceName: p.Name,
			Category:  p.Category,
			Address:   p.Address,
			Latitude:  p.Location.Lat,
			Longitude: p.Location.Lon,
		}
		if ranked.Ranking == domain.RankingSimilarity || ranked.Ranking == domain.RankingCategory {
			score := absoluteScore(sp.Score)
			item.AIScore = &score
		}
		if n := req.Filters.Near; n != nil {
			d := round2(domain.HaversineKm(n.Lat, n.Lon, p.Location.Lat, p.Location.Lon))
			item.DistanceFromMidpoint = &d
		}
		out.Recommendations = append(out.Recommendations, item)
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

// absoluteScore maps a cosine score onto 0..100.
func absoluteScore(score float64) float64 {
	return round2(math.Max(score, 0) * 100)
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

type placesResponse struct {
	Places          []domain.Place `json:"places"`
	SnapshotVersion uint64         `json:"snapshotVersion"`
}

func (s *server) handlePlaces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f domain.Filters
	if c := q.Get("category"); c != "" {
		f.Categories = strings.Split(c, ",")
	}
	f.Region = q.Get("region")
	if err := domain.ValidateFilters(f); err != nil {
		s.writeError(w, r, err)
		return
	}

	snap := s.idx.Current()
	var places []domain.Place
	if ids := q.Get("ids"); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			p, ok := snap.Place(strings.TrimSpace(id))
			if ok && f.Match(p) {
				places = append(places, p)
			}
		}
	} else {
		places = snap.Places(f)
	}
	if places == nil {
		places = []domain.Place{}
	}
	s.writeJSON(w, r, http.StatusOK, placesResponse{Places: places, SnapshotVersion: snap.Version})
}

type crawlAccepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeJSON(w, r, http.StatusServiceUnavailable, errorBody{Error: "messaging is not configured"})
		return
	}
	var j jobs.PlaceCrawl
	if !s.decode(w, r, &j) {
		return
	}
	j, err := s.jobs.EnqueuePlaceCrawl(r.Context(), j)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, crawlAccepted{JobID: j.JobID, Status: "queued"})
}

func (s *server) handleCrawlReviews(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeJSON(w, r, http.StatusServiceUnavailable, errorBody{Error: "messaging is not configured"})
		return
	}
	var j jobs.ReviewCrawl
	if !s.decode(w, r, &j) {
		return
	}
	j, err := s.jobs.EnqueueReviewCrawl(r.Context(), j)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, crawlAccepted{JobID: j.JobID, Status: "queued"})
}

type refreshResponse struct {
	Version uint64 `json:"version"`
	Places  int    `json:"places"`
	Error   string `json:"error,omitempty"`
}

// handleRefresh reloads synchronously. On failure the previous snapshot
// keeps serving and its version is reported with the error.
func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.idx.Refresh(r.Context())
	if err != nil {
		cur := s.idx.Current()
		s.logger.Warn("manual index refresh failed", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrDimensionMismatch) {
			status = http.StatusConflict
		}
		s.writeJSON(w, r, status, refreshResponse{Version: cur.Version, Places: cur.Len(), Error: err.Error()})
		return
	}
	s.writeJSON(w, r, http.StatusOK, refreshResponse{Version: snap.Version, Places: snap.Len()})
}

func (s *server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.idx.Status())
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrEmbeddingUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err, "path", r.URL.Path, "request_id", mid.RequestIDFrom(r.Context()))
		msg = "internal error"
	}
	s.writeJSON(w, r, status, errorBody{Error: msg})
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, r, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeJSON encodes v before touching the response, so an unencodable value
// becomes a 500 instead of a truncated body.
func (s *server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("encode response failed", "err", err, "path", r.URL.Path, "request_id", mid.RequestIDFrom(r.Context()))
		status = http.StatusInternalServerError
		body = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		s.logger.Warn("write response failed", "err", err, "path", r.URL.Path, "request_id", mid.RequestIDFrom(r.Context()))
	}
}

