package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"petfeeder/internal/feeder"
	"petfeeder/internal/storage"
	"petfeeder/internal/telemetry"
)

const (
	defaultHistoryDays = 7
	maxHistoryDays     = 90
)

type statusResponse struct {
	telemetry.Reading
	Percent *float64 `json:"foodLevelPercent,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Device == nil {
		unavailable(w)
		return
	}
	rd := s.deps.Device.Snapshot()
	resp := statusResponse{Reading: rd}
	if p := rd.Percent(); p >= 0 {
		resp.Percent = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

type feedRequest struct {
	Portion json.RawMessage `json:"portion"`
}

type feedResponse struct {
	envelope
	Outcome     feeder.Outcome `json:"outcome"`
	Portion     float64        `json:"portion"`
	RequestID   string         `json:"requestId,omitempty"`
	FeedingTime int64          `json:"feedingTime,omitempty"`
	CurrentFood *float64       `json:"currentFoodStorageWeight,omitempty"`
	MaxFood     *float64       `json:"maxFoodStorageWeight,omitempty"`
	CompletedAt time.Time      `json:"completedAt"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feeder == nil {
		unavailable(w)
		return
	}
	var req feedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, feeder.MessageInvalidPortion)
		return
	}
	portion, err := feeder.ParsePortion(req.Portion)
	if err != nil {
		writeError(w, http.StatusBadRequest, feeder.MessageInvalidPortion)
		return
	}

	res, err := s.deps.Feeder.Feed(r.Context(), portion, false)
	body := feedResponse{
		Outcome:     res.Outcome,
		Portion:     res.Portion,
		RequestID:   res.RequestID,
		FeedingTime: res.FeedingTime.Milliseconds(),
		CurrentFood: res.Weights.Current,
		MaxFood:     res.Weights.Max,
		CompletedAt: res.CompletedAt,
	}
	if err != nil {
		var fv *feeder.ValidationError
		if errors.As(err, &fv) {
			writeError(w, http.StatusBadRequest, fv.Message)
			return
		}
		body.envelope = envelope{Status: "error", Message: res.Message}
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	body.envelope = envelope{Status: "success", Message: res.Message}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recommender == nil {
		unavailable(w)
		return
	}
	rec, err := s.deps.Recommender.Recommend(r.Context(), s.now())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type historyResponse struct {
	Days    int                       `json:"days"`
	Entries []storage.FeedingLogEntry `json:"entries"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		unavailable(w)
		return
	}
	days := defaultHistoryDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = min(n, maxHistoryDays)
	}
	entries, err := s.deps.History.FeedingLogsSince(r.Context(), s.now().AddDate(0, 0, -days))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []storage.FeedingLogEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Days: days, Entries: entries})
}
