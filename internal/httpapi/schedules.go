package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"petfeeder/internal/feeder"
	"petfeeder/internal/schedule"
)

type scheduleRequest struct {
	Time    *string         `json:"time"`
	Portion json.RawMessage `json:"portion"`
	Days    *string         `json:"days"`
	Active  *bool           `json:"active"`
}

// portion returns nil when the field is absent.
func (q scheduleRequest) portion() (*float64, error) {
	if len(q.Portion) == 0 || string(q.Portion) == "null" {
		return nil, nil
	}
	p, err := feeder.ParsePortion(q.Portion)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type scheduleResponse struct {
	envelope
	Schedule *schedule.Schedule `json:"schedule,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w)
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	list, err := s.deps.Schedules.List(r.Context(), all)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w)
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := req.portion()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	in := schedule.CreateInput{Portion: p, Days: req.Days}
	if req.Time != nil {
		in.Time = *req.Time
	}
	sc, err := s.deps.Schedules.Create(r.Context(), in)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse{
		envelope: envelope{Status: "success", Message: "Feeding schedule created"},
		Schedule: &sc,
	})
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w)
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := req.portion()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	sc, err := s.deps.Schedules.Update(r.Context(), r.PathValue("id"), schedule.Patch{
		Time:    req.Time,
		Portion: p,
		Days:    req.Days,
		Active:  req.Active,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{
		envelope: envelope{Status: "success", Message: "Feeding schedule updated"},
		Schedule: &sc,
	})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w)
		return
	}
	if err := s.deps.Schedules.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: "Schedule deleted"})
}
