package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ridesaver/internal/models"
	"github.com/example/ridesaver/internal/reservation"
	"github.com/example/ridesaver/internal/session"
)

const (
	defaultNearbyRadiusM = 5000
	defaultNearbyLimit   = 20
)

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in reservation.CreateRideInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.svc.CreateRide(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.svc.ListRides(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleNearbyRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ve := &models.ValidationError{}
	lat := queryFloat(q.Get("lat"), "lat", -90, 90, ve, nil)
	lon := queryFloat(q.Get("lon"), "lon", -180, 180, ve, nil)
	radius := queryFloat(q.Get("radius_m"), "radius_m", 1, 100000, ve, ptr(float64(defaultNearbyRadiusM)))
	limit := defaultNearbyLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			ve.Add("limit", "must be a positive integer")
		}
		limit = n
	}
	if err := ve.OrNil(); err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, err := s.svc.NearbyRides(r.Context(), lat, lon, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleRideDetails(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.RideDetails(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	ride, err := s.svc.JoinRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	ride, err := s.svc.LeaveRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type rescheduleRequest struct {
	DepartureTime time.Time `json:"departure_time"`
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var in rescheduleRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.svc.RescheduleRide(r.Context(), mux.Vars(r)["id"], in.DepartureTime)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := s.svc.CancelRide(r.Context(), mux.Vars(r)["id"], force); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMyGroup(w http.ResponseWriter, r *http.Request) {
	sess, err := session.Require(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	groupID, err := s.dir.ResolveGroup(r.Context(), sess.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.dir.GetGroup(r.Context(), groupID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type registerRequest struct {
	DisplayName string `json:"display_name"`
	GroupID     string `json:"group_id"`
}

// handleRegister enrols the caller in a group; identity comes from the token.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	sess, err := session.Require(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in registerRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.dir.Register(r.Context(), models.Member{
		UserID:      sess.UserID,
		DisplayName: in.DisplayName,
		Email:       sess.Email,
		GroupID:     in.GroupID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMarkers(w http.ResponseWriter, r *http.Request) {
	ms, err := s.svc.Markers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markers": ms})
}

// decode reads a JSON body; syntax errors surface as validation errors.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		ve := &models.ValidationError{}
		ve.Add("body", fmt.Sprintf("invalid JSON: %v", err))
		return ve
	}
	return nil
}

func queryFloat(raw, name string, min, max float64, ve *models.ValidationError, def *float64) float64 {
	if raw == "" {
		if def != nil {
			return *def
		}
		ve.Add(name, "is required")
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		ve.Add(name, "must be a number")
		return 0
	}
	if f < min || f > max {
		ve.Add(name, fmt.Sprintf("must be between %g and %g", min, max))
	}
	return f
}

func ptr[T any](v T) *T { return &v }
