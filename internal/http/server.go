package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ridesaver/internal/directory"
	"github.com/example/ridesaver/internal/events"
	"github.com/example/ridesaver/internal/reservation"
	"github.com/example/ridesaver/internal/session"
)

// Server exposes the reservation service as a JSON API plus a websocket
// change feed per group.
type Server struct {
	svc    *reservation.Service
	dir    *directory.Directory
	auth   *session.Authenticator
	hub    *events.Hub
	ready  func(context.Context) error
	logger *slog.Logger
	mux    *mux.Router
}

type Options struct {
	Service   *reservation.Service
	Directory *directory.Directory
	Auth      *session.Authenticator
	Hub       *events.Hub // optional; disables /ws when nil
	// Ready reports whether the backends are reachable.
	Ready  func(context.Context) error
	Logger *slog.Logger
}

func NewServer(o Options) *Server {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    o.Service,
		dir:    o.Directory,
		auth:   o.Auth,
		hub:    o.Hub,
		ready:  o.Ready,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/nearby", s.handleNearbyRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleRideDetails).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleReschedule).Methods("PATCH")
	api.HandleFunc("/rides/{id}", s.handleCancel).Methods("DELETE")
	api.HandleFunc("/rides/{id}/join", s.handleJoin).Methods("POST")
	api.HandleFunc("/rides/{id}/leave", s.handleLeave).Methods("POST")
	api.HandleFunc("/me/group", s.handleMyGroup).Methods("GET")
	api.HandleFunc("/members", s.handleRegister).Methods("POST")
	api.HandleFunc("/map/markers", s.handleMarkers).Methods("GET")
	api.HandleFunc("/map/geojson", s.handleGeoJSON).Methods("GET")

	if s.hub != nil {
		ws := s.mux.PathPrefix("/ws").Subrouter()
		ws.Use(s.authMiddleware)
		ws.HandleFunc("/groups/{group_id}", s.handleWS).Methods("GET")
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS subscribes the caller to change events of their own group.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["group_id"]
	sess, err := session.Require(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mine, err := s.dir.ResolveGroup(r.Context(), sess.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if mine != groupID {
		http.Error(w, "not a member of this group", http.StatusForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.Serve(groupID, conn)
}
