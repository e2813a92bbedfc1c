package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/session"
)

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/history", s.handleRideHistory).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/arrived", s.rideProgress(s.coord.DriverArrived)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/start", s.rideProgress(s.coord.StartRide)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}/complete", s.rideProgress(s.coord.CompleteRide)).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}/accept", s.handleOfferAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}/decline", s.handleOfferDecline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{id}/offers", s.handleDriverOffers).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/status", s.handleDriverStatus).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/rider/{rider_id}", s.handleRiderWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the core's sentinel errors onto HTTP statuses. Anything
// unrecognized is a 500 with a generic body; details stay in the logs.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ride.ErrRideNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, match.ErrOfferNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, ride.ErrStaleVersion),
		errors.Is(err, ride.ErrInvalidTransition),
		errors.Is(err, session.ErrDriverBusy):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, ride.ErrActorNotAllowed),
		errors.Is(err, match.ErrNotOfferedDriver):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.Is(err, match.ErrOfferExpired):
		writeJSON(w, http.StatusGone, errorBody{Error: err.Error()})
	case errors.Is(err, session.ErrInvalidAvailability):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	default:
		if s.logger != nil {
			s.logger.Error("request failed", "error", err)
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body: " + err.Error()})
		return
	}
	if req.RiderID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "rider_id is required"})
		return
	}
	if req.Pickup.Lat == 0 && req.Pickup.Lon == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "pickup location is required"})
		return
	}
	s.registry.RegisterRider(req.RiderID)
	created, err := s.coord.RequestRide(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	got, err := s.coord.GetRide(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.coord.StatusHistory(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

type cancelBody struct {
	RiderID string `json:"rider_id"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RiderID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "rider_id is required"})
		return
	}
	cancelled, err := s.coord.CancelRide(r.Context(), mux.Vars(r)["id"], body.RiderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

type driverBody struct {
	DriverID string `json:"driver_id"`
}

// rideProgress adapts the driver-actor lifecycle calls (arrived, start,
// complete) into one handler shape.
func (s *Server) rideProgress(fn func(ctx context.Context, rideID, driverID string) (models.Ride, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body driverBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "driver_id is required"})
			return
		}
		updated, err := fn(r.Context(), mux.Vars(r)["id"], body.DriverID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func (s *Server) handleOfferAccept(w http.ResponseWriter, r *http.Request) {
	var body driverBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "driver_id is required"})
		return
	}
	if err := s.coord.AcceptOffer(r.Context(), mux.Vars(r)["id"], body.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOfferDecline(w http.ResponseWriter, r *http.Request) {
	var body driverBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "driver_id is required"})
		return
	}
	if err := s.coord.DeclineOffer(r.Context(), mux.Vars(r)["id"], body.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOffers(w http.ResponseWriter, r *http.Request) {
	offers := s.coord.ListOffersForDriver(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, offers)
}

type driverStatusBody struct {
	DriverID     string              `json:"driver_id"`
	Availability models.Availability `json:"availability"`
	Loc          models.Coord        `json:"loc"`
}

// handleDriverStatus is how drivers come online and go offline. Going online
// registers (or revives) the session; busy is never settable here, only the
// lifecycle binds and releases drivers.
func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body driverStatusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "driver_id is required"})
		return
	}
	switch body.Availability {
	case models.AvailabilityOnline:
		sess := s.registry.RegisterDriver(body.DriverID, body.Loc)
		writeJSON(w, http.StatusOK, sess)
	case models.AvailabilityOffline:
		if err := s.registry.SetAvailability(body.DriverID, models.AvailabilityOffline); err != nil {
			s.writeError(w, err)
			return
		}
		sess, err := s.registry.Snapshot(body.DriverID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "availability must be online or offline"})
	}
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.DriverLocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil || u.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "driver_id is required"})
		return
	}
	if u.SentAt.IsZero() {
		u.SentAt = time.Now()
	}
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(u); err != nil && s.logger != nil {
			s.logger.Warn("kafka publish failed", "driver_id", u.DriverID, "error", err)
		}
	}
	if err := s.coord.DriverLocation(u.DriverID, u.Loc); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Add(broadcast.DriverSession(id), conn)
}

func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["rider_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Add(broadcast.RiderSession(id), conn)
}
