package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fleet-sync/internal/activity"
	"github.com/example/fleet-sync/internal/engine"
	"github.com/example/fleet-sync/internal/geo"
	"github.com/example/fleet-sync/internal/lifecycle"
	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/pod"
	"github.com/example/fleet-sync/internal/reconcile"
	"github.com/example/fleet-sync/internal/store"
)

const maxUploadBytes = pod.MaxPhotoBytes + 1<<20

// Editor is the part of the engine the API writes through.
type Editor interface {
	SubmitLocalEdit(ctx context.Context, ref models.Ref, patch models.Patch) (string, error)
	PendingEdits(ctx context.Context) ([]reconcile.PendingEdit, error)
	CheckIn(ctx context.Context, driverID string) error
	CheckOut(ctx context.Context, driverID string) error
	Refresh(reason string)
}

// Lifecycle is the delivery state machine.
type Lifecycle interface {
	RequestDelivered(ctx context.Context, stopID string, pkg *pod.Package) error
	RequestFailed(ctx context.Context, stopID, reason string) error
	CancelStop(ctx context.Context, stopID string) error
	CancelRoute(ctx context.Context, routeID string) error
	RetryStatus(ctx context.Context, stopID string) error
	DismissWarning(stopID string) bool
	Warnings() []lifecycle.Warning
}

type Deps struct {
	Store     *store.Store
	Editor    Editor
	Lifecycle Lifecycle
	Activity  *activity.Feed
	Geo       geo.Geo
	WS        http.Handler
	Ready     func(ctx context.Context) error
	Logger    *slog.Logger
}

type Server struct {
	Deps
	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: d, mux: mux.NewRouter(), logger: logger}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/check-in", s.handleShift(true)).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/check-out", s.handleShift(false)).Methods(http.MethodPost)

	api.HandleFunc("/stops/{id}/delivered", s.handleDelivered).Methods(http.MethodPost)
	api.HandleFunc("/stops/{id}/failed", s.handleFailed).Methods(http.MethodPost)
	api.HandleFunc("/stops/{id}/cancel", s.handleCancelStop).Methods(http.MethodPost)
	api.HandleFunc("/stops/{id}/retry-status", s.handleRetry).Methods(http.MethodPost)
	api.HandleFunc("/routes/{id}/cancel", s.handleCancelRoute).Methods(http.MethodPost)

	api.HandleFunc("/warnings", s.handleWarnings).Methods(http.MethodGet)
	api.HandleFunc("/warnings/{id}", s.handleDismiss).Methods(http.MethodDelete)
	api.HandleFunc("/edits", s.handleEdits).Methods(http.MethodGet)
	api.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)
	api.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	api.HandleFunc("/{collection}", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/{collection}/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/{collection}/{id}", s.handlePatch).Methods(http.MethodPatch)

	if s.WS != nil {
		s.mux.Handle("/ws", s.WS)
	}
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func collectionVar(r *http.Request) (models.Collection, bool) {
	c := models.Collection(mux.Vars(r)["collection"])
	return c, c.Valid()
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionVar(r)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown collection")
		return
	}
	writeJSON(w, http.StatusOK, s.Store.All(c))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionVar(r)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown collection")
		return
	}
	e, ok := s.Store.Get(c, mux.Vars(r)["id"])
	if !ok {
		writeJSONError(w, http.StatusNotFound, store.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionVar(r)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown collection")
		return
	}
	var patch models.Patch
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	id, err := s.Editor.SubmitLocalEdit(r.Context(), models.Ref{Collection: c, ID: mux.Vars(r)["id"]}, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"edit_id": id})
}

func (s *Server) handleEdits(w http.ResponseWriter, r *http.Request) {
	edits, err := s.Editor.PendingEdits(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, edits)
}

func (s *Server) handleShift(in bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		call := s.Editor.CheckIn
		if !in {
			call = s.Editor.CheckOut
		}
		if err := call(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// deliveredRequest is the JSON form of a POD submission. Photos need the
// multipart form.
type deliveredRequest struct {
	Strokes [][]pod.Point `json:"strokes"`
	Width   int           `json:"width"`
	Height  int           `json:"height"`
}

func (s *Server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	pkg, err := readPackage(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Lifecycle.RequestDelivered(r.Context(), mux.Vars(r)["id"], pkg); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readPackage accepts multipart/form-data with an optional "strokes" JSON
// field and an optional "photo" file, or a JSON deliveredRequest.
func readPackage(r *http.Request) (*pod.Package, error) {
	var req deliveredRequest
	var photo *pod.Photo
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, err
		}
		if raw := r.FormValue("strokes"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Strokes); err != nil {
				return nil, errors.New("invalid strokes: " + err.Error())
			}
		}
		req.Width, _ = strconv.Atoi(r.FormValue("width"))
		req.Height, _ = strconv.Atoi(r.FormValue("height"))
		if f, hdr, err := r.FormFile("photo"); err == nil {
			defer f.Close()
			data, err := io.ReadAll(io.LimitReader(f, pod.MaxPhotoBytes+1))
			if err != nil {
				return nil, err
			}
			if photo, err = pod.NewPhoto(hdr.Filename, hdr.Header.Get("Content-Type"), data); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, http.ErrMissingFile) {
			return nil, err
		}
	} else if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&req); err != nil {
		return nil, errors.New("invalid json: " + err.Error())
	}

	pad, err := pod.NewSignaturePad(req.Width, req.Height)
	if err != nil {
		return nil, err
	}
	if err := pad.Replay(req.Strokes); err != nil {
		return nil, err
	}
	return pod.NewPackage(pad, photo)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := s.Lifecycle.RequestFailed(r.Context(), mux.Vars(r)["id"], body.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelStop(w http.ResponseWriter, r *http.Request) {
	if err := s.Lifecycle.CancelStop(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.Lifecycle.RetryStatus(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.Lifecycle.CancelRoute(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWarnings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Lifecycle.Warnings())
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if !s.Lifecycle.DismissWarning(mux.Vars(r)["id"]) {
		writeJSONError(w, http.StatusNotFound, lifecycle.ErrNoWarning.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.Activity.Recent(n))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.Editor.Refresh("manual")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		writeJSONError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	limit := 10
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	writeJSON(w, http.StatusOK, s.Geo.Nearby(lat, lng, limit))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pce *lifecycle.PartialCommitError
	if errors.As(err, &pce) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":          err.Error(),
			"partial_commit": true,
			"stop_id":        pce.StopID,
			"status":         pce.Status,
		})
		return
	}
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSONError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrUnknownEntity),
		errors.Is(err, lifecycle.ErrUnknownStop),
		errors.Is(err, lifecycle.ErrUnknownRoute),
		errors.Is(err, lifecycle.ErrNoWarning):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotEditable),
		errors.Is(err, engine.ErrLifecycleRequired),
		errors.Is(err, reconcile.ErrPositionNotEditable),
		errors.Is(err, models.ErrIllegalTransition),
		errors.Is(err, models.ErrAlreadyTerminal),
		errors.Is(err, lifecycle.ErrTransitionInFlight):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidValue),
		errors.Is(err, models.ErrUnknownField),
		errors.Is(err, reconcile.ErrEmptyPatch),
		errors.Is(err, lifecycle.ErrPODRequired),
		errors.Is(err, lifecycle.ErrFailReasonRequired),
		errors.Is(err, pod.ErrPadTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrRemoteWriteFailed),
		errors.Is(err, lifecycle.ErrPODUpload),
		errors.Is(err, lifecycle.ErrStatusUpdate):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
