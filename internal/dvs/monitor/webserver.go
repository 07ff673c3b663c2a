package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/dvs-calibration/internal/config"
	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
	"github.com/banshee-data/dvs-calibration/internal/dvs/l1events"
)

// Calibrator is the part of the calibration session the web server drives.
// *calibration.Controller implements it.
type Calibrator interface {
	ResetCalibration()
	StartCalibration() string
	SaveCalibration(ctx context.Context) (calibration.Result, error)
	Status() calibration.Snapshot
	Cameras() []l1events.CameraID
	Observations(camera l1events.CameraID) []calibration.Observation
	TransitionSnapshot(camera l1events.CameraID) (calibration.TransitionGrid, bool)
}

var _ Calibrator = (*calibration.Controller)(nil)

// AdminRouter mounts extra debug routes, e.g. the storage tailsql console.
type AdminRouter interface {
	AttachAdminRoutes(mux *http.ServeMux) error
}

// WebServer handles the HTTP interface for controlling and watching a
// calibration session.
type WebServer struct {
	address    string
	calibrator Calibrator
	hub        *Hub
	admin      []AdminRouter
	tuning     *config.TuningConfig
	saveTTL    time.Duration
	server     *http.Server
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address    string
	Calibrator Calibrator
	// Hub, when set, is served at /ws/calibration.
	Hub   *Hub
	Admin []AdminRouter
	// Tuning, when set, is served read-only at /api/calibration/tuning.
	Tuning *config.TuningConfig
	// SaveTimeout bounds a save request including the estimator run.
	// Zero means five minutes.
	SaveTimeout time.Duration
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(cfg WebServerConfig) (*WebServer, error) {
	if cfg.Calibrator == nil {
		return nil, errors.New("monitor: Calibrator is required")
	}
	ws := &WebServer{
		address:    cfg.Address,
		calibrator: cfg.Calibrator,
		hub:        cfg.Hub,
		admin:      cfg.Admin,
		tuning:     cfg.Tuning,
		saveTTL:    cfg.SaveTimeout,
	}
	if ws.saveTTL <= 0 {
		ws.saveTTL = 5 * time.Minute
	}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws, nil
}

// Handler returns the root handler, for tests and embedding.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start serves until ctx is cancelled, then shuts the server down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
	return nil
}

// Close closes the underlying server immediately.
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/calibration/status", ws.handleStatus)
	mux.HandleFunc("/api/calibration/reset", ws.handleReset)
	mux.HandleFunc("/api/calibration/start", ws.handleStart)
	mux.HandleFunc("/api/calibration/save", ws.handleSave)
	mux.HandleFunc("/api/calibration/observations", ws.handleObservations)
	mux.HandleFunc("/api/calibration/tuning", ws.handleTuning)
	if ws.hub != nil {
		mux.Handle("/ws/calibration", ws.hub)
	}

	debug := tsweb.Debugger(mux)
	debug.Handle("transitions", "Transition count heatmap (HTML, ?camera=ID)", http.HandlerFunc(ws.handleTransitionHeatmap))
	debug.Handle("centroids.png", "Observed grid centroids (PNG, ?camera=ID)", http.HandlerFunc(ws.handleCentroidPlot))
	debug.KVFunc("Calibration status", func() any { return ws.calibrator.Status().Status.String() })

	for _, a := range ws.admin {
		if err := a.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		diagf("encoding response: %v", err)
	}
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ws.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ws.writeJSON(w, http.StatusOK, ws.calibrator.Status())
}

func (ws *WebServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ws.calibrator.ResetCalibration()
	opsf("calibration reset from %s", r.RemoteAddr)
	ws.writeJSON(w, http.StatusOK, ws.calibrator.Status())
}

func (ws *WebServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := ws.calibrator.StartCalibration()
	opsf("calibration %s started from %s", id, r.RemoteAddr)
	ws.writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (ws *WebServer) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ws.saveTTL)
	defer cancel()

	res, err := ws.calibrator.SaveCalibration(ctx)
	if err != nil {
		status := saveErrorStatus(err)
		if status == http.StatusInternalServerError {
			opsf("calibration save failed: %v", err)
		} else {
			diagf("calibration save refused: %v", err)
		}
		ws.writeJSONError(w, status, err.Error())
		return
	}
	ws.writeJSON(w, http.StatusOK, res)
}

// saveErrorStatus maps a SaveCalibration error onto an HTTP status.
func saveErrorStatus(err error) int {
	switch {
	case errors.Is(err, calibration.ErrInsufficientData), errors.Is(err, calibration.ErrSessionChanged):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (ws *WebServer) handleObservations(w http.ResponseWriter, r *http.Request) {
	cam, ok := ws.cameraParam(w, r)
	if !ok {
		return
	}
	obs := ws.calibrator.Observations(cam)
	if obs == nil {
		obs = []calibration.Observation{}
	}
	ws.writeJSON(w, http.StatusOK, obs)
}

func (ws *WebServer) handleTuning(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if ws.tuning == nil {
		ws.writeJSONError(w, http.StatusNotFound, "tuning not available")
		return
	}
	ws.writeJSON(w, http.StatusOK, ws.tuning)
}

// cameraParam reads ?camera=, falling back to the only camera when exactly
// one has been seen.
func (ws *WebServer) cameraParam(w http.ResponseWriter, r *http.Request) (l1events.CameraID, bool) {
	if v := r.URL.Query().Get("camera"); v != "" {
		return l1events.CameraID(v), true
	}
	cams := ws.calibrator.Cameras()
	if len(cams) == 1 {
		return cams[0], true
	}
	ws.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("missing 'camera' parameter (%d cameras seen)", len(cams)))
	return "", false
}

// AdminFunc adapts a route-mounting function to AdminRouter.
type AdminFunc func(mux *http.ServeMux) error

func (f AdminFunc) AttachAdminRoutes(mux *http.ServeMux) error { return f(mux) }
