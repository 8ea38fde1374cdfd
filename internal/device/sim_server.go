package device

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ChuLiYu/automic/pkg/types"
)

// SimServer exposes a Simulator over the same REST surface as the real
// motion-control backend.
type SimServer struct {
	sim    *Simulator
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewSimServer wires the REST routes for sim.
func NewSimServer(sim *Simulator, logger *slog.Logger) *SimServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SimServer{sim: sim, mux: http.NewServeMux(), logger: logger}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /move", s.handleMove)
	s.mux.HandleFunc("POST /calibrate", s.handleCalibrate)
	s.mux.HandleFunc("POST /emergency-stop", s.handleStop)
	s.mux.HandleFunc("GET /motors/status", s.handleMotors)
	s.mux.HandleFunc("GET /config", s.handleConfig)
	return s
}

func (s *SimServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Simulator request", "method", r.Method, "path", r.URL.Path, "request_id", r.Header.Get(RequestIDHeader))
	s.mux.ServeHTTP(w, r)
}

func (s *SimServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := s.sim.HealthCheck(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *SimServer) handleMove(w http.ResponseWriter, r *http.Request) {
	target, ok := decodeCoordinates(w, r)
	if !ok {
		return
	}
	pos, err := s.sim.Move(r.Context(), target)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{Status: "success", Position: pos})
}

func (s *SimServer) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	actual, ok := decodeCoordinates(w, r)
	if !ok {
		return
	}
	pos, err := s.sim.Calibrate(r.Context(), actual)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{Status: "calibrated", Position: pos})
}

func (s *SimServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sim.EmergencyStop(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	s.logger.Warn("Simulator emergency stop")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *SimServer) handleMotors(w http.ResponseWriter, r *http.Request) {
	report, err := s.sim.MotorStatus(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *SimServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.sim.FetchConfig(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func decodeCoordinates(w http.ResponseWriter, r *http.Request) (types.Position, bool) {
	var body struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
		Z *float64 `json:"z"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.X == nil || body.Y == nil || body.Z == nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "x, y and z are required numbers"})
		return types.Position{}, false
	}
	return types.Position{X: *body.X, Y: *body.Y, Z: *body.Z}, true
}

func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	detail := err.Error()
	var devErr *Error
	if errors.As(err, &devErr) {
		if devErr.StatusCode != 0 {
			status = devErr.StatusCode
		}
		if devErr.Reason != "" {
			detail = devErr.Reason
		}
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
