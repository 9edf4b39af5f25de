package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/koios/artframe/internal/poller"
	"go.uber.org/zap"
)

// ArtSource reads the current artifact
type ArtSource interface {
	Read() ([]byte, error)
	ContentType(data []byte) string
}

// StatusProvider reports the poller state
type StatusProvider interface {
	Status() poller.Status
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// ArtHandler serves the stored artifact and service status
type ArtHandler struct {
	art     ArtSource
	status  StatusProvider
	redis   HealthChecker
	artPath string
	logger  *zap.Logger
}

// NewArtHandler creates a new art handler serving the artifact at artPath.
// redis may be nil when Redis is not configured.
func NewArtHandler(art ArtSource, status StatusProvider, redis HealthChecker, artPath string, logger *zap.Logger) *ArtHandler {
	return &ArtHandler{
		art:     art,
		status:  status,
		redis:   redis,
		artPath: artPath,
		logger:  logger,
	}
}

// RegisterRoutes registers the art and status routes
func (h *ArtHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(h.artPath, h.handleArt)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
}

// handleArt handles GET and HEAD <art path> - returns the latest artifact bytes
func (h *ArtHandler) handleArt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := h.art.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "No art available yet", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to read artifact", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", h.art.ContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("Failed to write art response", zap.Error(err))
		return
	}

	h.logger.Debug("Served art",
		zap.String("remote", r.RemoteAddr),
		zap.Int("bytes", len(data)))
}

// handleHealth handles GET /health - returns service health status
func (h *ArtHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body := map[string]interface{}{
		"status":  "healthy",
		"service": "artframe",
	}
	code := http.StatusOK

	if h.redis != nil {
		if h.redis.IsHealthy(r.Context()) {
			body["redis"] = "ok"
		} else {
			body["redis"] = "down"
			body["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// handleStatus handles GET /status - returns the poller status and last cycle
func (h *ArtHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.status.Status()); err != nil {
		h.logger.Error("Failed to encode status response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
