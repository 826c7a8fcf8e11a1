// Package httpapi exposes the oracle engine over REST.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/stakefolio/oracle-engine/internal/app/metrics"
	oraclesvc "github.com/stakefolio/oracle-engine/internal/app/services/oracle"
	"github.com/stakefolio/oracle-engine/pkg/admin"
	"github.com/stakefolio/oracle-engine/pkg/logger"
)

// handler bundles the HTTP endpoints over the oracle engine.
type handler struct {
	service *oraclesvc.Service
	sources map[string]oraclesvc.Source
	log     *logger.Logger
}

// NewHandler returns a mux exposing the engine REST API. The sources
// map resolves the source names accepted by the admin configuration
// endpoint.
func NewHandler(service *oraclesvc.Service, sources map[string]oraclesvc.Source, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{service: service, sources: sources, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.health)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/prices", h.prices)
	mux.HandleFunc("/prices/", h.priceResources)
	mux.HandleFunc("/admin/", h.adminResources)
	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) prices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assets": h.service.Assets()})
}

func (h *handler) priceResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/prices"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	asset := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			price, err := h.service.GetPrice(r.Context(), asset)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"asset": asset, "price": price.Dec()})
		case http.MethodPut:
			h.setPrice(w, r, asset)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "data":
		h.priceData(w, r, asset)
	case "fallback":
		h.priceFallback(w, r, asset)
	case "refresh":
		h.refresh(w, r, asset)
	case "advance":
		h.advance(w, r, asset)
	case "snapshots":
		h.snapshots(w, r, asset)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) priceData(w http.ResponseWriter, r *http.Request, asset string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	data, err := h.service.GetPriceData(r.Context(), asset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *handler) priceFallback(w http.ResponseWriter, r *http.Request, asset string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	price, stale, err := h.service.GetPriceWithFallback(r.Context(), asset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset": asset,
		"price": price.Dec(),
		"stale": stale,
	})
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request, asset string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	smart := r.URL.Query().Get("smart") == "true"
	var err error
	var data interface{}
	if smart {
		data, err = h.service.SmartUpdate(r.Context(), asset)
	} else {
		data, err = h.service.FetchAndCommit(r.Context(), asset)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *handler) advance(w http.ResponseWriter, r *http.Request, asset string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	data, changed, err := h.service.Advance(r.Context(), asset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changed": changed, "data": data})
}

func (h *handler) snapshots(w http.ResponseWriter, r *http.Request, asset string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	snaps, err := h.service.ListSnapshots(r.Context(), asset, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"asset": asset, "snapshots": snaps})
}

func (h *handler) setPrice(w http.ResponseWriter, r *http.Request, asset string) {
	var payload struct {
		Price string `json:"price"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	price, err := uint256.FromDecimal(strings.TrimSpace(payload.Price))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid price: %w", err))
		return
	}
	if err := h.service.SetPrice(r.Context(), bearerToken(r), asset, price); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) adminResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[0] {
	case "sources":
		if len(parts) != 2 || r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.configureSource(w, r, parts[1])
	case "thresholds":
		h.setThresholds(w, r)
	case "max-age":
		h.setMaxPriceAge(w, r)
	case "staleness":
		h.toggle(w, r, h.service.EnableStalenessCheck)
	case "circuit-breaker":
		if len(parts) == 3 && parts[2] == "reset" {
			h.resetBreaker(w, r, parts[1])
			return
		}
		h.toggle(w, r, h.service.EnableCircuitBreaker)
	case "emergency":
		h.emergency(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) configureSource(w http.ResponseWriter, r *http.Request, asset string) {
	var payload struct {
		Primary string `json:"primary"`
		Backup  string `json:"backup"`
		FeedID  string `json:"feed_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var primary, backup oraclesvc.Source
	if payload.Primary != "" {
		src, ok := h.sources[payload.Primary]
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown source %q", payload.Primary))
			return
		}
		primary = src
	}
	if payload.Backup != "" {
		src, ok := h.sources[payload.Backup]
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown source %q", payload.Backup))
			return
		}
		backup = src
	}
	if err := h.service.ConfigureSource(r.Context(), bearerToken(r), asset, primary, backup, payload.FeedID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setThresholds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		DeviationBps uint64 `json:"deviation_bps"`
		ExtremeBps   uint64 `json:"extreme_bps"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.service.SetThresholds(r.Context(), bearerToken(r), payload.DeviationBps, payload.ExtremeBps); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setMaxPriceAge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Seconds int64 `json:"seconds"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	age := time.Duration(payload.Seconds) * time.Second
	if err := h.service.SetMaxPriceAge(r.Context(), bearerToken(r), age); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) toggle(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, token string, enabled bool) error) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := apply(r.Context(), bearerToken(r), payload.Enabled); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) resetBreaker(w http.ResponseWriter, r *http.Request, asset string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.service.ResetCircuitBreaker(r.Context(), bearerToken(r), asset); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) emergency(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.service.ActivateEmergencyMode(r.Context(), bearerToken(r), payload.Reason); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := h.service.DeactivateEmergencyMode(r.Context(), bearerToken(r)); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.service.Emergency())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// --- helpers ---------------------------------------------------------------

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func decodeJSON(body io.Reader, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeEngineError maps engine sentinel errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var normErr *oraclesvc.NormalizationError
	switch {
	case errors.Is(err, admin.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, oraclesvc.ErrAssetNotSupported), errors.Is(err, oraclesvc.ErrNoValidPrice):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, oraclesvc.ErrPriceStale),
		errors.Is(err, oraclesvc.ErrCircuitBreakerOpen),
		errors.Is(err, oraclesvc.ErrNotTriggered),
		errors.Is(err, oraclesvc.ErrCooldownNotElapsed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, oraclesvc.ErrAllSourcesFailed):
		writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, oraclesvc.ErrInvalidConfig),
		errors.Is(err, oraclesvc.ErrDeviationOverflow),
		errors.As(err, &normErr):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
